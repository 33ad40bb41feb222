// Package model describes the language model capability the bridge drives.
// The capability is opaque: given a prompt, an optional schema and options it
// produces text or structured content, optionally calling host tools first.
package model

import (
	"context"

	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/schema"
	"github.com/cexll/genbridge/pkg/tool"
)

// Capability describes the behavior every language-model backend must
// support. Respond is a unary call; Stream delivers whole-value snapshots
// through fn in progress order before returning the final response.
//
// Cancelling ctx asks the backend to stop producing snapshots. A backend
// acknowledges cancellation by returning ctx.Err().
type Capability interface {
	Respond(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request, fn SnapshotFunc) (Response, error)
}

// ToolInvoker runs model-issued tool calls. tool.Registry implements it.
type ToolInvoker interface {
	InvokeCall(ctx context.Context, call tool.Call) (content.Value, error)
}

// Request is one generation.
type Request struct {
	Instructions string
	// History holds earlier transcript entries of the session, oldest first.
	History []Entry
	Prompt  string
	// Schema constrains the output. Nil requests free-form text.
	Schema  *schema.Schema
	Options Options
	Tools   []tool.Definition
	Invoker ToolInvoker
}

// Structured reports whether the request asks for schema-shaped output.
func (r Request) Structured() bool { return r.Schema != nil }

// Snapshot is the whole generated value so far. Text is set for text
// requests, Raw for structured ones.
type Snapshot struct {
	Text string
	Raw  content.Value
}

// SnapshotFunc consumes snapshots. Returning an error stops the generation.
type SnapshotFunc func(Snapshot) error

// Response is the final outcome of a generation. Raw is the structured value
// before any schema decoding. Entries lists the tool-call batches and tool
// outputs produced while generating, in order.
type Response struct {
	Text       string
	Raw        content.Value
	Entries    []Entry
	Usage      Usage
	StopReason string
}
