package model

import (
	"time"

	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/tool"
)

// EntryKind classifies transcript entries.
type EntryKind string

const (
	EntryInstructions EntryKind = "instructions"
	EntryPrompt       EntryKind = "prompt"
	EntryToolCalls    EntryKind = "tool_calls"
	EntryToolOutput   EntryKind = "tool_output"
	EntryResponse     EntryKind = "response"
)

// Entry is one element of a session transcript.
type Entry struct {
	ID   string    `json:"id"`
	Kind EntryKind `json:"kind"`
	Time time.Time `json:"time"`

	// Text carries instructions, prompts and text responses.
	Text string `json:"text,omitempty"`
	// Content carries structured responses; Null otherwise.
	Content content.Value `json:"content"`
	// Schema names the root of the schema a structured prompt or response
	// was generated against.
	Schema string `json:"schema,omitempty"`
	// Tools lists the tool names visible to the model (instructions only).
	Tools  []string     `json:"tools,omitempty"`
	Calls  []tool.Call  `json:"calls,omitempty"`
	Output *tool.Output `json:"output,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// ToolCallsEntry records a batch of model-issued calls.
func ToolCallsEntry(calls []tool.Call) Entry {
	return Entry{Kind: EntryToolCalls, Calls: append([]tool.Call(nil), calls...)}
}

// ToolOutputEntry records the result of one call.
func ToolOutputEntry(out tool.Output) Entry {
	return Entry{Kind: EntryToolOutput, Output: &out}
}

// ResponseText renders a response entry as text for providers that only take
// text turns. Structured content is rendered as compact JSON.
func (e Entry) ResponseText() string {
	if e.Text != "" || e.Content.IsNull() {
		return e.Text
	}
	return e.Content.String()
}
