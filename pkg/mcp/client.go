// Package mcp carries tools across process boundaries with the Model Context
// Protocol. Server exposes a session's tools to MCP clients; Client imports
// the tools of a remote MCP server into a tool registry.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/fault"
	"github.com/cexll/genbridge/pkg/schema"
	"github.com/cexll/genbridge/pkg/tool"
)

// ImplementationName identifies genbridge to MCP peers.
const ImplementationName = "genbridge"

// Version is reported in the MCP handshake.
var Version = "dev"

// transportBuilder is overridden in tests to stub the transport factory.
var transportBuilder = buildTransport

// Option configures a Client or a Server.
type Option func(*options)

type options struct {
	logger *slog.Logger
	prefix string
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithToolPrefix prepends prefix to every imported tool name, so two servers
// exposing the same name can share one registry.
func WithToolPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

func applyOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Client is a connected MCP client session.
type Client struct {
	session *mcpsdk.ClientSession
	opts    options
}

// Dial connects to the server described by spec. See buildTransport for the
// accepted forms.
func Dial(ctx context.Context, spec string, opts ...Option) (*Client, error) {
	transport, err := transportBuilder(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("mcp: build transport: %w", err)
	}
	return Connect(ctx, transport, opts...)
}

// Connect runs the MCP handshake over transport.
func Connect(ctx context.Context, transport mcpsdk.Transport, opts ...Option) (*Client, error) {
	impl := mcpsdk.NewClient(&mcpsdk.Implementation{Name: ImplementationName, Version: Version}, nil)
	session, err := impl.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp: connect: %w", err)
	}
	return &Client{session: session, opts: applyOptions(opts)}, nil
}

// Tools lists the remote tools as registry entries whose handlers call back
// into the server. A remote input schema that has no genbridge equivalent is
// dropped and the tool receives its arguments unchecked.
func (c *Client) Tools(ctx context.Context) ([]tool.Tool, error) {
	if c == nil || c.session == nil {
		return nil, ErrClosed
	}
	var out []tool.Tool
	for remote, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("mcp: list tools: %w", err)
		}
		if remote == nil {
			continue
		}
		out = append(out, c.importTool(remote))
	}
	return out, nil
}

// Register adds every remote tool to reg.
func (c *Client) Register(ctx context.Context, reg *tool.Registry) error {
	tools, err := c.Tools(ctx)
	if err != nil {
		return err
	}
	return reg.Add(tools...)
}

func (c *Client) importTool(remote *mcpsdk.Tool) tool.Tool {
	name := remote.Name
	def := tool.Definition{Name: c.opts.prefix + name, Description: remote.Description}
	if params, err := importSchema(name, remote.InputSchema); err != nil {
		c.opts.logger.Warn("mcp: input schema not importable, arguments pass through unchecked", "tool", name, "err", err)
	} else {
		def.Parameters = params
	}
	return tool.Tool{
		Definition: def,
		Handler: tool.HandlerFunc(func(ctx context.Context, args content.Value) (content.Value, error) {
			return c.Call(ctx, name, args)
		}),
	}
}

func importSchema(name string, input any) (*schema.Schema, error) {
	if input == nil {
		return nil, errors.New("no input schema")
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	doc, err := content.Parse(raw)
	if err != nil {
		return nil, err
	}
	return schema.FromJSONSchema(exportedName(name)+"Arguments", doc)
}

// Call invokes a remote tool by its remote name.
func (c *Client) Call(ctx context.Context, name string, args content.Value) (content.Value, error) {
	if c == nil || c.session == nil {
		return content.Null, ErrClosed
	}
	arguments := args.Any()
	if arguments == nil {
		arguments = map[string]any{}
	}
	res, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return content.Null, fmt.Errorf("mcp: call %s: %w", name, err)
	}
	return resultContent(name, res)
}

// Close ends the session.
func (c *Client) Close() error {
	if c == nil || c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

// ErrClosed is returned by a closed Client.
var ErrClosed = errors.New("mcp: client closed")

// resultContent prefers structured content. Otherwise the text blocks are
// joined and parsed as JSON when possible.
func resultContent(name string, res *mcpsdk.CallToolResult) (content.Value, error) {
	if res == nil {
		return content.Null, nil
	}
	var texts []string
	for _, block := range res.Content {
		if text, ok := block.(*mcpsdk.TextContent); ok {
			texts = append(texts, text.Text)
		}
	}
	joined := strings.Join(texts, "\n")
	if res.IsError {
		return content.Null, fault.New(fault.ToolExecutionFailed, "remote tool %s: %s", name, joined)
	}
	if res.StructuredContent != nil {
		return structured(res.StructuredContent)
	}
	if strings.TrimSpace(joined) == "" {
		return content.Null, nil
	}
	if v, err := content.Parse([]byte(joined)); err == nil {
		return v, nil
	}
	return content.String(joined), nil
}

func structured(x any) (content.Value, error) {
	// Round-trip through JSON so key order and numbers follow the wire.
	raw, err := json.Marshal(x)
	if err != nil {
		return content.FromAny(x)
	}
	return content.Parse(raw)
}

func exportedName(s string) string {
	var b strings.Builder
	upper := true
	for _, r := range s {
		switch {
		case r == '_' || r == '-' || r == '.' || r == ' ':
			upper = true
		case upper:
			b.WriteString(strings.ToUpper(string(r)))
			upper = false
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
