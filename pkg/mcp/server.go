package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/fault"
	"github.com/cexll/genbridge/pkg/schema"
	"github.com/cexll/genbridge/pkg/tool"
)

// Catalog is the tool surface a Server exposes. *tool.Registry implements it.
type Catalog interface {
	Definitions() []tool.Definition
	Invoke(ctx context.Context, name string, args content.Value) (content.Value, error)
}

// NewServer builds an MCP server whose tools call into catalog. Parameter
// schemas are published as JSON Schema; MCP requires them to describe objects.
func NewServer(catalog Catalog, opts ...Option) (*mcpsdk.Server, error) {
	o := applyOptions(opts)
	srv := mcpsdk.NewServer(&mcpsdk.Implementation{Name: ImplementationName, Version: Version}, nil)
	for _, def := range catalog.Definitions() {
		input, err := inputSchema(def)
		if err != nil {
			return nil, err
		}
		name := def.Name
		srv.AddTool(&mcpsdk.Tool{
			Name:        o.prefix + name,
			Description: def.Description,
			InputSchema: input,
		}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			args := content.Object()
			if req.Params != nil && len(req.Params.Arguments) > 0 {
				parsed, err := content.Parse(req.Params.Arguments)
				if err != nil {
					return errorResult(fault.Wrap(fault.TypeMismatch, err, "arguments of %s are not json", name)), nil
				}
				args = parsed
			}
			out, err := catalog.Invoke(ctx, name, args)
			if err != nil {
				o.logger.Debug("mcp: tool call failed", "tool", name, "err", err)
				return errorResult(err), nil
			}
			return successResult(out), nil
		})
	}
	return srv, nil
}

// Serve runs an MCP server for catalog over transport until ctx is done or
// the peer disconnects.
func Serve(ctx context.Context, catalog Catalog, transport mcpsdk.Transport, opts ...Option) error {
	srv, err := NewServer(catalog, opts...)
	if err != nil {
		return err
	}
	return srv.Run(ctx, transport)
}

// Handler serves catalog over the streamable HTTP transport.
func Handler(catalog Catalog, opts ...Option) (http.Handler, error) {
	srv, err := NewServer(catalog, opts...)
	if err != nil {
		return nil, err
	}
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return srv }, nil), nil
}

func inputSchema(def tool.Definition) (map[string]any, error) {
	if def.Parameters == nil {
		return map[string]any{"type": "object"}, nil
	}
	doc, ok := schema.ToJSONSchema(def.Parameters).Any().(map[string]any)
	if !ok || doc["type"] != "object" {
		return nil, fault.New(fault.InvalidSchema, "tool %s: mcp requires object parameters", def.Name)
	}
	return doc, nil
}

func successResult(v content.Value) *mcpsdk.CallToolResult {
	res := &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: v.String()}},
	}
	if v.Kind() == content.KindMap {
		res.StructuredContent = v.Any()
	}
	return res
}

func errorResult(err error) *mcpsdk.CallToolResult {
	payload, mErr := json.Marshal(fault.ToPayload(err))
	if mErr != nil {
		payload = []byte(fmt.Sprintf(`{"kind":%q,"message":%q}`, fault.KindOf(err), err.Error()))
	}
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(payload)}},
	}
}
