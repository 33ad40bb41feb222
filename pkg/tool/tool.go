// Package tool holds host-defined functions the model may call during a
// generation, together with the schemas describing their arguments.
package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/schema"
)

// Definition is the model-visible contract of a tool. A nil Parameters means
// the tool takes no arguments, or arguments that are passed through opaque.
type Definition struct {
	Name        string
	Description string
	Parameters  *schema.Schema
}

type wireDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// MarshalJSON encodes {"name","description","parameters"}.
func (d Definition) MarshalJSON() ([]byte, error) {
	w := wireDefinition{Name: d.Name, Description: d.Description}
	if d.Parameters != nil {
		raw, err := json.Marshal(d.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", d.Name, err)
		}
		w.Parameters = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes and validates the wire form.
func (d *Definition) UnmarshalJSON(data []byte) error {
	var w wireDefinition
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*d = Definition{Name: w.Name, Description: w.Description}
	if len(w.Parameters) > 0 && string(w.Parameters) != "null" {
		s, err := schema.Parse(w.Parameters)
		if err != nil {
			return fmt.Errorf("tool %s parameters: %w", w.Name, err)
		}
		d.Parameters = s
	}
	return nil
}

// Handler runs a tool with decoded arguments.
type Handler interface {
	Call(ctx context.Context, args content.Value) (content.Value, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args content.Value) (content.Value, error)

func (f HandlerFunc) Call(ctx context.Context, args content.Value) (content.Value, error) {
	return f(ctx, args)
}

// Tool pairs a definition with its handler.
type Tool struct {
	Definition
	Handler Handler
}

// Call is one model-issued tool invocation.
type Call struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Arguments content.Value `json:"arguments"`
}

// Output is the result of a Call as fed back to the model.
type Output struct {
	CallID  string        `json:"call_id"`
	Name    string        `json:"name"`
	Content content.Value `json:"content"`
}
