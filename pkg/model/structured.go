package model

import (
	"regexp"

	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/schema"
	"github.com/cexll/genbridge/pkg/tool"
)

// OutputToolName is the synthetic tool adapters force when a provider carries
// structured output as a tool call.
const OutputToolName = "structured_output"

const wrapKey = "value"

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// OutputSchema is a schema rendered for a provider that needs an object root.
// Non-struct roots are wrapped as {"value": <root>}.
type OutputSchema struct {
	Name    string
	Doc     content.Value
	Wrapped bool
}

// NewOutputSchema renders s as JSON Schema.
func NewOutputSchema(s *schema.Schema) OutputSchema {
	doc := schema.ToJSONSchema(s)
	name := "output"
	if n, ok := s.Root().(schema.Named); ok && n.SchemaName() != "" {
		name = n.SchemaName()
	}
	name = unsafeName.ReplaceAllString(name, "_")
	if len(name) > 64 {
		name = name[:64]
	}
	if _, ok := s.Root().(*schema.Struct); ok {
		return OutputSchema{Name: name, Doc: doc}
	}

	var defs content.Value
	inner := make([]content.Field, 0, len(doc.Fields()))
	for _, f := range doc.Fields() {
		if f.Key == "$defs" {
			defs = f.Value
			continue
		}
		inner = append(inner, f)
	}
	fields := []content.Field{
		content.F("type", content.String("object")),
		content.F("properties", content.Object(content.F(wrapKey, content.Object(inner...)))),
		content.F("required", content.List(content.String(wrapKey))),
		content.F("additionalProperties", content.Bool(false)),
	}
	if !defs.IsNull() {
		fields = append(fields, content.F("$defs", defs))
	}
	return OutputSchema{Name: name, Doc: content.Object(fields...), Wrapped: true}
}

// Unwrap strips the wrapper added for non-struct roots.
func (o OutputSchema) Unwrap(v content.Value) content.Value {
	if !o.Wrapped {
		return v
	}
	inner, _ := v.Get(wrapKey)
	return inner
}

// Parse decodes a complete structured answer.
func (o OutputSchema) Parse(text string) (content.Value, error) {
	v, err := content.Parse([]byte(text))
	if err != nil {
		return content.Null, err
	}
	return o.Unwrap(v), nil
}

// ParsePartial recovers a snapshot from a JSON prefix. ok is false while no
// value can be recovered yet.
func (o OutputSchema) ParsePartial(text string) (content.Value, bool) {
	v, _, err := content.ParsePartial(text)
	if err != nil || v.IsNull() {
		return content.Null, false
	}
	v = o.Unwrap(v)
	return v, !v.IsNull()
}

// ToolParameters renders a tool's parameter schema. Tools without one take an
// empty object.
func ToolParameters(def tool.Definition) content.Value {
	if def.Parameters == nil {
		return content.Object(
			content.F("type", content.String("object")),
			content.F("properties", content.Object()),
		)
	}
	return schema.ToJSONSchema(def.Parameters)
}
