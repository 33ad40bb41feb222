package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cexll/genbridge/pkg/fault"
)

// Wire field names. The transport format is shared with other runtimes and
// must not drift.
const (
	fieldKind         = "kind"
	fieldType         = "type"
	fieldArrayOf      = "arrayOf"
	fieldDictionaryOf = "dictionaryOf"
	fieldName         = "name"
	fieldAnyOf        = "anyOf"
	fieldProperties   = "properties"
	fieldSchema       = "schema"
	fieldRoot         = "root"
	fieldDependencies = "dependencies"
)

// primitive aliases accepted on input; output always uses the canonical name.
var primitiveAliases = map[string]Primitive{
	"string":  String,
	"int":     Int,
	"integer": Int,
	"double":  Double,
	"number":  Double,
	"float":   Double,
	"bool":    Bool,
	"boolean": Bool,
}

type wireProperty struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema"`
	IsOptional  bool            `json:"isOptional"`
}

type wireNode struct {
	Kind            NodeKind        `json:"kind"`
	Type            Primitive       `json:"type,omitempty"`
	Enum            []string        `json:"enum,omitempty"`
	Pattern         string          `json:"pattern,omitempty"`
	Minimum         *float64        `json:"minimum,omitempty"`
	Maximum         *float64        `json:"maximum,omitempty"`
	ArrayOf         json.RawMessage `json:"arrayOf,omitempty"`
	MinimumElements *uint32         `json:"minimumElements,omitempty"`
	MaximumElements *uint32         `json:"maximumElements,omitempty"`
	DictionaryOf    json.RawMessage `json:"dictionaryOf,omitempty"`
	Name            string          `json:"name,omitempty"`
	Description     string          `json:"description,omitempty"`
	AnyOf           json.RawMessage `json:"anyOf,omitempty"`
	Properties      []wireProperty  `json:"properties,omitempty"`
}

type wireSchema struct {
	Root         json.RawMessage   `json:"root"`
	Dependencies []json.RawMessage `json:"dependencies"`
}

// MarshalNode encodes a single node in wire form.
func MarshalNode(n Node) ([]byte, error) {
	if n == nil {
		return nil, fault.New(fault.MissingField, "schema node")
	}
	enc := &encoder{}
	if err := n.Accept(enc); err != nil {
		return nil, err
	}
	return json.Marshal(enc.out)
}

// MarshalJSON encodes the schema as {"root": ..., "dependencies": [...]}.
func (s *Schema) MarshalJSON() ([]byte, error) {
	root, err := MarshalNode(s.root)
	if err != nil {
		return nil, err
	}
	deps := make([]json.RawMessage, 0, len(s.deps))
	for _, d := range s.deps {
		raw, err := MarshalNode(d)
		if err != nil {
			return nil, err
		}
		deps = append(deps, raw)
	}
	return json.Marshal(wireSchema{Root: root, Dependencies: deps})
}

// UnmarshalJSON parses and validates a wire schema.
func (s *Schema) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
}

// Parse decodes a wire schema and validates it with New.
func Parse(data []byte) (*Schema, error) {
	fields, err := object(data, "schema")
	if err != nil {
		return nil, err
	}
	rawRoot, ok := fields[fieldRoot]
	if !ok || isNull(rawRoot) {
		return nil, fault.New(fault.MissingField, "%q", fieldRoot)
	}
	root, err := decodeNode(rawRoot, "root")
	if err != nil {
		return nil, err
	}
	var deps []Node
	if rawDeps, ok := fields[fieldDependencies]; ok && !isNull(rawDeps) {
		var items []json.RawMessage
		if err := json.Unmarshal(rawDeps, &items); err != nil {
			return nil, fault.Wrap(fault.InvalidSchema, err, "%q must be a list", fieldDependencies)
		}
		for i, item := range items {
			dep, err := decodeNode(item, fmt.Sprintf("dependencies[%d]", i))
			if err != nil {
				return nil, err
			}
			deps = append(deps, dep)
		}
	}
	return New(root, deps...)
}

// ParseNode decodes one wire node without schema-level validation.
func ParseNode(data []byte) (Node, error) {
	return decodeNode(data, "root")
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func object(data []byte, what string) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fault.Wrap(fault.InvalidSchema, err, "%s must be a json object", what)
	}
	if fields == nil {
		return nil, fault.New(fault.InvalidSchema, "%s must be a json object", what)
	}
	return fields, nil
}

func decodeNode(data json.RawMessage, path string) (Node, error) {
	fields, err := object(data, "node")
	if err != nil {
		return nil, err.(*fault.Error).WithPath(path)
	}
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fault.Wrap(fault.InvalidSchema, err, "malformed node").WithPath(path)
	}
	if _, ok := fields[fieldKind]; !ok {
		return nil, fault.New(fault.MissingField, "%q", fieldKind).WithPath(path)
	}
	need := func(field string) error {
		if raw, ok := fields[field]; !ok || isNull(raw) {
			return fault.New(fault.MissingField, "%q in %s", field, w.Kind).WithPath(path)
		}
		return nil
	}

	switch w.Kind {
	case KindValue:
		if err := need(fieldType); err != nil {
			return nil, err
		}
		prim, ok := primitiveAliases[string(w.Type)]
		if !ok {
			return nil, fault.New(fault.UnknownType, "primitive %q", w.Type).WithPath(path)
		}
		return &Value{Type: prim, Constraints: Constraints{
			Enum:    w.Enum,
			Pattern: w.Pattern,
			Minimum: w.Minimum,
			Maximum: w.Maximum,
		}}, nil

	case KindArray:
		if err := need(fieldArrayOf); err != nil {
			return nil, err
		}
		elem, err := decodeNode(w.ArrayOf, path+"[]")
		if err != nil {
			return nil, err
		}
		return &Array{Element: elem, MinCount: w.MinimumElements, MaxCount: w.MaximumElements}, nil

	case KindDictionary:
		if err := need(fieldDictionaryOf); err != nil {
			return nil, err
		}
		val, err := decodeNode(w.DictionaryOf, path+"{}")
		if err != nil {
			return nil, err
		}
		return &Dictionary{Value: val}, nil

	case KindStruct:
		if err := need(fieldName); err != nil {
			return nil, err
		}
		if err := need(fieldProperties); err != nil {
			return nil, err
		}
		n := &Struct{Name: w.Name, Description: w.Description}
		for i, p := range w.Properties {
			ppath := fmt.Sprintf("%s.properties[%d]", path, i)
			if p.Name == "" {
				return nil, fault.New(fault.MissingField, "%q", fieldName).WithPath(ppath)
			}
			if isNull(p.Schema) {
				return nil, fault.New(fault.MissingField, "%q", fieldSchema).WithPath(ppath)
			}
			child, err := decodeNode(p.Schema, path+"."+p.Name)
			if err != nil {
				return nil, err
			}
			n.Properties = append(n.Properties, Property{
				Name:        p.Name,
				Description: p.Description,
				Schema:      child,
				Optional:    p.IsOptional,
			})
		}
		return n, nil

	case KindAnyOf:
		if err := need(fieldName); err != nil {
			return nil, err
		}
		if err := need(fieldAnyOf); err != nil {
			return nil, err
		}
		var items []json.RawMessage
		if err := json.Unmarshal(w.AnyOf, &items); err != nil {
			return nil, fault.Wrap(fault.InvalidSchema, err, "%q must be a list of nodes", fieldAnyOf).WithPath(path)
		}
		n := &AnyOf{Name: w.Name, Description: w.Description}
		for i, item := range items {
			variant, err := decodeNode(item, fmt.Sprintf("%s|%d", path, i))
			if err != nil {
				return nil, err
			}
			n.Variants = append(n.Variants, variant)
		}
		return n, nil

	case KindAnyOfStrings:
		if err := need(fieldName); err != nil {
			return nil, err
		}
		if err := need(fieldAnyOf); err != nil {
			return nil, err
		}
		n := &AnyOfStrings{Name: w.Name, Description: w.Description}
		if err := json.Unmarshal(w.AnyOf, &n.Values); err != nil {
			return nil, fault.Wrap(fault.InvalidSchema, err, "%q must be a list of strings", fieldAnyOf).WithPath(path)
		}
		return n, nil

	case KindReference:
		if err := need(fieldName); err != nil {
			return nil, err
		}
		return &Reference{Name: w.Name}, nil

	default:
		return nil, fault.New(fault.UnknownKind, "%q", w.Kind).WithPath(path)
	}
}

// encoder renders nodes into wireNode values.
type encoder struct {
	out wireNode
}

func encodeChild(n Node) (json.RawMessage, error) {
	raw, err := MarshalNode(n)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (e *encoder) VisitValue(n *Value) error {
	e.out = wireNode{
		Kind:    KindValue,
		Type:    n.Type,
		Enum:    n.Constraints.Enum,
		Pattern: n.Constraints.Pattern,
		Minimum: n.Constraints.Minimum,
		Maximum: n.Constraints.Maximum,
	}
	return nil
}

func (e *encoder) VisitArray(n *Array) error {
	elem, err := encodeChild(n.Element)
	if err != nil {
		return err
	}
	e.out = wireNode{Kind: KindArray, ArrayOf: elem, MinimumElements: n.MinCount, MaximumElements: n.MaxCount}
	return nil
}

func (e *encoder) VisitDictionary(n *Dictionary) error {
	val, err := encodeChild(n.Value)
	if err != nil {
		return err
	}
	e.out = wireNode{Kind: KindDictionary, DictionaryOf: val}
	return nil
}

func (e *encoder) VisitStruct(n *Struct) error {
	props := make([]wireProperty, 0, len(n.Properties))
	for _, p := range n.Properties {
		child, err := encodeChild(p.Schema)
		if err != nil {
			return err
		}
		props = append(props, wireProperty{
			Name:        p.Name,
			Description: p.Description,
			Schema:      child,
			IsOptional:  p.Optional,
		})
	}
	e.out = wireNode{Kind: KindStruct, Name: n.Name, Description: n.Description, Properties: props}
	return nil
}

func (e *encoder) VisitAnyOf(n *AnyOf) error {
	variants := make([]json.RawMessage, 0, len(n.Variants))
	for _, v := range n.Variants {
		raw, err := encodeChild(v)
		if err != nil {
			return err
		}
		variants = append(variants, raw)
	}
	list, err := json.Marshal(variants)
	if err != nil {
		return err
	}
	e.out = wireNode{Kind: KindAnyOf, Name: n.Name, Description: n.Description, AnyOf: list}
	return nil
}

func (e *encoder) VisitAnyOfStrings(n *AnyOfStrings) error {
	list, err := json.Marshal(n.Values)
	if err != nil {
		return err
	}
	e.out = wireNode{Kind: KindAnyOfStrings, Name: n.Name, Description: n.Description, AnyOf: list}
	return nil
}

func (e *encoder) VisitReference(n *Reference) error {
	e.out = wireNode{Kind: KindReference, Name: n.Name}
	return nil
}
