package codec

import (
	"math"

	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/schema"
)

// Encode walks v along s and returns the transport value: struct fields are
// re-keyed into declared property order and keys with no schema path are
// dropped. Values that do not fit the schema are passed through unchanged.
func Encode(s *schema.Schema, v content.Value) content.Value {
	if s == nil {
		return EncodeOpaque(v)
	}
	return encode(s, s.Root(), v)
}

// EncodeOpaque prepares content that has no schema, such as a tool result.
// Non-finite numbers, which have no JSON form, become null.
func EncodeOpaque(v content.Value) content.Value {
	switch v.Kind() {
	case content.KindNumber:
		if f, _ := v.AsFloat(); math.IsNaN(f) || math.IsInf(f, 0) {
			return content.Null
		}
		return v
	case content.KindList:
		items := v.Items()
		for i, item := range items {
			items[i] = EncodeOpaque(item)
		}
		return content.List(items...)
	case content.KindMap:
		fields := v.Fields()
		for i := range fields {
			fields[i].Value = EncodeOpaque(fields[i].Value)
		}
		return content.Object(fields...)
	default:
		return v
	}
}

func encode(s *schema.Schema, n schema.Node, v content.Value) content.Value {
	e := &encoder{s: s, in: v, out: v}
	_ = n.Accept(e)
	return e.out
}

type encoder struct {
	s   *schema.Schema
	in  content.Value
	out content.Value
}

func (e *encoder) VisitValue(n *schema.Value) error {
	if n.Type == schema.Double {
		if f, ok := e.in.AsFloat(); ok {
			e.out = content.Float(f)
		}
	}
	return nil
}

func (e *encoder) VisitArray(n *schema.Array) error {
	if e.in.Kind() != content.KindList {
		return nil
	}
	items := e.in.Items()
	for i, item := range items {
		items[i] = encode(e.s, n.Element, item)
	}
	e.out = content.List(items...)
	return nil
}

func (e *encoder) VisitDictionary(n *schema.Dictionary) error {
	if e.in.Kind() != content.KindMap {
		return nil
	}
	fields := e.in.Fields()
	for i := range fields {
		fields[i].Value = encode(e.s, n.Value, fields[i].Value)
	}
	e.out = content.Object(fields...)
	return nil
}

func (e *encoder) VisitStruct(n *schema.Struct) error {
	if e.in.Kind() != content.KindMap {
		return nil
	}
	fields := make([]content.Field, 0, len(n.Properties))
	for _, p := range n.Properties {
		val, ok := e.in.Get(p.Name)
		if !ok {
			continue
		}
		fields = append(fields, content.F(p.Name, encode(e.s, p.Schema, val)))
	}
	e.out = content.Object(fields...)
	return nil
}

// VisitAnyOf encodes with the variant that decode would pick, so the round
// trip lands on the same variant.
func (e *encoder) VisitAnyOf(n *schema.AnyOf) error {
	cfg := &options{}
	for _, variant := range n.Variants {
		if _, err := decode(e.s, cfg, variant, e.in, "root"); err == nil {
			e.out = encode(e.s, variant, e.in)
			return nil
		}
	}
	return nil
}

func (e *encoder) VisitAnyOfStrings(*schema.AnyOfStrings) error { return nil }

func (e *encoder) VisitReference(n *schema.Reference) error {
	if target := e.s.Resolve(n); target != schema.Node(n) {
		e.out = encode(e.s, target, e.in)
	}
	return nil
}
