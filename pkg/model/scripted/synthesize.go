package scripted

import (
	"math"

	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/schema"
)

// maxDepth stops synthesis of recursive schemas.
const maxDepth = 8

// Synthesize builds a small value that decodes under s. Optional properties
// are omitted, arrays get their minimum element count (at least one), enums
// and unions take their first choice, and numbers sit at their lower bound.
func Synthesize(s *schema.Schema) content.Value {
	if s == nil {
		return content.Null
	}
	x := &synth{s: s}
	return x.node(s.Root())
}

type synth struct {
	s     *schema.Schema
	depth int
	out   content.Value
}

func (x *synth) node(n schema.Node) content.Value {
	if x.depth > maxDepth {
		return content.Null
	}
	x.depth++
	defer func() { x.depth-- }()
	x.out = content.Null
	_ = n.Accept(x)
	return x.out
}

func (x *synth) VisitValue(n *schema.Value) error {
	c := n.Constraints
	switch n.Type {
	case schema.String:
		if len(c.Enum) > 0 {
			x.out = content.String(c.Enum[0])
		} else {
			x.out = content.String("example")
		}
	case schema.Int:
		v := 0.0
		if c.Minimum != nil {
			v = math.Ceil(*c.Minimum)
		} else if c.Maximum != nil && *c.Maximum < 0 {
			v = math.Floor(*c.Maximum)
		}
		x.out = content.Int(int64(v))
	case schema.Double:
		v := 0.0
		if c.Minimum != nil {
			v = *c.Minimum
		} else if c.Maximum != nil && *c.Maximum < 0 {
			v = *c.Maximum
		}
		x.out = content.Float(v)
	case schema.Bool:
		x.out = content.Bool(false)
	}
	return nil
}

// maxSynthItems caps synthesized lists; minimumElements is only a hint.
const maxSynthItems = 8

func (x *synth) VisitArray(n *schema.Array) error {
	count := 1
	if n.MinCount != nil {
		count = int(min(*n.MinCount, maxSynthItems))
	}
	if n.MaxCount != nil && int(*n.MaxCount) < count {
		count = int(*n.MaxCount)
	}
	items := make([]content.Value, 0, count)
	for i := 0; i < count; i++ {
		v := x.node(n.Element)
		if v.IsNull() {
			break
		}
		items = append(items, v)
	}
	x.out = content.List(items...)
	return nil
}

func (x *synth) VisitDictionary(*schema.Dictionary) error {
	x.out = content.Object()
	return nil
}

func (x *synth) VisitStruct(n *schema.Struct) error {
	fields := make([]content.Field, 0, len(n.Properties))
	for _, p := range n.Properties {
		if p.Optional {
			continue
		}
		fields = append(fields, content.F(p.Name, x.node(p.Schema)))
	}
	x.out = content.Object(fields...)
	return nil
}

func (x *synth) VisitAnyOf(n *schema.AnyOf) error {
	if len(n.Variants) > 0 {
		x.out = x.node(n.Variants[0])
	}
	return nil
}

func (x *synth) VisitAnyOfStrings(n *schema.AnyOfStrings) error {
	if len(n.Values) > 0 {
		x.out = content.String(n.Values[0])
	}
	return nil
}

func (x *synth) VisitReference(n *schema.Reference) error {
	target := x.s.Resolve(n)
	if _, still := target.(*schema.Reference); still {
		return nil
	}
	x.out = x.node(target)
	return nil
}

// Progressive turns a final value into whole-value snapshots that grow one
// top-level field or element at a time and end with v itself.
func Progressive(v content.Value) []content.Value {
	switch v.Kind() {
	case content.KindMap:
		fields := v.Fields()
		if len(fields) == 0 {
			return []content.Value{v}
		}
		snaps := make([]content.Value, 0, len(fields))
		for i := 1; i <= len(fields); i++ {
			snaps = append(snaps, content.Object(fields[:i]...))
		}
		return snaps
	case content.KindList:
		items := v.Items()
		if len(items) == 0 {
			return []content.Value{v}
		}
		snaps := make([]content.Value, 0, len(items))
		for i := 1; i <= len(items); i++ {
			snaps = append(snaps, content.List(items[:i]...))
		}
		return snaps
	default:
		return []content.Value{v}
	}
}
