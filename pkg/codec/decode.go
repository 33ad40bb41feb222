// Package codec converts between transport values and schema-shaped content.
//
// Decode is strict about structure and lenient about optional properties: a
// required property that is absent or malformed fails the whole call, while
// an optional one that fails to decode is dropped from the output. Constraints
// on the schema are generation hints and are not re-checked here.
//
// AnyOf is untagged. Variants are tried in declared order and the first that
// decodes wins, so reordering variants can change the result for values that
// several variants accept.
package codec

import (
	"fmt"

	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/fault"
	"github.com/cexll/genbridge/pkg/schema"
)

// Observer is told about optional properties dropped because they failed to
// decode. It never changes the decode result.
type Observer interface {
	OptionalDropped(path string, err error)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(path string, err error)

func (f ObserverFunc) OptionalDropped(path string, err error) { f(path, err) }

// Option configures a decode call.
type Option func(*options)

type options struct {
	observer Observer
	partial  bool
}

// WithObserver reports dropped optional properties to o.
func WithObserver(o Observer) Option {
	return func(opts *options) { opts.observer = o }
}

// Decode validates v against s and returns the normalised content.
func Decode(s *schema.Schema, v content.Value, opts ...Option) (content.Value, error) {
	return run(s, v, false, opts)
}

// DecodePartial decodes a mid-generation snapshot. Every struct property is
// treated as optional and list elements that fail are dropped, since the
// value is incomplete by definition.
func DecodePartial(s *schema.Schema, v content.Value, opts ...Option) (content.Value, error) {
	return run(s, v, true, opts)
}

// DecodeJSON parses data and decodes it against s.
func DecodeJSON(s *schema.Schema, data []byte, opts ...Option) (content.Value, error) {
	v, err := content.Parse(data)
	if err != nil {
		return content.Null, fault.Wrap(fault.DecodingFailure, err, "generated text is not json")
	}
	return Decode(s, v, opts...)
}

func run(s *schema.Schema, v content.Value, partial bool, opts []Option) (content.Value, error) {
	if s == nil {
		return content.Null, fault.New(fault.InvalidSchema, "nil schema")
	}
	cfg := options{partial: partial}
	for _, opt := range opts {
		opt(&cfg)
	}
	return decode(s, &cfg, s.Root(), v, "root")
}

func decode(s *schema.Schema, cfg *options, n schema.Node, in content.Value, path string) (content.Value, error) {
	d := &decoder{s: s, cfg: cfg, in: in, path: path}
	if err := n.Accept(d); err != nil {
		return content.Null, err
	}
	return d.out, nil
}

// decoder is one step of the recursive walk.
type decoder struct {
	s    *schema.Schema
	cfg  *options
	in   content.Value
	out  content.Value
	path string
}

func (d *decoder) mismatch(want string) error {
	return fault.New(fault.TypeMismatch, "expected %s, got %s", want, d.in.Kind()).WithPath(d.path)
}

func (d *decoder) VisitValue(n *schema.Value) error {
	switch n.Type {
	case schema.String:
		s, ok := d.in.AsString()
		if !ok {
			return d.mismatch("string")
		}
		d.out = content.String(s)
	case schema.Int:
		i, ok := d.in.AsInt()
		if !ok {
			return d.mismatch("integer")
		}
		d.out = content.Int(i)
	case schema.Double:
		f, ok := d.in.AsFloat()
		if !ok {
			return d.mismatch("number")
		}
		d.out = content.Float(f)
	case schema.Bool:
		b, ok := d.in.AsBool()
		if !ok {
			return d.mismatch("bool")
		}
		d.out = content.Bool(b)
	default:
		return fault.New(fault.UnknownType, "primitive %q", n.Type).WithPath(d.path)
	}
	return nil
}

// VisitArray ignores MinCount/MaxCount; they only guide generation.
func (d *decoder) VisitArray(n *schema.Array) error {
	if d.in.IsNull() && !d.cfg.partial {
		return fault.New(fault.MissingField, "list").WithPath(d.path)
	}
	if d.in.Kind() != content.KindList {
		if d.cfg.partial && d.in.IsNull() {
			d.out = content.List()
			return nil
		}
		return d.mismatch("list")
	}
	items := d.in.Items()
	out := make([]content.Value, 0, len(items))
	for i, item := range items {
		path := fmt.Sprintf("%s[%d]", d.path, i)
		v, err := decode(d.s, d.cfg, n.Element, item, path)
		if err != nil {
			if d.cfg.partial {
				d.dropped(path, err)
				continue
			}
			return err
		}
		out = append(out, v)
	}
	d.out = content.List(out...)
	return nil
}

func (d *decoder) VisitDictionary(n *schema.Dictionary) error {
	if d.in.Kind() != content.KindMap {
		return d.mismatch("map")
	}
	fields := d.in.Fields()
	out := make([]content.Field, 0, len(fields))
	for _, f := range fields {
		path := d.path + "." + f.Key
		v, err := decode(d.s, d.cfg, n.Value, f.Value, path)
		if err != nil {
			if d.cfg.partial {
				d.dropped(path, err)
				continue
			}
			return err
		}
		out = append(out, content.F(f.Key, v))
	}
	d.out = content.Object(out...)
	return nil
}

func (d *decoder) VisitStruct(n *schema.Struct) error {
	if d.in.Kind() != content.KindMap {
		return d.mismatch(fmt.Sprintf("object %s", n.Name))
	}
	out := make([]content.Field, 0, len(n.Properties))
	for _, p := range n.Properties {
		path := d.path + "." + p.Name
		optional := p.Optional || d.cfg.partial
		raw, ok := d.in.Get(p.Name)
		if !ok {
			if optional {
				continue
			}
			e := fault.New(fault.MissingField, "required property %q", p.Name).WithPath(path)
			e.Detail = p.Name
			return e
		}
		v, err := decode(d.s, d.cfg, p.Schema, raw, path)
		if err != nil {
			if optional {
				d.dropped(path, err)
				continue
			}
			return err
		}
		out = append(out, content.F(p.Name, v))
	}
	d.out = content.Object(out...)
	return nil
}

func (d *decoder) VisitAnyOf(n *schema.AnyOf) error {
	// Trial errors stay local; only exhaustion is reported.
	attempts := make([]string, 0, len(n.Variants))
	for i, variant := range n.Variants {
		v, err := decode(d.s, d.cfg, variant, d.in, d.path)
		if err == nil {
			d.out = v
			return nil
		}
		attempts = append(attempts, fmt.Sprintf("variant %d: %v", i, err))
	}
	e := fault.New(fault.NoVariantMatched, "no variant of %q accepted the value", n.Name).WithPath(d.path)
	e.Detail = attempts
	return e
}

func (d *decoder) VisitAnyOfStrings(n *schema.AnyOfStrings) error {
	s, ok := d.in.AsString()
	if !ok {
		return d.mismatch(fmt.Sprintf("one of %q", n.Values))
	}
	if !n.Contains(s) {
		return fault.New(fault.TypeMismatch, "%q is not one of %q", s, n.Values).WithPath(d.path)
	}
	d.out = content.String(s)
	return nil
}

func (d *decoder) VisitReference(n *schema.Reference) error {
	target := d.s.Resolve(n)
	if target == schema.Node(n) {
		return fault.New(fault.InvalidSchema, "unresolved reference %q", n.Name).WithPath(d.path)
	}
	v, err := decode(d.s, d.cfg, target, d.in, d.path)
	if err != nil {
		return err
	}
	d.out = v
	return nil
}

func (d *decoder) dropped(path string, err error) {
	if d.cfg.observer != nil {
		d.cfg.observer.OptionalDropped(path, err)
	}
}
