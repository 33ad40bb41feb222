package schema

import (
	"regexp"

	"github.com/cexll/genbridge/pkg/fault"
)

// Constraints are generation guides attached to a Value leaf. They steer the
// model and are not re-checked when decoding.
type Constraints struct {
	// Enum with one entry pins a constant; with several it is a closed choice.
	Enum    []string
	Pattern string
	Minimum *float64
	Maximum *float64
	// MinCount and MaxCount only apply to arrays and are rejected on a Value.
	MinCount *uint32
	MaxCount *uint32
}

// IsZero reports whether no constraint is set.
func (c Constraints) IsZero() bool {
	return len(c.Enum) == 0 && c.Pattern == "" && c.Minimum == nil && c.Maximum == nil &&
		c.MinCount == nil && c.MaxCount == nil
}

// check validates c against the primitive it is attached to.
func (c Constraints) check(t Primitive) error {
	if len(c.Enum) > 0 && t != String {
		return fault.New(fault.InvalidSchema, "enum constraint on %s value", t)
	}
	if c.Pattern != "" {
		if t != String {
			return fault.New(fault.InvalidSchema, "pattern constraint on %s value", t)
		}
		if _, err := regexp.Compile(c.Pattern); err != nil {
			return fault.Wrap(fault.InvalidSchema, err, "pattern %q", c.Pattern)
		}
	}
	if c.Minimum != nil || c.Maximum != nil {
		if t != Int && t != Double {
			return fault.New(fault.InvalidSchema, "range constraint on %s value", t)
		}
		if c.Minimum != nil && c.Maximum != nil && *c.Minimum > *c.Maximum {
			return fault.New(fault.InvalidSchema, "minimum %v exceeds maximum %v", *c.Minimum, *c.Maximum)
		}
	}
	if c.MinCount != nil || c.MaxCount != nil {
		return fault.New(fault.InvalidSchema, "element count constraint on %s value", t)
	}
	return nil
}

func checkCounts(min, max *uint32) error {
	if min != nil && max != nil && *min > *max {
		return fault.New(fault.InvalidSchema, "minimumElements %d exceeds maximumElements %d", *min, *max)
	}
	return nil
}

// NewValue builds a Value leaf, rejecting constraints that do not fit the type.
func NewValue(t Primitive, c Constraints) (*Value, error) {
	if !t.valid() {
		return nil, fault.New(fault.UnknownType, "primitive %q", t)
	}
	if err := c.check(t); err != nil {
		return nil, err
	}
	return &Value{Type: t, Constraints: c}, nil
}

// ValueOption adjusts the constraints of a Value built with Prim.
type ValueOption func(*Constraints)

// WithEnum restricts a string to the given choices.
func WithEnum(values ...string) ValueOption {
	return func(c *Constraints) { c.Enum = append([]string(nil), values...) }
}

// WithPattern constrains a string to a regular expression.
func WithPattern(p string) ValueOption {
	return func(c *Constraints) { c.Pattern = p }
}

// WithMinimum sets the lower bound of a number.
func WithMinimum(v float64) ValueOption {
	return func(c *Constraints) { c.Minimum = &v }
}

// WithMaximum sets the upper bound of a number.
func WithMaximum(v float64) ValueOption {
	return func(c *Constraints) { c.Maximum = &v }
}

// WithRange sets both bounds.
func WithRange(min, max float64) ValueOption {
	return func(c *Constraints) { c.Minimum, c.Maximum = &min, &max }
}

// Prim builds a Value leaf without validating it. New validates the whole
// tree; use NewValue when the error is wanted immediately.
func Prim(t Primitive, opts ...ValueOption) *Value {
	v := &Value{Type: t}
	for _, opt := range opts {
		opt(&v.Constraints)
	}
	return v
}

// ArrayOption adjusts an Array built with ArrayOf.
type ArrayOption func(*Array)

// MinElements sets the minimum element count hint.
func MinElements(n uint32) ArrayOption { return func(a *Array) { a.MinCount = &n } }

// MaxElements sets the maximum element count hint.
func MaxElements(n uint32) ArrayOption { return func(a *Array) { a.MaxCount = &n } }

// ArrayOf builds an Array node.
func ArrayOf(elem Node, opts ...ArrayOption) *Array {
	a := &Array{Element: elem}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// DictionaryOf builds a Dictionary node.
func DictionaryOf(v Node) *Dictionary { return &Dictionary{Value: v} }

// Prop declares a required property.
func Prop(name string, n Node) Property { return Property{Name: name, Schema: n} }

// OptionalProp declares an optional property.
func OptionalProp(name string, n Node) Property {
	return Property{Name: name, Schema: n, Optional: true}
}

// Describe returns a copy of p with a description.
func (p Property) Describe(d string) Property {
	p.Description = d
	return p
}

// NewStruct builds a Struct node.
func NewStruct(name string, props ...Property) *Struct {
	return &Struct{Name: name, Properties: append([]Property(nil), props...)}
}

// OneOf builds an AnyOf node.
func OneOf(name string, variants ...Node) *AnyOf {
	return &AnyOf{Name: name, Variants: append([]Node(nil), variants...)}
}

// Choice builds an AnyOfStrings node.
func Choice(name string, values ...string) *AnyOfStrings {
	return &AnyOfStrings{Name: name, Values: append([]string(nil), values...)}
}

// Ref builds a Reference node.
func Ref(name string) *Reference { return &Reference{Name: name} }
