// Package schema models the shape of generatable data: a closed set of node
// variants, per-leaf constraints, and a Schema that bundles a root node with
// named dependencies.
//
// Nodes are plain data. All structural checks run once in New, so a *Schema
// is always valid and can be reused across every snapshot of a stream.
//
// Dispatch over node kinds goes through Visitor. Adding a kind adds a Visitor
// method, which turns every unhandled call site into a compile error instead of
// a silent runtime default.
package schema

import "fmt"

// NodeKind is the wire discriminator of a node.
type NodeKind string

const (
	KindValue        NodeKind = "ValueGenerationSchema"
	KindArray        NodeKind = "ArrayGenerationSchema"
	KindDictionary   NodeKind = "DictionaryGenerationSchema"
	KindAnyOf        NodeKind = "AnyOfGenerationSchema"
	KindAnyOfStrings NodeKind = "AnyOfStringsGenerationSchema"
	KindStruct       NodeKind = "StructGenerationSchema"
	KindReference    NodeKind = "ReferenceGenerationSchema"
)

// Primitive is the leaf type of a Value node.
type Primitive string

const (
	String Primitive = "string"
	Int    Primitive = "int"
	Double Primitive = "double"
	Bool   Primitive = "bool"
)

func (p Primitive) valid() bool {
	switch p {
	case String, Int, Double, Bool:
		return true
	}
	return false
}

// Node is one of *Value, *Array, *Dictionary, *Struct, *AnyOf, *AnyOfStrings
// or *Reference.
type Node interface {
	Kind() NodeKind
	Accept(v Visitor) error
	sealed()
}

// Visitor receives exactly one callback per node kind.
type Visitor interface {
	VisitValue(*Value) error
	VisitArray(*Array) error
	VisitDictionary(*Dictionary) error
	VisitStruct(*Struct) error
	VisitAnyOf(*AnyOf) error
	VisitAnyOfStrings(*AnyOfStrings) error
	VisitReference(*Reference) error
}

// Named is implemented by nodes that carry a schema-unique name.
type Named interface {
	Node
	SchemaName() string
}

// Value is a primitive leaf.
type Value struct {
	Type        Primitive
	Constraints Constraints
}

// Array is a homogeneous list. MinCount and MaxCount are generation hints.
type Array struct {
	Element  Node
	MinCount *uint32
	MaxCount *uint32
}

// Dictionary is a string-keyed map of homogeneous values.
type Dictionary struct {
	Value Node
}

// Property is one field of a Struct.
type Property struct {
	Name        string
	Description string
	Schema      Node
	Optional    bool
}

// Struct is a named record with ordered properties.
type Struct struct {
	Name        string
	Description string
	Properties  []Property
}

// AnyOf is an untagged union. Decoding tries variants in declared order and
// keeps the first that succeeds, so a value accepted by several variants
// always resolves to the earliest one.
type AnyOf struct {
	Name        string
	Description string
	Variants    []Node
}

// AnyOfStrings is a closed string enumeration.
type AnyOfStrings struct {
	Name        string
	Description string
	Values      []string
}

// Reference points at a named node elsewhere in the schema.
type Reference struct {
	Name string
}

func (*Value) Kind() NodeKind        { return KindValue }
func (*Array) Kind() NodeKind        { return KindArray }
func (*Dictionary) Kind() NodeKind   { return KindDictionary }
func (*Struct) Kind() NodeKind       { return KindStruct }
func (*AnyOf) Kind() NodeKind        { return KindAnyOf }
func (*AnyOfStrings) Kind() NodeKind { return KindAnyOfStrings }
func (*Reference) Kind() NodeKind    { return KindReference }

func (n *Value) Accept(v Visitor) error        { return v.VisitValue(n) }
func (n *Array) Accept(v Visitor) error        { return v.VisitArray(n) }
func (n *Dictionary) Accept(v Visitor) error   { return v.VisitDictionary(n) }
func (n *Struct) Accept(v Visitor) error       { return v.VisitStruct(n) }
func (n *AnyOf) Accept(v Visitor) error        { return v.VisitAnyOf(n) }
func (n *AnyOfStrings) Accept(v Visitor) error { return v.VisitAnyOfStrings(n) }
func (n *Reference) Accept(v Visitor) error    { return v.VisitReference(n) }

func (*Value) sealed()        {}
func (*Array) sealed()        {}
func (*Dictionary) sealed()   {}
func (*Struct) sealed()       {}
func (*AnyOf) sealed()        {}
func (*AnyOfStrings) sealed() {}
func (*Reference) sealed()    {}

func (n *Struct) SchemaName() string       { return n.Name }
func (n *AnyOf) SchemaName() string        { return n.Name }
func (n *AnyOfStrings) SchemaName() string { return n.Name }

// Property returns the property named name.
func (n *Struct) Property(name string) (Property, bool) {
	for _, p := range n.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// Contains reports whether s is one of the enumeration values.
func (n *AnyOfStrings) Contains(s string) bool {
	for _, v := range n.Values {
		if v == s {
			return true
		}
	}
	return false
}

// Describe names a node for error messages.
func Describe(n Node) string {
	switch t := n.(type) {
	case nil:
		return "<nil>"
	case Named:
		return fmt.Sprintf("%s %q", t.Kind(), t.SchemaName())
	case *Value:
		return fmt.Sprintf("%s(%s)", t.Kind(), t.Type)
	case *Reference:
		return fmt.Sprintf("%s -> %q", t.Kind(), t.Name)
	default:
		return string(n.Kind())
	}
}
