package schema

import (
	"fmt"

	"github.com/cexll/genbridge/pkg/fault"
)

// Schema is a validated root node plus the named nodes it references.
type Schema struct {
	root  Node
	deps  []Node
	named map[string]Named
}

// New validates root and deps and returns an immutable Schema.
//
// Checks performed once here instead of on every codec call:
//   - Struct and AnyOf have non-empty, collision-free properties/variants;
//   - names of Struct, AnyOf and AnyOfStrings are unique across the schema;
//   - constraints match the primitive they decorate;
//   - no node contains itself inline (recursion must go through a Reference);
//   - every Reference resolves and every dependency is reachable from root.
func New(root Node, deps ...Node) (*Schema, error) {
	if root == nil {
		return nil, fault.New(fault.MissingField, "schema root")
	}
	v := &validator{
		named:    map[string]Named{},
		ancestry: map[Node]bool{},
	}
	if err := v.walk(root, "root"); err != nil {
		return nil, err
	}
	for i, dep := range deps {
		path := fmt.Sprintf("dependencies[%d]", i)
		if dep == nil {
			return nil, fault.New(fault.MissingField, "dependency").WithPath(path)
		}
		if _, ok := dep.(Named); !ok {
			return nil, fault.New(fault.InvalidSchema, "dependency must be a named node, got %s", Describe(dep)).WithPath(path)
		}
		if err := v.walk(dep, path); err != nil {
			return nil, err
		}
	}
	for _, r := range v.refs {
		if _, ok := v.named[r.ref.Name]; !ok {
			return nil, fault.New(fault.InvalidSchema, "unresolved reference %q", r.ref.Name).WithPath(r.path)
		}
	}

	s := &Schema{root: root, deps: append([]Node(nil), deps...), named: v.named}
	reached := map[Node]bool{}
	s.reach(root, reached)
	for i, dep := range deps {
		if !reached[dep] {
			return nil, fault.New(fault.InvalidSchema, "%s is not reachable from root", Describe(dep)).
				WithPath(fmt.Sprintf("dependencies[%d]", i))
		}
	}
	return s, nil
}

// MustNew is New for schemas declared as package-level literals.
func MustNew(root Node, deps ...Node) *Schema {
	s, err := New(root, deps...)
	if err != nil {
		panic(err)
	}
	return s
}

// Root returns the root node.
func (s *Schema) Root() Node { return s.root }

// Dependencies returns the dependency nodes in declared order.
func (s *Schema) Dependencies() []Node { return append([]Node(nil), s.deps...) }

// Lookup finds a named node anywhere in the schema.
func (s *Schema) Lookup(name string) (Named, bool) {
	n, ok := s.named[name]
	return n, ok
}

// Resolve follows a Reference to its target. Other nodes are returned as is.
func (s *Schema) Resolve(n Node) Node {
	if ref, ok := n.(*Reference); ok {
		if target, found := s.named[ref.Name]; found {
			return target
		}
	}
	return n
}

func (s *Schema) reach(n Node, seen map[Node]bool) {
	if n == nil || seen[n] {
		return
	}
	seen[n] = true
	switch t := n.(type) {
	case *Array:
		s.reach(t.Element, seen)
	case *Dictionary:
		s.reach(t.Value, seen)
	case *Struct:
		for _, p := range t.Properties {
			s.reach(p.Schema, seen)
		}
	case *AnyOf:
		for _, variant := range t.Variants {
			s.reach(variant, seen)
		}
	case *Reference:
		if target, ok := s.named[t.Name]; ok {
			s.reach(target, seen)
		}
	}
}

type pendingRef struct {
	ref  *Reference
	path string
}

// validator checks one inline tree. ancestry holds the nodes on the current
// descent so an inline cycle is detected without rejecting shared subtrees.
type validator struct {
	named    map[string]Named
	ancestry map[Node]bool
	refs     []pendingRef
	path     string
}

func (v *validator) walk(n Node, path string) error {
	if n == nil {
		return fault.New(fault.MissingField, "schema node").WithPath(path)
	}
	if v.ancestry[n] {
		return fault.New(fault.InvalidSchema, "%s contains itself inline; use a reference", Describe(n)).WithPath(path)
	}
	v.ancestry[n] = true
	defer delete(v.ancestry, n)

	prev := v.path
	v.path = path
	defer func() { v.path = prev }()
	if err := n.Accept(v); err != nil {
		if fe, ok := err.(*fault.Error); ok && fe.Path == "" {
			return fe.WithPath(path)
		}
		return err
	}
	return nil
}

func (v *validator) claim(n Named) error {
	name := n.SchemaName()
	if name == "" {
		return fault.New(fault.MissingField, "%s name", n.Kind())
	}
	if existing, ok := v.named[name]; ok && existing != n {
		return fault.New(fault.InvalidSchema, "duplicate schema name %q", name)
	}
	v.named[name] = n
	return nil
}

func (v *validator) VisitValue(n *Value) error {
	if !n.Type.valid() {
		return fault.New(fault.UnknownType, "primitive %q", n.Type)
	}
	return n.Constraints.check(n.Type)
}

func (v *validator) VisitArray(n *Array) error {
	if err := checkCounts(n.MinCount, n.MaxCount); err != nil {
		return err
	}
	return v.walk(n.Element, v.path+"[]")
}

func (v *validator) VisitDictionary(n *Dictionary) error {
	return v.walk(n.Value, v.path+"{}")
}

func (v *validator) VisitStruct(n *Struct) error {
	if err := v.claim(n); err != nil {
		return err
	}
	if len(n.Properties) == 0 {
		return fault.New(fault.InvalidSchema, "struct %q has no properties", n.Name)
	}
	seen := make(map[string]bool, len(n.Properties))
	for _, p := range n.Properties {
		if p.Name == "" {
			return fault.New(fault.MissingField, "property name in struct %q", n.Name)
		}
		if seen[p.Name] {
			return fault.New(fault.InvalidSchema, "struct %q repeats property %q", n.Name, p.Name)
		}
		seen[p.Name] = true
		if err := v.walk(p.Schema, v.path+"."+p.Name); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) VisitAnyOf(n *AnyOf) error {
	if err := v.claim(n); err != nil {
		return err
	}
	if len(n.Variants) == 0 {
		return fault.New(fault.InvalidSchema, "anyOf %q has no variants", n.Name)
	}
	seen := make(map[Node]bool, len(n.Variants))
	for i, variant := range n.Variants {
		if variant != nil && seen[variant] {
			return fault.New(fault.InvalidSchema, "anyOf %q repeats variant %d", n.Name, i)
		}
		seen[variant] = true
		if err := v.walk(variant, fmt.Sprintf("%s|%d", v.path, i)); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) VisitAnyOfStrings(n *AnyOfStrings) error {
	if err := v.claim(n); err != nil {
		return err
	}
	if len(n.Values) == 0 {
		return fault.New(fault.InvalidSchema, "anyOfStrings %q has no values", n.Name)
	}
	seen := make(map[string]bool, len(n.Values))
	for _, s := range n.Values {
		if seen[s] {
			return fault.New(fault.InvalidSchema, "anyOfStrings %q repeats %q", n.Name, s)
		}
		seen[s] = true
	}
	return nil
}

func (v *validator) VisitReference(n *Reference) error {
	if n.Name == "" {
		return fault.New(fault.MissingField, "reference name")
	}
	v.refs = append(v.refs, pendingRef{ref: n, path: v.path})
	return nil
}
