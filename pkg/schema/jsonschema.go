package schema

import (
	"fmt"
	"math"
	"strings"

	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/fault"
)

const defsPrefix = "#/$defs/"

// ToJSONSchema renders s as a JSON Schema document (draft 2020-12 subset)
// for providers and MCP peers. Dependencies and every reference target land
// in $defs; property order is preserved.
func ToJSONSchema(s *Schema) content.Value {
	x := &exporter{s: s, queued: map[string]bool{}}
	for _, dep := range s.deps {
		x.enqueue(dep.(Named).SchemaName())
	}
	root := x.export(s.root)

	var defs []content.Field
	for i := 0; i < len(x.queue); i++ {
		name := x.queue[i]
		target := s.named[name]
		defs = append(defs, content.F(name, x.export(target)))
	}
	if len(defs) == 0 {
		return root
	}
	fields := append(root.Fields(), content.F("$defs", content.Object(defs...)))
	return content.Object(fields...)
}

type exporter struct {
	s      *Schema
	queue  []string
	queued map[string]bool
	out    content.Value
}

func (x *exporter) enqueue(name string) {
	if x.queued[name] {
		return
	}
	x.queued[name] = true
	x.queue = append(x.queue, name)
}

func (x *exporter) export(n Node) content.Value {
	sub := &exporter{s: x.s, queued: x.queued}
	sub.queue = x.queue
	_ = n.Accept(sub)
	x.queue = sub.queue
	return sub.out
}

func withDescription(fields []content.Field, d string) []content.Field {
	if d == "" {
		return fields
	}
	return append(fields, content.F("description", content.String(d)))
}

func strings2list(values []string) content.Value {
	items := make([]content.Value, len(values))
	for i, v := range values {
		items[i] = content.String(v)
	}
	return content.List(items...)
}

func (x *exporter) VisitValue(n *Value) error {
	c := n.Constraints
	var fields []content.Field
	switch n.Type {
	case String:
		fields = append(fields, content.F("type", content.String("string")))
		if len(c.Enum) > 0 {
			fields = append(fields, content.F("enum", strings2list(c.Enum)))
		}
		if c.Pattern != "" {
			fields = append(fields, content.F("pattern", content.String(c.Pattern)))
		}
	case Int, Double:
		typ := "number"
		if n.Type == Int {
			typ = "integer"
		}
		fields = append(fields, content.F("type", content.String(typ)))
		if c.Minimum != nil {
			fields = append(fields, content.F("minimum", content.Float(*c.Minimum)))
		}
		if c.Maximum != nil {
			fields = append(fields, content.F("maximum", content.Float(*c.Maximum)))
		}
	case Bool:
		fields = append(fields, content.F("type", content.String("boolean")))
	}
	x.out = content.Object(fields...)
	return nil
}

func (x *exporter) VisitArray(n *Array) error {
	fields := []content.Field{
		content.F("type", content.String("array")),
		content.F("items", x.export(n.Element)),
	}
	if n.MinCount != nil {
		fields = append(fields, content.F("minItems", content.Int(int64(*n.MinCount))))
	}
	if n.MaxCount != nil {
		fields = append(fields, content.F("maxItems", content.Int(int64(*n.MaxCount))))
	}
	x.out = content.Object(fields...)
	return nil
}

func (x *exporter) VisitDictionary(n *Dictionary) error {
	x.out = content.Object(
		content.F("type", content.String("object")),
		content.F("additionalProperties", x.export(n.Value)),
	)
	return nil
}

func (x *exporter) VisitStruct(n *Struct) error {
	props := make([]content.Field, 0, len(n.Properties))
	var required []string
	for _, p := range n.Properties {
		ps := x.export(p.Schema)
		if p.Description != "" {
			ps = content.Object(withDescription(ps.Fields(), p.Description)...)
		}
		props = append(props, content.F(p.Name, ps))
		if !p.Optional {
			required = append(required, p.Name)
		}
	}
	fields := []content.Field{
		content.F("type", content.String("object")),
		content.F("title", content.String(n.Name)),
	}
	fields = withDescription(fields, n.Description)
	fields = append(fields,
		content.F("properties", content.Object(props...)),
		content.F("required", strings2list(required)),
		content.F("additionalProperties", content.Bool(false)),
	)
	x.out = content.Object(fields...)
	return nil
}

func (x *exporter) VisitAnyOf(n *AnyOf) error {
	variants := make([]content.Value, len(n.Variants))
	for i, v := range n.Variants {
		variants[i] = x.export(v)
	}
	fields := []content.Field{content.F("title", content.String(n.Name))}
	fields = withDescription(fields, n.Description)
	fields = append(fields, content.F("anyOf", content.List(variants...)))
	x.out = content.Object(fields...)
	return nil
}

func (x *exporter) VisitAnyOfStrings(n *AnyOfStrings) error {
	fields := []content.Field{
		content.F("type", content.String("string")),
		content.F("title", content.String(n.Name)),
	}
	fields = withDescription(fields, n.Description)
	fields = append(fields, content.F("enum", strings2list(n.Values)))
	x.out = content.Object(fields...)
	return nil
}

func (x *exporter) VisitReference(n *Reference) error {
	if named, ok := x.s.root.(Named); ok && named.SchemaName() == n.Name {
		x.out = content.Object(content.F("$ref", content.String("#")))
		return nil
	}
	x.enqueue(n.Name)
	x.out = content.Object(content.F("$ref", content.String(defsPrefix+n.Name)))
	return nil
}

// FromJSONSchema converts a JSON Schema document into a Schema. name is used
// for the root struct when the document carries no title. Free-form objects
// and untyped values have no node kind and are rejected with UnknownType.
func FromJSONSchema(name string, doc content.Value) (*Schema, error) {
	im := &importer{
		defs:      map[string]content.Value{},
		converted: map[string]bool{},
		names:     map[string]int{},
	}
	for _, key := range []string{"$defs", "definitions"} {
		if defs, ok := doc.Get(key); ok {
			for _, f := range defs.Fields() {
				im.defs[f.Key] = f.Value
			}
		}
	}
	if title, ok := stringField(doc, "title"); ok && title != "" {
		name = title
	}
	if name == "" {
		name = "Root"
	}
	im.rootName = name
	root, err := im.convert(doc, name, "root", true)
	if err != nil {
		return nil, err
	}
	return New(root, im.deps...)
}

type importer struct {
	defs      map[string]content.Value
	converted map[string]bool
	names     map[string]int
	deps      []Node
	rootName  string
	depth     int
}

func stringField(v content.Value, key string) (string, bool) {
	f, ok := v.Get(key)
	if !ok {
		return "", false
	}
	return f.AsString()
}

func countField(v content.Value, key string) *uint32 {
	f, ok := v.Get(key)
	if !ok {
		return nil
	}
	n, ok := f.AsFloat()
	if !ok || n < 0 || math.IsNaN(n) {
		return nil
	}
	// Counts are hints, so oversized ones saturate.
	u := uint32(math.MaxUint32)
	if n < math.MaxUint32 {
		u = uint32(n)
	}
	return &u
}

func numberField(v content.Value, key string) *float64 {
	f, ok := v.Get(key)
	if !ok {
		return nil
	}
	n, ok := f.AsFloat()
	if !ok {
		return nil
	}
	return &n
}

// unique hands out collision-free node names.
func (im *importer) unique(base string) string {
	im.names[base]++
	if n := im.names[base]; n > 1 {
		return fmt.Sprintf("%s%d", base, n)
	}
	return base
}

func schemaType(doc content.Value) string {
	t, ok := doc.Get("type")
	if !ok {
		if _, hasProps := doc.Get("properties"); hasProps {
			return "object"
		}
		if _, hasEnum := doc.Get("enum"); hasEnum {
			return "string"
		}
		return ""
	}
	if s, ok := t.AsString(); ok {
		return s
	}
	for _, item := range t.Items() {
		if s, ok := item.AsString(); ok && s != "null" {
			return s
		}
	}
	return ""
}

func (im *importer) convert(doc content.Value, suggested, path string, isRoot bool) (Node, error) {
	im.depth++
	defer func() { im.depth-- }()
	if im.depth > 64 {
		return nil, fault.New(fault.InvalidSchema, "json schema nests too deeply").WithPath(path)
	}
	if doc.Kind() != content.KindMap {
		return nil, fault.New(fault.InvalidSchema, "json schema must be an object").WithPath(path)
	}

	if ref, ok := stringField(doc, "$ref"); ok {
		return im.reference(ref, path)
	}
	title, _ := stringField(doc, "title")
	description, _ := stringField(doc, "description")
	nodeName := func() string {
		if isRoot {
			return im.unique(im.rootName)
		}
		if title != "" {
			return im.unique(title)
		}
		return im.unique(suggested)
	}

	for _, key := range []string{"anyOf", "oneOf"} {
		variants, ok := doc.Get(key)
		if !ok {
			continue
		}
		n := &AnyOf{Name: nodeName(), Description: description}
		for i, item := range variants.Items() {
			if t := schemaType(item); t == "null" {
				continue
			}
			variant, err := im.convert(item, fmt.Sprintf("%sOption%d", n.Name, i+1), fmt.Sprintf("%s|%d", path, i), false)
			if err != nil {
				return nil, err
			}
			n.Variants = append(n.Variants, variant)
		}
		if len(n.Variants) == 1 && !isRoot {
			return n.Variants[0], nil
		}
		return n, nil
	}

	switch typ := schemaType(doc); typ {
	case "object":
		props, hasProps := doc.Get("properties")
		if !hasProps || props.Len() == 0 {
			if extra, ok := doc.Get("additionalProperties"); ok && extra.Kind() == content.KindMap {
				val, err := im.convert(extra, suggested+"Value", path+"{}", false)
				if err != nil {
					return nil, err
				}
				return &Dictionary{Value: val}, nil
			}
			return nil, fault.New(fault.UnknownType, "free-form object").WithPath(path)
		}
		required := map[string]bool{}
		if req, ok := doc.Get("required"); ok {
			for _, r := range req.Items() {
				if s, ok := r.AsString(); ok {
					required[s] = true
				}
			}
		}
		n := &Struct{Name: nodeName(), Description: description}
		for _, f := range props.Fields() {
			child, err := im.convert(f.Value, n.Name+exportName(f.Key), path+"."+f.Key, false)
			if err != nil {
				return nil, err
			}
			pd, _ := stringField(f.Value, "description")
			n.Properties = append(n.Properties, Property{
				Name:        f.Key,
				Description: pd,
				Schema:      child,
				Optional:    !required[f.Key],
			})
		}
		return n, nil

	case "array":
		items, ok := doc.Get("items")
		if !ok {
			return nil, fault.New(fault.MissingField, "array items").WithPath(path)
		}
		elem, err := im.convert(items, suggested+"Item", path+"[]", false)
		if err != nil {
			return nil, err
		}
		return &Array{Element: elem, MinCount: countField(doc, "minItems"), MaxCount: countField(doc, "maxItems")}, nil

	case "string":
		if enum, ok := doc.Get("enum"); ok {
			var values []string
			for _, item := range enum.Items() {
				if s, ok := item.AsString(); ok {
					values = append(values, s)
				}
			}
			return &AnyOfStrings{Name: nodeName(), Description: description, Values: values}, nil
		}
		pattern, _ := stringField(doc, "pattern")
		return &Value{Type: String, Constraints: Constraints{Pattern: pattern}}, nil

	case "integer", "number":
		prim := Double
		if typ == "integer" {
			prim = Int
		}
		return &Value{Type: prim, Constraints: Constraints{
			Minimum: numberField(doc, "minimum"),
			Maximum: numberField(doc, "maximum"),
		}}, nil

	case "boolean":
		return &Value{Type: Bool}, nil

	default:
		return nil, fault.New(fault.UnknownType, "json schema type %q", typ).WithPath(path)
	}
}

func (im *importer) reference(ref, path string) (Node, error) {
	if ref == "#" {
		return &Reference{Name: im.rootName}, nil
	}
	var name string
	switch {
	case strings.HasPrefix(ref, defsPrefix):
		name = strings.TrimPrefix(ref, defsPrefix)
	case strings.HasPrefix(ref, "#/definitions/"):
		name = strings.TrimPrefix(ref, "#/definitions/")
	default:
		return nil, fault.New(fault.InvalidSchema, "unsupported $ref %q", ref).WithPath(path)
	}
	def, ok := im.defs[name]
	if !ok {
		return nil, fault.New(fault.InvalidSchema, "unresolved $ref %q", ref).WithPath(path)
	}
	if im.converted[name] {
		return &Reference{Name: name}, nil
	}
	im.converted[name] = true
	// The definition name wins over any title inside it.
	renamed := content.Object(append(def.Fields(), content.F("title", content.String(name)))...)
	node, err := im.convert(renamed, name, defsPrefix+name, false)
	if err != nil {
		return nil, err
	}
	named, ok := node.(Named)
	if !ok {
		// Scalars and arrays have no name; inline them at every use.
		im.converted[name] = false
		return node, nil
	}
	if named.SchemaName() != name {
		return nil, fault.New(fault.InvalidSchema, "definition %q collides with another node name", name).WithPath(path)
	}
	im.deps = append(im.deps, named)
	return &Reference{Name: name}, nil
}

func exportName(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
