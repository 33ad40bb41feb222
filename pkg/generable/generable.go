// Package generable derives schemas and typed codecs from annotated Go
// structs, so a host type can be requested from the model directly.
//
// Fields are described with a `gen` tag:
//
//	type Forecast struct {
//		City    string   `gen:"city,desc=City name"`
//		TempC   float64  `gen:"temperature,min=-90,max=60"`
//		Sky     string   `gen:"sky,enum=clear|cloudy|rain"`
//		Alerts  []string `gen:"alerts,optional,maxItems=3"`
//		Updated *string  `gen:"updated"`
//	}
//
// Without a tag the json name (or the field name) is used. Pointer fields are
// optional; `gen:"-"` skips a field. A named string type with a
// GenerationChoices method becomes an AnyOfStrings node.
package generable

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/cexll/genbridge/pkg/fault"
	"github.com/cexll/genbridge/pkg/schema"
)

// Choices is implemented by string types with a closed set of values.
type Choices interface {
	GenerationChoices() []string
}

// Describer lets a struct type describe itself.
type Describer interface {
	GenerationDescription() string
}

var (
	choicesType   = reflect.TypeOf((*Choices)(nil)).Elem()
	describerType = reflect.TypeOf((*Describer)(nil)).Elem()
)

type field struct {
	index    []int
	name     string
	optional bool
}

type cached struct {
	schema *schema.Schema
	err    error
}

var schemas sync.Map // reflect.Type -> cached

// SchemaFor returns the schema of T, which must be a struct (or pointer to
// one). Results are cached per type.
func SchemaFor[T any]() (*schema.Schema, error) {
	return SchemaOf(reflect.TypeOf((*T)(nil)).Elem())
}

// MustSchemaFor panics if T cannot be described.
func MustSchemaFor[T any]() *schema.Schema {
	s, err := SchemaFor[T]()
	if err != nil {
		panic(err)
	}
	return s
}

// SchemaOf is SchemaFor for a reflect.Type.
func SchemaOf(t reflect.Type) (*schema.Schema, error) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if c, ok := schemas.Load(t); ok {
		entry := c.(cached)
		return entry.schema, entry.err
	}
	b := &builder{structs: map[reflect.Type]*schema.Struct{}, building: map[reflect.Type]bool{}}
	var s *schema.Schema
	root, err := b.node(t, t.Name(), "")
	if err == nil {
		s, err = schema.New(root)
	}
	schemas.Store(t, cached{schema: s, err: err})
	return s, err
}

type builder struct {
	structs  map[reflect.Type]*schema.Struct
	building map[reflect.Type]bool
}

type tagInfo struct {
	name     string
	skip     bool
	optional bool
	desc     string
	pattern  string
	min, max *float64
	enum     []string
	minItems *uint32
	maxItems *uint32
}

func parseTag(f reflect.StructField) (tagInfo, error) {
	info := tagInfo{name: f.Name}
	if js, ok := f.Tag.Lookup("json"); ok {
		if n := strings.Split(js, ",")[0]; n != "" && n != "-" {
			info.name = n
		}
	}
	tag, ok := f.Tag.Lookup("gen")
	if !ok {
		return info, nil
	}
	if tag == "-" {
		info.skip = true
		return info, nil
	}
	parts := strings.Split(tag, ",")
	if parts[0] != "" {
		info.name = parts[0]
	}
	for _, part := range parts[1:] {
		key, val, _ := strings.Cut(part, "=")
		switch key {
		case "optional":
			info.optional = true
		case "desc":
			info.desc = val
		case "pattern":
			info.pattern = val
		case "enum":
			info.enum = strings.Split(val, "|")
		case "min", "max":
			n, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return info, fault.Wrap(fault.InvalidSchema, err, "field %s: %s", f.Name, key)
			}
			if key == "min" {
				info.min = &n
			} else {
				info.max = &n
			}
		case "minItems", "maxItems":
			n, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return info, fault.Wrap(fault.InvalidSchema, err, "field %s: %s", f.Name, key)
			}
			u := uint32(n)
			if key == "minItems" {
				info.minItems = &u
			} else {
				info.maxItems = &u
			}
		case "":
		default:
			return info, fault.New(fault.UnsupportedGuide, "field %s: unknown guide %q", f.Name, key)
		}
	}
	return info, nil
}

func (b *builder) node(t reflect.Type, suggested string, path string) (schema.Node, error) {
	return b.nodeWith(t, suggested, path, tagInfo{})
}

func (b *builder) nodeWith(t reflect.Type, suggested, path string, tag tagInfo) (schema.Node, error) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Implements(choicesType) && t.Kind() == reflect.String {
		choices := reflect.Zero(t).Interface().(Choices).GenerationChoices()
		return &schema.AnyOfStrings{Name: t.Name(), Values: choices}, nil
	}
	guides := schema.Constraints{Enum: tag.enum, Pattern: tag.pattern, Minimum: tag.min, Maximum: tag.max}
	switch t.Kind() {
	case reflect.String:
		return schema.NewValue(schema.String, guides)
	case reflect.Bool:
		return schema.NewValue(schema.Bool, guides)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return schema.NewValue(schema.Int, guides)
	case reflect.Float32, reflect.Float64:
		return schema.NewValue(schema.Double, guides)
	case reflect.Slice, reflect.Array:
		elem, err := b.nodeWith(t.Elem(), suggested+"Item", path+"[]", tagInfo{enum: tag.enum, pattern: tag.pattern, min: tag.min, max: tag.max})
		if err != nil {
			return nil, err
		}
		return &schema.Array{Element: elem, MinCount: tag.minItems, MaxCount: tag.maxItems}, nil
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return nil, fault.New(fault.UnsupportedGuide, "%s: map keys must be strings", path)
		}
		val, err := b.node(t.Elem(), suggested+"Value", path+"{}")
		if err != nil {
			return nil, err
		}
		return &schema.Dictionary{Value: val}, nil
	case reflect.Struct:
		return b.structNode(t, suggested, path)
	default:
		return nil, fault.New(fault.UnsupportedGuide, "%s: type %s has no schema", path, t)
	}
}

func (b *builder) structNode(t reflect.Type, suggested, path string) (schema.Node, error) {
	name := t.Name()
	if name == "" {
		name = suggested
	}
	if b.building[t] {
		return schema.Ref(name), nil
	}
	if n, ok := b.structs[t]; ok {
		return n, nil
	}
	b.building[t] = true
	defer delete(b.building, t)

	n := &schema.Struct{Name: name}
	if t.Implements(describerType) {
		n.Description = reflect.Zero(t).Interface().(Describer).GenerationDescription()
	}
	b.structs[t] = n
	fields, err := fieldsOf(t)
	if err != nil {
		return nil, err
	}
	for _, f := range fields {
		sf := t.FieldByIndex(f.index)
		tag, _ := parseTag(sf)
		child, err := b.nodeWith(sf.Type, name+sf.Name, path+"."+f.name, tag)
		if err != nil {
			return nil, err
		}
		n.Properties = append(n.Properties, schema.Property{
			Name:        f.name,
			Description: tag.desc,
			Schema:      child,
			Optional:    f.optional,
		})
	}
	return n, nil
}

var plans sync.Map // reflect.Type -> []field

func fieldsOf(t reflect.Type) ([]field, error) {
	if p, ok := plans.Load(t); ok {
		return p.([]field), nil
	}
	var out []field
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag, err := parseTag(sf)
		if err != nil {
			return nil, err
		}
		if tag.skip {
			continue
		}
		out = append(out, field{
			index:    sf.Index,
			name:     tag.name,
			optional: tag.optional || sf.Type.Kind() == reflect.Pointer,
		})
	}
	plans.Store(t, out)
	return out, nil
}

func typeError(t reflect.Type, err error) error {
	return fmt.Errorf("generable: %s: %w", t, err)
}
