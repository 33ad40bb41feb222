// Package content implements the dynamically-typed value tree exchanged with
// the model capability and with tool handlers. Values mirror JSON (null, bool,
// number, string, list, string-keyed map) but maps keep insertion order so a
// schema's declared property order survives the round trip.
//
// Values are immutable: every constructor copies its inputs and accessors
// return copies, so a Value can be shared freely between goroutines.
package content

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Kind enumerates the value variants.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is one node of a content tree. The zero Value is null.
type Value struct {
	kind  Kind
	b     bool
	num   float64
	i     int64
	isInt bool
	s     string
	list  []Value
	obj   *object
}

type object struct {
	keys []string
	vals map[string]Value
}

// Field is a key/value pair of a map value.
type Field struct {
	Key   string
	Value Value
}

// F is shorthand for Field{Key: key, Value: v}.
func F(key string, v Value) Field { return Field{Key: key, Value: v} }

// Null is the null value.
var Null = Value{}

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Int wraps an integer.
func Int(i int64) Value { return Value{kind: KindNumber, num: float64(i), i: i, isInt: true} }

// Float wraps a floating point number.
func Float(f float64) Value { return Value{kind: KindNumber, num: f} }

// List builds a list value.
func List(items ...Value) Value {
	return Value{kind: KindList, list: append([]Value(nil), items...)}
}

// Object builds a map value. A repeated key keeps its first position and the
// last value.
func Object(fields ...Field) Value {
	obj := &object{vals: make(map[string]Value, len(fields))}
	for _, f := range fields {
		if _, ok := obj.vals[f.Key]; !ok {
			obj.keys = append(obj.keys, f.Key)
		}
		obj.vals[f.Key] = f.Value
	}
	return Value{kind: KindMap, obj: obj}
}

// Kind reports the variant.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean payload.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// AsString returns the string payload.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// AsFloat returns any number as float64.
func (v Value) AsFloat() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

// AsInt returns the number as int64 when it has no fractional part.
func (v Value) AsInt() (int64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	if v.isInt {
		return v.i, true
	}
	if math.IsNaN(v.num) || math.IsInf(v.num, 0) || v.num != math.Trunc(v.num) {
		return 0, false
	}
	if v.num < math.MinInt64 || v.num >= math.MaxInt64 {
		return 0, false
	}
	return int64(v.num), true
}

// Len returns the number of list items or map fields.
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.list)
	case KindMap:
		return len(v.obj.keys)
	default:
		return 0
	}
}

// Index returns the i-th list item.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != KindList || i < 0 || i >= len(v.list) {
		return Null, false
	}
	return v.list[i], true
}

// Items returns a copy of the list items.
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	return append([]Value(nil), v.list...)
}

// Keys returns the map keys in insertion order.
func (v Value) Keys() []string {
	if v.kind != KindMap {
		return nil
	}
	return append([]string(nil), v.obj.keys...)
}

// Get looks up a map field.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Null, false
	}
	val, ok := v.obj.vals[key]
	return val, ok
}

// Fields returns the map fields in insertion order.
func (v Value) Fields() []Field {
	if v.kind != KindMap {
		return nil
	}
	out := make([]Field, 0, len(v.obj.keys))
	for _, k := range v.obj.keys {
		out = append(out, Field{Key: k, Value: v.obj.vals[k]})
	}
	return out
}

// Equal reports deep structural equality, including map key order.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindString:
		return a.s == b.s
	case KindNumber:
		ai, aok := a.AsInt()
		bi, bok := b.AsInt()
		if aok && bok {
			return ai == bi
		}
		return a.num == b.num
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.obj.keys) != len(b.obj.keys) {
			return false
		}
		for i, k := range a.obj.keys {
			if b.obj.keys[i] != k {
				return false
			}
			if !Equal(a.obj.vals[k], b.obj.vals[k]) {
				return false
			}
		}
		return true
	}
	return false
}

// Any converts v into plain Go values (map[string]any, []any, string,
// bool, int64, float64, nil). Map order is lost.
func (v Value) Any() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindString:
		return v.s
	case KindNumber:
		if v.isInt {
			return v.i
		}
		return v.num
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Any()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.obj.keys))
		for _, k := range v.obj.keys {
			out[k] = v.obj.vals[k].Any()
		}
		return out
	default:
		return nil
	}
}

// FromAny converts plain Go values into a Value. Maps are ordered by key
// because Go maps carry no order.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null, nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return Int(int64(t)), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		if t > math.MaxInt64 {
			return Float(float64(t)), nil
		}
		return Int(int64(t)), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case interface{ String() string }:
		// json.Number and friends.
		if n, ok := x.(interface{ Int64() (int64, error) }); ok {
			if i, err := n.Int64(); err == nil {
				return Int(i), nil
			}
		}
		if n, ok := x.(interface{ Float64() (float64, error) }); ok {
			f, err := n.Float64()
			if err != nil {
				return Null, fmt.Errorf("content: invalid number %q: %w", t.String(), err)
			}
			return Float(f), nil
		}
		return String(t.String()), nil
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			conv, err := FromAny(item)
			if err != nil {
				return Null, err
			}
			items[i] = conv
		}
		return Value{kind: KindList, list: items}, nil
	case []Value:
		return List(t...), nil
	case []string:
		items := make([]Value, len(t))
		for i, s := range t {
			items[i] = String(s)
		}
		return Value{kind: KindList, list: items}, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make([]Field, 0, len(keys))
		for _, k := range keys {
			conv, err := FromAny(t[k])
			if err != nil {
				return Null, err
			}
			fields = append(fields, Field{Key: k, Value: conv})
		}
		return Object(fields...), nil
	default:
		return Null, fmt.Errorf("content: unsupported go type %T", x)
	}
}

// MustFromAny is FromAny for literals in tests and examples.
func MustFromAny(x any) Value {
	v, err := FromAny(x)
	if err != nil {
		panic(err)
	}
	return v
}

// String renders v as compact JSON.
func (v Value) String() string {
	var b strings.Builder
	writeJSON(&b, v)
	return b.String()
}
