package generable

import (
	"fmt"
	"reflect"

	"github.com/cexll/genbridge/pkg/codec"
	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/fault"
)

// Decode validates v against T's schema and fills a T.
func Decode[T any](v content.Value, opts ...codec.Option) (T, error) {
	var out T
	s, err := SchemaFor[T]()
	if err != nil {
		return out, err
	}
	decoded, err := codec.Decode(s, v, opts...)
	if err != nil {
		return out, err
	}
	if err := assign(reflect.ValueOf(&out).Elem(), decoded, "root"); err != nil {
		return out, typeError(reflect.TypeOf(out), err)
	}
	return out, nil
}

// DecodePartial fills a T from a mid-generation snapshot; fields not yet
// generated keep their zero value.
func DecodePartial[T any](v content.Value) (T, error) {
	var out T
	s, err := SchemaFor[T]()
	if err != nil {
		return out, err
	}
	decoded, err := codec.DecodePartial(s, v)
	if err != nil {
		return out, err
	}
	if err := assign(reflect.ValueOf(&out).Elem(), decoded, "root"); err != nil {
		return out, typeError(reflect.TypeOf(out), err)
	}
	return out, nil
}

// Encode converts x into transport content shaped by T's schema.
func Encode[T any](x T) (content.Value, error) {
	s, err := SchemaFor[T]()
	if err != nil {
		return content.Null, err
	}
	v, err := ToContent(x)
	if err != nil {
		return content.Null, err
	}
	return codec.Encode(s, v), nil
}

// ToContent converts any supported Go value into content without a schema.
// Struct fields follow their `gen` names; nil pointers and zero optional
// fields are omitted.
func ToContent(x any) (content.Value, error) {
	if x == nil {
		return content.Null, nil
	}
	return toContent(reflect.ValueOf(x))
}

func toContent(v reflect.Value) (content.Value, error) {
	if v.Type() == reflect.TypeOf(content.Value{}) {
		return v.Interface().(content.Value), nil
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return content.Null, nil
		}
		return toContent(v.Elem())
	case reflect.String:
		return content.String(v.String()), nil
	case reflect.Bool:
		return content.Bool(v.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return content.Int(v.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return content.FromAny(v.Uint())
	case reflect.Float32, reflect.Float64:
		return content.Float(v.Float()), nil
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return content.List(), nil
		}
		items := make([]content.Value, v.Len())
		for i := range items {
			item, err := toContent(v.Index(i))
			if err != nil {
				return content.Null, err
			}
			items[i] = item
		}
		return content.List(items...), nil
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return content.Null, fmt.Errorf("map key type %s is not string", v.Type().Key())
		}
		plain := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			item, err := toContent(iter.Value())
			if err != nil {
				return content.Null, err
			}
			plain[iter.Key().String()] = item
		}
		return content.FromAny(plain)
	case reflect.Struct:
		fields, err := fieldsOf(v.Type())
		if err != nil {
			return content.Null, err
		}
		out := make([]content.Field, 0, len(fields))
		for _, f := range fields {
			fv := v.FieldByIndex(f.index)
			if f.optional && fv.IsZero() {
				continue
			}
			item, err := toContent(fv)
			if err != nil {
				return content.Null, err
			}
			out = append(out, content.F(f.name, item))
		}
		return content.Object(out...), nil
	default:
		return content.Null, fmt.Errorf("unsupported type %s", v.Type())
	}
}

// assign stores decoded content into dst.
func assign(dst reflect.Value, v content.Value, path string) error {
	if dst.Type() == reflect.TypeOf(content.Value{}) {
		dst.Set(reflect.ValueOf(v))
		return nil
	}
	if dst.Kind() == reflect.Pointer {
		if v.IsNull() {
			dst.Set(reflect.Zero(dst.Type()))
			return nil
		}
		elem := reflect.New(dst.Type().Elem())
		if err := assign(elem.Elem(), v, path); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	}
	mismatch := func() error {
		return fault.New(fault.TypeMismatch, "cannot store %s in %s", v.Kind(), dst.Type()).WithPath(path)
	}
	switch dst.Kind() {
	case reflect.String:
		s, ok := v.AsString()
		if !ok {
			return mismatch()
		}
		dst.SetString(s)
	case reflect.Bool:
		b, ok := v.AsBool()
		if !ok {
			return mismatch()
		}
		dst.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, ok := v.AsInt()
		if !ok || dst.OverflowInt(i) {
			return mismatch()
		}
		dst.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		i, ok := v.AsInt()
		if !ok || i < 0 || dst.OverflowUint(uint64(i)) {
			return mismatch()
		}
		dst.SetUint(uint64(i))
	case reflect.Float32, reflect.Float64:
		f, ok := v.AsFloat()
		if !ok {
			return mismatch()
		}
		dst.SetFloat(f)
	case reflect.Slice:
		if v.Kind() != content.KindList {
			return mismatch()
		}
		out := reflect.MakeSlice(dst.Type(), v.Len(), v.Len())
		for i, item := range v.Items() {
			if err := assign(out.Index(i), item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		dst.Set(out)
	case reflect.Array:
		if v.Kind() != content.KindList {
			return mismatch()
		}
		for i, item := range v.Items() {
			if i >= dst.Len() {
				break
			}
			if err := assign(dst.Index(i), item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case reflect.Map:
		if v.Kind() != content.KindMap || dst.Type().Key().Kind() != reflect.String {
			return mismatch()
		}
		out := reflect.MakeMapWithSize(dst.Type(), v.Len())
		for _, f := range v.Fields() {
			elem := reflect.New(dst.Type().Elem()).Elem()
			if err := assign(elem, f.Value, path+"."+f.Key); err != nil {
				return err
			}
			out.SetMapIndex(reflect.ValueOf(f.Key).Convert(dst.Type().Key()), elem)
		}
		dst.Set(out)
	case reflect.Struct:
		if v.Kind() != content.KindMap {
			return mismatch()
		}
		fields, err := fieldsOf(dst.Type())
		if err != nil {
			return err
		}
		for _, f := range fields {
			item, ok := v.Get(f.name)
			if !ok {
				continue
			}
			if err := assign(dst.FieldByIndex(f.index), item, path+"."+f.name); err != nil {
				return err
			}
		}
	default:
		return mismatch()
	}
	return nil
}
