package codec

import (
	"errors"
	"math"
	"testing"

	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/fault"
	"github.com/cexll/genbridge/pkg/schema"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, text string) content.Value {
	t.Helper()
	v, err := content.Parse([]byte(text))
	require.NoError(t, err)
	return v
}

func optionalScenario(t *testing.T) *schema.Schema {
	t.Helper()
	return schema.MustNew(schema.NewStruct("P",
		schema.Prop("a", schema.Prim(schema.String)),
		schema.OptionalProp("b", schema.Prim(schema.Int)),
	))
}

func TestStructWithOptionalField(t *testing.T) {
	s := optionalScenario(t)

	got, err := Decode(s, mustParse(t, `{"a":"x"}`))
	require.NoError(t, err)
	require.Equal(t, `{"a":"x"}`, got.String())
	_, hasB := got.Get("b")
	require.False(t, hasB)

	_, err = Decode(s, mustParse(t, `{}`))
	require.ErrorIs(t, err, fault.MissingField)
	fe := fault.As(err)
	require.Equal(t, "a", fe.Detail)
	require.Equal(t, "root.a", fe.Path)
}

func TestRequiredVersusOptionalAsymmetry(t *testing.T) {
	s := optionalScenario(t)

	var dropped []string
	obs := WithObserver(ObserverFunc(func(path string, err error) {
		require.ErrorIs(t, err, fault.TypeMismatch)
		dropped = append(dropped, path)
	}))

	got, err := Decode(s, mustParse(t, `{"a":"x","b":"not a number"}`), obs)
	require.NoError(t, err)
	require.Equal(t, `{"a":"x"}`, got.String())
	require.Equal(t, []string{"root.b"}, dropped)

	_, err = Decode(s, mustParse(t, `{"a":7,"b":1}`))
	require.ErrorIs(t, err, fault.TypeMismatch)
}

func TestAnyOfFirstMatchWins(t *testing.T) {
	asString := schema.Prim(schema.String)
	asChoice := schema.Choice("Size", "small", "large")
	in := content.String("small")

	first := schema.MustNew(schema.OneOf("U", asChoice, asString))
	got, err := Decode(first, in)
	require.NoError(t, err)
	require.Equal(t, `"small"`, got.String())

	// Two structs accepting the same map: order decides which shape survives.
	wide := schema.NewStruct("Wide", schema.Prop("id", schema.Prim(schema.Int)), schema.OptionalProp("note", schema.Prim(schema.String)))
	narrow := schema.NewStruct("Narrow", schema.Prop("id", schema.Prim(schema.Int)))
	value := mustParse(t, `{"id":1,"note":"hi"}`)

	wideFirst, err := Decode(schema.MustNew(schema.OneOf("U", wide, narrow)), value)
	require.NoError(t, err)
	require.Equal(t, `{"id":1,"note":"hi"}`, wideFirst.String())

	narrowFirst, err := Decode(schema.MustNew(schema.OneOf("U", narrow, wide)), value)
	require.NoError(t, err)
	require.Equal(t, `{"id":1}`, narrowFirst.String())
}

func TestAnyOfNoVariantMatched(t *testing.T) {
	s := schema.MustNew(schema.OneOf("U", schema.Prim(schema.Int), schema.Prim(schema.Bool)))
	_, err := Decode(s, content.String("nope"))
	require.ErrorIs(t, err, fault.NoVariantMatched)
	require.Len(t, fault.As(err).Detail, 2)
}

func TestAnyOfStringsClosure(t *testing.T) {
	values := []string{"red", "green", "blue"}
	s := schema.MustNew(schema.Choice("Colour", values...))
	for _, v := range values {
		got, err := Decode(s, content.String(v))
		require.NoError(t, err)
		require.True(t, content.Equal(content.String(v), got))
	}
	for _, in := range []content.Value{content.String("purple"), content.String("Red"), content.String(""), content.Int(1)} {
		_, err := Decode(s, in)
		require.ErrorIs(t, err, fault.TypeMismatch, "input %s", in)
	}
}

func TestArrayCardinalityIsNotEnforced(t *testing.T) {
	s := schema.MustNew(schema.ArrayOf(schema.Prim(schema.Int), schema.MinElements(1), schema.MaxElements(3)))
	got, err := Decode(s, mustParse(t, `[1,2,3,4,5]`))
	require.NoError(t, err)
	require.Equal(t, 5, got.Len())
}

func TestArrayErrors(t *testing.T) {
	s := schema.MustNew(schema.ArrayOf(schema.Prim(schema.Int)))
	_, err := Decode(s, content.Null)
	require.ErrorIs(t, err, fault.MissingField)
	_, err = Decode(s, content.String("1,2"))
	require.ErrorIs(t, err, fault.TypeMismatch)
	_, err = Decode(s, mustParse(t, `[1,"2"]`))
	require.ErrorIs(t, err, fault.TypeMismatch)
	require.Equal(t, "root[1]", fault.As(err).Path)
}

func TestValueTypeChecks(t *testing.T) {
	tests := []struct {
		name    string
		prim    schema.Primitive
		in      string
		want    string
		wantErr bool
	}{
		{name: "string", prim: schema.String, in: `"x"`, want: `"x"`},
		{name: "string rejects number", prim: schema.String, in: `1`, wantErr: true},
		{name: "int", prim: schema.Int, in: `42`, want: `42`},
		{name: "int from integral float", prim: schema.Int, in: `42.0`, want: `42`},
		{name: "int rejects fraction", prim: schema.Int, in: `4.2`, wantErr: true},
		{name: "double from int", prim: schema.Double, in: `3`, want: `3`},
		{name: "double", prim: schema.Double, in: `2.5`, want: `2.5`},
		{name: "bool", prim: schema.Bool, in: `true`, want: `true`},
		{name: "bool rejects string", prim: schema.Bool, in: `"true"`, wantErr: true},
		{name: "null rejected", prim: schema.String, in: `null`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(schema.MustNew(schema.Prim(tt.prim)), mustParse(t, tt.in))
			if tt.wantErr {
				require.ErrorIs(t, err, fault.TypeMismatch)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got.String())
		})
	}
}

func TestConstraintsAreAdvisory(t *testing.T) {
	s := schema.MustNew(schema.NewStruct("P",
		schema.Prop("code", schema.Prim(schema.String, schema.WithPattern(`^[A-Z]{3}$`))),
		schema.Prop("n", schema.Prim(schema.Int, schema.WithRange(0, 10))),
	))
	_, err := Decode(s, mustParse(t, `{"code":"lower","n":99}`))
	require.NoError(t, err)
}

func TestDictionaryAndReference(t *testing.T) {
	tree := schema.NewStruct("Tree",
		schema.Prop("label", schema.Prim(schema.String)),
		schema.OptionalProp("children", schema.ArrayOf(schema.Ref("Tree"))),
		schema.OptionalProp("meta", schema.DictionaryOf(schema.Prim(schema.Double))),
	)
	s := schema.MustNew(tree)
	in := mustParse(t, `{"label":"a","children":[{"label":"b","children":[]},{"label":"c","meta":{"w":1.5}}]}`)
	got, err := Decode(s, in)
	require.NoError(t, err)
	require.Equal(t, in.String(), got.String())

	_, err = Decode(s, mustParse(t, `{"label":"a","children":[{"nolabel":true}]}`))
	require.NoError(t, err, "children is optional so a bad child drops the list")

	strict := schema.MustNew(schema.NewStruct("Root", schema.Prop("tree", schema.Ref("Tree"))), tree)
	_, err = Decode(strict, mustParse(t, `{"tree":{"children":[]}}`))
	require.ErrorIs(t, err, fault.MissingField)
}

func TestEncodeReordersAndStrips(t *testing.T) {
	s := schema.MustNew(schema.NewStruct("P",
		schema.Prop("a", schema.Prim(schema.String)),
		schema.OptionalProp("b", schema.Prim(schema.Int)),
		schema.Prop("c", schema.ArrayOf(schema.NewStruct("Item", schema.Prop("x", schema.Prim(schema.Bool))))),
	))
	in := mustParse(t, `{"extra":1,"c":[{"y":2,"x":true}],"b":3,"a":"z"}`)
	require.Equal(t, `{"a":"z","b":3,"c":[{"x":true}]}`, Encode(s, in).String())
}

func TestRoundTrip(t *testing.T) {
	address := schema.NewStruct("Address", schema.Prop("city", schema.Prim(schema.String)), schema.OptionalProp("zip", schema.Prim(schema.String)))
	contact := schema.OneOf("Contact",
		schema.NewStruct("Email", schema.Prop("email", schema.Prim(schema.String))),
		schema.NewStruct("Phone", schema.Prop("phone", schema.Prim(schema.String))),
	)
	s := schema.MustNew(schema.NewStruct("Person",
		schema.Prop("name", schema.Prim(schema.String)),
		schema.OptionalProp("age", schema.Prim(schema.Int)),
		schema.Prop("score", schema.Prim(schema.Double)),
		schema.Prop("tags", schema.ArrayOf(schema.Prim(schema.String))),
		schema.Prop("home", schema.Ref("Address")),
		schema.OptionalProp("contact", contact),
		schema.OptionalProp("role", schema.Choice("Role", "admin", "user")),
		schema.OptionalProp("labels", schema.DictionaryOf(schema.Prim(schema.Bool))),
	), address)

	inputs := []string{
		`{"name":"Ada","score":1,"tags":[],"home":{"city":"London"}}`,
		`{"name":"Ada","age":36,"score":9.5,"tags":["x","y"],"home":{"city":"London","zip":"N1"},"contact":{"phone":"123"},"role":"admin","labels":{"b":true,"a":false}}`,
		`{"role":"user","tags":["z"],"score":-2,"name":"Bob","home":{"zip":"1","city":"Paris"},"contact":{"email":"b@x"}}`,
	}
	for _, text := range inputs {
		decoded, err := Decode(s, mustParse(t, text))
		require.NoError(t, err)
		again, err := Decode(s, Encode(s, decoded))
		require.NoError(t, err)
		require.True(t, content.Equal(decoded, again), "round trip changed %s into %s", decoded, again)
	}
}

func TestDecodePartial(t *testing.T) {
	s := schema.MustNew(schema.NewStruct("Person",
		schema.Prop("name", schema.Prim(schema.String)),
		schema.Prop("age", schema.Prim(schema.Int)),
		schema.Prop("role", schema.Choice("Role", "admin", "user")),
		schema.Prop("tags", schema.ArrayOf(schema.NewStruct("Tag", schema.Prop("k", schema.Prim(schema.String)), schema.Prop("v", schema.Prim(schema.Int))))),
	))

	tests := []struct {
		text string
		want string
	}{
		{text: `{"name":"Ad`, want: `{"name":"Ad"}`},
		{text: `{"name":"Ada","age":3`, want: `{"name":"Ada","age":3}`},
		{text: `{"name":"Ada","role":"adm`, want: `{"name":"Ada"}`},
		{text: `{"name":"Ada","tags":[{"k":"a","v":1},{"k":"b"`, want: `{"name":"Ada","tags":[{"k":"a","v":1},{"k":"b"}]}`},
	}
	for _, tt := range tests {
		raw, _, err := content.ParsePartial(tt.text)
		require.NoError(t, err)
		got, err := DecodePartial(s, raw)
		require.NoError(t, err, tt.text)
		require.Equal(t, tt.want, got.String(), tt.text)

		_, err = Decode(s, raw)
		require.True(t, errors.Is(err, fault.MissingField) || errors.Is(err, fault.TypeMismatch), "strict decode of %s: %v", tt.text, err)
	}
}

func TestDecodeJSON(t *testing.T) {
	s := optionalScenario(t)
	got, err := DecodeJSON(s, []byte(`{"b":2,"a":"q"}`))
	require.NoError(t, err)
	require.Equal(t, `{"a":"q","b":2}`, got.String())

	_, err = DecodeJSON(s, []byte(`{"a":`))
	require.ErrorIs(t, err, fault.DecodingFailure)
}

func TestEncodeOpaque(t *testing.T) {
	in := content.Object(
		content.F("z", content.Float(math.NaN())),
		content.F("list", content.List(content.Float(math.Inf(1)), content.Int(2))),
		content.F("ok", content.String("yes")),
	)
	require.Equal(t, `{"z":null,"list":[null,2],"ok":"yes"}`, EncodeOpaque(in).String())
	require.Equal(t, `{"z":null,"list":[null,2],"ok":"yes"}`, Encode(nil, in).String())
}

func TestNilSchema(t *testing.T) {
	_, err := Decode(nil, content.Null)
	require.ErrorIs(t, err, fault.InvalidSchema)
}
