package transform

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func productSpec() Spec {
	return Spec{
		Root: "$",
		Fields: []Field{
			{Name: "title", Path: "name", Selector: "h1.title", Required: true},
			{Name: "price", Path: "pricing.amount", Selector: ".price", Type: TypeFloat},
			{Name: "stock", Path: "stock", Type: TypeInt, Default: 0},
			{Name: "first_tag", Path: "tags[0]"},
			{Name: "page", Path: "url"},
		},
	}
}

func TestCompileRejectsInvalidSpecs(t *testing.T) {
	t.Parallel()

	cases := map[string]Spec{
		"missing root":  {Fields: []Field{{Name: "a", Path: "a"}}},
		"no fields":     {Root: "$"},
		"bad name":      {Root: "$", Fields: []Field{{Name: "a-b", Path: "a"}}},
		"duplicate":     {Root: "$", Fields: []Field{{Name: "a", Path: "a"}, {Name: "a", Path: "b"}}},
		"no source":     {Root: "$", Fields: []Field{{Name: "a"}}},
		"unknown type":  {Root: "$", Fields: []Field{{Name: "a", Path: "a", Type: "date"}}},
		"bad index":     {Root: "$", Fields: []Field{{Name: "a", Path: "a[x]"}}},
		"bad selector":  {Root: "$", Fields: []Field{{Name: "a", Selector: "div[["}}},
		"bad default":   {Root: "$", Fields: []Field{{Name: "a", Path: "a", Type: TypeInt, Default: "abc"}}},
		"unterminated":  {Root: "$", Fields: []Field{{Name: "a", Path: "a[1"}}},
		"empty segment": {Root: "$", Fields: []Field{{Name: "a", Path: "a..b"}}},
	}
	for name, spec := range cases {
		_, err := Compile(spec)
		require.Error(t, err, name)
		require.True(t, errors.Is(err, ErrCompile), name)
	}
}

func TestApplyJSONItem(t *testing.T) {
	t.Parallel()

	prog, err := Compile(productSpec())
	require.NoError(t, err)
	require.Equal(t, []string{"title", "price", "stock", "first_tag", "page"}, prog.Columns())

	row, err := prog.Apply(decode(t, `{"name":"Lamp","pricing":{"amount":"$1,299.50"},"tags":["home","light"]}`))
	require.NoError(t, err)
	require.Equal(t, "Lamp", row["title"])
	require.InDelta(t, 1299.5, row["price"], 0.0001)
	require.Equal(t, int64(0), row["stock"])
	require.Equal(t, "home", row["first_tag"])
	require.Nil(t, row["page"])
}

func TestApplyRootEntryPoint(t *testing.T) {
	t.Parallel()

	prog, err := Compile(Spec{
		Root:   "$.product",
		Fields: []Field{{Name: "sku", Path: "id", Type: TypeString}},
	})
	require.NoError(t, err)

	row, err := prog.Apply(decode(t, `{"product":{"id":42}}`))
	require.NoError(t, err)
	require.Equal(t, "42", row["sku"])

	_, err = prog.Apply(decode(t, `{"other":{}}`))
	require.ErrorIs(t, err, ErrItem)
}

func TestApplyRequiredFieldMissing(t *testing.T) {
	t.Parallel()

	prog, err := Compile(productSpec())
	require.NoError(t, err)
	_, err = prog.Apply(decode(t, `{"pricing":{"amount":3}}`))
	require.ErrorIs(t, err, ErrItem)
}

func TestApplyCoercionFailure(t *testing.T) {
	t.Parallel()

	prog, err := Compile(Spec{Root: "$", Fields: []Field{{Name: "n", Path: "n", Type: TypeInt}}})
	require.NoError(t, err)
	_, err = prog.Apply(decode(t, `{"n":"many"}`))
	require.ErrorIs(t, err, ErrItem)
}

func TestApplyRejectsNonFiniteAndOversizedIntegers(t *testing.T) {
	t.Parallel()

	prog, err := Compile(Spec{Root: "$", Fields: []Field{{Name: "qty", Path: "qty", Type: TypeInt}}})
	require.NoError(t, err)
	for _, raw := range []string{`"NaN"`, `"Inf"`, `"-Infinity"`, `"1e30"`, `-1e19`, `9223372036854775808`} {
		_, err := prog.Apply(decode(t, `{"qty":`+raw+`}`))
		require.ErrorIs(t, err, ErrItem, raw)
	}

	row, err := prog.Apply(decode(t, `{"qty":"-12.9"}`))
	require.NoError(t, err)
	require.Equal(t, int64(-12), row["qty"])
}

func TestCoerceFloatRejectsNaN(t *testing.T) {
	t.Parallel()

	_, err := coerce("nan", TypeFloat)
	require.Error(t, err)
	_, err = coerce("+inf", TypeFloat)
	require.Error(t, err)

	v, err := coerce("$1,299.50", TypeFloat)
	require.NoError(t, err)
	require.Equal(t, 1299.5, v)
}

func TestApplyHTMLWrapper(t *testing.T) {
	t.Parallel()

	prog, err := Compile(productSpec())
	require.NoError(t, err)

	wrapper := map[string]any{
		"html":        `<html><body><h1 class="title"> Desk </h1><span class="price">89.90</span></body></html>`,
		"url":         "https://shop.example/desk",
		"contentType": "text/html",
	}
	row, err := prog.Apply(wrapper)
	require.NoError(t, err)
	require.Equal(t, "Desk", row["title"])
	require.InDelta(t, 89.9, row["price"], 0.0001)
	require.Equal(t, "https://shop.example/desk", row["page"])
	require.Equal(t, int64(0), row["stock"])
}

func TestApplyHTMLAttribute(t *testing.T) {
	t.Parallel()

	prog, err := Compile(Spec{Root: "$", Fields: []Field{{Name: "link", Selector: "a.next", Attr: "href"}}})
	require.NoError(t, err)
	row, err := prog.Apply(map[string]any{"html": `<a class="next" href="/p/2">next</a>`, "url": "u"})
	require.NoError(t, err)
	require.Equal(t, "/p/2", row["link"])
}

func TestCoerceBoolAndJSON(t *testing.T) {
	t.Parallel()

	v, err := coerce("Yes", TypeBool)
	require.NoError(t, err)
	require.Equal(t, true, v)

	_, err = coerce("maybe", TypeBool)
	require.Error(t, err)

	v, err = coerce(map[string]any{"a": 1.0}, TypeJSON)
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, v)

	v, err = coerce(3.0, TypeString)
	require.NoError(t, err)
	require.Equal(t, "3", v)
}
