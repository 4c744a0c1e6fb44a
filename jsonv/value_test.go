package jsonv

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestParseRoundTrip(t *testing.T) {
	for _, text := range []string{
		`null`,
		`true`,
		`false`,
		`12`,
		`-7.5`,
		`"hello"`,
		`""`,
		`[]`,
		`[1,2,3]`,
		`{}`,
		`{"a":1,"b":[true,null],"c":{"d":"x"}}`,
	} {
		v := MustParse(text)
		assert.Equal(t, Text(v), text)
		assert.Equal(t, v.SerializedSize(), len(text))
	}
}

func TestParseRejectsTrailingGarbage(t *testing.T) {
	_, err := ParseString(`{"a":1} x`)
	assert.NotEqual(t, err, nil)

	_, err = ParseString(`[1,2] [3]`)
	assert.NotEqual(t, err, nil)
}

func TestParseSortsObjectKeys(t *testing.T) {
	v := MustParse(`{"b":2,"a":1}`)
	assert.Equal(t, Text(v), `{"a":1,"b":2}`)

	keys := v.(Object).Keys()
	assert.Equal(t, keys, []string{"b", "a"})
}

func TestStringEscaping(t *testing.T) {
	v := NewString("a\"b\\c\nd\x01")
	text := Text(v)
	assert.Equal(t, text, `"a\"b\\c\nd\u0001"`)
	assert.Equal(t, v.SerializedSize(), len(text))

	parsed := MustParse(text)
	assert.Equal(t, Equal(parsed, v), true)
}

func TestEqualIsStructural(t *testing.T) {
	a := MustParseSingleQuoted("{'data':1, 'id':'foo'}")
	b := MustParseSingleQuoted("{'id':'foo', 'data':1}")
	assert.Equal(t, Equal(a, b), true)

	c := MustParseSingleQuoted("{'data':2, 'id':'foo'}")
	assert.Equal(t, Equal(a, c), false)
}

func TestCompareOrdersByKindThenContent(t *testing.T) {
	ordered := []Value{
		Null{},
		False,
		True,
		NewInt(-1),
		NewInt(4),
		NewString("a"),
		NewString("b"),
		NewArray(NewInt(1)),
		NewArray(NewInt(1), NewInt(2)),
		NewObject().With("a", NewInt(1)),
	}
	for i, a := range ordered {
		assert.Equal(t, Compare(a, a), 0)
		for _, b := range ordered[i+1:] {
			assert.Equal(t, Compare(a, b) < 0, true)
			assert.Equal(t, 0 < Compare(b, a), true)
		}
	}
}

func TestArraySliceSharesElements(t *testing.T) {
	inner := NewObject().With("x", NewInt(1))
	a := NewArray(NewInt(0), inner, NewInt(2), NewInt(3))

	s := a.Slice(1, 2)
	assert.Equal(t, s.Len(), 2)
	assert.Equal(t, Equal(s.At(0), inner), true)
	assert.Equal(t, Equal(s.At(1), NewInt(2)), true)
	assert.Equal(t, s.SerializedSize(), len(Text(s)))
}

func TestObjectWithWithout(t *testing.T) {
	o := NewObject().
		With("b", NewInt(2)).
		With("a", NewInt(1)).
		With("c", NewInt(3))
	assert.Equal(t, Text(o), `{"a":1,"b":2,"c":3}`)

	o2 := o.With("b", NewInt(20))
	assert.Equal(t, Text(o2), `{"a":1,"b":20,"c":3}`)
	// the original is unchanged
	assert.Equal(t, Text(o), `{"a":1,"b":2,"c":3}`)

	o3 := o.Without("a")
	assert.Equal(t, Text(o3), `{"b":2,"c":3}`)
	assert.Equal(t, o3.SerializedSize(), len(Text(o3)))

	v, ok := o.Get("c")
	assert.Equal(t, ok, true)
	assert.Equal(t, Equal(v, NewInt(3)), true)

	_, ok = o.Get("missing")
	assert.Equal(t, ok, false)
}

func TestNumberAccessors(t *testing.T) {
	n := MustParse(`42`).(Number)
	assert.Equal(t, n.Int(), 42)
	assert.Equal(t, n.Float(), 42.0)

	f := MustParse(`2.5`).(Number)
	assert.Equal(t, f.Float(), 2.5)
}
