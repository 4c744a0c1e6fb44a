package jsonv

import (
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func deltaRoundTrip(t *testing.T, oldText string, newText string) Array {
	old := MustParseSingleQuoted(oldText)
	new := MustParseSingleQuoted(newText)

	patch, ok := Delta(old, new, 1024*1024)
	assert.Equal(t, ok, true)

	applied, err := Apply(old, patch)
	assert.Equal(t, err, nil)
	assert.Equal(t, Equal(applied, new), true)

	return patch
}

func TestDeltaArrayElementUpdate(t *testing.T) {
	deltaRoundTrip(t, "[1, 2, 3, 'padding-padding-padding']", "[1, 4, 3, 'padding-padding-padding']")
	deltaRoundTrip(t, "['aaaaaaaa', 'bbbbbbbb']", "['aaaaaaaa', 'cccccccc']")
}

func TestDeltaArrayInsertDelete(t *testing.T) {
	deltaRoundTrip(t,
		"['aaaaaaaaaaaa', 'bbbbbbbbbbbb', 'cccccccccccc', 'dddddddddddd']",
		"['aaaaaaaaaaaa', 'dddddddddddd']")
	deltaRoundTrip(t,
		"['aaaaaaaaaaaa', 'dddddddddddd']",
		"['aaaaaaaaaaaa', 'bbbbbbbbbbbb', 'cccccccccccc', 'dddddddddddd']")
}

func TestDeltaToTinyValueIsRefused(t *testing.T) {
	// a patch can never beat shipping a tiny value outright
	_, ok := Delta(MustParse(`[1,2,3]`), MustParse(`[]`), 1024)
	assert.Equal(t, ok, false)
}

func TestDeltaNestedEdit(t *testing.T) {
	deltaRoundTrip(t,
		"[{'aaaaaaaaaaaaaaaa': 1, 'b': 2}, 'unchanged-tail-element']",
		"[{'aaaaaaaaaaaaaaaa': 1, 'b': 3}, 'unchanged-tail-element']")
}

func TestDeltaObjectMembers(t *testing.T) {
	deltaRoundTrip(t,
		"{'keep': 'kkkkkkkkkkkkkkkk', 'change': 1, 'drop': 2}",
		"{'keep': 'kkkkkkkkkkkkkkkk', 'change': 3, 'add': 4}")
}

func TestDeltaRefusesOversizedPatch(t *testing.T) {
	old := MustParseSingleQuoted("[1, 2, 3]")
	new := MustParseSingleQuoted("[1, 'aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa', 3]")

	_, ok := Delta(old, new, 4)
	assert.Equal(t, ok, false)

	_, ok = Delta(old, new, 0)
	assert.Equal(t, ok, false)
}

func TestDeltaRefusesUnrelatedValues(t *testing.T) {
	// a patch between scalars has no structural sharing
	_, ok := Delta(NewInt(1), NewInt(2), 1024)
	assert.Equal(t, ok, false)

	_, ok = Delta(MustParse(`[1]`), MustParse(`{"a":1}`), 1024)
	assert.Equal(t, ok, false)
}

func TestDeltaPatchNotLargerThanData(t *testing.T) {
	// replacing everything is not a useful patch
	old := MustParseSingleQuoted("[1]")
	new := MustParseSingleQuoted("[2]")
	patch, ok := Delta(old, new, 1024)
	if ok {
		assert.Equal(t, patch.SerializedSize() < new.SerializedSize(), true)
	}
}

func TestApplyRejectsMalformedPatch(t *testing.T) {
	old := MustParse(`[1,2,3]`)

	for _, patchText := range []string{
		`[1]`,          // truncated
		`[1,"x",2]`,    // index is not a number
		`[99,0,1]`,     // unknown opcode
		`[1,17,2]`,     // index out of range
		`[3,2,1]`,      // inverted range
		`[5,"a",1]`,    // object opcode against an array
	} {
		_, err := Apply(old, MustParse(patchText).(Array))
		assert.NotEqual(t, err, nil)
	}
}

// buildValue derives a nested json value from a seed. Structures are
// built in the property body so the generators stay scalar.
func buildValue(seed int64, depth int) Value {
	if seed < 0 {
		seed = -seed
	}
	switch seed % 6 {
	case 0:
		return Null{}
	case 1:
		return Bool(seed%2 == 0)
	case 2:
		return NewInt(int(seed % 1000))
	case 3:
		return NewString(string(rune('a'+seed%26)) + "x")
	case 4:
		if depth <= 0 {
			return NewInt(int(seed % 7))
		}
		n := int(seed % 4)
		elems := make([]Value, n)
		for i := range elems {
			elems[i] = buildValue(seed/int64(i+2)+int64(i), depth-1)
		}
		return NewArray(elems...)
	default:
		if depth <= 0 {
			return NewString("leaf")
		}
		names := []string{"a", "b", "c"}
		o := NewObject()
		for i := 0; i < int(seed%4); i += 1 {
			if i < len(names) {
				o = o.With(names[i], buildValue(seed/int64(i+3)+int64(i), depth-1))
			}
		}
		return o
	}
}

func TestDeltaApplyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("apply(old, delta(old, new)) == new", prop.ForAll(
		func(oldSeed int64, newSeed int64) bool {
			old := buildValue(oldSeed, 3)
			new := buildValue(newSeed, 3)

			patch, ok := Delta(old, new, 1024*1024)
			if !ok {
				// refusing is always legal, the caller ships full data
				return true
			}
			applied, err := Apply(old, patch)
			return err == nil && Equal(applied, new)
		},
		gen.Int64(),
		gen.Int64(),
	))

	properties.Property("serialize/parse round trip", prop.ForAll(
		func(seed int64) bool {
			v := buildValue(seed, 4)
			parsed, err := Parse(Serialize(v))
			return err == nil && Equal(parsed, v) && v.SerializedSize() == len(Serialize(v))
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}
