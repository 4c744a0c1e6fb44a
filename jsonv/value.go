package jsonv

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Immutable json values with structural equality and cheap sharing.
// Every value knows the byte length of its serialized form without
// serializing, so higher layers can account for wire sizes while the
// value is still in memory.

type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

type Value interface {
	Kind() Kind
	// the length in bytes of the serialized form
	SerializedSize() int

	appendJson(buf []byte) []byte
}

func Serialize(v Value) []byte {
	return v.appendJson(make([]byte, 0, v.SerializedSize()))
}

func Text(v Value) string {
	return string(Serialize(v))
}

// Null

type Null struct{}

func (self Null) Kind() Kind {
	return KindNull
}

func (self Null) SerializedSize() int {
	return 4
}

func (self Null) appendJson(buf []byte) []byte {
	return append(buf, "null"...)
}

// Bool

type Bool bool

const True = Bool(true)
const False = Bool(false)

func FromBool(b bool) Bool {
	return Bool(b)
}

func (self Bool) Kind() Kind {
	return KindBool
}

func (self Bool) SerializedSize() int {
	if bool(self) {
		return 4
	}
	return 5
}

func (self Bool) appendJson(buf []byte) []byte {
	return strconv.AppendBool(buf, bool(self))
}

// Number

type Number struct {
	lit string
	f   float64
}

func NewInt(i int) Number {
	lit := strconv.FormatInt(int64(i), 10)
	return Number{
		lit: lit,
		f:   float64(i),
	}
}

func NewNumber(f float64) Number {
	lit := strconv.FormatFloat(f, 'g', -1, 64)
	return Number{
		lit: lit,
		f:   f,
	}
}

func numberFromLiteral(lit string) Number {
	f, _ := strconv.ParseFloat(lit, 64)
	return Number{
		lit: lit,
		f:   f,
	}
}

func (self Number) Kind() Kind {
	return KindNumber
}

func (self Number) SerializedSize() int {
	return len(self.lit)
}

func (self Number) appendJson(buf []byte) []byte {
	return append(buf, self.lit...)
}

func (self Number) Float() float64 {
	return self.f
}

func (self Number) Int() int {
	return int(self.f)
}

// String

type String struct {
	s    string
	size int
}

func NewString(s string) String {
	return String{
		s:    s,
		size: quotedSize(s),
	}
}

func (self String) Kind() Kind {
	return KindString
}

func (self String) SerializedSize() int {
	return self.size
}

func (self String) appendJson(buf []byte) []byte {
	return appendQuoted(buf, self.s)
}

func (self String) Text() string {
	return self.s
}

func (self String) Empty() bool {
	return len(self.s) == 0
}

// Array
//
// Arrays share element references. Taking a slice of an array copies
// the element references, not the elements.

type Array struct {
	elems []Value
	size  int
}

func NewArray(elems ...Value) Array {
	copied := make([]Value, len(elems))
	copy(copied, elems)
	return arrayFromOwned(copied)
}

func arrayFromOwned(elems []Value) Array {
	size := 2
	for i, e := range elems {
		if 0 < i {
			size += 1
		}
		size += e.SerializedSize()
	}
	return Array{
		elems: elems,
		size:  size,
	}
}

func (self Array) Kind() Kind {
	return KindArray
}

func (self Array) SerializedSize() int {
	return self.size
}

func (self Array) appendJson(buf []byte) []byte {
	buf = append(buf, '[')
	for i, e := range self.elems {
		if 0 < i {
			buf = append(buf, ',')
		}
		buf = e.appendJson(buf)
	}
	return append(buf, ']')
}

func (self Array) Len() int {
	return len(self.elems)
}

func (self Array) Empty() bool {
	return len(self.elems) == 0
}

func (self Array) At(i int) Value {
	return self.elems[i]
}

// Slice returns the n elements starting at start. The returned array
// shares the element references with this array.
func (self Array) Slice(start int, n int) Array {
	return arrayFromOwned(self.elems[start : start+n : start+n])
}

func (self Array) Append(elems ...Value) Array {
	copied := make([]Value, 0, len(self.elems)+len(elems))
	copied = append(copied, self.elems...)
	copied = append(copied, elems...)
	return arrayFromOwned(copied)
}

func (self Array) Concat(other Array) Array {
	return self.Append(other.elems...)
}

func (self Array) Contains(v Value) bool {
	for _, e := range self.elems {
		if Equal(e, v) {
			return true
		}
	}
	return false
}

// Object
//
// Object keys are unique. Key iteration order is descending sorted key
// order.

type Object struct {
	// ascending by key
	keys []string
	vals []Value
	size int
}

func NewObject() Object {
	return Object{
		size: 2,
	}
}

func objectFromOwned(keys []string, vals []Value) Object {
	size := 2
	for i, key := range keys {
		if 0 < i {
			size += 1
		}
		size += quotedSize(key) + 1 + vals[i].SerializedSize()
	}
	return Object{
		keys: keys,
		vals: vals,
		size: size,
	}
}

func (self Object) Kind() Kind {
	return KindObject
}

func (self Object) SerializedSize() int {
	return self.size
}

func (self Object) appendJson(buf []byte) []byte {
	buf = append(buf, '{')
	for i, key := range self.keys {
		if 0 < i {
			buf = append(buf, ',')
		}
		buf = appendQuoted(buf, key)
		buf = append(buf, ':')
		buf = self.vals[i].appendJson(buf)
	}
	return append(buf, '}')
}

func (self Object) Len() int {
	return len(self.keys)
}

func (self Object) Empty() bool {
	return len(self.keys) == 0
}

// Keys returns the object keys in descending order.
func (self Object) Keys() []string {
	keys := make([]string, len(self.keys))
	for i, key := range self.keys {
		keys[len(self.keys)-1-i] = key
	}
	return keys
}

func (self Object) Get(key string) (Value, bool) {
	i, ok := self.find(key)
	if !ok {
		return nil, false
	}
	return self.vals[i], true
}

func (self Object) find(key string) (int, bool) {
	i := sort.SearchStrings(self.keys, key)
	if i < len(self.keys) && self.keys[i] == key {
		return i, true
	}
	return i, false
}

// With returns a copy of this object with key set to v. The copy shares
// the other value references.
func (self Object) With(key string, v Value) Object {
	i, ok := self.find(key)
	keys := make([]string, 0, len(self.keys)+1)
	vals := make([]Value, 0, len(self.vals)+1)
	if ok {
		keys = append(keys, self.keys...)
		vals = append(vals, self.vals...)
		vals[i] = v
	} else {
		keys = append(keys, self.keys[:i]...)
		keys = append(keys, key)
		keys = append(keys, self.keys[i:]...)
		vals = append(vals, self.vals[:i]...)
		vals = append(vals, v)
		vals = append(vals, self.vals[i:]...)
	}
	return objectFromOwned(keys, vals)
}

func (self Object) Without(key string) Object {
	i, ok := self.find(key)
	if !ok {
		return self
	}
	keys := make([]string, 0, len(self.keys)-1)
	vals := make([]Value, 0, len(self.vals)-1)
	keys = append(keys, self.keys[:i]...)
	keys = append(keys, self.keys[i+1:]...)
	vals = append(vals, self.vals[:i]...)
	vals = append(vals, self.vals[i+1:]...)
	return objectFromOwned(keys, vals)
}

// comparison

var kindOrder = map[Kind]int{
	KindNull:   0,
	KindBool:   1,
	KindNumber: 2,
	KindString: 3,
	KindArray:  4,
	KindObject: 5,
}

// Compare is a strict weak order over all values: first by kind, then
// by content.
func Compare(a Value, b Value) int {
	if c := kindOrder[a.Kind()] - kindOrder[b.Kind()]; c != 0 {
		return c
	}
	switch a.Kind() {
	case KindNull:
		return 0
	case KindBool:
		av := bool(a.(Bool))
		bv := bool(b.(Bool))
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case KindNumber:
		af := a.(Number).f
		bf := b.(Number).f
		switch {
		case af < bf:
			return -1
		case bf < af:
			return 1
		default:
			return 0
		}
	case KindString:
		return strings.Compare(a.(String).s, b.(String).s)
	case KindArray:
		aa := a.(Array)
		ba := b.(Array)
		n := min(aa.Len(), ba.Len())
		for i := 0; i < n; i += 1 {
			if c := Compare(aa.elems[i], ba.elems[i]); c != 0 {
				return c
			}
		}
		return aa.Len() - ba.Len()
	case KindObject:
		ao := a.(Object)
		bo := b.(Object)
		n := min(ao.Len(), bo.Len())
		// descending key iteration order
		for i := 0; i < n; i += 1 {
			ai := ao.Len() - 1 - i
			bi := bo.Len() - 1 - i
			if c := strings.Compare(ao.keys[ai], bo.keys[bi]); c != 0 {
				return c
			}
			if c := Compare(ao.vals[ai], bo.vals[bi]); c != 0 {
				return c
			}
		}
		return ao.Len() - bo.Len()
	}
	panic(fmt.Sprintf("unknown kind %d", a.Kind()))
}

func Equal(a Value, b Value) bool {
	if a.SerializedSize() != b.SerializedSize() {
		return false
	}
	return Compare(a, b) == 0
}

func min(a int, b int) int {
	if a < b {
		return a
	}
	return b
}

// string encoding

const hexDigits = "0123456789abcdef"

func escapeLen(c byte) int {
	switch c {
	case '"', '\\', '\n', '\r', '\t':
		return 2
	default:
		if c < 0x20 {
			return 6
		}
		return 1
	}
}

func quotedSize(s string) int {
	size := 2
	for i := 0; i < len(s); i += 1 {
		size += escapeLen(s[i])
	}
	return size
}

func appendQuoted(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for i := 0; i < len(s); i += 1 {
		c := s[i]
		switch c {
		case '"':
			buf = append(buf, '\\', '"')
		case '\\':
			buf = append(buf, '\\', '\\')
		case '\n':
			buf = append(buf, '\\', 'n')
		case '\r':
			buf = append(buf, '\\', 'r')
		case '\t':
			buf = append(buf, '\\', 't')
		default:
			if c < 0x20 {
				buf = append(buf, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
			} else {
				buf = append(buf, c)
			}
		}
	}
	return append(buf, '"')
}
