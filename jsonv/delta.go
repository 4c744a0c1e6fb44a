package jsonv

import (
	"fmt"
)

// A patch is an array of edit instructions that transforms one value
// into another. The instructions are laid out flat, opcode followed by
// its operands:
//
//	1 <index> <value>   replace the array element at index
//	2 <index> <value>   insert value before index
//	3 <from> <to>       delete the array elements in [from, to)
//	4 <index> <patch>   apply a nested patch to the array element at index
//	5 <key> <value>     set the object member key to value
//	6 <key>             delete the object member key
//	7 <key> <patch>     apply a nested patch to the object member key
//
// Array indexes refer to the state of the array after all preceding
// instructions have been applied.

const (
	opUpdate      = 1
	opInsert      = 2
	opDeleteRange = 3
	opEdit        = 4
	opSetKey      = 5
	opDeleteKey   = 6
	opEditKey     = 7
)

// Delta computes a patch that transforms old into new. It fails when
// old and new share no structure worth patching, or when the patch
// would serialize larger than maxBytes or not smaller than new itself.
func Delta(old Value, new Value, maxBytes int) (Array, bool) {
	if maxBytes <= 0 {
		return Array{}, false
	}
	ops, ok := diff(old, new)
	if !ok {
		return Array{}, false
	}
	patch := arrayFromOwned(ops)
	if maxBytes < patch.SerializedSize() || new.SerializedSize() <= patch.SerializedSize() {
		return Array{}, false
	}
	return patch, true
}

func diff(old Value, new Value) ([]Value, bool) {
	if old.Kind() != new.Kind() {
		return nil, false
	}
	switch old.Kind() {
	case KindArray:
		return diffArray(old.(Array), new.(Array)), true
	case KindObject:
		return diffObject(old.(Object), new.(Object)), true
	}
	return nil, false
}

func diffArray(old Array, new Array) []Value {
	// shared prefix and suffix
	prefix := 0
	for prefix < old.Len() && prefix < new.Len() && Equal(old.elems[prefix], new.elems[prefix]) {
		prefix += 1
	}
	suffix := 0
	for suffix < old.Len()-prefix && suffix < new.Len()-prefix &&
		Equal(old.elems[old.Len()-1-suffix], new.elems[new.Len()-1-suffix]) {
		suffix += 1
	}

	oldMid := old.elems[prefix : old.Len()-suffix]
	newMid := new.elems[prefix : new.Len()-suffix]

	ops := []Value{}
	if len(oldMid) == len(newMid) {
		// element wise replacement, nesting into containers where that
		// is smaller
		for i := range oldMid {
			ops = append(ops, elementOps(prefix+i, oldMid[i], newMid[i])...)
		}
		return ops
	}

	if 0 < len(oldMid) {
		ops = append(ops,
			NewInt(opDeleteRange), NewInt(prefix), NewInt(prefix+len(oldMid)))
	}
	for i, e := range newMid {
		ops = append(ops, NewInt(opInsert), NewInt(prefix+i), e)
	}
	return ops
}

func elementOps(index int, old Value, new Value) []Value {
	if Equal(old, new) {
		return nil
	}
	if nested, ok := diff(old, new); ok {
		nestedPatch := arrayFromOwned(nested)
		if nestedPatch.SerializedSize() < new.SerializedSize() {
			return []Value{NewInt(opEdit), NewInt(index), nestedPatch}
		}
	}
	return []Value{NewInt(opUpdate), NewInt(index), new}
}

func diffObject(old Object, new Object) []Value {
	ops := []Value{}
	for i, key := range old.keys {
		newVal, ok := new.Get(key)
		if !ok {
			ops = append(ops, NewInt(opDeleteKey), NewString(key))
			continue
		}
		oldVal := old.vals[i]
		if Equal(oldVal, newVal) {
			continue
		}
		if nested, nok := diff(oldVal, newVal); nok {
			nestedPatch := arrayFromOwned(nested)
			if nestedPatch.SerializedSize() < newVal.SerializedSize() {
				ops = append(ops, NewInt(opEditKey), NewString(key), nestedPatch)
				continue
			}
		}
		ops = append(ops, NewInt(opSetKey), NewString(key), newVal)
	}
	for i, key := range new.keys {
		if _, ok := old.Get(key); !ok {
			ops = append(ops, NewInt(opSetKey), NewString(key), new.vals[i])
		}
	}
	return ops
}

// Apply transforms old with the given patch. For every old, new and
// successful Delta(old, new, n), Apply(old, patch) returns a value equal
// to new.
func Apply(old Value, patch Array) (Value, error) {
	switch old.Kind() {
	case KindArray:
		return applyArray(old.(Array), patch)
	case KindObject:
		return applyObject(old.(Object), patch)
	}
	if patch.Empty() {
		return old, nil
	}
	return nil, fmt.Errorf("patch target must be an array or object, got kind %d", old.Kind())
}

type patchReader struct {
	elems []Value
	pos   int
}

func (self *patchReader) done() bool {
	return len(self.elems) <= self.pos
}

func (self *patchReader) next() (Value, error) {
	if self.done() {
		return nil, fmt.Errorf("truncated patch")
	}
	v := self.elems[self.pos]
	self.pos += 1
	return v, nil
}

func (self *patchReader) nextInt() (int, error) {
	v, err := self.next()
	if err != nil {
		return 0, err
	}
	n, ok := v.(Number)
	if !ok {
		return 0, fmt.Errorf("patch operand must be a number, got %s", Text(v))
	}
	return n.Int(), nil
}

func (self *patchReader) nextString() (string, error) {
	v, err := self.next()
	if err != nil {
		return "", err
	}
	s, ok := v.(String)
	if !ok {
		return "", fmt.Errorf("patch operand must be a string, got %s", Text(v))
	}
	return s.Text(), nil
}

func (self *patchReader) nextPatch() (Array, error) {
	v, err := self.next()
	if err != nil {
		return Array{}, err
	}
	p, ok := v.(Array)
	if !ok {
		return Array{}, fmt.Errorf("nested patch must be an array, got %s", Text(v))
	}
	return p, nil
}

func applyArray(old Array, patch Array) (Value, error) {
	elems := make([]Value, old.Len())
	copy(elems, old.elems)

	reader := &patchReader{elems: patch.elems}
	for !reader.done() {
		op, err := reader.nextInt()
		if err != nil {
			return nil, err
		}
		switch op {
		case opUpdate, opInsert, opEdit:
			index, err := reader.nextInt()
			if err != nil {
				return nil, err
			}
			switch op {
			case opUpdate:
				v, err := reader.next()
				if err != nil {
					return nil, err
				}
				if index < 0 || len(elems) <= index {
					return nil, fmt.Errorf("patch index %d out of range", index)
				}
				elems[index] = v
			case opInsert:
				v, err := reader.next()
				if err != nil {
					return nil, err
				}
				if index < 0 || len(elems) < index {
					return nil, fmt.Errorf("patch index %d out of range", index)
				}
				elems = append(elems[:index], append([]Value{v}, elems[index:]...)...)
			case opEdit:
				nested, err := reader.nextPatch()
				if err != nil {
					return nil, err
				}
				if index < 0 || len(elems) <= index {
					return nil, fmt.Errorf("patch index %d out of range", index)
				}
				edited, err := Apply(elems[index], nested)
				if err != nil {
					return nil, err
				}
				elems[index] = edited
			}
		case opDeleteRange:
			from, err := reader.nextInt()
			if err != nil {
				return nil, err
			}
			to, err := reader.nextInt()
			if err != nil {
				return nil, err
			}
			if from < 0 || to < from || len(elems) < to {
				return nil, fmt.Errorf("patch range [%d, %d) out of range", from, to)
			}
			elems = append(elems[:from], elems[to:]...)
		default:
			return nil, fmt.Errorf("opcode %d not applicable to an array", op)
		}
	}
	return arrayFromOwned(elems), nil
}

func applyObject(old Object, patch Array) (Value, error) {
	result := old
	reader := &patchReader{elems: patch.elems}
	for !reader.done() {
		op, err := reader.nextInt()
		if err != nil {
			return nil, err
		}
		switch op {
		case opSetKey:
			key, err := reader.nextString()
			if err != nil {
				return nil, err
			}
			v, err := reader.next()
			if err != nil {
				return nil, err
			}
			result = result.With(key, v)
		case opDeleteKey:
			key, err := reader.nextString()
			if err != nil {
				return nil, err
			}
			result = result.Without(key)
		case opEditKey:
			key, err := reader.nextString()
			if err != nil {
				return nil, err
			}
			nested, err := reader.nextPatch()
			if err != nil {
				return nil, err
			}
			member, ok := result.Get(key)
			if !ok {
				return nil, fmt.Errorf("patch edits missing member %q", key)
			}
			edited, err := Apply(member, nested)
			if err != nil {
				return nil, err
			}
			result = result.With(key, edited)
		default:
			return nil, fmt.Errorf("opcode %d not applicable to an object", op)
		}
	}
	return result, nil
}
