package jsonv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Parse reads exactly one json value from text.
func Parse(text []byte) (Value, error) {
	decoder := json.NewDecoder(bytes.NewReader(text))
	decoder.UseNumber()

	var raw any
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	// trailing non-space is an error
	if _, err := decoder.Token(); err != io.EOF {
		return nil, fmt.Errorf("extra characters after json expression")
	}
	return fromRaw(raw)
}

func ParseString(text string) (Value, error) {
	return Parse([]byte(text))
}

func MustParse(text string) Value {
	v, err := ParseString(text)
	if err != nil {
		panic(err)
	}
	return v
}

// MustParseSingleQuoted substitutes all single quotes with double quotes
// and parses the result. `{'a':1}` is easier to read in a string literal
// than `{\"a\":1}`.
func MustParseSingleQuoted(text string) Value {
	return MustParse(strings.ReplaceAll(text, "'", "\""))
}

func fromRaw(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return numberFromLiteral(string(t)), nil
	case string:
		return NewString(t), nil
	case []any:
		elems := make([]Value, len(t))
		for i, rawElem := range t {
			elem, err := fromRaw(rawElem)
			if err != nil {
				return nil, err
			}
			elems[i] = elem
		}
		return arrayFromOwned(elems), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for key := range t {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		vals := make([]Value, len(keys))
		for i, key := range keys {
			val, err := fromRaw(t[key])
			if err != nil {
				return nil, err
			}
			vals[i] = val
		}
		return objectFromOwned(keys, vals), nil
	}
	return nil, fmt.Errorf("unexpected json token %T", raw)
}
