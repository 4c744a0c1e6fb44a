package pubsub

import (
	"sort"
	"strings"

	"github.com/flowtide/comet/jsonv"
)

// A Key is one (domain, value) pair of a node name.
type Key struct {
	Domain string
	Value  string
}

func (self Key) Compare(other Key) int {
	if c := strings.Compare(self.Domain, other.Domain); c != 0 {
		return c
	}
	return strings.Compare(self.Value, other.Value)
}

// A NodeName identifies a node. It is an ordered sequence of keys,
// sorted by domain, with every domain appearing at most once.
type NodeName struct {
	// sorted by domain
	keys []Key
}

func NewNodeName(keys ...Key) NodeName {
	name := NodeName{}
	for _, key := range keys {
		name = name.With(key)
	}
	return name
}

// NodeNameFromObject builds a name from a json object by sorting the
// properties by domain and stringifying their values.
func NodeNameFromObject(obj jsonv.Object) NodeName {
	domains := obj.Keys()
	sort.Strings(domains)

	keys := make([]Key, 0, len(domains))
	for _, domain := range domains {
		value, _ := obj.Get(domain)
		keys = append(keys, Key{
			Domain: domain,
			Value:  stringify(value),
		})
	}
	return NodeName{
		keys: keys,
	}
}

func stringify(value jsonv.Value) string {
	if s, ok := value.(jsonv.String); ok {
		return s.Text()
	}
	return jsonv.Text(value)
}

func (self NodeName) Len() int {
	return len(self.keys)
}

func (self NodeName) Empty() bool {
	return len(self.keys) == 0
}

func (self NodeName) Keys() []Key {
	keys := make([]Key, len(self.keys))
	copy(keys, self.keys)
	return keys
}

func (self NodeName) FindKey(domain string) (Key, bool) {
	i := sort.Search(len(self.keys), func(i int) bool {
		return domain <= self.keys[i].Domain
	})
	if i < len(self.keys) && self.keys[i].Domain == domain {
		return self.keys[i], true
	}
	return Key{}, false
}

// With returns a copy of this name with the key added. A key with the
// same domain is replaced.
func (self NodeName) With(key Key) NodeName {
	i := sort.Search(len(self.keys), func(i int) bool {
		return key.Domain <= self.keys[i].Domain
	})
	keys := make([]Key, 0, len(self.keys)+1)
	keys = append(keys, self.keys[:i]...)
	keys = append(keys, key)
	if i < len(self.keys) && self.keys[i].Domain == key.Domain {
		keys = append(keys, self.keys[i+1:]...)
	} else {
		keys = append(keys, self.keys[i:]...)
	}
	return NodeName{
		keys: keys,
	}
}

func (self NodeName) Equal(other NodeName) bool {
	if len(self.keys) != len(other.keys) {
		return false
	}
	for i, key := range self.keys {
		if key != other.keys[i] {
			return false
		}
	}
	return true
}

// Compare orders names by length first, ties broken by comparing keys
// pairwise.
func (self NodeName) Compare(other NodeName) int {
	if c := len(self.keys) - len(other.keys); c != 0 {
		return c
	}
	for i, key := range self.keys {
		if c := key.Compare(other.keys[i]); c != 0 {
			return c
		}
	}
	return 0
}

// MapKey is a canonical encoding used to key maps by node name.
func (self NodeName) MapKey() string {
	var b strings.Builder
	for _, key := range self.keys {
		b.WriteString(key.Domain)
		b.WriteByte(0)
		b.WriteString(key.Value)
		b.WriteByte(0)
	}
	return b.String()
}

func (self NodeName) ToJson() jsonv.Object {
	obj := jsonv.NewObject()
	for _, key := range self.keys {
		obj = obj.With(key.Domain, jsonv.NewString(key.Value))
	}
	return obj
}

func (self NodeName) String() string {
	parts := make([]string, len(self.keys))
	for i, key := range self.keys {
		parts[i] = key.Domain + ": " + key.Value
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
