package attr

import (
	"fmt"
	"slices"
	"unicode/utf16"
)

// Value is a sealed interface over the attribute value types a managed
// object can carry. Only Null, String, Int and Bool implement it.
// There is no float kind: sort keys must compare exactly.
type Value interface {
	attrValue()
}

// Null is the value of an unset optional attribute.
type Null struct{}

func (Null) attrValue() {}

// String is a text attribute value.
type String string

func (String) attrValue() {}

// Int is an integer attribute value. Always int64.
type Int int64

func (Int) attrValue() {}

// Bool is a boolean attribute value.
type Bool bool

func (Bool) attrValue() {}

// Kind names the type of an attribute as declared in a model.
type Kind string

const (
	KindNull   Kind = "null"
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindBool   Kind = "bool"
)

// KindOf returns the kind of v. A nil Value is reported as KindNull.
func KindOf(v Value) Kind {
	switch v.(type) {
	case String:
		return KindString
	case Int:
		return KindInt
	case Bool:
		return KindBool
	default:
		return KindNull
	}
}

// Object maps attribute names to values.
// Use SortedKeys() for deterministic iteration.
type Object map[string]Value

// Get returns the value for name, or Null if the attribute is absent.
func (o Object) Get(name string) Value {
	if v, ok := o[name]; ok && v != nil {
		return v
	}
	return Null{}
}

// Clone returns a shallow copy. Values are immutable so this is a full copy.
func (o Object) Clone() Object {
	if o == nil {
		return Object{}
	}
	out := make(Object, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Merge returns a copy of o with every key of patch applied on top.
func (o Object) Merge(patch Object) Object {
	out := o.Clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Equal reports whether both objects hold the same attributes and values.
// An absent key and an explicit Null are equal.
func (o Object) Equal(other Object) bool {
	for k := range o {
		if !Equal(o.Get(k), other.Get(k)) {
			return false
		}
	}
	for k := range other {
		if !Equal(o.Get(k), other.Get(k)) {
			return false
		}
	}
	return true
}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// Go's sort.Strings orders by UTF-8 bytes, which differs for some inputs.
func (o Object) SortedKeys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// Equal reports whether two values have the same kind and content.
func Equal(a, b Value) bool {
	return Compare(a, b) == 0 && KindOf(a) == KindOf(b)
}

// kindRank orders values of different kinds: null < bool < int < string.
func kindRank(v Value) int {
	switch v.(type) {
	case Bool:
		return 1
	case Int:
		return 2
	case String:
		return 3
	default:
		return 0
	}
}

// Compare orders two values. Values of different kinds order by kind
// (null < bool < int < string); strings compare by byte order. Callers that
// need locale-aware text order compare strings themselves.
func Compare(a, b Value) int {
	ra, rb := kindRank(a), kindRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch av := a.(type) {
	case Bool:
		bv := b.(Bool)
		switch {
		case av == bv:
			return 0
		case !bool(av):
			return -1
		}
		return 1
	case Int:
		bv := b.(Int)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case String:
		bv := b.(String)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	}
	return 0
}

// FromGo converts a decoded YAML/JSON scalar or a Go literal into a Value.
// Floats are rejected unless they hold an integral value, which is how
// some decoders surface plain numbers.
func FromGo(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint:
		return Int(val), nil
	case uint32:
		return Int(val), nil
	case float64:
		if val != float64(int64(val)) {
			return nil, fmt.Errorf("floats are not attribute values: %v", val)
		}
		return Int(int64(val)), nil
	default:
		return nil, fmt.Errorf("unsupported attribute value type: %T", v)
	}
}

// ObjectFromMap converts a map of Go values into an Object.
func ObjectFromMap(m map[string]any) (Object, error) {
	obj := make(Object, len(m))
	for k, raw := range m {
		v, err := FromGo(raw)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		obj[k] = v
	}
	return obj, nil
}

// ToGo converts a Value back into a plain Go value (nil, string, int64, bool).
func ToGo(v Value) any {
	switch val := v.(type) {
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Bool:
		return bool(val)
	default:
		return nil
	}
}
