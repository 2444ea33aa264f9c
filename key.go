package syncache

import (
	"fmt"
	"strconv"
	"strings"
)

// Key identifies one logical query: an ordered tuple of primitive parts
// (resource name, school id, campus id, page, filters...). Equality is
// structural - two keys built from equal parts serialize identically.
// Composite parts (maps, structs, slices) are rejected so the serialized
// form stays deterministic.
type Key struct {
	s string
}

// NewKey builds a Key from primitive parts. Supported kinds: string, bool,
// int, int32, int64, uint, uint32, uint64, float32, float64.
func NewKey(parts ...any) (Key, error) {
	if len(parts) == 0 {
		return Key{}, &ValidationError{Field: "key", Reason: "at least one part required"}
	}
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteByte('|')
		}
		tok, err := keyToken(p)
		if err != nil {
			return Key{}, err
		}
		b.WriteString(tok)
	}
	return Key{s: b.String()}, nil
}

// MustKey is NewKey that panics on invalid parts. For constants and tests.
func MustKey(parts ...any) Key {
	k, err := NewKey(parts...)
	if err != nil {
		panic(err)
	}
	return k
}

// String returns the canonical serialized form.
func (k Key) String() string { return k.s }

// IsZero reports whether k was never built via NewKey.
func (k Key) IsZero() bool { return k.s == "" }

// keyToken renders one part with a kind tag. Strings are length-prefixed so
// a string containing the separator cannot collide with a multi-part key.
func keyToken(p any) (string, error) {
	switch v := p.(type) {
	case string:
		return "s" + strconv.Itoa(len(v)) + ":" + v, nil
	case bool:
		if v {
			return "b1", nil
		}
		return "b0", nil
	case int:
		return "i" + strconv.FormatInt(int64(v), 10), nil
	case int32:
		return "i" + strconv.FormatInt(int64(v), 10), nil
	case int64:
		return "i" + strconv.FormatInt(v, 10), nil
	case uint:
		return "u" + strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return "u" + strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return "u" + strconv.FormatUint(v, 10), nil
	case float32:
		return "f" + strconv.FormatFloat(float64(v), 'g', -1, 64), nil
	case float64:
		return "f" + strconv.FormatFloat(v, 'g', -1, 64), nil
	default:
		return "", &ValidationError{
			Field:  "key",
			Reason: fmt.Sprintf("unsupported part type %T (primitives only)", p),
		}
	}
}
