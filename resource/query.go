package resource

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/unkn0wn-root/syncache"
)

// Query is one request's filter set. Values must be primitives or slices of
// primitives (no nested objects) so they serialize deterministically - the
// canonical form doubles as a cache-key part.
type Query map[string]any

// Values renders q as url.Values, validating every value's kind.
func (q Query) Values() (url.Values, error) {
	vals := url.Values{}
	for name, v := range q {
		switch t := v.(type) {
		case []string:
			for _, s := range t {
				vals.Add(name, s)
			}
		case []int:
			for _, n := range t {
				vals.Add(name, strconv.Itoa(n))
			}
		case []any:
			for _, el := range t {
				s, err := primString(name, el)
				if err != nil {
					return nil, err
				}
				vals.Add(name, s)
			}
		default:
			s, err := primString(name, v)
			if err != nil {
				return nil, err
			}
			vals.Add(name, s)
		}
	}
	return vals, nil
}

// Canonical returns the sorted, URL-encoded form of q.
func (q Query) Canonical() (string, error) {
	vals, err := q.Values()
	if err != nil {
		return "", err
	}
	return vals.Encode(), nil // Encode sorts by key
}

// KeyFor builds the cache key for one list query: resource name, the
// client's tenant scope, and the canonical query string.
func KeyFor(c *Client, resource string, q Query) (syncache.Key, error) {
	canon, err := q.Canonical()
	if err != nil {
		return syncache.Key{}, err
	}
	return syncache.NewKey(resource, c.schoolID, c.campusID, canon)
}

func primString(name string, v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint:
		return strconv.FormatUint(uint64(t), 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 64), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	default:
		return "", &syncache.ValidationError{
			Field:  name,
			Reason: fmt.Sprintf("unsupported query value type %T (primitives only)", v),
		}
	}
}
