package store

import (
	"encoding/json"

	"github.com/substrateops/foreman/pkg/types"
)

// decodeAs coerces a WAL value to its typed form. Replayed values arrive as
// generic decoded JSON; values recorded in-process may already be typed.
func decodeAs[T any](value any) (*T, error) {
	if typed, ok := value.(*T); ok {
		return typed, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, types.Invalid("re-encoding WAL value")
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, types.Invalid("decoding WAL value: %v", err)
	}
	return out, nil
}

func decodeStringSlice(value any) ([]string, error) {
	switch v := value.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, types.Invalid("WAL string slice holds non-string member")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, types.Invalid("WAL value is not a string slice")
	}
}
