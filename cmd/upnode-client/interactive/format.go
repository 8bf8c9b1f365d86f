package interactive

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseArgs parses the argument part of a call command as JSON. Bare words
// that are not valid JSON are taken as strings; empty input means no
// arguments.
func ParseArgs(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		if strings.ContainsAny(s[:1], `[{"`) {
			return nil, fmt.Errorf("invalid JSON arguments: %w", err)
		}
		return s, nil
	}
	return v, nil
}

// FormatResult renders a decoded reply as JSON.
func FormatResult(v any) string {
	data, err := json.Marshal(normalize(v))
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// normalize converts maps with non-string keys, as produced by the CBOR
// decoder, into JSON-compatible values.
func normalize(v any) any {
	switch t := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalize(val)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = normalize(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = normalize(val)
		}
		return s
	case []byte:
		return fmt.Sprintf("%x", t)
	default:
		return v
	}
}
