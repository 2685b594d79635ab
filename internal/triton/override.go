package triton

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Config is a model configuration: parameter name to value.
type Config map[string]any

// Int returns key as an integer when the stored value is numeric or a numeric string.
func (c Config) Int(key string) (int64, bool) {
	switch v := c[key].(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			f, ferr := v.Float64()
			if ferr != nil || f != float64(int64(f)) {
				return 0, false
			}
			return int64(f), true
		}
		return n, true
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// Keys returns the parameter names in sorted order.
func (c Config) Keys() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ParseOverride validates override text. It must be exactly one JSON object
// whose values are scalars; anything nested is rejected.
func ParseOverride(text string) (Config, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("empty override")
	}

	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after override object")
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("override must be a JSON object, got %T", raw)
	}

	out := make(Config, len(obj))
	for k, v := range obj {
		if strings.TrimSpace(k) == "" {
			return nil, errors.New("override contains an empty key")
		}
		switch v.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("override key %q: nested values are not allowed", k)
		}
		out[k] = v
	}
	return out, nil
}
