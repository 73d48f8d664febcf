package capability

import (
	"encoding/json"
	"fmt"
)

// Args is the structured argument payload of an invocation.
type Args map[string]any

// ParseArgs unmarshals a raw JSON object into Args.
func ParseArgs(raw json.RawMessage) (Args, error) {
	if len(raw) == 0 {
		return Args{}, nil
	}
	var args Args
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid capability arguments: %w", err)
	}
	if args == nil {
		args = Args{}
	}
	return args, nil
}

// String extracts a string argument.
func (a Args) String(key string) (string, bool) {
	v, ok := a[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Int extracts an integer argument. JSON numbers decode as float64, and
// numeric strings are accepted too.
func (a Args) Int(key string) (int, bool) {
	v, ok := a[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case string:
		var i int
		if _, err := fmt.Sscanf(n, "%d", &i); err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// Bool extracts a boolean argument.
func (a Args) Bool(key string) (bool, bool) {
	v, ok := a[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// JSON renders the arguments compactly; nil renders as "{}".
func (a Args) JSON() string {
	if a == nil {
		return "{}"
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Sprintf("%v", map[string]any(a))
	}
	return string(data)
}
