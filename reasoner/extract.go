package reasoner

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSONObject is returned when no JSON object can be recovered from
// model output.
var ErrNoJSONObject = errors.New("no JSON object found in response")

// ExtractJSONObject decodes a JSON object from model output into v. The
// whole trimmed text is tried first, then the span from the first '{' to
// the last '}', which covers fenced blocks and surrounding prose.
func ExtractJSONObject(text string, v any) error {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal([]byte(trimmed), v); err == nil {
			return nil
		}
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end <= start {
		return ErrNoJSONObject
	}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), v); err != nil {
		return errors.Join(ErrNoJSONObject, err)
	}
	return nil
}
