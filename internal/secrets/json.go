package secrets

import (
	"bytes"
	"encoding/json"
)

// ScrubJSON redacts secrets inside the string values of a JSON document,
// leaving keys, numbers and structure intact. Input that is not valid JSON
// is scrubbed as text and returned as a JSON string. When nothing is found
// the input is returned unchanged.
func ScrubJSON(s Scrubber, raw json.RawMessage) (json.RawMessage, int) {
	if s == nil || !s.IsEnabled() || len(raw) == 0 {
		return raw, 0
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		res := s.Scrub(string(raw))
		if !res.HasFindings() {
			return raw, 0
		}
		out, _ := json.Marshal(res.Scrubbed)
		return out, res.Count()
	}

	found := 0
	v = scrubValue(s, v, &found)
	if found == 0 {
		return raw, 0
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw, 0
	}
	return out, found
}

func scrubValue(s Scrubber, v any, found *int) any {
	switch t := v.(type) {
	case string:
		res := s.Scrub(t)
		*found += res.Count()
		return res.Scrubbed
	case []any:
		for i := range t {
			t[i] = scrubValue(s, t[i], found)
		}
		return t
	case map[string]any:
		for k, inner := range t {
			t[k] = scrubValue(s, inner, found)
		}
		return t
	default:
		return v
	}
}
