package bus

import "encoding/json"

// Envelope serializes a method result. Errors are never raised as bus
// exceptions; they travel inside the envelope.
func Envelope(payload map[string]any, err error) string {
	m := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		m[k] = v
	}
	if err != nil {
		m["success"] = false
		m["error"] = err.Error()
	} else {
		m["success"] = true
	}
	out, marshalErr := json.Marshal(m)
	if marshalErr != nil {
		return `{"success":false,"error":"failed to serialize result"}`
	}
	return string(out)
}

// DecodeEnvelope parses an envelope string into a map.
func DecodeEnvelope(s string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Success reports whether a decoded envelope carries success=true.
func Success(m map[string]any) bool {
	ok, _ := m["success"].(bool)
	return ok
}
