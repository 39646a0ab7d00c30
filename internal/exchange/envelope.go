package exchange

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Envelope wraps one KIS REST response: HTTP status plus the vendor body
// fields. Body keys are sanitized (hyphens and spaces become underscores)
// so callers can address them uniformly. An unparseable body is replaced
// with a synthetic rt_cd="999" error body rather than failing the call.
type Envelope struct {
	Status int
	body   map[string]any
}

// NewEnvelope parses a raw response body into an Envelope.
func NewEnvelope(status int, raw []byte) *Envelope {
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed == nil {
		parsed = map[string]any{
			"rt_cd": "999",
			"msg1":  "JSON Decode Error",
		}
	}
	body := make(map[string]any, len(parsed))
	for k, v := range parsed {
		body[sanitizeKey(k)] = v
	}
	return &Envelope{Status: status, body: body}
}

func sanitizeKey(k string) string {
	return strings.NewReplacer("-", "_", " ", "_").Replace(k)
}

// RtCd returns the vendor return code, "" when absent.
func (e *Envelope) RtCd() string {
	s, _ := e.body["rt_cd"].(string)
	return s
}

// Msg1 returns the vendor message, "" when absent.
func (e *Envelope) Msg1() string {
	s, _ := e.body["msg1"].(string)
	return s
}

// IsOK reports success: HTTP 200 and rt_cd of "0" or absent.
func (e *Envelope) IsOK() bool {
	if e.Status != http.StatusOK {
		return false
	}
	rt := e.RtCd()
	return rt == "0" || rt == ""
}

// Err returns a wrapped ErrVendor describing the failure, or nil when OK.
func (e *Envelope) Err() error {
	if e.IsOK() {
		return nil
	}
	return fmt.Errorf("%w: status=%d rt_cd=%q msg=%q", ErrVendor, e.Status, e.RtCd(), e.Msg1())
}

// Output returns a top-level body value by sanitized key, or def when the
// key is absent.
func (e *Envelope) Output(key string, def any) any {
	if v, ok := e.body[sanitizeKey(key)]; ok {
		return v
	}
	return def
}

// OutputMap returns a body value as a map, or nil. KIS wraps most payloads
// in an "output" (or "output1"/"output2") object.
func (e *Envelope) OutputMap(key string) map[string]any {
	m, _ := e.Output(key, nil).(map[string]any)
	return m
}

// OutputSlice returns a body value as a list of objects, or nil.
func (e *Envelope) OutputSlice(key string) []map[string]any {
	raw, _ := e.Output(key, nil).([]any)
	if raw == nil {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
