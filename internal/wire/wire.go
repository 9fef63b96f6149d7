// Package wire implements the client <-> Agent protocol: decoding a raw
// message record into a typed Msg, validating it against its action
// tag's rules, and framing replies so they carry the right correlation
// fields back to the client.
package wire

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Msg wraps one decoded wire record (request or reply) as a generic
// map of field tags to values, plus typed accessors for the fields the
// Agent actually touches.
type Msg map[string]any

// Action returns the `a` tag, or "" if absent/non-string.
func (m Msg) Action() string {
	s, _ := m["a"].(string)
	return s
}

// String returns field key as a string, and whether it was present and a
// string.
func (m Msg) String(key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Number returns field key as a float64 (the JSON number representation),
// and whether it was present and numeric.
func (m Msg) Number(key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Has reports whether key is present with a non-nil, "truthy" value.
func (m Msg) Has(key string) bool {
	v, ok := m[key]
	if !ok || v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

// Raw re-marshals field key to JSON, for fields the Agent carries through
// opaquely (op, create, s, q, m).
func (m Msg) Raw(key string) (json.RawMessage, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, false
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return b, true
}

// Decode parses a text frame into a Msg. A parse failure is a transport
// error and should close the Agent.
func Decode(text string) (Msg, error) {
	var m Msg
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return nil, fmt.Errorf("wire: parse message: %w", err)
	}
	return m, nil
}

// ErrorBody is the `{code, message}` shape every wire error carries.
type ErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// CodeMalformedRequest is the validation-failure wire code.
const CodeMalformedRequest = 4000

// ValidationError constructs the ErrorBody for a failed request
// validation.
func ValidationError(format string, args ...any) *ErrorBody {
	return &ErrorBody{Code: CodeMalformedRequest, Message: fmt.Sprintf(format, args...)}
}

// Validate checks an incoming request against its action tag's rules.
// A nil return means the request may be dispatched to the Backend.
func Validate(req Msg) *ErrorBody {
	a := req.Action()
	switch a {
	case "qsub", "qfetch", "qunsub", "qresub":
		if _, ok := req.Number("id"); !ok {
			return ValidationError("%q requires numeric 'id'", a)
		}
	case "sub", "unsub", "fetch", "op":
		if v, ok := req["c"]; ok {
			if _, isStr := v.(string); !isStr {
				return ValidationError("'c' must be a string")
			}
		}
		if v, ok := req["d"]; ok {
			if _, isStr := v.(string); !isStr {
				return ValidationError("'d' must be a string")
			}
		}
		if a == "op" {
			if v, ok := req["v"]; ok && v != nil {
				n, isNum := v.(float64)
				if !isNum || n < 0 || n != float64(int64(n)) {
					return ValidationError("'v' must be a non-negative integer")
				}
			}
		}
	case "bs":
		if _, ok := req["s"].(map[string]any); !ok {
			return ValidationError("'bs' requires structured object 's'")
		}
	default:
		return ValidationError("unknown action %q", a)
	}
	return nil
}

// Frame builds a reply to request r: start from {error:e} if e is set,
// else from body (or an empty map); overlay a:=r.a, and copy
// c, d, id from r when present (truthy).
func Frame(r Msg, errBody *ErrorBody, body map[string]any) map[string]any {
	var out map[string]any
	if errBody != nil {
		out = map[string]any{"error": errBody}
	} else if body != nil {
		out = body
	} else {
		out = map[string]any{}
	}
	out["a"] = r.Action()
	for _, k := range []string{"c", "d", "id"} {
		if r.Has(k) {
			out[k] = r[k]
		}
	}
	return out
}
