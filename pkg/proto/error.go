package proto

import "encoding/json"

// RPCError is a machine-readable failure reported by the server in an error
// frame. Code and Message are propagated verbatim to the caller that issued
// the request.
type RPCError struct {
	Code    string          `json:"code"`
	Message string          `json:"message,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

func (e *RPCError) Is(target error) bool {
	if target == nil {
		return e == nil
	}

	t, ok := target.(*RPCError)
	if !ok {
		return false
	}
	// A target with no code matches any RPCError; otherwise codes must agree.
	return t.Code == "" || t.Code == e.Code
}
