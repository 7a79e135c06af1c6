// Package proto defines the noex wire frames and their classification.
//
// Every frame is one JSON object with a "type" discriminator. Outbound
// requests carry a client-assigned integer correlation id and the payload
// fields flattened into the frame object. Inbound frames are one of:
// response ("result" or "error", keyed by id), push update (keyed by
// subscriptionId), welcome, ping, or system notice.
package proto

import (
	"encoding/json"
	"fmt"

	"github.com/noex-io/noex.go/pkg/codec"
)

type FrameType string

const (
	FrameResult  FrameType = "result"
	FrameError   FrameType = "error"
	FramePush    FrameType = "push"
	FrameWelcome FrameType = "welcome"
	FramePing    FrameType = "ping"
	FramePong    FrameType = "pong"
	FrameSystem  FrameType = "system"
)

// SystemSessionRevoked is the system notice sent when the server invalidates
// the current session.
const SystemSessionRevoked = "session_revoked"

// Frame is the superset of every inbound frame shape. Decode one with
// Decode, then dispatch on Classify.
type Frame struct {
	Type FrameType `json:"type"`
	ID   *uint64   `json:"id,omitempty"`

	// result and push frames
	Data json.RawMessage `json:"data,omitempty"`

	// error frames
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`

	// push frames
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Channel        string `json:"channel,omitempty"`

	// welcome frames
	Version      string `json:"version,omitempty"`
	ServerTime   int64  `json:"serverTime,omitempty"`
	RequiresAuth bool   `json:"requiresAuth,omitempty"`

	// ping frames
	Timestamp *float64 `json:"timestamp,omitempty"`

	// system frames
	Event  string `json:"event,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Kind is the dispatch classification of an inbound frame. Exactly one Kind
// applies per frame.
type Kind int

const (
	// KindMalformed covers frames that carry a known type but are missing
	// the fields that type requires. They are reported as protocol errors
	// and never crash the session.
	KindMalformed Kind = iota
	KindResponse
	KindPush
	KindWelcome
	KindPing
	KindSessionRevoked
	// KindUnknown covers well-formed frames the client does not understand,
	// such as system notices other than session_revoked. They are ignored.
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindResponse:
		return "response"
	case KindPush:
		return "push"
	case KindWelcome:
		return "welcome"
	case KindPing:
		return "ping"
	case KindSessionRevoked:
		return "session_revoked"
	case KindUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Decode unmarshals one wire frame. A frame that is not a JSON object at all
// is a decode error; field-level problems surface later via Classify.
func Decode(u codec.Unmarshaler, data []byte) (*Frame, error) {
	var f Frame
	if err := u.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("proto: decoding frame: %w", err)
	}
	return &f, nil
}

// Classify maps the frame to exactly one Kind.
func (f *Frame) Classify() Kind {
	switch f.Type {
	case FrameResult, FrameError:
		if f.ID == nil {
			return KindMalformed
		}
		return KindResponse
	case FramePush:
		if f.SubscriptionID == "" || f.Channel == "" {
			return KindMalformed
		}
		return KindPush
	case FrameWelcome:
		return KindWelcome
	case FramePing:
		if f.Timestamp == nil {
			return KindMalformed
		}
		return KindPing
	case FrameSystem:
		if f.Event == SystemSessionRevoked {
			return KindSessionRevoked
		}
		return KindUnknown
	case "":
		return KindMalformed
	default:
		return KindUnknown
	}
}

// Welcome carries the first frame the server sends on every physical
// connection.
type Welcome struct {
	Version      string
	ServerTime   int64
	RequiresAuth bool
}

// Welcome extracts the welcome info from a KindWelcome frame.
func (f *Frame) Welcome() Welcome {
	return Welcome{
		Version:      f.Version,
		ServerTime:   f.ServerTime,
		RequiresAuth: f.RequiresAuth,
	}
}

// Err extracts the server error from a FrameError response, or nil for a
// result frame.
func (f *Frame) Err() *RPCError {
	if f.Type != FrameError {
		return nil
	}
	code := f.Code
	if code == "" {
		code = "UNKNOWN"
	}
	msg := f.Message
	if msg == "" {
		msg = "unknown server error"
	}
	return &RPCError{Code: code, Message: msg, Details: f.Details}
}

// RevokedReason returns the reason attached to a session_revoked notice,
// defaulting like the server's administrative revocation message.
func (f *Frame) RevokedReason() string {
	if f.Reason == "" {
		return "session revoked by administrator"
	}
	return f.Reason
}

// NewRequest builds the outbound request frame object for the given
// operation. Payload fields are flattened into the frame; the reserved "id"
// and "type" keys are always owned by the engine.
func NewRequest(id uint64, operation string, payload map[string]any) map[string]any {
	frame := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		frame[k] = v
	}
	frame["id"] = id
	frame["type"] = operation
	return frame
}

// NewPong builds the heartbeat reply, echoing the server's timestamp.
func NewPong(timestamp float64) map[string]any {
	return map[string]any{
		"type":      string(FramePong),
		"timestamp": timestamp,
	}
}
