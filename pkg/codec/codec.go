// Package codec defines the marshaling seam between the protocol engine and
// the wire representation, along with the JSON implementation used by the
// noex protocol.
package codec

import "encoding/json"

type Marshaler interface {
	Marshal(v any) ([]byte, error)
}

type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
}

// Codec is both a Marshaler and an Unmarshaler.
type Codec interface {
	Marshaler
	Unmarshaler
}

// JSON is the default codec. The noex server speaks JSON text frames, so this
// is what you want unless you are testing the engine against a fake peer with
// a different encoding.
type JSON struct{}

// New returns the default JSON codec.
func New() *JSON {
	return &JSON{}
}

func (*JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (*JSON) Unmarshal(data []byte, dst any) error {
	return json.Unmarshal(data, dst)
}
