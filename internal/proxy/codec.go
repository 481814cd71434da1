// ABOUTME: gRPC codec that passes proxied message bodies through as raw bytes
// ABOUTME: Falls back to protobuf for locally served services

package proxy

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"
)

// Frame is an undecoded gRPC message body.
type Frame struct {
	payload []byte
}

// Payload returns the raw message bytes.
func (f *Frame) Payload() []byte { return f.payload }

// NewFrame wraps raw message bytes.
func NewFrame(payload []byte) *Frame { return &Frame{payload: payload} }

// rawCodec marshals *Frame verbatim and anything else as protobuf. It is
// named "proto" so it replaces the default codec on the connections and
// servers it is forced on.
type rawCodec struct{}

// Codec returns the raw-frame codec.
func Codec() encoding.Codec { return rawCodec{} }

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *Frame:
		return m.payload, nil
	case proto.Message:
		return proto.Marshal(m)
	default:
		return nil, fmt.Errorf("proxy codec: cannot marshal %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *Frame:
		m.payload = append([]byte(nil), data...)
		return nil
	case proto.Message:
		return proto.Unmarshal(data, m)
	default:
		return fmt.Errorf("proxy codec: cannot unmarshal into %T", v)
	}
}

func (rawCodec) Name() string { return "proto" }
