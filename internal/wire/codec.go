package wire

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// jsonCodec implements encoding.Codec, registering under the name "proto"
// so grpc-go's default content-subtype picks it up without either side
// having to set a custom CallContentSubtype. Symphony ships no .proto
// file and no protoc-generated types — the Envelope defined in
// messages.go is a plain JSON-tagged struct, and this codec is what
// lets grpc's HTTP/2 framing, flow control and mutual-TLS transport
// carry it instead of an actual protobuf wire format.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: codec marshal: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: codec unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return "proto" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
