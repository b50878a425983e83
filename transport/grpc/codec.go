package grpc

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"

	"github.com/qollective/qollective/internal/runtime/protoenv"
)

// wireCodec frames envelopes with the protoenv encoding, passes raw byte
// slices through untouched and falls back to protobuf for generated
// messages such as the health service. It keeps the "proto" name so peers
// see the standard application/grpc content type.
type wireCodec struct{}

func (wireCodec) Name() string { return "proto" }

func (wireCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *protoenv.Envelope:
		return protoenv.Marshal(m)
	case []byte:
		return m, nil
	case *[]byte:
		return *m, nil
	case proto.Message:
		return proto.Marshal(m)
	}
	return nil, fmt.Errorf("grpc codec: cannot marshal %T", v)
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *protoenv.Envelope:
		return protoenv.Unmarshal(data, m)
	case *[]byte:
		*m = append((*m)[:0], data...)
		return nil
	case proto.Message:
		return proto.Unmarshal(data, m)
	}
	return fmt.Errorf("grpc codec: cannot unmarshal into %T", v)
}

var codec encoding.Codec = wireCodec{}
