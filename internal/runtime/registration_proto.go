package runtime

import (
	"context"
	"encoding/json"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/handlers"
	"github.com/qollective/qollective/transport/events"
)

var (
	protoJSONMarshalOptions   = protojson.MarshalOptions{EmitUnpopulated: true}
	protoJSONUnmarshalOptions = protojson.UnmarshalOptions{DiscardUnknown: true}
)

// RegisterProtoHandler registers a request handler whose payloads are
// protobuf messages in their canonical JSON mapping.
func RegisterProtoHandler[T, R proto.Message](rt *Runtime, route string, h handlers.Typed[T, R], opts ...RouteOption) error {
	if rt == nil {
		return qerrors.ErrRuntimeRequired
	}
	if h == nil {
		return qerrors.ErrHandlerRequired
	}
	prototype, err := NewProtoMessage[T]()
	if err != nil {
		return err
	}
	if _, err := NewProtoMessage[R](); err != nil {
		return err
	}

	handler, err := handlers.Wrap(route, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		req, err := decodeProto[T](payload)
		if err != nil {
			return nil, err
		}
		out, err := h(ctx, req)
		if err != nil {
			return nil, err
		}
		return encodeProto(out)
	}, rt.Logger)
	if err != nil {
		return err
	}
	handler.RequestType = string(prototype.ProtoReflect().Descriptor().FullName())
	handler.ResponseType = string(MustProtoMessage[R]().ProtoReflect().Descriptor().FullName())
	return rt.Register(handler, opts...)
}

// RegisterProtoEventHandler consumes protobuf events published on topic.
// Events that do not decode into T go straight to the poison queue.
func RegisterProtoEventHandler[T proto.Message](rt *Runtime, name, topic string, h func(ctx context.Context, meta envelope.Meta, event T) error) error {
	if rt == nil {
		return qerrors.ErrRuntimeRequired
	}
	if h == nil {
		return qerrors.ErrHandlerRequired
	}
	if _, err := NewProtoMessage[T](); err != nil {
		return err
	}
	return rt.HandleEvent(name, topic, func(ctx context.Context, raw envelope.RawEnvelope) error {
		event, err := decodeProto[T](raw.Payload)
		if err != nil {
			return &events.UnprocessableError{Topic: topic, Err: err}
		}
		return h(ctx, raw.Meta, event)
	})
}

func decodeProto[T proto.Message](payload json.RawMessage) (T, error) {
	msg, err := NewProtoMessage[T]()
	if err != nil {
		return msg, err
	}
	if len(payload) == 0 || string(payload) == "null" {
		return msg, nil
	}
	if err := protoJSONUnmarshalOptions.Unmarshal(payload, msg); err != nil {
		return msg, qerrors.Deserialization(err, payload)
	}
	return msg, nil
}

func encodeProto(msg proto.Message) (json.RawMessage, error) {
	if msg == nil {
		return json.RawMessage("null"), nil
	}
	body, err := protoJSONMarshalOptions.Marshal(msg)
	if err != nil {
		return nil, qerrors.Serialization(err, nil)
	}
	return body, nil
}
