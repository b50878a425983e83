package runtime

import (
	"context"

	"google.golang.org/protobuf/proto"

	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
)

// PublishEnvelope emits env on topic. Missing request IDs and timestamps
// are filled and the context bound to ctx is inherited.
func (rt *Runtime) PublishEnvelope(ctx context.Context, topic string, env envelope.RawEnvelope) error {
	if rt == nil {
		return qerrors.ErrRuntimeRequired
	}
	if rt.bus == nil {
		return qerrors.New(qerrors.KindFeatureNotEnabled, "event bus is disabled")
	}
	return rt.bus.PublishEnvelope(ctx, topic, env)
}

// PublishEvent wraps payload in a fresh envelope and publishes it on topic.
func PublishEvent[T any](ctx context.Context, rt *Runtime, topic string, payload T) error {
	raw, err := envelope.ToRaw(envelope.New(envelope.Meta{}, payload))
	if err != nil {
		return err
	}
	return rt.PublishEnvelope(ctx, topic, raw)
}

// PublishProto publishes a protobuf event using its canonical JSON mapping
// as the envelope payload.
func PublishProto(ctx context.Context, rt *Runtime, topic string, event proto.Message) error {
	if event == nil {
		return qerrors.Validation("event payload is required")
	}
	body, err := encodeProto(event)
	if err != nil {
		return err
	}
	return rt.PublishEnvelope(ctx, topic, envelope.RawEnvelope{Payload: body})
}
