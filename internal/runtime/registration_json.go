package runtime

import (
	"context"

	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/handlers"
	"github.com/qollective/qollective/transport/events"
)

// RegisterHandler registers a typed request handler under route, a
// "/"-separated path. NATS serves it on the subject with "/" mapped to
// ".", gRPC as Service/Method when the route has exactly two segments, and
// HTTP and WebSocket on the path itself.
func RegisterHandler[T, R any](rt *Runtime, route string, h handlers.Typed[T, R], opts ...RouteOption) error {
	if rt == nil {
		return qerrors.ErrRuntimeRequired
	}
	handler, err := handlers.Wrap(route, h, rt.Logger)
	if err != nil {
		return err
	}
	return rt.Register(handler, opts...)
}

// RegisterEventHandler consumes typed events published on topic. Events
// whose payload does not decode into T are unprocessable and go straight
// to the poison queue.
func RegisterEventHandler[T any](rt *Runtime, name, topic string, h func(ctx context.Context, env envelope.Envelope[T]) error) error {
	if rt == nil {
		return qerrors.ErrRuntimeRequired
	}
	if h == nil {
		return qerrors.ErrHandlerRequired
	}
	return rt.HandleEvent(name, topic, func(ctx context.Context, raw envelope.RawEnvelope) error {
		env, err := envelope.FromRaw[T](raw)
		if err != nil {
			return &events.UnprocessableError{Topic: topic, Err: qerrors.Deserialization(err, raw.Payload)}
		}
		return h(ctx, env)
	})
}
