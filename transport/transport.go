// Package transport defines the surface shared by every qollective transport:
// the protocol families, endpoint parsing, the Sender and Receiver contracts
// that clients and servers implement, probed endpoint capabilities and the
// registry the hybrid dispatcher selects senders from.
//
// Concrete transports live in sub-packages (nats, grpc, http, websocket) and
// the dispatcher in hybrid.
package transport

import (
	"context"

	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/handlers"
)

// Sender sends envelopes to an endpoint and returns the reply envelope.
// A reply carrying an error member is returned together with the
// corresponding Remote error.
type Sender interface {
	Protocol() Protocol
	Send(ctx context.Context, endpoint Endpoint, req envelope.RawEnvelope) (envelope.RawEnvelope, error)
}

// RawSender sends plain bytes on the transport's native, non-enveloped path.
type RawSender interface {
	SendRaw(ctx context.Context, endpoint Endpoint, body []byte) ([]byte, error)
}

// Prober answers a capability probe with at most one round trip.
type Prober interface {
	Probe(ctx context.Context, endpoint Endpoint) (Capabilities, error)
}

// Receiver hosts handlers on one transport. Registration happens before
// Start; Shutdown is idempotent.
type Receiver interface {
	Register(h handlers.Handler) error
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// FeaturesProvider is implemented by transports that describe their static
// feature set.
type FeaturesProvider interface {
	Features() Features
}

// Send encodes a typed request, sends it with s and decodes the reply into R.
func Send[T, R any](ctx context.Context, s Sender, endpoint Endpoint, req envelope.Envelope[T]) (envelope.Envelope[R], error) {
	raw, err := envelope.ToRaw(req)
	if err != nil {
		return envelope.Envelope[R]{}, qerrors.Serialization(err, nil)
	}
	resp, err := s.Send(ctx, endpoint, raw)
	if err != nil && resp.Error == nil {
		return envelope.Envelope[R]{}, err
	}
	return DecodeReply[R](resp)
}

// DecodeReply converts a raw reply into a typed one. An error member is
// surfaced as a Remote error next to the decoded envelope.
func DecodeReply[R any](resp envelope.RawEnvelope) (envelope.Envelope[R], error) {
	out, err := envelope.FromRaw[R](resp)
	if err != nil {
		return envelope.Envelope[R]{}, qerrors.Deserialization(err, resp.Payload)
	}
	if out.Error != nil {
		return out, RemoteError(out.Error)
	}
	return out, nil
}

// RemoteError rebuilds the error reported by a peer's error envelope.
func RemoteError(info *envelope.ErrorInfo) error {
	if info == nil {
		return nil
	}
	return qerrors.Remote(info.Code, info.Message)
}
