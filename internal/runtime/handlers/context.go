package handlers

import (
	"context"

	"github.com/qollective/qollective/internal/runtime/metadata"
)

// Request describes the transport side of an invocation: which route was
// hit, over which transport, and the native headers that came with it.
type Request struct {
	Route      string
	Transport  string
	QueueGroup string
	Headers    metadata.Metadata
}

// Get retrieves a header value by key.
func (r Request) Get(key string) string {
	return r.Headers.Get(key)
}

type requestKey struct{}

// WithRequest binds r to ctx. Servers call it before invoking a handler.
func WithRequest(ctx context.Context, r Request) context.Context {
	return context.WithValue(ctx, requestKey{}, r)
}

// RequestFromContext returns the bound request description, if any.
func RequestFromContext(ctx context.Context) (Request, bool) {
	r, ok := ctx.Value(requestKey{}).(Request)
	return r, ok
}
