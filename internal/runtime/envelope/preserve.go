package envelope

import (
	"maps"
	"time"

	"github.com/qollective/qollective/internal/runtime/ids"
)

// PreserveForResponse derives the reply meta from the request meta. Identity,
// tenancy, delegation and version carry over; tracing keeps the trace and
// continues it with a fresh span parented on the caller's span. Security,
// debug, performance, monitoring, duration and extensions are responder-local
// and start empty.
func PreserveForResponse(req Meta) Meta {
	resp := Meta{
		RequestID: req.RequestID,
		Version:   req.Version,
		Tenant:    req.Tenant,
	}
	if req.Timestamp != nil {
		ts := *req.Timestamp
		resp.Timestamp = &ts
	} else {
		now := time.Now().UTC()
		resp.Timestamp = &now
	}
	if req.OnBehalfOf != nil {
		obo := *req.OnBehalfOf
		resp.OnBehalfOf = &obo
	}
	if req.Tracing != nil {
		resp.Tracing = &TracingMeta{
			TraceID:      req.Tracing.TraceID,
			SpanID:       ids.NewSpanID(),
			ParentSpanID: req.Tracing.SpanID,
			Baggage:      maps.Clone(req.Tracing.Baggage),
			Sampled:      req.Tracing.Sampled,
			SamplingRate: req.Tracing.SamplingRate,
			TraceState:   req.Tracing.TraceState,
		}
	}
	return resp
}

// Reply builds the success reply to req carrying payload.
func Reply[T, R any](req Envelope[T], payload R) Envelope[R] {
	return Envelope[R]{Meta: PreserveForResponse(req.Meta), Payload: payload}
}

// ReplyError builds the failure reply to req.
func ReplyError[R any](reqMeta Meta, code, message string, details any) Envelope[R] {
	return NewError[R](PreserveForResponse(reqMeta), code, message, details)
}

// ChildSpan returns tracing for an outbound hop made while handling a request
// with the given tracing. A nil parent starts a new trace.
func ChildSpan(parent *TracingMeta) *TracingMeta {
	if parent == nil || parent.TraceID == "" {
		return &TracingMeta{TraceID: ids.NewTraceID(), SpanID: ids.NewSpanID()}
	}
	child := parent.clone()
	child.ParentSpanID = parent.SpanID
	child.SpanID = ids.NewSpanID()
	child.SpanStatus = nil
	return child
}
