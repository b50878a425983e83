// Package envctx binds envelope metadata to a context.Context so it follows a
// request through handler code and into outbound calls.
package envctx

import (
	"context"
	"maps"

	"github.com/qollective/qollective/internal/runtime/envelope"
)

// Context wraps the metadata of the request being handled.
type Context struct {
	meta envelope.Meta
}

// New wraps meta. The wrapper keeps its own copy.
func New(meta envelope.Meta) *Context {
	return &Context{meta: meta.Clone()}
}

// Empty returns a context with no metadata.
func Empty() *Context {
	return &Context{}
}

// Meta returns a copy of the wrapped metadata.
func (c *Context) Meta() envelope.Meta {
	if c == nil {
		return envelope.Meta{}
	}
	return c.meta.Clone()
}

func (c *Context) Tenant() string {
	if c == nil {
		return ""
	}
	return c.meta.Tenant
}

func (c *Context) RequestID() string {
	if c == nil {
		return ""
	}
	return c.meta.RequestID
}

func (c *Context) Tracing() *envelope.TracingMeta {
	if c == nil || c.meta.Tracing == nil {
		return nil
	}
	return c.meta.Clone().Tracing
}

type ctxKey struct{}

// WithContext binds c to ctx. Handlers receive a ctx built this way.
func WithContext(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// WithMeta is shorthand for WithContext(ctx, New(meta)).
func WithMeta(ctx context.Context, meta envelope.Meta) context.Context {
	return WithContext(ctx, New(meta))
}

// FromContext returns the bound context, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	if ctx == nil {
		return nil, false
	}
	c, ok := ctx.Value(ctxKey{}).(*Context)
	return c, ok && c != nil
}

// Current returns the bound context, or an empty one.
func Current(ctx context.Context) *Context {
	if c, ok := FromContext(ctx); ok {
		return c
	}
	return Empty()
}

// Merge combines two contexts. Every field set in overlay wins. Tracing keeps
// overlay's trace_id when present, else base's; baggage and tags are unioned
// with overlay winning on key collisions.
func Merge(base, overlay *Context) *Context {
	if base == nil {
		base = Empty()
	}
	if overlay == nil {
		return New(base.meta)
	}
	b := base.meta.Clone()
	o := overlay.meta.Clone()

	out := b
	if o.Timestamp != nil {
		out.Timestamp = o.Timestamp
	}
	if o.RequestID != "" {
		out.RequestID = o.RequestID
	}
	if o.Version != "" {
		out.Version = o.Version
	}
	if o.DurationMS != nil {
		out.DurationMS = o.DurationMS
	}
	if o.Tenant != "" {
		out.Tenant = o.Tenant
	}
	if o.OnBehalfOf != nil {
		out.OnBehalfOf = o.OnBehalfOf
	}
	if o.Security != nil {
		out.Security = o.Security
	}
	if o.Debug != nil {
		out.Debug = o.Debug
	}
	if o.Performance != nil {
		out.Performance = o.Performance
	}
	if o.Monitoring != nil {
		out.Monitoring = o.Monitoring
	}
	out.Tracing = mergeTracing(b.Tracing, o.Tracing)
	if len(o.Extensions) > 0 {
		if out.Extensions == nil {
			out.Extensions = o.Extensions
		} else {
			maps.Copy(out.Extensions, o.Extensions)
		}
	}
	return &Context{meta: out}
}

func mergeTracing(base, overlay *envelope.TracingMeta) *envelope.TracingMeta {
	if overlay == nil {
		return base
	}
	if base == nil {
		return overlay
	}
	out := *base
	if overlay.TraceID != "" {
		out.TraceID = overlay.TraceID
	}
	if overlay.SpanID != "" {
		out.SpanID = overlay.SpanID
	}
	if overlay.ParentSpanID != "" {
		out.ParentSpanID = overlay.ParentSpanID
	}
	if overlay.Sampled != nil {
		out.Sampled = overlay.Sampled
	}
	if overlay.SamplingRate != nil {
		out.SamplingRate = overlay.SamplingRate
	}
	if overlay.TraceState != "" {
		out.TraceState = overlay.TraceState
	}
	if overlay.OperationName != "" {
		out.OperationName = overlay.OperationName
	}
	if overlay.SpanKind != envelope.SpanKindUnspecified {
		out.SpanKind = overlay.SpanKind
	}
	if overlay.SpanStatus != nil {
		out.SpanStatus = overlay.SpanStatus
	}
	out.Baggage = unionMaps(base.Baggage, overlay.Baggage)
	out.Tags = unionMaps(base.Tags, overlay.Tags)
	return &out
}

func unionMaps[V any](base, overlay map[string]V) map[string]V {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	out := make(map[string]V, len(base)+len(overlay))
	maps.Copy(out, base)
	maps.Copy(out, overlay)
	return out
}

// Inherit fills outbound meta from the context bound to ctx. Tenant and
// on_behalf_of are copied only when meta leaves them unset; tracing continues
// the current trace with a fresh child span unless meta already names a trace.
func Inherit(ctx context.Context, meta *envelope.Meta) {
	cur, ok := FromContext(ctx)
	if !ok || meta == nil {
		return
	}
	if meta.Tenant == "" {
		meta.Tenant = cur.meta.Tenant
	}
	if meta.OnBehalfOf == nil && cur.meta.OnBehalfOf != nil {
		obo := *cur.meta.OnBehalfOf
		meta.OnBehalfOf = &obo
	}
	if meta.Tracing == nil || meta.Tracing.TraceID == "" {
		if cur.meta.Tracing != nil && cur.meta.Tracing.TraceID != "" {
			child := envelope.ChildSpan(cur.meta.Tracing)
			if meta.Tracing != nil {
				child = mergeTracing(child, meta.Tracing)
			}
			meta.Tracing = child
		}
	}
}
