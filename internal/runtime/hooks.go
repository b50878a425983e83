package runtime

import (
	"context"
	"time"

	"github.com/qollective/qollective/internal/runtime/envctx"
	"github.com/qollective/qollective/internal/runtime/envelope"
	"github.com/qollective/qollective/internal/runtime/handlers"
	"github.com/qollective/qollective/internal/runtime/logging"
)

// HookContext describes one handler invocation to hooks.
type HookContext struct {
	HandlerName string
	// Kind is HandlerKindRequest or HandlerKindEvent.
	Kind      string
	Route     string
	Transport string
	RequestID string
	Tenant    string
	Context   context.Context
	StartedAt time.Time
	// Duration is set for OnDone and OnError.
	Duration time.Duration
}

// HandlerHooks are callbacks around handler invocations. Nil hooks are
// skipped.
type HandlerHooks struct {
	OnStart func(hc HookContext)
	OnDone  func(hc HookContext)
	// OnError also fires when a request handler replied with an error
	// envelope.
	OnError func(hc HookContext, err error)
}

// IsZero reports whether no hook is set.
func (h HandlerHooks) IsZero() bool {
	return h.OnStart == nil && h.OnDone == nil && h.OnError == nil
}

// Merge returns hooks calling h first and other second.
func (h HandlerHooks) Merge(other HandlerHooks) HandlerHooks {
	return HandlerHooks{
		OnStart: chainHooks(h.OnStart, other.OnStart),
		OnDone:  chainHooks(h.OnDone, other.OnDone),
		OnError: chainErrorHooks(h.OnError, other.OnError),
	}
}

func chainHooks(a, b func(HookContext)) func(HookContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(hc HookContext) {
		a(hc)
		b(hc)
	}
}

func chainErrorHooks(a, b func(HookContext, error)) func(HookContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(hc HookContext, err error) {
		a(hc, err)
		b(hc, err)
	}
}

// HooksMiddleware invokes hooks around every request and event handler.
func HooksMiddleware(hooks HandlerHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "hooks",
		Middleware: Middleware{Handler: hooksMiddleware(hooks)},
	}
}

func hooksMiddleware(hooks HandlerHooks) HandlerMiddleware {
	return func(info *HandlerInfo, next handlers.Func) handlers.Func {
		return func(ctx context.Context, req envelope.RawEnvelope) (envelope.RawEnvelope, error) {
			hc := newHookContext(ctx, info, req)
			if hooks.OnStart != nil {
				hooks.OnStart(hc)
			}

			resp, err := next(ctx, req)
			hc.Duration = time.Since(hc.StartedAt)

			failure := err
			if failure == nil && resp.Error != nil {
				failure = remoteFailure(resp.Error)
			}
			if failure != nil {
				if hooks.OnError != nil {
					hooks.OnError(hc, failure)
				}
			} else if hooks.OnDone != nil {
				hooks.OnDone(hc)
			}
			return resp, err
		}
	}
}

func newHookContext(ctx context.Context, info *HandlerInfo, req envelope.RawEnvelope) HookContext {
	hc := HookContext{
		HandlerName: info.Name,
		Kind:        info.Kind,
		Route:       info.Route,
		Context:     ctx,
		StartedAt:   time.Now(),
		RequestID:   req.Meta.RequestID,
		Tenant:      req.Meta.Tenant,
	}
	if cur, ok := envctx.FromContext(ctx); ok {
		hc.RequestID = cur.RequestID()
		hc.Tenant = cur.Tenant()
	}
	if r, ok := handlers.RequestFromContext(ctx); ok {
		hc.Transport = r.Transport
	}
	return hc
}

// LoggingHooks logs handler starts at debug level and completions and
// failures at info and error level.
func LoggingHooks(logger logging.ServiceLogger) HandlerHooks {
	logger = logging.OrNop(logger)
	fields := func(hc HookContext) logging.LogFields {
		return logging.LogFields{
			"handler":                   hc.HandlerName,
			logging.FieldRoute:          hc.Route,
			logging.FieldTransport:      hc.Transport,
			logging.FieldRequestID:      hc.RequestID,
			logging.FieldTenant:         hc.Tenant,
			logging.FieldProcessingTime: float64(hc.Duration) / float64(time.Millisecond),
		}
	}
	return HandlerHooks{
		OnStart: func(hc HookContext) {
			logger.Debug("Handler started", fields(hc))
		},
		OnDone: func(hc HookContext) {
			logger.Info("Handler completed", fields(hc))
		},
		OnError: func(hc HookContext, err error) {
			logger.Error("Handler failed", err, fields(hc))
		},
	}
}

// MetricsHooks forwards invocations to counting callbacks.
func MetricsHooks(onStart, onDone, onError func(handlerName, route string)) HandlerHooks {
	var hooks HandlerHooks
	if onStart != nil {
		hooks.OnStart = func(hc HookContext) { onStart(hc.HandlerName, hc.Route) }
	}
	if onDone != nil {
		hooks.OnDone = func(hc HookContext) { onDone(hc.HandlerName, hc.Route) }
	}
	if onError != nil {
		hooks.OnError = func(hc HookContext, _ error) { onError(hc.HandlerName, hc.Route) }
	}
	return hooks
}

// AlertingHooks calls alert for every failed invocation.
func AlertingHooks(alert func(hc HookContext, err error)) HandlerHooks {
	return HandlerHooks{OnError: alert}
}
