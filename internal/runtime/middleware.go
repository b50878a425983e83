package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	wmmetrics "github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	wmmiddleware "github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/qollective/qollective/internal/runtime/envctx"
	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/handlers"
	"github.com/qollective/qollective/internal/runtime/ids"
	"github.com/qollective/qollective/internal/runtime/logging"
	"github.com/qollective/qollective/internal/runtime/metadata"
	"github.com/qollective/qollective/transport/events"
)

const tracerName = "github.com/qollective/qollective"

// HandlerMiddleware wraps the envelope handler of one request route or
// event consumer. It is applied when the handler is registered.
type HandlerMiddleware func(info *HandlerInfo, next handlers.Func) handlers.Func

// Middleware holds the two places a registration can hook into. Handler
// wraps every request and event handler; Event wraps the watermill router
// the event bus runs on and sees raw messages, acks and retries.
type Middleware struct {
	Handler HandlerMiddleware
	Event   message.HandlerMiddleware
}

func (m Middleware) isZero() bool {
	return m.Handler == nil && m.Event == nil
}

// MiddlewareBuilder constructs a middleware for the runtime it is
// registered on. A zero Middleware skips the registration.
type MiddlewareBuilder func(*Runtime) (Middleware, error)

// MiddlewareRegistration names a middleware and how to build it.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises in-process redelivery of failing events.
type RetryMiddlewareConfig struct {
	// MaxRetries defaults to Config.EventsMaxRetries; a negative value
	// disables retries.
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RetryIf narrows which errors are retried. Unprocessable events are
	// never retried.
	RetryIf func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults(maxRetries int) RetryMiddlewareConfig {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = maxRetries
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	return cfg
}

// DefaultMiddlewares returns the chain New registers unless disabled.
// Earlier entries wrap later ones.
func DefaultMiddlewares(retry RetryMiddlewareConfig) []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		PoisonQueueMiddleware(nil),
		RetryMiddleware(retry),
		RecovererMiddleware(),
	}
}

// RegisterMiddleware adds a middleware to the chain. Handler middlewares
// apply to handlers registered afterwards.
func (rt *Runtime) RegisterMiddleware(reg MiddlewareRegistration) error {
	if rt == nil {
		return qerrors.ErrRuntimeRequired
	}

	mw := reg.Middleware
	switch {
	case !mw.isZero():
	case reg.Builder != nil:
		var err error
		if mw, err = reg.Builder(rt); err != nil {
			return err
		}
	default:
		return qerrors.Config("middleware %q requires Middleware or Builder", reg.Name)
	}

	if mw.Handler != nil {
		rt.mu.Lock()
		rt.chain = append(rt.chain, mw.Handler)
		rt.mu.Unlock()
	}
	if mw.Event != nil && rt.bus != nil {
		rt.bus.Use(mw.Event)
	}
	return nil
}

func (rt *Runtime) registerConfiguredMiddlewares(opts Options) error {
	var defaults []MiddlewareRegistration
	if !opts.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares(opts.Retry)
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(opts.Middlewares)+1)
	hooked := opts.Hooks.IsZero()
	for _, reg := range defaults {
		// Hooks run inside the recoverer so they observe recovered panics.
		if reg.Name == "recoverer" && !hooked {
			registrations = append(registrations, HooksMiddleware(opts.Hooks))
			hooked = true
		}
		registrations = append(registrations, reg)
	}
	if !hooked {
		registrations = append(registrations, HooksMiddleware(opts.Hooks))
	}
	registrations = append(registrations, opts.Middlewares...)

	for _, reg := range registrations {
		if err := rt.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (rt *Runtime) applyChain(info *HandlerInfo, fn handlers.Func) handlers.Func {
	rt.mu.RLock()
	chain := append([]HandlerMiddleware(nil), rt.chain...)
	rt.mu.RUnlock()

	for i := len(chain) - 1; i >= 0; i-- {
		fn = chain[i](info, fn)
	}
	return fn
}

// CorrelationIDMiddleware gives events without a request id header one,
// so retries and poison records of one event correlate.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: Middleware{Event: func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				if msg.Metadata.Get(metadata.HeaderRequestID) == "" {
					msg.Metadata.Set(metadata.HeaderRequestID, ids.NewRequestID())
				}
				return h(msg)
			}
		}},
	}
}

// LogMessagesMiddleware logs every handled request and event at debug
// level. Payloads are never logged.
func LogMessagesMiddleware(logger logging.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(rt *Runtime) (Middleware, error) {
			l := logger
			if l == nil {
				l = rt.Logger
			}
			if l == nil {
				return Middleware{}, qerrors.ErrLoggerRequired
			}
			return Middleware{Handler: logMessagesMiddleware(l)}, nil
		},
	}
}

func logMessagesMiddleware(logger logging.ServiceLogger) HandlerMiddleware {
	return func(info *HandlerInfo, next handlers.Func) handlers.Func {
		return func(ctx context.Context, req envelope.RawEnvelope) (envelope.RawEnvelope, error) {
			fields := logging.LogFields{
				"handler":              info.Name,
				"kind":                 info.Kind,
				logging.FieldRoute:     info.Route,
				logging.FieldRequestID: envctx.Current(ctx).RequestID(),
				logging.FieldTenant:    envctx.Current(ctx).Tenant(),
			}
			if r, ok := handlers.RequestFromContext(ctx); ok {
				fields[logging.FieldTransport] = r.Transport
			}
			logger.Debug("Processing message", fields)
			return next(ctx, req)
		}
	}
}

// TracerMiddleware runs every handler in an OpenTelemetry span. When the
// envelope carries a trace, the span continues it.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: Middleware{Handler: tracerMiddleware()},
	}
}

func tracerMiddleware() HandlerMiddleware {
	return func(info *HandlerInfo, next handlers.Func) handlers.Func {
		kind := trace.SpanKindServer
		if info.Kind == HandlerKindEvent {
			kind = trace.SpanKindConsumer
		}
		return func(ctx context.Context, req envelope.RawEnvelope) (envelope.RawEnvelope, error) {
			cur := envctx.Current(ctx)
			ctx = withRemoteSpan(ctx, cur.Tracing())

			ctx, span := otel.Tracer(tracerName).Start(ctx, info.Kind+" "+info.Route, trace.WithSpanKind(kind))
			defer span.End()
			span.SetAttributes(
				attribute.String("qollective.handler", info.Name),
				attribute.String("qollective.route", info.Route),
				attribute.String("qollective.request_id", cur.RequestID()),
				attribute.String("qollective.tenant", cur.Tenant()),
			)
			if r, ok := handlers.RequestFromContext(ctx); ok {
				span.SetAttributes(attribute.String("qollective.transport", r.Transport))
			}

			resp, err := next(ctx, req)
			failure := err
			if failure == nil && resp.Error != nil {
				failure = remoteFailure(resp.Error)
			}
			if failure != nil {
				span.RecordError(failure)
				span.SetStatus(codes.Error, qerrors.KindOf(failure).String())
			}
			return resp, err
		}
	}
}

// withRemoteSpan makes the envelope's trace the parent of the handler span.
func withRemoteSpan(ctx context.Context, tracing *envelope.TracingMeta) context.Context {
	if tracing == nil {
		return ctx
	}
	traceID, err := trace.TraceIDFromHex(tracing.TraceID)
	if err != nil {
		return ctx
	}
	spanID, err := trace.SpanIDFromHex(tracing.SpanID)
	if err != nil {
		return ctx
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}

// MetricsMiddleware records handler durations and, for the event bus,
// watermill's router metrics. It is skipped unless metrics are enabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(rt *Runtime) (Middleware, error) {
			if !rt.cfg.MetricsEnabled {
				return Middleware{}, nil
			}

			durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "qollective",
				Subsystem: "handler",
				Name:      "duration_seconds",
				Help:      "Time spent in request and event handlers",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind", "route", "outcome"})
			if err := rt.registry.Register(durations); err != nil {
				var already prometheus.AlreadyRegisteredError
				if !errors.As(err, &already) {
					return Middleware{}, err
				}
				durations = already.ExistingCollector.(*prometheus.HistogramVec)
			}
			mw := Middleware{Handler: handlerMetricsMiddleware(durations)}

			if rt.bus != nil {
				builder := wmmetrics.NewPrometheusMetricsBuilder(rt.registry, "qollective", "events")
				builder.AddPrometheusRouterMetrics(rt.bus.Router())
				mw.Event = builder.NewRouterMiddleware().Middleware
			}
			return mw, nil
		},
	}
}

func handlerMetricsMiddleware(durations *prometheus.HistogramVec) HandlerMiddleware {
	return func(info *HandlerInfo, next handlers.Func) handlers.Func {
		return func(ctx context.Context, req envelope.RawEnvelope) (envelope.RawEnvelope, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			outcome := "success"
			if err != nil || resp.Error != nil {
				outcome = "error"
			}
			durations.WithLabelValues(info.Kind, info.Route, outcome).Observe(time.Since(start).Seconds())
			return resp, err
		}
	}
}

// RetryMiddleware redelivers failing events in process with exponential
// backoff.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(rt *Runtime) (Middleware, error) {
			normalized := cfg.withDefaults(rt.cfg.EventsMaxRetries)
			if rt.bus == nil || normalized.MaxRetries <= 0 {
				return Middleware{}, nil
			}
			rt.maxRetries = normalized.MaxRetries
			return Middleware{Event: wmmiddleware.Retry{
				MaxRetries:      normalized.MaxRetries,
				InitialInterval: normalized.InitialInterval,
				MaxInterval:     normalized.MaxInterval,
				Multiplier:      2,
				Logger:          rt.bus.WatermillLogger(),
				ShouldRetry: func(params wmmiddleware.RetryParams) bool {
					if events.IsUnprocessable(params.Err) {
						return false
					}
					if normalized.RetryIf != nil {
						return normalized.RetryIf(params.Err)
					}
					return true
				},
			}.Middleware}, nil
		},
	}
}

// PoisonQueueMiddleware moves events whose failure matches filter to the
// configured poison queue and acks them. The default filter matches every
// failure left after retries. It is skipped when no poison queue is set.
func PoisonQueueMiddleware(filter func(error) bool) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "poison_queue",
		Builder: func(rt *Runtime) (Middleware, error) {
			queue := rt.cfg.EventsPoisonQueue
			if rt.bus == nil || queue == "" {
				return Middleware{}, nil
			}
			f := filter
			if f == nil {
				f = func(err error) bool { return err != nil }
			}
			mw, err := rt.poisonMiddleware(queue, f)
			if err != nil {
				return Middleware{}, err
			}
			return Middleware{Event: mw}, nil
		},
	}
}

func (rt *Runtime) poisonMiddleware(queue string, filter func(error) bool) (message.HandlerMiddleware, error) {
	poison, err := wmmiddleware.PoisonQueueWithFilter(rt.bus.Publisher(), queue, filter)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.KindConfig, err, "poison queue")
	}
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			var failure error
			capture := func(m *message.Message) ([]*message.Message, error) {
				out, err := h(m)
				failure = err
				return out, err
			}
			out, err := poison(capture)(msg)
			if failure != nil && err == nil && filter(failure) {
				rt.recordPoisoned(msg, failure)
			}
			return out, err
		}
	}, nil
}

func (rt *Runtime) recordPoisoned(msg *message.Message, failure error) {
	attempts := 1
	if !events.IsUnprocessable(failure) {
		attempts += rt.maxRetries
	}
	age := time.Duration(-1)
	if raw := msg.Metadata.Get(metadata.HeaderTimestamp); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			age = time.Since(ts)
		}
	}
	topic := message.SubscribeTopicFromCtx(msg.Context())
	handler := message.HandlerNameFromCtx(msg.Context())
	rt.poison.Record(PoisonRecord{
		Topic:    topic,
		Handler:  handler,
		Kind:     qerrors.KindOf(failure).String(),
		Reason:   failure.Error(),
		Attempts: attempts,
		Age:      age,
	})
	rt.Logger.Error("Event moved to poison queue", failure, logging.LogFields{
		"handler":              handler,
		logging.FieldSubject:   topic,
		logging.FieldRequestID: msg.Metadata.Get(metadata.HeaderRequestID),
		logging.FieldAttempt:   attempts,
	})
}

// RecovererMiddleware turns handler panics into Internal failures.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "recoverer",
		Builder: func(rt *Runtime) (Middleware, error) {
			return Middleware{
				Handler: recoverMiddleware(rt.Logger),
				Event:   wmmiddleware.Recoverer,
			}, nil
		},
	}
}

func recoverMiddleware(logger logging.ServiceLogger) HandlerMiddleware {
	logger = logging.OrNop(logger)
	return func(info *HandlerInfo, next handlers.Func) handlers.Func {
		return func(ctx context.Context, req envelope.RawEnvelope) (resp envelope.RawEnvelope, err error) {
			start := time.Now()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Handler panicked", fmt.Errorf("%v", r), logging.LogFields{
						logging.FieldRoute: info.Route,
						"stack":            string(debug.Stack()),
					})
					err = qerrors.Internal("handler panicked")
					resp = handlers.ErrorReply(envctx.Current(ctx).Meta(), err, time.Since(start))
				}
			}()
			return next(ctx, req)
		}
	}
}

// remoteFailure rebuilds the error an error envelope reports.
func remoteFailure(info *envelope.ErrorInfo) error {
	return qerrors.New(qerrors.ParseKind(info.Code), "%s", info.Message)
}
