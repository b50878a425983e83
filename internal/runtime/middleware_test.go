package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/qollective/qollective/internal/runtime/envctx"
	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/handlers"
	"github.com/qollective/qollective/internal/runtime/metadata"
)

func bareRuntime() *Runtime {
	return &Runtime{Logger: newTestLogger(), routes: map[string]*HandlerInfo{}}
}

func tagging(tag string, order *[]string) HandlerMiddleware {
	return func(_ *HandlerInfo, next handlers.Func) handlers.Func {
		return func(ctx context.Context, req envelope.RawEnvelope) (envelope.RawEnvelope, error) {
			*order = append(*order, tag)
			return next(ctx, req)
		}
	}
}

func TestMiddlewareChainOrder(t *testing.T) {
	rt := bareRuntime()
	var order []string
	require.NoError(t, rt.RegisterMiddleware(MiddlewareRegistration{Name: "outer", Middleware: Middleware{Handler: tagging("outer", &order)}}))
	require.NoError(t, rt.RegisterMiddleware(MiddlewareRegistration{
		Name: "inner",
		Builder: func(*Runtime) (Middleware, error) {
			return Middleware{Handler: tagging("inner", &order)}, nil
		},
	}))

	fn := rt.applyChain(testInfo, func(ctx context.Context, req envelope.RawEnvelope) (envelope.RawEnvelope, error) {
		order = append(order, "handler")
		return okHandler(ctx, req)
	})
	_, err := fn(context.Background(), envelope.RawEnvelope{})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestRegisterMiddlewareValidation(t *testing.T) {
	rt := bareRuntime()
	err := rt.RegisterMiddleware(MiddlewareRegistration{Name: "empty"})
	assert.True(t, qerrors.IsKind(err, qerrors.KindConfig))

	builderErr := errors.New("cannot build")
	err = rt.RegisterMiddleware(MiddlewareRegistration{
		Name:    "broken",
		Builder: func(*Runtime) (Middleware, error) { return Middleware{}, builderErr },
	})
	assert.ErrorIs(t, err, builderErr)

	var nilRT *Runtime
	assert.ErrorIs(t, nilRT.RegisterMiddleware(CorrelationIDMiddleware()), qerrors.ErrRuntimeRequired)
}

func TestRegisterConfiguredMiddlewaresNamesFailure(t *testing.T) {
	rt := bareRuntime()
	err := rt.registerConfiguredMiddlewares(Options{
		DisableDefaultMiddlewares: true,
		Middlewares:               []MiddlewareRegistration{{}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anonymous_middleware")
}

func TestDefaultMiddlewaresOrder(t *testing.T) {
	var names []string
	for _, reg := range DefaultMiddlewares(RetryMiddlewareConfig{}) {
		names = append(names, reg.Name)
	}
	assert.Equal(t, []string{"correlation_id", "log_messages", "tracer", "metrics", "poison_queue", "retry", "recoverer"}, names)
}

func TestRetryConfigDefaults(t *testing.T) {
	cfg := RetryMiddlewareConfig{}.withDefaults(3)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.InitialInterval)
	assert.Equal(t, 5*time.Second, cfg.MaxInterval)

	cfg = RetryMiddlewareConfig{MaxRetries: -1, InitialInterval: time.Millisecond}.withDefaults(3)
	assert.Equal(t, -1, cfg.MaxRetries)
	assert.Equal(t, time.Millisecond, cfg.InitialInterval)
}

func TestRecoverMiddlewareRepliesInternal(t *testing.T) {
	logger := newRecordingLogger()
	fn := recoverMiddleware(logger)(testInfo, func(context.Context, envelope.RawEnvelope) (envelope.RawEnvelope, error) {
		panic("kaboom")
	})

	ctx := envctx.WithMeta(context.Background(), envelope.Meta{RequestID: "req-9", Tenant: "acme"})
	resp, err := fn(ctx, envelope.RawEnvelope{})
	require.Error(t, err)
	assert.True(t, qerrors.IsKind(err, qerrors.KindInternal))
	require.NotNil(t, resp.Error)
	assert.Equal(t, qerrors.KindInternal.String(), resp.Error.Code)
	assert.Equal(t, "req-9", resp.Meta.RequestID)

	entry, ok := logger.find("Handler panicked")
	require.True(t, ok)
	assert.Equal(t, "orders/create", entry.fields["route"])
	assert.NotEmpty(t, entry.fields["stack"])
}

func TestLogMessagesMiddlewareOmitsPayload(t *testing.T) {
	logger := newRecordingLogger()
	fn := logMessagesMiddleware(logger)(testInfo, okHandler)

	ctx := envctx.WithMeta(context.Background(), envelope.Meta{RequestID: "req-4"})
	ctx = handlers.WithRequest(ctx, handlers.Request{Transport: "grpc"})
	_, err := fn(ctx, envelope.RawEnvelope{Payload: json.RawMessage(`{"secret":"x"}`)})
	require.NoError(t, err)

	entry, ok := logger.find("Processing message")
	require.True(t, ok)
	assert.Equal(t, "debug", entry.level)
	assert.Equal(t, "req-4", entry.fields["request_id"])
	assert.Equal(t, "grpc", entry.fields["transport"])
	assert.NotContains(t, entry.fields, "payload")
}

func TestLogMessagesBuilderFallsBackToRuntimeLogger(t *testing.T) {
	rt := bareRuntime()
	mw, err := LogMessagesMiddleware(nil).Builder(rt)
	require.NoError(t, err)
	assert.NotNil(t, mw.Handler)
}

func TestWithRemoteSpan(t *testing.T) {
	ctx := withRemoteSpan(context.Background(), &envelope.TracingMeta{
		TraceID: "4bf92f3577b34da6a3ce929d0e0e4736",
		SpanID:  "00f067aa0ba902b7",
	})
	sc := trace.SpanContextFromContext(ctx)
	assert.True(t, sc.IsRemote())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", sc.TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", sc.SpanID().String())

	plain := context.Background()
	assert.Equal(t, plain, withRemoteSpan(plain, nil))
	assert.Equal(t, plain, withRemoteSpan(plain, &envelope.TracingMeta{TraceID: "nope"}))
}

func TestTracerMiddlewarePassesThrough(t *testing.T) {
	fn := tracerMiddleware()(testInfo, func(_ context.Context, req envelope.RawEnvelope) (envelope.RawEnvelope, error) {
		return envelope.RawEnvelope{Meta: req.Meta, Error: &envelope.ErrorInfo{Code: qerrors.KindRemote.String(), Message: "x"}}, nil
	})
	resp, err := fn(context.Background(), envelope.RawEnvelope{})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
}

func TestCorrelationIDMiddleware(t *testing.T) {
	mw := CorrelationIDMiddleware().Middleware.Event
	var seen string
	h := mw(func(msg *message.Message) ([]*message.Message, error) {
		seen = msg.Metadata.Get(metadata.HeaderRequestID)
		return nil, nil
	})

	_, err := h(message.NewMessage("1", nil))
	require.NoError(t, err)
	assert.NotEmpty(t, seen)

	msg := message.NewMessage("2", nil)
	msg.Metadata.Set(metadata.HeaderRequestID, "kept")
	_, err = h(msg)
	require.NoError(t, err)
	assert.Equal(t, "kept", seen)
}

func TestHandlerMetricsMiddlewareRecordsOutcome(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsEnabled = true
	cfg.MetricsPort = 0
	rt := newTestRuntime(t, cfg, Options{DisableEvents: true})

	mw, err := MetricsMiddleware().Builder(rt)
	require.NoError(t, err)
	require.NotNil(t, mw.Handler)
	assert.Nil(t, mw.Event)

	ok := mw.Handler(testInfo, okHandler)
	failing := mw.Handler(testInfo, func(context.Context, envelope.RawEnvelope) (envelope.RawEnvelope, error) {
		return envelope.RawEnvelope{}, qerrors.Internal("boom")
	})
	_, err = ok(context.Background(), envelope.RawEnvelope{})
	require.NoError(t, err)
	_, err = failing(context.Background(), envelope.RawEnvelope{})
	require.Error(t, err)

	count, err := testutil.GatherAndCount(rt.Registry(), "qollective_handler_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMetricsMiddlewareSkippedWhenDisabled(t *testing.T) {
	rt := newTestRuntime(t, testConfig(), Options{DisableEvents: true})
	mw, err := MetricsMiddleware().Builder(rt)
	require.NoError(t, err)
	assert.True(t, mw.isZero())
}

func TestFailingEventsAreRetriedThenPoisoned(t *testing.T) {
	cfg := testConfig()
	rt := newTestRuntime(t, cfg, Options{
		Retry: RetryMiddlewareConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
	})

	var attempts atomic.Int32
	require.NoError(t, RegisterEventHandler(rt, "billing", "orders.placed", func(context.Context, envelope.Envelope[orderPlaced]) error {
		attempts.Add(1)
		return qerrors.Transport("ledger unavailable")
	}))

	poisoned := make(chan envelope.RawEnvelope, 1)
	require.NoError(t, rt.HandleEvent("poison-watch", cfg.EventsPoisonQueue, func(_ context.Context, env envelope.RawEnvelope) error {
		poisoned <- env
		return nil
	}))
	startRuntime(t, rt)

	require.NoError(t, PublishEvent(context.Background(), rt, "orders.placed", orderPlaced{OrderID: "o-1", Total: 10}))

	select {
	case env := <-poisoned:
		var got orderPlaced
		require.NoError(t, json.Unmarshal(env.Payload, &got))
		assert.Equal(t, "o-1", got.OrderID)
	case <-time.After(10 * time.Second):
		t.Fatal("event never reached the poison queue")
	}
	assert.Equal(t, int32(3), attempts.Load())

	require.Eventually(t, func() bool {
		return rt.PoisonMetrics().Snapshot(cfg.EventsPoisonQueue).Total == 1
	}, 5*time.Second, 10*time.Millisecond)
	snap := rt.PoisonMetrics().Snapshot(cfg.EventsPoisonQueue)
	stats, ok := snap.Topics["orders.placed"]
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.Poisoned)
	assert.Equal(t, "billing", stats.LastHandler)
	assert.InDelta(t, 3.0, stats.AvgAttempts, 0.001)
	assert.Equal(t, 1, stats.ByKind[qerrors.KindTransport.String()])
	assert.InDelta(t, 1.0, testutil.ToFloat64(rt.PoisonMetrics().poisonedTotal.WithLabelValues("orders.placed", "billing", qerrors.KindTransport.String())), 0.001)

	info := findHandler(t, rt, "billing")
	info.Stats.mu.Lock()
	defer info.Stats.mu.Unlock()
	assert.Equal(t, uint64(3), info.Stats.MessagesProcessed)
	assert.Equal(t, uint64(3), info.Stats.Errors.Transport)
}

func TestUndecodableEventsSkipRetries(t *testing.T) {
	cfg := testConfig()
	rt := newTestRuntime(t, cfg, Options{
		Retry: RetryMiddlewareConfig{MaxRetries: 5, InitialInterval: time.Millisecond},
	})

	var attempts atomic.Int32
	require.NoError(t, RegisterEventHandler(rt, "billing", "orders.placed", func(context.Context, envelope.Envelope[orderPlaced]) error {
		attempts.Add(1)
		return nil
	}))
	startRuntime(t, rt)

	require.NoError(t, rt.PublishEnvelope(context.Background(), "orders.placed", envelope.RawEnvelope{Payload: json.RawMessage(`"not an order"`)}))

	require.Eventually(t, func() bool {
		return rt.PoisonMetrics().Snapshot(cfg.EventsPoisonQueue).Total == 1
	}, 5*time.Second, 10*time.Millisecond)
	snap := rt.PoisonMetrics().Snapshot(cfg.EventsPoisonQueue)
	stats := snap.Topics["orders.placed"]
	assert.InDelta(t, 1.0, stats.AvgAttempts, 0.001)
	assert.Zero(t, attempts.Load())

	info := findHandler(t, rt, "billing")
	info.Stats.mu.Lock()
	defer info.Stats.mu.Unlock()
	assert.Equal(t, uint64(1), info.Stats.MessagesProcessed)
	assert.Equal(t, uint64(1), info.Stats.Errors.Validation)
}

func TestEventHooksAndRecoverer(t *testing.T) {
	cfg := testConfig()
	cfg.EventsPoisonQueue = ""
	errs := make(chan error, 4)
	rt := newTestRuntime(t, cfg, Options{
		Retry: RetryMiddlewareConfig{MaxRetries: -1},
		Hooks: HandlerHooks{OnError: func(hc HookContext, err error) {
			if hc.Kind == HandlerKindEvent {
				errs <- err
			}
		}},
	})

	var calls atomic.Int32
	done := make(chan struct{})
	require.NoError(t, RegisterEventHandler(rt, "audit", "audit", func(context.Context, envelope.Envelope[orderPlaced]) error {
		if calls.Add(1) == 1 {
			panic("first delivery panics")
		}
		close(done)
		return nil
	}))
	startRuntime(t, rt)

	require.NoError(t, PublishEvent(context.Background(), rt, "audit", orderPlaced{OrderID: "o-2"}))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("event was not redelivered after the panic")
	}
	select {
	case err := <-errs:
		assert.True(t, qerrors.IsKind(err, qerrors.KindInternal))
	case <-time.After(time.Second):
		t.Fatal("OnError hook not called")
	}
	assert.Zero(t, rt.PoisonMetrics().Snapshot("").Total)
}

func findHandler(t *testing.T, rt *Runtime, name string) *HandlerInfo {
	t.Helper()
	for _, info := range rt.Handlers() {
		if info.Name == name {
			return info
		}
	}
	t.Fatalf("handler %q not registered", name)
	return nil
}
