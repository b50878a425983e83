package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qollective/qollective/internal/runtime/envctx"
	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/handlers"
	"github.com/qollective/qollective/internal/runtime/logging"
)

var testInfo = &HandlerInfo{Name: "orders", Kind: HandlerKindRequest, Route: "orders/create"}

func okHandler(_ context.Context, req envelope.RawEnvelope) (envelope.RawEnvelope, error) {
	return envelope.RawEnvelope{Meta: envelope.PreserveForResponse(req.Meta), Payload: json.RawMessage(`{}`)}, nil
}

func TestHooksOnStartSeesRequestContext(t *testing.T) {
	var captured HookContext
	called := false
	fn := hooksMiddleware(HandlerHooks{
		OnStart: func(hc HookContext) {
			called = true
			captured = hc
		},
	})(testInfo, okHandler)

	ctx := envctx.WithMeta(context.Background(), envelope.Meta{RequestID: "req-1", Tenant: "acme"})
	ctx = handlers.WithRequest(ctx, handlers.Request{Route: "orders/create", Transport: "nats"})
	_, err := fn(ctx, envelope.RawEnvelope{})
	require.NoError(t, err)

	assert.True(t, called)
	assert.Equal(t, "orders", captured.HandlerName)
	assert.Equal(t, HandlerKindRequest, captured.Kind)
	assert.Equal(t, "orders/create", captured.Route)
	assert.Equal(t, "nats", captured.Transport)
	assert.Equal(t, "req-1", captured.RequestID)
	assert.Equal(t, "acme", captured.Tenant)
	assert.False(t, captured.StartedAt.IsZero())
	assert.Zero(t, captured.Duration)
}

func TestHooksOnDoneMeasuresDuration(t *testing.T) {
	var captured HookContext
	fn := hooksMiddleware(HandlerHooks{
		OnDone:  func(hc HookContext) { captured = hc },
		OnError: func(HookContext, error) { t.Fatal("unexpected OnError") },
	})(testInfo, func(ctx context.Context, req envelope.RawEnvelope) (envelope.RawEnvelope, error) {
		time.Sleep(10 * time.Millisecond)
		return okHandler(ctx, req)
	})

	_, err := fn(context.Background(), envelope.RawEnvelope{Meta: envelope.Meta{RequestID: "req-2"}})
	require.NoError(t, err)
	assert.Equal(t, "req-2", captured.RequestID)
	assert.GreaterOrEqual(t, captured.Duration, 10*time.Millisecond)
}

func TestHooksOnErrorForReturnedError(t *testing.T) {
	boom := errors.New("handler error")
	var captured error
	doneCalled := false
	fn := hooksMiddleware(HandlerHooks{
		OnDone:  func(HookContext) { doneCalled = true },
		OnError: func(_ HookContext, err error) { captured = err },
	})(testInfo, func(context.Context, envelope.RawEnvelope) (envelope.RawEnvelope, error) {
		return envelope.RawEnvelope{}, boom
	})

	_, err := fn(context.Background(), envelope.RawEnvelope{})
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, captured, boom)
	assert.False(t, doneCalled)
}

func TestHooksOnErrorForErrorEnvelope(t *testing.T) {
	var captured error
	fn := hooksMiddleware(HandlerHooks{
		OnError: func(_ HookContext, err error) { captured = err },
	})(testInfo, func(_ context.Context, req envelope.RawEnvelope) (envelope.RawEnvelope, error) {
		return envelope.RawEnvelope{
			Meta:  req.Meta,
			Error: &envelope.ErrorInfo{Code: qerrors.KindValidation.String(), Message: "bad order"},
		}, nil
	})

	resp, err := fn(context.Background(), envelope.RawEnvelope{})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	require.Error(t, captured)
	assert.True(t, qerrors.IsKind(captured, qerrors.KindValidation))
	assert.Contains(t, captured.Error(), "bad order")
}

func TestHandlerHooksMerge(t *testing.T) {
	var order []string
	first := HandlerHooks{
		OnStart: func(HookContext) { order = append(order, "first-start") },
		OnError: func(HookContext, error) { order = append(order, "first-error") },
	}
	second := HandlerHooks{
		OnStart: func(HookContext) { order = append(order, "second-start") },
		OnDone:  func(HookContext) { order = append(order, "second-done") },
	}
	merged := first.Merge(second)

	merged.OnStart(HookContext{})
	merged.OnDone(HookContext{})
	merged.OnError(HookContext{}, errors.New("x"))
	assert.Equal(t, []string{"first-start", "second-start", "second-done", "first-error"}, order)

	assert.True(t, HandlerHooks{}.IsZero())
	assert.False(t, merged.IsZero())
	assert.True(t, HandlerHooks{}.Merge(HandlerHooks{}).IsZero())
}

func TestLoggingHooks(t *testing.T) {
	logger := newRecordingLogger()
	hooks := LoggingHooks(logger)

	hc := HookContext{HandlerName: "orders", Route: "orders/create", Transport: "rest", RequestID: "req-3", Duration: 2 * time.Millisecond}
	hooks.OnStart(hc)
	hooks.OnDone(hc)
	hooks.OnError(hc, errors.New("boom"))

	entries := logger.entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "debug", entries[0].level)
	assert.Equal(t, "info", entries[1].level)
	assert.Equal(t, "error", entries[2].level)
	assert.EqualError(t, entries[2].err, "boom")
	assert.Equal(t, "orders/create", entries[1].fields[logging.FieldRoute])
	assert.Equal(t, "req-3", entries[1].fields[logging.FieldRequestID])
	assert.InDelta(t, 2.0, entries[1].fields[logging.FieldProcessingTime], 0.001)
}

func TestMetricsAndAlertingHooks(t *testing.T) {
	counts := map[string]int{}
	hooks := MetricsHooks(
		func(name, _ string) { counts[name+":start"]++ },
		func(name, _ string) { counts[name+":done"]++ },
		nil,
	)
	assert.Nil(t, hooks.OnError)

	var alerted error
	hooks = hooks.Merge(AlertingHooks(func(_ HookContext, err error) { alerted = err }))

	fn := hooksMiddleware(hooks)(testInfo, okHandler)
	_, err := fn(context.Background(), envelope.RawEnvelope{})
	require.NoError(t, err)
	assert.Equal(t, 1, counts["orders:start"])
	assert.Equal(t, 1, counts["orders:done"])

	failing := hooksMiddleware(hooks)(testInfo, func(context.Context, envelope.RawEnvelope) (envelope.RawEnvelope, error) {
		return envelope.RawEnvelope{}, qerrors.Internal("boom")
	})
	_, err = failing(context.Background(), envelope.RawEnvelope{})
	require.Error(t, err)
	assert.Equal(t, 2, counts["orders:start"])
	assert.Equal(t, err, alerted)
}

func TestHooksMiddlewareRegistration(t *testing.T) {
	reg := HooksMiddleware(HandlerHooks{OnStart: func(HookContext) {}})
	assert.Equal(t, "hooks", reg.Name)
	assert.NotNil(t, reg.Middleware.Handler)
	assert.Nil(t, reg.Middleware.Event)
}
