package runtime

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qollective/qollective/internal/runtime/envctx"
	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/handlers"
	"github.com/qollective/qollective/transport"
	"github.com/qollective/qollective/transport/hybrid"
)

// newFullRuntime serves every family: NATS on an embedded broker and the
// others on loopback listeners.
func newFullRuntime(t *testing.T, opts Options) *Runtime {
	t.Helper()
	opts.NATSConn = connect(t, runBroker(t))
	opts.Listeners = map[transport.Protocol]net.Listener{
		transport.ProtocolGRPC:      listen(t),
		transport.ProtocolREST:      listen(t),
		transport.ProtocolWebSocket: listen(t),
	}
	return newTestRuntime(t, testConfig(), opts)
}

func TestRequestRouteServedOnEveryFamily(t *testing.T) {
	rt := newFullRuntime(t, Options{})

	type seen struct {
		transport, tenant string
	}
	calls := make(chan seen, 8)
	require.NoError(t, RegisterHandler(rt, "echo/Say", func(ctx context.Context, req echoRequest) (echoReply, error) {
		r, _ := handlers.RequestFromContext(ctx)
		calls <- seen{transport: r.Transport, tenant: envctx.Current(ctx).Tenant()}
		return echo(ctx, req)
	}))
	startRuntime(t, rt)

	endpoints := map[transport.Protocol]string{
		transport.ProtocolNATS:      "qollective-nats://broker/echo/Say",
		transport.ProtocolGRPC:      "qollective-grpc://" + rt.GRPCServer().Addr().String() + "/echo/Say",
		transport.ProtocolREST:      "qollective-http://" + rt.HTTPServer().Addr().String() + "/echo/Say",
		transport.ProtocolWebSocket: "qollective-ws://" + rt.WebSocketServer().Addr().String() + "/echo/Say",
	}
	for protocol, url := range endpoints {
		t.Run(string(protocol), func(t *testing.T) {
			req := envelope.NewRequest(echoRequest{Msg: string(protocol)})
			req.Meta.Tenant = "acme"
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			resp, err := hybrid.Request[echoRequest, echoReply](ctx, rt.Dispatcher(), url, req, hybrid.Requirements{})
			require.NoError(t, err)
			assert.Equal(t, "Received: "+string(protocol), resp.Payload.Reply)
			assert.Equal(t, req.Meta.RequestID, resp.Meta.RequestID)
			assert.Equal(t, "acme", resp.Meta.Tenant)

			select {
			case s := <-calls:
				assert.Equal(t, "acme", s.tenant)
				assert.NotEmpty(t, s.transport)
			case <-time.After(time.Second):
				t.Fatal("handler not called")
			}
		})
	}

	info := findHandler(t, rt, "echo/Say")
	assert.Equal(t, HandlerKindRequest, info.Kind)
	assert.Equal(t, []string{"nats", "grpc", "rest", "websocket"}, info.Transports)
	info.Stats.mu.Lock()
	defer info.Stats.mu.Unlock()
	assert.Equal(t, uint64(4), info.Stats.MessagesProcessed)
	assert.Zero(t, info.Stats.MessagesFailed)
	assert.Len(t, info.Stats.Dependencies, 4)
	for _, dep := range info.Stats.Dependencies {
		assert.Equal(t, DependencyStatusHealthy, dep.Status, dep.Name)
	}
}

func TestRouteTargetsFollowRouteShape(t *testing.T) {
	rt := newFullRuntime(t, Options{})

	require.NoError(t, RegisterHandler(rt, "/orders/v1/create/", echo))
	info := findHandler(t, rt, "orders/v1/create")
	assert.Equal(t, []string{"nats", "rest", "websocket"}, info.Transports)
	assert.Contains(t, rt.HTTPServer().Routes(), "POST /orders/v1/create")

	subjects := rt.NATSServer().Subjects()
	require.Len(t, subjects, 1)
	assert.Equal(t, "orders.v1.create", subjects[0].Subject)

	err := RegisterHandler(rt, "orders/v1/cancel", echo, WithTransports(transport.ProtocolGRPC))
	assert.True(t, qerrors.IsKind(err, qerrors.KindValidation))

	require.NoError(t, RegisterHandler(rt, "billing/Charge", echo, WithTransports(transport.ProtocolGRPC), WithQueueGroup("billing")))
	info = findHandler(t, rt, "billing/Charge")
	assert.Equal(t, []string{"grpc"}, info.Transports)
	assert.Contains(t, rt.GRPCServer().Methods(), "/billing/Charge")
}

func TestRegisterValidation(t *testing.T) {
	cfg := testConfig()
	rt := newTestRuntime(t, cfg, Options{
		Listeners: map[transport.Protocol]net.Listener{transport.ProtocolREST: listen(t)},
	})

	require.NoError(t, RegisterHandler(rt, "echo", echo))
	assert.ErrorIs(t, RegisterHandler(rt, "/echo", echo), qerrors.ErrDuplicateHandler)

	err := RegisterHandler(rt, "other", echo, WithTransports(transport.ProtocolNATS))
	assert.True(t, qerrors.IsKind(err, qerrors.KindConfig))

	err = RegisterHandler(rt, "other", echo, WithTransports(transport.ProtocolMCP))
	assert.True(t, qerrors.IsKind(err, qerrors.KindValidation))

	err = RegisterHandler(rt, "other", echo, WithQueueGroup("orders..bad"))
	assert.True(t, qerrors.IsKind(err, qerrors.KindValidation))

	assert.ErrorIs(t, RegisterHandler(rt, "/", echo), qerrors.ErrRouteRequired)
	assert.ErrorIs(t, rt.Register(handlers.Handler{Route: "x"}), qerrors.ErrHandlerRequired)
	assert.ErrorIs(t, RegisterHandler[echoRequest, echoReply](nil, "echo", echo), qerrors.ErrRuntimeRequired)

	noServers := newTestRuntime(t, cfg, Options{})
	err = RegisterHandler(noServers, "echo", echo)
	assert.True(t, qerrors.IsKind(err, qerrors.KindConfig))
}

func TestHandlerErrorsAreCountedByCategory(t *testing.T) {
	rt := newTestRuntime(t, testConfig(), Options{
		Listeners: map[transport.Protocol]net.Listener{transport.ProtocolREST: listen(t)},
	})
	require.NoError(t, RegisterHandler(rt, "orders", func(_ context.Context, req orderPlaced) (orderPlaced, error) {
		if req.Total < 0 {
			return orderPlaced{}, qerrors.Validation("total must not be negative")
		}
		return req, nil
	}))
	startRuntime(t, rt)

	url := "qollective-http://" + rt.HTTPServer().Addr().String() + "/orders"
	_, err := hybrid.Request[orderPlaced, orderPlaced](context.Background(), rt.Dispatcher(), url, envelope.NewRequest(orderPlaced{Total: -1}), hybrid.Requirements{})
	require.Error(t, err)
	assert.True(t, qerrors.IsKind(err, qerrors.KindValidation))

	resp, err := hybrid.Request[orderPlaced, orderPlaced](context.Background(), rt.Dispatcher(), url, envelope.NewRequest(orderPlaced{OrderID: "o-1", Total: 3}), hybrid.Requirements{})
	require.NoError(t, err)
	assert.Equal(t, "o-1", resp.Payload.OrderID)

	info := findHandler(t, rt, "orders")
	info.Stats.mu.Lock()
	defer info.Stats.mu.Unlock()
	assert.Equal(t, uint64(2), info.Stats.MessagesProcessed)
	assert.Equal(t, uint64(1), info.Stats.MessagesFailed)
	assert.Equal(t, uint64(1), info.Stats.Errors.Validation)
	assert.Equal(t, qerrors.KindValidation.String(), info.Stats.Errors.LastKind)
}

func TestStampPerformanceFillsProcessMetrics(t *testing.T) {
	rt := newTestRuntime(t, testConfig(), Options{
		Listeners:        map[transport.Protocol]net.Listener{transport.ProtocolREST: listen(t)},
		StampPerformance: true,
	})
	require.NoError(t, RegisterHandler(rt, "echo", echo))
	startRuntime(t, rt)

	url := "qollective-http://" + rt.HTTPServer().Addr().String() + "/echo"
	resp, err := hybrid.Request[echoRequest, echoReply](context.Background(), rt.Dispatcher(), url, envelope.NewRequest(echoRequest{Msg: "hi"}), hybrid.Requirements{})
	require.NoError(t, err)
	require.NotNil(t, resp.Meta.Performance)
	assert.NotNil(t, resp.Meta.Performance.ProcessingTimeMS)
	assert.NotNil(t, resp.Meta.Performance.MemoryAllocated)
	assert.NotNil(t, resp.Meta.Performance.ThreadCount)
}

func TestEventHandlerValidation(t *testing.T) {
	rt := newTestRuntime(t, testConfig(), Options{})
	noop := func(context.Context, envelope.RawEnvelope) error { return nil }

	assert.ErrorIs(t, rt.HandleEvent("a", "", noop), qerrors.ErrTopicRequired)
	assert.ErrorIs(t, rt.HandleEvent("a", "t", nil), qerrors.ErrHandlerRequired)
	assert.ErrorIs(t, RegisterEventHandler[orderPlaced](rt, "a", "t", nil), qerrors.ErrHandlerRequired)

	require.NoError(t, rt.HandleEvent("", "orders.placed", noop))
	info := findHandler(t, rt, "orders.placed")
	assert.Equal(t, HandlerKindEvent, info.Kind)
	assert.Equal(t, []string{"events"}, info.Transports)

	disabled := newTestRuntime(t, testConfig(), Options{DisableEvents: true})
	err := disabled.HandleEvent("a", "t", noop)
	assert.True(t, qerrors.IsKind(err, qerrors.KindFeatureNotEnabled))
}
