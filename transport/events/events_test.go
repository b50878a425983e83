package events

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats-server/v2/server"
	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qollective/qollective/internal/runtime/config"
	"github.com/qollective/qollective/internal/runtime/envctx"
	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/handlers"
	"github.com/qollective/qollective/internal/runtime/metadata"
)

type orderPlaced struct {
	OrderID string `json:"order_id"`
	Total   int    `json:"total"`
}

func newBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	cfg.CloseTimeout = 2 * time.Second
	bus, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func start(t *testing.T, bus *Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, bus.Start(ctx))
}

func TestChannelRoundTripCarriesMeta(t *testing.T) {
	bus := newBus(t, Config{})

	type received struct {
		env     envelope.Envelope[orderPlaced]
		tenant  string
		request handlers.Request
	}
	got := make(chan received, 1)
	require.NoError(t, Subscribe(bus, "orders", "orders.placed", func(ctx context.Context, env envelope.Envelope[orderPlaced]) error {
		req, _ := handlers.RequestFromContext(ctx)
		got <- received{env: env, tenant: envctx.Current(ctx).Tenant(), request: req}
		return nil
	}))
	start(t, bus)

	env := envelope.NewRequest(orderPlaced{OrderID: "o-1", Total: 42})
	env.Meta.Tenant = "acme"
	require.NoError(t, Publish(context.Background(), bus, "orders.placed", env))

	select {
	case r := <-got:
		assert.Equal(t, orderPlaced{OrderID: "o-1", Total: 42}, r.env.Payload)
		assert.Equal(t, "acme", r.tenant)
		assert.NotEmpty(t, r.env.Meta.RequestID)
		assert.NotNil(t, r.env.Meta.Timestamp)
		assert.Equal(t, TransportName, r.request.Transport)
		assert.Equal(t, "orders.placed", r.request.Route)
		assert.Equal(t, r.env.Meta.RequestID, r.request.Get(metadata.HeaderRequestID))
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishInheritsBoundContext(t *testing.T) {
	bus := newBus(t, Config{})

	tenants := make(chan string, 1)
	require.NoError(t, bus.SubscribeEnvelope("audit", "audit", func(_ context.Context, env envelope.RawEnvelope) error {
		tenants <- env.Meta.Tenant
		return nil
	}))
	start(t, bus)

	ctx := envctx.WithMeta(context.Background(), envelope.Meta{Tenant: "inherited"})
	require.NoError(t, bus.PublishEnvelope(ctx, "audit", envelope.NewRequest(json.RawMessage(`{}`))))

	select {
	case tenant := <-tenants:
		assert.Equal(t, "inherited", tenant)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestHandlerErrorNacksAndRedelivers(t *testing.T) {
	bus := newBus(t, Config{})

	var attempts atomic.Int32
	done := make(chan struct{})
	require.NoError(t, Subscribe(bus, "flaky", "flaky", func(_ context.Context, _ envelope.Envelope[orderPlaced]) error {
		if attempts.Add(1) == 1 {
			return qerrors.Transport("downstream unavailable")
		}
		close(done)
		return nil
	}))
	start(t, bus)

	require.NoError(t, Publish(context.Background(), bus, "flaky", envelope.NewRequest(orderPlaced{OrderID: "o-2"})))

	select {
	case <-done:
		assert.Equal(t, int32(2), attempts.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("event not redelivered")
	}
}

func TestUndecodableEventsAreUnprocessable(t *testing.T) {
	bus := newBus(t, Config{})

	errs := make(chan error, 2)
	bus.Use(func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			out, err := h(msg)
			if err != nil {
				errs <- err
			}
			return out, nil
		}
	})

	var called atomic.Bool
	require.NoError(t, Subscribe(bus, "typed", "typed", func(_ context.Context, _ envelope.Envelope[orderPlaced]) error {
		called.Store(true)
		return nil
	}))
	start(t, bus)

	require.NoError(t, bus.Publisher().Publish("typed", message.NewMessage("m-1", []byte("not an envelope"))))
	require.NoError(t, bus.PublishEnvelope(context.Background(), "typed", envelope.NewRequest(json.RawMessage(`"a string"`))))

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.True(t, IsUnprocessable(err), "got %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("expected unprocessable error")
		}
	}
	assert.False(t, called.Load())
}

func TestHandleValidation(t *testing.T) {
	bus := newBus(t, Config{})
	noop := func(*message.Message) error { return nil }

	require.ErrorIs(t, bus.Handle("x", "topic", nil), qerrors.ErrHandlerRequired)
	require.True(t, qerrors.IsKind(bus.Handle("x", " ", noop), qerrors.KindValidation))
	require.NoError(t, bus.Handle("x", "topic", noop))
	require.ErrorIs(t, bus.Handle("x", "other", noop), qerrors.ErrDuplicateHandler)
	assert.Equal(t, map[string]string{"x": "topic"}, bus.Topics())

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	require.ErrorIs(t, bus.Handle("y", "topic", noop), qerrors.ErrServerDrained)
	require.ErrorIs(t, bus.Run(context.Background()), qerrors.ErrServerDrained)
}

func TestCloseWithoutRunReturnsPromptly(t *testing.T) {
	bus, err := New(Config{CloseTimeout: 5 * time.Second}, nil)
	require.NoError(t, err)
	require.NoError(t, bus.Handle("audit", "audit", func(*message.Message) error { return nil }))

	began := time.Now()
	require.NoError(t, bus.Close())
	assert.Less(t, time.Since(began), time.Second)
	require.ErrorIs(t, bus.Run(context.Background()), qerrors.ErrServerDrained)
}

func TestHandlersAddedWhileRunningStart(t *testing.T) {
	bus := newBus(t, Config{})
	start(t, bus)
	require.ErrorIs(t, bus.Run(context.Background()), qerrors.ErrServerRunning)

	got := make(chan string, 1)
	require.NoError(t, Subscribe(bus, "late", "late", func(_ context.Context, env envelope.Envelope[orderPlaced]) error {
		select {
		case got <- env.Payload.OrderID:
		default:
		}
		return nil
	}))

	require.Eventually(t, func() bool {
		_ = Publish(context.Background(), bus, "late", envelope.NewRequest(orderPlaced{OrderID: "o-late"}))
		select {
		case id := <-got:
			return id == "o-late"
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUnknownBackend(t *testing.T) {
	_, err := New(Config{Backend: "carrier-pigeon"}, nil)
	require.True(t, qerrors.IsKind(err, qerrors.KindConfig))

	_, err = New(Config{Backend: config.EventsBackendNATS}, nil)
	require.ErrorIs(t, err, qerrors.ErrConnectionMissing)

	_, err = New(Config{Backend: config.EventsBackendHTTP}, nil)
	require.True(t, qerrors.IsKind(err, qerrors.KindConfig))
}

func runBroker(t *testing.T) *nats.Conn {
	t.Helper()
	opts := natstest.DefaultTestOptions
	opts.Port = server.RANDOM_PORT
	srv := natstest.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	conn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func TestNATSQueueGroupSharesEvents(t *testing.T) {
	conn := runBroker(t)

	var mu sync.Mutex
	seen := map[string]int{}
	var total atomic.Int32
	consume := func(_ context.Context, env envelope.Envelope[orderPlaced]) error {
		mu.Lock()
		seen[env.Payload.OrderID]++
		mu.Unlock()
		total.Add(1)
		return nil
	}

	cfg := Config{Backend: config.EventsBackendNATS, Conn: conn, QueueGroup: "billing"}
	first := newBus(t, cfg)
	second := newBus(t, cfg)
	require.NoError(t, Subscribe(first, "billing", "orders.placed", consume))
	require.NoError(t, Subscribe(second, "billing", "orders.placed", consume))
	start(t, first)
	start(t, second)
	require.NoError(t, conn.Flush())

	publisher := newBus(t, Config{Backend: config.EventsBackendNATS, Conn: conn})
	for i := 0; i < 10; i++ {
		env := envelope.NewRequest(orderPlaced{OrderID: string(rune('a' + i))})
		require.NoError(t, Publish(context.Background(), publisher, "orders.placed", env))
	}

	require.Eventually(t, func() bool { return total.Load() == 10 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(10), total.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 10)

	err := Publish(context.Background(), publisher, "orders..placed", envelope.NewRequest(orderPlaced{}))
	assert.True(t, qerrors.IsKind(err, qerrors.KindValidation))
	assert.True(t, conn.IsConnected(), "closing a bus must not close the shared connection")
}

func TestHTTPBackendDeliversWebhooks(t *testing.T) {
	consumer := newBus(t, Config{
		Backend:        config.EventsBackendHTTP,
		HTTPAddress:    "127.0.0.1:0",
		HTTPPublishURL: "http://127.0.0.1:1",
	})
	got := make(chan envelope.Envelope[orderPlaced], 1)
	require.NoError(t, Subscribe(consumer, "hooks", "orders/placed", func(_ context.Context, env envelope.Envelope[orderPlaced]) error {
		got <- env
		return nil
	}))
	start(t, consumer)
	require.NotNil(t, consumer.Addr())

	producer := newBus(t, Config{
		Backend:        config.EventsBackendHTTP,
		HTTPAddress:    "127.0.0.1:0",
		HTTPPublishURL: "http://" + consumer.Addr().String() + "/",
		HTTPTimeout:    5 * time.Second,
	})
	env := envelope.NewRequest(orderPlaced{OrderID: "o-http", Total: 7})
	env.Meta.Tenant = "acme"
	require.NoError(t, Publish(context.Background(), producer, "orders/placed", env))

	select {
	case received := <-got:
		assert.Equal(t, "o-http", received.Payload.OrderID)
		assert.Equal(t, "acme", received.Meta.Tenant)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered")
	}
}
