package websocket

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qollective/qollective/internal/runtime/codec"
	"github.com/qollective/qollective/internal/runtime/envctx"
	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/logging"
	"github.com/qollective/qollective/internal/runtime/metadata"
	"github.com/qollective/qollective/internal/runtime/metrics"
	"github.com/qollective/qollective/internal/runtime/middleware"
	"github.com/qollective/qollective/transport"
)

type echoRequest struct {
	Msg   string `json:"msg"`
	Delay int    `json:"delay,omitempty"`
}

type echoReply struct {
	Reply string `json:"reply"`
}

func echo(_ context.Context, req echoRequest) (echoReply, error) {
	time.Sleep(time.Duration(req.Delay) * time.Millisecond)
	return echoReply{Reply: "Received: " + req.Msg}, nil
}

func newTestLogger() logging.ServiceLogger {
	return logging.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newTestServer(t *testing.T, cfg ServerConfig, register func(*Server)) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := NewServer(cfg, newTestLogger())
	require.NoError(t, err)
	register(srv)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return srv, ts
}

func newTestClient(t *testing.T, cfg ClientConfig) *Client {
	t.Helper()
	client, err := NewClient(cfg, newTestLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func endpointFor(t *testing.T, ts *httptest.Server, route string) transport.Endpoint {
	t.Helper()
	return transport.MustParseEndpoint("qollective-ws://" + strings.TrimPrefix(ts.URL, "http://") + "/" + route)
}

func socketURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + DefaultPath
}

func TestEchoPreservesMeta(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{}, func(s *Server) {
		require.NoError(t, Handle(s, "echo", echo))
	})
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	client := newTestClient(t, ClientConfig{Metrics: m})

	req := envelope.NewRequest(echoRequest{Msg: "Hello"})
	req.Meta.Tenant = "t1"
	resp, err := transport.Send[echoRequest, echoReply](context.Background(), client, endpointFor(t, ts, "echo"), req)
	require.NoError(t, err)
	assert.Equal(t, "Received: Hello", resp.Payload.Reply)
	assert.Equal(t, req.Meta.RequestID, resp.Meta.RequestID)
	assert.Equal(t, "t1", resp.Meta.Tenant)
	assert.NotNil(t, resp.Meta.DurationMS)

	stats, ok := m.Protocol(TransportName)
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.Requests)
	assert.Zero(t, stats.Failures)
}

func TestConcurrentRequestsShareOneSocket(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{}, func(s *Server) {
		require.NoError(t, Handle(s, "echo", echo))
	})
	client := newTestClient(t, ClientConfig{})
	ep := endpointFor(t, ts, "echo")

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := fmt.Sprintf("m%d", i)
			// Earlier requests take longer, so replies come back out of order.
			resp, err := transport.Send[echoRequest, echoReply](context.Background(), client, ep, envelope.NewRequest(echoRequest{Msg: msg, Delay: (n - i) * 5}))
			if err != nil {
				errs <- err
				return
			}
			if resp.Payload.Reply != "Received: "+msg {
				errs <- fmt.Errorf("reply %q for %q", resp.Payload.Reply, msg)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	client.mu.Lock()
	assert.Len(t, client.conns, 1)
	client.mu.Unlock()
}

func TestHandlerErrorsBecomeErrorEnvelopes(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{}, func(s *Server) {
		require.NoError(t, Handle(s, "invalid", func(context.Context, echoRequest) (echoReply, error) {
			return echoReply{}, qerrors.Validation("msg is required")
		}))
		require.NoError(t, Handle(s, "broken", func(context.Context, echoRequest) (echoReply, error) {
			panic("boom")
		}))
	})
	client := newTestClient(t, ClientConfig{})
	ctx := context.Background()

	req := envelope.NewRequest(echoRequest{})
	resp, err := transport.Send[echoRequest, echoReply](ctx, client, endpointFor(t, ts, "invalid"), req)
	require.Error(t, err)
	assert.True(t, qerrors.IsKind(err, qerrors.KindValidation))
	require.NotNil(t, resp.Error)
	assert.Equal(t, req.Meta.RequestID, resp.Meta.RequestID)

	_, err = transport.Send[echoRequest, echoReply](ctx, client, endpointFor(t, ts, "broken"), envelope.NewRequest(echoRequest{}))
	require.Error(t, err)
	assert.True(t, qerrors.IsKind(err, qerrors.KindInternal))
	assert.NotContains(t, err.Error(), "boom")

	_, err = transport.Send[echoRequest, echoReply](ctx, client, endpointFor(t, ts, "missing"), envelope.NewRequest(echoRequest{}))
	require.Error(t, err)
	assert.True(t, qerrors.IsKind(err, qerrors.KindFeatureNotEnabled))
}

func TestRawRoundTrip(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{}, func(s *Server) {
		require.NoError(t, s.HandleRaw("upper", func(_ context.Context, body []byte) ([]byte, error) {
			return []byte(strings.ToUpper(string(body))), nil
		}))
		require.NoError(t, s.HandleRaw("deny", func(context.Context, []byte) ([]byte, error) {
			return nil, qerrors.Security("not allowed")
		}))
	})
	client := newTestClient(t, ClientConfig{})

	out, err := client.SendRaw(context.Background(), endpointFor(t, ts, "upper"), []byte("\x00abc"))
	require.NoError(t, err)
	assert.Equal(t, []byte("\x00ABC"), out)

	_, err = client.SendRaw(context.Background(), endpointFor(t, ts, "deny"), []byte("x"))
	require.Error(t, err)
	assert.True(t, qerrors.IsKind(err, qerrors.KindSecurity))
}

func TestBearerTokenTenantWins(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"tenant_id": "from-token"}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tenants := make(chan string, 1)
	pipeline := middleware.NewPipeline(middleware.Options{TenantExtractionEnabled: true}, newTestLogger())
	_, ts := newTestServer(t, ServerConfig{Pipeline: pipeline}, func(s *Server) {
		require.NoError(t, Handle(s, "whoami", func(ctx context.Context, _ echoRequest) (echoReply, error) {
			tenants <- envctx.Current(ctx).Tenant()
			return echoReply{}, nil
		}))
	})
	client := newTestClient(t, ClientConfig{Headers: metadata.New(metadata.HeaderAuthorization, "Bearer "+token)})

	req := envelope.NewRequest(echoRequest{})
	req.Meta.Tenant = "A"
	_, err = transport.Send[echoRequest, echoReply](context.Background(), client, endpointFor(t, ts, "whoami"), req)
	require.NoError(t, err)
	assert.Equal(t, "from-token", <-tenants)
}

func TestRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	_, ts := newTestServer(t, ServerConfig{}, func(s *Server) {
		require.NoError(t, Handle(s, "slow", func(context.Context, echoRequest) (echoReply, error) {
			<-release
			return echoReply{}, nil
		}))
	})
	client := newTestClient(t, ClientConfig{RequestTimeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := transport.Send[echoRequest, echoReply](context.Background(), client, endpointFor(t, ts, "slow"), envelope.NewRequest(echoRequest{}))
	require.Error(t, err)
	assert.True(t, qerrors.IsTimeout(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSharedRequestIDInFlightBothComplete(t *testing.T) {
	release := make(chan struct{})
	_, ts := newTestServer(t, ServerConfig{}, func(s *Server) {
		require.NoError(t, Handle(s, "slow", func(_ context.Context, req echoRequest) (echoReply, error) {
			<-release
			return echoReply{Reply: req.Msg}, nil
		}))
	})
	client := newTestClient(t, ClientConfig{})
	conn, err := client.Dial(context.Background(), socketURL(ts))
	require.NoError(t, err)
	defer conn.Close()

	first, err := envelope.ToRaw(envelope.NewRequest(echoRequest{Msg: "first"}))
	require.NoError(t, err)
	second, err := envelope.ToRaw(envelope.NewRequest(echoRequest{Msg: "second"}))
	require.NoError(t, err)
	second.Meta.RequestID = first.Meta.RequestID

	type result struct {
		env envelope.RawEnvelope
		err error
	}
	results := make(chan result, 2)
	for _, raw := range []envelope.RawEnvelope{first, second} {
		go func() {
			env, err := conn.Request(context.Background(), "slow", raw)
			results <- result{env, err}
		}()
	}
	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.pending) == 2
	}, time.Second, 5*time.Millisecond)
	close(release)

	texts := map[string]bool{}
	for range 2 {
		r := <-results
		require.NoError(t, r.err)
		assert.Equal(t, first.Meta.RequestID, r.env.Meta.RequestID)
		reply, err := envelope.FromRaw[echoReply](r.env)
		require.NoError(t, err)
		texts[reply.Payload.Reply] = true
	}
	assert.Equal(t, map[string]bool{"first": true, "second": true}, texts)
}

func TestClosedConnFailsWithConnectionError(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{}, func(s *Server) {
		require.NoError(t, Handle(s, "echo", echo))
	})
	client := newTestClient(t, ClientConfig{})
	conn, err := client.Dial(context.Background(), socketURL(ts))
	require.NoError(t, err)
	conn.Close()

	raw, err := envelope.ToRaw(envelope.NewRequest(echoRequest{}))
	require.NoError(t, err)
	_, err = conn.Request(context.Background(), "echo", raw)
	require.Error(t, err)
	assert.True(t, qerrors.IsKind(err, qerrors.KindConnection))
}

func TestUnmatchedFramesAreDropped(t *testing.T) {
	upgrader := websocket.Upgrader{Subprotocols: []string{Subprotocol}}
	ts := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		req, err := decodeFrame(data)
		if err != nil {
			return
		}
		stray, _ := encodeFrame(frame{Type: frameResponse, ID: "someone-else"})
		_ = ws.WriteMessage(websocket.TextMessage, stray)

		env, _ := codec.DecodeRaw(req.Data)
		reply, _ := envelope.ToRaw(envelope.New(envelope.PreserveForResponse(env.Meta), echoReply{Reply: "ok"}))
		body, _ := codec.Encode(reply)
		out, _ := encodeFrame(frame{Type: frameResponse, ID: req.ID, Data: body})
		_ = ws.WriteMessage(websocket.TextMessage, out)
		_, _, _ = ws.ReadMessage()
	}))
	defer ts.Close()

	logs := &bytes.Buffer{}
	client, err := NewClient(ClientConfig{}, logging.NewSlogServiceLogger(slog.New(slog.NewTextHandler(logs, nil))))
	require.NoError(t, err)
	defer client.Close()

	resp, err := transport.Send[echoRequest, echoReply](context.Background(), client, endpointFor(t, ts, "echo"), envelope.NewRequest(echoRequest{}))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Payload.Reply)
	assert.Contains(t, logs.String(), "Dropping unmatched frame")
	assert.Contains(t, logs.String(), "severity=warn")
	assert.Contains(t, logs.String(), "correlation_id=someone-else")
}

func TestProbe(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{}, func(s *Server) {
		require.NoError(t, Handle(s, "echo", echo))
	})
	client := newTestClient(t, ClientConfig{})

	caps, err := client.Probe(context.Background(), endpointFor(t, ts, "echo"))
	require.NoError(t, err)
	assert.True(t, caps.SupportsEnvelopes)
	assert.True(t, caps.Supports(transport.ProtocolWebSocket))
	score, ok := caps.Score(transport.ProtocolWebSocket)
	assert.True(t, ok)
	assert.NotZero(t, score)

	plain := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		ws, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_, _, _ = ws.ReadMessage()
	}))
	defer plain.Close()
	caps, err = client.Probe(context.Background(), endpointFor(t, plain, "echo"))
	require.NoError(t, err)
	assert.False(t, caps.SupportsEnvelopes)

	notFound := httptest.NewServer(nethttp.NotFoundHandler())
	defer notFound.Close()
	_, err = client.Probe(context.Background(), endpointFor(t, notFound, "echo"))
	require.Error(t, err)
	var e *qerrors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, nethttp.StatusNotFound, e.Status)
}

func TestServerLifecycle(t *testing.T) {
	srv, err := NewServer(ServerConfig{Address: "127.0.0.1:0"}, newTestLogger())
	require.NoError(t, err)
	require.NoError(t, Handle(srv, "echo", echo))
	assert.ErrorIs(t, Handle(srv, "echo", echo), qerrors.ErrDuplicateHandler)
	assert.ErrorIs(t, srv.HandleRaw("", func(context.Context, []byte) ([]byte, error) { return nil, nil }), qerrors.ErrRouteRequired)

	ctx := context.Background()
	require.NoError(t, srv.Start(ctx))
	assert.ErrorIs(t, srv.Start(ctx), qerrors.ErrServerRunning)
	require.NoError(t, Handle(srv, "late", echo))

	client := newTestClient(t, ClientConfig{})
	ep := transport.MustParseEndpoint("qollective-ws://" + srv.Addr().String() + "/late")
	resp, err := transport.Send[echoRequest, echoReply](ctx, client, ep, envelope.NewRequest(echoRequest{Msg: "x"}))
	require.NoError(t, err)
	assert.Equal(t, "Received: x", resp.Payload.Reply)

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(shutdownCtx))
	require.NoError(t, srv.Shutdown(shutdownCtx))
	assert.ErrorIs(t, Handle(srv, "after", echo), qerrors.ErrServerDrained)
	assert.ErrorIs(t, srv.Start(ctx), qerrors.ErrServerDrained)

	_, err = transport.Send[echoRequest, echoReply](ctx, client, ep, envelope.NewRequest(echoRequest{}))
	require.Error(t, err)
}
