package hybrid

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/logging"
	"github.com/qollective/qollective/internal/runtime/metrics"
	"github.com/qollective/qollective/transport"
)

type fakeSender struct {
	protocol transport.Protocol
	caps     transport.Capabilities
	// probeErrs fail the first probes in order.
	probeErrs []error
	send      func(transport.Endpoint, envelope.RawEnvelope) (envelope.RawEnvelope, error)
	raw       func(transport.Endpoint, []byte) ([]byte, error)

	mu        sync.Mutex
	probes    int
	sent      []transport.Endpoint
	rawCalled int
}

func (f *fakeSender) Protocol() transport.Protocol { return f.protocol }

func (f *fakeSender) Send(_ context.Context, ep transport.Endpoint, req envelope.RawEnvelope) (envelope.RawEnvelope, error) {
	f.mu.Lock()
	f.sent = append(f.sent, ep)
	f.mu.Unlock()
	if f.send == nil {
		return envelope.RawEnvelope{Meta: req.Meta, Payload: json.RawMessage(`{"via":"` + string(f.protocol) + `"}`)}, nil
	}
	return f.send(ep, req)
}

func (f *fakeSender) Probe(context.Context, transport.Endpoint) (transport.Capabilities, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if f.probes <= len(f.probeErrs) {
		return transport.Capabilities{}, f.probeErrs[f.probes-1]
	}
	return f.caps, nil
}

func (f *fakeSender) sends() []transport.Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Endpoint(nil), f.sent...)
}

func (f *fakeSender) probeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

type fakeRawSender struct {
	*fakeSender
}

func (f fakeRawSender) SendRaw(_ context.Context, ep transport.Endpoint, body []byte) ([]byte, error) {
	f.mu.Lock()
	f.rawCalled++
	f.mu.Unlock()
	return f.raw(ep, body)
}

func scored(p transport.Protocol, score uint32, latency float64, enveloped bool) transport.Capabilities {
	return transport.Capabilities{
		SupportsEnvelopes:  enveloped,
		SupportedProtocols: []transport.Protocol{p},
		Performance: map[transport.Protocol]transport.PerformanceMetrics{
			p: {PerformanceScore: score, AvgLatencyMS: latency},
		},
	}
}

func newTestLogger() logging.ServiceLogger {
	return logging.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newTestDispatcher(cfg Config, senders ...transport.Sender) *Dispatcher {
	reg := transport.NewRegistry()
	for _, s := range senders {
		reg.Register(s)
	}
	return New(reg, cfg, newTestLogger())
}

func TestFallbackSkipsLowScoreAndReturnsLastError(t *testing.T) {
	grpcSender := &fakeSender{protocol: transport.ProtocolGRPC, caps: scored(transport.ProtocolGRPC, 30, 5, false)}
	restErr := qerrors.Connection(nil, "rest down")
	restSender := &fakeSender{
		protocol: transport.ProtocolREST,
		caps:     scored(transport.ProtocolREST, 85, 5, false),
		send: func(transport.Endpoint, envelope.RawEnvelope) (envelope.RawEnvelope, error) {
			return envelope.RawEnvelope{}, restErr
		},
	}
	d := newTestDispatcher(Config{}, grpcSender, restSender)
	ep := transport.MustParseEndpoint("http://api.example.com/Svc/Echo")
	reqs := Requirements{MinPerformanceScore: 80, PreferredProtocols: []transport.Protocol{transport.ProtocolGRPC, transport.ProtocolREST}}

	sel, err := d.Select(context.Background(), ep, reqs)
	require.NoError(t, err)
	assert.Equal(t, transport.ProtocolREST, sel.Primary)
	assert.Equal(t, []transport.Protocol{transport.ProtocolREST}, sel.Chain)

	raw, err := envelope.ToRaw(envelope.NewRequest(map[string]string{"msg": "hi"}))
	require.NoError(t, err)
	_, err = d.SendWithFallback(context.Background(), ep, raw, reqs)
	assert.ErrorIs(t, err, restErr)
	assert.Empty(t, grpcSender.sends())
	assert.Len(t, restSender.sends(), 1)
}

func TestFallbackMovesToNextTransport(t *testing.T) {
	grpcSender := &fakeSender{
		protocol: transport.ProtocolGRPC,
		caps:     scored(transport.ProtocolGRPC, 90, 2, false),
		send: func(transport.Endpoint, envelope.RawEnvelope) (envelope.RawEnvelope, error) {
			return envelope.RawEnvelope{}, qerrors.Connection(nil, "grpc down")
		},
	}
	restSender := &fakeSender{protocol: transport.ProtocolREST, caps: scored(transport.ProtocolREST, 85, 5, false)}
	d := newTestDispatcher(Config{}, grpcSender, restSender)
	ep := transport.MustParseEndpoint("http://api.example.com/Svc/Echo")

	raw, err := envelope.ToRaw(envelope.NewRequest(map[string]string{"msg": "hi"}))
	require.NoError(t, err)
	resp, err := d.Send(context.Background(), ep, raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"via":"rest"}`, string(resp.Payload))
	assert.Equal(t, raw.Meta.RequestID, resp.Meta.RequestID)

	require.Len(t, grpcSender.sends(), 1)
	target := grpcSender.sends()[0]
	assert.Equal(t, "Svc", target.Service)
	assert.Equal(t, "Echo", target.Method)
	require.Len(t, restSender.sends(), 1)
	assert.Equal(t, transport.ProtocolREST, restSender.sends()[0].Kind.Protocol)
}

func TestErrorEnvelopeEndsChain(t *testing.T) {
	grpcSender := &fakeSender{
		protocol: transport.ProtocolGRPC,
		caps:     scored(transport.ProtocolGRPC, 90, 2, false),
		send: func(_ transport.Endpoint, req envelope.RawEnvelope) (envelope.RawEnvelope, error) {
			reply := envelope.RawEnvelope{Meta: req.Meta, Error: &envelope.ErrorInfo{Code: "validation", Message: "bad"}}
			return reply, transport.RemoteError(reply.Error)
		},
	}
	restSender := &fakeSender{protocol: transport.ProtocolREST, caps: scored(transport.ProtocolREST, 85, 5, false)}
	d := newTestDispatcher(Config{}, grpcSender, restSender)

	resp, err := d.Send(context.Background(), transport.MustParseEndpoint("http://api.example.com/Svc/Echo"), envelope.NewRequest(json.RawMessage(`{}`)))
	require.Error(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "validation", resp.Error.Code)
	assert.Empty(t, restSender.sends())
}

func TestEnvelopeRequirement(t *testing.T) {
	ep := transport.MustParseEndpoint("http://api.example.com/Svc/Echo")

	plain := newTestDispatcher(Config{}, &fakeSender{protocol: transport.ProtocolREST, caps: scored(transport.ProtocolREST, 90, 1, false)})
	_, err := plain.Select(context.Background(), ep, Requirements{RequiresEnvelopes: true})
	require.Error(t, err)
	assert.True(t, qerrors.IsKind(err, qerrors.KindTransport))
	assert.Contains(t, err.Error(), "envelopes required but not supported")

	ws := &fakeSender{protocol: transport.ProtocolWebSocket, caps: scored(transport.ProtocolWebSocket, 99, 1, true)}
	rest := &fakeSender{protocol: transport.ProtocolREST, caps: scored(transport.ProtocolREST, 50, 10, true)}
	grpcSender := &fakeSender{protocol: transport.ProtocolGRPC, caps: scored(transport.ProtocolGRPC, 60, 8, true)}
	d := newTestDispatcher(Config{}, ws, rest, grpcSender)
	sel, err := d.Select(context.Background(), ep, Requirements{RequiresEnvelopes: true, PreferredProtocols: []transport.Protocol{transport.ProtocolWebSocket}})
	require.NoError(t, err)
	assert.True(t, sel.Enveloped)
	assert.Equal(t, []transport.Protocol{transport.ProtocolGRPC, transport.ProtocolREST, transport.ProtocolWebSocket}, sel.Chain)

	sel, err = d.Select(context.Background(), ep, Requirements{PreferredProtocols: []transport.Protocol{transport.ProtocolWebSocket}})
	require.NoError(t, err)
	assert.Equal(t, []transport.Protocol{transport.ProtocolWebSocket, transport.ProtocolGRPC, transport.ProtocolREST}, sel.Chain)

	sel, err = d.Select(context.Background(), ep, Requirements{MaxLatencyMS: 9})
	require.NoError(t, err)
	assert.Equal(t, []transport.Protocol{transport.ProtocolGRPC, transport.ProtocolWebSocket}, sel.Chain)
}

func TestRequiredAuthMethods(t *testing.T) {
	caps := scored(transport.ProtocolREST, 90, 1, true)
	caps.AuthenticationMethods = []string{"jwt"}
	d := newTestDispatcher(Config{}, &fakeSender{protocol: transport.ProtocolREST, caps: caps})
	ep := transport.MustParseEndpoint("https://api.example.com/x")

	_, err := d.Select(context.Background(), ep, Requirements{RequiredAuthMethods: []string{"jwt"}})
	require.NoError(t, err)
	_, err = d.Select(context.Background(), ep, Requirements{RequiredAuthMethods: []string{"mtls"}})
	assert.True(t, qerrors.IsKind(err, qerrors.KindTransport))
}

func TestCapabilityCacheExpires(t *testing.T) {
	rest := &fakeSender{protocol: transport.ProtocolREST, caps: scored(transport.ProtocolREST, 90, 1, true)}
	reg := transport.NewRegistry()
	reg.Register(rest)
	m := metrics.New(prometheus.NewRegistry())

	var clock atomic.Int64
	clock.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	now := func() time.Time { return time.Unix(0, clock.Load()) }
	d := newDispatcher(reg, Config{CacheTTL: time.Minute, Metrics: m}, newTestLogger(), now)
	ep := transport.MustParseEndpoint("http://api.example.com/a")

	for i := 0; i < 3; i++ {
		caps, err := d.Capabilities(context.Background(), ep)
		require.NoError(t, err)
		assert.True(t, caps.SupportsEnvelopes)
	}
	assert.Equal(t, 1, rest.probeCount())
	assert.Contains(t, d.CacheSnapshot(), ep.CacheKey())

	// Another path on the same server shares the entry.
	_, err := d.Capabilities(context.Background(), transport.MustParseEndpoint("http://API.example.com/b"))
	require.NoError(t, err)
	assert.Equal(t, 1, rest.probeCount())

	clock.Add(int64(time.Minute + time.Second))
	assert.Empty(t, d.CacheSnapshot())
	_, err = d.Capabilities(context.Background(), ep)
	require.NoError(t, err)
	assert.Equal(t, 2, rest.probeCount())

	d.Invalidate(ep)
	_, err = d.Capabilities(context.Background(), ep)
	require.NoError(t, err)
	assert.Equal(t, 3, rest.probeCount())

	snap := m.Snapshot()
	assert.Equal(t, uint64(3), snap.CacheHits)
	assert.Equal(t, uint64(3), snap.CacheMisses)
}

func TestConcurrentDetectionProbesOnce(t *testing.T) {
	rest := &fakeSender{protocol: transport.ProtocolREST, caps: scored(transport.ProtocolREST, 90, 1, true)}
	d := newTestDispatcher(Config{}, rest)
	ep := transport.MustParseEndpoint("http://api.example.com/a")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.Capabilities(context.Background(), ep)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, rest.probeCount())
}

func TestFailedDetectionDegradesToREST(t *testing.T) {
	grpcSender := &fakeSender{protocol: transport.ProtocolGRPC, probeErrs: []error{qerrors.Connection(nil, "refused")}}
	rest := &fakeSender{protocol: transport.ProtocolREST, probeErrs: []error{qerrors.Connection(nil, "refused")}}
	d := newTestDispatcher(Config{}, grpcSender, rest)
	ep := transport.MustParseEndpoint("http://api.example.com/a")

	caps, err := d.Capabilities(context.Background(), ep)
	require.NoError(t, err)
	assert.Equal(t, transport.DefaultCapabilities(), caps)
	assert.True(t, d.CacheSnapshot()[ep.CacheKey()].Degraded)

	sel, err := d.Select(context.Background(), ep, Requirements{})
	require.NoError(t, err)
	assert.Equal(t, []transport.Protocol{transport.ProtocolREST}, sel.Chain)

	d.ClearCache()
	assert.Empty(t, d.CacheSnapshot())
}

func TestRetryFailedDetections(t *testing.T) {
	rest := &fakeSender{
		protocol:  transport.ProtocolREST,
		caps:      scored(transport.ProtocolREST, 90, 1, true),
		probeErrs: []error{qerrors.Connection(nil, "blip")},
	}
	d := newTestDispatcher(Config{RetryFailedDetections: true, DetectionRetries: 2}, rest)

	caps, err := d.Capabilities(context.Background(), transport.MustParseEndpoint("http://api.example.com/a"))
	require.NoError(t, err)
	assert.True(t, caps.SupportsEnvelopes)
	assert.Equal(t, 2, rest.probeCount())
}

func TestNATSIsNotProbedForHTTPEndpoints(t *testing.T) {
	natsSender := &fakeSender{protocol: transport.ProtocolNATS, caps: scored(transport.ProtocolNATS, 100, 0, true)}
	rest := &fakeSender{protocol: transport.ProtocolREST, caps: scored(transport.ProtocolREST, 90, 1, true)}
	d := newTestDispatcher(Config{}, natsSender, rest)

	sel, err := d.Select(context.Background(), transport.MustParseEndpoint("http://api.example.com/a"), Requirements{RequiresEnvelopes: true})
	require.NoError(t, err)
	assert.Equal(t, []transport.Protocol{transport.ProtocolREST}, sel.Chain)
	assert.Zero(t, natsSender.probeCount())
}

func TestExplicitSchemeSkipsDetection(t *testing.T) {
	grpcSender := &fakeSender{protocol: transport.ProtocolGRPC, caps: scored(transport.ProtocolGRPC, 10, 500, true)}
	d := newTestDispatcher(Config{}, grpcSender)
	ep := transport.MustParseEndpoint("qollective-grpc://rpc.example.com:50051/Svc/Echo")

	sel, err := d.Select(context.Background(), ep, Requirements{RequiresEnvelopes: true, MinPerformanceScore: 80})
	require.NoError(t, err)
	assert.Equal(t, transport.ProtocolGRPC, sel.Primary)
	assert.Zero(t, grpcSender.probeCount())

	_, err = d.Select(context.Background(), transport.MustParseEndpoint("grpc://rpc.example.com:50051/Svc/Echo"), Requirements{RequiresEnvelopes: true})
	assert.True(t, qerrors.IsKind(err, qerrors.KindTransport))

	_, err = d.Select(context.Background(), transport.MustParseEndpoint("qollective-nats://broker/orders.new"), Requirements{})
	assert.True(t, qerrors.IsKind(err, qerrors.KindTransport))
}

func TestMCPIsNotEnabled(t *testing.T) {
	d := newTestDispatcher(Config{})
	ep := transport.MustParseEndpoint("mcp://tools.example.com/search")

	_, err := d.Select(context.Background(), ep, Requirements{})
	assert.True(t, qerrors.IsKind(err, qerrors.KindFeatureNotEnabled))
	_, err = d.SendRaw(context.Background(), ep, []byte("x"))
	assert.True(t, qerrors.IsKind(err, qerrors.KindFeatureNotEnabled))
}

func TestSendRawRouting(t *testing.T) {
	ws := fakeRawSender{&fakeSender{
		protocol: transport.ProtocolWebSocket,
		raw: func(ep transport.Endpoint, body []byte) ([]byte, error) {
			return append([]byte(ep.Scheme+":"), body...), nil
		},
	}}
	rest := &fakeSender{
		protocol: transport.ProtocolREST,
		send: func(_ transport.Endpoint, req envelope.RawEnvelope) (envelope.RawEnvelope, error) {
			return envelope.RawEnvelope{Meta: req.Meta, Payload: req.Payload}, nil
		},
	}
	d := newTestDispatcher(Config{}, ws, rest)
	ctx := context.Background()

	out, err := d.SendRaw(ctx, transport.MustParseEndpoint("ws://chat.example.com/room"), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "ws:hello", string(out))

	out, err = d.SendRaw(ctx, transport.MustParseEndpoint("qollective-http://api.example.com/echo"), []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))

	_, err = d.SendRaw(ctx, transport.MustParseEndpoint("qollective-http://api.example.com/echo"), []byte("not json"))
	assert.True(t, qerrors.IsKind(err, qerrors.KindValidation))

	rawOnly := newTestDispatcher(Config{}, &fakeSender{protocol: transport.ProtocolGRPC})
	_, err = rawOnly.SendRaw(ctx, transport.MustParseEndpoint("grpc://rpc.example.com/Svc/Echo"), []byte("x"))
	assert.True(t, qerrors.IsKind(err, qerrors.KindFeatureNotEnabled))
}

func TestTypedRequest(t *testing.T) {
	rest := &fakeSender{
		protocol: transport.ProtocolREST,
		send: func(_ transport.Endpoint, req envelope.RawEnvelope) (envelope.RawEnvelope, error) {
			var in struct {
				Msg string `json:"msg"`
			}
			if err := json.Unmarshal(req.Payload, &in); err != nil {
				return envelope.RawEnvelope{}, err
			}
			return envelope.RawEnvelope{Meta: envelope.PreserveForResponse(req.Meta), Payload: json.RawMessage(`{"reply":"Received: ` + in.Msg + `"}`)}, nil
		},
	}
	d := newTestDispatcher(Config{}, rest)

	type reply struct {
		Reply string `json:"reply"`
	}
	req := envelope.NewRequest(map[string]string{"msg": "Hello"})
	req.Meta.Tenant = "t1"
	resp, err := Request[map[string]string, reply](context.Background(), d, "qollective-http://api.example.com/echo", req, Requirements{RequiresEnvelopes: true})
	require.NoError(t, err)
	assert.Equal(t, "Received: Hello", resp.Payload.Reply)
	assert.Equal(t, req.Meta.RequestID, resp.Meta.RequestID)
	assert.Equal(t, "t1", resp.Meta.Tenant)

	_, err = Request[map[string]string, reply](context.Background(), d, "ftp://nowhere", req, Requirements{})
	assert.True(t, qerrors.IsKind(err, qerrors.KindValidation))
}
