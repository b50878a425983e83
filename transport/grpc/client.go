// Package grpc carries envelopes over gRPC. Requests and replies travel as
// the protoenv tagged-union message; handlers are addressed by
// /Service/Method and resolved at call time, so no generated stubs are
// involved. Envelope meta is mirrored into call metadata by interceptors,
// failures map onto status codes through a fixed table, and the standard
// health service answers capability probes.
package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	grpcmd "google.golang.org/grpc/metadata"

	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/logging"
	"github.com/qollective/qollective/internal/runtime/metadata"
	"github.com/qollective/qollective/internal/runtime/metrics"
	"github.com/qollective/qollective/internal/runtime/middleware"
	"github.com/qollective/qollective/internal/runtime/protoenv"
	"github.com/qollective/qollective/internal/runtime/tlsconfig"
	"github.com/qollective/qollective/transport"
)

// TransportName is the name used in logs and metrics.
const TransportName = "grpc"

// DefaultTimeout bounds unary calls when the caller's context has no deadline.
const DefaultTimeout = 30 * time.Second

// ClientConfig configures a Client.
type ClientConfig struct {
	Timeout  time.Duration
	TLS      tlsconfig.Config
	Pipeline *middleware.Pipeline
	Metrics  *metrics.TransportMetrics
	// TargetScheme is the resolver used for endpoint hosts, "dns" by default.
	TargetScheme string
	DialOptions  []grpc.DialOption
}

// Client sends envelopes to gRPC endpoints, keeping one channel per host.
type Client struct {
	timeout  time.Duration
	tls      tlsconfig.Config
	scheme   string
	dialOpts []grpc.DialOption
	pipeline *middleware.Pipeline
	metrics  *metrics.TransportMetrics
	logger   logging.ServiceLogger

	mu     sync.Mutex
	shared *grpc.ClientConn
	conns  map[string]*grpc.ClientConn
}

// NewClient builds a client. Channels are opened lazily per endpoint host.
func NewClient(cfg ClientConfig, logger logging.ServiceLogger) *Client {
	logger = logging.OrNop(logger)
	pipeline := cfg.Pipeline
	if pipeline == nil {
		pipeline = middleware.NewPipeline(middleware.DefaultOptions(), logger)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	scheme := cfg.TargetScheme
	if scheme == "" {
		scheme = "dns"
	}
	return &Client{
		timeout:  timeout,
		tls:      cfg.TLS,
		scheme:   scheme,
		dialOpts: cfg.DialOptions,
		pipeline: pipeline,
		metrics:  cfg.Metrics,
		logger:   logger.With(logging.LogFields{logging.FieldTransport: TransportName}),
		conns:    map[string]*grpc.ClientConn{},
	}
}

// ClientFromConn routes every call through conn regardless of endpoint
// host. The caller keeps ownership of conn; its dial options must include
// the interceptor returned by OutboundInterceptor for meta headers to flow.
func ClientFromConn(conn *grpc.ClientConn, cfg ClientConfig, logger logging.ServiceLogger) *Client {
	c := NewClient(cfg, logger)
	c.shared = conn
	return c
}

// OutboundInterceptor returns the interceptor that mirrors envelope meta
// into call metadata, for connections dialled outside this package.
func (c *Client) OutboundInterceptor() grpc.UnaryClientInterceptor {
	return outboundInterceptor(c.pipeline)
}

// Protocol implements transport.Sender.
func (c *Client) Protocol() transport.Protocol {
	return transport.ProtocolGRPC
}

// Features implements transport.FeaturesProvider.
func (c *Client) Features() transport.Features {
	return transport.GRPCFeatures
}

func (c *Client) conn(endpoint transport.Endpoint) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shared != nil {
		return c.shared, nil
	}
	if cc, ok := c.conns[endpoint.Host]; ok {
		return cc, nil
	}

	creds, err := c.credentials(endpoint)
	if err != nil {
		return nil, err
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithChainUnaryInterceptor(outboundInterceptor(c.pipeline)),
	}, c.dialOpts...)
	cc, err := grpc.NewClient(c.scheme+":///"+endpoint.Host, opts...)
	if err != nil {
		return nil, qerrors.Connection(err, "open channel to %s", endpoint.Host)
	}
	c.conns[endpoint.Host] = cc
	return cc, nil
}

func (c *Client) credentials(endpoint transport.Endpoint) (credentials.TransportCredentials, error) {
	if !endpoint.Secure && !c.tls.Enabled {
		return insecure.NewCredentials(), nil
	}
	cfg, err := c.tls.Client()
	if err != nil {
		return nil, qerrors.Wrap(qerrors.KindConfig, err, "grpc tls")
	}
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = endpoint.Hostname()
	}
	return credentials.NewTLS(cfg), nil
}

// SendEnvelope performs a unary envelope call to the method the endpoint
// names.
func (c *Client) SendEnvelope(ctx context.Context, endpoint transport.Endpoint, req envelope.RawEnvelope) (resp envelope.RawEnvelope, err error) {
	method := endpoint.FullMethod()
	if endpoint.Service == "" || endpoint.Method == "" {
		return envelope.RawEnvelope{}, qerrors.Validation("grpc endpoint %q names no Service/Method", endpoint.Raw)
	}
	done := c.metrics.Begin(TransportName)
	defer func() { done(err) }()

	cc, err := c.conn(endpoint)
	if err != nil {
		return envelope.RawEnvelope{}, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	pe := protoenv.FromRaw(req, "")
	pe.Meta = req.Meta.Clone()
	var out protoenv.Envelope
	var trailer grpcmd.MD
	if err := cc.Invoke(ctx, method, pe, &out, grpc.ForceCodec(codec), grpc.Trailer(&trailer)); err != nil {
		return envelope.RawEnvelope{}, fromStatus(err, trailer, method)
	}
	resp = out.ToRaw()
	if resp.Error != nil {
		return resp, transport.RemoteError(resp.Error)
	}
	return resp, nil
}

// Send implements transport.Sender.
func (c *Client) Send(ctx context.Context, endpoint transport.Endpoint, req envelope.RawEnvelope) (envelope.RawEnvelope, error) {
	return c.SendEnvelope(ctx, endpoint, req)
}

// SendRaw implements transport.RawSender; body and reply are passed as-is.
func (c *Client) SendRaw(ctx context.Context, endpoint transport.Endpoint, body []byte) (out []byte, err error) {
	if endpoint.Service == "" || endpoint.Method == "" {
		return nil, qerrors.Validation("grpc endpoint %q names no Service/Method", endpoint.Raw)
	}
	done := c.metrics.Begin(TransportName)
	defer func() { done(err) }()

	cc, err := c.conn(endpoint)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var trailer grpcmd.MD
	if err := cc.Invoke(ctx, endpoint.FullMethod(), &body, &out, grpc.ForceCodec(codec), grpc.Trailer(&trailer)); err != nil {
		return nil, fromStatus(err, trailer, endpoint.FullMethod())
	}
	return out, nil
}

// Call sends a typed request and decodes the typed reply.
func Call[T, R any](ctx context.Context, c *Client, endpoint transport.Endpoint, req envelope.Envelope[T]) (envelope.Envelope[R], error) {
	return transport.Send[T, R](ctx, c, endpoint, req)
}

// HealthCheck asks the endpoint's health service about service; an empty
// service asks about the server as a whole.
func (c *Client) HealthCheck(ctx context.Context, endpoint transport.Endpoint, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	cc, err := c.conn(endpoint)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fromStatus(err, nil, healthpb.Health_Check_FullMethodName)
	}
	return resp.GetStatus(), nil
}

// Probe implements transport.Prober with a single health check.
func (c *Client) Probe(ctx context.Context, endpoint transport.Endpoint) (transport.Capabilities, error) {
	start := time.Now()
	st, err := c.HealthCheck(ctx, endpoint, "")
	rtt := time.Since(start)
	if err != nil && !qerrors.IsKind(err, qerrors.KindFeatureNotEnabled) {
		return transport.Capabilities{}, err
	}
	if err == nil && st != healthpb.HealthCheckResponse_SERVING {
		return transport.Capabilities{}, qerrors.New(qerrors.KindConnection, "grpc endpoint %s is %s", endpoint.Host, st)
	}
	return transport.Capabilities{
		SupportsEnvelopes:  endpoint.Kind.Enveloped,
		SupportedProtocols: []transport.Protocol{transport.ProtocolGRPC},
		Performance: map[transport.Protocol]transport.PerformanceMetrics{
			transport.ProtocolGRPC: {
				AvgLatencyMS:     float64(rtt) / float64(time.Millisecond),
				PerformanceScore: transport.ScoreFromLatency(rtt),
			},
		},
	}, nil
}

// ServerStream reads the replies of a server-streaming call.
type ServerStream[R any] struct {
	stream grpc.ClientStream
	method string
	cancel context.CancelFunc
}

// OpenServerStream sends req and returns the stream of replies. The
// stream lives until it is drained, fails, or Close is called.
func OpenServerStream[T, R any](ctx context.Context, c *Client, endpoint transport.Endpoint, req envelope.Envelope[T]) (*ServerStream[R], error) {
	if endpoint.Service == "" || endpoint.Method == "" {
		return nil, qerrors.Validation("grpc endpoint %q names no Service/Method", endpoint.Raw)
	}
	raw, err := envelope.ToRaw(req)
	if err != nil {
		return nil, qerrors.Serialization(err, nil)
	}
	cc, err := c.conn(endpoint)
	if err != nil {
		return nil, err
	}

	pe := protoenv.FromRaw(raw, protoenv.TypeURLFor[T]())
	pe.Meta = raw.Meta.Clone()
	existing, _ := grpcmd.FromOutgoingContext(ctx)
	headers := c.pipeline.ProcessOutgoing(ctx, &pe.Meta, metadata.FromGRPC(existing))

	ctx, cancel := context.WithCancel(grpcmd.NewOutgoingContext(ctx, headers.ToGRPC()))
	method := endpoint.FullMethod()
	stream, err := cc.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, method, grpc.ForceCodec(codec))
	if err != nil {
		cancel()
		return nil, fromStatus(err, nil, method)
	}
	if err := stream.SendMsg(pe); err != nil {
		cancel()
		return nil, fromStatus(err, stream.Trailer(), method)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, fromStatus(err, stream.Trailer(), method)
	}
	return &ServerStream[R]{stream: stream, method: method, cancel: cancel}, nil
}

// Recv returns the next reply, or io.EOF once the server has finished.
func (s *ServerStream[R]) Recv() (envelope.Envelope[R], error) {
	var pe protoenv.Envelope
	if err := s.stream.RecvMsg(&pe); err != nil {
		s.cancel()
		if errors.Is(err, io.EOF) {
			return envelope.Envelope[R]{}, io.EOF
		}
		return envelope.Envelope[R]{}, fromStatus(err, s.stream.Trailer(), s.method)
	}
	return protoenv.ToEnvelope[R](&pe)
}

// Close abandons the stream.
func (s *ServerStream[R]) Close() {
	s.cancel()
}

// Close closes the channels the client opened.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for host, cc := range c.conns {
		if err := cc.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(c.conns, host)
	}
	return errors.Join(errs...)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

var (
	_ transport.Sender           = (*Client)(nil)
	_ transport.RawSender        = (*Client)(nil)
	_ transport.Prober           = (*Client)(nil)
	_ transport.FeaturesProvider = (*Client)(nil)
)
