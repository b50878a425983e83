package nats

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/qollective/qollective/internal/runtime/codec"
	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/logging"
	"github.com/qollective/qollective/internal/runtime/metrics"
	"github.com/qollective/qollective/internal/runtime/middleware"
	"github.com/qollective/qollective/transport"
)

// Reply headers used on the raw path, following the NATS service convention.
const (
	HeaderServiceError     = "Nats-Service-Error"
	HeaderServiceErrorCode = "Nats-Service-Error-Code"
)

// DefaultRequestTimeout bounds a request when neither the config nor the
// caller's context sets a deadline.
const DefaultRequestTimeout = 30 * time.Second

// ClientConfig configures a Client.
type ClientConfig struct {
	Conn           ConnConfig
	RequestTimeout time.Duration
	// Pipeline runs the outgoing transform; nil uses a pipeline without
	// tenant extraction.
	Pipeline *middleware.Pipeline
	Metrics  *metrics.TransportMetrics
}

// Client sends envelopes over NATS request/reply.
type Client struct {
	conn     *nats.Conn
	ownsConn bool
	timeout  time.Duration
	pipeline *middleware.Pipeline
	metrics  *metrics.TransportMetrics
	logger   logging.ServiceLogger
}

// NewClient connects to the broker and owns the resulting connection.
func NewClient(cfg ClientConfig, logger logging.ServiceLogger) (*Client, error) {
	conn, err := Connect(cfg.Conn, logger)
	if err != nil {
		return nil, err
	}
	c := newClient(conn, cfg, logger)
	c.ownsConn = true
	return c, nil
}

// ClientFromConn builds a client around an existing connection, which must
// be connected. Close leaves that connection open.
func ClientFromConn(conn *nats.Conn, cfg ClientConfig, logger logging.ServiceLogger) (*Client, error) {
	if err := requireConnected(conn); err != nil {
		return nil, err
	}
	return newClient(conn, cfg, logger), nil
}

func newClient(conn *nats.Conn, cfg ClientConfig, logger logging.ServiceLogger) *Client {
	logger = logging.OrNop(logger)
	pipeline := cfg.Pipeline
	if pipeline == nil {
		pipeline = middleware.NewPipeline(middleware.DefaultOptions(), logger)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{
		conn:     conn,
		timeout:  timeout,
		pipeline: pipeline,
		metrics:  cfg.Metrics,
		logger:   logger.With(logging.LogFields{logging.FieldTransport: TransportName}),
	}
}

// Conn returns the underlying connection so other layers can share it.
func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// Protocol implements transport.Sender.
func (c *Client) Protocol() transport.Protocol {
	return transport.ProtocolNATS
}

// Features implements transport.FeaturesProvider.
func (c *Client) Features() transport.Features {
	f := transport.NATSFeatures
	if max := c.conn.MaxPayload(); max > 0 {
		f.MaxMessageSize = max
	}
	return f
}

// SendEnvelope sends req to subject and waits for the reply envelope.
func (c *Client) SendEnvelope(ctx context.Context, subject string, req envelope.RawEnvelope) (resp envelope.RawEnvelope, err error) {
	if err := transport.ValidateSubject(subject); err != nil {
		return envelope.RawEnvelope{}, err
	}
	done := c.metrics.Begin(TransportName)
	defer func() { done(err) }()

	msg, err := c.message(ctx, subject, req)
	if err != nil {
		return envelope.RawEnvelope{}, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	reply, err := c.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return envelope.RawEnvelope{}, requestError(subject, err)
	}

	resp, err = codec.DecodeRaw(reply.Data)
	if err != nil {
		return envelope.RawEnvelope{}, err
	}
	if resp.Error != nil {
		return resp, transport.RemoteError(resp.Error)
	}
	return resp, nil
}

// Request sends a typed envelope to subject and decodes the reply into R.
func Request[T, R any](ctx context.Context, c *Client, subject string, req envelope.Envelope[T]) (envelope.Envelope[R], error) {
	raw, err := envelope.ToRaw(req)
	if err != nil {
		return envelope.Envelope[R]{}, qerrors.Serialization(err, nil)
	}
	resp, err := c.SendEnvelope(ctx, subject, raw)
	if err != nil && resp.Error == nil {
		return envelope.Envelope[R]{}, err
	}
	return transport.DecodeReply[R](resp)
}

// Publish sends env to subject without waiting for a reply.
func (c *Client) Publish(ctx context.Context, subject string, env envelope.RawEnvelope) error {
	if err := transport.ValidateSubject(subject); err != nil {
		return err
	}
	msg, err := c.message(ctx, subject, env)
	if err != nil {
		return err
	}
	if err := c.conn.PublishMsg(msg); err != nil {
		return requestError(subject, err)
	}
	return nil
}

// RequestRaw sends body to subject on the non-enveloped path. A zero
// timeout uses the client default.
func (c *Client) RequestRaw(ctx context.Context, subject string, body []byte, timeout time.Duration) (out []byte, err error) {
	if err := transport.ValidateSubject(subject); err != nil {
		return nil, err
	}
	done := c.metrics.Begin(TransportName)
	defer func() { done(err) }()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	reply, err := c.conn.RequestMsgWithContext(ctx, &nats.Msg{Subject: subject, Data: body})
	if err != nil {
		return nil, requestError(subject, err)
	}
	if desc := reply.Header.Get(HeaderServiceError); desc != "" {
		code := reply.Header.Get(HeaderServiceErrorCode)
		if code == "" {
			code = qerrors.KindRemote.String()
		}
		return nil, qerrors.Remote(code, desc)
	}
	return reply.Data, nil
}

// Send implements transport.Sender.
func (c *Client) Send(ctx context.Context, endpoint transport.Endpoint, req envelope.RawEnvelope) (envelope.RawEnvelope, error) {
	if endpoint.Subject == "" {
		return envelope.RawEnvelope{}, qerrors.Validation("endpoint %q names no subject", endpoint.Raw)
	}
	return c.SendEnvelope(ctx, endpoint.Subject, req)
}

// SendRaw implements transport.RawSender.
func (c *Client) SendRaw(ctx context.Context, endpoint transport.Endpoint, body []byte) ([]byte, error) {
	if endpoint.Subject == "" {
		return nil, qerrors.Validation("endpoint %q names no subject", endpoint.Raw)
	}
	return c.RequestRaw(ctx, endpoint.Subject, body, 0)
}

// Probe measures a broker round trip. The broker answers for every
// subject, so the result describes the connection rather than a single
// responder.
func (c *Client) Probe(ctx context.Context, endpoint transport.Endpoint) (transport.Capabilities, error) {
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	start := time.Now()
	if err := c.conn.FlushTimeout(timeout); err != nil {
		return transport.Capabilities{}, qerrors.Wrap(qerrors.KindNatsConnection, err, "probe broker")
	}
	rtt := time.Since(start)
	return transport.Capabilities{
		SupportsEnvelopes:  endpoint.Kind.Enveloped,
		SupportedProtocols: []transport.Protocol{transport.ProtocolNATS},
		Performance: map[transport.Protocol]transport.PerformanceMetrics{
			transport.ProtocolNATS: {
				AvgLatencyMS:     float64(rtt) / float64(time.Millisecond),
				PerformanceScore: transport.ScoreFromLatency(rtt),
			},
		},
	}, nil
}

// Close closes the connection if the client opened it.
func (c *Client) Close() {
	if c.ownsConn {
		c.conn.Close()
	}
}

func (c *Client) message(ctx context.Context, subject string, env envelope.RawEnvelope) (*nats.Msg, error) {
	env.Meta = env.Meta.Clone()
	headers := c.pipeline.ProcessOutgoing(ctx, &env.Meta, nil)
	body, err := codec.Encode(env)
	if err != nil {
		return nil, err
	}
	return &nats.Msg{Subject: subject, Data: body, Header: headers.ToNATS()}, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func requestError(subject string, err error) error {
	switch {
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return qerrors.Timeout(qerrors.KindNatsTimeout, "request to %s timed out", subject)
	case errors.Is(err, nats.ErrNoResponders):
		return qerrors.Wrap(qerrors.KindNatsSubject, err, "no responders on %s", subject)
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrConnectionDraining), errors.Is(err, nats.ErrInvalidConnection):
		return qerrors.Wrap(qerrors.KindNatsConnection, err, "send to %s", subject)
	case errors.Is(err, nats.ErrMaxPayload):
		return qerrors.Wrap(qerrors.KindValidation, err, "message to %s exceeds the broker payload limit", subject)
	}
	return qerrors.Wrap(qerrors.KindNatsMessage, err, "send to %s", subject)
}

var (
	_ transport.Sender           = (*Client)(nil)
	_ transport.RawSender        = (*Client)(nil)
	_ transport.Prober           = (*Client)(nil)
	_ transport.FeaturesProvider = (*Client)(nil)
)
