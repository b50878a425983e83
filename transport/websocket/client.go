package websocket

import (
	"context"
	"errors"
	"io"
	nethttp "net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qollective/qollective/internal/runtime/codec"
	"github.com/qollective/qollective/internal/runtime/config"
	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/ids"
	"github.com/qollective/qollective/internal/runtime/logging"
	"github.com/qollective/qollective/internal/runtime/metadata"
	"github.com/qollective/qollective/internal/runtime/metrics"
	"github.com/qollective/qollective/internal/runtime/middleware"
	"github.com/qollective/qollective/internal/runtime/tlsconfig"
	"github.com/qollective/qollective/transport"
)

const (
	DefaultRequestTimeout   = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Path is the socket path on the server, DefaultPath when empty.
	Path             string
	PingInterval     time.Duration
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
	// Subprotocols are offered after Subprotocol.
	Subprotocols []string
	Compression  bool
	TLS          tlsconfig.Config
	// Headers are sent with the upgrade request, for example a bearer token.
	Headers  metadata.Metadata
	Pipeline *middleware.Pipeline
	Metrics  *metrics.TransportMetrics
}

// ClientConfigFrom copies the WebSocket settings out of cfg.
func ClientConfigFrom(cfg config.Config) ClientConfig {
	return ClientConfig{
		PingInterval:   cfg.WebSocketPingInterval,
		MaxMessageSize: cfg.WebSocketMaxMessageSize,
		Subprotocols:   cfg.WebSocketSubprotocols,
		Compression:    cfg.WebSocketCompression,
		TLS:            cfg.WebSocketTLS,
	}
}

// Client keeps one socket per server and sends envelopes over it.
type Client struct {
	cfg      ClientConfig
	dialer   *websocket.Dialer
	pipeline *middleware.Pipeline
	logger   logging.ServiceLogger

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewClient builds a client. Sockets are dialled on first use.
func NewClient(cfg ClientConfig, logger logging.ServiceLogger) (*Client, error) {
	logger = logging.OrNop(logger)
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	pipeline := cfg.Pipeline
	if pipeline == nil {
		pipeline = middleware.NewPipeline(middleware.DefaultOptions(), logger)
	}
	tlsCfg, err := cfg.TLS.Client()
	if err != nil {
		return nil, qerrors.Wrap(qerrors.KindConfig, err, "websocket tls")
	}
	protocols := append([]string{Subprotocol}, slices.DeleteFunc(slices.Clone(cfg.Subprotocols), func(p string) bool { return p == Subprotocol })...)
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:             nethttp.ProxyFromEnvironment,
			HandshakeTimeout:  cfg.HandshakeTimeout,
			TLSClientConfig:   tlsCfg,
			Subprotocols:      protocols,
			EnableCompression: cfg.Compression,
		},
		pipeline: pipeline,
		logger:   logger.With(logging.LogFields{logging.FieldTransport: TransportName}),
		conns:    map[string]*Conn{},
	}, nil
}

// Protocol implements transport.Sender.
func (c *Client) Protocol() transport.Protocol {
	return transport.ProtocolWebSocket
}

// Features implements transport.FeaturesProvider.
func (c *Client) Features() transport.Features {
	f := transport.WebSocketFeatures
	if c.cfg.MaxMessageSize > 0 {
		f.MaxMessageSize = c.cfg.MaxMessageSize
	}
	return f
}

// Dial opens a new socket to rawURL. The caller owns the returned Conn.
func (c *Client) Dial(ctx context.Context, rawURL string) (*Conn, error) {
	header := nethttp.Header{}
	c.cfg.Headers.ToHTTP(header)
	ws, resp, err := c.dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, qerrors.MaxErrorBodyBytes))
			resp.Body.Close()
			return nil, qerrors.TransportStatus(resp.StatusCode, body)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, qerrors.Timeout(qerrors.KindTransport, "dial %s timed out", rawURL)
		}
		return nil, qerrors.Connection(err, "dial %s", rawURL)
	}
	conn := &Conn{
		sock:     newSocket(ws, c.cfg.MaxMessageSize, c.cfg.PingInterval),
		pipeline: c.pipeline,
		metrics:  c.cfg.Metrics,
		logger:   c.logger.With(logging.LogFields{logging.FieldEndpoint: rawURL}),
		timeout:  c.cfg.RequestTimeout,
		pending:  map[string]chan frame{},
	}
	go conn.readLoop()
	return conn, nil
}

// Send implements transport.Sender. The endpoint path names the route.
func (c *Client) Send(ctx context.Context, endpoint transport.Endpoint, req envelope.RawEnvelope) (envelope.RawEnvelope, error) {
	conn, err := c.conn(ctx, endpoint)
	if err != nil {
		return envelope.RawEnvelope{}, err
	}
	return conn.Request(ctx, routeOf(endpoint), req)
}

// SendRaw implements transport.RawSender.
func (c *Client) SendRaw(ctx context.Context, endpoint transport.Endpoint, body []byte) ([]byte, error) {
	conn, err := c.conn(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return conn.RequestRaw(ctx, routeOf(endpoint), body)
}

// Probe dials the server's socket, which costs the upgrade round trip, and
// keeps the socket for later sends.
func (c *Client) Probe(ctx context.Context, endpoint transport.Endpoint) (transport.Capabilities, error) {
	c.drop(endpoint)
	start := time.Now()
	conn, err := c.conn(ctx, endpoint)
	if err != nil {
		return transport.Capabilities{}, err
	}
	rtt := time.Since(start)
	return transport.Capabilities{
		SupportsEnvelopes:  conn.Subprotocol() == Subprotocol,
		SupportedProtocols: []transport.Protocol{transport.ProtocolWebSocket},
		Performance: map[transport.Protocol]transport.PerformanceMetrics{
			transport.ProtocolWebSocket: {
				ConnectionTimeMS: float64(rtt) / float64(time.Millisecond),
				AvgLatencyMS:     float64(rtt) / float64(time.Millisecond),
				PerformanceScore: transport.ScoreFromLatency(rtt),
			},
		},
	}, nil
}

// Close closes every cached socket.
func (c *Client) Close() {
	c.mu.Lock()
	conns := c.conns
	c.conns = map[string]*Conn{}
	c.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func (c *Client) conn(ctx context.Context, endpoint transport.Endpoint) (*Conn, error) {
	key := c.socketURL(endpoint)
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[key]; ok && !conn.sock.closed() {
		return conn, nil
	}
	conn, err := c.Dial(ctx, key)
	if err != nil {
		return nil, err
	}
	c.conns[key] = conn
	return conn, nil
}

func (c *Client) drop(endpoint transport.Endpoint) {
	key := c.socketURL(endpoint)
	c.mu.Lock()
	conn, ok := c.conns[key]
	delete(c.conns, key)
	c.mu.Unlock()
	if ok {
		conn.Close()
	}
}

func (c *Client) socketURL(endpoint transport.Endpoint) string {
	u := url.URL{Scheme: "ws", Host: endpoint.Host, Path: c.cfg.Path}
	if endpoint.Secure {
		u.Scheme = "wss"
	}
	return u.String()
}

func routeOf(endpoint transport.Endpoint) string {
	return strings.Trim(endpoint.Path, "/")
}

// Conn is one client socket. Requests may be issued concurrently; replies
// can arrive in any order.
type Conn struct {
	sock     *socket
	pipeline *middleware.Pipeline
	metrics  *metrics.TransportMetrics
	logger   logging.ServiceLogger
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]chan frame
	readErr error
}

// Subprotocol returns the subprotocol the server selected.
func (c *Conn) Subprotocol() string {
	return c.sock.ws.Subprotocol()
}

// Request sends env to route and waits for the matching reply. Each frame
// carries its own correlation ID, so envelopes sharing a request_id may be in
// flight together.
func (c *Conn) Request(ctx context.Context, route string, env envelope.RawEnvelope) (resp envelope.RawEnvelope, err error) {
	done := c.metrics.Begin(TransportName)
	defer func() { done(err) }()

	env.Meta = env.Meta.Clone()
	c.pipeline.ProcessOutgoing(ctx, &env.Meta, nil)
	data, err := codec.Encode(env)
	if err != nil {
		return envelope.RawEnvelope{}, err
	}
	reply, err := c.roundTrip(ctx, frame{Type: frameRequest, ID: ids.NewRequestID(), Route: route, Data: data})
	if err != nil {
		return envelope.RawEnvelope{}, err
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

// RequestRaw sends body to route on the non-enveloped path.
func (c *Conn) RequestRaw(ctx context.Context, route string, body []byte) (out []byte, err error) {
	done := c.metrics.Begin(TransportName)
	defer func() { done(err) }()

	reply, err := c.roundTrip(ctx, frame{Type: frameRawRequest, ID: ids.NewRequestID(), Route: route, Body: body})
	if err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return nil, transport.RemoteError(reply.Error)
	}
	return reply.Body, nil
}

// Close closes the socket; pending requests fail with a connection error.
func (c *Conn) Close() {
	c.sock.close(websocket.CloseNormalClosure, "")
}

func (c *Conn) roundTrip(ctx context.Context, req frame) (frame, error) {
	ch, err := c.register(req.ID)
	if err != nil {
		return frame{}, err
	}
	defer c.unregister(req.ID)

	if err := c.sock.write(req); err != nil {
		return frame{}, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return frame{}, qerrors.Timeout(qerrors.KindTransport, "request %s to %q timed out", req.ID, req.Route)
		}
		return frame{}, qerrors.Wrap(qerrors.KindTransport, ctx.Err(), "request %s to %q", req.ID, req.Route)
	case <-c.sock.done:
		return frame{}, qerrors.Connection(c.closeReason(), "websocket closed while waiting for %s", req.ID)
	}
}

func (c *Conn) register(id string) (chan frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock.closed() {
		return nil, qerrors.Connection(c.readErr, "websocket closed")
	}
	if _, dup := c.pending[id]; dup {
		return nil, qerrors.Internal("correlation id %s is already in flight", id)
	}
	ch := make(chan frame, 1)
	c.pending[id] = ch
	return ch, nil
}

func (c *Conn) unregister(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) closeReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.sock.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.sock.closed() {
				c.logger.Error("WebSocket read failed", err, nil)
			}
			c.sock.close(websocket.CloseNormalClosure, "")
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			c.logger.Info("Dropping malformed frame", logging.LogFields{"error": err.Error()})
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if !ok {
			logging.Warn(c.logger, "Dropping unmatched frame", logging.LogFields{"correlation_id": f.ID, "type": f.Type})
			continue
		}
		ch <- f
	}
}

var (
	_ transport.Sender           = (*Client)(nil)
	_ transport.RawSender        = (*Client)(nil)
	_ transport.Prober           = (*Client)(nil)
	_ transport.FeaturesProvider = (*Client)(nil)
)
