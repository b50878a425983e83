// Package http carries envelopes over HTTP/JSON. Body methods (POST, PUT,
// PATCH) send the whole envelope as the request body; query methods (GET,
// DELETE, OPTIONS) send only the payload in the envelope_data parameter and
// move the meta into headers. Responses are always envelope bodies.
package http

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	nethttp "net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/qollective/qollective/internal/runtime/codec"
	"github.com/qollective/qollective/internal/runtime/config"
	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/jsoncodec"
	"github.com/qollective/qollective/internal/runtime/logging"
	"github.com/qollective/qollective/internal/runtime/metadata"
	"github.com/qollective/qollective/internal/runtime/metrics"
	"github.com/qollective/qollective/internal/runtime/middleware"
	"github.com/qollective/qollective/internal/runtime/tlsconfig"
	"github.com/qollective/qollective/transport"
)

// TransportName labels logs and metrics of this transport.
const TransportName = string(transport.ProtocolREST)

// HeaderCapabilities carries the JSON capability document a server
// advertises in answer to OPTIONS.
const HeaderCapabilities = "X-Qollective-Capabilities"

const (
	DefaultTimeout      = 30 * time.Second
	DefaultUserAgent    = "qollective-go"
	DefaultRetryBackoff = 100 * time.Millisecond
	// MaxRetryBackoff caps the doubling delay between attempts.
	MaxRetryBackoff = 5 * time.Second
	// MaxResponseBytes bounds a response body read into memory.
	MaxResponseBytes = 32 << 20
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL resolves relative request paths.
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	// RetryAttempts counts attempts after the first one.
	RetryAttempts int
	RetryBackoff  time.Duration
	TLS           tlsconfig.Config
	// Headers are sent with every request, for example a bearer token.
	Headers  metadata.Metadata
	Pipeline *middleware.Pipeline
	Metrics  *metrics.TransportMetrics
	// HTTPClient replaces the pooled client built from the settings above.
	HTTPClient *nethttp.Client
}

// ClientConfigFrom copies the HTTP settings out of cfg.
func ClientConfigFrom(cfg config.Config) ClientConfig {
	return ClientConfig{
		BaseURL:       cfg.HTTPBaseURL,
		Timeout:       cfg.HTTPTimeout,
		UserAgent:     cfg.HTTPUserAgent,
		RetryAttempts: cfg.HTTPRetryAttempts,
		TLS:           cfg.HTTPTLS,
	}
}

// Client sends envelopes to HTTP endpoints.
type Client struct {
	base      *url.URL
	http      *nethttp.Client
	userAgent string
	retries   int
	backoff   time.Duration
	headers   metadata.Metadata
	pipeline  *middleware.Pipeline
	metrics   *metrics.TransportMetrics
	logger    logging.ServiceLogger
}

// NewClient builds a client around a pooled *http.Client.
func NewClient(cfg ClientConfig, logger logging.ServiceLogger) (*Client, error) {
	logger = logging.OrNop(logger)
	c := &Client{
		userAgent: cfg.UserAgent,
		retries:   cfg.RetryAttempts,
		backoff:   cfg.RetryBackoff,
		headers:   cfg.Headers.Clone(),
		pipeline:  cfg.Pipeline,
		metrics:   cfg.Metrics,
		logger:    logger.With(logging.LogFields{logging.FieldTransport: TransportName}),
	}
	if c.userAgent == "" {
		c.userAgent = DefaultUserAgent
	}
	if c.retries < 0 {
		return nil, qerrors.Config("http: retry attempts cannot be negative")
	}
	if c.backoff <= 0 {
		c.backoff = DefaultRetryBackoff
	}
	if c.pipeline == nil {
		c.pipeline = middleware.NewPipeline(middleware.DefaultOptions(), logger)
	}
	if cfg.BaseURL != "" {
		base, err := url.Parse(cfg.BaseURL)
		if err != nil || base.Scheme == "" || base.Host == "" {
			return nil, qerrors.Config("http: invalid base URL %q", cfg.BaseURL)
		}
		c.base = base
	}

	c.http = cfg.HTTPClient
	if c.http == nil {
		tlsCfg, err := cfg.TLS.Client()
		if err != nil {
			return nil, qerrors.Wrap(qerrors.KindConfig, err, "http tls")
		}
		tr := nethttp.DefaultTransport.(*nethttp.Transport).Clone()
		if tlsCfg != nil {
			tr.TLSClientConfig = tlsCfg
		}
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c.http = &nethttp.Client{Transport: tr, Timeout: timeout}
	}
	return c, nil
}

type headersKey struct{}

// WithHeaders attaches extra request headers to ctx for the next call.
// An authorization header placed here suppresses the tenant header.
func WithHeaders(ctx context.Context, md metadata.Metadata) context.Context {
	if prev, ok := ctx.Value(headersKey{}).(metadata.Metadata); ok {
		md = prev.WithAll(md)
	}
	return context.WithValue(ctx, headersKey{}, md)
}

func headersFromContext(ctx context.Context) metadata.Metadata {
	md, _ := ctx.Value(headersKey{}).(metadata.Metadata)
	return md
}

// Protocol implements transport.Sender.
func (c *Client) Protocol() transport.Protocol {
	return transport.ProtocolREST
}

// Features implements transport.FeaturesProvider.
func (c *Client) Features() transport.Features {
	return transport.RESTFeatures
}

func (c *Client) Post(ctx context.Context, path string, env envelope.RawEnvelope) (envelope.RawEnvelope, error) {
	return c.Do(ctx, nethttp.MethodPost, path, env)
}

func (c *Client) Put(ctx context.Context, path string, env envelope.RawEnvelope) (envelope.RawEnvelope, error) {
	return c.Do(ctx, nethttp.MethodPut, path, env)
}

func (c *Client) Patch(ctx context.Context, path string, env envelope.RawEnvelope) (envelope.RawEnvelope, error) {
	return c.Do(ctx, nethttp.MethodPatch, path, env)
}

func (c *Client) Get(ctx context.Context, path string, env envelope.RawEnvelope) (envelope.RawEnvelope, error) {
	return c.Do(ctx, nethttp.MethodGet, path, env)
}

func (c *Client) Delete(ctx context.Context, path string, env envelope.RawEnvelope) (envelope.RawEnvelope, error) {
	return c.Do(ctx, nethttp.MethodDelete, path, env)
}

func (c *Client) Options(ctx context.Context, path string, env envelope.RawEnvelope) (envelope.RawEnvelope, error) {
	return c.Do(ctx, nethttp.MethodOptions, path, env)
}

// Request sends a typed envelope with method to path and decodes the reply
// into R.
func Request[T, R any](ctx context.Context, c *Client, method, path string, req envelope.Envelope[T]) (envelope.Envelope[R], error) {
	raw, err := envelope.ToRaw(req)
	if err != nil {
		return envelope.Envelope[R]{}, qerrors.Serialization(err, nil)
	}
	resp, err := c.Do(ctx, method, path, raw)
	if err != nil && resp.Error == nil {
		return envelope.Envelope[R]{}, err
	}
	out, decodeErr := transport.DecodeReply[R](resp)
	if err != nil {
		// keeps the response status attached by Do
		return out, err
	}
	return out, decodeErr
}

// Do sends env with method to path, which is either absolute or relative to
// the base URL. A reply carrying an error member is returned together with
// the matching error.
func (c *Client) Do(ctx context.Context, method, path string, env envelope.RawEnvelope) (resp envelope.RawEnvelope, err error) {
	method = strings.ToUpper(method)
	target, err := c.resolve(path)
	if err != nil {
		return envelope.RawEnvelope{}, err
	}
	done := c.metrics.Begin(TransportName)
	defer func() { done(err) }()

	env.Meta = env.Meta.Clone()
	headers := c.pipeline.ProcessOutgoing(ctx, &env.Meta, c.headers.WithAll(headersFromContext(ctx)))

	var body []byte
	if codec.IsBodyMethod(method) {
		if body, err = codec.Encode(env); err != nil {
			return envelope.RawEnvelope{}, err
		}
	} else if len(env.Payload) > 0 {
		values, err := codec.EncodeQuery(env.Payload)
		if err != nil {
			return envelope.RawEnvelope{}, err
		}
		query := target.Query()
		query.Set(codec.QueryParam, values.Get(codec.QueryParam))
		target.RawQuery = query.Encode()
	}

	status, _, data, err := c.exchange(ctx, method, target.String(), headers, body, codec.ContentType)
	if err != nil {
		return envelope.RawEnvelope{}, err
	}
	return decodeResponse(status, data)
}

// Send implements transport.Sender by posting the envelope to the
// endpoint URL.
func (c *Client) Send(ctx context.Context, endpoint transport.Endpoint, req envelope.RawEnvelope) (envelope.RawEnvelope, error) {
	return c.Do(ctx, nethttp.MethodPost, endpoint.HTTPURL(), req)
}

// SendRaw implements transport.RawSender by posting body unchanged.
func (c *Client) SendRaw(ctx context.Context, endpoint transport.Endpoint, body []byte) (out []byte, err error) {
	done := c.metrics.Begin(TransportName)
	defer func() { done(err) }()

	headers := c.headers.WithAll(headersFromContext(ctx))
	status, respHeaders, data, err := c.exchange(ctx, nethttp.MethodPost, endpoint.HTTPURL(), headers, body, "application/octet-stream")
	if err != nil {
		return nil, err
	}
	if status/100 != 2 {
		if code := respHeaders.Get(HeaderErrorKind); code != "" {
			e := qerrors.Remote(code, string(data))
			e.Status = status
			return nil, e
		}
		return nil, qerrors.TransportStatus(status, data)
	}
	return data, nil
}

// Probe sends one OPTIONS request. Servers hosting envelope handlers answer
// with a capability document; any other answer describes plain REST.
func (c *Client) Probe(ctx context.Context, endpoint transport.Endpoint) (transport.Capabilities, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodOptions, endpoint.HTTPURL(), nil)
	if err != nil {
		return transport.Capabilities{}, qerrors.Validation("invalid endpoint %q: %v", endpoint.Raw, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	c.headers.ToHTTP(req.Header)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return transport.Capabilities{}, sendError(ctx, req.Method, req.URL.String(), err)
	}
	rtt := time.Since(start)
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxResponseBytes))
	resp.Body.Close()

	caps := transport.DefaultCapabilities()
	if doc := resp.Header.Get(HeaderCapabilities); doc != "" {
		var advertised transport.Capabilities
		if err := jsoncodec.Unmarshal([]byte(doc), &advertised); err != nil {
			c.logger.Debug("Ignoring malformed capability header", logging.LogFields{logging.FieldEndpoint: endpoint.Raw})
		} else {
			caps = advertised
		}
	}
	if caps.Performance == nil {
		caps.Performance = map[transport.Protocol]transport.PerformanceMetrics{}
	}
	if _, ok := caps.Performance[transport.ProtocolREST]; !ok {
		caps.Performance[transport.ProtocolREST] = transport.PerformanceMetrics{
			AvgLatencyMS:     float64(rtt) / float64(time.Millisecond),
			PerformanceScore: transport.ScoreFromLatency(rtt),
		}
	}
	return caps, nil
}

// Close releases idle pooled connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) resolve(path string) (*url.URL, error) {
	u, err := url.Parse(path)
	if err != nil {
		return nil, qerrors.Validation("invalid request path %q: %v", path, err)
	}
	if u.IsAbs() {
		return u, nil
	}
	if c.base == nil {
		return nil, qerrors.Validation("relative path %q needs a base URL", path)
	}
	return c.base.ResolveReference(u), nil
}

// exchange performs the request with the retry policy: query methods retry
// on send errors and on 429 or 5xx answers, body methods only when the
// connection could not be established.
func (c *Client) exchange(ctx context.Context, method, target string, headers metadata.Metadata, body []byte, contentType string) (int, nethttp.Header, []byte, error) {
	var lastErr error
	delays := newRetryBackOff(c.backoff)
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			delay := delays.NextBackOff()
			c.logger.Debug("Retrying request", logging.LogFields{
				logging.FieldEndpoint: target,
				logging.FieldAttempt:  attempt,
				"method":              method,
				"delay_ms":            delay.Milliseconds(),
			})
			if err := sleep(ctx, delay); err != nil {
				return 0, nil, nil, sendError(ctx, method, target, err)
			}
		}

		req, err := nethttp.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
		if err != nil {
			return 0, nil, nil, qerrors.Validation("invalid request %s %s: %v", method, target, err)
		}
		headers.ToHTTP(req.Header)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Accept", codec.ContentType)
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = sendError(ctx, method, target, err)
			if ctx.Err() == nil && retryableSendError(method, err) {
				continue
			}
			return 0, nil, nil, lastErr
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
		resp.Body.Close()
		if err != nil {
			lastErr = qerrors.Wrap(qerrors.KindTransport, err, "read response of %s %s", method, target)
			if ctx.Err() == nil && idempotent(method) {
				continue
			}
			return 0, nil, nil, lastErr
		}
		if idempotent(method) && retryableStatus(resp.StatusCode) && attempt < c.retries {
			lastErr = qerrors.TransportStatus(resp.StatusCode, data)
			continue
		}
		return resp.StatusCode, resp.Header, data, nil
	}
	return 0, nil, nil, lastErr
}

func decodeResponse(status int, data []byte) (envelope.RawEnvelope, error) {
	if status/100 != 2 {
		if env, err := codec.DecodeRaw(data); err == nil && env.Error != nil {
			e := qerrors.Remote(env.Error.Code, env.Error.Message)
			e.Status = status
			return env, e
		}
		return envelope.RawEnvelope{}, qerrors.TransportStatus(status, data)
	}
	env, err := codec.DecodeRaw(data)
	if err != nil {
		// An undecodable 2xx answer is reported as Serialization with the body.
		e := qerrors.Serialization(err, data)
		e.Message = "failed to decode response"
		e.Status = status
		return envelope.RawEnvelope{}, e
	}
	if env.Error != nil {
		return env, transport.RemoteError(env.Error)
	}
	return env, nil
}

func idempotent(method string) bool {
	switch method {
	case nethttp.MethodGet, nethttp.MethodHead, nethttp.MethodDelete, nethttp.MethodOptions:
		return true
	}
	return false
}

func retryableSendError(method string, err error) bool {
	if idempotent(method) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func sendError(ctx context.Context, method, target string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return qerrors.Timeout(qerrors.KindTransport, "%s %s timed out", method, target)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return qerrors.Wrap(qerrors.KindTransport, ctxErr, "%s %s", method, target)
	}
	return qerrors.Connection(err, "%s %s", method, target)
}

// newRetryBackOff doubles the delay from initial up to MaxRetryBackoff.
func newRetryBackOff(initial time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = MaxRetryBackoff
	b.Reset()
	return b
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var (
	_ transport.Sender           = (*Client)(nil)
	_ transport.RawSender        = (*Client)(nil)
	_ transport.Prober           = (*Client)(nil)
	_ transport.FeaturesProvider = (*Client)(nil)
)
