// Package hybrid picks a transport per endpoint. Endpoints whose scheme
// leaves the family open are probed over every registered transport, the
// result is cached per server, and requests are sent over the best match
// with the remaining compatible transports as fallbacks.
package hybrid

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/qollective/qollective/internal/runtime/config"
	"github.com/qollective/qollective/internal/runtime/envelope"
	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/internal/runtime/logging"
	"github.com/qollective/qollective/internal/runtime/metrics"
	"github.com/qollective/qollective/transport"
)

const (
	DefaultDetectionTimeout = 2 * time.Second
	DefaultCacheTTL         = 5 * time.Minute
)

// Requirements constrain which transports may serve a request.
type Requirements struct {
	RequiresEnvelopes bool
	// MinPerformanceScore drops probed families scoring below it. Zero
	// disables the check.
	MinPerformanceScore uint32
	RequiredAuthMethods []string
	// PreferredProtocols are tried first, in order, when envelopes are not
	// required.
	PreferredProtocols []transport.Protocol
	// MaxLatencyMS drops probed families slower than it. Zero disables the
	// check.
	MaxLatencyMS uint32
}

// Config configures a Dispatcher.
type Config struct {
	DetectionTimeout      time.Duration
	DetectionRetries      int
	RetryFailedDetections bool
	CacheTTL              time.Duration
	// Requirements apply to Send and SendRaw.
	Requirements Requirements
	Metrics      *metrics.TransportMetrics
}

// ConfigFrom copies the detection settings out of cfg.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		DetectionTimeout:      cfg.DetectionTimeout,
		DetectionRetries:      cfg.DetectionRetries,
		RetryFailedDetections: cfg.RetryFailedDetections,
		CacheTTL:              cfg.CapabilityCacheTTL,
	}
}

// Selection is the outcome of transport selection for one endpoint.
type Selection struct {
	Primary transport.Protocol
	// Enveloped tells whether the chosen transports carry envelopes.
	Enveloped bool
	// Chain starts with Primary and lists the fallbacks in order.
	Chain        []transport.Protocol
	Capabilities transport.Capabilities
}

// Dispatcher routes requests to the senders of a transport.Registry.
type Dispatcher struct {
	registry *transport.Registry
	cfg      Config
	cache    *capabilityCache
	detect   singleflight.Group
	logger   logging.ServiceLogger
}

// New builds a dispatcher over the senders in registry.
func New(registry *transport.Registry, cfg Config, logger logging.ServiceLogger) *Dispatcher {
	return newDispatcher(registry, cfg, logger, time.Now)
}

func newDispatcher(registry *transport.Registry, cfg Config, logger logging.ServiceLogger, now func() time.Time) *Dispatcher {
	if cfg.DetectionTimeout <= 0 {
		cfg.DetectionTimeout = DefaultDetectionTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.DetectionRetries < 0 {
		cfg.DetectionRetries = 0
	}
	return &Dispatcher{
		registry: registry,
		cfg:      cfg,
		cache:    newCapabilityCache(cfg.CacheTTL, now),
		logger:   logging.OrNop(logger).With(logging.LogFields{logging.FieldTransport: "hybrid"}),
	}
}

// Registry returns the senders the dispatcher selects from.
func (d *Dispatcher) Registry() *transport.Registry {
	return d.registry
}

// Capabilities returns what is known about endpoint. Schemes that settle
// the family answer directly; the others are served from the cache or
// probed. Detection never fails: when every probe fails the endpoint is
// treated as plain REST.
func (d *Dispatcher) Capabilities(ctx context.Context, endpoint transport.Endpoint) (transport.Capabilities, error) {
	if !endpoint.Detect {
		return transport.Capabilities{
			SupportsEnvelopes:  endpoint.Kind.Enveloped,
			SupportedProtocols: []transport.Protocol{endpoint.Kind.Protocol},
		}, nil
	}

	key := endpoint.CacheKey()
	if e, ok := d.cache.get(key); ok {
		d.cfg.Metrics.RecordCacheLookup(true)
		return e.Capabilities, nil
	}
	d.cfg.Metrics.RecordCacheLookup(false)

	v, err, _ := d.detect.Do(key, func() (any, error) {
		if e, ok := d.cache.get(key); ok {
			return e, nil
		}
		e := d.probe(ctx, endpoint)
		d.cache.put(key, e)
		return e, nil
	})
	if err != nil {
		return transport.Capabilities{}, err
	}
	return v.(CacheEntry).Capabilities, nil
}

// hostAddressed are the families a probe can reach at the endpoint's
// host. NATS is reached through the broker and only by its own schemes.
var hostAddressed = []transport.Protocol{transport.ProtocolGRPC, transport.ProtocolREST, transport.ProtocolWebSocket}

func (d *Dispatcher) probe(ctx context.Context, endpoint transport.Endpoint) CacheEntry {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DetectionTimeout)
	defer cancel()

	attempts := 1
	if d.cfg.RetryFailedDetections {
		attempts += d.cfg.DetectionRetries
	}

	var (
		mu     sync.Mutex
		merged transport.Capabilities
		found  bool
		g      errgroup.Group
	)
	for _, p := range d.registry.Protocols() {
		if !slices.Contains(hostAddressed, p) {
			continue
		}
		sender, _ := d.registry.Get(p)
		prober, ok := sender.(transport.Prober)
		if !ok {
			continue
		}
		g.Go(func() error {
			for attempt := 1; attempt <= attempts; attempt++ {
				caps, err := prober.Probe(ctx, endpoint)
				if err == nil {
					mu.Lock()
					merged = merged.Merge(caps)
					found = true
					mu.Unlock()
					return nil
				}
				d.logger.Debug("Capability probe failed", logging.LogFields{
					logging.FieldEndpoint: endpoint.Raw,
					"protocol":            string(p),
					logging.FieldAttempt:  attempt,
					"error":               err.Error(),
				})
				if ctx.Err() != nil {
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if !found {
		d.logger.Info("Capability detection failed, assuming plain REST", logging.LogFields{logging.FieldEndpoint: endpoint.Raw})
		return CacheEntry{Capabilities: transport.DefaultCapabilities(), DetectedAt: d.cache.now(), Degraded: true}
	}
	return CacheEntry{Capabilities: merged, DetectedAt: d.cache.now()}
}

// Select chooses the transports for endpoint under reqs.
func (d *Dispatcher) Select(ctx context.Context, endpoint transport.Endpoint, reqs Requirements) (Selection, error) {
	if endpoint.Kind.Protocol == transport.ProtocolMCP {
		return Selection{}, qerrors.FeatureNotEnabled("mcp endpoints are not supported")
	}
	caps, err := d.Capabilities(ctx, endpoint)
	if err != nil {
		return Selection{}, err
	}
	if reqs.RequiresEnvelopes && !caps.SupportsEnvelopes {
		return Selection{}, qerrors.Transport("envelopes required but not supported by %s", endpoint.Raw)
	}
	if !caps.SupportsAuth(reqs.RequiredAuthMethods) {
		return Selection{}, qerrors.Transport("%s does not offer the required authentication methods %v", endpoint.Raw, reqs.RequiredAuthMethods)
	}

	var order []transport.Protocol
	if reqs.RequiresEnvelopes {
		order = transport.EnvelopeRanking
	} else {
		order = slices.Clone(reqs.PreferredProtocols)
		for _, p := range transport.NativeRanking {
			if !slices.Contains(order, p) {
				order = append(order, p)
			}
		}
	}

	var chain []transport.Protocol
	for _, p := range order {
		if slices.Contains(chain, p) || !caps.Supports(p) || !d.registry.Has(p) {
			continue
		}
		if endpoint.Detect && !meets(caps, p, reqs) {
			continue
		}
		chain = append(chain, p)
	}
	if len(chain) == 0 {
		return Selection{}, qerrors.Transport("no registered transport satisfies the requirements for %s", endpoint.Raw)
	}
	return Selection{
		Primary:      chain[0],
		Enveloped:    caps.SupportsEnvelopes,
		Chain:        chain,
		Capabilities: caps,
	}, nil
}

// meets applies the performance requirements to a probed family. A family
// without figures fails a requirement that is set.
func meets(caps transport.Capabilities, p transport.Protocol, reqs Requirements) bool {
	if reqs.MinPerformanceScore > 0 {
		score, ok := caps.Score(p)
		if !ok || score < reqs.MinPerformanceScore {
			return false
		}
	}
	if reqs.MaxLatencyMS > 0 {
		latency, ok := caps.Latency(p)
		if !ok || latency > float64(reqs.MaxLatencyMS) {
			return false
		}
	}
	return true
}

// Send sends req with the configured requirements.
func (d *Dispatcher) Send(ctx context.Context, endpoint transport.Endpoint, req envelope.RawEnvelope) (envelope.RawEnvelope, error) {
	return d.SendWithFallback(ctx, endpoint, req, d.cfg.Requirements)
}

// SendWithFallback sends req over the selected chain, moving to the next
// transport when one fails. A reply carrying an error envelope means the
// endpoint handled the request, so it ends the chain. The last error is
// returned when every transport fails.
func (d *Dispatcher) SendWithFallback(ctx context.Context, endpoint transport.Endpoint, req envelope.RawEnvelope, reqs Requirements) (envelope.RawEnvelope, error) {
	sel, err := d.Select(ctx, endpoint, reqs)
	if err != nil {
		return envelope.RawEnvelope{}, err
	}

	var lastErr error
	for i, p := range sel.Chain {
		if i > 0 {
			if ctx.Err() != nil {
				break
			}
			d.logger.Info("Falling back to next transport", logging.LogFields{
				logging.FieldEndpoint: endpoint.Raw,
				"protocol":            string(p),
				"error":               lastErr.Error(),
			})
		}
		resp, err := d.sendVia(ctx, endpoint, p, sel.Enveloped, req)
		if err == nil || resp.Error != nil {
			return resp, err
		}
		lastErr = err
	}
	return envelope.RawEnvelope{}, lastErr
}

func (d *Dispatcher) sendVia(ctx context.Context, endpoint transport.Endpoint, p transport.Protocol, enveloped bool, req envelope.RawEnvelope) (envelope.RawEnvelope, error) {
	sender, ok := d.registry.Get(p)
	if !ok {
		return envelope.RawEnvelope{}, qerrors.FeatureNotEnabled("no %s transport registered", p)
	}
	target, err := endpoint.As(transport.Kind{Protocol: p, Enveloped: enveloped})
	if err != nil {
		return envelope.RawEnvelope{}, err
	}
	return sender.Send(ctx, target, req)
}

// SendRaw routes body by scheme: qollective-* endpoints wrap it as the
// payload of an envelope and return the reply payload, the plain schemes
// send it on the native path of the selected transport.
func (d *Dispatcher) SendRaw(ctx context.Context, endpoint transport.Endpoint, body []byte) ([]byte, error) {
	if endpoint.Kind.Protocol == transport.ProtocolMCP {
		return nil, qerrors.FeatureNotEnabled("mcp endpoints are not supported")
	}
	if endpoint.Kind.Enveloped {
		if !json.Valid(body) {
			return nil, qerrors.Validation("enveloped raw body must be JSON")
		}
		resp, err := d.SendWithFallback(ctx, endpoint, envelope.NewRequest(json.RawMessage(body)), d.cfg.Requirements)
		if err != nil {
			return nil, err
		}
		return resp.Payload, nil
	}

	reqs := d.cfg.Requirements
	reqs.RequiresEnvelopes = false
	sel, err := d.Select(ctx, endpoint, reqs)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for i, p := range sel.Chain {
		if i > 0 && ctx.Err() != nil {
			break
		}
		out, err := d.sendRawVia(ctx, endpoint, p, body)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (d *Dispatcher) sendRawVia(ctx context.Context, endpoint transport.Endpoint, p transport.Protocol, body []byte) ([]byte, error) {
	sender, _ := d.registry.Get(p)
	raw, ok := sender.(transport.RawSender)
	if !ok {
		return nil, qerrors.FeatureNotEnabled("%s transport has no raw path", p)
	}
	target, err := endpoint.As(transport.Kind{Protocol: p})
	if err != nil {
		return nil, err
	}
	return raw.SendRaw(ctx, target, body)
}

// CacheSnapshot returns the fresh cache entries keyed by server.
func (d *Dispatcher) CacheSnapshot() map[string]CacheEntry {
	return d.cache.snapshot()
}

// Invalidate forgets what was detected about endpoint's server.
func (d *Dispatcher) Invalidate(endpoint transport.Endpoint) {
	d.cache.delete(endpoint.CacheKey())
}

// ClearCache forgets every detection result.
func (d *Dispatcher) ClearCache() {
	d.cache.clear()
}

// Request parses rawURL, sends a typed request with reqs and decodes the
// reply into R.
func Request[T, R any](ctx context.Context, d *Dispatcher, rawURL string, req envelope.Envelope[T], reqs Requirements) (envelope.Envelope[R], error) {
	endpoint, err := transport.ParseEndpoint(rawURL)
	if err != nil {
		return envelope.Envelope[R]{}, err
	}
	raw, err := envelope.ToRaw(req)
	if err != nil {
		return envelope.Envelope[R]{}, qerrors.Serialization(err, nil)
	}
	resp, err := d.SendWithFallback(ctx, endpoint, raw, reqs)
	if err != nil && resp.Error == nil {
		return envelope.Envelope[R]{}, err
	}
	return transport.DecodeReply[R](resp)
}
