// Package metrics records per-transport request statistics both as
// Prometheus collectors and as an in-memory snapshot the dispatcher and the
// introspection API can read.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	qerrors "github.com/qollective/qollective/internal/runtime/errors"
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// TransportMetrics tracks request outcomes per transport and capability
// cache behaviour. A nil *TransportMetrics is valid and records nothing.
type TransportMetrics struct {
	mu sync.RWMutex

	protocols   map[string]*ProtocolStats
	cacheHits   uint64
	cacheMisses uint64

	requestsTotal   *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
	latencySeconds  *prometheus.HistogramVec
	inFlight        *prometheus.GaugeVec
	detectionsTotal *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// ProtocolStats holds the running totals for one transport.
type ProtocolStats struct {
	Requests     uint64        `json:"requests"`
	Failures     uint64        `json:"failures"`
	TotalLatency time.Duration `json:"total_latency_ns"`
	LastError    string        `json:"last_error,omitempty"`
	LastUsedAt   time.Time     `json:"last_used_at"`
}

// AvgLatencyMS is the mean latency of every recorded request.
func (p ProtocolStats) AvgLatencyMS() float64 {
	if p.Requests == 0 {
		return 0
	}
	return float64(p.TotalLatency) / float64(p.Requests) / float64(time.Millisecond)
}

// SuccessRate is the share of requests that did not fail, 1 when idle.
func (p ProtocolStats) SuccessRate() float64 {
	if p.Requests == 0 {
		return 1
	}
	return float64(p.Requests-p.Failures) / float64(p.Requests)
}

// Snapshot is a point-in-time copy of the collected statistics.
type Snapshot struct {
	Protocols   map[string]ProtocolStats `json:"protocols"`
	CacheHits   uint64                   `json:"cache_hits"`
	CacheMisses uint64                   `json:"cache_misses"`
	CollectedAt time.Time                `json:"collected_at"`
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qollective",
			Subsystem: "transport",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates the collectors. A nil registerer selects the default one.
func New(registerer prometheus.Registerer) *TransportMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &TransportMetrics{
		protocols:     make(map[string]*ProtocolStats),
		registerer:    registerer,
		requestsTotal: newCounterVec("requests_total", "Envelope requests sent per transport and outcome", []string{"transport", "outcome"}),
		errorsTotal:   newCounterVec("errors_total", "Failed envelope requests per transport and error kind", []string{"transport", "kind"}),
		latencySeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "qollective",
				Subsystem: "transport",
				Name:      "request_duration_seconds",
				Help:      "Round-trip time of envelope requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"transport"},
		),
		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "qollective",
				Subsystem: "transport",
				Name:      "requests_in_flight",
				Help:      "Envelope requests awaiting a reply",
			},
			[]string{"transport"},
		),
		detectionsTotal: newCounterVec("capability_lookups_total", "Capability cache lookups by result", []string{"result"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *TransportMetrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{m.requestsTotal, m.errorsTotal, m.latencySeconds, m.inFlight, m.detectionsTotal} {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// Begin marks a request as in flight and returns the function that records
// its outcome.
func (m *TransportMetrics) Begin(transport string) func(err error) {
	if m == nil {
		return func(error) {}
	}
	start := time.Now()
	m.inFlight.WithLabelValues(transport).Inc()
	return func(err error) {
		m.inFlight.WithLabelValues(transport).Dec()
		m.Observe(transport, time.Since(start), err)
	}
}

// Observe records one completed request.
func (m *TransportMetrics) Observe(transport string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.protocol(transport)
	stats.Requests++
	stats.TotalLatency += elapsed
	stats.LastUsedAt = time.Now()
	if err != nil {
		stats.Failures++
		stats.LastError = err.Error()
	}
	m.mu.Unlock()

	m.latencySeconds.WithLabelValues(transport).Observe(elapsed.Seconds())
	if err != nil {
		m.requestsTotal.WithLabelValues(transport, OutcomeError).Inc()
		m.errorsTotal.WithLabelValues(transport, qerrors.KindOf(err).String()).Inc()
		return
	}
	m.requestsTotal.WithLabelValues(transport, OutcomeSuccess).Inc()
}

// RecordCacheLookup counts a capability cache hit or miss.
func (m *TransportMetrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	m.mu.Lock()
	if hit {
		m.cacheHits++
		result = "hit"
	} else {
		m.cacheMisses++
	}
	m.mu.Unlock()
	m.detectionsTotal.WithLabelValues(result).Inc()
}

// Protocol returns a copy of the statistics for one transport.
func (m *TransportMetrics) Protocol(transport string) (ProtocolStats, bool) {
	if m == nil {
		return ProtocolStats{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats, ok := m.protocols[transport]
	if !ok {
		return ProtocolStats{}, false
	}
	return *stats, true
}

// Snapshot returns a point-in-time copy of every statistic.
func (m *TransportMetrics) Snapshot() Snapshot {
	snap := Snapshot{Protocols: map[string]ProtocolStats{}, CollectedAt: time.Now()}
	if m == nil {
		return snap
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, stats := range m.protocols {
		snap.Protocols[name] = *stats
	}
	snap.CacheHits = m.cacheHits
	snap.CacheMisses = m.cacheMisses
	return snap
}

// Reset clears all statistics.
func (m *TransportMetrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.protocols = make(map[string]*ProtocolStats)
	m.cacheHits, m.cacheMisses = 0, 0
	m.requestsTotal.Reset()
	m.errorsTotal.Reset()
	m.latencySeconds.Reset()
	m.inFlight.Reset()
	m.detectionsTotal.Reset()
}

func (m *TransportMetrics) protocol(transport string) *ProtocolStats {
	if stats, ok := m.protocols[transport]; ok {
		return stats
	}
	stats := &ProtocolStats{}
	m.protocols[transport] = stats
	return stats
}
