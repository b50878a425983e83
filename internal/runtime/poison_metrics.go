package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PoisonMetrics tracks events moved to the poison queue.
type PoisonMetrics struct {
	mu sync.RWMutex

	topics map[string]*PoisonTopicStats

	poisonedTotal *prometheus.CounterVec
	attemptsHist  *prometheus.HistogramVec
	ageHist       *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// PoisonTopicStats summarises the poisoned events of one source topic.
type PoisonTopicStats struct {
	Poisoned    uint64         `json:"poisoned"`
	ByKind      map[string]int `json:"by_kind"`
	AvgAttempts float64        `json:"avg_attempts"`
	FirstAt     time.Time      `json:"first_at"`
	LastAt      time.Time      `json:"last_at"`
	LastHandler string         `json:"last_handler,omitempty"`
	LastReason  string         `json:"last_reason,omitempty"`
}

// PoisonSnapshot is a point-in-time copy of the poison statistics.
type PoisonSnapshot struct {
	Queue       string                       `json:"queue"`
	Total       uint64                       `json:"total"`
	Topics      map[string]*PoisonTopicStats `json:"topics"`
	CollectedAt time.Time                    `json:"collected_at"`
}

// PoisonRecord describes one event moved to the poison queue.
type PoisonRecord struct {
	Topic    string
	Handler  string
	Kind     string
	Reason   string
	Attempts int
	Age      time.Duration
}

func newPoisonCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qollective",
			Subsystem: "poison_queue",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newPoisonHistogramVec(name, help string, buckets []float64) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "qollective",
			Subsystem: "poison_queue",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		[]string{"topic"},
	)
}

// NewPoisonMetrics creates the collectors. A nil registerer selects the
// default one.
func NewPoisonMetrics(registerer prometheus.Registerer) *PoisonMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &PoisonMetrics{
		topics:        make(map[string]*PoisonTopicStats),
		registerer:    registerer,
		poisonedTotal: newPoisonCounterVec("events_total", "Events moved to the poison queue", []string{"topic", "handler", "kind"}),
		attemptsHist:  newPoisonHistogramVec("attempts", "Delivery attempts before an event was poisoned", []float64{1, 2, 3, 5, 10, 20}),
		ageHist:       newPoisonHistogramVec("event_age_seconds", "Age of events when poisoned, measured from their envelope timestamp", []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *PoisonMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{m.poisonedTotal, m.attemptsHist, m.ageHist} {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// Record accounts for one poisoned event.
func (m *PoisonMetrics) Record(rec PoisonRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	stats := m.topic(rec.Topic)
	stats.Poisoned++
	stats.ByKind[rec.Kind]++
	if stats.FirstAt.IsZero() {
		stats.FirstAt = now
	}
	stats.LastAt = now
	stats.LastHandler = rec.Handler
	stats.LastReason = rec.Reason
	stats.AvgAttempts += (float64(rec.Attempts) - stats.AvgAttempts) / float64(stats.Poisoned)

	m.poisonedTotal.WithLabelValues(rec.Topic, rec.Handler, rec.Kind).Inc()
	m.attemptsHist.WithLabelValues(rec.Topic).Observe(float64(rec.Attempts))
	if rec.Age >= 0 {
		m.ageHist.WithLabelValues(rec.Topic).Observe(rec.Age.Seconds())
	}
}

// Snapshot copies the per-topic statistics.
func (m *PoisonMetrics) Snapshot(queue string) PoisonSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := PoisonSnapshot{
		Queue:       queue,
		Topics:      make(map[string]*PoisonTopicStats, len(m.topics)),
		CollectedAt: time.Now().UTC(),
	}
	for topic, stats := range m.topics {
		cp := *stats
		cp.ByKind = make(map[string]int, len(stats.ByKind))
		for k, v := range stats.ByKind {
			cp.ByKind[k] = v
		}
		snap.Topics[topic] = &cp
		snap.Total += stats.Poisoned
	}
	return snap
}

func (m *PoisonMetrics) topic(name string) *PoisonTopicStats {
	if stats, ok := m.topics[name]; ok {
		return stats
	}
	stats := &PoisonTopicStats{ByKind: map[string]int{}}
	m.topics[name] = stats
	return stats
}

// Reset drops every recorded value.
func (m *PoisonMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.topics = make(map[string]*PoisonTopicStats)
	m.poisonedTotal.Reset()
	m.attemptsHist.Reset()
	m.ageHist.Reset()
}
