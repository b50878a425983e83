package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	qerrors "github.com/qollective/qollective/internal/runtime/errors"
	"github.com/qollective/qollective/transport/events"
)

const (
	metadataKeyQueueDepth = "x-qollective-queue-depth"
	metadataKeyEnqueuedAt = "x-qollective-enqueued-at"

	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// Handler kinds reported by the introspection API.
const (
	HandlerKindRequest = "request"
	HandlerKindEvent   = "event"
)

type HandlerStats struct {
	mu sync.Mutex `json:"-"`

	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesFailed      uint64    `json:"messages_failed"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`

	Latency      LatencyMetrics     `json:"latency"`
	Throughput   ThroughputMetrics  `json:"throughput"`
	Errors       ErrorBreakdown     `json:"errors"`
	Resource     ResourceUsage      `json:"resource"`
	Backlog      BacklogMetrics     `json:"backlog"`
	Dependencies []DependencyHealth `json:"dependencies"`

	latencyWindow    *latencyWindow    `json:"-"`
	throughputWindow *throughputWindow `json:"-"`
	resourceSampler  *resourceTracker  `json:"-"`
	dependencyIndex  map[string]int    `json:"-"`
}

// HandlerInfo describes one registered request route or event consumer.
type HandlerInfo struct {
	Name       string        `json:"name"`
	Kind       string        `json:"kind"`
	Route      string        `json:"route"`
	Transports []string      `json:"transports"`
	QueueGroup string        `json:"queue_group,omitempty"`
	Stats      *HandlerStats `json:"stats"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Security   uint64 `json:"security"`
	Transport  uint64 `json:"transport"`
	Downstream uint64 `json:"downstream"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
	LastKind   string `json:"last_kind,omitempty"`
}

type ResourceUsage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryBytes   uint64  `json:"memory_bytes"`
	Goroutines    int     `json:"goroutines"`
	GCCollections uint32  `json:"gc_collections"`
}

type BacklogMetrics struct {
	InFlight           uint64 `json:"in_flight"`
	MaxInFlight        uint64 `json:"max_in_flight"`
	LastQueueDepth     int64  `json:"last_queue_depth"`
	EstimatedLagMillis int64  `json:"estimated_lag_millis"`
}

type DependencyHealth struct {
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Details     string    `json:"details,omitempty"`
}

const (
	DependencyStatusUnknown  = "unknown"
	DependencyStatusHealthy  = "healthy"
	DependencyStatusDegraded = "degraded"
)

type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategorySecurity   ErrorCategory = "security"
	ErrorCategoryTransport  ErrorCategory = "transport"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier buckets a handler error for the stats breakdown.
type ErrorClassifier func(error) ErrorCategory

func newHandlerStats(dependencies []string, sampler *resourceTracker) *HandlerStats {
	stats := &HandlerStats{
		resourceSampler:  sampler,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
		Backlog: BacklogMetrics{
			LastQueueDepth:     -1,
			EstimatedLagMillis: -1,
		},
		dependencyIndex: make(map[string]int),
	}
	for _, dep := range dependencies {
		stats.addDependency(dep)
	}
	return stats
}

func (h *HandlerStats) addDependency(name string) {
	h.Dependencies = append(h.Dependencies, DependencyHealth{
		Name:   name,
		Status: DependencyStatusUnknown,
	})
	h.dependencyIndex[name] = len(h.Dependencies) - 1
}

type invocation struct {
	queueDepth     int64
	queueLagMillis int64
	dependency     string
}

func (h *HandlerStats) onStart(inv invocation) invocation {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.Backlog.InFlight++
	if h.Backlog.InFlight > h.Backlog.MaxInFlight {
		h.Backlog.MaxInFlight = h.Backlog.InFlight
	}
	return inv
}

func (h *HandlerStats) onFinish(inv invocation, duration time.Duration, err error, classifier ErrorClassifier) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.Backlog.InFlight > 0 {
		h.Backlog.InFlight--
	}
	if inv.queueDepth >= 0 {
		h.Backlog.LastQueueDepth = inv.queueDepth
	}
	if inv.queueLagMillis >= 0 {
		h.Backlog.EstimatedLagMillis = inv.queueLagMillis
	}

	h.MessagesProcessed++
	if err != nil {
		h.MessagesFailed++
	}
	h.TotalProcessingTime += int64(duration)
	h.LastProcessedAt = time.Now().UTC()

	h.latencyWindow.Add(duration)
	snapshot := h.latencyWindow.Snapshot()
	snapshot.LastNs = int64(duration)
	snapshot.AverageNs = h.TotalProcessingTime / int64(h.MessagesProcessed)
	h.Latency = snapshot

	tp := h.throughputWindow.AddAndSnapshot(time.Now())
	h.Throughput.CurrentRPS = tp.CurrentRPS
	h.Throughput.WindowSeconds = tp.WindowSeconds
	h.Throughput.MessagesInWindow = uint64(tp.Count)
	h.Throughput.TotalMessages = h.MessagesProcessed

	if classifier == nil {
		classifier = DefaultErrorClassifier
	}
	h.Errors.Record(classifier(err), err)

	if h.resourceSampler != nil {
		h.Resource = h.resourceSampler.Snapshot()
	}

	if inv.dependency != "" {
		status, details := DependencyStatusHealthy, ""
		if err != nil && classifier(err) == ErrorCategoryTransport {
			status, details = DependencyStatusDegraded, err.Error()
		}
		h.setDependencyStatusLocked(inv.dependency, status, details)
	}
}

func (h *HandlerStats) setDependencyStatusLocked(name, status, details string) {
	idx, ok := h.dependencyIndex[name]
	if !ok {
		h.Dependencies = append(h.Dependencies, DependencyHealth{Name: name})
		idx = len(h.Dependencies) - 1
		h.dependencyIndex[name] = idx
	}
	dep := h.Dependencies[idx]
	dep.Status = status
	dep.Details = details
	dep.LastChecked = time.Now().UTC()
	h.Dependencies[idx] = dep
}

// eventBacklogHints reads the producer's queue depth and enqueue time from
// message metadata; -1 marks a missing hint.
func eventBacklogHints(msg *message.Message) (int64, int64) {
	if msg == nil {
		return -1, -1
	}
	return parseInt64Metadata(msg.Metadata, metadataKeyQueueDepth), parseLagMetadata(msg.Metadata, metadataKeyEnqueuedAt)
}

func parseInt64Metadata(meta message.Metadata, key string) int64 {
	val := meta.Get(key)
	if val == "" {
		return -1
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return -1
	}
	return parsed
}

func parseLagMetadata(meta message.Metadata, key string) int64 {
	raw := meta.Get(key)
	if raw == "" {
		return -1
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return -1
	}
	return lagSince(ts)
}

func lagSince(ts time.Time) int64 {
	lag := time.Since(ts).Milliseconds()
	if lag < 0 {
		return 0
	}
	return lag
}

func (h *HandlerStats) MarshalJSON() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	type Alias HandlerStats
	return json.Marshal((*Alias)(h))
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategorySecurity:
		e.Security++
	case ErrorCategoryTransport:
		e.Transport++
	case ErrorCategoryDownstream:
		e.Downstream++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
		e.LastKind = qerrors.KindOf(err).String()
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var metrics LatencyMetrics
	if lw.filled == 0 {
		metrics.LastNs = lw.last
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	metrics.LastNs = lw.last
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)
	tw.cleanup(now)
	return tw.snapshot(now)
}

func (tw *throughputWindow) cleanup(now time.Time) {
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		copy(tw.samples, tw.samples[idx:])
		tw.samples = tw.samples[:len(tw.samples)-idx]
	}
}

func (tw *throughputWindow) snapshot(now time.Time) throughputSnapshot {
	if len(tw.samples) == 0 {
		return throughputSnapshot{}
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}

// DefaultErrorClassifier buckets errors by their Kind.
func DefaultErrorClassifier(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	if events.IsUnprocessable(err) {
		return ErrorCategoryValidation
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryDownstream
	}
	switch qerrors.KindOf(err) {
	case qerrors.KindValidation, qerrors.KindSerialization, qerrors.KindDeserialization,
		qerrors.KindEnvelope, qerrors.KindConfig, qerrors.KindNatsSubject:
		return ErrorCategoryValidation
	case qerrors.KindSecurity, qerrors.KindTenantExtraction, qerrors.KindNatsAuth:
		return ErrorCategorySecurity
	case qerrors.KindTransport, qerrors.KindConnection, qerrors.KindNatsConnection,
		qerrors.KindNatsMessage, qerrors.KindNatsTimeout, qerrors.KindGrpc:
		return ErrorCategoryTransport
	case qerrors.KindRemote, qerrors.KindExternal, qerrors.KindAgentNotFound:
		return ErrorCategoryDownstream
	}
	return ErrorCategoryOther
}
