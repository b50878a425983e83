package runtime

import (
	"runtime"
	"runtime/metrics"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/qollective/qollective/internal/runtime/envelope"
)

const cpuSecondsMetric = "/sched/cpu:seconds"

// resourceTracker samples process CPU and memory usage for handler stats
// and reply performance meta.
type resourceTracker struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: []metrics.Sample{{Name: cpuSecondsMetric}},
		numCPU:  float64(runtime.NumCPU()),
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.samples)
	sample := r.samples[0]
	haveCPU := sample.Value.Kind() == metrics.KindFloat64
	var cpuSeconds float64
	if haveCPU {
		cpuSeconds = sample.Value.Float64()
	}
	now := time.Now()

	var cpuPercent float64
	if haveCPU && !r.lastSample.IsZero() {
		deltaCPU := cpuSeconds - r.lastCPUSeconds
		deltaWall := now.Sub(r.lastSample).Seconds()
		if deltaWall > 0 && r.numCPU > 0 {
			cpuPercent = (deltaCPU / deltaWall) / r.numCPU * 100
		}
	}
	if haveCPU {
		r.lastCPUSeconds = cpuSeconds
	}
	r.lastSample = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return ResourceUsage{
		CPUPercent:    cpuPercent,
		MemoryBytes:   mem.Alloc,
		Goroutines:    runtime.NumGoroutine(),
		GCCollections: mem.NumGC,
	}
}

// StampPerformance fills the process-level performance fields of reply
// meta that the responder timings leave empty.
func (r *resourceTracker) StampPerformance(meta *envelope.Meta) {
	usage := r.Snapshot()
	perf := meta.EnsurePerformance()
	if perf.MemoryAllocated == nil {
		mem := usage.MemoryBytes
		perf.MemoryAllocated = &mem
	}
	if perf.GCCollections == nil {
		gc := usage.GCCollections
		perf.GCCollections = &gc
	}
	if perf.ThreadCount == nil {
		threads := uint32(threadCount())
		perf.ThreadCount = &threads
	}
}

func threadCount() int {
	if p := pprof.Lookup("threadcreate"); p != nil {
		return p.Count()
	}
	return runtime.GOMAXPROCS(0)
}
