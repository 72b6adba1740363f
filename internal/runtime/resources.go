package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const cpuSecondsMetric = "/sched/cpu:seconds"

// ResourceUsage is a coarse view of the process reported with relay status.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// resourceTracker derives CPU usage from the difference between two samples.
type resourceTracker struct {
	mu       sync.Mutex
	sample   []metrics.Sample
	prevCPU  float64
	prevWall time.Time
	cpus     float64
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		sample: []metrics.Sample{{Name: cpuSecondsMetric}},
		cpus:   float64(runtime.NumCPU()),
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.sample)
	now := time.Now()
	usage := ResourceUsage{Goroutines: runtime.NumGoroutine()}

	if v := r.sample[0].Value; v.Kind() == metrics.KindFloat64 {
		cpu := v.Float64()
		if wall := now.Sub(r.prevWall).Seconds(); !r.prevWall.IsZero() && wall > 0 && r.cpus > 0 {
			usage.CPUPercent = (cpu - r.prevCPU) / wall / r.cpus * 100
		}
		r.prevCPU = cpu
	}
	r.prevWall = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	usage.MemoryBytes = mem.Alloc
	return usage
}
