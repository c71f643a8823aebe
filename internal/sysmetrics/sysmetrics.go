// Package sysmetrics samples CPU usage plus process memory, goroutine
// and GC counts for the admin surface's SystemSample. The CPU figure is
// host-wide (gopsutil's cpu.Percent), not this process's own share.
package sysmetrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// Sample is a point-in-time snapshot of process resource usage.
type Sample struct {
	CPUPercent  float64   `json:"cpu_percent"`
	HeapAllocMB float64   `json:"heap_alloc_mb"`
	SysMB       float64   `json:"sys_mb"`
	Goroutines  int       `json:"goroutines"`
	GCCount     uint32    `json:"gc_count"`
	SampledAt   time.Time `json:"sampled_at"`
}

// Tracker maintains an exponentially smoothed CPU percentage between
// samples, so a single noisy reading doesn't spike the admin stats.
type Tracker struct {
	mu         sync.Mutex
	cpuPercent float64
}

// NewTracker creates a tracker with no prior sample.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Sample refreshes and returns the current process resource snapshot.
// cpu.Percent is called with a zero interval, which is non-blocking and
// reports usage since the previous call (gopsutil keeps that state
// internally); the first call in a process's lifetime reports 0.
func (t *Tracker) Sample() Sample {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	percents, err := cpu.Percent(0, false)
	current := 0.0
	if err == nil && len(percents) > 0 {
		current = percents[0]
	}

	t.mu.Lock()
	if t.cpuPercent == 0 {
		t.cpuPercent = current
	} else {
		const alpha = 0.3
		t.cpuPercent = alpha*current + (1-alpha)*t.cpuPercent
	}
	smoothed := t.cpuPercent
	t.mu.Unlock()

	return Sample{
		CPUPercent:  smoothed,
		HeapAllocMB: float64(mem.HeapAlloc) / 1024 / 1024,
		SysMB:       float64(mem.Sys) / 1024 / 1024,
		Goroutines:  runtime.NumGoroutine(),
		GCCount:     mem.NumGC,
		SampledAt:   time.Now(),
	}
}
