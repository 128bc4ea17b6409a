// Package resource tracks process-level resource usage against a baseline
// captured at startup, so the health monitor can flag goroutine leaks and
// runaway memory before they take the processor down.
package resource

import (
	"runtime"
	"time"
)

// Snapshot is the tracker's view of current process resource usage.
type Snapshot struct {
	Goroutines         int       `json:"goroutines"`
	BaselineGoroutines int       `json:"baseline_goroutines"`
	GoroutineGrowth    int       `json:"goroutine_growth"`
	HeapAllocMB        float64   `json:"heap_alloc_mb"`
	NumGC              uint32    `json:"num_gc"`
	CapturedAt         time.Time `json:"captured_at"`
}

type Tracker struct {
	baseline int

	// WarnGrowth and CriticalGrowth bound acceptable goroutine growth
	// above the baseline.
	WarnGrowth     int
	CriticalGrowth int
}

func NewTracker() *Tracker {
	return &Tracker{
		baseline:       runtime.NumGoroutine(),
		WarnGrowth:     50,
		CriticalGrowth: 200,
	}
}

func (t *Tracker) Snapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	goroutines := runtime.NumGoroutine()

	return Snapshot{
		Goroutines:         goroutines,
		BaselineGoroutines: t.baseline,
		GoroutineGrowth:    goroutines - t.baseline,
		HeapAllocMB:        float64(mem.HeapAlloc) / (1 << 20),
		NumGC:              mem.NumGC,
		CapturedAt:         time.Now(),
	}
}

// Score rates current usage 0-100: full marks while goroutine growth stays
// under WarnGrowth, half marks under CriticalGrowth, zero beyond that.
func (t *Tracker) Score(snap Snapshot) float64 {
	switch {
	case snap.GoroutineGrowth < t.WarnGrowth:
		return 100
	case snap.GoroutineGrowth < t.CriticalGrowth:
		return 50
	default:
		return 0
	}
}
