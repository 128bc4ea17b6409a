package health

import (
	"fmt"

	"github.com/hookq/hookq/internal/breaker"
	"github.com/hookq/hookq/internal/dedup"
	"github.com/hookq/hookq/internal/pool"
	"github.com/hookq/hookq/internal/resource"
)

// CircuitProbe scores the breaker registry: 100 when no circuit is open,
// 0 when every circuit is open, otherwise the proportional share that is
// closed.
func CircuitProbe(reg *breaker.Registry) CheckFunc {
	return func() Result {
		all := reg.AllMetrics()
		if len(all) == 0 {
			return Result{Score: 100, Message: "no circuits registered"}
		}

		open, closed := 0, 0
		perCircuit := make(map[string]any, len(all))
		for name, cm := range all {
			switch cm.State {
			case "open":
				open++
			case "closed":
				closed++
			}
			perCircuit[name] = map[string]any{
				"state":                cm.State,
				"consecutive_failures": cm.ConsecutiveFailures,
				"rejections":           cm.Rejections,
				"last_transition":      cm.LastTransition,
			}
		}

		var score float64
		switch {
		case open == 0:
			score = 100
		case open == len(all):
			score = 0
		default:
			score = float64(closed) / float64(len(all)) * 100
		}

		return Result{
			Score:   score,
			Message: fmt.Sprintf("%d/%d circuits open", open, len(all)),
			Metrics: perCircuit,
		}
	}
}

// DedupProbe scores the cache on its liveness probe: 100 when the backing
// store answered the last ping, 0 otherwise.
func DedupProbe(c *dedup.Cache) CheckFunc {
	return func() Result {
		m := c.Metrics()

		score := 100.0
		message := "cache reachable"
		if !m.PingHealthy {
			score = 0
			message = "cache unreachable"
		}

		return Result{
			Score:   score,
			Message: message,
			Metrics: map[string]any{
				"hits":      m.Hits,
				"misses":    m.Misses,
				"errors":    m.Errors,
				"hit_rate":  m.HitRate,
				"last_ping": m.LastPing,
			},
		}
	}
}

// PoolProbe scores the worker pool from its success rate, with a penalty
// when the queue runs near capacity.
func PoolProbe(p *pool.Pool) CheckFunc {
	return func() Result {
		m := p.Metrics()

		score := m.SuccessRate * 100

		var utilization float64
		if m.QueueCapacity > 0 {
			utilization = float64(m.QueueDepth) / float64(m.QueueCapacity)
		}
		switch {
		case utilization >= 0.9:
			score -= 30
		case utilization >= 0.5:
			score -= 10
		}
		if score < 0 {
			score = 0
		}

		return Result{
			Score:   score,
			Message: fmt.Sprintf("%d queued, %.0f%% success", m.QueueDepth, m.SuccessRate*100),
			Metrics: map[string]any{
				"total":              m.Total,
				"completed":          m.Completed,
				"failed":             m.Failed,
				"retrying":           m.Retrying,
				"queue_depth":        m.QueueDepth,
				"queue_utilization":  utilization,
				"avg_latency_ms":     m.AvgLatencyMs,
				"throughput_per_min": m.ThroughputPerMin,
				"success_rate":       m.SuccessRate,
			},
		}
	}
}

// ResourceProbe scores process resource usage via the tracker's growth
// thresholds.
func ResourceProbe(tr *resource.Tracker) CheckFunc {
	return func() Result {
		snap := tr.Snapshot()

		return Result{
			Score:   tr.Score(snap),
			Message: fmt.Sprintf("%d goroutines (%+d from baseline)", snap.Goroutines, snap.GoroutineGrowth),
			Metrics: map[string]any{
				"goroutines":          snap.Goroutines,
				"baseline_goroutines": snap.BaselineGoroutines,
				"goroutine_growth":    snap.GoroutineGrowth,
				"heap_alloc_mb":       snap.HeapAllocMB,
				"num_gc":              snap.NumGC,
			},
		}
	}
}
