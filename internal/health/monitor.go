// Package health aggregates probe results from the breaker registry, the
// dedup cache, the worker pool and the resource tracker into a single 0-100
// score, keeps a bounded history of snapshots for trend analysis, and owns
// the one alerting decision the rest of the system reads: ShouldAlert.
package health

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hookq/hookq/internal/metrics"
)

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
	StatusUnknown  Status = "unknown"
)

type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

const (
	healthyThreshold  = 90.0
	degradedThreshold = 70.0

	// alertScoreCeiling is the score below which a degrading trend alerts.
	alertScoreCeiling = 80.0

	// trendMargin damps score jitter when classifying a trend.
	trendMargin = 5.0

	defaultHistorySize = 100
	defaultTrendWindow = 5
)

// Result is what a registered probe returns on each check.
type Result struct {
	Score   float64
	Message string
	Metrics map[string]any
}

// CheckFunc is a zero-argument health probe.
type CheckFunc func() Result

// Report is one component's evaluated health.
type Report struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Score     float64        `json:"score"`
	Message   string         `json:"message,omitempty"`
	Metrics   map[string]any `json:"metrics,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// Snapshot is one full evaluation of every registered component.
type Snapshot struct {
	OverallScore float64           `json:"overall_score"`
	Status       Status            `json:"status"`
	Components   map[string]Report `json:"components"`
	CheckedAt    time.Time         `json:"checked_at"`
}

// Monitor is constructed explicitly and passed by reference; it holds no
// process-wide state, so tests can run isolated instances side by side.
type Monitor struct {
	logger      *slog.Logger
	historySize int

	mu         sync.Mutex
	components map[string]CheckFunc
	history    []Snapshot
}

func NewMonitor(historySize int, logger *slog.Logger) *Monitor {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}

	return &Monitor{
		logger:      logger,
		historySize: historySize,
		components:  make(map[string]CheckFunc),
	}
}

func (m *Monitor) RegisterComponent(name string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = check
}

// CheckHealth runs every registered probe, reduces the component scores to
// one overall score and status, and appends the snapshot to the bounded
// history.
func (m *Monitor) CheckHealth() Snapshot {
	m.mu.Lock()
	checks := make(map[string]CheckFunc, len(m.components))
	for name, check := range m.components {
		checks[name] = check
	}
	m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		Components: make(map[string]Report, len(checks)),
		CheckedAt:  now,
	}

	var sum float64
	for name, check := range checks {
		report := m.runProbe(name, check, now)
		snap.Components[name] = report
		sum += report.Score
	}

	if len(checks) > 0 {
		snap.OverallScore = sum / float64(len(checks))
		snap.Status = statusForScore(snap.OverallScore)
	} else {
		snap.Status = StatusUnknown
	}

	m.mu.Lock()
	m.history = append(m.history, snap)
	if len(m.history) > m.historySize {
		m.history = m.history[len(m.history)-m.historySize:]
	}
	m.mu.Unlock()

	scores := make(map[string]float64, len(snap.Components))
	for name, report := range snap.Components {
		scores[name] = report.Score
	}
	metrics.UpdateHealthScores(snap.OverallScore, scores)

	if snap.Status != StatusHealthy {
		m.logger.Warn("health check degraded",
			slog.Float64("score", snap.OverallScore),
			slog.String("status", string(snap.Status)))
	}

	return snap
}

func (m *Monitor) runProbe(name string, check CheckFunc, now time.Time) (report Report) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health probe panicked",
				slog.String("component", name),
				slog.Any("panic", r))
			report = Report{
				Name:      name,
				Status:    StatusUnknown,
				Score:     0,
				Message:   fmt.Sprintf("probe panicked: %v", r),
				CheckedAt: now,
			}
		}
	}()

	result := check()

	return Report{
		Name:      name,
		Status:    statusForScore(result.Score),
		Score:     result.Score,
		Message:   result.Message,
		Metrics:   result.Metrics,
		CheckedAt: now,
	}
}

// GetTrend classifies score movement over the last window snapshots by
// comparing the first and last score.
func (m *Monitor) GetTrend(window int) Trend {
	if window <= 0 {
		window = defaultTrendWindow
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.history) < 2 {
		return TrendStable
	}

	recent := m.history
	if len(recent) > window {
		recent = recent[len(recent)-window:]
	}

	diff := recent[len(recent)-1].OverallScore - recent[0].OverallScore
	switch {
	case diff > trendMargin:
		return TrendImproving
	case diff < -trendMargin:
		return TrendDegrading
	default:
		return TrendStable
	}
}

// ShouldAlert is the single alerting decision point: the latest snapshot is
// critical, or the trend is degrading while the score sits below 80.
func (m *Monitor) ShouldAlert() bool {
	m.mu.Lock()
	var latest *Snapshot
	if len(m.history) > 0 {
		latest = &m.history[len(m.history)-1]
	}
	m.mu.Unlock()

	if latest == nil {
		return false
	}
	if latest.Status == StatusCritical {
		return true
	}

	return m.GetTrend(defaultTrendWindow) == TrendDegrading && latest.OverallScore < alertScoreCeiling
}

// History returns a copy of the retained snapshots, oldest first.
func (m *Monitor) History() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, len(m.history))
	copy(out, m.history)

	return out
}

func statusForScore(score float64) Status {
	switch {
	case score >= healthyThreshold:
		return StatusHealthy
	case score >= degradedThreshold:
		return StatusDegraded
	default:
		return StatusCritical
	}
}
