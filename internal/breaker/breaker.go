// Package breaker wraps github.com/sony/gobreaker behind a per-dependency
// registry. Circuits are created lazily on first use and live for the whole
// process; an open circuit fails fast instead of letting a stuck dependency
// pin every worker on doomed calls.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/hookq/hookq/internal/metrics"
)

// ErrCircuitOpen is returned when a call is rejected without invoking the
// wrapped function, either because the circuit is open or because the single
// half-open trial slot is taken.
var ErrCircuitOpen = errors.New("circuit open")

// Config holds the settings applied to every circuit in a registry.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// a closed circuit open.
	FailureThreshold uint32

	// RecoveryTimeout is how long an open circuit waits before allowing
	// a single half-open trial call.
	RecoveryTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// CircuitMetrics is the per-dependency view consumed by the health monitor.
type CircuitMetrics struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	TotalRequests       uint32    `json:"total_requests"`
	TotalFailures       uint32    `json:"total_failures"`
	Rejections          uint64    `json:"rejections"`
	LastTransition      time.Time `json:"last_transition"`
}

type circuit struct {
	breaker *gobreaker.CircuitBreaker

	mu             sync.Mutex
	rejections     uint64
	lastTransition time.Time
}

// Registry owns one circuit per dependency name. It is safe for concurrent
// use by all workers.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	circuits map[string]*circuit
}

func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}

	return &Registry{
		cfg:      cfg,
		logger:   logger,
		circuits: make(map[string]*circuit),
	}
}

// Call executes fn through the named circuit, creating it on first use.
// When the circuit rejects the call, ErrCircuitOpen is returned and fn is
// never invoked; otherwise fn's own result and error pass through.
func (r *Registry) Call(name string, fn func() (any, error)) (any, error) {
	c := r.circuit(name)

	result, err := c.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.mu.Lock()
		c.rejections++
		c.mu.Unlock()
		metrics.RecordCircuitRejection(name)

		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, name)
	}

	return result, err
}

// State returns the current state of the named circuit, or "closed" if the
// circuit has never been used.
func (r *Registry) State(name string) string {
	r.mu.Lock()
	c, ok := r.circuits[name]
	r.mu.Unlock()
	if !ok {
		return stateString(gobreaker.StateClosed)
	}

	return stateString(c.breaker.State())
}

// AllMetrics returns a snapshot of every circuit created so far, keyed by
// dependency name.
func (r *Registry) AllMetrics() map[string]CircuitMetrics {
	r.mu.Lock()
	names := make([]string, 0, len(r.circuits))
	circuits := make([]*circuit, 0, len(r.circuits))
	for name, c := range r.circuits {
		names = append(names, name)
		circuits = append(circuits, c)
	}
	r.mu.Unlock()

	all := make(map[string]CircuitMetrics, len(names))
	for i, c := range circuits {
		counts := c.breaker.Counts()

		c.mu.Lock()
		rejections := c.rejections
		lastTransition := c.lastTransition
		c.mu.Unlock()

		all[names[i]] = CircuitMetrics{
			Name:                names[i],
			State:               stateString(c.breaker.State()),
			ConsecutiveFailures: counts.ConsecutiveFailures,
			TotalRequests:       counts.Requests,
			TotalFailures:       counts.TotalFailures,
			Rejections:          rejections,
			LastTransition:      lastTransition,
		}
	}

	return all
}

func (r *Registry) circuit(name string) *circuit {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.circuits[name]; ok {
		return c
	}

	c := &circuit{lastTransition: time.Now()}
	settings := gobreaker.Settings{
		Name: name,
		// A single trial call decides the half-open outcome.
		MaxRequests: 1,
		Timeout:     r.cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.mu.Lock()
			c.lastTransition = time.Now()
			c.mu.Unlock()

			metrics.RecordCircuitTransition(name, stateString(to))
			r.logger.Warn("circuit state changed",
				slog.String("circuit", name),
				slog.String("from", stateString(from)),
				slog.String("to", stateString(to)))
		},
	}
	c.breaker = gobreaker.NewCircuitBreaker(settings)
	r.circuits[name] = c

	return c
}

func stateString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
