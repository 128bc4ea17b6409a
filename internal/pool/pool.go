// Package pool implements the bounded task queue and its fixed set of
// retrying workers. Submission is non-blocking: a full queue rejects the
// task immediately so callers can shed load instead of piling up behind a
// silent block. Failures are resolved locally through capped exponential
// backoff and are never raised to the submitter; callers poll task status.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hookq/hookq/internal/metrics"
	"github.com/hookq/hookq/internal/task"
)

var (
	// ErrQueueFull signals backpressure: the bounded queue is at capacity
	// and the caller must shed or retry later.
	ErrQueueFull = errors.New("task queue full")

	// ErrStopped is returned by Submit after Stop has been called.
	ErrStopped = errors.New("pool stopped")

	// ErrDuplicateID is returned when a caller-supplied task ID is already
	// registered with the pool.
	ErrDuplicateID = errors.New("duplicate task id")
)

type Config struct {
	Workers           int
	QueueCapacity     int
	DefaultMaxRetries int

	// BackoffBase and BackoffMax bound the retry delay:
	// min(base * 2^(n-1), max) for retry attempt n.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:           4,
		QueueCapacity:     100,
		DefaultMaxRetries: 3,
		BackoffBase:       500 * time.Millisecond,
		BackoffMax:        30 * time.Second,
	}
}

// OutcomeRecorder receives terminal task snapshots, typically backed by the
// Postgres history sink. A nil recorder disables recording.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, snap task.Snapshot) error
}

// Metrics is the aggregate view of pool activity exposed to collaborators.
type Metrics struct {
	Total            int64   `json:"total"`
	Completed        int64   `json:"completed"`
	Failed           int64   `json:"failed"`
	Retried          int64   `json:"retried"`
	Pending          int     `json:"pending"`
	Processing       int     `json:"processing"`
	Retrying         int     `json:"retrying"`
	QueueDepth       int     `json:"queue_depth"`
	QueueCapacity    int     `json:"queue_capacity"`
	PeakQueueDepth   int     `json:"peak_queue_depth"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
	ThroughputPerMin float64 `json:"throughput_per_min"`
	SuccessRate      float64 `json:"success_rate"`
}

// Pool owns every submitted task until it reaches a terminal status.
type Pool struct {
	cfg      Config
	logger   *slog.Logger
	recorder OutcomeRecorder

	queue chan *task.Task

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   map[string]*task.Task
	active  int
	started bool
	stopped bool

	submitted    int64
	completed    int64
	failed       int64
	retried      int64
	peakDepth    int
	avgLatencyMs float64
	latencyCount int64
	startedAt    time.Time

	wg sync.WaitGroup

	// loopCtx stops workers between tasks; execCtx force-cancels handlers
	// and backoff sleeps when the shutdown timeout is exceeded.
	loopCtx    context.Context
	loopCancel context.CancelFunc
	execCtx    context.Context
	execCancel context.CancelFunc
}

func New(cfg Config, recorder OutcomeRecorder, logger *slog.Logger) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = def.BackoffMax
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	execCtx, execCancel := context.WithCancel(context.Background())

	p := &Pool{
		cfg:        cfg,
		logger:     logger,
		recorder:   recorder,
		queue:      make(chan *task.Task, cfg.QueueCapacity),
		tasks:      make(map[string]*task.Task),
		loopCtx:    loopCtx,
		loopCancel: loopCancel,
		execCtx:    execCtx,
		execCancel: execCancel,
	}
	p.cond = sync.NewCond(&p.mu)

	return p
}

type submitOptions struct {
	id         string
	maxRetries int
}

type SubmitOption func(*submitOptions)

// WithID sets a caller-supplied task identifier instead of a generated one.
func WithID(id string) SubmitOption {
	return func(o *submitOptions) { o.id = id }
}

// WithMaxRetries overrides the pool's default retry limit for one task.
func WithMaxRetries(n int) SubmitOption {
	return func(o *submitOptions) { o.maxRetries = n }
}

// Submit enqueues a unit of work and returns its task ID. It never blocks:
// a queue at capacity returns ErrQueueFull.
func (p *Pool) Submit(h task.Handler, opts ...SubmitOption) (string, error) {
	o := submitOptions{maxRetries: p.cfg.DefaultMaxRetries}
	for _, opt := range opts {
		opt(&o)
	}

	t := task.New(h, o.id, o.maxRetries)

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return "", ErrStopped
	}
	if _, exists := p.tasks[t.ID]; exists {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, t.ID)
	}

	select {
	case p.queue <- t:
	default:
		p.mu.Unlock()
		return "", ErrQueueFull
	}

	p.tasks[t.ID] = t
	p.active++
	p.submitted++
	depth := len(p.queue)
	if depth > p.peakDepth {
		p.peakDepth = depth
	}
	p.mu.Unlock()

	metrics.TasksSubmitted.Inc()
	metrics.UpdateQueueDepth(depth)

	return t.ID, nil
}

// Start launches the worker goroutines. Calling Start twice is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.startedAt = time.Now()
	p.mu.Unlock()

	for i := 1; i <= p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	metrics.WorkersActive.Set(float64(p.cfg.Workers))

	p.logger.Info("worker pool started",
		slog.Int("workers", p.cfg.Workers),
		slog.Int("queue_capacity", p.cfg.QueueCapacity))
}

// Stop rejects further submissions, signals workers to exit after their
// current unit, and waits up to timeout before force-cancelling in-flight
// work. A force-cancelled retry stays in the retrying status; the queue is
// in-memory so it is not resumed after restart.
func (p *Pool) Stop(timeout time.Duration) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.loopCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.Warn("shutdown timeout exceeded, force-cancelling in-flight work",
			slog.Duration("timeout", timeout))
		p.execCancel()
		<-done
	}

	p.execCancel()
	metrics.WorkersActive.Set(0)

	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()

	p.logger.Info("worker pool stopped")
}

// WaitCompletion blocks until every submitted task has reached a terminal
// status, or the timeout elapses. A timeout <= 0 waits indefinitely.
// It reports whether all work completed.
func (p *Pool) WaitCompletion(timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		wake := time.AfterFunc(timeout, func() {
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		})
		defer wake.Stop()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for p.active > 0 {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return false
		}
		p.cond.Wait()
	}

	return true
}

// TaskStatus returns a read-only snapshot of the task, if known.
func (p *Pool) TaskStatus(id string) (task.Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.tasks[id]
	if !ok {
		return task.Snapshot{}, false
	}

	return t.Snapshot(), true
}

func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := Metrics{
		Total:          p.submitted,
		Completed:      p.completed,
		Failed:         p.failed,
		Retried:        p.retried,
		QueueDepth:     len(p.queue),
		QueueCapacity:  p.cfg.QueueCapacity,
		PeakQueueDepth: p.peakDepth,
		AvgLatencyMs:   p.avgLatencyMs,
	}

	for _, t := range p.tasks {
		switch t.Status {
		case task.StatusPending:
			m.Pending++
		case task.StatusProcessing:
			m.Processing++
		case task.StatusRetrying:
			m.Retrying++
		}
	}

	if terminal := p.completed + p.failed; terminal > 0 {
		m.SuccessRate = float64(p.completed) / float64(terminal)
	} else {
		m.SuccessRate = 1.0
	}

	if !p.startedAt.IsZero() {
		if minutes := time.Since(p.startedAt).Minutes(); minutes > 0 {
			m.ThroughputPerMin = float64(p.completed) / minutes
		}
	}

	return m
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	logger := p.logger.With(slog.Int("worker", id))
	for {
		if p.loopCtx.Err() != nil {
			return
		}

		select {
		case <-p.loopCtx.Done():
			return
		case t := <-p.queue:
			metrics.UpdateQueueDepth(len(p.queue))
			p.run(logger, t)
		}
	}
}

// run drives one task through as many attempts as its retry limit allows.
// Each attempt prefers handing the retry back to the queue so another worker
// slot can serve it; when the queue is momentarily full the same worker keeps
// the task inline, so a retrying task is never dropped by backpressure.
func (p *Pool) run(logger *slog.Logger, t *task.Task) {
	for {
		p.mu.Lock()
		t.Status = task.StatusProcessing
		if t.StartedAt == nil {
			now := time.Now()
			t.StartedAt = &now
		}
		attempt := t.RetryCount + 1
		p.mu.Unlock()

		result, err := p.execute(t)
		if err == nil {
			p.finish(logger, t, result, nil)
			return
		}

		p.mu.Lock()
		t.RetryCount++
		t.Error = err.Error()
		canRetry := t.RetryCount <= t.MaxRetries
		if canRetry {
			t.Status = task.StatusRetrying
			p.retried++
		}
		p.mu.Unlock()

		if !canRetry {
			p.finish(logger, t, nil, err)
			return
		}

		metrics.TasksRetried.Inc()
		delay := backoffDelay(p.cfg.BackoffBase, p.cfg.BackoffMax, t.RetryCount)
		logger.Warn("task failed, retrying",
			slog.String("task", t.ID),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.Any("error", err))

		select {
		case <-time.After(delay):
		case <-p.execCtx.Done():
			// Force-cancelled mid-backoff: the task stays retrying.
			return
		}

		// During shutdown no worker will drain the queue again, so the
		// remaining attempts stay with this worker.
		if p.loopCtx.Err() == nil {
			select {
			case p.queue <- t:
				return
			default:
			}
		}
	}
}

// execute runs the handler with panic recovery so one bad handler cannot
// take down a worker slot.
func (p *Pool) execute(t *task.Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return t.Handler.Execute(p.execCtx)
}

func (p *Pool) finish(logger *slog.Logger, t *task.Task, result any, execErr error) {
	now := time.Now()
	var latency time.Duration

	p.mu.Lock()
	t.CompletedAt = &now
	if t.StartedAt != nil {
		latency = now.Sub(*t.StartedAt)
	}
	if execErr == nil {
		t.Status = task.StatusCompleted
		t.Result = result
		t.Error = ""
		p.completed++
		p.latencyCount++
		p.avgLatencyMs += (float64(latency) / float64(time.Millisecond) - p.avgLatencyMs) / float64(p.latencyCount)
	} else {
		t.Status = task.StatusFailed
		t.Error = execErr.Error()
		p.failed++
	}
	p.active--
	snap := t.Snapshot()
	p.cond.Broadcast()
	p.mu.Unlock()

	if execErr == nil {
		metrics.RecordTaskCompleted(latency)
		logger.Info("task completed",
			slog.String("task", t.ID),
			slog.Duration("latency", latency))
	} else {
		metrics.RecordTaskFailed(latency)
		logger.Error("task failed permanently",
			slog.String("task", t.ID),
			slog.Int("retries", snap.RetryCount),
			slog.Any("error", execErr))
	}

	if p.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.recorder.RecordOutcome(ctx, snap); err != nil {
			logger.Error("failed to record task outcome", slog.Any("error", err))
		}
		cancel()
	}
}

// backoffDelay returns min(base * 2^(retry-1), max).
func backoffDelay(base, max time.Duration, retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}

	delay := base
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}

	return delay
}
