package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookq/hookq/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPool(cfg Config) *Pool {
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 10 * time.Millisecond
	}
	return New(cfg, nil, testLogger())
}

func succeed(result any) task.Handler {
	return task.HandlerFunc(func(ctx context.Context) (any, error) {
		return result, nil
	})
}

func alwaysFail(attempts *atomic.Int64) task.Handler {
	return task.HandlerFunc(func(ctx context.Context) (any, error) {
		attempts.Add(1)
		return nil, errors.New("downstream unavailable")
	})
}

func TestSubmitAndComplete(t *testing.T) {
	p := testPool(Config{Workers: 2, QueueCapacity: 10})
	p.Start()
	defer p.Stop(time.Second)

	id, err := p.Submit(succeed("done"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.True(t, p.WaitCompletion(2*time.Second))

	snap, ok := p.TaskStatus(id)
	require.True(t, ok)
	assert.Equal(t, task.StatusCompleted, snap.Status)
	assert.Equal(t, "done", snap.Result)
	assert.NotNil(t, snap.StartedAt)
	assert.NotNil(t, snap.CompletedAt)
	assert.Empty(t, snap.Error)
}

func TestSubmit_QueueFull(t *testing.T) {
	p := testPool(Config{Workers: 1, QueueCapacity: 3})
	// Not started: nothing consumes the queue.

	for i := 0; i < 3; i++ {
		_, err := p.Submit(succeed(nil))
		require.NoError(t, err)
	}

	_, err := p.Submit(succeed(nil))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestSubmit_CallerSuppliedID(t *testing.T) {
	p := testPool(Config{Workers: 1, QueueCapacity: 10})

	id, err := p.Submit(succeed(nil), WithID("evt-123"))
	require.NoError(t, err)
	assert.Equal(t, "evt-123", id)

	_, err = p.Submit(succeed(nil), WithID("evt-123"))
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestSubmit_AfterStop(t *testing.T) {
	p := testPool(Config{Workers: 1, QueueCapacity: 10})
	p.Start()
	p.Stop(time.Second)

	_, err := p.Submit(succeed(nil))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRetry_ExhaustsAfterMaxRetries(t *testing.T) {
	p := testPool(Config{Workers: 1, QueueCapacity: 10, DefaultMaxRetries: 3})
	p.Start()
	defer p.Stop(time.Second)

	var attempts atomic.Int64
	id, err := p.Submit(alwaysFail(&attempts), WithMaxRetries(3))
	require.NoError(t, err)

	require.True(t, p.WaitCompletion(5*time.Second))

	// max_retries = 3 means exactly 4 attempts.
	assert.Equal(t, int64(4), attempts.Load())

	snap, ok := p.TaskStatus(id)
	require.True(t, ok)
	assert.Equal(t, task.StatusFailed, snap.Status)
	assert.Equal(t, 4, snap.RetryCount)
	assert.Contains(t, snap.Error, "downstream unavailable")
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	p := testPool(Config{Workers: 2, QueueCapacity: 10})
	p.Start()
	defer p.Stop(time.Second)

	var attempts atomic.Int64
	handler := task.HandlerFunc(func(ctx context.Context) (any, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("flaky")
		}
		return "recovered", nil
	})

	id, err := p.Submit(handler, WithMaxRetries(5))
	require.NoError(t, err)

	require.True(t, p.WaitCompletion(5*time.Second))

	snap, _ := p.TaskStatus(id)
	assert.Equal(t, task.StatusCompleted, snap.Status)
	assert.Equal(t, "recovered", snap.Result)
	assert.Equal(t, int64(3), attempts.Load())
}

func TestRetry_DelaysAreNonDecreasing(t *testing.T) {
	p := New(Config{
		Workers:       1,
		QueueCapacity: 10,
		BackoffBase:   10 * time.Millisecond,
		BackoffMax:    80 * time.Millisecond,
	}, nil, testLogger())
	p.Start()
	defer p.Stop(time.Second)

	var mu sync.Mutex
	var stamps []time.Time
	handler := task.HandlerFunc(func(ctx context.Context) (any, error) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		return nil, errors.New("always")
	})

	_, err := p.Submit(handler, WithMaxRetries(3))
	require.NoError(t, err)
	require.True(t, p.WaitCompletion(5*time.Second))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stamps, 4)

	var prev time.Duration
	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		assert.GreaterOrEqual(t, gap, prev, "retry delay must not shrink")
		prev = gap
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	assert.Equal(t, 100*time.Millisecond, backoffDelay(base, max, 1))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(base, max, 2))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(base, max, 3))
	assert.Equal(t, 800*time.Millisecond, backoffDelay(base, max, 4))
	assert.Equal(t, time.Second, backoffDelay(base, max, 5))
	assert.Equal(t, time.Second, backoffDelay(base, max, 50))
}

func TestHandlerPanicIsCaught(t *testing.T) {
	p := testPool(Config{Workers: 1, QueueCapacity: 10})
	p.Start()
	defer p.Stop(time.Second)

	id, err := p.Submit(task.HandlerFunc(func(ctx context.Context) (any, error) {
		panic("unexpected payload shape")
	}), WithMaxRetries(0))
	require.NoError(t, err)

	require.True(t, p.WaitCompletion(2*time.Second))

	snap, _ := p.TaskStatus(id)
	assert.Equal(t, task.StatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "handler panic")
}

func TestTaskStatus_Unknown(t *testing.T) {
	p := testPool(Config{Workers: 1, QueueCapacity: 10})

	_, ok := p.TaskStatus("nope")
	assert.False(t, ok)
}

func TestWaitCompletion_Timeout(t *testing.T) {
	p := testPool(Config{Workers: 1, QueueCapacity: 10})
	p.Start()
	defer p.Stop(time.Second)

	release := make(chan struct{})
	_, err := p.Submit(task.HandlerFunc(func(ctx context.Context) (any, error) {
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
	require.NoError(t, err)

	assert.False(t, p.WaitCompletion(50*time.Millisecond))
	close(release)
	assert.True(t, p.WaitCompletion(2*time.Second))
}

func TestStop_DrainsInFlightWork(t *testing.T) {
	p := testPool(Config{Workers: 2, QueueCapacity: 10})
	p.Start()

	var done atomic.Int64
	for i := 0; i < 5; i++ {
		_, err := p.Submit(task.HandlerFunc(func(ctx context.Context) (any, error) {
			time.Sleep(10 * time.Millisecond)
			done.Add(1)
			return nil, nil
		}))
		require.NoError(t, err)
	}

	require.True(t, p.WaitCompletion(5*time.Second))
	p.Stop(2 * time.Second)

	assert.Equal(t, int64(5), done.Load())
}

func TestStop_ForceCancelsStragglers(t *testing.T) {
	p := testPool(Config{Workers: 1, QueueCapacity: 10})
	p.Start()

	started := make(chan struct{})
	id, err := p.Submit(task.HandlerFunc(func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}), WithMaxRetries(3))
	require.NoError(t, err)

	<-started
	begun := time.Now()
	p.Stop(50 * time.Millisecond)
	assert.Less(t, time.Since(begun), time.Second)

	// Force-cancel mid-retry leaves the task in a non-terminal state.
	snap, ok := p.TaskStatus(id)
	require.True(t, ok)
	assert.False(t, snap.Status.Terminal())
}

func TestMetrics(t *testing.T) {
	p := testPool(Config{Workers: 2, QueueCapacity: 10})
	p.Start()
	defer p.Stop(time.Second)

	for i := 0; i < 3; i++ {
		_, err := p.Submit(succeed(nil))
		require.NoError(t, err)
	}
	var attempts atomic.Int64
	_, err := p.Submit(alwaysFail(&attempts), WithMaxRetries(1))
	require.NoError(t, err)

	require.True(t, p.WaitCompletion(5*time.Second))

	m := p.Metrics()
	assert.Equal(t, int64(4), m.Total)
	assert.Equal(t, int64(3), m.Completed)
	assert.Equal(t, int64(1), m.Failed)
	assert.Equal(t, int64(1), m.Retried)
	assert.Equal(t, 0, m.Pending)
	assert.Equal(t, 0, m.Processing)
	assert.Equal(t, 0, m.Retrying)
	assert.InDelta(t, 0.75, m.SuccessRate, 0.001)
	assert.GreaterOrEqual(t, m.PeakQueueDepth, 1)
	assert.GreaterOrEqual(t, m.AvgLatencyMs, 0.0)
	assert.Greater(t, m.ThroughputPerMin, 0.0)
}

func TestMetrics_IdlePoolSuccessRate(t *testing.T) {
	p := testPool(Config{Workers: 1, QueueCapacity: 10})

	assert.Equal(t, 1.0, p.Metrics().SuccessRate)
}

type recordingSink struct {
	mu    sync.Mutex
	snaps []task.Snapshot
}

func (r *recordingSink) RecordOutcome(ctx context.Context, snap task.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
	return nil
}

func TestOutcomeRecorder_ReceivesTerminalSnapshots(t *testing.T) {
	sink := &recordingSink{}
	p := New(Config{
		Workers:       1,
		QueueCapacity: 10,
		BackoffBase:   time.Millisecond,
		BackoffMax:    5 * time.Millisecond,
	}, sink, testLogger())
	p.Start()
	defer p.Stop(time.Second)

	_, err := p.Submit(succeed("ok"))
	require.NoError(t, err)
	var attempts atomic.Int64
	_, err = p.Submit(alwaysFail(&attempts), WithMaxRetries(0))
	require.NoError(t, err)

	require.True(t, p.WaitCompletion(5*time.Second))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.snaps, 2)
	for _, snap := range sink.snaps {
		assert.True(t, snap.Status.Terminal())
	}
}
