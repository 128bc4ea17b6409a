package dedup

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewCache(mr.Addr(), 0, logger)
	require.NoError(t, err)

	return c, mr
}

func TestNewCache_InvalidAddress(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewCache("invalid:99999", 0, logger)
	assert.Error(t, err)
}

func TestIsDuplicate_FirstClaimIsNew(t *testing.T) {
	c, mr := setupTestCache(t)
	defer mr.Close()
	defer func() { _ = c.Close() }()

	ctx := context.Background()

	assert.False(t, c.IsDuplicate(ctx, "evt-1", time.Minute))
	assert.True(t, c.IsDuplicate(ctx, "evt-1", time.Minute))
	assert.False(t, c.IsDuplicate(ctx, "evt-2", time.Minute))
}

func TestIsDuplicate_ExpiresAfterTTL(t *testing.T) {
	c, mr := setupTestCache(t)
	defer mr.Close()
	defer func() { _ = c.Close() }()

	ctx := context.Background()

	require.False(t, c.IsDuplicate(ctx, "evt-1", 5*time.Second))
	require.True(t, c.IsDuplicate(ctx, "evt-1", 5*time.Second))

	mr.FastForward(6 * time.Second)

	assert.False(t, c.IsDuplicate(ctx, "evt-1", 5*time.Second))
}

func TestIsDuplicate_ConcurrentClaimants(t *testing.T) {
	c, mr := setupTestCache(t)
	defer mr.Close()
	defer func() { _ = c.Close() }()

	const claimants = 16
	results := make([]bool, claimants)

	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.IsDuplicate(context.Background(), "evt-race", time.Minute)
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, dup := range results {
		if !dup {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh, "exactly one claimant must observe the key as new")
}

func TestIsDuplicate_FailsOpenOnBackendError(t *testing.T) {
	c, mr := setupTestCache(t)
	defer func() { _ = c.Close() }()

	mr.Close()

	assert.False(t, c.IsDuplicate(context.Background(), "evt-1", time.Minute))
	assert.Equal(t, uint64(1), c.Metrics().Errors)
}

func TestClaim_PrefixesAreIndependent(t *testing.T) {
	c, mr := setupTestCache(t)
	defer mr.Close()
	defer func() { _ = c.Close() }()

	ctx := context.Background()

	assert.False(t, c.Claim(ctx, "webhook", "evt-1", time.Minute))
	assert.False(t, c.Claim(ctx, "alert", "evt-1", time.Minute))
	assert.True(t, c.Claim(ctx, "webhook", "evt-1", time.Minute))
}

func TestAccessors(t *testing.T) {
	c, mr := setupTestCache(t)
	defer mr.Close()
	defer func() { _ = c.Close() }()

	ctx := context.Background()

	require.NoError(t, c.SetWithTTL(ctx, "session", "user-1", "token", time.Minute))

	value, found, err := c.Get(ctx, "session", "user-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "token", value)

	ttl, err := c.TTL(ctx, "session", "user-1")
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)

	require.NoError(t, c.Delete(ctx, "session", "user-1"))

	_, found, err = c.Get(ctx, "session", "user-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMetrics(t *testing.T) {
	c, mr := setupTestCache(t)
	defer mr.Close()
	defer func() { _ = c.Close() }()

	ctx := context.Background()

	c.IsDuplicate(ctx, "evt-1", time.Minute)
	c.IsDuplicate(ctx, "evt-1", time.Minute)
	c.IsDuplicate(ctx, "evt-1", time.Minute)
	c.IsDuplicate(ctx, "evt-2", time.Minute)

	m := c.Metrics()
	assert.Equal(t, uint64(2), m.Hits)
	assert.Equal(t, uint64(2), m.Misses)
	assert.Equal(t, uint64(0), m.Errors)
	assert.InDelta(t, 0.5, m.HitRate, 0.001)
	assert.True(t, m.PingHealthy)
}

func TestPing(t *testing.T) {
	c, mr := setupTestCache(t)
	defer func() { _ = c.Close() }()

	require.NoError(t, c.Ping(context.Background()))
	assert.True(t, c.Metrics().PingHealthy)

	mr.Close()

	require.Error(t, c.Ping(context.Background()))
	assert.False(t, c.Metrics().PingHealthy)
}
