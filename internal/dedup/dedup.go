// Package dedup implements the TTL-based deduplication cache backed by a
// shared Redis store. The atomic SET NX EX claim is the single point of
// cross-process coordination: at most one claimant observes "new" for a
// given key within its TTL window.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hookq/hookq/internal/metrics"
)

// DefaultPrefix namespaces dedup markers apart from other keys sharing the store.
const DefaultPrefix = "dedup"

const marker = "1"

// Metrics reports the cache's observed behavior since startup.
type Metrics struct {
	Hits        uint64    `json:"hits"`
	Misses      uint64    `json:"misses"`
	Errors      uint64    `json:"errors"`
	HitRate     float64   `json:"hit_rate"`
	PingHealthy bool      `json:"ping_healthy"`
	LastPing    time.Time `json:"last_ping"`
}

// Cache wraps the shared Redis client. A background liveness probe pings the
// store on a fixed interval so the health monitor can report connectivity
// without issuing its own commands.
type Cache struct {
	client *redis.Client
	logger *slog.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
	errors atomic.Uint64

	mu          sync.Mutex
	pingHealthy bool
	lastPing    time.Time

	stopProbe chan struct{}
	probeDone chan struct{}
}

func NewCache(addr string, probeInterval time.Duration, logger *slog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	c := &Cache{
		client:      client,
		logger:      logger,
		pingHealthy: true,
		lastPing:    time.Now(),
		stopProbe:   make(chan struct{}),
		probeDone:   make(chan struct{}),
	}

	if probeInterval > 0 {
		go c.probeLoop(probeInterval)
	} else {
		close(c.probeDone)
	}

	return c, nil
}

// IsDuplicate atomically claims key under the default prefix. It returns
// false when the claim succeeds (first time seen within ttl) and true when
// another claimant already holds the key. On backend error it fails open:
// double-processing an event once is judged less harmful than dropping it.
func (c *Cache) IsDuplicate(ctx context.Context, key string, ttl time.Duration) bool {
	return c.Claim(ctx, DefaultPrefix, key, ttl)
}

// Claim is IsDuplicate with an explicit namespace prefix.
func (c *Cache) Claim(ctx context.Context, prefix, key string, ttl time.Duration) bool {
	set, err := c.client.SetNX(ctx, nsKey(prefix, key), marker, ttl).Result()
	if err != nil {
		c.errors.Add(1)
		metrics.RecordDedupCheck("error")
		c.logger.Error("dedup claim failed, failing open",
			slog.String("key", key),
			slog.Any("error", err))

		return false
	}

	if set {
		c.misses.Add(1)
		metrics.RecordDedupCheck("miss")
		return false
	}

	c.hits.Add(1)
	metrics.RecordDedupCheck("hit")
	return true
}

// SetWithTTL stores a namespaced value with an expiry, unconditionally.
func (c *Cache) SetWithTTL(ctx context.Context, prefix, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, nsKey(prefix, key), value, ttl).Err(); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("set %s: %w", nsKey(prefix, key), err)
	}

	return nil
}

// Get returns the namespaced value, or ("", false, nil) when the key is absent.
func (c *Cache) Get(ctx context.Context, prefix, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, nsKey(prefix, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		c.errors.Add(1)
		return "", false, fmt.Errorf("get %s: %w", nsKey(prefix, key), err)
	}

	return value, true, nil
}

// Delete removes a namespaced key. Deleting an absent key is not an error.
func (c *Cache) Delete(ctx context.Context, prefix, key string) error {
	if err := c.client.Del(ctx, nsKey(prefix, key)).Err(); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("delete %s: %w", nsKey(prefix, key), err)
	}

	return nil
}

// TTL returns the remaining lifetime of a namespaced key. The returned
// duration is negative when the key does not exist or has no expiry,
// following the Redis TTL convention.
func (c *Cache) TTL(ctx context.Context, prefix, key string) (time.Duration, error) {
	ttl, err := c.client.TTL(ctx, nsKey(prefix, key)).Result()
	if err != nil {
		c.errors.Add(1)
		return 0, fmt.Errorf("ttl %s: %w", nsKey(prefix, key), err)
	}

	return ttl, nil
}

func (c *Cache) Metrics() Metrics {
	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	c.mu.Lock()
	pingHealthy := c.pingHealthy
	lastPing := c.lastPing
	c.mu.Unlock()

	return Metrics{
		Hits:        hits,
		Misses:      misses,
		Errors:      c.errors.Load(),
		HitRate:     hitRate,
		PingHealthy: pingHealthy,
		LastPing:    lastPing,
	}
}

// Ping probes the backing store once and records the outcome.
func (c *Cache) Ping(ctx context.Context) error {
	err := c.client.Ping(ctx).Err()

	c.mu.Lock()
	c.pingHealthy = err == nil
	c.lastPing = time.Now()
	c.mu.Unlock()

	return err
}

func (c *Cache) probeLoop(interval time.Duration) {
	defer close(c.probeDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopProbe:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := c.Ping(ctx); err != nil {
				c.logger.Warn("dedup cache liveness probe failed", slog.Any("error", err))
			}
			cancel()
		}
	}
}

func (c *Cache) Close() error {
	select {
	case <-c.stopProbe:
	default:
		close(c.stopProbe)
	}
	<-c.probeDone

	return c.client.Close()
}

func nsKey(prefix, key string) string {
	return prefix + ":" + key
}
