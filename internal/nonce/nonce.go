// Package nonce rejects request identifiers that were already seen within
// the replay window.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window is how long a request ID stays unusable after first use.
const Window = 5 * time.Minute

// Outcome is the result of registering a request ID.
type Outcome int

const (
	Fresh Outcome = iota
	Replayed
)

func (o Outcome) String() string {
	if o == Replayed {
		return "replayed"
	}
	return "fresh"
}

// ErrEmptyID is returned for an empty request ID.
var ErrEmptyID = errors.New("nonce: request id is required")

// Cache records request IDs with atomic check-and-insert semantics.
type Cache interface {
	RegisterIfNew(ctx context.Context, requestID string) (Outcome, error)
}

// MemoryCache is an in-process nonce cache. Expiry is checked lazily on
// every registration and entries are reclaimed by Sweep. A replay inside
// the window does not refresh the original timestamp.
type MemoryCache struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

// NewMemoryCache creates a cache with the given window.
func NewMemoryCache(window time.Duration) *MemoryCache {
	if window <= 0 {
		window = Window
	}
	return &MemoryCache{
		seen:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

// RegisterIfNew implements Cache.
func (c *MemoryCache) RegisterIfNew(_ context.Context, requestID string) (Outcome, error) {
	if requestID == "" {
		return Fresh, ErrEmptyID
	}

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if first, ok := c.seen[requestID]; ok && now.Sub(first) < c.window {
		return Replayed, nil
	}
	c.seen[requestID] = now
	return Fresh, nil
}

// Sweep removes entries older than the window.
func (c *MemoryCache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, first := range c.seen {
		if now.Sub(first) >= c.window {
			delete(c.seen, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked IDs.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// RunSweeper calls Sweep on a fixed interval until ctx is cancelled.
func (c *MemoryCache) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

const keyPrefix = "palette:nonce:"

// RedisCache stores request IDs as keys with a TTL equal to the window.
type RedisCache struct {
	client *redis.Client
	window time.Duration
}

// NewRedisCache creates a Redis-backed nonce cache.
func NewRedisCache(client *redis.Client, window time.Duration) *RedisCache {
	if window <= 0 {
		window = Window
	}
	return &RedisCache{client: client, window: window}
}

// RegisterIfNew implements Cache.
func (c *RedisCache) RegisterIfNew(ctx context.Context, requestID string) (Outcome, error) {
	if requestID == "" {
		return Fresh, ErrEmptyID
	}
	ok, err := c.client.SetNX(ctx, keyPrefix+requestID, time.Now().Unix(), c.window).Result()
	if err != nil {
		return Fresh, fmt.Errorf("setnx nonce: %w", err)
	}
	if !ok {
		return Replayed, nil
	}
	return Fresh, nil
}
