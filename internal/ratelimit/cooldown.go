package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cooldown grants at most one action per key within a window.
type Cooldown interface {
	// Acquire reports whether key is free, claiming it for window if so.
	// When it is not free, the remaining wait is returned.
	Acquire(ctx context.Context, key string, window time.Duration) (bool, time.Duration, error)
	// Release frees key early, e.g. after a failed send.
	Release(ctx context.Context, key string) error
}

// MemoryCooldown is a process-local Cooldown.
type MemoryCooldown struct {
	mu    sync.Mutex
	now   func() time.Time
	until map[string]time.Time
}

// NewMemoryCooldown creates an in-memory cooldown.
func NewMemoryCooldown() *MemoryCooldown {
	return &MemoryCooldown{now: time.Now, until: make(map[string]time.Time)}
}

// WithClock overrides the time source (tests).
func (m *MemoryCooldown) WithClock(now func() time.Time) *MemoryCooldown {
	m.now = now
	return m
}

func (m *MemoryCooldown) Acquire(_ context.Context, key string, window time.Duration) (bool, time.Duration, error) {
	if window <= 0 {
		return true, 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if until, ok := m.until[key]; ok && now.Before(until) {
		return false, until.Sub(now), nil
	}
	m.until[key] = now.Add(window)

	// Opportunistic cleanup keeps the map bounded by active keys.
	for k, until := range m.until {
		if !now.Before(until) {
			delete(m.until, k)
		}
	}
	return true, 0, nil
}

func (m *MemoryCooldown) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.until, key)
	m.mu.Unlock()
	return nil
}

// RedisCooldown shares cooldowns across replicas with SET NX PX.
type RedisCooldown struct {
	client *redis.Client
	prefix string
}

// NewRedisCooldown creates a Redis-backed cooldown. Keys are namespaced
// under prefix.
func NewRedisCooldown(client *redis.Client, prefix string) *RedisCooldown {
	return &RedisCooldown{client: client, prefix: prefix}
}

func (r *RedisCooldown) Acquire(ctx context.Context, key string, window time.Duration) (bool, time.Duration, error) {
	if window <= 0 {
		return true, 0, nil
	}
	k := r.prefix + key
	ok, err := r.client.SetNX(ctx, k, "1", window).Result()
	if err != nil {
		return false, 0, fmt.Errorf("cooldown acquire: %w", err)
	}
	if ok {
		return true, 0, nil
	}
	ttl, err := r.client.PTTL(ctx, k).Result()
	if err != nil {
		return false, 0, fmt.Errorf("cooldown ttl: %w", err)
	}
	if ttl < 0 {
		ttl = 0
	}
	return false, ttl, nil
}

func (r *RedisCooldown) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("cooldown release: %w", err)
	}
	return nil
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}
