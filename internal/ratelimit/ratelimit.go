// Package ratelimit throttles callers of the verification API and enforces
// per-challenge resend cooldowns.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config configures request rate limiting.
type Config struct {
	// RequestsPerMinute is the sustained rate per caller.
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit.
	BurstSize int
	// CleanupInterval is how often idle callers are forgotten.
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
	}
}

// KeyFunc derives the limiter key for a request.
type KeyFunc func(c *gin.Context) string

// Limiter is a token bucket per key.
type Limiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	clients map[string]*bucket
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		clients: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-2 * time.Minute)
	for key, b := range l.clients {
		if b.lastCheck.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow takes one token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.clients[key]
	if !ok {
		l.clients[key] = &bucket{tokens: float64(l.cfg.BurstSize - 1), lastCheck: now}
		return true
	}

	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens += elapsed * float64(l.cfg.RequestsPerMinute) / 60.0
	if b.tokens > float64(l.cfg.BurstSize) {
		b.tokens = float64(l.cfg.BurstSize)
	}
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Middleware rate limits by the key keyFn returns, falling back to the
// client IP when it returns "".
func (l *Limiter) Middleware(keyFn KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := ""
		if keyFn != nil {
			key = keyFn(c)
		}
		if key == "" {
			key = "ip:" + c.ClientIP()
		}

		if !l.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
