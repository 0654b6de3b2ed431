// Package health runs named readiness checks for the service's
// dependencies.
package health

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker reports the health of one subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout overrides the per-check timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker concurrently and returns the aggregate
// result with per-subsystem statuses in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			st := nc.check(cctx)
			st.Name = nc.name
			statuses[i] = st
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Database checks that the connection pool can reach the server.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Healthy: false, Detail: "unreachable"}
		}
		return Status{Healthy: true}
	}
}

// Redis checks that the cooldown store answers PING.
func Redis(client *redis.Client) Checker {
	return func(ctx context.Context) Status {
		if err := client.Ping(ctx).Err(); err != nil {
			return Status{Healthy: false, Detail: "unreachable"}
		}
		return Status{Healthy: true}
	}
}

// Running reports whether a background loop is alive.
func Running(isRunning func() bool) Checker {
	return func(context.Context) Status {
		if !isRunning() {
			return Status{Healthy: false, Detail: "not running"}
		}
		return Status{Healthy: true}
	}
}
