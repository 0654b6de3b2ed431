package verification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const sweepBatch = 100

// Sweeper periodically flips overdue pending challenges to expired.
type Sweeper struct {
	tokens   *TokenStore
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewSweeper creates a sweeper that runs every interval.
func NewSweeper(tokens *TokenStore, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		tokens:   tokens,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop. It is safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// SweepOnce drains every overdue challenge in batches and returns the count.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		refs, err := s.tokens.ExpireStale(ctx, sweepBatch)
		if err != nil {
			return total, err
		}
		total += len(refs)
		if len(refs) < sweepBatch || ctx.Err() != nil {
			return total, nil
		}
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in verification sweeper", "panic", fmt.Sprint(r))
		}
	}()

	n, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Warn("failed to expire stale challenges", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("expired stale verification challenges", "count", n)
	}
}
