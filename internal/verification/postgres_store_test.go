//go:build integration

package verification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/stepup/internal/testutil"
)

func newPGTokens(t *testing.T) (*TokenStore, *fakeClock, func()) {
	db, cleanup := testutil.PGTest(t)
	clock := newFakeClock()
	// Postgres keeps microseconds; keep the fake clock aligned so equality holds.
	ts := NewTokenStore(NewPostgresStore(db), 5*time.Minute).WithClock(clock.Now)
	return ts, clock, cleanup
}

func TestPostgresStore_CreateGetPreservesPayload(t *testing.T) {
	ts, clock, cleanup := newPGTokens(t)
	defer cleanup()
	ctx := context.Background()

	c := createSample(t, ts, "user-pg")
	got, err := ts.Get(ctx, c.Token, "user-pg")
	require.NoError(t, err)
	assert.Equal(t, samplePayload, string(got.EscrowedPayload))
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, c.RiskFactors, got.RiskFactors)
	assert.True(t, clock.Now().Add(5*time.Minute).Equal(got.ExpiresAt))

	_, err = ts.Get(ctx, c.Token, "someone-else")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_ConcurrentVerifyHasOneWinner(t *testing.T) {
	ts, _, cleanup := newPGTokens(t)
	defer cleanup()
	ctx := context.Background()
	c := createSample(t, ts, "user-pg")

	const workers = 16
	var wg sync.WaitGroup
	var wins, conflicts atomic.Int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ts.Transition(ctx, c.Token, "user-pg", StatusPending, StatusVerified)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(workers-1), conflicts.Load())
}

func TestPostgresStore_ExpiryAndAttempts(t *testing.T) {
	ts, clock, cleanup := newPGTokens(t)
	defer cleanup()
	ctx := context.Background()

	locked := createSample(t, ts, "user-pg")
	_, err := ts.RecordFailedAttempt(ctx, locked.Token, "user-pg", 2)
	require.NoError(t, err)
	got, err := ts.RecordFailedAttempt(ctx, locked.Token, "user-pg", 2)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Equal(t, 2, got.Attempts)

	late := createSample(t, ts, "user-pg")
	clock.Advance(6 * time.Minute)
	_, err = ts.Transition(ctx, late.Token, "user-pg", StatusPending, StatusVerified)
	assert.ErrorIs(t, err, ErrExpired)
	got, err = ts.Get(ctx, late.Token, "user-pg")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
}

func TestPostgresStore_MergeAndSweep(t *testing.T) {
	ts, clock, cleanup := newPGTokens(t)
	defer cleanup()
	ctx := context.Background()

	c := createSample(t, ts, "user-pg")
	merged, err := ts.MergeOrderIDs(ctx, c.Token, "user-pg", []string{"o1"})
	require.NoError(t, err)
	var doc struct {
		OrderIDs []string `json:"orderIds"`
	}
	require.NoError(t, json.Unmarshal(merged.EscrowedPayload, &doc))
	assert.Equal(t, []string{"o1"}, doc.OrderIDs)

	stale := createSample(t, ts, "user-pg")
	clock.Advance(time.Hour)
	refs, err := ts.ExpireStale(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, refs, 2)

	_, err = ts.MergeOrderIDs(ctx, stale.Token, "user-pg", []string{"o2"})
	assert.ErrorIs(t, err, ErrExpired)
}
