//go:build integration

package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/stepup/internal/pagination"
	"github.com/mbd888/stepup/internal/testutil"
)

func TestPostgresStore_RoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	tx := lowRiskTx()
	tx.AccountAgeDays = intPtr(1)
	tx.StoreCount = 3
	eval, err := NewEngine().Evaluate(tx)
	require.NoError(t, err)

	a := NewAssessment("user-pg", "order-1", "", tx, eval, time.Now().Truncate(time.Microsecond))
	require.NoError(t, store.Record(ctx, a))

	got, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.RiskScore, got.RiskScore)
	assert.Equal(t, a.Decision, got.Decision)
	assert.Equal(t, a.RiskFactors, got.RiskFactors)
	assert.Equal(t, "order-1", got.OrderID)
	assert.Empty(t, got.PaymentIntentID)
	assert.Equal(t, "AU", got.Context.Shipping.Country)
	assert.Nil(t, got.AIJustification)
	assert.True(t, a.CreatedAt.Equal(got.CreatedAt))
}

func TestPostgresStore_SetJustification(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	eval, err := NewEngine().Evaluate(lowRiskTx())
	require.NoError(t, err)
	a := NewAssessment("user-pg", "", "pi_1", lowRiskTx(), eval, time.Now())
	require.NoError(t, store.Record(ctx, a))

	at := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, store.SetJustification(ctx, a.ID, "explained", at))

	got, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AIJustification)
	assert.Equal(t, "explained", *got.AIJustification)
	assert.True(t, at.Equal(*got.JustificationGeneratedAt))

	assert.ErrorIs(t, store.SetJustification(ctx, "00000000-0000-0000-0000-000000000000", "x", at), ErrAssessmentNotFound)
	_, err = store.Get(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrAssessmentNotFound)
}

func TestPostgresStore_ListByUser(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	eval, err := NewEngine().Evaluate(lowRiskTx())
	require.NoError(t, err)

	base := time.Now()
	for i := 0; i < 3; i++ {
		a := NewAssessment("user-list", "", "pi", lowRiskTx(), eval, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.Record(ctx, a))
	}

	list, err := store.ListByUser(ctx, "user-list", nil, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].CreatedAt.After(list[1].CreatedAt))

	next := &pagination.Cursor{CreatedAt: list[1].CreatedAt, ID: list[1].ID}
	rest, err := store.ListByUser(ctx, "user-list", next, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.True(t, rest[0].CreatedAt.Before(list[1].CreatedAt))
}
