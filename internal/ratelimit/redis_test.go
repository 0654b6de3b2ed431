//go:build integration

package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCooldown(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	client, err := NewRedisClient(url)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	cd := NewRedisCooldown(client, "stepup:test:cooldown:")
	key := "tok-" + time.Now().Format("150405.000000")
	defer func() { _ = cd.Release(ctx, key) }()

	ok, _, err := cd.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, wait, err := cd.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))

	require.NoError(t, cd.Release(ctx, key))
	ok, _, err = cd.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
