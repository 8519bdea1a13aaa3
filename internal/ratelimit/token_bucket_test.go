package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, "rl:tickets:", capacity, refill, time.Minute), mr
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	allowed, _, err := bucket.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, allowed, "first token")
	allowed, _, _ = bucket.Allow(ctx, "10.0.0.1")
	assert.True(t, allowed, "second token")
	allowed, _, _ = bucket.Allow(ctx, "10.0.0.1")
	assert.False(t, allowed, "third token should be rejected")

	allowed, _, _ = bucket.Allow(ctx, "10.0.0.2")
	assert.True(t, allowed, "other subjects have their own bucket")
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 2)
	start := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return start }

	for i := 0; i < 2; i++ {
		allowed, _, _ := bucket.Allow(ctx, "worker")
		require.True(t, allowed)
	}
	allowed, _, _ := bucket.Allow(ctx, "worker")
	require.False(t, allowed)

	// Refill is driven by the caller's clock, not Redis time.
	bucket.now = func() time.Time { return start.Add(600 * time.Millisecond) }
	allowed, tokens, err := bucket.Allow(ctx, "worker")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.InDelta(t, 0.2, tokens, 0.01)
}
