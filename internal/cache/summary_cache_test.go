package cache

import (
	"context"
	"math/big"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segment-coordinator/internal/models"
)

func TestSummaryCache(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewSummaryCache(client, time.Minute)

	_, ok, err := c.Get(ctx, "job")
	require.NoError(t, err)
	assert.False(t, ok)

	want := models.Summary{Value: big.NewInt(42), Seconds: 12, ResultCount: 2, JobCount: 10, TargetLength: 5}
	stored, err := c.Set(ctx, "job", 0, want)
	require.NoError(t, err)
	assert.True(t, stored)

	got, ok, err := c.Get(ctx, "job")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, want.Value.Cmp(got.Value))
	assert.Equal(t, want.ResultCount, got.ResultCount)
	assert.Equal(t, want.JobCount, got.JobCount)

	require.NoError(t, c.Invalidate(ctx, "job"))
	_, ok, err = c.Get(ctx, "job")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSummaryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewSummaryCache(client, 5*time.Second)
	_, err = c.Set(ctx, "job", 0, models.Summary{Value: big.NewInt(1)})
	require.NoError(t, err)

	mr.FastForward(6 * time.Second)
	_, ok, err := c.Get(ctx, "job")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSummaryCacheDropsSummaryComputedBeforeInvalidate(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewSummaryCache(client, time.Minute)

	// A reader takes the generation and starts computing; a write lands and
	// invalidates before the reader stores its result.
	gen, err := c.Generation(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, int64(0), gen)
	require.NoError(t, c.Invalidate(ctx, "job"))

	stored, err := c.Set(ctx, "job", gen, models.Summary{Value: big.NewInt(1)})
	require.NoError(t, err)
	assert.False(t, stored)
	_, ok, err := c.Get(ctx, "job")
	require.NoError(t, err)
	assert.False(t, ok)

	// A summary computed after the write is cached.
	gen, err = c.Generation(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, int64(1), gen)
	stored, err = c.Set(ctx, "job", gen, models.Summary{Value: big.NewInt(2)})
	require.NoError(t, err)
	assert.True(t, stored)
	got, ok, err := c.Get(ctx, "job")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", got.Value.String())
	assert.Greater(t, mr.TTL("summary:job"), time.Duration(0))
}
