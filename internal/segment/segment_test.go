package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segment-coordinator/internal/models"
)

func TestIndices(t *testing.T) {
	cases := []struct {
		count, chunk int64
		want         int64
	}{
		{100, 10, 10},
		{101, 10, 11},
		{99, 10, 10},
		{1, 10, 1},
		{10, 1, 10},
		{0, 10, 0},
	}
	for _, c := range cases {
		job := models.Job{SeedCount: c.count, SeedChunk: c.chunk}
		got := Indices(job)
		require.Len(t, got, int(c.want), "count=%d chunk=%d", c.count, c.chunk)
		assert.Equal(t, c.want, Count(job))
		for i, idx := range got {
			if i == 0 {
				assert.Equal(t, int64(0), idx)
				continue
			}
			assert.Greater(t, idx, got[i-1])
			assert.Less(t, idx, c.count)
		}
	}
}

func TestIndicesZeroChunk(t *testing.T) {
	job := models.Job{SeedCount: 10, SeedChunk: 0}
	assert.Empty(t, Indices(job))
	assert.Zero(t, Count(job))
}

func TestContains(t *testing.T) {
	job := models.Job{SeedCount: 25, SeedChunk: 10}
	assert.True(t, Contains(job, 0))
	assert.True(t, Contains(job, 20))
	assert.False(t, Contains(job, 5))
	assert.False(t, Contains(job, 30))
	assert.False(t, Contains(job, -10))
}
