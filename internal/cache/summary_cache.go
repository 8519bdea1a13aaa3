package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"segment-coordinator/internal/models"
)

// SummaryCache keeps recently computed job summaries in Redis. Each job has a
// generation counter bumped by Invalidate; Set only writes when the generation
// still matches the one read before the summary was computed, so a slow
// reader cannot refill the cache with a summary older than the last write.
type SummaryCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewSummaryCache builds a cache whose entries expire after ttl.
func NewSummaryCache(client *redis.Client, ttl time.Duration) *SummaryCache {
	return &SummaryCache{client: client, prefix: "summary:", ttl: ttl}
}

func (c *SummaryCache) key(jobID string) string {
	return c.prefix + jobID
}

func (c *SummaryCache) genKey(jobID string) string {
	return c.prefix + "gen:" + jobID
}

// Get returns the cached summary for the job, reporting false on a miss.
func (c *SummaryCache) Get(ctx context.Context, jobID string) (models.Summary, bool, error) {
	raw, err := c.client.Get(ctx, c.key(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Summary{}, false, nil
	}
	if err != nil {
		return models.Summary{}, false, fmt.Errorf("get summary: %w", err)
	}
	var sum models.Summary
	if err := json.Unmarshal(raw, &sum); err != nil {
		// A corrupt entry is treated as a miss and overwritten by the next Set.
		return models.Summary{}, false, nil
	}
	return sum, true, nil
}

// Generation returns the job's invalidation counter. Read it before computing
// the summary that is later passed to Set.
func (c *SummaryCache) Generation(ctx context.Context, jobID string) (int64, error) {
	gen, err := c.client.Get(ctx, c.genKey(jobID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get summary generation: %w", err)
	}
	return gen, nil
}

// Set stores the summary for the job if no invalidation happened since gen was
// read. It reports whether the entry was written.
func (c *SummaryCache) Set(ctx context.Context, jobID string, gen int64, sum models.Summary) (bool, error) {
	raw, err := json.Marshal(sum)
	if err != nil {
		return false, fmt.Errorf("marshal summary: %w", err)
	}
	res, err := setScript.Run(ctx, c.client, []string{c.key(jobID), c.genKey(jobID)}, gen, raw, c.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("set summary: %w", err)
	}
	return res == 1, nil
}

// Invalidate drops the cached summary and bumps the generation so summaries
// computed before this call are not stored.
func (c *SummaryCache) Invalidate(ctx context.Context, jobID string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.genKey(jobID))
		pipe.Del(ctx, c.key(jobID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate summary: %w", err)
	}
	return nil
}

var setScript = redis.NewScript(`
local current = redis.call('GET', KEYS[2]) or '0'
if current ~= ARGV[1] then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)
