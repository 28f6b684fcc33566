// Package cache is the best-effort Redis read-through cache in front of
// JobReverseIndex lookups (C10). It is never authoritative — a miss or a
// stale hit always falls back to the table — matching §5's "any in-process
// cache is a hint," extended here to an out-of-process one.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/healthbridge/extractpipeline/pkg/jobmodel"
)

// ReverseIndexCache caches id -> (partitionKey, rowKey) lookups.
type ReverseIndexCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New wraps an existing redis client. addr == "" callers should not
// construct a ReverseIndexCache at all and pass a nil cache to queue.New instead.
func New(rdb *redis.Client, ttl time.Duration) *ReverseIndexCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ReverseIndexCache{rdb: rdb, ttl: ttl}
}

func key(qt jobmodel.QueueType, id int64) string {
	return fmt.Sprintf("jobqueue:ridx:%d:%d", qt, id)
}

func (c *ReverseIndexCache) Get(ctx context.Context, qt jobmodel.QueueType, id int64) (partitionKey, rowKey string, ok bool) {
	val, err := c.rdb.Get(ctx, key(qt, id)).Result()
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(val, "\x1f", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (c *ReverseIndexCache) Set(ctx context.Context, qt jobmodel.QueueType, id int64, partitionKey, rowKey string) {
	val := partitionKey + "\x1f" + rowKey
	_ = c.rdb.Set(ctx, key(qt, id), val, c.ttl).Err()
}

// Invalidate drops a cached entry, e.g. after observing a stale hit.
func (c *ReverseIndexCache) Invalidate(ctx context.Context, qt jobmodel.QueueType, id int64) {
	_ = c.rdb.Del(ctx, key(qt, id)).Err()
}

