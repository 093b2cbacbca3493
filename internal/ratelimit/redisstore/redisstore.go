// Package redisstore is the distributed rate limit backend. Counters live
// in a sorted set per key, so every server instance sharing the redis
// deployment sees the same window.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"authcore/internal/ratelimit"
)

const keyPrefix = "ratelimit:"

type Backend struct {
	client *redis.Client
}

func New(client *redis.Client) *Backend {
	return &Backend{client: client}
}

func (b *Backend) Name() string { return "redis" }

func (b *Backend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Increment runs remove-expired, add, count and expire as one MULTI/EXEC
// transaction. Concurrent increments against the same key serialize inside
// redis; no hit is ever lost to a read-then-write race.
func (b *Backend) Increment(ctx context.Context, key string, window time.Duration, maxHits int) (ratelimit.Result, error) {
	const op = "ratelimit.redisstore.Increment"

	now := time.Now()
	nowMs := now.UnixMilli()
	threshold := nowMs - window.Milliseconds()

	redisKey := keyPrefix + key

	pipe := b.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(threshold, 10))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(nowMs), Member: uuid.NewString()})
	card := pipe.ZCard(ctx, redisKey)
	oldest := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	pipe.PExpire(ctx, redisKey, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return ratelimit.Result{}, fmt.Errorf("%s: %w", op, err)
	}

	hits := card.Val()

	windowStart := nowMs
	if scores := oldest.Val(); len(scores) > 0 {
		windowStart = int64(scores[0].Score)
	}

	endsIn := time.Duration(windowStart+window.Milliseconds()-nowMs) * time.Millisecond

	return ratelimit.NewResult(hits, maxHits, endsIn), nil
}

func (b *Backend) Reset(ctx context.Context, key string) error {
	const op = "ratelimit.redisstore.Reset"

	if err := b.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Cleanup is a no-op: every key carries a PExpire set on write, so redis
// evicts stale counters on its own.
func (b *Backend) Cleanup(_ context.Context, _ time.Duration) (int64, error) {
	return 0, nil
}
