package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tasksync/domain"
)

// DefaultDedupePrefix namespaces intent keys inside a shared Redis.
const DefaultDedupePrefix = "tasksync:intent:"

// RedisDeduper claims intent idempotency keys in Redis so every instance and
// every transport sees the same keys. Intents without a key are always fresh.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl, prefix: DefaultDedupePrefix}
}

func (r *RedisDeduper) redisKey(in domain.Intent) string {
	return r.prefix + in.DedupeKey()
}

// ClaimIntent reports whether the intent's key was seen for the first time.
func (r *RedisDeduper) ClaimIntent(ctx context.Context, in domain.Intent) (bool, error) {
	if in.Key == "" {
		return true, nil
	}
	return r.client.SetNX(ctx, r.redisKey(in), 1, r.ttl).Result()
}

// ReleaseIntent forgets a claimed key so the intent may be retried.
func (r *RedisDeduper) ReleaseIntent(ctx context.Context, in domain.Intent) error {
	if in.Key == "" {
		return nil
	}
	return r.client.Del(ctx, r.redisKey(in)).Err()
}

// ClaimIntents claims a batch in one pipeline. A key repeated within the
// batch is fresh only at its first position. On error the slice holds what
// was claimed before the failure so callers can release it.
func (r *RedisDeduper) ClaimIntents(ctx context.Context, intents []domain.Intent) ([]bool, error) {
	fresh := make([]bool, len(intents))
	keyed := make([]int, 0, len(intents))
	for i, in := range intents {
		if in.Key == "" {
			fresh[i] = true
			continue
		}
		keyed = append(keyed, i)
	}
	if len(keyed) == 0 {
		return fresh, nil
	}

	cmds, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, i := range keyed {
			pipe.SetNX(ctx, r.redisKey(intents[i]), 1, r.ttl)
		}
		return nil
	})
	if len(cmds) != len(keyed) {
		if err == nil {
			err = fmt.Errorf("deduper pipeline mismatch: expected %d results, got %d", len(keyed), len(cmds))
		}
		return fresh, err
	}
	for n, cmd := range cmds {
		boolCmd, ok := cmd.(*redis.BoolCmd)
		if !ok {
			return fresh, fmt.Errorf("unexpected redis response type %T", cmd)
		}
		val, cmdErr := boolCmd.Result()
		if cmdErr != nil {
			return fresh, cmdErr
		}
		fresh[keyed[n]] = val
	}
	return fresh, err
}
