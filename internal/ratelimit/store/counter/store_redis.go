package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"idmint/internal/ratelimit/models"
)

const redisKeyPrefix = "idmint:ratelimit:"

// RedisStore shares counters between replicas. Each window gets its own key
// that expires when the window ends, so rollover needs no cleanup.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Increment(ctx context.Context, key models.Key, window models.Window) (int, error) {
	k := windowKey(key, window)
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.ExpireAt(ctx, k, window.End)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment rate limit counter: %w", err)
	}
	return int(incr.Val()), nil
}

func (s *RedisStore) Count(ctx context.Context, key models.Key, window models.Window) (int, error) {
	n, err := s.client.Get(ctx, windowKey(key, window)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read rate limit counter: %w", err)
	}
	return n, nil
}

// Reset removes every window of key.
func (s *RedisStore) Reset(ctx context.Context, key models.Key) error {
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+key.String()+":*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan rate limit counters: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("reset rate limit counters: %w", err)
	}
	return nil
}

func windowKey(key models.Key, window models.Window) string {
	return redisKeyPrefix + key.String() + ":" + strconv.FormatInt(window.Start.Unix(), 10)
}
