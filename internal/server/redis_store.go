package server

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCounterStore implements counterStore on a fixed-window Redis counter,
// letting multiple API instances share one credential-mutation budget.
type redisCounterStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

func newRedisCounterStore(addr, password string, timeout time.Duration) *redisCounterStore {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{addr},
		Password: password,
	})
	return &redisCounterStore{client: client, timeout: timeout}
}

func (s *redisCounterStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	count := pipe.Incr(opCtx, key)
	pipe.ExpireNX(opCtx, key, window)
	if _, err := pipe.Exec(opCtx); err != nil {
		return false, 0, err
	}

	if count.Val() <= int64(limit) {
		return true, 0, nil
	}

	ttl, err := s.client.TTL(opCtx, key).Result()
	if err != nil || ttl < 0 {
		ttl = window
	}
	return false, ttl, nil
}

func (s *redisCounterStore) Close() error {
	return s.client.Close()
}
