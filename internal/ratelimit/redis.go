package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit:"

// takeScript prunes, counts and records in one server-side step.
// KEYS[1] window key; ARGV now ms, window start ms, max, ttl ms, member.
var takeScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[3]) then
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// RedisStore shares windows between gateway replicas. Each client's window is
// a sorted set of request ids scored by unix-millisecond timestamp, expiring
// with the window.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore returns a RedisStore on client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) key(clientID string) string {
	return redisKeyPrefix + clientID
}

// Take implements AtomicStore with a Lua script, so limiters in different
// processes never both take the last slot.
func (s *RedisStore) Take(ctx context.Context, clientID string, now time.Time, window time.Duration, maxRequests int) (bool, error) {
	ttl := window
	if ttl <= 0 {
		ttl = DefaultWindow
	}
	res, err := takeScript.Run(ctx, s.client, []string{s.key(clientID)},
		now.UnixMilli(),
		now.Add(-window).UnixMilli(),
		maxRequests,
		ttl.Milliseconds(),
		uuid.New().String(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis take window: %w", err)
	}
	return res == 1, nil
}

// Load implements WindowStore.
func (s *RedisStore) Load(ctx context.Context, clientID string) ([]time.Time, error) {
	entries, err := s.client.ZRangeWithScores(ctx, s.key(clientID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read window: %w", err)
	}
	times := make([]time.Time, len(entries))
	for i, z := range entries {
		times[i] = time.UnixMilli(int64(z.Score))
	}
	return times, nil
}

// Save implements WindowStore by replacing the whole window. An empty window
// deletes the key.
func (s *RedisStore) Save(ctx context.Context, clientID string, times []time.Time, ttl time.Duration) error {
	key := s.key(clientID)
	if len(times) == 0 {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("redis del window: %w", err)
		}
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultWindow
	}
	members := make([]redis.Z, len(times))
	for i, ts := range times {
		members[i] = redis.Z{Score: float64(ts.UnixMilli()), Member: uuid.New().String()}
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.ZAdd(ctx, key, members...)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis write window: %w", err)
	}
	return nil
}

// Reset implements WindowStore by deleting every rate limit key.
func (s *RedisStore) Reset(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis del window: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan windows: %w", err)
	}
	return nil
}

// Ping checks redis reachability. Used for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
