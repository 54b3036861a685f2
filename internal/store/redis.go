package store

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "convoctx:"

// RedisBackend stores records in Redis. Suits deployments where several
// processes share one store; pairs naturally with RedisBroadcaster for
// change signals.
type RedisBackend struct {
	name   string
	client *redis.Client
}

// NewRedisBackend wraps an existing client. The caller owns the client's
// lifecycle.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{name: "redis", client: client}
}

func (b *RedisBackend) Name() string { return b.name }

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := b.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &BackendError{Backend: b.name, Op: "get", Err: err}
	}
	return val, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte) error {
	if err := b.client.Set(ctx, redisKeyPrefix+key, value, 0).Err(); err != nil {
		return &BackendError{Backend: b.name, Op: "set", Err: err}
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return &BackendError{Backend: b.name, Op: "delete", Err: err}
	}
	return nil
}

func (b *RedisBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := b.client.Scan(ctx, 0, redisKeyPrefix+prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(redisKeyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, &BackendError{Backend: b.name, Op: "list", Err: err}
	}
	return keys, nil
}

// Quota reports used memory; Redis enforces its own maxmemory policy, so
// Limit is unknown here and eviction is left to the server.
func (b *RedisBackend) Quota(ctx context.Context) (QuotaInfo, error) {
	var used int64
	iter := b.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		n, err := b.client.StrLen(ctx, iter.Val()).Result()
		if err != nil {
			return QuotaInfo{}, &BackendError{Backend: b.name, Op: "quota", Err: err}
		}
		used += n
	}
	if err := iter.Err(); err != nil {
		return QuotaInfo{}, &BackendError{Backend: b.name, Op: "quota", Err: err}
	}
	return QuotaInfo{Used: used}, nil
}
