package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "stalker-bridge:session:"

// RedisTokenStore keeps sessions in Redis so several bridge replicas reuse one
// portal token. Redis expiry mirrors the session TTL.
type RedisTokenStore struct {
	client *redis.Client
}

// NewRedisTokenStore parses a Redis URL (e.g. "redis://host:6379/0").
// Call Ping to verify the connection.
func NewRedisTokenStore(rawURL string) (*RedisTokenStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisTokenStore{client: redis.NewClient(opts)}, nil
}

func (r *RedisTokenStore) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisTokenStore) Close() error { return r.client.Close() }

func (r *RedisTokenStore) Get(ctx context.Context, key string) (Session, bool, error) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, false, fmt.Errorf("redis unmarshal %s: %w", key, err)
	}
	return s, true, nil
}

func (r *RedisTokenStore) Put(ctx context.Context, key string, s Session, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisKeyPrefix+key, data, ttl).Err()
}

func (r *RedisTokenStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, redisKeyPrefix+key).Err()
}

// Clear removes every session key using SCAN, never KEYS.
func (r *RedisTokenStore) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, redisKeyPrefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
