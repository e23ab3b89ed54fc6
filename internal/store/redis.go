package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis backs the Store contract with a single redis hash so Clear cannot
// touch keys owned by other subsystems (the directory feed, auth nonces).
type Redis struct {
	rdb  *redis.Client
	hash string
}

// NewRedis scopes all entries under the given namespace.
func NewRedis(rdb *redis.Client, namespace string) *Redis {
	return &Redis{rdb: rdb, hash: "store:" + namespace}
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.HGet(ctx, r.hash, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store get %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	return r.rdb.HSet(ctx, r.hash, key, value).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.rdb.HDel(ctx, r.hash, key).Err()
}

func (r *Redis) Has(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.HExists(ctx, r.hash, key).Result()
	if err != nil {
		return false, fmt.Errorf("store has %s: %w", key, err)
	}
	return n, nil
}

func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	all, err := r.rdb.HKeys(ctx, r.hash).Result()
	if err != nil {
		return nil, fmt.Errorf("store keys: %w", err)
	}
	var keys []string
	for _, k := range all {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (r *Redis) Clear(ctx context.Context) error {
	return r.rdb.Del(ctx, r.hash).Err()
}
