package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// KV 是扁平的键值存储，值为 JSON 字符串。
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	GetAll(ctx context.Context) (map[string]string, error)
	Set(ctx context.Context, values map[string]string) error
	Remove(ctx context.Context, keys ...string) error
}

// RedisKV 把所有键保存在一个 Redis hash 中。
type RedisKV struct {
	rdb  redis.Cmdable
	hash string
}

// NewRedisKV 创建 KV，hash 名为 prefix + ":kv"。
func NewRedisKV(rdb redis.Cmdable, prefix string) *RedisKV {
	if prefix == "" {
		prefix = "fiyattakibi"
	}
	return &RedisKV{rdb: rdb, hash: prefix + ":kv"}
}

func (k *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := k.rdb.HGet(ctx, k.hash, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv hget %s: %w", key, err)
	}
	return v, true, nil
}

func (k *RedisKV) GetAll(ctx context.Context) (map[string]string, error) {
	all, err := k.rdb.HGetAll(ctx, k.hash).Result()
	if err != nil {
		return nil, fmt.Errorf("kv hgetall: %w", err)
	}
	return all, nil
}

func (k *RedisKV) Set(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, 0, len(values)*2)
	for key, v := range values {
		args = append(args, key, v)
	}
	if err := k.rdb.HSet(ctx, k.hash, args...).Err(); err != nil {
		return fmt.Errorf("kv hset: %w", err)
	}
	return nil
}

func (k *RedisKV) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := k.rdb.HDel(ctx, k.hash, keys...).Err(); err != nil {
		return fmt.Errorf("kv hdel: %w", err)
	}
	return nil
}
