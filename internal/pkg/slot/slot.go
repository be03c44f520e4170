package slot

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "fiyattakibi:slot:"

// 仅当 token 匹配时删除，避免释放别人持有的槽位
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease 基于 SETNX 的跨进程互斥槽位，同一名称同时只有一个持有者。
//
// 租约带 TTL，持有进程崩溃后槽位会自动过期。
type Lease struct {
	rdb  redis.Cmdable
	name string
	ttl  time.Duration
	poll time.Duration
}

// Token 标识一次成功的占用。
type Token string

func NewLease(rdb redis.Cmdable, name string, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Lease{
		rdb:  rdb,
		name: name,
		ttl:  ttl,
		poll: 500 * time.Millisecond,
	}
}

func (l *Lease) key() string {
	return keyPrefix + l.name
}

// TryAcquire 尝试占用槽位，已被占用时返回 ok=false。
func (l *Lease) TryAcquire(ctx context.Context) (Token, bool, error) {
	if l == nil || l.rdb == nil {
		return "", true, nil
	}
	token := Token(uuid.NewString())
	ok, err := l.rdb.SetNX(ctx, l.key(), string(token), l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("slot setnx: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Acquire 阻塞直到占用成功或 ctx 取消。
func (l *Lease) Acquire(ctx context.Context) (Token, error) {
	for {
		token, ok, err := l.TryAcquire(ctx)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

// Release 释放槽位；token 不匹配（已过期并被他人占用）时不做任何事。
func (l *Lease) Release(ctx context.Context, token Token) error {
	if l == nil || l.rdb == nil || token == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key()}, string(token)).Err(); err != nil {
		return fmt.Errorf("slot release: %w", err)
	}
	return nil
}
