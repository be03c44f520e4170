package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"fiyattakibi/internal/pkg/metrics"
	"fiyattakibi/internal/pkg/notify"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "fiyattakibi:dedup:notify:"

// Deduplicator 基于 Redis SETNX 的时间窗口去重。
type Deduplicator struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
}

// NewDeduplicator 创建去重器，prefix 为空时使用默认前缀。
func NewDeduplicator(rdb redis.Cmdable, ttl time.Duration, prefix string) *Deduplicator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Deduplicator{rdb: rdb, ttl: ttl, prefix: prefix}
}

// IsDuplicate 在窗口内第一次见到 key 时返回 false 并占位。
func (d *Deduplicator) IsDuplicate(ctx context.Context, key string) (bool, error) {
	if d == nil || d.rdb == nil || key == "" {
		return false, nil
	}
	ok, err := d.rdb.SetNX(ctx, d.prefix+hashKey(key), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return !ok, nil
}

// Delete 释放 key，使下一次同样的事件可以通过。
func (d *Deduplicator) Delete(ctx context.Context, key string) error {
	if d == nil || d.rdb == nil || key == "" {
		return nil
	}
	if err := d.rdb.Del(ctx, d.prefix+hashKey(key)).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// EventKey 同一商品、同一类型、同一新价格视为同一条通知。
func EventKey(ev notify.Event) string {
	return ev.Product.ID + "|" + string(ev.Kind) + "|" + strconv.FormatFloat(ev.NewPrice, 'f', 2, 64)
}

// Notifier 在窗口内丢弃重复通知，价格来回波动时不会反复提醒。
type Notifier struct {
	next   notify.Notifier
	dedup  *Deduplicator
	logger *slog.Logger
}

// NewNotifier 包装 next。
func NewNotifier(next notify.Notifier, d *Deduplicator, logger *slog.Logger) *Notifier {
	return &Notifier{next: next, dedup: d, logger: logger}
}

func (n *Notifier) Send(ctx context.Context, ev notify.Event) error {
	key := EventKey(ev)
	dup, err := n.dedup.IsDuplicate(ctx, key)
	if err != nil {
		// Redis 不可用时宁可重复也不漏发
		n.logger.Warn("notification dedup unavailable", slog.String("error", err.Error()))
	} else if dup {
		n.logger.Debug("duplicate notification suppressed",
			slog.String("product_id", ev.Product.ID),
			slog.String("kind", string(ev.Kind)))
		metrics.NotificationsTotal.WithLabelValues(string(ev.Kind), "suppressed").Inc()
		return nil
	}

	if err := n.next.Send(ctx, ev); err != nil {
		if delErr := n.dedup.Delete(ctx, key); delErr != nil {
			n.logger.Warn("release dedup key failed", slog.String("error", delErr.Error()))
		}
		return err
	}
	return nil
}
