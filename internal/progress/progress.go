// Package progress 把更新进度快照分发给订阅者。
package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"fiyattakibi/internal/model"

	"github.com/redis/go-redis/v9"
)

// Sink 接收进度快照。实现不得阻塞调用方。
type Sink interface {
	Publish(ctx context.Context, state model.UpdateState)
}

// SinkFunc 适配普通函数为 Sink。
type SinkFunc func(ctx context.Context, state model.UpdateState)

func (f SinkFunc) Publish(ctx context.Context, state model.UpdateState) { f(ctx, state) }

// Broadcaster 进程内广播。订阅者处理不过来时丢弃旧快照，只保留最新的。
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan model.UpdateState
	nextID int
	last   model.UpdateState
	buffer int
}

// NewBroadcaster 创建广播器，buffer 为每个订阅者的缓冲大小。
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 1
	}
	return &Broadcaster{subs: make(map[int]chan model.UpdateState), buffer: buffer}
}

func (b *Broadcaster) Publish(_ context.Context, state model.UpdateState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = state
	for _, ch := range b.subs {
		select {
		case ch <- state:
		default:
			// 丢掉最旧的一条再放入
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- state:
			default:
			}
		}
	}
}

// Subscribe 订阅快照。返回的函数用于取消订阅，取消后通道关闭。
//
// 新订阅者会先收到最近一次快照。
func (b *Broadcaster) Subscribe() (<-chan model.UpdateState, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan model.UpdateState, b.buffer)
	ch <- b.last
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Last 返回最近一次快照。
func (b *Broadcaster) Last() model.UpdateState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Subscribers 返回当前订阅者数量。
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// RedisSink 把快照发布到 Redis 频道，供其他进程订阅。
type RedisSink struct {
	rdb     redis.Cmdable
	channel string
	logger  *slog.Logger
}

func NewRedisSink(rdb redis.Cmdable, channel string, logger *slog.Logger) *RedisSink {
	if channel == "" {
		channel = "fiyattakibi:progress"
	}
	return &RedisSink{rdb: rdb, channel: channel, logger: logger}
}

func (r *RedisSink) Publish(ctx context.Context, state model.UpdateState) {
	data, err := json.Marshal(state)
	if err != nil {
		r.logger.Warn("encode progress failed", slog.String("error", err.Error()))
		return
	}
	if err := r.rdb.Publish(context.WithoutCancel(ctx), r.channel, data).Err(); err != nil {
		r.logger.Warn("publish progress failed", slog.String("channel", r.channel), slog.String("error", err.Error()))
	}
}

// LogSink 以 debug 级别记录快照。
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Publish(_ context.Context, s model.UpdateState) {
	l.logger.Debug("update progress",
		slog.String("run_id", s.RunID),
		slog.String("phase", string(s.Phase)),
		slog.Bool("updating", s.IsUpdating),
		slog.Bool("paused", s.IsPaused),
		slog.Int("processed", s.ProcessedCount),
		slog.Int("total", s.TotalCount),
		slog.Int("competitor_queue", s.CompetitorQueueSize))
}

// Fanout 依次发布到多个 Sink。
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, state model.UpdateState) {
	for _, s := range f {
		if s != nil {
			s.Publish(ctx, state)
		}
	}
}
