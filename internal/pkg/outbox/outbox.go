package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"fiyattakibi/internal/pkg/metrics"
)

// ErrClosed 关闭后提交。
var ErrClosed = errors.New("outbox closed")

// Job 一次外发动作（通知、价格上报）。
type Job func(ctx context.Context) error

// Delivery 带名称的外发任务，名称用于日志和指标。
type Delivery struct {
	Name      string // notification / report
	ProductID string
	Run       Job
}

// Options 外发队列配置。
type Options struct {
	Workers  int           // worker 数，默认 2
	Capacity int           // 缓冲容量，默认 256
	Attempts int           // 每个任务最多尝试次数，默认 3
	Backoff  time.Duration // 第 n 次重试前等待 n*Backoff，默认 1s
	Timeout  time.Duration // 单次尝试超时，默认 30s
}

// Outbox 异步执行通知和价格上报，不阻塞零售商阶段的 worker。
//
// 满了直接丢弃，关闭时把已入队的任务执行完。
type Outbox struct {
	logger *slog.Logger
	opts   Options
	jobs   chan Delivery

	wg     sync.WaitGroup
	mu     sync.RWMutex // 保护 closed 与 jobs 的关闭
	closed bool

	stats outboxStats
}

type outboxStats struct {
	TotalSubmitted atomic.Int64
	TotalSucceeded atomic.Int64
	TotalFailed    atomic.Int64
	TotalRetried   atomic.Int64
	TotalDropped   atomic.Int64
	TotalPanics    atomic.Int64
}

// Stats 统计快照。
type Stats struct {
	TotalSubmitted int64
	TotalSucceeded int64
	TotalFailed    int64 // 重试用尽
	TotalRetried   int64
	TotalDropped   int64 // 队列满或已关闭
	TotalPanics    int64
}

// New 创建外发队列。
func New(logger *slog.Logger, opts Options) *Outbox {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 256
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Outbox{
		logger: logger.With(slog.String("component", "outbox")),
		opts:   opts,
		jobs:   make(chan Delivery, opts.Capacity),
	}
}

// Start 启动 worker。ctx 取消后 worker 立即退出，未执行的任务丢失；
// 需要排空时用 Shutdown。
func (o *Outbox) Start(ctx context.Context) {
	for i := 0; i < o.opts.Workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx, i)
	}
}

func (o *Outbox) worker(ctx context.Context, id int) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-o.jobs:
			if !ok {
				return
			}
			o.deliver(ctx, d, id)
		}
	}
}

// deliver 执行任务，失败时线性退避重试。
func (o *Outbox) deliver(ctx context.Context, d Delivery, workerID int) {
	var err error
	for attempt := 1; attempt <= o.opts.Attempts; attempt++ {
		if attempt > 1 {
			o.stats.TotalRetried.Add(1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt-1) * o.opts.Backoff):
			}
		}
		err = o.attempt(ctx, d, workerID)
		if err == nil {
			o.stats.TotalSucceeded.Add(1)
			metrics.OutboxJobsTotal.WithLabelValues(d.Name, "ok").Inc()
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
	o.stats.TotalFailed.Add(1)
	metrics.OutboxJobsTotal.WithLabelValues(d.Name, "failed").Inc()
	o.logger.Warn("delivery failed",
		slog.String("name", d.Name),
		slog.String("product_id", d.ProductID),
		slog.Int("attempts", o.opts.Attempts),
		slog.String("error", err.Error()))
}

func (o *Outbox) attempt(ctx context.Context, d Delivery, workerID int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.stats.TotalPanics.Add(1)
			o.logger.Error("delivery panic recovered",
				slog.Int("worker_id", workerID),
				slog.String("name", d.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	actx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()
	return d.Run(actx)
}

// Submit 非阻塞提交，队列满或已关闭时返回 false。
func (o *Outbox) Submit(d Delivery) bool {
	if d.Run == nil {
		return false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		o.stats.TotalDropped.Add(1)
		return false
	}
	select {
	case o.jobs <- d:
		o.stats.TotalSubmitted.Add(1)
		return true
	default:
		o.stats.TotalDropped.Add(1)
		metrics.OutboxJobsTotal.WithLabelValues(d.Name, "dropped").Inc()
		o.logger.Warn("outbox full, drop delivery",
			slog.String("name", d.Name),
			slog.String("product_id", d.ProductID),
			slog.Int("capacity", cap(o.jobs)))
		return false
	}
}

// Shutdown 停止接收新任务并等待已入队的任务完成，超时返回错误。
func (o *Outbox) Shutdown(timeout time.Duration) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.closed = true
	close(o.jobs)
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("outbox drained")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("outbox shutdown timeout after %s", timeout)
	}
}

// Len 待执行的任务数。
func (o *Outbox) Len() int {
	return len(o.jobs)
}

// Stats 返回统计快照。
func (o *Outbox) Stats() Stats {
	return Stats{
		TotalSubmitted: o.stats.TotalSubmitted.Load(),
		TotalSucceeded: o.stats.TotalSucceeded.Load(),
		TotalFailed:    o.stats.TotalFailed.Load(),
		TotalRetried:   o.stats.TotalRetried.Load(),
		TotalDropped:   o.stats.TotalDropped.Load(),
		TotalPanics:    o.stats.TotalPanics.Load(),
	}
}
