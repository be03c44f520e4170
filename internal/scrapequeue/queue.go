// Package scrapequeue 串行执行比价站抓取请求：同一时刻只有一个会话在运行。
package scrapequeue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"fiyattakibi/internal/pkg/metrics"
	"fiyattakibi/internal/pkg/slot"
)

// ErrClosed 队列已停止，不再接受请求。
var ErrClosed = errors.New("scrape queue closed")

const (
	defaultDelayMin     = 15 * time.Second
	defaultDelayMax     = 20 * time.Second
	defaultPollInterval = time.Second
)

// Gate 报告调用方是否处于暂停状态。
type Gate interface {
	Paused() bool
}

// GateFunc 适配普通函数为 Gate。
type GateFunc func() bool

func (f GateFunc) Paused() bool { return f() }

// Request 一次抓取请求，只会被消费一次。
type Request[R any] struct {
	Target   string          // 商品名称或比价站 URL
	Priority bool            // 为 true 时插到队首
	Ctx      context.Context // 取消后请求直接完成，不打开会话
	// OnStart 在会话开始前调用
	OnStart func()
	// OnComplete 恰好调用一次，包括取消和队列关闭的情况
	OnComplete func(result R, err error)
}

// ScrapeFunc 执行一次抓取会话。
type ScrapeFunc[R any] func(ctx context.Context, target string) (R, error)

// Options 队列配置。
type Options struct {
	DelayMin     time.Duration // 两次抓取之间的最小间隔
	DelayMax     time.Duration // 两次抓取之间的最大间隔
	PollInterval time.Duration // 暂停时的轮询间隔
	Gate         Gate
	Lease        *slot.Lease // 可选：跨进程互斥
	Logger       *slog.Logger
}

// Queue 带优先级的单通道抓取队列。
type Queue[R any] struct {
	scrape ScrapeFunc[R]
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	items   []*Request[R]
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	started atomic.Bool
	running atomic.Bool

	stats queueStats
}

type queueStats struct {
	TotalEnqueued  atomic.Int64
	TotalScraped   atomic.Int64
	TotalFailed    atomic.Int64
	TotalCancelled atomic.Int64
	TotalPanics    atomic.Int64
}

// Stats 队列统计信息快照。
type Stats struct {
	TotalEnqueued  int64
	TotalScraped   int64 // 实际打开会话的次数
	TotalFailed    int64
	TotalCancelled int64 // 未打开会话就完成的请求数
	TotalPanics    int64
}

// New 创建队列，需要调用 Start 启动执行协程。
func New[R any](scrape ScrapeFunc[R], opts Options) *Queue[R] {
	if opts.DelayMin <= 0 && opts.DelayMax <= 0 {
		opts.DelayMin, opts.DelayMax = defaultDelayMin, defaultDelayMax
	}
	if opts.DelayMax < opts.DelayMin {
		opts.DelayMax = opts.DelayMin
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Gate == nil {
		opts.Gate = GateFunc(func() bool { return false })
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue[R]{
		scrape: scrape,
		opts:   opts,
		logger: logger.With(slog.String("component", "scrape_queue")),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start 启动执行协程，直到 ctx 取消。重复调用无效。
func (q *Queue[R]) Start(ctx context.Context) {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	go q.run(ctx)
}

// Done 在执行协程退出且剩余请求全部完成后关闭。
func (q *Queue[R]) Done() <-chan struct{} {
	return q.done
}

// Enqueue 加入请求。优先请求插到队首，普通请求追加到队尾。
func (q *Queue[R]) Enqueue(req *Request[R]) {
	if req.Ctx == nil {
		req.Ctx = context.Background()
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.complete(req, ErrClosed)
		return
	}
	if req.Priority {
		q.items = append([]*Request[R]{req}, q.items...)
	} else {
		q.items = append(q.items, req)
	}
	size := len(q.items)
	q.mu.Unlock()

	q.stats.TotalEnqueued.Add(1)
	metrics.CompetitorQueueDepth.Set(float64(size))
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Do 入队并等待结果。ctx 取消后立即返回，尚未开始的请求从队列中移除。
func (q *Queue[R]) Do(ctx context.Context, target string, priority bool) (R, error) {
	type outcome struct {
		res R
		err error
	}
	ch := make(chan outcome, 1)
	req := &Request[R]{
		Target:   target,
		Priority: priority,
		Ctx:      ctx,
		OnComplete: func(res R, err error) {
			ch <- outcome{res: res, err: err}
		},
	}
	q.Enqueue(req)

	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		if q.remove(req) {
			q.stats.TotalCancelled.Add(1)
		} else {
			select {
			case o := <-ch:
				return o.res, o.err
			default:
			}
		}
		var zero R
		return zero, ctx.Err()
	}
}

// remove 从等待队列中删除 req，已被取出时返回 false。
func (q *Queue[R]) remove(req *Request[R]) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it == req {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			metrics.CompetitorQueueDepth.Set(float64(len(q.items)))
			return true
		}
	}
	return false
}

// pruneCancelled 完成所有 ctx 已取消的等待请求，返回剩余数量。
// 暂停期间被停止的运行也能立即释放它的请求。
func (q *Queue[R]) pruneCancelled() int {
	q.mu.Lock()
	var cancelled []*Request[R]
	kept := q.items[:0]
	for _, it := range q.items {
		if it.Ctx.Err() != nil {
			cancelled = append(cancelled, it)
		} else {
			kept = append(kept, it)
		}
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	n := len(kept)
	q.mu.Unlock()

	if len(cancelled) > 0 {
		metrics.CompetitorQueueDepth.Set(float64(n))
	}
	for _, req := range cancelled {
		q.stats.TotalCancelled.Add(1)
		q.complete(req, req.Ctx.Err())
	}
	return n
}

// QueueSize 返回等待中的请求数（不含正在执行的）。
func (q *Queue[R]) QueueSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Busy 返回是否有会话正在执行。
func (q *Queue[R]) Busy() bool {
	return q.running.Load()
}

func (q *Queue[R]) run(ctx context.Context) {
	defer close(q.done)
	defer q.drain(ctx)

	for {
		req, ok := q.next(ctx)
		if !ok {
			return
		}
		if err := req.Ctx.Err(); err != nil {
			q.stats.TotalCancelled.Add(1)
			q.complete(req, err)
			continue
		}

		q.process(req)

		if err := q.sleep(ctx, q.delay()); err != nil {
			return
		}
	}
}

// next 等待队首请求；暂停期间原地轮询，不改变顺序。
func (q *Queue[R]) next(ctx context.Context) (*Request[R], bool) {
	for {
		n := q.pruneCancelled()
		if n == 0 {
			select {
			case <-ctx.Done():
				return nil, false
			case <-q.wake:
			}
			continue
		}
		if q.opts.Gate.Paused() {
			if err := q.sleep(ctx, q.opts.PollInterval); err != nil {
				return nil, false
			}
			continue
		}

		q.mu.Lock()
		if len(q.items) == 0 {
			// 等待期间被 Do 撤回
			q.mu.Unlock()
			continue
		}
		req := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		size := len(q.items)
		q.mu.Unlock()
		metrics.CompetitorQueueDepth.Set(float64(size))
		return req, true
	}
}

func (q *Queue[R]) process(req *Request[R]) {
	q.running.Store(true)
	defer q.running.Store(false)

	if req.OnStart != nil {
		req.OnStart()
	}

	token, err := q.opts.Lease.Acquire(req.Ctx)
	if err != nil {
		q.stats.TotalCancelled.Add(1)
		q.complete(req, fmt.Errorf("acquire scrape slot: %w", err))
		return
	}
	defer func() {
		if err := q.opts.Lease.Release(context.Background(), token); err != nil {
			q.logger.Warn("release scrape slot failed", slog.String("error", err.Error()))
		}
	}()

	q.stats.TotalScraped.Add(1)
	res, err := q.safeScrape(req)
	if err != nil {
		q.stats.TotalFailed.Add(1)
		q.logger.Warn("competitor scrape failed",
			slog.String("target", req.Target),
			slog.String("error", err.Error()))
	}
	if req.OnComplete != nil {
		req.OnComplete(res, err)
	}
}

func (q *Queue[R]) safeScrape(req *Request[R]) (res R, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.stats.TotalPanics.Add(1)
			q.logger.Error("scrape panic recovered",
				slog.String("target", req.Target),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("scrape panic: %v", r)
		}
	}()
	return q.scrape(req.Ctx, req.Target)
}

// drain 关闭队列并以 ctx 错误完成剩余请求。
func (q *Queue[R]) drain(ctx context.Context) {
	q.mu.Lock()
	q.closed = true
	rest := q.items
	q.items = nil
	q.mu.Unlock()
	metrics.CompetitorQueueDepth.Set(0)

	cause := ctx.Err()
	if cause == nil {
		cause = ErrClosed
	}
	for _, req := range rest {
		q.stats.TotalCancelled.Add(1)
		q.complete(req, cause)
	}
}

func (q *Queue[R]) complete(req *Request[R], err error) {
	if req.OnComplete != nil {
		var zero R
		req.OnComplete(zero, err)
	}
}

func (q *Queue[R]) delay() time.Duration {
	span := q.opts.DelayMax - q.opts.DelayMin
	if span <= 0 {
		return q.opts.DelayMin
	}
	return q.opts.DelayMin + time.Duration(rand.Int63n(int64(span)+1))
}

func (q *Queue[R]) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Stats 获取统计信息快照。
func (q *Queue[R]) Stats() Stats {
	return Stats{
		TotalEnqueued:  q.stats.TotalEnqueued.Load(),
		TotalScraped:   q.stats.TotalScraped.Load(),
		TotalFailed:    q.stats.TotalFailed.Load(),
		TotalCancelled: q.stats.TotalCancelled.Load(),
		TotalPanics:    q.stats.TotalPanics.Load(),
	}
}
