package pool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Result 单个条目的执行结果。
type Result[T, R any] struct {
	Index   int   // 条目在输入中的下标
	Item    T     // 输入条目
	Value   R     // fn 的返回值
	Err     error // fn 返回的错误或 panic 转换的错误
	Skipped bool  // ctx 已取消，fn 未被调用
}

// Hooks 条目开始/结束时的回调，均在 worker goroutine 中执行。
type Hooks[T, R any] struct {
	OnStart func(index int, item T)
	OnDone  func(res Result[T, R])
}

// Pool 固定并发度的批处理执行器，负责统计与 panic 恢复。
type Pool struct {
	logger *slog.Logger
	stats  poolStats
}

// poolStats 内部统计信息（使用 atomic 类型）。
type poolStats struct {
	TotalRuns      atomic.Int64
	TotalProcessed atomic.Int64
	TotalSucceeded atomic.Int64
	TotalFailed    atomic.Int64
	TotalSkipped   atomic.Int64
	TotalPanics    atomic.Int64
}

// Stats 统计信息快照（普通值类型，可安全拷贝）。
type Stats struct {
	TotalRuns      int64 // Run 调用次数
	TotalProcessed int64 // 已执行 fn 的条目数
	TotalSucceeded int64
	TotalFailed    int64
	TotalSkipped   int64 // 因 ctx 取消而未执行的条目数
	TotalPanics    int64
}

// New 创建执行器。
func New(logger *slog.Logger) *Pool {
	return &Pool{logger: logger}
}

// Run 以最多 limit 个并发处理 items，返回与 items 一一对应的结果。
//
// 单个条目的错误或 panic 只影响该条目，Run 总会处理完全部条目后才返回。
// ctx 取消后剩余条目标记为 Skipped。limit 小于 1 时按 1 处理。
func Run[T, R any](ctx context.Context, p *Pool, items []T, limit int, fn func(ctx context.Context, item T) (R, error), hooks Hooks[T, R]) []Result[T, R] {
	if limit < 1 {
		limit = 1
	}
	p.stats.TotalRuns.Add(1)
	results := make([]Result[T, R], len(items))
	if len(items) == 0 {
		return results
	}

	// 条目失败不返回错误，只有取消会传播到 gctx
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range items {
		idx := i
		g.Go(func() error {
			res := Result[T, R]{Index: idx, Item: items[idx]}
			if err := gctx.Err(); err != nil {
				res.Err = err
				res.Skipped = true
				p.stats.TotalSkipped.Add(1)
			} else {
				if hooks.OnStart != nil {
					hooks.OnStart(idx, items[idx])
				}
				res.Value, res.Err = execute(gctx, p, idx, items[idx], fn)
			}
			results[idx] = res
			if hooks.OnDone != nil {
				hooks.OnDone(res)
			}
			if res.Skipped {
				return res.Err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		p.logger.Debug("pool run cancelled",
			slog.Int("items", len(items)),
			slog.String("error", err.Error()))
	}
	return results
}

// execute 执行单个条目，带 panic 恢复。
func execute[T, R any](ctx context.Context, p *Pool, index int, item T, fn func(context.Context, T) (R, error)) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.TotalPanics.Add(1)
			p.logger.Error("pool item panic recovered",
				slog.Int("index", index),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
		p.stats.TotalProcessed.Add(1)
		if err != nil {
			p.stats.TotalFailed.Add(1)
		} else {
			p.stats.TotalSucceeded.Add(1)
		}
	}()
	return fn(ctx, item)
}

// Stats 获取统计信息的快照。
func (p *Pool) Stats() Stats {
	return Stats{
		TotalRuns:      p.stats.TotalRuns.Load(),
		TotalProcessed: p.stats.TotalProcessed.Load(),
		TotalSucceeded: p.stats.TotalSucceeded.Load(),
		TotalFailed:    p.stats.TotalFailed.Load(),
		TotalSkipped:   p.stats.TotalSkipped.Load(),
		TotalPanics:    p.stats.TotalPanics.Load(),
	}
}

// String 返回执行器的状态描述。
func (p *Pool) String() string {
	s := p.Stats()
	return fmt.Sprintf("Pool[runs=%d, processed=%d, succeeded=%d, failed=%d, skipped=%d, panics=%d]",
		s.TotalRuns, s.TotalProcessed, s.TotalSucceeded, s.TotalFailed, s.TotalSkipped, s.TotalPanics)
}
