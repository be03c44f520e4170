package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"fiyattakibi/internal/model"
	"fiyattakibi/internal/tracker"
)

// Runner 定时刷新所需的编排器能力。
type Runner interface {
	StartFullUpdate(ctx context.Context) error
	Status() model.UpdateState
	Settings(ctx context.Context) (model.Settings, error)
	LastUpdateTime(ctx context.Context) (time.Time, bool, error)
	Stats() tracker.Stats
}

// Scheduler 按设置中的 priceCheckInterval 定时触发全量更新。
//
// interval 只是检查频率，是否到期由上一次完成时间决定，
// 因此修改设置后无需重启调度器。
type Scheduler struct {
	runner   Runner
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
}

// NewScheduler 创建调度器，interval 为 0 时每分钟检查一次。
func NewScheduler(runner Runner, logger *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		runner:   runner,
		logger:   logger.With(slog.String("component", "scheduler")),
		interval: interval,
		now:      time.Now,
	}
}

// Run 阻塞运行直到 ctx 取消。
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", slog.String("interval", s.interval.String()))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// 定期打印执行统计（每分钟）
	statsTicker := time.NewTicker(1 * time.Minute)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.safeCheck(ctx)
		case <-statsTicker.C:
			s.printStats()
		}
	}
}

func (s *Scheduler) safeCheck(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("PANIC in scheduler check",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	if _, err := s.Check(ctx); err != nil {
		s.logger.Error("scheduled update failed", slog.String("error", err.Error()))
	}
}

// Check 到期时启动一次全量更新，返回是否启动。
func (s *Scheduler) Check(ctx context.Context) (bool, error) {
	st := s.runner.Status()
	if st.IsUpdating {
		return false, nil
	}
	// 失败的运行需要手动 Reset，不自动重试
	if st.Phase == model.PhaseError {
		s.logger.Debug("update in error phase, waiting for reset", slog.String("last_error", st.LastError))
		return false, nil
	}
	settings, err := s.runner.Settings(ctx)
	if err != nil {
		return false, err
	}
	if settings.PriceCheckInterval <= 0 {
		return false, nil
	}
	every := time.Duration(settings.PriceCheckInterval) * time.Minute
	last, ok, err := s.runner.LastUpdateTime(ctx)
	if err != nil {
		return false, err
	}
	if ok && s.now().Sub(last) < every {
		return false, nil
	}

	if err := s.runner.StartFullUpdate(ctx); err != nil {
		if errors.Is(err, model.ErrAlreadyRunning) || errors.Is(err, model.ErrResetRequired) {
			return false, nil
		}
		return false, err
	}
	s.logger.Info("scheduled update started",
		slog.Int("interval_minutes", settings.PriceCheckInterval),
		slog.Bool("first_run", !ok))
	return true, nil
}

func (s *Scheduler) printStats() {
	st := s.runner.Stats()
	s.logger.Info("tracker stats",
		slog.Int64("pool_processed", st.Pool.TotalProcessed),
		slog.Int64("pool_failed", st.Pool.TotalFailed),
		slog.Int64("pool_panics", st.Pool.TotalPanics),
		slog.Int64("queue_scraped", st.Queue.TotalScraped),
		slog.Int64("queue_failed", st.Queue.TotalFailed),
		slog.Int64("queue_cancelled", st.Queue.TotalCancelled),
		slog.Int("queue_size", st.QueueSize))
}
