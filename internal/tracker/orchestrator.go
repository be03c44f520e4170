// Package tracker 编排全量价格更新：零售商阶段的并发刷新、比价站阶段的串行抓取，以及进度状态。
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"fiyattakibi/internal/competitor"
	"fiyattakibi/internal/model"
	"fiyattakibi/internal/pkg/metrics"
	"fiyattakibi/internal/pkg/notify"
	"fiyattakibi/internal/pkg/outbox"
	"fiyattakibi/internal/pkg/pool"
	"fiyattakibi/internal/pkg/slot"
	"fiyattakibi/internal/progress"
	"fiyattakibi/internal/retailer"
	"fiyattakibi/internal/scrapequeue"

	"github.com/google/uuid"
)

// errStale 回调所属的运行已被停止或替换。
var errStale = errors.New("update run no longer active")

// Store 商品与设置的持久化。
type Store interface {
	Products(ctx context.Context) ([]model.TrackedProduct, error)
	Product(ctx context.Context, id string) (model.TrackedProduct, error)
	Count(ctx context.Context) (int, error)
	SaveProducts(ctx context.Context, products ...model.Product) error
	PutMeta(ctx context.Context, patches ...model.MetaPatch) error
	DeleteProduct(ctx context.Context, id string) error
	Settings(ctx context.Context) (model.Settings, error)
	SaveSettings(ctx context.Context, settings model.Settings) error
	LastUpdateTime(ctx context.Context) (time.Time, bool, error)
	SetLastUpdateTime(ctx context.Context, t time.Time) error
}

// Fetcher 抓取零售商商品页。
type Fetcher interface {
	Fetch(ctx context.Context, p model.TrackedProduct) (retailer.Result, error)
}

// CompetitorScraper 在比价站上按名称或链接抓取价格历史。
type CompetitorScraper interface {
	Scrape(ctx context.Context, target string) (competitor.Result, error)
}

// HistorySource 外部价格历史来源。
type HistorySource interface {
	History(ctx context.Context, productID string) ([]model.PricePoint, error)
}

// PriceReporter 把价格变化上报给自有服务器。
type PriceReporter interface {
	ReportPrice(ctx context.Context, productID string, newPrice float64) error
}

// Outbox 异步外发通知与价格上报。为 nil 时在 worker 内同步执行。
type Outbox interface {
	Submit(d outbox.Delivery) bool
}

// Deps 编排器依赖。除 Store 和 Retailers 外均可为 nil。
type Deps struct {
	Store      Store
	Retailers  Fetcher
	Competitor CompetitorScraper
	External   HistorySource
	FirstParty HistorySource
	Reporter   PriceReporter
	Notifier   notify.Notifier
	Outbox     Outbox
	Progress   progress.Sink
	Lease      *slot.Lease
}

// Options 编排器配置。
type Options struct {
	MaxItems     int           // 最多跟踪的商品数
	Freshness    time.Duration // 比价站历史的有效期
	DelayMin     time.Duration // 比价站两次抓取的间隔下限
	DelayMax     time.Duration
	PollInterval time.Duration // 暂停时的轮询间隔
	Logger       *slog.Logger
}

type stage int

const (
	stageQueued stage = iota
	stageProcessing
	stageProcessed
)

// run 一次全量更新的状态，只能在持有 Orchestrator.mu 时修改。
type run struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time
	members   map[string]struct{} // 本次运行包含的商品，创建后只读

	units      int
	total      int
	queued     map[string]struct{}
	processing map[string]struct{}
	processed  map[string]struct{}
	done       chan struct{}
}

// Orchestrator 全量更新的状态机。同一时刻最多一个运行。
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	pool   *pool.Pool
	queue  *scrapequeue.Queue[competitor.Result]
	now    func() time.Time
	newID  func() string

	baseCtx context.Context

	mu      sync.Mutex
	run     *run
	paused  bool
	phase   model.Phase
	lastErr string
	lastRun string

	addMu sync.Mutex
	// writeMu 串行化商品记录的“读取-修改-保存”，刷新结果不会覆盖并发的删除、分组或确认
	writeMu sync.Mutex
}

// New 创建编排器，需要调用 Start 启动比价站队列。
func New(deps Deps, opts Options) *Orchestrator {
	if opts.MaxItems <= 0 {
		opts.MaxItems = 100
	}
	if opts.Freshness <= 0 {
		opts.Freshness = 24 * time.Hour
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Progress == nil {
		deps.Progress = progress.Fanout{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier(logger)
	}

	o := &Orchestrator{
		deps:    deps,
		opts:    opts,
		logger:  logger.With(slog.String("component", "tracker")),
		pool:    pool.New(logger),
		now:     time.Now,
		newID:   uuid.NewString,
		baseCtx: context.Background(),
		phase:   model.PhaseIdle,
	}
	o.queue = scrapequeue.New(o.scrapeCompetitor, scrapequeue.Options{
		DelayMin:     opts.DelayMin,
		DelayMax:     opts.DelayMax,
		PollInterval: opts.PollInterval,
		Gate:         o,
		Lease:        deps.Lease,
		Logger:       logger,
	})
	return o
}

// Start 启动比价站队列。ctx 取消时队列停止，进行中的运行也随之取消。
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	o.baseCtx = ctx
	o.mu.Unlock()
	o.queue.Start(ctx)
}

// Paused 实现 scrapequeue.Gate：只有更新进行中时暂停才生效。
func (o *Orchestrator) Paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused && o.run != nil
}

func (o *Orchestrator) scrapeCompetitor(ctx context.Context, target string) (competitor.Result, error) {
	if o.deps.Competitor == nil {
		return competitor.Result{}, fmt.Errorf("competitor site disabled: %w", model.ErrNotFound)
	}
	return o.deps.Competitor.Scrape(ctx, target)
}

// StartFullUpdate 开始一次全量更新，已有运行时返回 model.ErrAlreadyRunning 且不影响当前进度。
// 上一次运行失败（Error 阶段）时返回 model.ErrResetRequired，需先调用 Reset。
func (o *Orchestrator) StartFullUpdate(ctx context.Context) error {
	if err := o.startable(); err != nil {
		metrics.UpdateRunsTotal.WithLabelValues("rejected").Inc()
		return err
	}

	products, err := o.deps.Store.Products(ctx)
	if err != nil {
		return fmt.Errorf("load products: %w", err)
	}
	settings, err := o.deps.Store.Settings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	o.mu.Lock()
	if err := o.startableLocked(); err != nil {
		o.mu.Unlock()
		metrics.UpdateRunsTotal.WithLabelValues("rejected").Inc()
		return err
	}
	runCtx, cancel := context.WithCancel(o.baseCtx)
	r := &run{
		id:         o.newID(),
		ctx:        runCtx,
		cancel:     cancel,
		startedAt:  o.now(),
		members:    make(map[string]struct{}, len(products)),
		total:      2 * len(products),
		queued:     make(map[string]struct{}, len(products)),
		processing: make(map[string]struct{}),
		processed:  make(map[string]struct{}, len(products)),
		done:       make(chan struct{}),
	}
	for _, p := range products {
		r.members[p.ID] = struct{}{}
		r.queued[p.ID] = struct{}{}
	}
	o.run = r
	o.lastRun = r.id
	o.paused = false
	o.phase = model.PhaseRetailerA
	o.lastErr = ""
	o.mu.Unlock()

	metrics.UpdateRunsTotal.WithLabelValues("started").Inc()
	metrics.UpdatePhase.Set(model.PhaseRetailerA.Gauge())
	o.logger.Info("full update started",
		slog.String("run_id", r.id),
		slog.Int("products", len(products)),
		slog.Int("concurrency", settings.ConcurrentCheckLimit))
	o.publish()

	go o.execute(r, products, settings)
	return nil
}

func (o *Orchestrator) startable() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.startableLocked()
}

func (o *Orchestrator) startableLocked() error {
	switch {
	case o.run != nil:
		return model.ErrAlreadyRunning
	case o.phase == model.PhaseError:
		return fmt.Errorf("%w: %s", model.ErrResetRequired, o.lastErr)
	}
	return nil
}

// TogglePause 切换暂停状态并返回切换后的值；没有运行时无效果。
func (o *Orchestrator) TogglePause() bool {
	o.mu.Lock()
	if o.run == nil {
		o.mu.Unlock()
		return false
	}
	o.paused = !o.paused
	paused := o.paused
	id := o.run.id
	o.mu.Unlock()

	o.logger.Info("update pause toggled", slog.String("run_id", id), slog.Bool("paused", paused))
	o.publish()
	return paused
}

// Stop 立即结束当前运行，已发出的网络请求不会被强制终止，但其回调不再修改状态。
func (o *Orchestrator) Stop() bool {
	o.mu.Lock()
	r := o.run
	if r == nil {
		o.mu.Unlock()
		return false
	}
	o.run = nil
	o.paused = false
	o.phase = model.PhaseIdle
	o.mu.Unlock()

	r.cancel()
	metrics.UpdateRunsTotal.WithLabelValues("stopped").Inc()
	metrics.UpdatePhase.Set(model.PhaseIdle.Gauge())
	o.logger.Info("full update stopped", slog.String("run_id", r.id))
	o.publish()
	return true
}

// Reset 把 Error 阶段恢复为 Idle。
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	if o.run != nil {
		o.mu.Unlock()
		return model.ErrAlreadyRunning
	}
	o.phase = model.PhaseIdle
	o.lastErr = ""
	o.mu.Unlock()

	metrics.UpdatePhase.Set(model.PhaseIdle.Gauge())
	o.publish()
	return nil
}

// Status 返回当前状态快照。
func (o *Orchestrator) Status() model.UpdateState {
	o.mu.Lock()
	s := model.UpdateState{
		IsPaused:      o.paused,
		Phase:         o.phase,
		LastError:     o.lastErr,
		ProcessedIDs:  []string{},
		ProcessingIDs: []string{},
		QueuedIDs:     []string{},
	}
	if r := o.run; r != nil {
		started := r.startedAt
		s.RunID = r.id
		s.IsUpdating = true
		s.StartedAt = &started
		s.ProcessedCount = r.units
		s.TotalCount = r.total
		s.ProcessedIDs = sortedKeys(r.processed)
		s.ProcessingIDs = sortedKeys(r.processing)
		s.QueuedIDs = sortedKeys(r.queued)
	} else {
		s.RunID = o.lastRun
	}
	o.mu.Unlock()

	s.CompetitorQueueSize = o.queue.QueueSize()
	return s
}

// Wait 等待当前运行结束，没有运行时立即返回。
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	r := o.run
	o.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats 执行统计快照。
type Stats struct {
	Pool      pool.Stats
	Queue     scrapequeue.Stats
	QueueSize int
}

// Stats 返回并发池与比价站队列的统计。
func (o *Orchestrator) Stats() Stats {
	return Stats{Pool: o.pool.Stats(), Queue: o.queue.Stats(), QueueSize: o.queue.QueueSize()}
}

func (o *Orchestrator) publish() {
	o.deps.Progress.Publish(context.Background(), o.Status())
}

func (o *Orchestrator) active(r *run) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run == r
}

// move 把商品移到指定集合；unit 为 true 时完成一个工作单元。运行已失效时返回 false。
func (o *Orchestrator) move(r *run, id string, to stage, unit bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run != r {
		return false
	}
	delete(r.queued, id)
	delete(r.processing, id)
	delete(r.processed, id)
	switch to {
	case stageQueued:
		r.queued[id] = struct{}{}
	case stageProcessing:
		r.processing[id] = struct{}{}
	case stageProcessed:
		r.processed[id] = struct{}{}
	}
	if unit {
		r.units++
	}
	return true
}

func (o *Orchestrator) setPhase(r *run, phase model.Phase) bool {
	o.mu.Lock()
	if o.run != r {
		o.mu.Unlock()
		return false
	}
	o.phase = phase
	o.mu.Unlock()

	metrics.UpdatePhase.Set(phase.Gauge())
	o.logger.Info("update phase", slog.String("run_id", r.id), slog.String("phase", string(phase)))
	o.publish()
	return true
}

// waitWhilePaused 暂停期间轮询等待。
func (o *Orchestrator) waitWhilePaused(r *run) error {
	for {
		o.mu.Lock()
		current, paused := o.run == r, o.paused
		o.mu.Unlock()
		if !current {
			return errStale
		}
		if !paused {
			return nil
		}
		timer := time.NewTimer(o.opts.PollInterval)
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return r.ctx.Err()
		case <-timer.C:
		}
	}
}

func (o *Orchestrator) execute(r *run, products []model.TrackedProduct, settings model.Settings) {
	defer close(r.done)
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("update run panic recovered",
				slog.String("run_id", r.id),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())))
			o.fail(r, fmt.Errorf("panic: %v", rec))
		}
	}()

	if err := o.sequence(r, products, settings); err != nil {
		switch {
		case errors.Is(err, errStale):
		case errors.Is(err, context.Canceled):
			// 服务关闭
			o.abort(r)
		default:
			o.fail(r, err)
		}
		return
	}
	o.finish(r)
}

func (o *Orchestrator) sequence(r *run, products []model.TrackedProduct, settings model.Settings) error {
	var groupA, groupB []model.TrackedProduct
	for _, p := range products {
		if p.Platform == model.PlatformHepsiburada {
			groupB = append(groupB, p)
		} else {
			groupA = append(groupA, p)
		}
	}

	if err := o.retailerPhase(r, model.PhaseRetailerA, groupA, settings); err != nil {
		return err
	}
	if err := o.waitWhilePaused(r); err != nil {
		return err
	}
	if err := o.retailerPhase(r, model.PhaseRetailerB, groupB, settings); err != nil {
		return err
	}
	if err := o.waitWhilePaused(r); err != nil {
		return err
	}
	return o.competitorPhase(r)
}

func (o *Orchestrator) finish(r *run) {
	now := o.now()
	if err := o.deps.Store.SetLastUpdateTime(r.ctx, now); err != nil {
		o.logger.Warn("save last update time failed", slog.String("error", err.Error()))
	}
	o.refreshBadge(r.ctx)

	o.mu.Lock()
	if o.run != r {
		o.mu.Unlock()
		return
	}
	o.run = nil
	o.paused = false
	o.phase = model.PhaseIdle
	o.mu.Unlock()
	r.cancel()

	metrics.UpdateRunsTotal.WithLabelValues("completed").Inc()
	metrics.UpdateDuration.Observe(now.Sub(r.startedAt).Seconds())
	metrics.UpdatePhase.Set(model.PhaseIdle.Gauge())
	o.logger.Info("full update completed",
		slog.String("run_id", r.id),
		slog.Int("units", r.total),
		slog.Duration("elapsed", now.Sub(r.startedAt)))
	o.publish()
}

// fail 编排逻辑本身出错：进入 Error 阶段，需要手动 Reset。
func (o *Orchestrator) fail(r *run, err error) {
	o.mu.Lock()
	if o.run != r {
		o.mu.Unlock()
		return
	}
	o.run = nil
	o.paused = false
	o.phase = model.PhaseError
	o.lastErr = err.Error()
	o.mu.Unlock()
	r.cancel()

	metrics.UpdateRunsTotal.WithLabelValues("failed").Inc()
	metrics.UpdatePhase.Set(model.PhaseError.Gauge())
	metrics.ErrorsTotal.WithLabelValues("tracker", model.ErrorLabel(err)).Inc()
	o.logger.Error("full update failed", slog.String("run_id", r.id), slog.String("error", err.Error()))
	o.publish()
}

func (o *Orchestrator) abort(r *run) {
	o.mu.Lock()
	if o.run != r {
		o.mu.Unlock()
		return
	}
	o.run = nil
	o.paused = false
	o.phase = model.PhaseIdle
	o.mu.Unlock()

	metrics.UpdateRunsTotal.WithLabelValues("aborted").Inc()
	metrics.UpdatePhase.Set(model.PhaseIdle.Gauge())
	o.logger.Warn("full update aborted", slog.String("run_id", r.id))
	o.publish()
}

// refreshBadge 更新降价/补货商品数。
func (o *Orchestrator) refreshBadge(ctx context.Context) {
	products, err := o.deps.Store.Products(ctx)
	if err != nil {
		o.logger.Warn("badge count failed", slog.String("error", err.Error()))
		return
	}
	n := 0
	for _, p := range products {
		if p.Status == model.StatusDown || p.Status == model.StatusRestocked {
			n++
		}
	}
	metrics.DiscountedProducts.Set(float64(n))
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
