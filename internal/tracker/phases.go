package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fiyattakibi/internal/competitor"
	"fiyattakibi/internal/history"
	"fiyattakibi/internal/model"
	"fiyattakibi/internal/pkg/metrics"
	"fiyattakibi/internal/pkg/outbox"
	"fiyattakibi/internal/pkg/pool"
	"fiyattakibi/internal/scrapequeue"
)

// retailerPhase 用并发池刷新一个零售商的全部商品，所有商品完成后返回。
func (o *Orchestrator) retailerPhase(r *run, phase model.Phase, items []model.TrackedProduct, s model.Settings) error {
	if !o.setPhase(r, phase) {
		return errStale
	}

	refresh := func(ctx context.Context, p model.TrackedProduct) (Outcome, error) {
		if err := o.waitWhilePaused(r); err != nil {
			return Outcome{}, err
		}
		if !o.move(r, p.ID, stageProcessing, false) {
			return Outcome{}, errStale
		}
		o.publish()
		return o.refresh(ctx, r, s, p)
	}

	pool.Run(r.ctx, o.pool, items, s.ConcurrentCheckLimit, refresh, pool.Hooks[model.TrackedProduct, Outcome]{
		OnDone: func(res pool.Result[model.TrackedProduct, Outcome]) {
			if res.Skipped || errors.Is(res.Err, errStale) || errors.Is(res.Err, context.Canceled) {
				return
			}
			if res.Err != nil && res.Value.Product.ID == "" {
				// fn 在得到结果前失败（panic），按刷新失败记录
				o.markError(r, res.Item)
			}
			// 零售商部分完成，等待比价站步骤
			if o.move(r, res.Item.ID, stageQueued, true) {
				o.publish()
			}
		},
	})
	if err := r.ctx.Err(); err != nil {
		return err
	}
	if !o.active(r) {
		return errStale
	}
	return nil
}

// refresh 抓取单个商品、推导状态并保存。抓取错误只影响该商品。
func (o *Orchestrator) refresh(ctx context.Context, r *run, s model.Settings, p model.TrackedProduct) (Outcome, error) {
	platform := string(p.Platform)
	start := o.now()
	metrics.ActiveRefreshes.Inc()
	res, fetchErr := o.deps.Retailers.Fetch(ctx, p)
	metrics.ActiveRefreshes.Dec()
	metrics.ProductRefreshDuration.WithLabelValues(platform).Observe(o.now().Sub(start).Seconds())

	if !o.active(r) {
		return Outcome{}, errStale
	}
	if fetchErr != nil {
		metrics.ErrorsTotal.WithLabelValues("retailer", model.ErrorLabel(fetchErr)).Inc()
		o.logger.Warn("product refresh failed",
			slog.String("run_id", r.id),
			slog.String("product_id", p.ID),
			slog.String("platform", platform),
			slog.String("error", fetchErr.Error()))
	}

	// 以最新记录为基准推导状态：运行期间的删除、分组和确认都要保留
	o.writeMu.Lock()
	current, err := o.deps.Store.Product(ctx, p.ID)
	if errors.Is(err, model.ErrNotFound) {
		o.writeMu.Unlock()
		o.logger.Info("product removed during refresh, result dropped",
			slog.String("run_id", r.id),
			slog.String("product_id", p.ID))
		return Outcome{Product: p.Product}, nil
	}
	if err != nil {
		o.writeMu.Unlock()
		return Outcome{Product: p.Product, Err: err}, fmt.Errorf("reload product %s: %w", p.ID, err)
	}
	if !o.active(r) {
		o.writeMu.Unlock()
		return Outcome{}, errStale
	}
	out := Evaluate(current.Product, res, fetchErr, o.now())
	if err := o.deps.Store.SaveProducts(ctx, out.Product); err != nil {
		o.writeMu.Unlock()
		return out, fmt.Errorf("save product %s: %w", p.ID, err)
	}
	if out.ImageURL != "" && out.ImageURL != current.ImageURL {
		image := out.ImageURL
		if err := o.deps.Store.PutMeta(ctx, model.MetaPatch{ID: p.ID, ImageURL: &image}); err != nil {
			o.logger.Warn("save product image failed", slog.String("product_id", p.ID), slog.String("error", err.Error()))
		}
	}
	o.writeMu.Unlock()

	metrics.ProductRefreshTotal.WithLabelValues(platform, string(out.Product.Status)).Inc()
	if out.Changed {
		o.announce(ctx, current, out, s)
	}
	return out, out.Err
}

// announce 发送通知并把新价格上报给自有服务器。
func (o *Orchestrator) announce(ctx context.Context, p model.TrackedProduct, out Outcome, s model.Settings) {
	o.logger.Info("price changed",
		slog.String("product_id", p.ID),
		slog.String("status", string(out.Product.Status)),
		slog.Float64("baseline", out.Baseline),
		slog.Float64("price", model.PriceOf(out.Product.NewPrice)))

	if ev, ok := Notification(p, out, s); ok {
		o.deliver(ctx, outbox.Delivery{Name: "notification", ProductID: p.ID, Run: func(ctx context.Context) error {
			return o.deps.Notifier.Send(ctx, ev)
		}})
	}
	if o.deps.Reporter != nil && out.Product.NewPrice != nil {
		newPrice := *out.Product.NewPrice
		o.deliver(ctx, outbox.Delivery{Name: "report", ProductID: p.ID, Run: func(ctx context.Context) error {
			return o.deps.Reporter.ReportPrice(ctx, p.ID, newPrice)
		}})
	}
}

// deliver 交给外发队列；没有队列或队列已满时同步执行。
func (o *Orchestrator) deliver(ctx context.Context, d outbox.Delivery) {
	if o.deps.Outbox != nil && o.deps.Outbox.Submit(d) {
		return
	}
	if err := d.Run(ctx); err != nil {
		o.logger.Warn("delivery failed",
			slog.String("name", d.Name),
			slog.String("product_id", d.ProductID),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) markError(r *run, p model.TrackedProduct) {
	if !o.active(r) {
		return
	}
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	current, err := o.deps.Store.Product(r.ctx, p.ID)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			o.logger.Warn("reload product failed", slog.String("product_id", p.ID), slog.String("error", err.Error()))
		}
		return
	}
	failed := current.Product
	failed.Status = model.StatusError
	if err := o.deps.Store.SaveProducts(r.ctx, failed); err != nil {
		o.logger.Warn("save error status failed", slog.String("product_id", p.ID), slog.String("error", err.Error()))
	}
}

// competitorPhase 把需要更新的商品放入比价站队列，并等待全部完成。
func (o *Orchestrator) competitorPhase(r *run) error {
	if !o.setPhase(r, model.PhaseCompetitorSite) {
		return errStale
	}
	// 重新读取：零售商阶段可能更新了商品名称
	products, err := o.deps.Store.Products(r.ctx)
	if err != nil {
		return fmt.Errorf("reload products: %w", err)
	}

	now := o.now()
	var wg sync.WaitGroup
	enqueued := 0
	for _, p := range products {
		if _, ok := r.members[p.ID]; !ok {
			continue
		}
		if !o.eligible(p) {
			o.move(r, p.ID, stageProcessed, true)
			continue
		}

		p := p
		wg.Add(1)
		enqueued++
		o.queue.Enqueue(&scrapequeue.Request[competitor.Result]{
			Target: competitorTarget(p),
			Ctx:    r.ctx,
			OnStart: func() {
				if o.move(r, p.ID, stageProcessing, false) {
					o.publish()
				}
			},
			OnComplete: func(res competitor.Result, err error) {
				defer wg.Done()
				o.competitorDone(r, p, res, err)
			},
		})
	}
	// 被删除的商品不会再出现，直接计为完成
	for id := range r.members {
		if !containsID(products, id) {
			o.move(r, id, stageProcessed, true)
		}
	}
	o.logger.Info("competitor phase queued",
		slog.String("run_id", r.id),
		slog.Int("enqueued", enqueued),
		slog.Time("at", now))
	o.publish()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
	if !o.active(r) {
		return errStale
	}
	return nil
}

// eligible 没有比价站数据或数据已超过有效期。
func (o *Orchestrator) eligible(p model.TrackedProduct) bool {
	if o.deps.Competitor == nil || competitorTarget(p) == "" {
		return false
	}
	if p.LastCompetitorFetch == nil {
		return true
	}
	return o.now().Sub(*p.LastCompetitorFetch) > o.opts.Freshness
}

func competitorTarget(p model.TrackedProduct) string {
	if p.CompetitorURL != "" {
		return p.CompetitorURL
	}
	return p.Name
}

// competitorDone 合并比价站历史并完成该商品的最后一个工作单元。
func (o *Orchestrator) competitorDone(r *run, p model.TrackedProduct, res competitor.Result, err error) {
	if !o.active(r) {
		return
	}
	now := o.now().UTC()
	switch {
	case err == nil:
		o.saveCompetitor(r.ctx, p.ID, func(current model.TrackedProduct) model.MetaPatch {
			return competitorPatch(current, res, now)
		})
	case errors.Is(err, model.ErrNotFound):
		// 比价站上没有该商品，有效期内不再搜索
		o.saveCompetitor(r.ctx, p.ID, func(model.TrackedProduct) model.MetaPatch {
			return model.MetaPatch{ID: p.ID, LastCompetitorFetch: &now}
		})
	default:
		metrics.ErrorsTotal.WithLabelValues("competitor", model.ErrorLabel(err)).Inc()
	}
	if err != nil {
		o.logger.Warn("competitor scrape failed",
			slog.String("run_id", r.id),
			slog.String("product_id", p.ID),
			slog.String("error", err.Error()))
	}
	if o.move(r, p.ID, stageProcessed, true) {
		o.publish()
	}
}

// saveCompetitor 在商品仍存在时写入比价站数据，合并基于最新记录。
func (o *Orchestrator) saveCompetitor(ctx context.Context, id string, patch func(model.TrackedProduct) model.MetaPatch) {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	current, err := o.deps.Store.Product(ctx, id)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			o.logger.Warn("reload product failed", slog.String("product_id", id), slog.String("error", err.Error()))
		}
		return
	}
	if err := o.deps.Store.PutMeta(ctx, patch(current)); err != nil {
		o.logger.Warn("save competitor data failed", slog.String("product_id", id), slog.String("error", err.Error()))
	}
}

// competitorPatch 新抓取的历史与已保存的历史合并，而不是覆盖。
func competitorPatch(p model.TrackedProduct, res competitor.Result, now time.Time) model.MetaPatch {
	merged := history.Append(p.CompetitorHistory, res.Points)
	patch := model.MetaPatch{ID: p.ID, CompetitorHistory: merged, LastCompetitorFetch: &now}
	if res.URL != "" {
		u := res.URL
		patch.CompetitorURL = &u
	}
	return patch
}

func containsID(products []model.TrackedProduct, id string) bool {
	for _, p := range products {
		if p.ID == id {
			return true
		}
	}
	return false
}
