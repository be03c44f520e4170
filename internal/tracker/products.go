package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fiyattakibi/internal/competitor"
	"fiyattakibi/internal/history"
	"fiyattakibi/internal/model"
	"fiyattakibi/internal/retailer"

	"golang.org/x/sync/errgroup"
)

// AddProduct 解析商品链接、抓取商品信息并开始跟踪。
//
// 首次抓到的价格写入 oldPrice；缺货时 oldPrice 为空，之后出现价格会被标记为补货。
func (o *Orchestrator) AddProduct(ctx context.Context, rawURL string) (model.TrackedProduct, error) {
	target, err := retailer.Resolve(rawURL)
	if err != nil {
		return model.TrackedProduct{}, err
	}

	o.addMu.Lock()
	defer o.addMu.Unlock()

	count, err := o.deps.Store.Count(ctx)
	if err != nil {
		return model.TrackedProduct{}, err
	}
	if count >= o.opts.MaxItems {
		return model.TrackedProduct{}, fmt.Errorf("%w (%d)", model.ErrCapacity, o.opts.MaxItems)
	}
	if _, err := o.deps.Store.Product(ctx, target.ID); err == nil {
		return model.TrackedProduct{}, fmt.Errorf("product %s: %w", target.ID, model.ErrDuplicate)
	} else if !errors.Is(err, model.ErrNotFound) {
		return model.TrackedProduct{}, err
	}

	tp := model.TrackedProduct{Product: model.Product{ID: target.ID, URL: target.URL, Platform: target.Platform}}
	res, err := o.deps.Retailers.Fetch(ctx, tp)
	if err != nil {
		return model.TrackedProduct{}, fmt.Errorf("fetch product info: %w", err)
	}
	if res.Name == "" {
		return model.TrackedProduct{}, fmt.Errorf("%w: product name not found", model.ErrParse)
	}

	now := o.now().UTC()
	seq := count + 1
	tp.Name = res.Name
	tp.OldPrice = model.PricePtr(res.Price)
	tp.SequenceNumber = seq
	tp.ImageURL = res.ImageURL
	tp.AddedAt = &now

	if err := o.deps.Store.SaveProducts(ctx, tp.Product); err != nil {
		return model.TrackedProduct{}, err
	}
	patch := model.MetaPatch{ID: tp.ID, SequenceNumber: &seq, AddedAt: &now}
	if res.ImageURL != "" {
		patch.ImageURL = &res.ImageURL
	}
	if err := o.deps.Store.PutMeta(ctx, patch); err != nil {
		return model.TrackedProduct{}, err
	}

	o.logger.Info("product added",
		slog.String("product_id", tp.ID),
		slog.String("platform", string(tp.Platform)),
		slog.Bool("in_stock", tp.OldPrice != nil))
	return tp, nil
}

// RemoveProduct 停止跟踪商品。
func (o *Orchestrator) RemoveProduct(ctx context.Context, id string) error {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	if err := o.deps.Store.DeleteProduct(ctx, id); err != nil {
		return err
	}
	o.logger.Info("product removed", slog.String("product_id", id))
	return nil
}

// Products 返回全部跟踪中的商品。
func (o *Orchestrator) Products(ctx context.Context) ([]model.TrackedProduct, error) {
	return o.deps.Store.Products(ctx)
}

// SetGroup 修改商品的颜色分组。
func (o *Orchestrator) SetGroup(ctx context.Context, id string, group model.Group) (model.TrackedProduct, error) {
	switch group {
	case model.GroupNone, model.GroupRed, model.GroupYellow, model.GroupGreen:
	default:
		return model.TrackedProduct{}, fmt.Errorf("%w: unknown group %q", model.ErrInvalidInput, group)
	}
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	tp, err := o.deps.Store.Product(ctx, id)
	if err != nil {
		return model.TrackedProduct{}, err
	}
	tp.Group = group
	if err := o.deps.Store.SaveProducts(ctx, tp.Product); err != nil {
		return model.TrackedProduct{}, err
	}
	return tp, nil
}

// ConfirmChanges 确认所有价格变化，返回被确认的商品数。
func (o *Orchestrator) ConfirmChanges(ctx context.Context) (int, error) {
	o.writeMu.Lock()
	products, err := o.deps.Store.Products(ctx)
	if err != nil {
		o.writeMu.Unlock()
		return 0, err
	}
	var changed []model.Product
	for _, tp := range products {
		if p, ok := Confirm(tp.Product); ok {
			changed = append(changed, p)
		}
	}
	if len(changed) == 0 {
		o.writeMu.Unlock()
		return 0, nil
	}
	if err := o.deps.Store.SaveProducts(ctx, changed...); err != nil {
		o.writeMu.Unlock()
		return 0, err
	}
	o.writeMu.Unlock()
	o.refreshBadge(ctx)
	return len(changed), nil
}

// Settings 返回当前设置。
func (o *Orchestrator) Settings(ctx context.Context) (model.Settings, error) {
	return o.deps.Store.Settings(ctx)
}

// SaveSettings 校验并保存设置。
func (o *Orchestrator) SaveSettings(ctx context.Context, s model.Settings) error {
	return o.deps.Store.SaveSettings(ctx, s)
}

// LastUpdateTime 返回上一次全量更新完成的时间。
func (o *Orchestrator) LastUpdateTime(ctx context.Context) (time.Time, bool, error) {
	return o.deps.Store.LastUpdateTime(ctx)
}

// SearchAndScrapeCompetitor 按商品名称在比价站搜索并抓取，经由单通道队列执行。
func (o *Orchestrator) SearchAndScrapeCompetitor(ctx context.Context, name string, priority bool) (competitor.Result, error) {
	return o.queue.Do(ctx, name, priority)
}

// ScrapeCompetitorByURL 抓取指定的比价站商品页，优先执行。
func (o *Orchestrator) ScrapeCompetitorByURL(ctx context.Context, url string) (competitor.Result, error) {
	return o.queue.Do(ctx, url, true)
}

// AttachCompetitor 抓取比价站链接并把结果合并到商品的比价站历史中。
func (o *Orchestrator) AttachCompetitor(ctx context.Context, id, url string) (competitor.Result, error) {
	if _, err := o.deps.Store.Product(ctx, id); err != nil {
		return competitor.Result{}, err
	}
	res, err := o.ScrapeCompetitorByURL(ctx, url)
	if err != nil {
		return res, err
	}

	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	// 抓取期间商品可能已被删除或历史已更新
	tp, err := o.deps.Store.Product(ctx, id)
	if err != nil {
		return res, err
	}
	if err := o.deps.Store.PutMeta(ctx, competitorPatch(tp, res, o.now().UTC())); err != nil {
		return res, err
	}
	return res, nil
}

// HistoryView 商品的合并价格历史。
type HistoryView struct {
	ProductID string             `json:"productId"`
	Points    []model.PricePoint `json:"points"`
	Summary   history.Summary    `json:"summary"`
	Sources   map[string]int     `json:"sources"` // 各来源的点数
}

// History 合并自有服务器、第三方 API 与比价站的历史，并与当前价格比较。
//
// 单个来源失败只记录日志，不影响其他来源。
func (o *Orchestrator) History(ctx context.Context, id string) (HistoryView, error) {
	tp, err := o.deps.Store.Product(ctx, id)
	if err != nil {
		return HistoryView{}, err
	}

	var firstParty, external []model.PricePoint
	g, gctx := errgroup.WithContext(ctx)
	fetch := func(name string, src HistorySource, dst *[]model.PricePoint) {
		if src == nil {
			return
		}
		g.Go(func() error {
			points, err := src.History(gctx, id)
			if err != nil {
				o.logger.Warn("history source failed",
					slog.String("source", name),
					slog.String("product_id", id),
					slog.String("error", err.Error()))
				return nil
			}
			*dst = points
			return nil
		})
	}
	fetch("first_party", o.deps.FirstParty, &firstParty)
	fetch("external", o.deps.External, &external)
	_ = g.Wait()

	merged := history.Merge(
		history.NamedSeries{Name: "first_party", Rank: history.RankFirstParty, Points: firstParty},
		history.NamedSeries{Name: "external", Rank: history.RankExternal, Points: external},
		history.NamedSeries{Name: "competitor", Rank: history.RankCompetitor, Points: tp.CompetitorHistory},
	)
	live := Baseline(tp.Product)
	return HistoryView{
		ProductID: id,
		Points:    merged,
		Summary:   history.Summarize(merged, live),
		Sources: map[string]int{
			"first_party": len(firstParty),
			"external":    len(external),
			"competitor":  len(tp.CompetitorHistory),
		},
	}, nil
}
