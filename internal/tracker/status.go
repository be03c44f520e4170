package tracker

import (
	"math"
	"time"

	"fiyattakibi/internal/model"
	"fiyattakibi/internal/pkg/notify"
	"fiyattakibi/internal/pkg/price"
	"fiyattakibi/internal/retailer"
)

// Outcome 单个商品一次刷新的结果。
type Outcome struct {
	Product  model.Product
	Baseline float64 // 比较基准，NaN 表示没有
	Changed  bool    // 价格发生变化（Up、Down、Restocked）
	ImageURL string
	Err      error
}

// Baseline 返回比较基准：上一次的 newPrice，没有时用 oldPrice。
func Baseline(p model.Product) float64 {
	if v := model.PriceOf(p.NewPrice); price.Valid(v) {
		return v
	}
	return model.PriceOf(p.OldPrice)
}

// Evaluate 根据抓取结果推导商品的新状态。
func Evaluate(p model.Product, res retailer.Result, fetchErr error, now time.Time) Outcome {
	out := Outcome{Product: p, Baseline: Baseline(p), ImageURL: res.ImageURL, Err: fetchErr}
	if fetchErr != nil {
		out.Product.Status = model.StatusError
		return out
	}
	if res.Name != "" {
		out.Product.Name = res.Name
	}
	if !res.HasPrice() {
		if res.OutOfStock {
			out.Product.Status = model.StatusOutOfStock
		} else {
			out.Product.Status = model.StatusError
		}
		return out
	}

	current := res.Price
	out.Product.NewPrice = model.PricePtr(current)
	ts := now.UTC()
	switch base := out.Baseline; {
	case !price.Valid(base):
		out.Product.Status = model.StatusRestocked
		out.Product.LastChangeDate = &ts
		out.Changed = true
	case current < base:
		out.Product.Status = model.StatusDown
		out.Product.PreviousPrice = model.PricePtr(base)
		out.Product.LastChangeDate = &ts
		out.Changed = true
	case current > base:
		out.Product.Status = model.StatusUp
		out.Product.PreviousPrice = model.PricePtr(base)
		out.Product.LastChangeDate = &ts
		out.Changed = true
	default:
		out.Product.Status = model.StatusUnchanged
	}
	return out
}

// Notification 按设置决定是否为一次价格变化发送通知。
func Notification(tp model.TrackedProduct, out Outcome, s model.Settings) (notify.Event, bool) {
	tp.Product = out.Product
	current := model.PriceOf(out.Product.NewPrice)
	ev := notify.Event{Product: tp, OldPrice: out.Baseline, NewPrice: current}

	switch out.Product.Status {
	case model.StatusRestocked:
		if !s.NotifyStock {
			return ev, false
		}
		ev.Kind = notify.KindStock
		ev.OldPrice = math.NaN()
		return ev, true
	case model.StatusDown:
		ev.Kind = notify.KindDiscount
		ev.Percent = price.ChangePercent(out.Baseline, current)
		return ev, s.NotifyDiscount && ev.Percent >= s.PriceChangeThreshold
	case model.StatusUp:
		ev.Kind = notify.KindIncrease
		ev.Percent = price.ChangePercent(out.Baseline, current)
		return ev, s.NotifyIncrease && ev.Percent > 0
	default:
		return ev, false
	}
}

// Confirm 确认一次价格变化：newPrice 成为新的 oldPrice。
func Confirm(p model.Product) (model.Product, bool) {
	switch p.Status {
	case model.StatusUp, model.StatusDown, model.StatusRestocked:
	default:
		return p, false
	}
	if p.NewPrice != nil {
		v := *p.NewPrice
		p.OldPrice = &v
	}
	p.NewPrice = nil
	p.Status = model.StatusConfirmed
	return p, true
}
