package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"fiyattakibi/internal/model"
	"fiyattakibi/internal/pkg/metrics"
	"fiyattakibi/internal/pkg/price"
)

// Kind 通知类型。
type Kind string

const (
	KindDiscount Kind = "discount"
	KindIncrease Kind = "increase"
	KindStock    Kind = "stock"
)

// Event 一次价格变化通知。
//
// OldPrice 为 NaN 表示之前没有有效价格（补货通知）。
type Event struct {
	Kind     Kind
	Product  model.TrackedProduct
	OldPrice float64
	NewPrice float64
	Percent  float64
}

// Notifier 定义通知接口。
type Notifier interface {
	Send(ctx context.Context, ev Event) error
}

// Message 生成通知正文，第一行为价格变化，第二行为商品名。
func Message(ev Event) string {
	switch ev.Kind {
	case KindStock:
		return fmt.Sprintf("Ürün Stoğa Girdi: %s\n%s", price.Format(ev.NewPrice), ev.Product.Name)
	case KindDiscount:
		return fmt.Sprintf("İndirim %s -> %s (%%%s)\n%s", price.Format(ev.OldPrice), price.Format(ev.NewPrice), formatPercent(ev.Percent), ev.Product.Name)
	case KindIncrease:
		return fmt.Sprintf("Zam %s -> %s (%%%s)\n%s", price.Format(ev.OldPrice), price.Format(ev.NewPrice), formatPercent(ev.Percent), ev.Product.Name)
	default:
		return ev.Product.Name
	}
}

// Subject 生成邮件标题。
func Subject(ev Event) string {
	switch ev.Kind {
	case KindStock:
		return "[FiyatTakibi] Stoğa girdi: " + ev.Product.Name
	case KindDiscount:
		return "[FiyatTakibi] İndirim: " + ev.Product.Name
	case KindIncrease:
		return "[FiyatTakibi] Zam: " + ev.Product.Name
	default:
		return "[FiyatTakibi] " + ev.Product.Name
	}
}

func formatPercent(p float64) string {
	if math.IsNaN(p) {
		return "?"
	}
	return fmt.Sprintf("%.0f", math.Round(p))
}

// LogNotifier 只把通知写入日志，用于未配置邮件时。
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(_ context.Context, ev Event) error {
	n.logger.Info("price notification",
		slog.String("kind", string(ev.Kind)),
		slog.String("product_id", ev.Product.ID),
		slog.String("message", Message(ev)))
	metrics.NotificationsTotal.WithLabelValues(string(ev.Kind), "logged").Inc()
	return nil
}

// Multi 依次发送到多个通知器，返回所有错误的合并。
type Multi []Notifier

func (m Multi) Send(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Send(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
