package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"fiyattakibi/internal/config"
	"fiyattakibi/internal/pkg/metrics"

	"gopkg.in/gomail.v2"
)

// EmailNotifier 实现邮件通知。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
	send   func(m *gomail.Message) error
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	n := &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
	n.send = func(m *gomail.Message) error {
		d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)
		return d.DialAndSend(m)
	}
	return n
}

// Configured 判断 SMTP 配置与收件人是否齐全。
func (n *EmailNotifier) Configured() bool {
	return n.cfg.SMTPHost != "" && n.cfg.SMTPUser != "" && n.cfg.FromEmail != "" && strings.TrimSpace(n.cfg.ToEmail) != ""
}

// Send 发送邮件通知。配置不全时记录日志并跳过。
func (n *EmailNotifier) Send(ctx context.Context, ev Event) error {
	if !n.Configured() {
		n.logger.Warn("email config missing, skip notification", slog.String("product_id", ev.Product.ID))
		metrics.NotificationsTotal.WithLabelValues(string(ev.Kind), "skipped").Inc()
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", n.cfg.ToEmail)
	m.SetHeader("Subject", Subject(ev))
	m.SetBody("text/plain", Message(ev))
	m.AddAlternative("text/html", n.buildHTMLBody(ev))

	if err := n.send(m); err != nil {
		metrics.NotificationsTotal.WithLabelValues(string(ev.Kind), "error").Inc()
		return fmt.Errorf("send email: %w", err)
	}

	metrics.NotificationsTotal.WithLabelValues(string(ev.Kind), "sent").Inc()
	n.logger.Info("email notification sent",
		slog.String("to", n.cfg.ToEmail),
		slog.String("kind", string(ev.Kind)),
		slog.String("product_id", ev.Product.ID))
	return nil
}

func (n *EmailNotifier) buildHTMLBody(ev Event) string {
	lines := strings.SplitN(Message(ev), "\n", 2)
	priceLine := html.EscapeString(lines[0])

	img := ""
	if ev.Product.ImageURL != "" {
		img = fmt.Sprintf(`<div class="hero"><img src="%s" alt="" /></div>`, html.EscapeString(ev.Product.ImageURL))
	}

	template := `
<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8" />
<style>
  body { font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937; }
  .card { max-width: 600px; margin: 24px auto; background: #ffffff; border-radius: 12px; overflow: hidden; border: 1px solid #e5e7eb; }
  .header { background: #0f172a; color: #ffffff; padding: 16px 20px; font-size: 16px; font-weight: bold; }
  .content { padding: 20px; }
  .hero img { width: 100%%; max-width: 320px; display: block; margin: 0 auto 16px; border-radius: 8px; }
  .price { font-size: 22px; font-weight: bold; color: %s; margin: 8px 0 12px; }
  .title { font-size: 16px; margin-bottom: 16px; }
  .cta { display: inline-block; padding: 12px 20px; background: #f97316; color: #fff; text-decoration: none; border-radius: 8px; font-weight: bold; }
</style>
</head>
<body>
  <div class="card">
    <div class="header">%s</div>
    <div class="content">
      %s
      <div class="price">%s</div>
      <div class="title">%s</div>
      <div style="text-align:center; margin-bottom: 12px;">
        <a class="cta" href="%s" target="_blank">Ürüne git</a>
      </div>
    </div>
  </div>
</body>
</html>`

	return fmt.Sprintf(template,
		priceColor(ev.Kind),
		html.EscapeString(Subject(ev)),
		img,
		priceLine,
		html.EscapeString(ev.Product.Name),
		html.EscapeString(ev.Product.URL))
}

func priceColor(k Kind) string {
	switch k {
	case KindIncrease:
		return "#ef4444"
	default:
		return "#16a34a"
	}
}
