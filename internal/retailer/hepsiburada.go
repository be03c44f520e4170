package retailer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"fiyattakibi/internal/model"
	"fiyattakibi/internal/pkg/price"
	"fiyattakibi/internal/session"

	"github.com/PuerkitoBio/goquery"
)

// hbScript 注册提取监听器：等待价格或库存信息渲染出来后返回整页 HTML。
const hbScript = `() => {
	window.` + session.ReceiverName + ` = {
		collect: async (req) => {
			const ready = () => document.querySelector('[data-test-id="price-current"], [data-test-id="price-current-to-old"], [data-test-id="product-info-stock-message"], [data-test-id="out-of-stock-container"]')
				|| /Sepete özel/.test(document.body ? document.body.innerText : '');
			const deadline = Date.now() + ((req && req.waitMs) || 8000);
			while (!ready() && Date.now() < deadline) {
				await new Promise((r) => setTimeout(r, 250));
			}
			return { html: document.documentElement.outerHTML, title: document.title };
		}
	};
}`

var (
	digitRe             = regexp.MustCompile(`\d`)
	hbOutOfStockSignals = []string{"tükendi", "stokta yok", "stokta bulunmuyor"}
)

// Scraper 执行一次浏览器抓取会话。
type Scraper interface {
	Scrape(ctx context.Context, req session.Request) (json.RawMessage, error)
}

// Hepsiburada 价格由前端渲染，需要在浏览器会话中读取。
type Hepsiburada struct {
	runner  Scraper
	timeout time.Duration
	wait    time.Duration
	logger  *slog.Logger
}

// NewHepsiburada 创建适配器。timeout 为会话保险丝时长。
func NewHepsiburada(runner Scraper, timeout time.Duration, logger *slog.Logger) *Hepsiburada {
	return &Hepsiburada{runner: runner, timeout: timeout, wait: 8 * time.Second, logger: logger}
}

type pageSnapshot struct {
	HTML  string `json:"html"`
	Title string `json:"title"`
}

func (h *Hepsiburada) Fetch(ctx context.Context, p model.TrackedProduct) (Result, error) {
	raw, err := h.runner.Scrape(ctx, session.Request{
		URL:     p.URL,
		Kind:    session.KindRetailer,
		Script:  hbScript,
		Payload: map[string]any{"waitMs": h.wait.Milliseconds()},
		Timeout: h.timeout,
	})
	if err != nil {
		return emptyResult(), err
	}
	var snap pageSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return emptyResult(), fmt.Errorf("%w: hepsiburada payload: %v", model.ErrParse, err)
	}
	res, err := ParseHepsiburada(snap.HTML)
	if err != nil {
		return res, err
	}
	if !res.HasPrice() && !res.OutOfStock {
		h.logger.Debug("hepsiburada page without price",
			slog.String("product_id", p.ID),
			slog.String("title", snap.Title))
		return res, fmt.Errorf("%w: no price on %s", model.ErrParse, p.URL)
	}
	return res, nil
}

// ParseHepsiburada 解析渲染后的商品页。
//
// 价格优先级：购物车专享价、当前价、价格区域中带 TL 的短文本。都没有时检查缺货提示。
func ParseHepsiburada(html string) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return emptyResult(), fmt.Errorf("%w: hepsiburada html: %v", model.ErrParse, err)
	}
	res := emptyResult()
	res.Name = cleanText(doc.Find(`h1[data-test-id="title"]`).First().Text())

	if src, ok := doc.Find(`a[id="pdp-carousel__dot_item0"] img`).First().Attr("src"); ok && src != "" {
		res.ImageURL = src
	} else if src, ok := doc.Find(`li[id="pdp-carousel__slide0"] img`).First().Attr("src"); ok {
		res.ImageURL = src
	}

	if text := hbPriceText(doc); text != "" {
		res.PriceText = text
		res.Price = price.Parse(text)
		if res.HasPrice() {
			return res, nil
		}
	}

	stock := strings.ToLower(doc.Find(`[data-test-id="product-info-stock-message"], [data-test-id="out-of-stock-container"]`).First().Text())
	for _, s := range hbOutOfStockSignals {
		if strings.Contains(stock, s) {
			res.OutOfStock = true
			break
		}
	}
	return res, nil
}

func looksLikePrice(s string) bool {
	return strings.Contains(s, "TL") && digitRe.MatchString(s)
}

func hbPriceText(doc *goquery.Document) string {
	var found string
	doc.Find("span, p, div").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.TrimSpace(s.Text())
		if text != "Sepete özel fiyat" && text != "Sepete özel" {
			return true
		}
		target := s.Next()
		if target.Length() == 0 {
			target = s.Parent().Next()
		}
		if target.Length() == 0 {
			return true
		}
		priceText := strings.TrimSpace(target.Text())
		if inner := target.Find("span, div").First(); inner.Length() > 0 && strings.Contains(inner.Text(), "TL") {
			priceText = strings.TrimSpace(inner.Text())
		}
		if looksLikePrice(priceText) {
			found = priceText
			return false
		}
		return true
	})
	if found != "" {
		return found
	}

	doc.Find(`[data-test-id="price-current-to-old"], [data-test-id="price-current"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if text := strings.TrimSpace(s.Text()); looksLikePrice(text) {
			found = text
			return false
		}
		return true
	})
	if found != "" {
		return found
	}

	doc.Find(".foQSHpIYwZWy8nHeqapl").First().Find("span, div").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if text := strings.TrimSpace(s.Text()); looksLikePrice(text) && len([]rune(text)) < 20 {
			found = text
			return false
		}
		return true
	})
	return found
}
