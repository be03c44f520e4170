package retailer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"fiyattakibi/internal/model"
	"fiyattakibi/internal/pkg/price"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
)

const defaultDesktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

var (
	priceContainers = []string{"#corePrice_feature_div", "#corePriceDisplay_desktop_feature_div"}
	wholeDigitsRe   = regexp.MustCompile(`[\d.,]+`)
	fractionRe      = regexp.MustCompile(`\d+`)
	outOfStockTexts = []string{"Stokta yok", "Tükendi", "Şu anda mevcut değil"}
)

// Amazon 通过普通 HTTP 请求抓取商品页，不需要浏览器。
type Amazon struct {
	collector *colly.Collector
	limiter   Limiter
	logger    *slog.Logger
}

// NewAmazon 创建 Amazon 适配器。limiter 可以为 nil。
func NewAmazon(userAgent string, timeout time.Duration, limiter Limiter, logger *slog.Logger) *Amazon {
	if userAgent == "" {
		userAgent = defaultDesktopUA
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(timeout)
	c.IgnoreRobotsTxt = true
	c.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})
	return &Amazon{collector: c, limiter: limiter, logger: logger}
}

// Fetch 抓取并解析商品页。非 2xx 响应返回 model.ErrNetwork。
func (a *Amazon) Fetch(ctx context.Context, p model.TrackedProduct) (Result, error) {
	if a.limiter != nil {
		if err := a.limiter.Acquire(ctx, string(model.PlatformAmazon)); err != nil {
			return emptyResult(), err
		}
	}
	if err := ctx.Err(); err != nil {
		return emptyResult(), err
	}

	c := a.collector.Clone()
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "tr-TR,tr;q=0.9,en-US;q=0.8,en;q=0.7")
		r.Headers.Set("Cache-Control", "max-age=0")
	})

	res := emptyResult()
	var parseErr error
	c.OnResponse(func(r *colly.Response) {
		res, parseErr = ParseAmazon(r.Body)
	})

	if err := c.Visit(p.URL); err != nil {
		return emptyResult(), fmt.Errorf("%w: fetch %s: %v", model.ErrNetwork, p.URL, err)
	}
	if parseErr != nil {
		return emptyResult(), parseErr
	}
	if !res.HasPrice() && !res.OutOfStock {
		a.logger.Debug("amazon page without price", slog.String("product_id", p.ID))
		return res, fmt.Errorf("%w: no price on %s", model.ErrParse, p.URL)
	}
	return res, nil
}

// ParseAmazon 从商品页 HTML 中解析标题、主图、价格与缺货信号。
func ParseAmazon(body []byte) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return emptyResult(), fmt.Errorf("%w: amazon html: %v", model.ErrParse, err)
	}
	res := emptyResult()
	res.Name = cleanText(doc.Find("#productTitle").First().Text())

	img := doc.Find("#landingImage").First()
	if src, ok := img.Attr("data-old-hires"); ok && strings.HasPrefix(src, "http") {
		res.ImageURL = src
	} else if src, ok := img.Attr("src"); ok && strings.HasPrefix(src, "http") {
		res.ImageURL = src
	}

	res.PriceText = amazonPriceText(doc)
	if res.PriceText != "" {
		res.Price = price.Parse(res.PriceText)
		if res.HasPrice() {
			return res, nil
		}
	}

	if doc.Find("#outOfStock").Length() > 0 {
		res.OutOfStock = true
		return res, nil
	}
	availability := doc.Find("#availability").Text()
	for _, s := range outOfStockTexts {
		if strings.Contains(availability, s) {
			res.OutOfStock = true
			break
		}
	}
	return res, nil
}

// amazonPriceText 优先读取价格块中的整数、小数与货币符号，找不到时退回到屏幕阅读器文本。
func amazonPriceText(doc *goquery.Document) string {
	for _, sel := range priceContainers {
		block := doc.Find(sel).First()
		if block.Length() == 0 {
			continue
		}
		whole := wholeDigitsRe.FindString(block.Find(".a-price-whole").First().Text())
		whole = strings.TrimRight(whole, ".,")
		if whole == "" {
			continue
		}
		fraction := fractionRe.FindString(block.Find(".a-price-fraction").First().Text())
		if fraction == "" {
			fraction = "00"
		}
		symbol := strings.TrimSpace(block.Find(".a-price-symbol").First().Text())
		return strings.TrimSpace(whole + "," + fraction + symbol)
	}
	if s := strings.TrimSpace(doc.Find(".a-price.a-size-medium .a-offscreen").First().Text()); s != "" {
		return s
	}
	return ""
}
