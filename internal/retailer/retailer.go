// Package retailer 抓取零售商商品页，返回价格、标题、图片与库存状态。
package retailer

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"

	"fiyattakibi/internal/model"
)

// Result 一次商品页抓取的结果。Price 为 NaN 表示页面上没有价格。
type Result struct {
	Price      float64
	PriceText  string
	Name       string
	ImageURL   string
	OutOfStock bool
}

// HasPrice 判断结果是否带有效价格。
func (r Result) HasPrice() bool {
	return !math.IsNaN(r.Price) && r.Price > 0
}

func emptyResult() Result {
	return Result{Price: math.NaN()}
}

// Adapter 某个零售商的抓取实现。
type Adapter interface {
	Fetch(ctx context.Context, p model.TrackedProduct) (Result, error)
}

// Limiter 请求限流，scope 为零售商名称。
type Limiter interface {
	Acquire(ctx context.Context, scope string) error
}

// Registry 按平台分派到对应的 Adapter。
type Registry map[model.Platform]Adapter

func (r Registry) Fetch(ctx context.Context, p model.TrackedProduct) (Result, error) {
	a, ok := r[p.Platform]
	if !ok || a == nil {
		return emptyResult(), fmt.Errorf("%w: no adapter for platform %q", model.ErrUnsupportedURL, p.Platform)
	}
	return a.Fetch(ctx, p)
}

var (
	asinRe   = regexp.MustCompile(`/(?:dp|gp/product)/([A-Z0-9]{10})`)
	hbIDRe   = regexp.MustCompile(`-p(?:m)?-([a-zA-Z0-9]+)`)
	spacesRe = regexp.MustCompile(`\s+`)
)

// Target 由商品链接解析出的 ID 与平台。
type Target struct {
	ID       string
	Platform model.Platform
	URL      string
}

// Resolve 识别商品链接所属平台并提取商品 ID。
//
// Amazon 使用 ASIN（/dp/ 或 /gp/product/），Hepsiburada 使用 "-p-" 或 "-pm-" 后的编号。
func Resolve(raw string) (Target, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return Target{}, fmt.Errorf("%w: %q", model.ErrUnsupportedURL, raw)
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case strings.Contains(host, "amazon."):
		m := asinRe.FindStringSubmatch(u.Path)
		if m == nil {
			return Target{}, fmt.Errorf("%w: no ASIN in %q", model.ErrUnsupportedURL, raw)
		}
		canonical := url.URL{Scheme: "https", Host: u.Host, Path: "/dp/" + m[1]}
		return Target{ID: m[1], Platform: model.PlatformAmazon, URL: canonical.String()}, nil
	case strings.HasSuffix(host, "hepsiburada.com"):
		m := hbIDRe.FindStringSubmatch(u.Path)
		if m == nil {
			return Target{}, fmt.Errorf("%w: no product id in %q", model.ErrUnsupportedURL, raw)
		}
		canonical := url.URL{Scheme: "https", Host: u.Host, Path: u.Path}
		return Target{ID: m[1], Platform: model.PlatformHepsiburada, URL: canonical.String()}, nil
	default:
		return Target{}, fmt.Errorf("%w: %q", model.ErrUnsupportedURL, raw)
	}
}

func cleanText(s string) string {
	return strings.TrimSpace(spacesRe.ReplaceAllString(s, " "))
}
