// Package source 访问第三方价格 API 与自有价格服务器，返回统一的价格序列。
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"fiyattakibi/internal/config"
	"fiyattakibi/internal/history"
	"fiyattakibi/internal/model"
	"fiyattakibi/internal/pkg/price"

	"golang.org/x/time/rate"
)

// 第三方 API 对字段名做了混淆。
const (
	historyArrayKey = "dfwqsZwgh"
	priceKey        = "dfwqs"
	dateKey         = "rohs"
)

var historyArrayRe = regexp.MustCompile(`(?i)"` + historyArrayKey + `"\s*:\s*(\[[\s\S]*?\])`)

// ExternalClient 第三方价格历史 API 客户端。
type ExternalClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewExternalClient 创建客户端；rps<=0 表示不限速。
func NewExternalClient(cfg config.SourcesConfig, client *http.Client, logger *slog.Logger) *ExternalClient {
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	limit := rate.Inf
	if cfg.ExternalRPS > 0 {
		limit = rate.Limit(cfg.ExternalRPS)
	}
	return &ExternalClient{
		baseURL: strings.TrimRight(cfg.ExternalBaseURL, "/"),
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// History 获取商品的价格历史，按日期升序。
//
// 响应体不是严格的 JSON 时只截取历史数组部分。无法解析的条目被跳过。
func (c *ExternalClient) History(ctx context.Context, productID string) ([]model.PricePoint, error) {
	if c.baseURL == "" {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/api/product/id/%s", c.baseURL, url.PathEscape(productID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: external history %s: %v", model.ErrNetwork, productID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: external history %s: status %d", model.ErrNetwork, productID, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read external history: %v", model.ErrNetwork, err)
	}
	return c.parse(body)
}

func (c *ExternalClient) parse(body []byte) ([]model.PricePoint, error) {
	m := historyArrayRe.FindSubmatch(body)
	if m == nil {
		return nil, nil
	}
	var items []map[string]any
	if err := json.Unmarshal(m[1], &items); err != nil {
		return nil, fmt.Errorf("%w: external history array: %v", model.ErrParse, err)
	}

	out := make([]model.PricePoint, 0, len(items))
	for _, item := range items {
		rawDate, ok := item[dateKey].(string)
		if !ok {
			continue
		}
		p := price.ParseAny(item[priceKey])
		if !price.Valid(p) {
			continue
		}
		t, err := parseExternalDate(rawDate)
		if err != nil {
			c.logger.Debug("skip external history entry", slog.String("date", rawDate))
			continue
		}
		out = append(out, model.PricePoint{Date: history.Day(t), Price: p})
	}
	return history.Merge(history.NamedSeries{Name: "external", Rank: history.RankExternal, Points: out}), nil
}

// parseExternalDate 修正 API 返回的非标准时间戳："...N" 结尾与第 11 位的 "H" 分隔符。
func parseExternalDate(s string) (time.Time, error) {
	if strings.HasSuffix(s, "N") {
		s = s[:len(s)-1] + "Z"
	}
	if len(s) > 10 && s[10] == 'H' {
		s = s[:10] + "T" + s[11:]
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: date %q", model.ErrParse, s)
}
