// Package competitor 在比价站上搜索商品并提取价格历史。
package competitor

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
	"fiyattakibi/internal/model"
	"fiyattakibi/internal/pkg/metrics"
	"fiyattakibi/internal/session"

	"github.com/PuerkitoBio/goquery"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

var productLinkRe = regexp.MustCompile(`en-ucuz-.+-fiyati,\d+\.html`)

// Scraper 执行一次浏览器抓取会话。
type Scraper interface {
	Scrape(ctx context.Context, req session.Request) (json.RawMessage, error)
}

// Client 比价站客户端。Scrape 适合作为抓取队列的执行函数。
type Client struct {
	runner  Scraper
	httpc   *http.Client
	cfg     config.CompetitorConfig
	base    *url.URL
	timeout time.Duration
	wait    time.Duration
	cache   *expirable.LRU[string, string]
	logger  *slog.Logger
	now     func() time.Time
	loc     *time.Location
}

// NewClient 创建客户端。timeout 为每个会话的保险丝时长。
func NewClient(runner Scraper, httpc *http.Client, cfg config.CompetitorConfig, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid competitor base url %q", cfg.BaseURL)
	}
	if httpc == nil {
		httpc = &http.Client{Timeout: 15 * time.Second}
	}
	if !strings.Contains(cfg.SearchPath, "%s") {
		cfg.SearchPath = "/arama/?q=%s"
	}
	if cfg.HistoryWait <= 0 {
		cfg.HistoryWait = 10 * time.Second
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 256
	}
	return &Client{
		runner:  runner,
		httpc:   httpc,
		cfg:     cfg,
		base:    base,
		timeout: timeout,
		wait:    cfg.HistoryWait,
		cache:   expirable.NewLRU[string, string](size, nil, cfg.CacheTTL),
		logger:  logger.With(slog.String("component", "competitor")),
		now:     time.Now,
		loc:     time.UTC,
	}, nil
}

// SetLocation 设置价格历史"今天"所在的时区，默认 UTC。
func (c *Client) SetLocation(loc *time.Location) {
	if loc != nil {
		c.loc = loc
	}
}

// IsCompetitorURL 判断 target 是否为比价站链接。
func (c *Client) IsCompetitorURL(target string) bool {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	return host == strings.TrimPrefix(strings.ToLower(c.base.Hostname()), "www.")
}

// Scrape target 为比价站链接时直接抓取，否则按商品名称搜索后抓取第一个结果。
func (c *Client) Scrape(ctx context.Context, target string) (Result, error) {
	if c.IsCompetitorURL(target) {
		return c.ScrapeURL(ctx, target)
	}
	productURL, err := c.Search(ctx, target)
	if err != nil {
		return Result{}, err
	}
	return c.ScrapeURL(ctx, productURL)
}

// ScrapeURL 抓取比价站商品页的价格历史。
func (c *Client) ScrapeURL(ctx context.Context, productURL string) (Result, error) {
	raw, err := c.runner.Scrape(ctx, session.Request{
		URL:     productURL,
		Kind:    session.KindCompetitor,
		Script:  productScript,
		Preload: []string{preloadScript},
		Payload: map[string]any{"waitMs": c.wait.Milliseconds(), "fastExit": !c.cfg.DisableFastExit},
		Timeout: c.timeout,
	})
	if err != nil {
		return Result{URL: productURL}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Result{URL: productURL}, fmt.Errorf("%w: competitor payload: %v", model.ErrParse, err)
	}

	res, err := Extract(ctx, snap, c.fetchCDN, c.now().In(c.loc))
	res.URL = productURL
	if err != nil {
		metrics.CompetitorStrategyTotal.WithLabelValues("none").Inc()
		return res, err
	}
	metrics.CompetitorStrategyTotal.WithLabelValues(string(res.Strategy)).Inc()
	c.logger.Info("competitor history extracted",
		slog.String("url", productURL),
		slog.String("strategy", string(res.Strategy)),
		slog.Int("points", len(res.Points)),
		slog.Bool("partial", res.Partial))
	return res, nil
}

// Search 按商品名称搜索，返回第一个商品链接。结果在 CacheTTL 内被缓存。
func (c *Client) Search(ctx context.Context, name string) (string, error) {
	key := strings.ToLower(strings.Join(strings.Fields(name), " "))
	if key == "" {
		return "", fmt.Errorf("%w: empty search term", model.ErrNotFound)
	}
	if u, ok := c.cache.Get(key); ok {
		return u, nil
	}

	searchURL := strings.TrimRight(c.cfg.BaseURL, "/") + fmt.Sprintf(c.cfg.SearchPath, url.QueryEscape(name))
	raw, err := c.runner.Scrape(ctx, session.Request{
		URL:     searchURL,
		Kind:    session.KindSearch,
		Script:  searchScript,
		Payload: map[string]any{"waitMs": 5000},
		Timeout: c.timeout,
	})
	if err != nil {
		return "", err
	}
	var page struct {
		HTML string `json:"html"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return "", fmt.Errorf("%w: search payload: %v", model.ErrParse, err)
	}
	productURL, err := FirstResult(page.HTML, c.base)
	if err != nil {
		return "", fmt.Errorf("search %q: %w", name, err)
	}
	c.cache.Add(key, productURL)
	return productURL, nil
}

// FirstResult 返回搜索结果页中第一个商品链接的绝对地址。
func FirstResult(html string, base *url.URL) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("%w: search html: %v", model.ErrParse, err)
	}
	var found string
	doc.Find("#APL a[href], a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		if !productLinkRe.MatchString(href) {
			return true
		}
		ref, err := url.Parse(href)
		if err != nil {
			return true
		}
		found = base.ResolveReference(ref).String()
		return false
	})
	if found == "" {
		return "", fmt.Errorf("%w: no product in search results", model.ErrNotFound)
	}
	return found, nil
}

func (c *Client) fetchCDN(ctx context.Context, cdnURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cdnURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Referer", c.base.String())
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: cdn fetch: %v", model.ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: cdn fetch status %d", model.ErrNetwork, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", fmt.Errorf("%w: cdn read: %v", model.ErrNetwork, err)
	}
	return string(body), nil
}
