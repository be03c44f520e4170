package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fiyattakibi/internal/config"
	"fiyattakibi/internal/history"
	"fiyattakibi/internal/model"
	"fiyattakibi/internal/pkg/price"
)

// FirstPartyClient 自有价格服务器客户端：读取历史并上报价格变化。
type FirstPartyClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewFirstPartyClient(cfg config.SourcesConfig, client *http.Client, logger *slog.Logger) *FirstPartyClient {
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	return &FirstPartyClient{
		baseURL: strings.TrimRight(cfg.FirstPartyBaseURL, "/"),
		client:  client,
		logger:  logger,
	}
}

// Enabled 未配置地址时客户端不发请求。
func (c *FirstPartyClient) Enabled() bool {
	return c != nil && c.baseURL != ""
}

type firstPartyEntry struct {
	Date  string `json:"tarih"`
	Price any    `json:"fiyat"`
}

// History 读取服务器保存的价格历史，按日期升序。
func (c *FirstPartyClient) History(ctx context.Context, productID string) ([]model.PricePoint, error) {
	if !c.Enabled() {
		return nil, nil
	}
	endpoint := c.baseURL + "/GetPriceMysql.php?" + url.Values{"urun_id": {productID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: first-party history %s: %v", model.ErrNetwork, productID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: first-party history %s: status %d", model.ErrNetwork, productID, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read first-party history: %v", model.ErrNetwork, err)
	}
	var entries []firstPartyEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		// 服务器对未知商品返回非数组内容
		c.logger.Debug("first-party history not an array", slog.String("product_id", productID))
		return nil, nil
	}

	out := make([]model.PricePoint, 0, len(entries))
	for _, e := range entries {
		p := price.ParseAny(e.Price)
		if !price.Valid(p) {
			continue
		}
		t, err := parseServerDate(e.Date)
		if err != nil {
			continue
		}
		out = append(out, model.PricePoint{Date: history.Day(t), Price: p})
	}
	return history.Merge(history.NamedSeries{Name: "first_party", Rank: history.RankFirstParty, Points: out}), nil
}

// ReportPrice 上报一次价格变化。
func (c *FirstPartyClient) ReportPrice(ctx context.Context, productID string, newPrice float64) error {
	if !c.Enabled() {
		return nil
	}
	form := url.Values{"urun_id": {productID}, "fiyat": {price.Format(newPrice)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/UpdatePriceUser.php", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: report price %s: %v", model.ErrNetwork, productID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: report price %s: status %d", model.ErrNetwork, productID, resp.StatusCode)
	}
	return nil
}

func parseServerDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: date %q", model.ErrParse, s)
}
