package competitor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"fiyattakibi/internal/history"
	"fiyattakibi/internal/model"
	"fiyattakibi/internal/pkg/price"
)

// Strategy 产生结果的提取方式。
type Strategy string

const (
	StrategyPRGJ   Strategy = "prgj"
	StrategyHijack Strategy = "hijack"
	StrategyCDN    Strategy = "cdn"
	StrategyDOM    Strategy = "dom"
)

var (
	// RE2 不支持反向引用，单双引号分开匹配
	prgjRe  = regexp.MustCompile(`_PRGJ\s*=\s*(?:'([^']*)'|"([^"]*)")`)
	cdnRe   = regexp.MustCompile(`https?://[a-z0-9-]+\.akamaized\.net/[0-9:a-zA-Z.]+`)
	pairsRe = regexp.MustCompile(`\[\s*(\d{10,13})\s*,\s*(\d+(?:\.\d+)?)\s*\]`)
)

// Snapshot 页面内提取脚本返回的数据。
type Snapshot struct {
	PriceText   string          `json:"priceText"`
	Scripts     []string        `json:"scripts"`
	Hijack      json.RawMessage `json:"hijack"`
	CDNURL      string          `json:"cdnUrl"`
	HTML        string          `json:"html"`
	GraphButton bool            `json:"graphButton"`
}

// Result 比价站抓取结果。Partial 为 true 时只有当前价格，没有历史。
type Result struct {
	URL          string
	Points       []model.PricePoint
	CurrentPrice float64
	Strategy     Strategy
	Partial      bool
}

// FetchFunc 下载 CDN 数据文件。
type FetchFunc func(ctx context.Context, url string) (string, error)

// Extract 依次尝试各提取方式，返回第一个得到价格序列的结果。
// today 的时区同时决定绝对时间戳归属的日期。
func Extract(ctx context.Context, snap Snapshot, fetch FetchFunc, today time.Time) (Result, error) {
	res := Result{CurrentPrice: price.Parse(snap.PriceText)}

	for _, script := range snap.Scripts {
		m := prgjRe.FindStringSubmatch(script)
		if m == nil {
			continue
		}
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		if points := history.DecodeAt(raw, today); len(points) > 0 {
			res.Points, res.Strategy = points, StrategyPRGJ
			return res, nil
		}
	}

	if len(snap.Hijack) > 0 && string(snap.Hijack) != "null" {
		if points, ok := ParseSeries(snap.Hijack, today.Location()); ok {
			res.Points, res.Strategy = points, StrategyHijack
			return res, nil
		}
	}

	cdnURL := snap.CDNURL
	if cdnURL == "" {
		cdnURL = cdnRe.FindString(snap.HTML)
	}
	if cdnURL != "" && fetch != nil {
		text, err := fetch(ctx, cdnURL)
		if err == nil {
			if points := ParseCDN(text, today); len(points) > 0 {
				res.Points, res.Strategy = points, StrategyCDN
				return res, nil
			}
		} else if ctx.Err() != nil {
			return res, ctx.Err()
		}
	}

	if price.Valid(res.CurrentPrice) {
		res.Strategy = StrategyDOM
		res.Partial = true
		res.Points = []model.PricePoint{{Date: history.Day(today), Price: res.CurrentPrice}}
		return res, nil
	}
	return res, fmt.Errorf("%w: no competitor price history", model.ErrParse)
}

// ParseSeries 解析图表数据：{"d":[日期...],"y":[价格...]} 或 [[时间戳,价格],...]。
// 时间戳按 loc 时区取日期。
func ParseSeries(data []byte, loc *time.Location) ([]model.PricePoint, bool) {
	var dy struct {
		D []any `json:"d"`
		Y []any `json:"y"`
	}
	if err := json.Unmarshal(data, &dy); err == nil && len(dy.D) > 0 {
		n := min(len(dy.D), len(dy.Y))
		points := make([]model.PricePoint, 0, n)
		for i := 0; i < n; i++ {
			t, ok := toTime(dy.D[i], loc)
			if !ok {
				continue
			}
			points = append(points, model.PricePoint{Date: history.Day(t), Price: price.ParseAny(dy.Y[i])})
		}
		points = normalize(points)
		return points, len(points) > 0
	}

	var pairs [][]any
	if err := json.Unmarshal(data, &pairs); err == nil && len(pairs) > 0 {
		points := make([]model.PricePoint, 0, len(pairs))
		for _, pair := range pairs {
			if len(pair) != 2 {
				continue
			}
			t, ok := toTime(pair[0], loc)
			if !ok {
				continue
			}
			points = append(points, model.PricePoint{Date: history.Day(t), Price: price.ParseAny(pair[1])})
		}
		points = normalize(points)
		return points, len(points) > 0
	}
	return nil, false
}

// ParseCDN 解析 CDN 数据文件：JSON 图表数据、文本中的 [时间戳,价格] 对，最后按编码价格串解码。
func ParseCDN(text string, today time.Time) []model.PricePoint {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	loc := today.Location()
	if points, ok := ParseSeries([]byte(text), loc); ok {
		return points
	}
	if matches := pairsRe.FindAllStringSubmatch(text, -1); len(matches) > 0 {
		points := make([]model.PricePoint, 0, len(matches))
		for _, m := range matches {
			ts, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				continue
			}
			p, err := strconv.ParseFloat(m[2], 64)
			if err != nil {
				continue
			}
			points = append(points, model.PricePoint{Date: history.Day(unixAuto(ts, loc)), Price: p})
		}
		if points = normalize(points); len(points) > 0 {
			return points
		}
	}
	return history.DecodeAt(text, today)
}

// unixAuto 13 位时间戳按毫秒处理。
func unixAuto(ts int64, loc *time.Location) time.Time {
	if ts > 1e12 {
		return time.UnixMilli(ts).In(loc)
	}
	return time.Unix(ts, 0).In(loc)
}

// toTime 纯日期字符串原样作为日期，带时间的值换算到 loc。
func toTime(v any, loc *time.Location) (time.Time, bool) {
	switch t := v.(type) {
	case float64:
		if t <= 0 || math.IsNaN(t) {
			return time.Time{}, false
		}
		return unixAuto(int64(t), loc), true
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil && n > 0 {
			return unixAuto(n, loc), true
		}
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed.In(loc), true
		}
		for _, layout := range []string{"2006-01-02", "02.01.2006"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func normalize(points []model.PricePoint) []model.PricePoint {
	return history.Merge(history.NamedSeries{Name: "competitor", Rank: history.RankCompetitor, Points: points})
}
