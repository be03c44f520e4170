package history

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"fiyattakibi/internal/model"
)

// maxRepeat 单个 token 最多展开的天数，防止异常输入撑爆内存。
const maxRepeat = 3660

var leadingIntRe = regexp.MustCompile(`^\d+`)

// Decode 以本地时区的当前日期解码竞品站点的压缩价格串，见 DecodeAt。
func Decode(raw string) []model.PricePoint {
	return DecodeAt(raw, time.Now())
}

// DecodeAt 解码逗号分隔的 token 流。
//
// token 形式:
//   - "12990"    单日价格（分）
//   - "12990n3"  同一价格再重复 3 天
//   - "12990.."  每个点号表示再重复 1 天
//
// 展开后的最后一天对应 today 在其自身时区下的日期，向前逐日倒推；返回值按日期升序。
// 非数字 token 直接跳过。
func DecodeAt(raw string, today time.Time) []model.PricePoint {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var prices []float64
	for _, token := range strings.Split(raw, ",") {
		minor, repeat, ok := parseToken(strings.TrimSpace(token))
		if !ok {
			continue
		}
		for i := 0; i <= repeat; i++ {
			prices = append(prices, float64(minor)/100)
		}
	}
	if len(prices) == 0 {
		return nil
	}

	day := Day(today)
	last := len(prices) - 1
	out := make([]model.PricePoint, len(prices))
	for i, p := range prices {
		out[i] = model.PricePoint{Date: day.AddDate(0, 0, i-last), Price: p}
	}
	return out
}

func parseToken(token string) (minor int64, repeat int, ok bool) {
	switch {
	case strings.Contains(token, "n"):
		head, tail, _ := strings.Cut(token, "n")
		minor, ok = leadingInt(head)
		if !ok {
			return 0, 0, false
		}
		r, rok := leadingInt(tail)
		if !rok {
			return 0, 0, false
		}
		repeat = int(r)
	case strings.Contains(token, "."):
		repeat = strings.Count(token, ".")
		minor, ok = leadingInt(strings.ReplaceAll(token, ".", ""))
		if !ok {
			return 0, 0, false
		}
	default:
		minor, ok = leadingInt(token)
		if !ok {
			return 0, 0, false
		}
	}
	if repeat > maxRepeat {
		repeat = maxRepeat
	}
	return minor, repeat, true
}

func leadingInt(s string) (int64, bool) {
	m := leadingIntRe.FindString(s)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(m, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Day 返回 t 在其自身时区下的日历日期，统一表示为该日期的 UTC 零点。
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DayIn 返回 t 在 loc 时区下的日历日期。loc 为 nil 时按 UTC。
func DayIn(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return Day(t.In(loc))
}
