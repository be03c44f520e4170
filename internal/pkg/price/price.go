package price

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	leadingNumberRe = regexp.MustCompile(`^[+-]?(?:\d+\.?\d*|\.\d+)`)
	nonNumericRe    = regexp.MustCompile(`[^\d.]`)
)

// Parse 将本地化价格文本转换为数值。
//
// 支持 "1.234,56 TL"、"1.599"（三位小数视为千分位）以及 "123.45" 这类英文小数。
// 无法解析时返回 NaN，调用方不能把 NaN 当作 0。
func Parse(s string) float64 {
	if s == "" {
		return math.NaN()
	}
	if strings.Contains(s, ".") && !strings.Contains(s, ",") {
		tail := s[strings.LastIndex(s, ".")+1:]
		if !strings.Contains(strings.ToUpper(s), "TL") && len(tail) != 3 {
			return parseLeading(strings.TrimSpace(s))
		}
	}

	cleaned := strings.ReplaceAll(s, ".", "")
	cleaned = strings.Replace(cleaned, ",", ".", 1)
	cleaned = nonNumericRe.ReplaceAllString(cleaned, "")
	return parseLeading(cleaned)
}

// ParseAny 解析任意输入：nil 返回 NaN，数值原样返回，字符串走 Parse。
func ParseAny(v any) float64 {
	switch t := v.(type) {
	case nil:
		return math.NaN()
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case *float64:
		if t == nil {
			return math.NaN()
		}
		return *t
	case string:
		return Parse(t)
	default:
		return math.NaN()
	}
}

// parseLeading 只解析前缀中的数字部分，与浏览器 parseFloat 行为一致。
func parseLeading(s string) float64 {
	m := leadingNumberRe.FindString(s)
	if m == "" {
		return math.NaN()
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

// Valid 判断价格是否为有效正数。
func Valid(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// Format 以土耳其格式输出价格，例如 1234.56 -> "1.234,56 TL"。
func Format(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	fixed := decimal.NewFromFloat(v).StringFixed(2)
	sign := ""
	if strings.HasPrefix(fixed, "-") {
		sign = "-"
		fixed = fixed[1:]
	}
	whole, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	for i, ch := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(ch)
	}
	return sign + b.String() + "," + frac + " TL"
}

// ChangePercent 计算从 base 到 current 的变化百分比绝对值，保留一位小数。
func ChangePercent(base, current float64) float64 {
	if !Valid(base) || math.IsNaN(current) {
		return math.NaN()
	}
	b := decimal.NewFromFloat(base)
	pct, _ := decimal.NewFromFloat(current).Sub(b).Div(b).Abs().
		Mul(decimal.NewFromInt(100)).Round(1).Float64()
	return pct
}
