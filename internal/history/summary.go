package history

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"fiyattakibi/internal/model"
	"fiyattakibi/internal/pkg/price"
)

// Class 当前价格相对历史最近价格的分类。
type Class string

const (
	ClassCheaper Class = "cheaper"
	ClassPricier Class = "pricier"
	ClassSame    Class = "same"
	ClassUnknown Class = "unknown"
)

const dateLayout = "02.01.2006"

// Summary 价格走势摘要。
type Summary struct {
	Class   Class   `json:"class"`
	Message string  `json:"message"`
	Latest  float64 `json:"latest"`  // 最近一次历史价格 B
	Low     float64 `json:"low"`     // 历史最低 L
	High    float64 `json:"high"`    // 历史最高 M
	Days    int     `json:"days"`    // 序列覆盖的天数
	Percent float64 `json:"percent"` // 相对 B 的变化百分比，unknown 时为 0
}

// Summarize 根据价格序列和实时价格生成摘要。
//
// series 应按日期升序；live 为 NaN 或 <=0 时分类为 unknown。
func Summarize(series []model.PricePoint, live float64) Summary {
	points := make([]model.PricePoint, 0, len(series))
	for _, p := range series {
		if price.Valid(p.Price) {
			points = append(points, p)
		}
	}
	if len(points) == 0 {
		return Summary{Class: ClassUnknown, Message: "Fiyat geçmişi bulunamadı."}
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Date.Before(points[j].Date) })

	latest := points[len(points)-1]
	low, high := points[0], points[0]
	lowCount := 0
	for _, p := range points {
		if p.Price < low.Price {
			low = p
		}
		if p.Price > high.Price {
			high = p
		}
	}
	for _, p := range points {
		if p.Price == low.Price {
			lowCount++
		}
	}
	days := int(math.Ceil(latest.Date.Sub(points[0].Date).Hours() / 24))

	s := Summary{
		Latest:  latest.Price,
		Low:     low.Price,
		High:    high.Price,
		Days:    days,
		Percent: price.ChangePercent(latest.Price, live),
	}

	info := fmt.Sprintf("Ürünün son fiyatı %s idi.\n%s tarihinde %s fiyattı.",
		price.Format(latest.Price), low.Date.Format(dateLayout), price.Format(low.Price))
	flow := fmt.Sprintf("%s → %s", price.Format(latest.Price), price.Format(live))

	var b strings.Builder
	switch {
	case !price.Valid(live):
		s.Class = ClassUnknown
		s.Percent = 0
		b.WriteString(info)
	case live < latest.Price:
		s.Class = ClassCheaper
		fmt.Fprintf(&b, "📉 (%%%s indirim) %s", formatPercent(s.Percent), flow)
		switch {
		case live < low.Price:
			fmt.Fprintf(&b, "\nSon %d günün En Düşük fiyatı.", days)
		case live == low.Price:
			fmt.Fprintf(&b, "\nSon %d günün En Düşük fiyatı.", days)
			if lowCount > 1 {
				fmt.Fprintf(&b, "\n%s tarihinden sonra En Uygun Fiyat.", low.Date.Format(dateLayout))
			}
		default:
			if m, ok := closestMatch(points, live); ok {
				fmt.Fprintf(&b, "\n%s tarihinden sonra En Uygun Fiyat.", m.Date.Format(dateLayout))
			}
		}
	case live > latest.Price:
		s.Class = ClassPricier
		fmt.Fprintf(&b, "📈 (%%%s zam) %s", formatPercent(s.Percent), flow)
		fmt.Fprintf(&b, "\n%s tarihinde En düşük %s idi.", low.Date.Format(dateLayout), price.Format(low.Price))
		if live >= high.Price {
			fmt.Fprintf(&b, "\nSon %d günün En yüksek fiyatı.", days)
		}
	default:
		s.Class = ClassSame
		b.WriteString(info)
	}
	s.Message = b.String()
	return s
}

// closestMatch 在除最近一个点以外的历史中寻找与 live 最接近的点。
//
// 价格差相同时取日期更近的点。
func closestMatch(points []model.PricePoint, live float64) (model.PricePoint, bool) {
	if len(points) < 2 {
		return model.PricePoint{}, false
	}
	candidates := points[:len(points)-1]
	best := candidates[len(candidates)-1]
	bestDiff := math.Abs(best.Price - live)
	for i := len(candidates) - 2; i >= 0; i-- {
		d := math.Abs(candidates[i].Price - live)
		if d < bestDiff {
			best, bestDiff = candidates[i], d
		}
	}
	return best, true
}

func formatPercent(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}
