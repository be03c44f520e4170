package history

import (
	"sort"
	"time"

	"fiyattakibi/internal/model"
	"fiyattakibi/internal/pkg/price"
)

// Rank 数据源优先级，数值越大优先级越高。
type Rank int

const (
	RankCompetitor Rank = iota + 1
	RankExternal
	RankFirstParty
)

func (r Rank) String() string {
	switch r {
	case RankFirstParty:
		return "first_party"
	case RankExternal:
		return "external"
	case RankCompetitor:
		return "competitor"
	default:
		return "unknown"
	}
}

// NamedSeries 带优先级的价格序列。
type NamedSeries struct {
	Name   string
	Rank   Rank
	Points []model.PricePoint
}

// Merge 按自然日合并多个序列。
//
// 同一天出现多个来源时高优先级来源胜出；同一优先级内后出现的点覆盖先出现的点。
// 无效价格（NaN、<=0）被丢弃，结果按日期升序。
func Merge(sources ...NamedSeries) []model.PricePoint {
	type slot struct {
		price float64
		rank  Rank
	}
	byDay := make(map[time.Time]slot)
	for _, src := range sources {
		for _, p := range src.Points {
			if !price.Valid(p.Price) || p.Date.IsZero() {
				continue
			}
			day := Day(p.Date)
			if cur, ok := byDay[day]; ok && cur.rank > src.Rank {
				continue
			}
			byDay[day] = slot{price: p.Price, rank: src.Rank}
		}
	}

	out := make([]model.PricePoint, 0, len(byDay))
	for day, s := range byDay {
		out = append(out, model.PricePoint{Date: day, Price: s.price})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// Append 把新抓取的同源数据并入已保存的历史，同一天以新数据为准。
func Append(stored, fresh []model.PricePoint) []model.PricePoint {
	return Merge(
		NamedSeries{Name: "stored", Rank: RankCompetitor, Points: stored},
		NamedSeries{Name: "fresh", Rank: RankCompetitor, Points: fresh},
	)
}
