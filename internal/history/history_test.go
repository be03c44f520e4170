package history

import (
	"strings"
	"testing"
	"time"

	"fiyattakibi/internal/model"
)

var today = time.Date(2024, 3, 10, 15, 30, 0, 0, time.UTC)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ============================================================================
// Decode
// ============================================================================

func TestDecodeAt_RepeatWithN(t *testing.T) {
	got := DecodeAt("100n2,200", today)
	if len(got) != 4 {
		t.Fatalf("expected 4 points, got %d: %+v", len(got), got)
	}
	wantPrices := []float64{1, 1, 1, 2}
	for i, p := range got {
		if p.Price != wantPrices[i] {
			t.Errorf("point %d price = %v, want %v", i, p.Price, wantPrices[i])
		}
	}
	for i := 1; i < len(got); i++ {
		if !got[i].Date.Equal(got[i-1].Date.AddDate(0, 0, 1)) {
			t.Errorf("dates not consecutive ascending at %d: %v -> %v", i, got[i-1].Date, got[i].Date)
		}
	}
	if !got[len(got)-1].Date.Equal(day(2024, 3, 10)) {
		t.Errorf("last point should be today, got %v", got[len(got)-1].Date)
	}
	if !got[0].Date.Equal(day(2024, 3, 7)) {
		t.Errorf("first point should be three days ago, got %v", got[0].Date)
	}
}

func TestDecodeAt_RepeatWithDots(t *testing.T) {
	got := DecodeAt("150..", today)
	if len(got) != 3 {
		t.Fatalf("expected 3 points, got %d", len(got))
	}
	for i, p := range got {
		if p.Price != 1.5 {
			t.Errorf("point %d price = %v, want 1.5", i, p.Price)
		}
	}
	if !got[0].Date.Equal(day(2024, 3, 8)) || !got[2].Date.Equal(day(2024, 3, 10)) {
		t.Errorf("unexpected date range %v .. %v", got[0].Date, got[2].Date)
	}
}

func TestDecodeAt_SkipsMalformedTokens(t *testing.T) {
	got := DecodeAt("abc,12990,,xyzn3,5000n", today)
	if len(got) != 1 {
		t.Fatalf("expected only the valid token to survive, got %+v", got)
	}
	if got[0].Price != 129.9 {
		t.Errorf("price = %v, want 129.9", got[0].Price)
	}
}

func TestDecodeAt_Empty(t *testing.T) {
	if got := DecodeAt("", today); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
	if got := DecodeAt("  ", today); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestDecodeAt_TodayFollowsLocation(t *testing.T) {
	// 伊斯坦布尔 6 月 10 日 00:30，UTC 仍是 6 月 9 日
	trt := time.FixedZone("TRT", 3*60*60)
	now := time.Date(2024, 6, 9, 21, 30, 0, 0, time.UTC)

	tests := []struct {
		name  string
		today time.Time
		want  time.Time
	}{
		{"utc", now, day(2024, 6, 9)},
		{"local", now.In(trt), day(2024, 6, 10)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecodeAt("100,200", tt.today)
			if len(got) != 2 || !got[1].Date.Equal(tt.want) {
				t.Fatalf("last point = %+v, want %v", got, tt.want)
			}
		})
	}

	if got := DayIn(now, trt); !got.Equal(day(2024, 6, 10)) {
		t.Errorf("DayIn = %v", got)
	}
	if got := DayIn(now, nil); !got.Equal(day(2024, 6, 9)) {
		t.Errorf("DayIn(nil) = %v", got)
	}
}

// ============================================================================
// Merge
// ============================================================================

func TestMerge_FirstPartyWinsOnCollision(t *testing.T) {
	firstParty := NamedSeries{Name: "first_party", Rank: RankFirstParty, Points: []model.PricePoint{
		{Date: day(2024, 1, 1), Price: 100},
	}}
	competitor := NamedSeries{Name: "competitor", Rank: RankCompetitor, Points: []model.PricePoint{
		{Date: day(2024, 1, 1), Price: 105},
		{Date: day(2024, 1, 2), Price: 110},
	}}

	// 顺序无关
	for _, order := range [][]NamedSeries{{firstParty, competitor}, {competitor, firstParty}} {
		got := Merge(order...)
		want := []model.PricePoint{{Date: day(2024, 1, 1), Price: 100}, {Date: day(2024, 1, 2), Price: 110}}
		if len(got) != len(want) {
			t.Fatalf("got %+v, want %+v", got, want)
		}
		for i := range want {
			if !got[i].Date.Equal(want[i].Date) || got[i].Price != want[i].Price {
				t.Errorf("point %d = %+v, want %+v", i, got[i], want[i])
			}
		}
	}
}

func TestMerge_ExternalBeatsCompetitorAndNormalizesTime(t *testing.T) {
	got := Merge(
		NamedSeries{Rank: RankCompetitor, Points: []model.PricePoint{{Date: day(2024, 2, 1), Price: 50}}},
		NamedSeries{Rank: RankExternal, Points: []model.PricePoint{{Date: time.Date(2024, 2, 1, 18, 45, 0, 0, time.UTC), Price: 48}}},
	)
	if len(got) != 1 || got[0].Price != 48 || !got[0].Date.Equal(day(2024, 2, 1)) {
		t.Fatalf("unexpected merge result %+v", got)
	}
}

func TestMerge_DropsInvalidPrices(t *testing.T) {
	got := Merge(NamedSeries{Rank: RankExternal, Points: []model.PricePoint{
		{Date: day(2024, 1, 3), Price: 0},
		{Date: day(2024, 1, 2), Price: -5},
		{Date: day(2024, 1, 1), Price: 20},
	}})
	if len(got) != 1 || got[0].Price != 20 {
		t.Fatalf("expected only the positive price, got %+v", got)
	}
}

func TestAppend_FreshWinsAndHistoryKept(t *testing.T) {
	stored := []model.PricePoint{{Date: day(2024, 1, 1), Price: 10}, {Date: day(2024, 1, 2), Price: 11}}
	fresh := []model.PricePoint{{Date: day(2024, 1, 2), Price: 12}, {Date: day(2024, 1, 3), Price: 13}}
	got := Append(stored, fresh)
	want := []float64{10, 12, 13}
	if len(got) != len(want) {
		t.Fatalf("got %+v", got)
	}
	for i := range want {
		if got[i].Price != want[i] {
			t.Errorf("point %d = %v, want %v", i, got[i].Price, want[i])
		}
	}
}

// ============================================================================
// Summarize
// ============================================================================

func series(prices ...float64) []model.PricePoint {
	out := make([]model.PricePoint, len(prices))
	for i, p := range prices {
		out[i] = model.PricePoint{Date: day(2024, 1, 1).AddDate(0, 0, i), Price: p}
	}
	return out
}

func TestSummarize_Classes(t *testing.T) {
	tests := []struct {
		name    string
		series  []model.PricePoint
		live    float64
		class   Class
		percent float64
		contain string
	}{
		{"cheaper_new_low", series(120, 110, 100), 90, ClassCheaper, 10, "En Düşük"},
		{"cheaper_closest", series(80, 97, 100), 95, ClassCheaper, 5, "02.01.2024 tarihinden sonra"},
		{"pricier", series(100, 90, 100), 110, ClassPricier, 10, "En yüksek"},
		{"same", series(100, 100), 100, ClassSame, 0, "son fiyatı"},
		{"unknown_live", series(100, 100), 0, ClassUnknown, 0, "son fiyatı"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Summarize(tt.series, tt.live)
			if s.Class != tt.class {
				t.Errorf("class = %s, want %s", s.Class, tt.class)
			}
			if s.Percent != tt.percent {
				t.Errorf("percent = %v, want %v", s.Percent, tt.percent)
			}
			if !strings.Contains(s.Message, tt.contain) {
				t.Errorf("message %q should contain %q", s.Message, tt.contain)
			}
		})
	}
}

func TestSummarize_Stats(t *testing.T) {
	s := Summarize(series(150, 90, 200, 120), 100)
	if s.Latest != 120 || s.Low != 90 || s.High != 200 {
		t.Fatalf("unexpected stats %+v", s)
	}
	if s.Days != 3 {
		t.Errorf("days = %d, want 3", s.Days)
	}
}

func TestSummarize_RepeatedLow(t *testing.T) {
	s := Summarize(series(90, 120, 90, 130), 90)
	if s.Class != ClassCheaper {
		t.Fatalf("class = %s", s.Class)
	}
	if !strings.Contains(s.Message, "01.01.2024 tarihinden sonra En Uygun Fiyat") {
		t.Errorf("message should reference the earliest low: %q", s.Message)
	}
}

func TestClosestMatch_TieBreaksByRecency(t *testing.T) {
	pts := series(90, 110, 90, 110, 200)
	m, ok := closestMatch(pts, 100)
	if !ok {
		t.Fatal("expected a match")
	}
	if !m.Date.Equal(day(2024, 1, 4)) {
		t.Errorf("expected the most recent tied point, got %v", m.Date)
	}
}

func TestSummarize_EmptySeries(t *testing.T) {
	s := Summarize(nil, 100)
	if s.Class != ClassUnknown {
		t.Fatalf("class = %s", s.Class)
	}
}
