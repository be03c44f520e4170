// histdecode 把比价站的压缩价格串解码为逐日价格。
//
//	histdecode [-today 2024-06-10] [-tz Europe/Istanbul] [-live 899.90] "129900n3,119900.."
//	echo "129900n3" | histdecode
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"fiyattakibi/internal/history"
)

func main() {
	todayFlag := flag.String("today", "", "date of the last point, YYYY-MM-DD (default: today in -tz)")
	tz := flag.String("tz", "Europe/Istanbul", "time zone that decides the current date")
	live := flag.Float64("live", math.NaN(), "current price; prints a history summary when set")
	flag.Parse()

	loc, err := time.LoadLocation(*tz)
	if err != nil {
		log.Fatalf("invalid -tz: %v", err)
	}
	today := time.Now().In(loc)
	if *todayFlag != "" {
		t, err := time.Parse(time.DateOnly, *todayFlag)
		if err != nil {
			log.Fatalf("invalid -today: %v", err)
		}
		today = t
	}

	raw := strings.Join(flag.Args(), ",")
	if raw == "" {
		data, err := io.ReadAll(bufio.NewReader(os.Stdin))
		if err != nil {
			log.Fatalf("read stdin: %v", err)
		}
		raw = strings.TrimSpace(string(data))
	}

	if err := decode(os.Stdout, raw, today, *live); err != nil {
		log.Fatal(err)
	}
}

// decode 输出 date<TAB>price 行；live 有效时追加摘要。
func decode(w io.Writer, raw string, today time.Time, live float64) error {
	points := history.DecodeAt(raw, today)
	if len(points) == 0 {
		return fmt.Errorf("no price points in input")
	}
	bw := bufio.NewWriter(w)
	for _, p := range points {
		fmt.Fprintf(bw, "%s\t%.2f\n", p.Date.Format(time.DateOnly), p.Price)
	}
	if !math.IsNaN(live) {
		s := history.Summarize(points, live)
		fmt.Fprintf(bw, "\n[%s] %s\n", s.Class, s.Message)
	}
	return bw.Flush()
}
