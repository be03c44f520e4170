package pool

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestRun_ProcessesAllInOrder(t *testing.T) {
	p := New(testLogger())
	items := []int{1, 2, 3, 4, 5, 6, 7}

	results := Run(context.Background(), p, items, 3, func(ctx context.Context, n int) (int, error) {
		time.Sleep(10 * time.Millisecond)
		return n * n, nil
	}, Hooks[int, int]{})

	if len(results) != len(items) {
		t.Fatalf("expected %d results, got %d", len(items), len(results))
	}
	for i, r := range results {
		if r.Index != i || r.Item != items[i] || r.Value != items[i]*items[i] || r.Err != nil {
			t.Errorf("result %d = %+v", i, r)
		}
	}
	stats := p.Stats()
	t.Logf("Stats: %s", p.String())
	if stats.TotalSucceeded != 7 || stats.TotalRuns != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestRun_RespectsLimit(t *testing.T) {
	p := New(testLogger())
	var inFlight, peak atomic.Int32

	Run(context.Background(), p, make([]struct{}, 12), 4, func(ctx context.Context, _ struct{}) (struct{}, error) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return struct{}{}, nil
	}, Hooks[struct{}, struct{}]{})

	if peak.Load() > 4 {
		t.Errorf("peak concurrency = %d, want <= 4", peak.Load())
	}
	if peak.Load() < 2 {
		t.Errorf("expected items to run concurrently, peak = %d", peak.Load())
	}
}

func TestRun_LimitBelowOneClampsToOne(t *testing.T) {
	p := New(testLogger())
	var inFlight, peak atomic.Int32

	results := Run(context.Background(), p, []int{1, 2, 3}, 0, func(ctx context.Context, n int) (int, error) {
		if v := inFlight.Add(1); v > peak.Load() {
			peak.Store(v)
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return n, nil
	}, Hooks[int, int]{})

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if peak.Load() != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak.Load())
	}
}

func TestRun_ErrorsAndPanicsAreIsolated(t *testing.T) {
	p := New(testLogger())
	boom := errors.New("boom")

	results := Run(context.Background(), p, []string{"ok", "err", "panic", "ok"}, 2, func(ctx context.Context, s string) (string, error) {
		switch s {
		case "err":
			return "", boom
		case "panic":
			panic("unexpected")
		}
		return s, nil
	}, Hooks[string, string]{})

	if results[0].Err != nil || results[3].Err != nil {
		t.Errorf("healthy items should succeed: %+v", results)
	}
	if !errors.Is(results[1].Err, boom) {
		t.Errorf("expected boom, got %v", results[1].Err)
	}
	if results[2].Err == nil {
		t.Error("panic should be converted into an error")
	}
	stats := p.Stats()
	if stats.TotalPanics != 1 || stats.TotalFailed != 2 || stats.TotalSucceeded != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestRun_HooksCalledOncePerItem(t *testing.T) {
	p := New(testLogger())
	var mu sync.Mutex
	started := map[int]int{}
	done := map[int]int{}

	Run(context.Background(), p, []int{10, 20, 30}, 2, func(ctx context.Context, n int) (int, error) {
		return n, nil
	}, Hooks[int, int]{
		OnStart: func(idx int, _ int) {
			mu.Lock()
			started[idx]++
			mu.Unlock()
		},
		OnDone: func(res Result[int, int]) {
			mu.Lock()
			done[res.Index]++
			mu.Unlock()
		},
	})

	for i := 0; i < 3; i++ {
		if started[i] != 1 || done[i] != 1 {
			t.Errorf("item %d: started=%d done=%d", i, started[i], done[i])
		}
	}
}

func TestRun_CancelledContextSkipsRemaining(t *testing.T) {
	p := New(testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	results := Run(ctx, p, []int{1, 2, 3, 4}, 1, func(ctx context.Context, n int) (int, error) {
		calls.Add(1)
		if n == 2 {
			cancel()
		}
		return n, nil
	}, Hooks[int, int]{})

	if calls.Load() != 2 {
		t.Errorf("fn called %d times, want 2", calls.Load())
	}
	for _, r := range results[2:] {
		if !r.Skipped || !errors.Is(r.Err, context.Canceled) {
			t.Errorf("expected skipped result, got %+v", r)
		}
	}
	if p.Stats().TotalSkipped != 2 {
		t.Errorf("TotalSkipped = %d, want 2", p.Stats().TotalSkipped)
	}
}

func TestRun_FailuresDoNotCancelLaterItems(t *testing.T) {
	p := New(testLogger())

	results := Run(context.Background(), p, []int{1, 2, 3}, 1, func(ctx context.Context, n int) (int, error) {
		switch n {
		case 1:
			return 0, errors.New("boom")
		case 2:
			panic("kaboom")
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return n, nil
	}, Hooks[int, int]{})

	if results[2].Skipped || results[2].Err != nil || results[2].Value != 3 {
		t.Fatalf("item 3 should run with a live ctx, got %+v", results[2])
	}
	if s := p.Stats(); s.TotalSkipped != 0 || s.TotalFailed != 2 {
		t.Errorf("stats = %+v, want 0 skipped and 2 failed", s)
	}
}

func TestRun_Empty(t *testing.T) {
	p := New(testLogger())
	results := Run(context.Background(), p, nil, 4, func(ctx context.Context, n int) (int, error) {
		t.Fatal("fn should not be called")
		return 0, nil
	}, Hooks[int, int]{})
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
}
