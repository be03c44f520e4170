package scrapequeue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fiyattakibi/internal/pkg/logger"
)

type recorder struct {
	mu       sync.Mutex
	order    []string
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (r *recorder) scrape(block <-chan struct{}) ScrapeFunc[string] {
	return func(ctx context.Context, target string) (string, error) {
		n := r.inFlight.Add(1)
		if n > r.peak.Load() {
			r.peak.Store(n)
		}
		defer r.inFlight.Add(-1)
		if block != nil {
			<-block
		}
		r.mu.Lock()
		r.order = append(r.order, target)
		r.mu.Unlock()
		return "ok:" + target, nil
	}
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func fastOptions() Options {
	return Options{
		DelayMin:     time.Millisecond,
		DelayMax:     2 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Logger:       logger.Discard(),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// ============================================================================
// 顺序与优先级
// ============================================================================

func TestQueue_PriorityGoesFirst(t *testing.T) {
	rec := &recorder{}
	block := make(chan struct{})
	q := New(rec.scrape(block), fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	var wg sync.WaitGroup
	enqueue := func(target string, prio bool) {
		wg.Add(1)
		q.Enqueue(&Request[string]{Target: target, Priority: prio, OnComplete: func(string, error) { wg.Done() }})
	}

	// 第一个请求占住执行协程，后面的请求排队
	enqueue("first", false)
	waitFor(t, func() bool { return rec.inFlight.Load() == 1 })
	enqueue("a", false)
	enqueue("b", false)
	enqueue("urgent", true)

	if q.QueueSize() != 3 {
		t.Errorf("QueueSize() = %d, want 3", q.QueueSize())
	}
	close(block)
	wg.Wait()

	want := []string{"first", "urgent", "a", "b"}
	got := rec.seen()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if rec.peak.Load() != 1 {
		t.Errorf("peak concurrency = %d, want 1", rec.peak.Load())
	}
}

func TestQueue_DoReturnsResult(t *testing.T) {
	rec := &recorder{}
	q := New(rec.scrape(nil), fastOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	res, err := q.Do(context.Background(), "iphone 15", false)
	if err != nil || res != "ok:iphone 15" {
		t.Fatalf("Do() = %q, %v", res, err)
	}
}

func TestQueue_DelayBetweenScrapes(t *testing.T) {
	rec := &recorder{}
	opts := fastOptions()
	opts.DelayMin, opts.DelayMax = 40*time.Millisecond, 40*time.Millisecond
	q := New(rec.scrape(nil), opts)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	start := time.Now()
	done := make(chan struct{}, 2)
	for _, target := range []string{"a", "b"} {
		q.Enqueue(&Request[string]{Target: target, OnComplete: func(string, error) { done <- struct{}{} }})
	}
	<-done
	<-done
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("second scrape ran too early: %v", elapsed)
	}
}

// ============================================================================
// 取消与暂停
// ============================================================================

func TestQueue_CancelledRequestSkipsSession(t *testing.T) {
	rec := &recorder{}
	opts := fastOptions()
	opts.DelayMin, opts.DelayMax = time.Second, time.Second
	q := New(rec.scrape(nil), opts)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	reqCtx, reqCancel := context.WithCancel(context.Background())
	reqCancel()

	var calls atomic.Int32
	errCh := make(chan error, 3)
	for i := 0; i < 3; i++ {
		q.Enqueue(&Request[string]{
			Target: "x",
			Ctx:    reqCtx,
			OnComplete: func(_ string, err error) {
				calls.Add(1)
				errCh <- err
			},
		})
	}

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := <-errCh; !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("cancelled requests should not wait for the inter-scrape delay")
	}
	if len(rec.seen()) != 0 {
		t.Error("no session should be opened for cancelled requests")
	}
	if calls.Load() != 3 {
		t.Errorf("OnComplete called %d times, want 3", calls.Load())
	}
	if q.Stats().TotalCancelled != 3 {
		t.Errorf("TotalCancelled = %d", q.Stats().TotalCancelled)
	}
}

func TestQueue_PausedGateHoldsRequests(t *testing.T) {
	rec := &recorder{}
	var paused atomic.Bool
	paused.Store(true)
	opts := fastOptions()
	opts.Gate = GateFunc(paused.Load)
	q := New(rec.scrape(nil), opts)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	done := make(chan struct{})
	q.Enqueue(&Request[string]{Target: "a", OnComplete: func(string, error) { close(done) }})

	time.Sleep(30 * time.Millisecond)
	if len(rec.seen()) != 0 {
		t.Fatal("request ran while paused")
	}
	if q.QueueSize() != 1 {
		t.Errorf("QueueSize() = %d, want 1", q.QueueSize())
	}

	paused.Store(false)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("request did not run after resume")
	}
}

func TestQueue_DoReturnsWhenCallerGivesUp(t *testing.T) {
	rec := &recorder{}
	var paused atomic.Bool
	paused.Store(true)
	opts := fastOptions()
	opts.Gate = GateFunc(paused.Load)
	q := New(rec.scrape(nil), opts)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	callCtx, callCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer callCancel()

	start := time.Now()
	_, err := q.Do(callCtx, "Samsung TV", false)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Do returned %s after the caller gave up", elapsed)
	}
	if q.QueueSize() != 0 {
		t.Errorf("QueueSize() = %d, want 0", q.QueueSize())
	}

	paused.Store(false)
	time.Sleep(30 * time.Millisecond)
	if len(rec.seen()) != 0 {
		t.Errorf("abandoned request was scraped: %v", rec.seen())
	}
	if q.Stats().TotalCancelled != 1 {
		t.Errorf("TotalCancelled = %d, want 1", q.Stats().TotalCancelled)
	}
}

func TestQueue_PausedQueueReleasesCancelledRequests(t *testing.T) {
	rec := &recorder{}
	opts := fastOptions()
	opts.Gate = GateFunc(func() bool { return true })
	q := New(rec.scrape(nil), opts)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	runCtx, stopRun := context.WithCancel(context.Background())
	errs := make(chan error, 2)
	for _, target := range []string{"a", "b"} {
		q.Enqueue(&Request[string]{Target: target, Ctx: runCtx, OnComplete: func(_ string, err error) { errs <- err }})
	}
	live := make(chan struct{})
	q.Enqueue(&Request[string]{Target: "c", OnComplete: func(string, error) { close(live) }})

	stopRun()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("expected context.Canceled, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("cancelled request not completed while paused")
		}
	}
	if q.QueueSize() != 1 {
		t.Errorf("QueueSize() = %d, want 1", q.QueueSize())
	}
	select {
	case <-live:
		t.Error("live request ran while paused")
	default:
	}
	if len(rec.seen()) != 0 {
		t.Errorf("scraped while paused: %v", rec.seen())
	}
}

func TestQueue_ShutdownCompletesPending(t *testing.T) {
	rec := &recorder{}
	block := make(chan struct{})
	q := New(rec.scrape(block), fastOptions())
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)

	errs := make(chan error, 3)
	for _, target := range []string{"a", "b", "c"} {
		q.Enqueue(&Request[string]{Target: target, OnComplete: func(_ string, err error) { errs <- err }})
	}
	waitFor(t, func() bool { return rec.inFlight.Load() == 1 })

	cancel()
	close(block)
	<-q.Done()

	var cancelled int
	for i := 0; i < 3; i++ {
		if err := <-errs; errors.Is(err, context.Canceled) {
			cancelled++
		}
	}
	if cancelled != 2 {
		t.Errorf("expected the 2 pending requests to be cancelled, got %d", cancelled)
	}

	var after error
	q.Enqueue(&Request[string]{Target: "late", OnComplete: func(_ string, err error) { after = err }})
	if !errors.Is(after, ErrClosed) {
		t.Errorf("enqueue after shutdown = %v, want ErrClosed", after)
	}
}

func TestQueue_PanicIsRecovered(t *testing.T) {
	q := New(func(ctx context.Context, target string) (string, error) {
		panic("selector exploded")
	}, fastOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	if _, err := q.Do(context.Background(), "a", false); err == nil {
		t.Fatal("expected panic converted into error")
	}
	if q.Stats().TotalPanics != 1 {
		t.Errorf("TotalPanics = %d", q.Stats().TotalPanics)
	}
	// 执行协程仍然存活
	if _, err := q.Do(context.Background(), "b", false); err == nil {
		t.Fatal("expected second panic error")
	}
}
