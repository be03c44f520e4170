package outbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func newTestOutbox(opts Options) *Outbox {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return New(logger, opts)
}

func TestOutbox_DeliversAll(t *testing.T) {
	o := newTestOutbox(Options{Workers: 3, Capacity: 10})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)

	var completed atomic.Int32
	for i := 0; i < 5; i++ {
		ok := o.Submit(Delivery{Name: "notification", ProductID: "p", Run: func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			completed.Add(1)
			return nil
		}})
		if !ok {
			t.Fatalf("submit %d rejected", i)
		}
	}

	if err := o.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if completed.Load() != 5 {
		t.Errorf("Expected 5 completed deliveries, got %d", completed.Load())
	}
	if st := o.Stats(); st.TotalSubmitted != 5 || st.TotalSucceeded != 5 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestOutbox_RetriesThenSucceeds(t *testing.T) {
	o := newTestOutbox(Options{Workers: 1, Attempts: 3, Backoff: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)

	var calls atomic.Int32
	o.Submit(Delivery{Name: "report", Run: func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("503")
		}
		return nil
	}})
	if err := o.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	st := o.Stats()
	if calls.Load() != 3 || st.TotalRetried != 2 || st.TotalSucceeded != 1 || st.TotalFailed != 0 {
		t.Errorf("calls=%d stats=%+v", calls.Load(), st)
	}
}

func TestOutbox_GivesUpAfterAttempts(t *testing.T) {
	o := newTestOutbox(Options{Workers: 1, Attempts: 2, Backoff: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)

	var calls atomic.Int32
	o.Submit(Delivery{Name: "notification", Run: func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("smtp down")
	}})
	_ = o.Shutdown(time.Second)

	if calls.Load() != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls.Load())
	}
	if st := o.Stats(); st.TotalFailed != 1 {
		t.Errorf("Expected 1 failed delivery, got %+v", st)
	}
}

func TestOutbox_PanicRecovery(t *testing.T) {
	o := newTestOutbox(Options{Workers: 1, Attempts: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)

	var executed atomic.Bool
	o.Submit(Delivery{Name: "notification", Run: func(ctx context.Context) error { panic("boom") }})
	o.Submit(Delivery{Name: "notification", Run: func(ctx context.Context) error {
		executed.Store(true)
		return nil
	}})
	_ = o.Shutdown(time.Second)

	if !executed.Load() {
		t.Error("delivery after a panic should still run")
	}
	if st := o.Stats(); st.TotalPanics != 1 || st.TotalFailed != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestOutbox_DropsWhenFull(t *testing.T) {
	o := newTestOutbox(Options{Workers: 1, Capacity: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)

	block := make(chan struct{})
	started := make(chan struct{})
	o.Submit(Delivery{Name: "notification", Run: func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}})
	<-started

	if !o.Submit(Delivery{Name: "notification", Run: func(ctx context.Context) error { return nil }}) {
		t.Fatal("buffer slot should accept one delivery")
	}
	if o.Submit(Delivery{Name: "notification", Run: func(ctx context.Context) error { return nil }}) {
		t.Error("Expected submit to fail when the outbox is full")
	}

	close(block)
	_ = o.Shutdown(time.Second)
	if st := o.Stats(); st.TotalDropped != 1 {
		t.Errorf("Expected 1 dropped delivery, got %d", st.TotalDropped)
	}
}

func TestOutbox_RejectsAfterShutdown(t *testing.T) {
	o := newTestOutbox(Options{})
	o.Start(context.Background())
	if err := o.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if o.Submit(Delivery{Name: "report", Run: func(ctx context.Context) error { return nil }}) {
		t.Error("Should not accept deliveries after shutdown")
	}
	if err := o.Shutdown(time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("second shutdown = %v, want ErrClosed", err)
	}
}

func TestOutbox_ShutdownTimeout(t *testing.T) {
	o := newTestOutbox(Options{Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)

	release := make(chan struct{})
	defer close(release)
	o.Submit(Delivery{Name: "report", Run: func(ctx context.Context) error {
		<-release
		return nil
	}})
	time.Sleep(20 * time.Millisecond)

	if err := o.Shutdown(50 * time.Millisecond); err == nil {
		t.Error("Expected shutdown timeout")
	}
}
