package slot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		if err := rdb.Close(); err != nil {
			t.Fatalf("close redis: %v", err)
		}
	})
	return s, rdb
}

func TestLease_ExclusiveUntilReleased(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()
	a := NewLease(rdb, "competitor", time.Minute)
	b := NewLease(rdb, "competitor", time.Minute)

	tok, ok, err := a.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := b.TryAcquire(ctx); ok {
		t.Fatal("second holder should be rejected")
	}
	if err := a.Release(ctx, tok); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := b.TryAcquire(ctx); !ok {
		t.Fatal("slot should be free after release")
	}
}

func TestLease_ReleaseWithStaleTokenKeepsHolder(t *testing.T) {
	s, rdb := newRedis(t)
	ctx := context.Background()
	a := NewLease(rdb, "competitor", time.Second)
	b := NewLease(rdb, "competitor", time.Minute)

	stale, _, _ := a.TryAcquire(ctx)
	s.FastForward(2 * time.Second)

	if _, ok, _ := b.TryAcquire(ctx); !ok {
		t.Fatal("expired slot should be acquirable")
	}
	if err := a.Release(ctx, stale); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !s.Exists(keyPrefix + "competitor") {
		t.Fatal("stale release must not delete the new holder's slot")
	}
}

func TestLease_AcquireWaitsAndHonoursContext(t *testing.T) {
	_, rdb := newRedis(t)
	a := NewLease(rdb, "competitor", time.Minute)
	b := NewLease(rdb, "competitor", time.Minute)
	b.poll = 10 * time.Millisecond

	tok, _, _ := a.TryAcquire(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := b.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	time.AfterFunc(20*time.Millisecond, func() { _ = a.Release(context.Background(), tok) })
	if _, err := b.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestLease_NilIsNoop(t *testing.T) {
	var l *Lease
	tok, ok, err := l.TryAcquire(context.Background())
	if !ok || err != nil || tok != "" {
		t.Fatalf("nil lease should always succeed: %v %v %v", tok, ok, err)
	}
	if err := l.Release(context.Background(), tok); err != nil {
		t.Fatal(err)
	}
}
