package progress

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"fiyattakibi/internal/model"
	"fiyattakibi/internal/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestBroadcaster_SubscriberGetsLastThenUpdates(t *testing.T) {
	b := NewBroadcaster(4)
	b.Publish(context.Background(), model.UpdateState{RunID: "r0"})

	ch, cancel := b.Subscribe()
	defer cancel()

	if got := <-ch; got.RunID != "r0" {
		t.Fatalf("first snapshot = %q, want r0", got.RunID)
	}
	b.Publish(context.Background(), model.UpdateState{RunID: "r1", ProcessedCount: 3})
	if got := <-ch; got.RunID != "r1" || got.ProcessedCount != 3 {
		t.Fatalf("unexpected snapshot %+v", got)
	}
}

func TestBroadcaster_SlowSubscriberKeepsNewest(t *testing.T) {
	b := NewBroadcaster(1)
	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 1; i <= 5; i++ {
		b.Publish(context.Background(), model.UpdateState{ProcessedCount: i})
	}
	got := <-ch
	if got.ProcessedCount != 5 {
		t.Errorf("slow subscriber should see the newest snapshot, got %d", got.ProcessedCount)
	}
	if b.Last().ProcessedCount != 5 {
		t.Errorf("Last() = %d", b.Last().ProcessedCount)
	}
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(1)
	ch, cancel := b.Subscribe()
	<-ch
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	if b.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d", b.Subscribers())
	}
	// 取消后发布不应 panic
	b.Publish(context.Background(), model.UpdateState{})
}

func TestRedisSink_Publishes(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer s.Close()
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, "test:progress")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sink := NewRedisSink(rdb, "test:progress", logger.Discard())
	sink.Publish(ctx, model.UpdateState{RunID: "abc", Phase: model.PhaseRetailerA, IsUpdating: true})

	select {
	case msg := <-sub.Channel():
		var got model.UpdateState
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.RunID != "abc" || got.Phase != model.PhaseRetailerA {
			t.Errorf("unexpected payload %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
}

func TestFanout(t *testing.T) {
	var a, b int
	f := Fanout{
		SinkFunc(func(context.Context, model.UpdateState) { a++ }),
		nil,
		SinkFunc(func(context.Context, model.UpdateState) { b++ }),
		NewLogSink(logger.Discard()),
	}
	f.Publish(context.Background(), model.UpdateState{})
	if a != 1 || b != 1 {
		t.Errorf("a=%d b=%d", a, b)
	}
}
