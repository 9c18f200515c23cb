package spectator

import (
	"context"
	"errors"
	"testing"
	"time"

	"termarena/server/internal/game"
)

func receiveFrame(t *testing.T, sub *Subscription) *Frame {
	t.Helper()
	select {
	case frame, ok := <-sub.Frames():
		if !ok {
			t.Fatalf("frame channel closed unexpectedly")
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
	}
	return nil
}

func TestFeedDeliversLiveFrames(t *testing.T) {
	feed := NewFeed(FeedConfig{})
	sub, err := feed.Subscribe(context.Background(), "w1", 8)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	feed.PushFrame(1, map[string]any{"game_id": "g"}, []game.Event{{Type: "chat"}})
	feed.PushFrame(2, map[string]any{"game_id": "g"}, nil)

	first := receiveFrame(t, sub)
	if first.Sequence != 1 || first.Tick != 1 || len(first.Events) != 1 {
		t.Fatalf("first frame = %+v", first)
	}
	second := receiveFrame(t, sub)
	if second.Sequence != 2 || second.Tick != 2 {
		t.Fatalf("second frame = %+v", second)
	}
}

func TestFeedReplaysUnacknowledgedFramesOnReconnect(t *testing.T) {
	feed := NewFeed(FeedConfig{})
	sub, err := feed.Subscribe(context.Background(), "w1", 8)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	feed.PushFrame(1, nil, nil)
	feed.PushFrame(2, nil, nil)
	first := receiveFrame(t, sub)
	receiveFrame(t, sub)
	//1.- Only the first frame is acknowledged before the watcher drops.
	if err := sub.Ack(first.Sequence); err != nil {
		t.Fatalf("ack: %v", err)
	}
	sub.Close()

	resumed, err := feed.Subscribe(context.Background(), "w1", 8)
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	defer resumed.Close()
	replayed := receiveFrame(t, resumed)
	if replayed.Sequence != 2 {
		t.Fatalf("replayed sequence = %d, want 2", replayed.Sequence)
	}
}

func TestFeedRejectsOutOfOrderAcks(t *testing.T) {
	feed := NewFeed(FeedConfig{})
	sub, err := feed.Subscribe(context.Background(), "w1", 8)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	feed.PushFrame(1, nil, nil)
	feed.PushFrame(2, nil, nil)
	if err := sub.Ack(2); !errors.Is(err, ErrOutOfOrderAck) {
		t.Fatalf("ack(2) err = %v, want ErrOutOfOrderAck", err)
	}
	if err := sub.Ack(1); err != nil {
		t.Fatalf("ack(1): %v", err)
	}
	if err := sub.Ack(2); err != nil {
		t.Fatalf("ack(2) after ack(1): %v", err)
	}
}

func TestFeedRetentionPrunesAcknowledgedHistory(t *testing.T) {
	feed := NewFeed(FeedConfig{Retain: 2})
	//1.- With no watchers the log shrinks to the retention window.
	for tick := uint64(1); tick <= 5; tick++ {
		feed.PushFrame(tick, nil, nil)
	}
	if feed.Retained() != 2 {
		t.Fatalf("retained = %d, want 2", feed.Retained())
	}
}

func TestFeedRetentionKeepsUnacknowledgedFrames(t *testing.T) {
	feed := NewFeed(FeedConfig{Retain: 2})
	sub, err := feed.Subscribe(context.Background(), "w1", 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	for tick := uint64(1); tick <= 5; tick++ {
		feed.PushFrame(tick, nil, nil)
	}
	//1.- A watcher that never acks pins the whole log for replay.
	if feed.Retained() != 5 {
		t.Fatalf("retained = %d, want 5 with unacked watcher", feed.Retained())
	}
}

func TestFeedForcesStalledWatchersForward(t *testing.T) {
	feed := NewFeed(FeedConfig{Retain: 2, MaxPending: 3})
	sub, err := feed.Subscribe(context.Background(), "w1", 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	for tick := uint64(1); tick <= 10; tick++ {
		feed.PushFrame(tick, nil, nil)
	}
	//1.- The silent watcher only pins its bounded pending window.
	if feed.Retained() != 3 {
		t.Fatalf("retained = %d, want 3 with a stalled watcher", feed.Retained())
	}

	//2.- Acks resume from the forfeit point, oldest pending first.
	if err := sub.Ack(8); err != nil {
		t.Fatalf("ack after forfeit: %v", err)
	}
	if err := sub.Ack(7); !errors.Is(err, ErrOutOfOrderAck) {
		t.Fatalf("ack(7) err = %v, want ErrOutOfOrderAck", err)
	}
}

func TestSinkGroupFansOut(t *testing.T) {
	a := NewFeed(FeedConfig{})
	b := NewFeed(FeedConfig{})
	group := SinkGroup{a, b, nil}
	group.PushFrame(7, map[string]any{"tick": 7}, nil)
	if a.Retained() != 1 || b.Retained() != 1 {
		t.Fatalf("sink group missed a member: %d %d", a.Retained(), b.Retained())
	}
}
