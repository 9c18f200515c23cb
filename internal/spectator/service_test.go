package spectator

import (
	"context"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	structpb "google.golang.org/protobuf/types/known/structpb"

	"termarena/server/internal/game"
)

type frameStreamStub struct {
	ctx context.Context

	mu     sync.Mutex
	frames []*structpb.Struct
}

func (s *frameStreamStub) Send(frame *structpb.Struct) error {
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
	return nil
}

func (s *frameStreamStub) sent() []*structpb.Struct {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*structpb.Struct(nil), s.frames...)
}

func (s *frameStreamStub) SetHeader(metadata.MD) error  { return nil }
func (s *frameStreamStub) SendHeader(metadata.MD) error { return nil }
func (s *frameStreamStub) SetTrailer(metadata.MD)       {}
func (s *frameStreamStub) Context() context.Context     { return s.ctx }
func (s *frameStreamStub) SendMsg(m any) error          { return s.Send(m.(*structpb.Struct)) }
func (s *frameStreamStub) RecvMsg(any) error            { return nil }

var _ grpc.ServerStreamingServer[structpb.Struct] = (*frameStreamStub)(nil)

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	service := NewFeedService(NewFeed(FeedConfig{}))
	original := &Frame{
		Sequence: 9,
		Tick:     120,
		State:    map[string]any{"game_id": "g1", "tick": float64(120)},
		Events:   []game.Event{{Type: "chat", Data: map[string]any{"text": "gg"}}},
	}

	message, err := service.encodeFrame(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if message.Fields["encoding"].GetStringValue() != "snappy" {
		t.Fatalf("encoding = %v", message.Fields["encoding"])
	}

	decoded, err := DecodeFrame(message, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Sequence != 9 || decoded.Tick != 120 {
		t.Fatalf("decoded = %+v", decoded)
	}
	if decoded.State["game_id"] != "g1" {
		t.Fatalf("state lost in transit: %v", decoded.State)
	}
	if len(decoded.Events) != 1 || decoded.Events[0].Data["text"] != "gg" {
		t.Fatalf("events lost in transit: %+v", decoded.Events)
	}
}

func TestDecodeFrameRejectsUnknownEncoding(t *testing.T) {
	message, err := structpb.NewStruct(map[string]any{
		"sequence": 1, "tick": 1, "encoding": "gzip", "payload": "xxxx",
	})
	if err != nil {
		t.Fatalf("build struct: %v", err)
	}
	if _, err := DecodeFrame(message, nil); err == nil {
		t.Fatalf("expected encoding mismatch error")
	}
}

func TestStreamFramesDeliversAtThrottledCadence(t *testing.T) {
	feed := NewFeed(FeedConfig{})
	feed.PushFrame(1, map[string]any{"game_id": "g"}, nil)
	feed.PushFrame(2, map[string]any{"game_id": "g"}, nil)

	tickCh := make(chan time.Time)
	service := NewFeedService(feed, WithTickerFactory(func(time.Duration) (<-chan time.Time, func()) {
		return tickCh, func() {}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	stream := &frameStreamStub{ctx: ctx}
	request, err := structpb.NewStruct(map[string]any{"watcher_id": "w1"})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- service.StreamFrames(request, stream) }()

	//1.- Each manual tick releases exactly one buffered frame.
	deadline := time.After(2 * time.Second)
	for len(stream.sent()) < 2 {
		select {
		case tickCh <- time.Now():
		case <-deadline:
			t.Fatalf("stream never delivered both frames, got %d", len(stream.sent()))
		}
	}

	cancel()
	select {
	case err := <-done:
		if status.Code(err) != codes.Canceled {
			t.Fatalf("stream err = %v, want Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not exit after cancellation")
	}

	frames := stream.sent()
	first, err := DecodeFrame(frames[0], nil)
	if err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if first.Tick != 1 {
		t.Fatalf("first delivered tick = %d, want 1", first.Tick)
	}
}

func TestStreamFramesAcksDeliveredFrames(t *testing.T) {
	feed := NewFeed(FeedConfig{})
	feed.PushFrame(1, nil, nil)

	tickCh := make(chan time.Time)
	service := NewFeedService(feed, WithTickerFactory(func(time.Duration) (<-chan time.Time, func()) {
		return tickCh, func() {}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	stream := &frameStreamStub{ctx: ctx}
	done := make(chan error, 1)
	go func() { done <- service.StreamFrames(nil, stream) }()

	deadline := time.After(2 * time.Second)
	for len(stream.sent()) < 1 {
		select {
		case tickCh <- time.Now():
		case <-deadline:
			t.Fatalf("frame never delivered")
		}
	}
	cancel()
	<-done

	//1.- The delivered frame was acked, so a reconnect owes nothing.
	resumed, err := feed.Subscribe(context.Background(), "grpc-watcher", 4)
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	defer resumed.Close()
	select {
	case frame := <-resumed.Frames():
		t.Fatalf("unexpected replay of frame %d", frame.Sequence)
	case <-time.After(100 * time.Millisecond):
	}
}
