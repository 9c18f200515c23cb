package timesync

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

	"termarena/server/internal/logging"
)

type fixedTicks struct{ tick uint64 }

func (f fixedTicks) Tick() uint64 { return f.tick }

func TestSimSamplerDerivesSimulatedClock(t *testing.T) {
	sampler := NewSimSampler(fixedTicks{tick: 120}, 60)
	base := time.UnixMilli(10_000)
	sampler.now = func() time.Time { return base }

	serverMs, simulatedMs, offsetMs := sampler.Sample()
	if serverMs != 10_000 {
		t.Fatalf("serverMs = %d", serverMs)
	}
	//1.- 120 ticks at 60Hz is exactly two simulated seconds.
	if simulatedMs != 2000 {
		t.Fatalf("simulatedMs = %d, want 2000", simulatedMs)
	}
	if offsetMs != 8000 {
		t.Fatalf("offsetMs = %d, want 8000", offsetMs)
	}
}

type syncStreamStub struct {
	ctx context.Context

	mu      sync.Mutex
	updates []*structpb.Struct
}

func (s *syncStreamStub) Send(update *structpb.Struct) error {
	s.mu.Lock()
	s.updates = append(s.updates, update)
	s.mu.Unlock()
	return nil
}

func (s *syncStreamStub) sent() []*structpb.Struct {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*structpb.Struct(nil), s.updates...)
}

func (s *syncStreamStub) SetHeader(metadata.MD) error  { return nil }
func (s *syncStreamStub) SendHeader(metadata.MD) error { return nil }
func (s *syncStreamStub) SetTrailer(metadata.MD)       {}
func (s *syncStreamStub) Context() context.Context     { return s.ctx }
func (s *syncStreamStub) SendMsg(m any) error          { return s.Send(m.(*structpb.Struct)) }
func (s *syncStreamStub) RecvMsg(any) error            { return nil }

var _ grpc.ServerStreamingServer[structpb.Struct] = (*syncStreamStub)(nil)

func TestStreamTimeSyncSendsImmediateSample(t *testing.T) {
	sampler := NewSimSampler(fixedTicks{tick: 60}, 60)
	service := NewService(sampler, time.Hour, logging.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	stream := &syncStreamStub{ctx: ctx}
	request, err := structpb.NewStruct(map[string]any{"client_id": "viewer-1"})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- service.StreamTimeSync(request, stream) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(stream.sent()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no immediate sample received")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; status.Code(err) != codes.Canceled {
		t.Fatalf("stream err = %v, want Canceled", err)
	}

	update := stream.sent()[0]
	if update.Fields["simulated_timestamp_ms"].GetNumberValue() != 1000 {
		t.Fatalf("simulated ms = %v, want 1000", update.Fields["simulated_timestamp_ms"])
	}
	for _, key := range []string{"server_timestamp_ms", "recommended_offset_ms"} {
		if _, ok := update.Fields[key]; !ok {
			t.Fatalf("sample missing %s", key)
		}
	}
}

func TestStreamTimeSyncRequiresSampler(t *testing.T) {
	service := NewService(nil, time.Second, logging.NewTestLogger())
	err := service.StreamTimeSync(nil, &syncStreamStub{ctx: context.Background()})
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("err = %v, want Unavailable", err)
	}
}
