package spectator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	structpb "google.golang.org/protobuf/types/known/structpb"

	"termarena/server/internal/game"
	"termarena/server/internal/rpc"
)

func frameEvent(eventType string, data map[string]any) game.Event {
	return game.Event{Type: eventType, Data: data}
}

const frameStreamRateHz = 20

// tickerFactory constructs cancellable tick channels for throttled streaming.
type tickerFactory func(time.Duration) (<-chan time.Time, func())

func defaultTickerFactory(interval time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(interval)
	return ticker.C, ticker.Stop
}

// ServiceOption customises the streaming service.
type ServiceOption func(*FeedService)

// WithCompressor overrides the default snappy frame compressor.
func WithCompressor(compressor Compressor) ServiceOption {
	return func(s *FeedService) {
		if compressor != nil {
			s.compressor = compressor
		}
	}
}

// WithTickerFactory overrides the throttling ticker, used in tests.
func WithTickerFactory(factory tickerFactory) ServiceOption {
	return func(s *FeedService) {
		if factory != nil {
			s.newTicker = factory
		}
	}
}

// FeedService streams spectator frames over gRPC. Frames travel as Struct
// messages holding sequencing metadata plus a compressed snapshot payload.
type FeedService struct {
	feed       *Feed
	compressor Compressor
	newTicker  tickerFactory
}

// NewFeedService wires the live feed into the gRPC transport.
func NewFeedService(feed *Feed, opts ...ServiceOption) *FeedService {
	service := &FeedService{
		feed:       feed,
		compressor: NewSnappyCompressor(),
		newTicker:  defaultTickerFactory,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service
}

// StreamFrames subscribes the caller to the feed and relays frames at a
// throttled cadence. Delivered frames are acknowledged on behalf of the
// watcher, so a reconnect resumes where the stream broke.
func (s *FeedService) StreamFrames(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if s == nil || s.feed == nil {
		return status.Error(codes.FailedPrecondition, "spectator feed unavailable")
	}
	watcherID := "grpc-watcher"
	if req != nil {
		if field, ok := req.Fields["watcher_id"]; ok && field.GetStringValue() != "" {
			watcherID = field.GetStringValue()
		}
	}

	ctx := stream.Context()
	subscription, err := s.feed.Subscribe(ctx, watcherID, 64)
	if err != nil {
		return status.Errorf(codes.Internal, "subscribe feed: %v", err)
	}
	defer subscription.Close()

	tickCh, stop := s.newTicker(time.Second / frameStreamRateHz)
	defer stop()

	var pending []*Frame
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case frame, ok := <-subscription.Frames():
			if !ok {
				return nil
			}
			//1.- Buffer live frames so the throttle decides the send cadence.
			pending = append(pending, frame)
		case <-tickCh:
			if len(pending) == 0 {
				continue
			}
			frame := pending[0]
			pending = pending[1:]
			message, err := s.encodeFrame(frame)
			if err != nil {
				return status.Errorf(codes.Internal, "encode frame: %v", err)
			}
			if err := stream.Send(message); err != nil {
				return err
			}
			//2.- Successful delivery advances the watcher's ack cursor.
			if err := subscription.Ack(frame.Sequence); err != nil && !errors.Is(err, ErrOutOfOrderAck) {
				return status.Errorf(codes.Internal, "ack frame: %v", err)
			}
		}
	}
}

// encodeFrame projects a frame into the wire Struct: sequencing metadata in
// clear plus the JSON snapshot compressed and base64-wrapped.
func (s *FeedService) encodeFrame(frame *Frame) (*structpb.Struct, error) {
	body, err := json.Marshal(map[string]any{
		"state":  frame.State,
		"events": frame.Events,
	})
	if err != nil {
		return nil, err
	}
	compressed, err := s.compressor.Compress(body)
	if err != nil {
		return nil, err
	}
	wire, err := json.Marshal(map[string]any{
		"sequence": frame.Sequence,
		"tick":     frame.Tick,
		"encoding": s.compressor.Name(),
		"payload":  base64.StdEncoding.EncodeToString(compressed),
	})
	if err != nil {
		return nil, err
	}
	message := new(structpb.Struct)
	if err := protojson.Unmarshal(wire, message); err != nil {
		return nil, err
	}
	return message, nil
}

// DecodeFrame reverses encodeFrame, for client tooling and tests.
func DecodeFrame(message *structpb.Struct, compressor Compressor) (*Frame, error) {
	if message == nil {
		return nil, fmt.Errorf("nil frame message")
	}
	if compressor == nil {
		compressor = NewSnappyCompressor()
	}
	fields := message.Fields
	if name := fields["encoding"].GetStringValue(); name != compressor.Name() {
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
	compressed, err := base64.StdEncoding.DecodeString(fields["payload"].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	body, err := compressor.Decompress(compressed)
	if err != nil {
		return nil, err
	}
	frame := &Frame{
		Sequence: uint64(fields["sequence"].GetNumberValue()),
		Tick:     uint64(fields["tick"].GetNumberValue()),
	}
	var decoded struct {
		State  map[string]any `json:"state"`
		Events []struct {
			Type string         `json:"type"`
			Data map[string]any `json:"data"`
		} `json:"events"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode frame body: %w", err)
	}
	frame.State = decoded.State
	for _, event := range decoded.Events {
		frame.Events = append(frame.Events, frameEvent(event.Type, event.Data))
	}
	return frame, nil
}

var _ rpc.SpectatorFeedServer = (*FeedService)(nil)
