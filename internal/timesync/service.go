// Package timesync streams clock drift samples so clients can align their
// shot timestamps with the authoritative simulation.
package timesync

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	structpb "google.golang.org/protobuf/types/known/structpb"

	"termarena/server/internal/logging"
	"termarena/server/internal/rpc"
)

// Sampler produces one drift measurement: the wall clock, the simulated
// clock derived from the tick counter, and the offset a client should apply.
type Sampler interface {
	Sample() (serverMs, simulatedMs, offsetMs int64)
}

// TickSource exposes the current simulation tick.
type TickSource interface {
	Tick() uint64
}

// SimSampler derives the simulated clock from a tick source at a fixed rate.
type SimSampler struct {
	ticks    TickSource
	tickRate float64
	now      func() time.Time
}

// NewSimSampler builds a sampler for a simulation running at tickRate Hz.
func NewSimSampler(ticks TickSource, tickRate float64) *SimSampler {
	if tickRate <= 0 {
		tickRate = 60
	}
	return &SimSampler{ticks: ticks, tickRate: tickRate, now: time.Now}
}

// Sample reports the wall clock, the tick-derived clock, and their offset.
func (s *SimSampler) Sample() (int64, int64, int64) {
	if s == nil || s.ticks == nil {
		return 0, 0, 0
	}
	serverMs := s.now().UnixMilli()
	simulatedMs := int64(float64(s.ticks.Tick()) / s.tickRate * 1000)
	return serverMs, simulatedMs, serverMs - simulatedMs
}

// Service streams drift samples over gRPC at a fixed cadence.
type Service struct {
	sampler  Sampler
	interval time.Duration
	log      *logging.Logger
}

// NewService wires the sampler into the gRPC transport.
func NewService(sampler Sampler, interval time.Duration, logger *logging.Logger) *Service {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Service{sampler: sampler, interval: interval, log: logger}
}

// StreamTimeSync pushes drift samples to the caller: one immediately to
// minimise startup skew, then one per interval.
func (s *Service) StreamTimeSync(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if s == nil || s.sampler == nil {
		return status.Error(codes.Unavailable, "time sync service unavailable")
	}
	clientID := "grpc-client"
	if req != nil {
		if field, ok := req.Fields["client_id"]; ok && field.GetStringValue() != "" {
			clientID = field.GetStringValue()
		}
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if err := s.sendSample(stream, clientID); err != nil {
		return err
	}
	for {
		select {
		case <-stream.Context().Done():
			if errors.Is(stream.Context().Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return stream.Context().Err()
		case <-ticker.C:
			if err := s.sendSample(stream, clientID); err != nil {
				return err
			}
		}
	}
}

func (s *Service) sendSample(stream grpc.ServerStreamingServer[structpb.Struct], clientID string) error {
	serverMs, simulatedMs, offsetMs := s.sampler.Sample()
	update, err := structpb.NewStruct(map[string]any{
		"server_timestamp_ms":    serverMs,
		"simulated_timestamp_ms": simulatedMs,
		"recommended_offset_ms":  offsetMs,
	})
	if err != nil {
		return status.Errorf(codes.Internal, "encode sample: %v", err)
	}
	if err := stream.Send(update); err != nil {
		return err
	}
	s.log.Debug("time drift sample sent",
		logging.String("client_id", clientID),
		logging.Int64("offset_ms", offsetMs))
	return nil
}

var _ rpc.TimeSyncServer = (*Service)(nil)
