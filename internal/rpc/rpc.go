// Package rpc holds hand-maintained gRPC service descriptors for the
// streaming surfaces. Requests and responses are well-known Struct messages
// so no generated code is checked in.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	structpb "google.golang.org/protobuf/types/known/structpb"
)

const (
	// SpectatorFeedStreamFrames is the full method name of the spectator stream.
	SpectatorFeedStreamFrames = "/termarena.SpectatorFeed/StreamFrames"
	// TimeSyncStream is the full method name of the time sync stream.
	TimeSyncStream = "/termarena.TimeSync/StreamTimeSync"
)

// SpectatorFeedServer is implemented by the spectator streaming service.
type SpectatorFeedServer interface {
	StreamFrames(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// TimeSyncServer is implemented by the clock drift streaming service.
type TimeSyncServer interface {
	StreamTimeSync(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// RegisterSpectatorFeedServer attaches the spectator service to a gRPC server.
func RegisterSpectatorFeedServer(registrar grpc.ServiceRegistrar, srv SpectatorFeedServer) {
	registrar.RegisterService(&SpectatorFeedServiceDesc, srv)
}

// RegisterTimeSyncServer attaches the time sync service to a gRPC server.
func RegisterTimeSyncServer(registrar grpc.ServiceRegistrar, srv TimeSyncServer) {
	registrar.RegisterService(&TimeSyncServiceDesc, srv)
}

// SpectatorFeedServiceDesc describes the spectator feed streaming service.
var SpectatorFeedServiceDesc = grpc.ServiceDesc{
	ServiceName: "termarena.SpectatorFeed",
	HandlerType: (*SpectatorFeedServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamFrames",
			Handler:       spectatorFeedStreamFramesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "termarena/spectator.proto",
}

// TimeSyncServiceDesc describes the time sync streaming service.
var TimeSyncServiceDesc = grpc.ServiceDesc{
	ServiceName: "termarena.TimeSync",
	HandlerType: (*TimeSyncServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamTimeSync",
			Handler:       timeSyncStreamHandler,
			ServerStreams: true,
		},
	},
	Metadata: "termarena/timesync.proto",
}

func spectatorFeedStreamFramesHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	typed := &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream}
	return srv.(SpectatorFeedServer).StreamFrames(req, typed)
}

func timeSyncStreamHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	typed := &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream}
	return srv.(TimeSyncServer).StreamTimeSync(req, typed)
}

// SpectatorFeedClient consumes the spectator frame stream.
type SpectatorFeedClient interface {
	StreamFrames(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error)
}

type spectatorFeedClient struct {
	cc grpc.ClientConnInterface
}

// NewSpectatorFeedClient builds a client bound to the connection.
func NewSpectatorFeedClient(cc grpc.ClientConnInterface) SpectatorFeedClient {
	return &spectatorFeedClient{cc: cc}
}

func (c *spectatorFeedClient) StreamFrames(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &SpectatorFeedServiceDesc.Streams[0], SpectatorFeedStreamFrames, opts...)
	if err != nil {
		return nil, err
	}
	typed := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := typed.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := typed.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return typed, nil
}

// TimeSyncClient consumes the clock drift stream.
type TimeSyncClient interface {
	StreamTimeSync(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error)
}

type timeSyncClient struct {
	cc grpc.ClientConnInterface
}

// NewTimeSyncClient builds a client bound to the connection.
func NewTimeSyncClient(cc grpc.ClientConnInterface) TimeSyncClient {
	return &timeSyncClient{cc: cc}
}

func (c *timeSyncClient) StreamTimeSync(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &TimeSyncServiceDesc.Streams[0], TimeSyncStream, opts...)
	if err != nil {
		return nil, err
	}
	typed := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := typed.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := typed.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return typed, nil
}
