// Package rpc serves feed metrics over gRPC. Messages are protobuf
// well-known types, so the service descriptor is declared here rather than
// generated; proto/feed/v1/feed.proto documents the same contract.
package rpc

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "feed.v1.FeedService"

	snapshotMethod     = "/" + ServiceName + "/Snapshot"
	watchMetricsMethod = "/" + ServiceName + "/WatchMetrics"
)

// FeedServiceServer is the server API for FeedService.
type FeedServiceServer interface {
	Snapshot(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	WatchMetrics(*wrapperspb.StringValue, grpc.ServerStreamingServer[structpb.Struct]) error
}

// RegisterFeedServiceServer registers srv on s.
func RegisterFeedServiceServer(s grpc.ServiceRegistrar, srv FeedServiceServer) {
	s.RegisterService(&FeedServiceDesc, srv)
}

func snapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FeedServiceServer).Snapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: snapshotMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FeedServiceServer).Snapshot(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func watchMetricsHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(FeedServiceServer).WatchMetrics(in, &grpc.GenericServerStream[wrapperspb.StringValue, structpb.Struct]{ServerStream: stream})
}

// FeedServiceDesc is the grpc.ServiceDesc for FeedService.
var FeedServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FeedServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Snapshot", Handler: snapshotHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchMetrics", Handler: watchMetricsHandler, ServerStreams: true},
	},
	Metadata: "feed/v1/feed.proto",
}

// Client calls FeedService over an established connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Snapshot returns the current health document of feed.
func (c *Client) Snapshot(ctx context.Context, feed string, opts ...grpc.CallOption) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, snapshotMethod, wrapperspb.String(feed), out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// WatchMetrics calls fn with every metrics record the server sends for
// feed. It returns nil when the server ends the stream and the first
// transport or callback error otherwise.
func (c *Client) WatchMetrics(ctx context.Context, feed string, fn func(map[string]any) error, opts ...grpc.CallOption) error {
	cs, err := c.cc.NewStream(ctx, &FeedServiceDesc.Streams[0], watchMetricsMethod, opts...)
	if err != nil {
		return err
	}
	stream := &grpc.GenericClientStream[wrapperspb.StringValue, structpb.Struct]{ClientStream: cs}
	if err := stream.SendMsg(wrapperspb.String(feed)); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		m, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(m.AsMap()); err != nil {
			return err
		}
	}
}
