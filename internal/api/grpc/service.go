package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// The ingest service carries realtime events as google.protobuf.Struct, so
// it is described by hand instead of through generated stubs.
const (
	ServiceName    = "conversation.v1.EventIngest"
	streamMethod   = "/conversation.v1.EventIngest/Stream"
	SessionIDKey   = "x-session-id"
	sessionIDField = "session_id"
)

// EventIngestServer is the server API for the ingest service.
type EventIngestServer interface {
	Stream(EventIngest_StreamServer) error
}

// EventIngest_StreamServer is the server side of the client stream.
type EventIngest_StreamServer interface {
	SendAndClose(*structpb.Struct) error
	Recv() (*structpb.Struct, error)
	grpc.ServerStream
}

type eventIngestStreamServer struct {
	grpc.ServerStream
}

func (x *eventIngestStreamServer) SendAndClose(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func (x *eventIngestStreamServer) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(EventIngestServer).Stream(&eventIngestStreamServer{stream})
}

// ServiceDesc describes conversation.v1.EventIngest.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EventIngestServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       streamHandler,
			ClientStreams: true,
		},
	},
	Metadata: "conversation/v1/ingest.proto",
}

// EventIngest_StreamClient is the client side of the stream.
type EventIngest_StreamClient interface {
	Send(*structpb.Struct) error
	CloseAndRecv() (*structpb.Struct, error)
	grpc.ClientStream
}

type eventIngestStreamClient struct {
	grpc.ClientStream
}

func (x *eventIngestStreamClient) Send(m *structpb.Struct) error {
	return x.ClientStream.SendMsg(m)
}

func (x *eventIngestStreamClient) CloseAndRecv() (*structpb.Struct, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Client calls the ingest service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Stream opens an ingest stream.
func (c *Client) Stream(ctx context.Context, opts ...grpc.CallOption) (EventIngest_StreamClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], streamMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &eventIngestStreamClient{stream}, nil
}
