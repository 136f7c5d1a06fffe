// Package grpcapi exposes the session engine as a bidirectional gRPC stream.
//
// Frames travel as google.protobuf.BytesValue messages whose value is the
// compressed JSON frame used by the websocket transport, so both transports
// share one wire vocabulary.
package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"aiminigames/sessionsync/internal/recovery"
	"aiminigames/sessionsync/internal/registry"
	"aiminigames/sessionsync/internal/session"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "sessionsync.v1.SessionSync"
	// ConnectMethod is the full method name of the bidirectional stream.
	ConnectMethod = "/" + ServiceName + "/Connect"
)

// Metadata keys read from the stream header.
const (
	SessionIDKey     = "x-session-id"
	ParticipantIDKey = "x-participant-id"
	ResumeKey        = "x-resume-revision"
	EncodingKey      = "x-frame-encoding"
	SharedSecretKey  = "x-sessionsync-shared-secret"
)

// Engine is the slice of the session manager the stream drives.
type Engine interface {
	Attach(ctx context.Context, sessionID, participantID string, transport registry.Transport, opts ...session.AttachOption) (recovery.Plan, error)
	Detach(sessionID, participantID string, transport registry.Transport)
	HandleFrame(ctx context.Context, sessionID, participantID string, data []byte) error
}

// ConnectStream is the server side of the Connect stream.
type ConnectStream = grpc.BidiStreamingServer[wrapperspb.BytesValue, wrapperspb.BytesValue]

// ConnectClient is the client side of the Connect stream.
type ConnectClient = grpc.BidiStreamingClient[wrapperspb.BytesValue, wrapperspb.BytesValue]

// SessionSyncServer is implemented by Service.
type SessionSyncServer interface {
	Connect(ConnectStream) error
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(SessionSyncServer).Connect(&grpc.GenericServerStream[wrapperspb.BytesValue, wrapperspb.BytesValue]{ServerStream: stream})
}

// ServiceDesc describes the SessionSync service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionSyncServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "sessionsync/v1/sessionsync.proto",
}

// Register attaches srv to a gRPC server.
func Register(s grpc.ServiceRegistrar, srv SessionSyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client opens Connect streams against a remote engine.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established client connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Connect opens a bidirectional frame stream. Identity travels in ctx metadata.
func (c *Client) Connect(ctx context.Context, opts ...grpc.CallOption) (ConnectClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], ConnectMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[wrapperspb.BytesValue, wrapperspb.BytesValue]{ClientStream: stream}, nil
}
