// Package grpcapi exposes the event ingest stream over gRPC.
package grpcapi

import (
	"errors"
	"io"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"conversation-stream-coordinator/internal/observability/logging"
	"conversation-stream-coordinator/internal/service/ingest"
	"conversation-stream-coordinator/internal/service/session"
)

// Server feeds streamed events into registry sessions.
type Server struct {
	registry *session.Registry
	logger   zerolog.Logger
}

// Register adds the ingest service to g.
func Register(g *grpc.Server, registry *session.Registry) *Server {
	s := &Server{
		registry: registry,
		logger:   logging.WithComponent("grpc-ingest"),
	}
	g.RegisterService(&ServiceDesc, s)
	return s
}

// Stream receives events until the client closes its side, then acks with
// accepted and rejected counts. The session comes from the x-session-id
// header or the first message's session_id field and is created on demand.
func (s *Server) Stream(stream EventIngest_StreamServer) error {
	ctx := stream.Context()
	sessionID := sessionFromMetadata(stream)

	var (
		sess     *session.Session
		accepted int
		rejected int
	)
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		fields := msg.AsMap()

		if sess == nil {
			if sessionID == "" {
				sessionID, _ = fields[sessionIDField].(string)
			}
			var created bool
			sess, created, err = s.registry.GetOrCreate(sessionID)
			if errors.Is(err, session.ErrEmptySessionID) {
				return status.Error(codes.InvalidArgument, "missing session id")
			}
			if err != nil {
				return status.Errorf(codes.Internal, "create session: %v", err)
			}
			if created {
				logger := logging.WithSession(sessionID)
				logger.Info().Msg("Session created from ingest stream")
			}
		}

		ev, err := ingest.EventFromFields(fields)
		if err != nil {
			rejected++
			s.logger.Debug().Err(err).Str("sessionId", sessionID).Msg("Rejected streamed event")
			continue
		}
		sess.Enqueue(ev)
		accepted++

		if ctx.Err() != nil {
			return status.FromContextError(ctx.Err()).Err()
		}
	}

	ack, err := structpb.NewStruct(map[string]any{
		sessionIDField: sessionID,
		"accepted":     accepted,
		"rejected":     rejected,
	})
	if err != nil {
		return status.Errorf(codes.Internal, "build ack: %v", err)
	}
	logger := logging.WithSession(sessionID)
	logger.Info().
		Int("accepted", accepted).
		Int("rejected", rejected).
		Msg("Ingest stream completed")
	return stream.SendAndClose(ack)
}

func sessionFromMetadata(stream grpc.ServerStream) string {
	md, ok := metadata.FromIncomingContext(stream.Context())
	if !ok {
		return ""
	}
	if v := md.Get(SessionIDKey); len(v) > 0 {
		return v[0]
	}
	return ""
}
