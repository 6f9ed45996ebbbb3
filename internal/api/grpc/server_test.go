package grpcapi

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"conversation-stream-coordinator/internal/service/coordinator"
	"conversation-stream-coordinator/internal/service/session"
)

func startServer(t *testing.T) (*Client, *session.Registry) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	registry := session.NewRegistry(ctx, session.Options{
		Coordinator:   coordinator.Config{DebounceWindow: 10 * time.Millisecond},
		DrainInterval: 2 * time.Millisecond,
	})

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, registry)
	go srv.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
		registry.Close()
		cancel()
	})
	return NewClient(conn), registry
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	return s
}

func TestStream_FeedsSession(t *testing.T) {
	client, registry := startServer(t)

	ctx := metadata.AppendToOutgoingContext(context.Background(), SessionIDKey, "sess-1")
	stream, err := client.Stream(ctx)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	msgs := []map[string]any{
		{"type": "conversation.item.input_audio_transcription.delta", "item_id": "item_1", "delta": "hello"},
		{"item_id": "item_1"},
		{"type": "conversation.item.input_audio_transcription.completed", "item_id": "item_1", "transcript": "hello world"},
	}
	for _, m := range msgs {
		if err := stream.Send(mustStruct(t, m)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	ack, err := stream.CloseAndRecv()
	if err != nil {
		t.Fatalf("CloseAndRecv: %v", err)
	}

	fields := ack.AsMap()
	if fields["session_id"] != "sess-1" {
		t.Errorf("ack session_id = %v", fields["session_id"])
	}
	if fields["accepted"] != float64(2) || fields["rejected"] != float64(1) {
		t.Errorf("ack counts = %v/%v, want 2/1", fields["accepted"], fields["rejected"])
	}

	sess, ok := registry.Get("sess-1")
	if !ok {
		t.Fatal("expected session to be created")
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(sess.Items()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	items := sess.Items()
	if len(items) != 1 || items[0].Text != "hello world" {
		t.Errorf("items = %+v, want one 'hello world'", items)
	}
}

func TestStream_SessionIDFromField(t *testing.T) {
	client, registry := startServer(t)

	stream, err := client.Stream(context.Background())
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if err := stream.Send(mustStruct(t, map[string]any{"type": "session.created", "session_id": "from-field"})); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := stream.CloseAndRecv(); err != nil {
		t.Fatalf("CloseAndRecv: %v", err)
	}
	if _, ok := registry.Get("from-field"); !ok {
		t.Error("expected session from session_id field")
	}
}

func TestStream_MissingSessionID(t *testing.T) {
	client, _ := startServer(t)

	stream, err := client.Stream(context.Background())
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if err := stream.Send(mustStruct(t, map[string]any{"type": "session.created"})); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_, err = stream.CloseAndRecv()
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument, got %v", err)
	}
}
