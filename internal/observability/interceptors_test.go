package observability

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"conversation-stream-coordinator/internal/observability/metrics"
)

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f fakeStream) Context() context.Context { return f.ctx }

func TestStreamServerInterceptor_PassesThrough(t *testing.T) {
	interceptor := StreamServerInterceptor(metrics.DefaultMetrics)
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(SessionMetadataKey, "sess-1"))

	wantErr := errors.New("boom")
	called := false
	err := interceptor(nil, fakeStream{ctx: ctx}, &grpc.StreamServerInfo{FullMethod: "/x/Stream"},
		func(srv any, ss grpc.ServerStream) error {
			called = true
			if got := sessionID(ss.Context()); got != "sess-1" {
				t.Errorf("sessionID = %q, want sess-1", got)
			}
			return wantErr
		})

	if !called {
		t.Error("handler not called")
	}
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestUnaryServerInterceptor_ReturnsResponse(t *testing.T) {
	interceptor := UnaryServerInterceptor()
	resp, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: "/x/Check"},
		func(ctx context.Context, req any) (any, error) { return "resp", nil })
	if err != nil || resp != "resp" {
		t.Errorf("got %v, %v", resp, err)
	}
}

func TestSessionID_NoMetadata(t *testing.T) {
	if got := sessionID(context.Background()); got != "" {
		t.Errorf("sessionID = %q, want empty", got)
	}
}
