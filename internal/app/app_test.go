package app

import (
	"testing"

	"conversation-stream-coordinator/internal/config"
)

func TestApplication_Lifecycle(t *testing.T) {
	a := New(config.Load())

	if a.Ready() {
		t.Error("expected not ready before Start")
	}
	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !a.Ready() {
		t.Error("expected ready after Start")
	}
	if a.StartupTime.IsZero() {
		t.Error("expected startup time to be set")
	}
	a.Shutdown()
	if a.Ready() {
		t.Error("expected not ready after Shutdown")
	}
}

func TestNew_NilConfig(t *testing.T) {
	if a := New(nil); a == nil {
		t.Fatal("expected application")
	}
}
