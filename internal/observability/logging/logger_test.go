package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestWithCommit_Fields(t *testing.T) {
	var buf bytes.Buffer
	orig := log.Logger
	log.Logger = log.Output(&buf)
	defer func() { log.Logger = orig }()

	l := WithCommit("sess-1", 3)
	l.Info().Msg("hello")

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if got["sessionId"] != "sess-1" {
		t.Errorf("expected sessionId sess-1, got %v", got["sessionId"])
	}
	if got["commitNumber"] != float64(3) {
		t.Errorf("expected commitNumber 3, got %v", got["commitNumber"])
	}
}

func TestInit_InvalidLevelFallsBackToInfo(t *testing.T) {
	Init(Config{Level: "nope", Format: "json", TimeFormat: DefaultConfig().TimeFormat})
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("expected info level, got %v", zerolog.GlobalLevel())
	}
}
