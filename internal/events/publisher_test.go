package events

import (
	"context"
	"errors"
	"testing"

	"conversation-stream-coordinator/internal/models"
	"conversation-stream-coordinator/internal/schema"
)

func TestNew_DisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"disabled", &Config{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", &Config{Enabled: true, Brokers: []string{}}},
		{"empty brokers", &Config{Enabled: true, Brokers: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg)
			if p == nil {
				t.Fatal("expected non-nil publisher")
			}
			if p.enabled {
				t.Error("expected publisher to be disabled")
			}
			if p.writerTurns != nil || p.writerResponses != nil {
				t.Error("expected nil writers when disabled")
			}
		})
	}
}

func TestNew_ConfigValues(t *testing.T) {
	p := New(&Config{
		Enabled:        false,
		Brokers:        []string{"localhost:9092"},
		TopicTurns:     "test.turns",
		TopicResponses: "test.responses",
		Principal:      "test-principal",
	})

	if p.principal != "test-principal" {
		t.Errorf("expected principal 'test-principal', got %s", p.principal)
	}
	if p.topicTurns != "test.turns" {
		t.Errorf("expected turns topic 'test.turns', got %s", p.topicTurns)
	}
	if p.topicResponses != "test.responses" {
		t.Errorf("expected responses topic 'test.responses', got %s", p.topicResponses)
	}
}

func TestNew_EnabledBuildsWriters(t *testing.T) {
	p := New(&Config{
		Enabled:        true,
		Brokers:        []string{"localhost:9092"},
		TopicTurns:     "t",
		TopicResponses: "r",
	})
	defer p.Close()

	if !p.enabled {
		t.Fatal("expected publisher enabled")
	}
	if p.writerTurns.Topic != "t" || p.writerResponses.Topic != "r" {
		t.Errorf("writer topics = %q/%q, want t/r", p.writerTurns.Topic, p.writerResponses.Topic)
	}
}

func TestPublisher_PublishTurn_Disabled(t *testing.T) {
	p := New(&Config{Enabled: false, TopicTurns: "test.turns", Principal: "test-svc"})

	err := p.PublishTurn(context.Background(), models.TurnFinalized{
		EventType: models.EventTypeTurnFinalized,
		SessionID: "sess-1",
		ItemID:    "item_1",
		Role:      models.RoleUser,
		Text:      "hello world",
		Reason:    "completed",
		Timestamp: 1700000000000,
	})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestPublisher_PublishTurn_RejectsInvalid(t *testing.T) {
	p := New(&Config{Enabled: false})

	err := p.PublishTurn(context.Background(), models.TurnFinalized{
		EventType: models.EventTypeTurnFinalized,
		Text:      "no ids",
	})
	if !errors.Is(err, schema.ErrInvalidEvent) {
		t.Errorf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestPublisher_PublishResponseRequest_Disabled(t *testing.T) {
	p := New(&Config{Enabled: false})

	err := p.PublishResponseRequest(context.Background(), models.ResponseRequested{
		EventType:    models.EventTypeResponseRequested,
		SessionID:    "sess-1",
		CommitNumber: 1,
		ItemIDs:      []string{"item_1"},
		Timestamp:    1700000000000,
	})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestPublisher_Close_NoWriters(t *testing.T) {
	p := New(&Config{Enabled: false})

	if err := p.Close(); err != nil {
		t.Errorf("expected no error closing disabled publisher, got %v", err)
	}
}

func TestPublisher_Close_NilPublisher(t *testing.T) {
	p := &Publisher{}

	if err := p.Close(); err != nil {
		t.Errorf("expected no error closing publisher with nil writers, got %v", err)
	}
}
