// Package ingest buffers inbound realtime events and classifies them.
package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"conversation-stream-coordinator/internal/models"
)

// ErrMalformedEvent is returned for events that cannot be routed.
var ErrMalformedEvent = errors.New("malformed event")

// Realtime API event types understood by the coordinator.
const (
	TypeInputTranscriptionDelta     = "conversation.item.input_audio_transcription.delta"
	TypeInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	TypeInputTranscriptionFailed    = "conversation.item.input_audio_transcription.failed"

	TypeAudioTranscriptDelta       = "response.audio_transcript.delta"
	TypeAudioTranscriptDone        = "response.audio_transcript.done"
	TypeOutputAudioTranscriptDelta = "response.output_audio_transcript.delta"
	TypeOutputAudioTranscriptDone  = "response.output_audio_transcript.done"
	TypeTextDelta                  = "response.text.delta"
	TypeTextDone                   = "response.text.done"
	TypeOutputTextDelta            = "response.output_text.delta"
	TypeOutputTextDone             = "response.output_text.done"

	TypeItemCreated = "conversation.item.created"
	TypeItemAdded   = "conversation.item.added"
	TypeItemDone    = "conversation.item.done"

	TypeBufferCommitted     = "input_audio_buffer.committed"
	TypeBufferSpeechStarted = "input_audio_buffer.speech_started"
	TypeBufferSpeechStopped = "input_audio_buffer.speech_stopped"

	TypeResponseCreated  = "response.created"
	TypeResponseDone     = "response.done"
	TypeAudioDelta       = "response.audio.delta"
	TypeAudioDone        = "response.audio.done"
	TypeOutputAudioDelta = "response.output_audio.delta"
	TypeOutputAudioDone  = "response.output_audio.done"

	TypeSessionCreated   = "session.created"
	TypeSessionUpdated   = "session.updated"
	TypeError            = "error"
	TypeConnectionOpened = "connection.opened"
	TypeConnectionClosed = "connection.closed"
)

// Event is one inbound realtime event. It is immutable once enqueued.
type Event struct {
	Type       string
	ItemID     string
	Role       models.Role
	Delta      string
	Transcript string
	ResponseID string
	// Message carries error text for error events.
	Message   string
	ArrivedAt time.Time

	seq uint64
}

// Seq returns the insertion order assigned by the queue.
func (e Event) Seq() uint64 {
	return e.seq
}

// EventFromFields maps a decoded JSON object to an Event. Only the type is
// required; routing decides later whether the rest is sufficient.
func EventFromFields(fields map[string]any) (Event, error) {
	typ, _ := fields["type"].(string)
	if typ == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	ev := Event{
		Type:       typ,
		ItemID:     firstString(fields, "item_id", "transcript_item_id"),
		Delta:      firstString(fields, "delta"),
		Transcript: firstString(fields, "transcript", "text"),
		ResponseID: firstString(fields, "response_id"),
	}

	role := firstString(fields, "role")
	if item, ok := fields["item"].(map[string]any); ok {
		if ev.ItemID == "" {
			ev.ItemID = firstString(item, "id")
		}
		if role == "" {
			role = firstString(item, "role")
		}
	}
	if errObj, ok := fields["error"].(map[string]any); ok {
		ev.Message = firstString(errObj, "message")
	}

	if r, ok := models.ParseRole(role); ok {
		ev.Role = r
	} else {
		ev.Role = defaultRole(typ)
	}
	return ev, nil
}

func defaultRole(typ string) models.Role {
	switch {
	case strings.HasPrefix(typ, "conversation.item.input_audio_transcription."),
		strings.HasPrefix(typ, "input_audio_buffer."):
		return models.RoleUser
	case strings.HasPrefix(typ, "response."):
		return models.RoleAssistant
	default:
		return ""
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
