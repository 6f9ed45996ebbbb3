package ingest

// Category is the routing target of an event.
type Category int

const (
	CategoryIgnore Category = iota
	CategoryTranscription
	CategoryMessage
	CategoryConnectionState
)

func (c Category) String() string {
	switch c {
	case CategoryTranscription:
		return "transcription"
	case CategoryMessage:
		return "message"
	case CategoryConnectionState:
		return "connection_state"
	default:
		return "ignore"
	}
}

var categories = map[string]Category{
	TypeInputTranscriptionDelta:     CategoryTranscription,
	TypeInputTranscriptionCompleted: CategoryTranscription,
	TypeInputTranscriptionFailed:    CategoryTranscription,
	TypeAudioTranscriptDelta:        CategoryTranscription,
	TypeAudioTranscriptDone:         CategoryTranscription,
	TypeOutputAudioTranscriptDelta:  CategoryTranscription,
	TypeOutputAudioTranscriptDone:   CategoryTranscription,
	TypeTextDelta:                   CategoryTranscription,
	TypeTextDone:                    CategoryTranscription,
	TypeOutputTextDelta:             CategoryTranscription,
	TypeOutputTextDone:              CategoryTranscription,

	TypeItemCreated:         CategoryMessage,
	TypeItemAdded:           CategoryMessage,
	TypeItemDone:            CategoryMessage,
	TypeBufferCommitted:     CategoryMessage,
	TypeBufferSpeechStarted: CategoryMessage,
	TypeBufferSpeechStopped: CategoryMessage,
	TypeResponseCreated:     CategoryMessage,
	TypeResponseDone:        CategoryMessage,
	TypeAudioDelta:          CategoryMessage,
	TypeAudioDone:           CategoryMessage,
	TypeOutputAudioDelta:    CategoryMessage,
	TypeOutputAudioDone:     CategoryMessage,

	TypeSessionCreated:   CategoryConnectionState,
	TypeSessionUpdated:   CategoryConnectionState,
	TypeError:            CategoryConnectionState,
	TypeConnectionOpened: CategoryConnectionState,
	TypeConnectionClosed: CategoryConnectionState,
}

// Classify maps an event type to its category. Unknown types are ignored.
func Classify(eventType string) Category {
	return categories[eventType]
}

// IsDelta reports whether the type carries incremental transcript text.
func IsDelta(eventType string) bool {
	switch eventType {
	case TypeInputTranscriptionDelta, TypeAudioTranscriptDelta, TypeOutputAudioTranscriptDelta,
		TypeTextDelta, TypeOutputTextDelta:
		return true
	}
	return false
}

// IsAudio reports whether the type carries assistant audio.
func IsAudio(eventType string) bool {
	switch eventType {
	case TypeAudioDelta, TypeAudioDone, TypeOutputAudioDelta, TypeOutputAudioDone:
		return true
	}
	return false
}
