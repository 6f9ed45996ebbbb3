// Package models defines the conversation data structures shared by the
// coordinator, the session and the published events.
package models

import "time"

// Role identifies who produced a piece of conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole maps a wire role to a Role. Unknown values return ok=false.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleUser, RoleAssistant, RoleSystem:
		return Role(s), true
	default:
		return "", false
	}
}

// ConversationItem is a finalized turn. Items are appended in finalization
// order and never modified afterwards.
type ConversationItem struct {
	ItemID      string    `json:"itemId"`
	Role        Role      `json:"role"`
	Text        string    `json:"text"`
	FinalizedAt time.Time `json:"finalizedAt"`
}

// MessageStatus is the render state of a UI message.
type MessageStatus int

const (
	// StatusPlaceholder - user started speaking, nothing transcribed yet.
	StatusPlaceholder MessageStatus = iota
	// StatusTranscribing - speech stopped, waiting for the transcript.
	StatusTranscribing
	// StatusPartial - partial transcript text is available.
	StatusPartial
	// StatusStreaming - assistant text is still arriving.
	StatusStreaming
	// StatusFinal - content will not change again.
	StatusFinal
)

func (s MessageStatus) String() string {
	switch s {
	case StatusPlaceholder:
		return "placeholder"
	case StatusTranscribing:
		return "transcribing"
	case StatusPartial:
		return "partial"
	case StatusStreaming:
		return "streaming"
	case StatusFinal:
		return "final"
	default:
		return "unknown"
	}
}

// MarshalText lets statuses render as strings in JSON.
func (s MessageStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Sequence orders messages by creation. AtMs never decreases and N strictly
// increases within one generator.
type Sequence struct {
	AtMs int64  `json:"atMs"`
	N    uint64 `json:"n"`
}

// Compare returns -1, 0 or 1.
func (s Sequence) Compare(o Sequence) int {
	switch {
	case s.AtMs < o.AtMs:
		return -1
	case s.AtMs > o.AtMs:
		return 1
	case s.N < o.N:
		return -1
	case s.N > o.N:
		return 1
	default:
		return 0
	}
}

// Message is one entry of the rendered conversation.
type Message struct {
	ID        string        `json:"id"`
	ItemID    string        `json:"itemId,omitempty"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
	Sequence  Sequence      `json:"sequence"`
	Status    MessageStatus `json:"status"`
	// Revision counts partial updates applied to a placeholder.
	Revision int `json:"revision"`
}
