package models

// TurnFinalized is published once per finalized conversation item.
type TurnFinalized struct {
	EventType string `json:"eventType" jsonschema:"required"`
	SessionID string `json:"sessionId" jsonschema:"required"`
	ItemID    string `json:"itemId" jsonschema:"required"`
	Role      Role   `json:"role" jsonschema:"required,enum=user,enum=assistant,enum=system"`
	Text      string `json:"text"`
	// Reason is "completed" when the server finished the transcript and
	// "timeout" when the last partial was flushed.
	Reason    string `json:"reason" jsonschema:"required,enum=completed,enum=timeout,enum=failed"`
	Timestamp int64  `json:"timestamp" jsonschema:"required"`
}

// ResponseRequested is published when a commit opens the response gate.
type ResponseRequested struct {
	EventType    string   `json:"eventType" jsonschema:"required"`
	SessionID    string   `json:"sessionId" jsonschema:"required"`
	CommitNumber int      `json:"commitNumber" jsonschema:"required"`
	ItemIDs      []string `json:"itemIds"`
	Timestamp    int64    `json:"timestamp" jsonschema:"required"`
}

const (
	EventTypeTurnFinalized     = "conversation.turn.finalized"
	EventTypeResponseRequested = "conversation.response.requested"
)
