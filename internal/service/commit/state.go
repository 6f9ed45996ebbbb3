// Package commit tracks audio commits and decides when a response may fire.
package commit

import (
	"errors"
	"fmt"
)

// State represents the lifecycle state of a commit.
type State int

const (
	// StateCreated - Commit sent, no items known yet.
	StateCreated State = iota
	// StateItemsKnown - At least one item attached, not all resolved.
	StateItemsKnown
	// StateAllResolved - Every attached item resolved; the commit ack has latched.
	StateAllResolved
	// StateResponseSent - Response fired. Terminal and one-shot.
	StateResponseSent
	// StateAbandoned - Discarded on teardown without a response. Terminal.
	StateAbandoned
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateItemsKnown:
		return "ITEMS_KNOWN"
	case StateAllResolved:
		return "ALL_RESOLVED"
	case StateResponseSent:
		return "RESPONSE_SENT"
	case StateAbandoned:
		return "ABANDONED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal returns true if the state is terminal (RESPONSE_SENT or ABANDONED).
func (s State) IsTerminal() bool {
	return s == StateResponseSent || s == StateAbandoned
}

// Errors for invalid commit operations.
var (
	ErrCommitClosed  = errors.New("commit is closed")
	ErrUnknownCommit = errors.New("unknown commit")
	ErrNoOpenCommit  = errors.New("no open commit")
	ErrEmptyItemID   = errors.New("empty item id")
)
