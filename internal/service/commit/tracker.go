package commit

import (
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"conversation-stream-coordinator/internal/observability/logging"
	"conversation-stream-coordinator/internal/observability/metrics"
)

// Entry is one audio commit. Values returned by the Tracker are copies.
//
// State transitions:
//
//	CREATED → ITEMS_KNOWN → ALL_RESOLVED → RESPONSE_SENT
//	   │           │              │
//	   └───────────┴──────────────┴── AbandonAll() ──→ ABANDONED
//
// Rules:
//   - Items may attach until the commit is terminal.
//   - HasReceivedCommitAck latches once resolved == items and items is non-empty.
//   - The response fires once, when the ack and the user transcript are both in.
type Entry struct {
	CommitNumber           int       `json:"commitNumber"`
	CreatedAt              time.Time `json:"createdAt"`
	ItemIDs                []string  `json:"itemIds"`
	ResolvedItemIDs        []string  `json:"resolvedItemIds"`
	PendingResolvedItemIDs []string  `json:"pendingResolvedItemIds,omitempty"`

	AwaitingResponseCreate    bool `json:"awaitingResponseCreate"`
	HasReceivedCommitAck      bool `json:"hasReceivedCommitAck"`
	HasReceivedUserTranscript bool `json:"hasReceivedUserTranscript"`
	HasSentResponse           bool `json:"hasSentResponse"`

	State State `json:"state"`
}

// Decision is returned by every mutating Tracker call.
type Decision struct {
	Entry Entry `json:"entry"`
	// FireResponse is true exactly once per commit, on the call that opened
	// the gate.
	FireResponse bool `json:"fireResponse"`
	// Changed reports whether the call altered the commit.
	Changed bool `json:"changed"`
}

type entry struct {
	number    int
	createdAt time.Time
	items     []string
	resolved  map[string]struct{}
	pending   map[string]struct{}

	awaitingResponse bool
	ack              bool
	userTranscript   bool
	sent             bool
	abandoned        bool
}

func (e *entry) state() State {
	switch {
	case e.abandoned:
		return StateAbandoned
	case e.sent:
		return StateResponseSent
	case e.ack:
		return StateAllResolved
	case len(e.items) > 0:
		return StateItemsKnown
	default:
		return StateCreated
	}
}

func (e *entry) snapshot() Entry {
	out := Entry{
		CommitNumber:              e.number,
		CreatedAt:                 e.createdAt,
		ItemIDs:                   slices.Clone(e.items),
		AwaitingResponseCreate:    e.awaitingResponse,
		HasReceivedCommitAck:      e.ack,
		HasReceivedUserTranscript: e.userTranscript,
		HasSentResponse:           e.sent,
		State:                     e.state(),
	}
	for _, id := range e.items {
		if _, ok := e.resolved[id]; ok {
			out.ResolvedItemIDs = append(out.ResolvedItemIDs, id)
		}
		if _, ok := e.pending[id]; ok {
			out.PendingResolvedItemIDs = append(out.PendingResolvedItemIDs, id)
		}
	}
	return out
}

// Tracker owns every commit of a session. It is not safe for concurrent use.
type Tracker struct {
	now     func() time.Time
	next    int
	entries []*entry
	byItem  map[string]*entry

	// Signals that arrived before their item was attached.
	earlyResolved   map[string]struct{}
	earlyTranscript map[string]struct{}

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewTracker creates an empty tracker.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		now:             now,
		byItem:          make(map[string]*entry),
		earlyResolved:   make(map[string]struct{}),
		earlyTranscript: make(map[string]struct{}),
		logger:          logging.WithComponent("commit"),
		metrics:         metrics.DefaultMetrics,
	}
}

// Create starts a new commit with the next commit number.
func (t *Tracker) Create() Entry {
	t.next++
	e := &entry{
		number:    t.next,
		createdAt: t.now(),
		resolved:  make(map[string]struct{}),
		pending:   make(map[string]struct{}),
	}
	t.entries = append(t.entries, e)
	t.metrics.RecordCommitCreated()
	t.logger.Debug().Int("commitNumber", e.number).Msg("Commit created")
	return e.snapshot()
}

// AttachItem adds itemID to the given commit.
func (t *Tracker) AttachItem(commitNumber int, itemID string) (Decision, error) {
	e := t.find(commitNumber)
	if e == nil {
		return Decision{}, fmt.Errorf("%w: %d", ErrUnknownCommit, commitNumber)
	}
	return t.attach(e, itemID)
}

// AttachToOpen adds itemID to the newest commit that is still collecting
// items, creating one when none is open. Server-side turn detection commits
// without a local commit, which is why this creates on demand.
func (t *Tracker) AttachToOpen(itemID string) (Decision, error) {
	if itemID == "" {
		return Decision{}, ErrEmptyItemID
	}
	if e, ok := t.byItem[itemID]; ok {
		return Decision{Entry: e.snapshot()}, nil
	}
	e := t.open()
	if e == nil {
		t.Create()
		e = t.entries[len(t.entries)-1]
	}
	return t.attach(e, itemID)
}

// open returns the newest commit that has not latched its ack.
func (t *Tracker) open() *entry {
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := t.entries[i]
		if e.state().IsTerminal() || e.ack {
			continue
		}
		return e
	}
	return nil
}

func (t *Tracker) attach(e *entry, itemID string) (Decision, error) {
	if itemID == "" {
		return Decision{}, ErrEmptyItemID
	}
	if e.state().IsTerminal() {
		return Decision{Entry: e.snapshot()}, fmt.Errorf("%w: %d is %s", ErrCommitClosed, e.number, e.state())
	}
	if owner, ok := t.byItem[itemID]; ok {
		if owner != e {
			return Decision{Entry: e.snapshot()}, fmt.Errorf("item %s already attached to commit %d", itemID, owner.number)
		}
		return Decision{Entry: e.snapshot()}, nil
	}

	e.items = append(e.items, itemID)
	e.pending[itemID] = struct{}{}
	t.byItem[itemID] = e

	if _, ok := t.earlyResolved[itemID]; ok {
		delete(t.earlyResolved, itemID)
		t.resolve(e, itemID)
	}
	if _, ok := t.earlyTranscript[itemID]; ok {
		delete(t.earlyTranscript, itemID)
		e.userTranscript = true
	}
	return t.evaluate(e, true), nil
}

// ResolveItem marks itemID resolved. Resolving twice is a no-op. A resolution
// for an item not yet attached is applied when it attaches.
func (t *Tracker) ResolveItem(itemID string) Decision {
	if itemID == "" {
		return Decision{}
	}
	e, ok := t.byItem[itemID]
	if !ok {
		t.earlyResolved[itemID] = struct{}{}
		return Decision{}
	}
	changed := t.resolve(e, itemID)
	return t.evaluate(e, changed)
}

func (t *Tracker) resolve(e *entry, itemID string) bool {
	if _, done := e.resolved[itemID]; done {
		return false
	}
	if e.state().IsTerminal() {
		return false
	}
	delete(e.pending, itemID)
	e.resolved[itemID] = struct{}{}
	t.metrics.RecordItemResolved()
	return true
}

// SetUserTranscriptComplete sets the user-transcript flag on a commit.
// Once true it stays true.
func (t *Tracker) SetUserTranscriptComplete(commitNumber int, complete bool) (Decision, error) {
	e := t.find(commitNumber)
	if e == nil {
		return Decision{}, fmt.Errorf("%w: %d", ErrUnknownCommit, commitNumber)
	}
	changed := false
	if complete && !e.userTranscript && !e.state().IsTerminal() {
		e.userTranscript = true
		changed = true
	}
	return t.evaluate(e, changed), nil
}

// MarkUserTranscriptForItem sets the user-transcript flag on the commit
// owning itemID, or remembers it until the item attaches.
func (t *Tracker) MarkUserTranscriptForItem(itemID string) Decision {
	if itemID == "" {
		return Decision{}
	}
	e, ok := t.byItem[itemID]
	if !ok {
		t.earlyTranscript[itemID] = struct{}{}
		return Decision{}
	}
	d, _ := t.SetUserTranscriptComplete(e.number, true)
	return d
}

// evaluate latches the ack and opens the response gate when both inputs
// are present. It is the only place HasSentResponse is set.
func (t *Tracker) evaluate(e *entry, changed bool) Decision {
	if e.state().IsTerminal() {
		return Decision{Entry: e.snapshot(), Changed: changed}
	}
	if !e.ack && len(e.items) > 0 && len(e.resolved) == len(e.items) {
		e.ack = true
		changed = true
		t.logger.Debug().Int("commitNumber", e.number).Int("items", len(e.items)).Msg("Commit acknowledged")
	}
	e.awaitingResponse = e.ack && !e.userTranscript

	fire := false
	if e.ack && e.userTranscript && !e.sent {
		e.sent = true
		e.awaitingResponse = false
		fire = true
		changed = true
		t.logger.Info().Int("commitNumber", e.number).Msg("Commit ready, response may fire")
	}
	return Decision{Entry: e.snapshot(), FireResponse: fire, Changed: changed}
}

// Entry returns a copy of a commit.
func (t *Tracker) Entry(commitNumber int) (Entry, bool) {
	e := t.find(commitNumber)
	if e == nil {
		return Entry{}, false
	}
	return e.snapshot(), true
}

// EntryForItem returns the commit owning itemID.
func (t *Tracker) EntryForItem(itemID string) (Entry, bool) {
	e, ok := t.byItem[itemID]
	if !ok {
		return Entry{}, false
	}
	return e.snapshot(), true
}

// Entries returns copies of all commits in commit-number order.
func (t *Tracker) Entries() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.snapshot())
	}
	return out
}

// AbandonAll marks every non-terminal commit abandoned and forgets all
// commits. Abandoned commits are never retried. It returns how many were
// abandoned.
func (t *Tracker) AbandonAll() int {
	n := 0
	for _, e := range t.entries {
		if !e.state().IsTerminal() {
			e.abandoned = true
			e.awaitingResponse = false
			n++
		}
	}
	if n > 0 {
		t.metrics.RecordCommitsAbandoned(n)
		t.logger.Info().Int("abandoned", n).Msg("Abandoned open commits on teardown")
	}
	t.entries = nil
	t.byItem = make(map[string]*entry)
	t.earlyResolved = make(map[string]struct{})
	t.earlyTranscript = make(map[string]struct{})
	return n
}

func (t *Tracker) find(commitNumber int) *entry {
	for _, e := range t.entries {
		if e.number == commitNumber {
			return e
		}
	}
	return nil
}
