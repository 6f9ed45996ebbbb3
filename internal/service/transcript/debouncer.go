// Package transcript turns partial transcript deltas into finalized
// conversation items, each exactly once.
package transcript

import (
	"time"

	"github.com/rs/zerolog"

	"conversation-stream-coordinator/internal/models"
	"conversation-stream-coordinator/internal/observability/logging"
	"conversation-stream-coordinator/internal/observability/metrics"
	"conversation-stream-coordinator/internal/service/clock"
)

// DefaultWindow is how long a partial may sit without a completed event
// before it is flushed as final.
const DefaultWindow = 150 * time.Millisecond

// Reason explains why an item was finalized.
type Reason string

const (
	ReasonCompleted Reason = "completed"
	ReasonTimeout   Reason = "timeout"
	ReasonFailed    Reason = "failed"
)

// Filter may reject a pending update before it is scheduled.
type Filter func(itemID string, role models.Role, text string) bool

// FinalizeHook observes first-time finalizations.
type FinalizeHook func(item models.ConversationItem, reason Reason)

// Pending is the in-flight partial for one item.
type Pending struct {
	ItemID     string
	Role       models.Role
	Text       string
	ReceivedAt time.Time

	cancel clock.CancelFunc
}

// Debouncer owns pending transcripts, the finalized item set and the list
// of finalized conversation items. It is not safe for concurrent use; the
// session loop is its only caller.
type Debouncer struct {
	scheduler  clock.Scheduler
	window     time.Duration
	filter     Filter
	onFinalize FinalizeHook

	pending   map[string]*Pending
	finalized map[string]struct{}
	text      map[string]string
	items     []models.ConversationItem

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithWindow overrides DefaultWindow.
func WithWindow(d time.Duration) Option {
	return func(db *Debouncer) {
		if d > 0 {
			db.window = d
		}
	}
}

// WithFilter installs a predicate applied by SchedulePending.
func WithFilter(f Filter) Option {
	return func(db *Debouncer) { db.filter = f }
}

// WithFinalizeHook registers a hook called once per finalized item.
func WithFinalizeHook(h FinalizeHook) Option {
	return func(db *Debouncer) { db.onFinalize = h }
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(db *Debouncer) { db.logger = l }
}

// New creates a Debouncer driven by scheduler.
func New(scheduler clock.Scheduler, opts ...Option) *Debouncer {
	d := &Debouncer{
		scheduler: scheduler,
		window:    DefaultWindow,
		pending:   make(map[string]*Pending),
		finalized: make(map[string]struct{}),
		text:      make(map[string]string),
		logger:    logging.WithComponent("transcript"),
		metrics:   metrics.DefaultMetrics,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SchedulePending records text as the latest partial for itemID and restarts
// its debounce timer. It returns false when the update is dropped.
func (d *Debouncer) SchedulePending(itemID string, role models.Role, text string) bool {
	return d.update(itemID, role, text, true)
}

// Track records text as the latest partial for itemID without a timer. The
// item finalizes only through Finalize or Fail.
func (d *Debouncer) Track(itemID string, role models.Role, text string) bool {
	return d.update(itemID, role, text, false)
}

func (d *Debouncer) update(itemID string, role models.Role, text string, timed bool) bool {
	if itemID == "" {
		d.logger.Debug().Str("role", string(role)).Msg("Dropping partial without item id")
		return false
	}
	if _, done := d.finalized[itemID]; done {
		d.logger.Debug().Str("itemId", itemID).Msg("Ignoring partial for finalized item")
		return false
	}
	if d.filter != nil && !d.filter(itemID, role, text) {
		return false
	}

	p, ok := d.pending[itemID]
	if ok && p.cancel != nil {
		p.cancel()
	}
	if !ok {
		p = &Pending{ItemID: itemID}
		d.pending[itemID] = p
	}
	p.Role = role
	p.Text = text
	p.ReceivedAt = d.scheduler.Now()
	p.cancel = nil
	if timed {
		p.cancel = d.scheduler.Schedule(d.window, func() { d.flush(itemID) })
	}
	return true
}

// flush finalizes the last partial when no completed event arrived in time.
func (d *Debouncer) flush(itemID string) {
	p, ok := d.pending[itemID]
	if !ok {
		return
	}
	d.logger.Debug().
		Str("itemId", itemID).
		Dur("window", d.window).
		Msg("Debounce window elapsed, flushing partial as final")
	d.finalize(itemID, p.Role, p.Text, ReasonTimeout)
}

// Finalize records the final text for itemID. Only the first call for an
// item has any effect; it returns the appended item and true.
func (d *Debouncer) Finalize(itemID string, role models.Role, text string) (models.ConversationItem, bool) {
	return d.finalize(itemID, role, text, ReasonCompleted)
}

// Fail finalizes itemID with its last partial, or empty text when none
// arrived, so a failed transcription still closes the turn.
func (d *Debouncer) Fail(itemID string, role models.Role) (models.ConversationItem, bool) {
	text := ""
	if p, ok := d.pending[itemID]; ok {
		text = p.Text
		if role == "" {
			role = p.Role
		}
	}
	return d.finalize(itemID, role, text, ReasonFailed)
}

func (d *Debouncer) finalize(itemID string, role models.Role, text string, reason Reason) (models.ConversationItem, bool) {
	if itemID == "" {
		d.logger.Debug().Str("role", string(role)).Msg("Dropping final without item id")
		return models.ConversationItem{}, false
	}
	if _, done := d.finalized[itemID]; done {
		d.metrics.RecordDuplicate(string(role))
		d.logger.Debug().
			Str("itemId", itemID).
			Str("reason", string(reason)).
			Msg("Duplicate finalization absorbed")
		return models.ConversationItem{}, false
	}

	if p, ok := d.pending[itemID]; ok {
		if p.cancel != nil {
			p.cancel()
		}
		delete(d.pending, itemID)
	}

	d.finalized[itemID] = struct{}{}
	d.text[itemID] = text
	item := models.ConversationItem{
		ItemID:      itemID,
		Role:        role,
		Text:        text,
		FinalizedAt: d.scheduler.Now(),
	}
	d.items = append(d.items, item)
	d.metrics.RecordFinalized(string(role), string(reason))

	if d.onFinalize != nil {
		d.onFinalize(item, reason)
	}
	return item, true
}

// IsFinalized reports whether itemID has been finalized.
func (d *Debouncer) IsFinalized(itemID string) bool {
	_, ok := d.finalized[itemID]
	return ok
}

// Text returns the finalized text for itemID.
func (d *Debouncer) Text(itemID string) (string, bool) {
	t, ok := d.text[itemID]
	return t, ok
}

// PendingText returns the current partial for itemID, or "".
func (d *Debouncer) PendingText(itemID string) string {
	if p, ok := d.pending[itemID]; ok {
		return p.Text
	}
	return ""
}

// Pending returns a copy of the pending entry for itemID.
func (d *Debouncer) Pending(itemID string) (Pending, bool) {
	p, ok := d.pending[itemID]
	if !ok {
		return Pending{}, false
	}
	out := *p
	out.cancel = nil
	return out, true
}

// PendingCount returns the number of items awaiting finalization.
func (d *Debouncer) PendingCount() int {
	return len(d.pending)
}

// Items returns the finalized items in finalization order.
func (d *Debouncer) Items() []models.ConversationItem {
	out := make([]models.ConversationItem, len(d.items))
	copy(out, d.items)
	return out
}

// Reset cancels every timer and discards all state.
func (d *Debouncer) Reset() {
	for _, p := range d.pending {
		if p.cancel != nil {
			p.cancel()
		}
	}
	d.pending = make(map[string]*Pending)
	d.finalized = make(map[string]struct{})
	d.text = make(map[string]string)
	d.items = nil
}
