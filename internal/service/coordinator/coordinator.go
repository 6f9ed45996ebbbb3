// Package coordinator drains inbound realtime events, finalizes transcripts
// and decides when a response may fire.
package coordinator

import (
	"time"

	"github.com/rs/zerolog"

	"conversation-stream-coordinator/internal/models"
	"conversation-stream-coordinator/internal/observability/logging"
	"conversation-stream-coordinator/internal/observability/metrics"
	"conversation-stream-coordinator/internal/service/clock"
	"conversation-stream-coordinator/internal/service/commit"
	"conversation-stream-coordinator/internal/service/ingest"
	"conversation-stream-coordinator/internal/service/transcript"
)

// ConnectionState is reported to the Sink for connection_state events.
type ConnectionState string

const (
	ConnectionOpened ConnectionState = "opened"
	ConnectionReady  ConnectionState = "ready"
	ConnectionError  ConnectionState = "error"
	ConnectionClosed ConnectionState = "closed"
)

// Sink receives the coordinator's outputs. Calls happen on the loop that
// calls Tick, never concurrently.
type Sink interface {
	// TranscriptDelta reports new partial text. text is the accumulated
	// partial for the item.
	TranscriptDelta(role models.Role, itemID, delta, text string)
	// ItemFinalized is called once per item.
	ItemFinalized(item models.ConversationItem, reason transcript.Reason)
	AudioDelta(itemID, responseID, payload string)
	AudioDone(itemID, responseID string)
	SpeechStarted(itemID string)
	SpeechStopped(itemID string)
	// ResponseReady is called once per commit when the response may fire.
	ResponseReady(entry commit.Entry)
	// ResponseDone is called when the upstream response completes.
	ResponseDone(responseID string)
	ConnectionState(state ConnectionState, detail string)
}

// Config tunes a Coordinator.
type Config struct {
	DebounceWindow time.Duration
	// Filter optionally rejects partial updates before they are debounced.
	Filter transcript.Filter
}

// Coordinator owns the ingestion queue, the debouncer and the commit
// tracker of one session. Everything except Enqueue must be called from the
// session loop.
type Coordinator struct {
	scheduler clock.Scheduler
	sink      Sink
	queue     *ingest.Queue
	debouncer *transcript.Debouncer
	commits   *commit.Tracker

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a Coordinator. Timer callbacks run through scheduler.
func New(cfg Config, scheduler clock.Scheduler, sink Sink) *Coordinator {
	c := &Coordinator{
		scheduler: scheduler,
		sink:      sink,
		queue:     ingest.NewQueue(scheduler.Now),
		commits:   commit.NewTracker(scheduler.Now),
		logger:    logging.WithComponent("coordinator"),
		metrics:   metrics.DefaultMetrics,
	}
	c.debouncer = transcript.New(scheduler,
		transcript.WithWindow(cfg.DebounceWindow),
		transcript.WithFilter(cfg.Filter),
		transcript.WithFinalizeHook(c.onFinalized),
	)
	return c
}

// Enqueue buffers an event. Safe from any goroutine.
func (c *Coordinator) Enqueue(ev ingest.Event) {
	c.queue.Enqueue(ev)
}

// Tick drains the queue once. It returns false when a drain was already in
// progress.
func (c *Coordinator) Tick() bool {
	return c.queue.Drain(c.dispatch)
}

// QueueLen returns the number of undrained events.
func (c *Coordinator) QueueLen() int {
	return c.queue.Len()
}

func (c *Coordinator) dispatch(ev ingest.Event) {
	cat := ingest.Classify(ev.Type)
	c.metrics.RecordDispatched(cat.String())

	switch cat {
	case ingest.CategoryTranscription:
		c.handleTranscription(ev)
	case ingest.CategoryMessage:
		c.handleMessage(ev)
	case ingest.CategoryConnectionState:
		c.handleConnectionState(ev)
	default:
		c.logger.Trace().Str("eventType", ev.Type).Msg("Ignoring event")
	}
}

// malformed drops ev. Malformed input is never fatal.
func (c *Coordinator) malformed(ev ingest.Event, reason string) {
	c.metrics.RecordMalformed(ev.Type)
	c.logger.Debug().
		Str("eventType", ev.Type).
		Str("reason", reason).
		Msg("Dropping malformed event")
}

func (c *Coordinator) handleTranscription(ev ingest.Event) {
	if ev.ItemID == "" {
		c.malformed(ev, "missing item id")
		return
	}
	role := ev.Role
	if role == "" {
		role = models.RoleAssistant
	}

	switch {
	case ingest.IsDelta(ev.Type):
		if c.debouncer.IsFinalized(ev.ItemID) {
			c.logger.Debug().Str("itemId", ev.ItemID).Msg("Delta after finalization ignored")
			return
		}
		text := c.debouncer.PendingText(ev.ItemID) + ev.Delta
		// Assistant streams pause between deltas; only their done event
		// finalizes them.
		pend := c.debouncer.SchedulePending
		if role != models.RoleUser {
			pend = c.debouncer.Track
		}
		if !pend(ev.ItemID, role, text) {
			return
		}
		c.sink.TranscriptDelta(role, ev.ItemID, ev.Delta, text)

	case ev.Type == ingest.TypeInputTranscriptionFailed:
		c.debouncer.Fail(ev.ItemID, role)

	default:
		c.debouncer.Finalize(ev.ItemID, role, ev.Transcript)
	}
}

// onFinalized runs once per item, for completed events and flushed partials
// alike.
func (c *Coordinator) onFinalized(item models.ConversationItem, reason transcript.Reason) {
	c.sink.ItemFinalized(item, reason)
	if item.Role == models.RoleUser {
		c.apply(c.commits.MarkUserTranscriptForItem(item.ItemID))
	}
}

func (c *Coordinator) handleMessage(ev ingest.Event) {
	switch ev.Type {
	case ingest.TypeBufferCommitted:
		if ev.ItemID == "" {
			c.malformed(ev, "commit ack without item id")
			return
		}
		d, err := c.commits.AttachToOpen(ev.ItemID)
		if err != nil {
			c.logger.Debug().Err(err).Str("itemId", ev.ItemID).Msg("Commit attach rejected")
			return
		}
		c.apply(d)

	case ingest.TypeItemCreated, ingest.TypeItemAdded:
		if ev.Role == models.RoleUser && ev.ItemID != "" {
			c.ResolveCommitItem(ev.ItemID)
		}

	case ingest.TypeBufferSpeechStarted:
		c.sink.SpeechStarted(ev.ItemID)

	case ingest.TypeBufferSpeechStopped:
		c.sink.SpeechStopped(ev.ItemID)

	case ingest.TypeAudioDelta, ingest.TypeOutputAudioDelta:
		if ev.ItemID == "" {
			c.malformed(ev, "audio without item id")
			return
		}
		c.sink.AudioDelta(ev.ItemID, ev.ResponseID, ev.Delta)

	case ingest.TypeAudioDone, ingest.TypeOutputAudioDone:
		if ev.ItemID == "" {
			c.malformed(ev, "audio done without item id")
			return
		}
		c.sink.AudioDone(ev.ItemID, ev.ResponseID)

	case ingest.TypeResponseDone:
		c.sink.ResponseDone(ev.ResponseID)

	default:
		c.logger.Trace().Str("eventType", ev.Type).Msg("Message event without handler")
	}
}

func (c *Coordinator) handleConnectionState(ev ingest.Event) {
	switch ev.Type {
	case ingest.TypeConnectionOpened:
		c.sink.ConnectionState(ConnectionOpened, "")
	case ingest.TypeSessionCreated, ingest.TypeSessionUpdated:
		c.sink.ConnectionState(ConnectionReady, ev.Type)
	case ingest.TypeError:
		c.logger.Warn().Str("message", ev.Message).Msg("Realtime API reported an error")
		c.sink.ConnectionState(ConnectionError, ev.Message)
	case ingest.TypeConnectionClosed:
		c.sink.ConnectionState(ConnectionClosed, ev.Message)
	}
}

// apply forwards a fired response to the sink.
func (c *Coordinator) apply(d commit.Decision) commit.Decision {
	if d.FireResponse {
		c.sink.ResponseReady(d.Entry)
	}
	return d
}

// CommitAudio records a local audio commit.
func (c *Coordinator) CommitAudio() commit.Entry {
	return c.commits.Create()
}

// AttachCommitItem attaches itemID to a specific commit.
func (c *Coordinator) AttachCommitItem(commitNumber int, itemID string) (commit.Decision, error) {
	d, err := c.commits.AttachItem(commitNumber, itemID)
	if err != nil {
		return d, err
	}
	return c.apply(d), nil
}

// ResolveCommitItem marks itemID resolved for its commit.
func (c *Coordinator) ResolveCommitItem(itemID string) commit.Decision {
	return c.apply(c.commits.ResolveItem(itemID))
}

// SetUserTranscriptComplete supplies the user-transcript signal for a commit.
func (c *Coordinator) SetUserTranscriptComplete(commitNumber int, complete bool) (commit.Decision, error) {
	d, err := c.commits.SetUserTranscriptComplete(commitNumber, complete)
	if err != nil {
		return d, err
	}
	return c.apply(d), nil
}

// Commits returns copies of all tracked commits.
func (c *Coordinator) Commits() []commit.Entry {
	return c.commits.Entries()
}

// Items returns finalized conversation items in finalization order.
func (c *Coordinator) Items() []models.ConversationItem {
	return c.debouncer.Items()
}

// PendingCount returns the number of items waiting on the debounce timer.
func (c *Coordinator) PendingCount() int {
	return c.debouncer.PendingCount()
}

// ClearState empties the queue, cancels every timer and discards pending,
// finalized and commit state. Open commits are abandoned, not retried.
func (c *Coordinator) ClearState() {
	dropped := c.queue.Clear()
	c.debouncer.Reset()
	abandoned := c.commits.AbandonAll()
	c.metrics.RecordStateClear()
	c.logger.Info().
		Int("droppedEvents", dropped).
		Int("abandonedCommits", abandoned).
		Msg("Coordinator state cleared")
}
