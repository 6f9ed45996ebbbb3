// Package session runs one conversation: it owns the coordinator, the word
// timing reconstructor and the rendered timeline, and acts on their outputs.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"conversation-stream-coordinator/internal/models"
	"conversation-stream-coordinator/internal/observability/logging"
	"conversation-stream-coordinator/internal/observability/metrics"
	"conversation-stream-coordinator/internal/service/clock"
	"conversation-stream-coordinator/internal/service/commit"
	"conversation-stream-coordinator/internal/service/coordinator"
	"conversation-stream-coordinator/internal/service/ingest"
	"conversation-stream-coordinator/internal/service/ordering"
	"conversation-stream-coordinator/internal/service/timing"
	"conversation-stream-coordinator/internal/service/transcript"
)

// ErrClosed is returned by Run once the session has been closed.
var ErrClosed = errors.New("session closed")

// ErrRunning is returned by a second concurrent Run.
var ErrRunning = errors.New("session already running")

// Responder asks the upstream voice API for a response.
type Responder interface {
	CreateResponse(ctx context.Context, entry commit.Entry) error
}

// AudioCommitter is implemented by responders that also own the upstream
// input audio buffer.
type AudioCommitter interface {
	CommitAudio(ctx context.Context) error
}

// Publisher receives finalized turns and response requests.
type Publisher interface {
	PublishTurn(ctx context.Context, event models.TurnFinalized) error
	PublishResponseRequest(ctx context.Context, event models.ResponseRequested) error
}

// Options configures a Session. Zero values select defaults.
type Options struct {
	Coordinator   coordinator.Config
	WordDuration  time.Duration
	AudioFormat   timing.AudioFormat
	DrainInterval time.Duration
	// Scheduler overrides the loop scheduler, mostly for tests.
	Scheduler   clock.Scheduler
	Publisher   Publisher
	Responder   Responder
	IDGenerator func() string
}

// DefaultDrainInterval is how often Run drains the ingestion queue.
const DefaultDrainInterval = 20 * time.Millisecond

// Session is one conversation. Its state is mutated by the loop in Run, by
// timer callbacks and by the control methods below, all serialized by mu.
// Side effects that leave the process (responder, publisher) are collected
// while mu is held and run after it is released.
type Session struct {
	id string

	mu        sync.Mutex
	scheduler clock.Scheduler
	coord     *coordinator.Coordinator
	timing    *timing.Reconstructor
	timeline  *ordering.Timeline
	conn      coordinator.ConnectionState
	lastError string
	responses int

	// assistant items whose audio or text is complete; timings finalize
	// once both are.
	audioDone map[string]bool
	textDone  map[string]bool

	outbox []func(context.Context)

	publisher Publisher
	responder Responder
	interval  time.Duration

	tasks     chan func()
	done      chan struct{}
	stopped   chan struct{}
	started   atomic.Bool
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a session. Call Run to start draining events.
func New(id string, opts Options) (*Session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		publisher: opts.Publisher,
		responder: opts.Responder,
		interval:  opts.DrainInterval,
		audioDone: make(map[string]bool),
		textDone:  make(map[string]bool),
		tasks:     make(chan func(), 64),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logging.WithSession(id),
		metrics:   metrics.DefaultMetrics,
	}
	if s.interval <= 0 {
		s.interval = DefaultDrainInterval
	}

	inner := opts.Scheduler
	if inner == nil {
		inner = clock.NewLoopScheduler(s.post)
	}
	s.scheduler = &lockedScheduler{inner: inner, s: s}

	tOpts := []timing.Option{timing.WithClock(inner.Now)}
	if opts.WordDuration > 0 {
		tOpts = append(tOpts, timing.WithWordDuration(opts.WordDuration))
	}
	s.timing = timing.New(tOpts...)
	if opts.AudioFormat != (timing.AudioFormat{}) {
		f := opts.AudioFormat
		if err := s.timing.SetAudioFormat(f.Format, f.SampleRate, f.Channels); err != nil {
			cancel()
			return nil, err
		}
	}

	lOpts := []ordering.TimelineOption{ordering.WithTimelineClock(inner.Now)}
	if opts.IDGenerator != nil {
		lOpts = append(lOpts, ordering.WithIDGenerator(opts.IDGenerator))
	}
	s.timeline = ordering.NewTimeline(ordering.NewSequenceGenerator(inner.Now), lOpts...)
	s.coord = coordinator.New(opts.Coordinator, s.scheduler, s)
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// lockedScheduler runs timer callbacks under the session lock and flushes
// the outbox afterwards.
type lockedScheduler struct {
	inner clock.Scheduler
	s     *Session
}

func (l *lockedScheduler) Now() time.Time { return l.inner.Now() }

func (l *lockedScheduler) Schedule(delay time.Duration, fn func()) clock.CancelFunc {
	return l.inner.Schedule(delay, func() { l.s.locked(fn) })
}

// locked runs fn under mu, then performs the side effects it queued.
func (s *Session) locked(fn func()) {
	s.mu.Lock()
	fn()
	out := s.outbox
	s.outbox = nil
	s.mu.Unlock()

	for _, effect := range out {
		effect(s.ctx)
	}
}

func (s *Session) post(fn func()) {
	select {
	case s.tasks <- fn:
	case <-s.done:
	}
}

// Run drains the queue every drain interval and runs posted timer callbacks
// until ctx is cancelled or the session is closed. A session runs at most
// one loop; Run on a closed or running session returns immediately.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		select {
		case <-s.done:
			return ErrClosed
		default:
			return ErrRunning
		}
	}
	defer close(s.stopped)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("drainInterval", s.interval).Msg("Session loop started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return ErrClosed
		case <-ticker.C:
			s.Tick()
		case task := <-s.tasks:
			task()
		}
	}
}

// Enqueue buffers an inbound event. Safe from any goroutine.
func (s *Session) Enqueue(ev ingest.Event) {
	s.coord.Enqueue(ev)
}

// Tick drains the queue once.
func (s *Session) Tick() bool {
	var ok bool
	s.locked(func() { ok = s.coord.Tick() })
	return ok
}

// Close stops the loop, waits for it to return and cancels every timer.
// Safe to call twice. Must not be called from a timer callback.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		// Claiming the loop here keeps a late Run from starting at all.
		if !s.started.CompareAndSwap(false, true) {
			<-s.stopped
		}
		s.ClearState()
		s.logger.Info().Msg("Session closed")
	})
}

// ClearState discards every piece of conversation state, as on connection
// loss.
func (s *Session) ClearState() {
	s.locked(s.clear)
}

func (s *Session) clear() {
	s.coord.ClearState()
	s.timing.Reset()
	s.timeline.Reset()
	s.audioDone = make(map[string]bool)
	s.textDone = make(map[string]bool)
}

// CommitAudio records a local audio commit and forwards it upstream when the
// responder owns the input buffer.
func (s *Session) CommitAudio() commit.Entry {
	var e commit.Entry
	s.locked(func() {
		e = s.coord.CommitAudio()
		if c, ok := s.responder.(AudioCommitter); ok {
			s.outbox = append(s.outbox, func(ctx context.Context) {
				if err := c.CommitAudio(ctx); err != nil {
					s.logger.Error().Err(err).Int("commitNumber", e.CommitNumber).Msg("Failed to commit upstream audio")
				}
			})
		}
	})
	return e
}

// ResolveCommitItem marks itemID resolved for its commit.
func (s *Session) ResolveCommitItem(itemID string) commit.Decision {
	var d commit.Decision
	s.locked(func() { d = s.coord.ResolveCommitItem(itemID) })
	return d
}

// AttachCommitItem attaches itemID to commit commitNumber.
func (s *Session) AttachCommitItem(commitNumber int, itemID string) (commit.Decision, error) {
	var (
		d   commit.Decision
		err error
	)
	s.locked(func() { d, err = s.coord.AttachCommitItem(commitNumber, itemID) })
	return d, err
}

// SetUserTranscriptComplete supplies the user-transcript signal for a commit.
func (s *Session) SetUserTranscriptComplete(commitNumber int, complete bool) (commit.Decision, error) {
	var (
		d   commit.Decision
		err error
	)
	s.locked(func() { d, err = s.coord.SetUserTranscriptComplete(commitNumber, complete) })
	return d, err
}

// SetResponder replaces the responder, for transports that need the session
// as their event sink before they exist.
func (s *Session) SetResponder(r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responder = r
}

// SetAudioFormat changes the assistant audio format.
func (s *Session) SetAudioFormat(format string, sampleRate, channels int) error {
	var err error
	s.locked(func() { err = s.timing.SetAudioFormat(format, sampleRate, channels) })
	return err
}

// SetPlaybackPosition records the playback position of messageID and returns
// the active word index.
func (s *Session) SetPlaybackPosition(messageID string, position time.Duration) int {
	var idx int
	s.locked(func() { idx = s.timing.SetPlaybackPosition(messageID, position) })
	return idx
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	ID          string                         `json:"id"`
	Connection  coordinator.ConnectionState    `json:"connection,omitempty"`
	LastError   string                         `json:"lastError,omitempty"`
	QueueLen    int                            `json:"queueLen"`
	Pending     int                            `json:"pending"`
	Responses   int                            `json:"responses"`
	Messages    []models.Message               `json:"messages"`
	Items       []models.ConversationItem      `json:"items"`
	Commits     []commit.Entry                 `json:"commits"`
	Timings     map[string][]timing.WordTiming `json:"timings"`
	ActiveWords map[string]int                 `json:"activeWords"`
}

// Snapshot copies the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:          s.id,
		Connection:  s.conn,
		LastError:   s.lastError,
		QueueLen:    s.coord.QueueLen(),
		Pending:     s.coord.PendingCount(),
		Responses:   s.responses,
		Messages:    s.timeline.Messages(),
		Items:       s.coord.Items(),
		Commits:     s.coord.Commits(),
		Timings:     s.timing.Snapshot(),
		ActiveWords: s.timing.ActiveWords(),
	}
}

// Messages returns the ordered, deduplicated conversation.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline.Messages()
}

// Items returns finalized conversation items.
func (s *Session) Items() []models.ConversationItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coord.Items()
}

// Commits returns all tracked commits.
func (s *Session) Commits() []commit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coord.Commits()
}

// Timings returns the word timings of messageID.
func (s *Session) Timings(messageID string) []timing.WordTiming {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timing.Timings(messageID)
}

// Connection returns the last reported connection state.
func (s *Session) Connection() coordinator.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// The methods below implement coordinator.Sink and always run under mu.

func (s *Session) TranscriptDelta(role models.Role, itemID, delta, text string) {
	if role == models.RoleUser {
		s.timeline.UpdatePartial(itemID, text)
		return
	}
	m := s.timeline.AppendStreaming(role, itemID, delta)
	s.timing.AddTextDelta(m.ID, delta)
}

func (s *Session) ItemFinalized(item models.ConversationItem, reason transcript.Reason) {
	logger := logging.WithItem(s.id, item.ItemID)
	if item.Role == models.RoleUser {
		s.timeline.FinalizeUser(item.ItemID, item.Text)
	} else {
		m, prev := s.timeline.CompleteStreaming(item.Role, item.ItemID, item.Text)
		if prev != m.ID && !s.timing.Promote(prev, m.ID) {
			logger.Debug().Str("from", prev).Msg("No timing buffer to promote")
		}
		if len(s.timing.Timings(m.ID)) == 0 && item.Text != "" {
			s.timing.AddTextDelta(m.ID, item.Text)
		}
		s.textDone[item.ItemID] = true
		s.finalizeTiming(item.ItemID, false)
	}
	logger.Debug().Str("role", string(item.Role)).Str("reason", string(reason)).Msg("Turn finalized")

	ev := models.TurnFinalized{
		EventType: models.EventTypeTurnFinalized,
		SessionID: s.id,
		ItemID:    item.ItemID,
		Role:      item.Role,
		Text:      item.Text,
		Reason:    string(reason),
		Timestamp: item.FinalizedAt.UnixMilli(),
	}
	s.publish(func(ctx context.Context, p Publisher) error { return p.PublishTurn(ctx, ev) })
}

func (s *Session) AudioDelta(itemID, responseID, payload string) {
	id := s.assistantMessageID(itemID)
	if _, err := s.timing.AddAudioDelta(id, payload); err != nil {
		logger := logging.WithItem(s.id, itemID)
		logger.Debug().Err(err).Str("responseId", responseID).Msg("Dropping undecodable audio delta")
	}
}

func (s *Session) AudioDone(itemID, responseID string) {
	s.audioDone[itemID] = true
	s.finalizeTiming(itemID, false)
}

// ResponseDone closes timing for every assistant item the response left
// open, including text-only replies that never see audio done.
func (s *Session) ResponseDone(responseID string) {
	open := make(map[string]struct{}, len(s.textDone)+len(s.audioDone))
	for id := range s.textDone {
		open[id] = struct{}{}
	}
	for id := range s.audioDone {
		open[id] = struct{}{}
	}
	for id := range open {
		s.finalizeTiming(id, true)
	}
}

// assistantMessageID returns the message that audio for itemID belongs to,
// opening an empty streaming message when audio arrives before any text.
func (s *Session) assistantMessageID(itemID string) string {
	if id, ok := s.timeline.MessageIDForItem(itemID); ok {
		return id
	}
	return s.timeline.AppendStreaming(models.RoleAssistant, itemID, "").ID
}

func (s *Session) finalizeTiming(itemID string, force bool) {
	if !force && (!s.audioDone[itemID] || !s.textDone[itemID]) {
		return
	}
	delete(s.audioDone, itemID)
	delete(s.textDone, itemID)
	id, ok := s.timeline.MessageIDForItem(itemID)
	if !ok {
		return
	}
	s.timing.Finalize(id, nil)
}

func (s *Session) SpeechStarted(itemID string) {
	s.timeline.BeginPlaceholder()
}

func (s *Session) SpeechStopped(itemID string) {
	s.timeline.MarkTranscribing()
}

func (s *Session) ResponseReady(entry commit.Entry) {
	s.responses++
	logger := logging.WithCommit(s.id, entry.CommitNumber)
	logger.Info().
		Strs("itemIds", entry.ItemIDs).
		Msg("Response gate opened")

	responder := s.responder
	s.outbox = append(s.outbox, func(ctx context.Context) { s.fireResponse(ctx, responder, entry) })
	ev := models.ResponseRequested{
		EventType:    models.EventTypeResponseRequested,
		SessionID:    s.id,
		CommitNumber: entry.CommitNumber,
		ItemIDs:      entry.ItemIDs,
		Timestamp:    s.scheduler.Now().UnixMilli(),
	}
	s.publish(func(ctx context.Context, p Publisher) error { return p.PublishResponseRequest(ctx, ev) })
}

func (s *Session) fireResponse(ctx context.Context, responder Responder, entry commit.Entry) {
	ctx, span := tracer.Start(ctx, "fire response", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.Int("commit.number", entry.CommitNumber),
		attribute.StringSlice("commit.item_ids", entry.ItemIDs),
	))
	defer span.End()

	var err error
	if responder != nil {
		err = responder.CreateResponse(ctx, entry)
	}
	s.metrics.RecordResponseFired(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger := logging.WithCommit(s.id, entry.CommitNumber)
		logger.Error().Err(err).Msg("Failed to create response")
	}
}

func (s *Session) ConnectionState(state coordinator.ConnectionState, detail string) {
	s.conn = state
	switch state {
	case coordinator.ConnectionError:
		s.lastError = detail
	case coordinator.ConnectionClosed:
		s.logger.Warn().Str("detail", detail).Msg("Upstream connection closed, clearing state")
		s.clear()
	}
}

func (s *Session) publish(fn func(context.Context, Publisher) error) {
	if s.publisher == nil {
		return
	}
	p := s.publisher
	s.outbox = append(s.outbox, func(ctx context.Context) {
		if err := fn(ctx, p); err != nil {
			s.logger.Error().Err(err).Msg("Failed to publish event")
		}
	})
}
