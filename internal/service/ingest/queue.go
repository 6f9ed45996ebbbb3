package ingest

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"conversation-stream-coordinator/internal/observability/logging"
	"conversation-stream-coordinator/internal/observability/metrics"
)

// DrainState is the re-entrancy state of a Queue.
type DrainState int32

const (
	StateIdle DrainState = iota
	StateDraining
)

func (s DrainState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateDraining:
		return "DRAINING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Queue buffers events between the transport and the coordinator.
// Enqueue is safe from any goroutine. Drain is meant for the owner loop and
// refuses to run re-entrantly.
type Queue struct {
	mu      sync.Mutex
	buf     []Event
	nextSeq uint64
	// generation changes on Clear so an in-flight drain stops dispatching.
	generation atomic.Uint64
	state      atomic.Int32

	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewQueue creates an empty queue stamping events with now.
func NewQueue(now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{
		now:     now,
		logger:  logging.WithComponent("ingest"),
		metrics: metrics.DefaultMetrics,
	}
}

// Enqueue appends ev. A zero ArrivedAt is stamped with the queue clock.
func (q *Queue) Enqueue(ev Event) {
	if ev.ArrivedAt.IsZero() {
		ev.ArrivedAt = q.now()
	}
	q.mu.Lock()
	q.nextSeq++
	ev.seq = q.nextSeq
	q.buf = append(q.buf, ev)
	q.mu.Unlock()
	q.metrics.RecordEnqueued()
}

// Drain dispatches every buffered event ordered by arrival time, insertion
// order breaking ties. It returns false without doing anything when another
// drain is in progress. Events enqueued during the drain wait for the next one.
func (q *Queue) Drain(dispatch func(Event)) bool {
	if !q.state.CompareAndSwap(int32(StateIdle), int32(StateDraining)) {
		q.metrics.RecordDrainSkipped()
		q.logger.Debug().Msg("Drain already in progress, skipping tick")
		return false
	}
	defer q.state.Store(int32(StateIdle))

	gen := q.generation.Load()
	q.mu.Lock()
	batch := q.buf
	q.buf = nil
	q.mu.Unlock()

	if len(batch) == 0 {
		return true
	}

	slices.SortStableFunc(batch, func(a, b Event) int {
		if c := a.ArrivedAt.Compare(b.ArrivedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})

	for _, ev := range batch {
		if q.generation.Load() != gen {
			q.logger.Debug().Msg("Queue cleared during drain, discarding remainder")
			return true
		}
		q.dispatch(dispatch, ev)
	}
	return true
}

func (q *Queue) dispatch(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			q.metrics.RecordDrainPanic()
			q.logger.Error().
				Str("eventType", ev.Type).
				Str("itemId", ev.ItemID).
				Interface("panic", r).
				Msg("Recovered panic while dispatching event")
		}
	}()
	fn(ev)
}

// Clear discards buffered events and stops an in-flight drain. It returns the
// number of events discarded.
func (q *Queue) Clear() int {
	q.generation.Add(1)
	q.mu.Lock()
	n := len(q.buf)
	q.buf = nil
	q.mu.Unlock()
	return n
}

// Len returns the number of buffered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// State returns the current drain state.
func (q *Queue) State() DrainState {
	return DrainState(q.state.Load())
}
