package session

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"conversation-stream-coordinator/internal/observability/metrics"
)

var (
	// ErrSessionExists is returned by Add for a duplicate id.
	ErrSessionExists = errors.New("session already exists")
	// ErrEmptySessionID is returned for a blank session id.
	ErrEmptySessionID = errors.New("empty session id")
)

// Registry tracks live sessions and runs their loops.
type Registry struct {
	ctx  context.Context
	opts Options

	mu       sync.RWMutex
	sessions map[string]*Session
	metrics  *metrics.Metrics
}

// NewRegistry creates a registry. Sessions created on demand use opts, and
// their loops stop when ctx is cancelled.
func NewRegistry(ctx context.Context, opts Options) *Registry {
	return &Registry{
		ctx:      ctx,
		opts:     opts,
		sessions: make(map[string]*Session),
		metrics:  metrics.DefaultMetrics,
	}
}

// GetOrCreate returns the session for id, creating and starting it when
// missing. created reports whether a new session was made.
func (r *Registry) GetOrCreate(id string) (s *Session, created bool, err error) {
	if id == "" {
		return nil, false, ErrEmptySessionID
	}
	if s, ok := r.Get(id); ok {
		return s, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false, nil
	}
	s, err = New(id, r.opts)
	if err != nil {
		return nil, false, err
	}
	r.start(s)
	return s, true, nil
}

// Add registers an already built session and starts its loop.
func (r *Registry) Add(s *Session) error {
	if s.ID() == "" {
		return ErrEmptySessionID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID()]; ok {
		return ErrSessionExists
	}
	r.start(s)
	return nil
}

// start must be called with r.mu held.
func (r *Registry) start(s *Session) {
	r.sessions[s.ID()] = s
	r.metrics.RecordSessionOpened()
	go func() {
		if err := s.Run(r.ctx); err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("sessionId", s.ID()).Msg("Session loop stopped")
		}
	}()
	log.Info().Str("sessionId", s.ID()).Msg("Session registered")
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove closes and forgets the session for id.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.Close()
	r.metrics.RecordSessionClosed()
	return true
}

// List returns the registered session ids in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close removes every session.
func (r *Registry) Close() {
	for _, id := range r.List() {
		r.Remove(id)
	}
}
