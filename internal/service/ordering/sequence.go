// Package ordering keeps the rendered conversation ordered and free of
// duplicates.
package ordering

import (
	"cmp"
	"slices"
	"strings"
	"sync"
	"time"

	"conversation-stream-coordinator/internal/models"
)

// SequenceGenerator hands out creation-order sequence ids. Each session owns
// its own generator.
type SequenceGenerator struct {
	mu      sync.Mutex
	now     func() time.Time
	lastMs  int64
	counter uint64
}

// NewSequenceGenerator creates a generator reading time from now.
func NewSequenceGenerator(now func() time.Time) *SequenceGenerator {
	if now == nil {
		now = time.Now
	}
	return &SequenceGenerator{now: now}
}

// Next returns a sequence strictly greater than every previous one, even if
// the clock steps backwards.
func (g *SequenceGenerator) Next() models.Sequence {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms := g.now().UnixMilli()
	if ms < g.lastMs {
		ms = g.lastMs
	}
	g.lastMs = ms
	g.counter++
	return models.Sequence{AtMs: ms, N: g.counter}
}

// SortBySequence returns msgs ordered by sequence, message id breaking ties.
// The input is not modified.
func SortBySequence(msgs []models.Message) []models.Message {
	out := slices.Clone(msgs)
	slices.SortStableFunc(out, func(a, b models.Message) int {
		if c := a.Sequence.Compare(b.Sequence); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// DedupWindow is the timestamp distance within which two messages with the
// same role and content are considered the same message.
const DedupWindow = time.Second

// RemoveDuplicates drops messages that repeat an earlier message's role and
// trimmed content within DedupWindow. The first occurrence wins and input
// order is preserved. Only final messages collapse: a streaming message or
// the user placeholder may legitimately repeat a final's text while it is
// still being replaced, so those are always kept.
func RemoveDuplicates(msgs []models.Message) []models.Message {
	type key struct {
		role    models.Role
		content string
	}
	seen := make(map[key][]time.Time)
	out := make([]models.Message, 0, len(msgs))

	for _, m := range msgs {
		if m.Status != models.StatusFinal {
			out = append(out, m)
			continue
		}
		k := key{m.Role, strings.TrimSpace(m.Content)}
		if isDuplicate(seen[k], m.Timestamp) {
			continue
		}
		seen[k] = append(seen[k], m.Timestamp)
		out = append(out, m)
	}
	return out
}

func isDuplicate(kept []time.Time, ts time.Time) bool {
	for _, k := range kept {
		d := ts.Sub(k)
		if d < 0 {
			d = -d
		}
		if d < DedupWindow {
			return true
		}
	}
	return false
}
