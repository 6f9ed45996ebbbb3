package ordering

import (
	"time"

	"github.com/google/uuid"

	"conversation-stream-coordinator/internal/models"
)

// Timeline owns the rendered message list of one session.
//
// User turns go through placeholder → transcribing → partial(N)* → final,
// each step replacing the same message in place. Assistant turns stream
// into one message per role and are re-keyed to their item id when done.
// It is not safe for concurrent use.
type Timeline struct {
	seq   *SequenceGenerator
	now   func() time.Time
	newID func() string

	order     []string
	byID      map[string]*models.Message
	byItem    map[string]string
	streaming map[models.Role]string

	placeholderID string
}

// TimelineOption configures a Timeline.
type TimelineOption func(*Timeline)

// WithIDGenerator overrides the provisional message id source.
func WithIDGenerator(fn func() string) TimelineOption {
	return func(t *Timeline) { t.newID = fn }
}

// WithTimelineClock sets the time source for message timestamps.
func WithTimelineClock(now func() time.Time) TimelineOption {
	return func(t *Timeline) { t.now = now }
}

// NewTimeline creates an empty timeline using seq for ordering.
func NewTimeline(seq *SequenceGenerator, opts ...TimelineOption) *Timeline {
	t := &Timeline{
		seq:       seq,
		now:       time.Now,
		newID:     uuid.NewString,
		byID:      make(map[string]*models.Message),
		byItem:    make(map[string]string),
		streaming: make(map[models.Role]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Timeline) create(role models.Role, status models.MessageStatus) *models.Message {
	m := &models.Message{
		ID:        t.newID(),
		Role:      role,
		Timestamp: t.now(),
		Sequence:  t.seq.Next(),
		Status:    status,
	}
	t.order = append(t.order, m.ID)
	t.byID[m.ID] = m
	return m
}

// rekey changes a message id in place, keeping its position.
func (t *Timeline) rekey(m *models.Message, newID string) {
	if newID == "" || newID == m.ID {
		return
	}
	if _, taken := t.byID[newID]; taken {
		return
	}
	old := m.ID
	delete(t.byID, old)
	m.ID = newID
	t.byID[newID] = m
	for i, id := range t.order {
		if id == old {
			t.order[i] = newID
			break
		}
	}
	for item, id := range t.byItem {
		if id == old {
			t.byItem[item] = newID
		}
	}
	for role, id := range t.streaming {
		if id == old {
			t.streaming[role] = newID
		}
	}
	if t.placeholderID == old {
		t.placeholderID = newID
	}
}

// advance moves m forward to status. Backward moves are ignored, and empty
// content never replaces existing content.
func advance(m *models.Message, status models.MessageStatus, content string) bool {
	if status < m.Status {
		return false
	}
	m.Status = status
	if content != "" || m.Content == "" {
		m.Content = content
	}
	return true
}

// BeginPlaceholder returns the user placeholder, creating it if needed.
func (t *Timeline) BeginPlaceholder() models.Message {
	if m, ok := t.byID[t.placeholderID]; ok {
		return *m
	}
	m := t.create(models.RoleUser, models.StatusPlaceholder)
	t.placeholderID = m.ID
	return *m
}

// MarkTranscribing moves the placeholder to transcribing.
func (t *Timeline) MarkTranscribing() (models.Message, bool) {
	m, ok := t.byID[t.placeholderID]
	if !ok {
		return models.Message{}, false
	}
	if !advance(m, models.StatusTranscribing, "") {
		return *m, false
	}
	return *m, true
}

// userMessage finds the message for a user item, claiming the placeholder
// when it is not bound to another item.
func (t *Timeline) userMessage(itemID string) *models.Message {
	if id, ok := t.byItem[itemID]; ok {
		if m, ok := t.byID[id]; ok {
			return m
		}
	}
	m, ok := t.byID[t.placeholderID]
	if !ok || (m.ItemID != "" && m.ItemID != itemID) {
		m = t.create(models.RoleUser, models.StatusPlaceholder)
		t.placeholderID = m.ID
	}
	m.ItemID = itemID
	t.byItem[itemID] = m.ID
	return m
}

// UpdatePartial replaces the user message's content with a newer partial.
func (t *Timeline) UpdatePartial(itemID, text string) models.Message {
	m := t.userMessage(itemID)
	if advance(m, models.StatusPartial, text) {
		m.Revision++
	}
	return *m
}

// FinalizeUser marks the user message for itemID final and re-keys it to
// the item id.
func (t *Timeline) FinalizeUser(itemID, text string) models.Message {
	m := t.userMessage(itemID)
	advance(m, models.StatusFinal, text)
	if t.placeholderID == m.ID {
		t.placeholderID = ""
	}
	t.rekey(m, itemID)
	return *m
}

// AppendStreaming adds delta to the streaming message of role for itemID.
// A streaming message bound to a different item is closed first, so a role
// never has two streaming messages.
func (t *Timeline) AppendStreaming(role models.Role, itemID, delta string) models.Message {
	if id, ok := t.streaming[role]; ok {
		if m, ok := t.byID[id]; ok {
			if m.ItemID == itemID {
				m.Content += delta
				return *m
			}
			advance(m, models.StatusFinal, "")
		}
		delete(t.streaming, role)
	}
	m := t.create(role, models.StatusStreaming)
	m.ItemID = itemID
	m.Content = delta
	t.streaming[role] = m.ID
	t.byItem[itemID] = m.ID
	return *m
}

// CompleteStreaming finalizes the message for itemID with text, re-keying it
// to the item id. It returns the message and the id it had before.
func (t *Timeline) CompleteStreaming(role models.Role, itemID, text string) (models.Message, string) {
	var m *models.Message
	if id, ok := t.byItem[itemID]; ok {
		m = t.byID[id]
	}
	if m == nil {
		m = t.create(role, models.StatusStreaming)
		m.ItemID = itemID
		t.byItem[itemID] = m.ID
	}
	prev := m.ID
	advance(m, models.StatusFinal, text)
	if t.streaming[role] == m.ID {
		delete(t.streaming, role)
	}
	t.rekey(m, itemID)
	return *m, prev
}

// Append adds a final message.
func (t *Timeline) Append(role models.Role, itemID, content string) models.Message {
	m := t.create(role, models.StatusFinal)
	m.Content = content
	if itemID != "" {
		m.ItemID = itemID
		t.byItem[itemID] = m.ID
		t.rekey(m, itemID)
	}
	return *m
}

// MessageIDForItem returns the current message id for itemID.
func (t *Timeline) MessageIDForItem(itemID string) (string, bool) {
	id, ok := t.byItem[itemID]
	return id, ok
}

// Streaming returns the streaming message for role.
func (t *Timeline) Streaming(role models.Role) (models.Message, bool) {
	id, ok := t.streaming[role]
	if !ok {
		return models.Message{}, false
	}
	return *t.byID[id], true
}

// Placeholder returns the current user placeholder.
func (t *Timeline) Placeholder() (models.Message, bool) {
	m, ok := t.byID[t.placeholderID]
	if !ok {
		return models.Message{}, false
	}
	return *m, true
}

// Messages returns the ordered, deduplicated conversation.
func (t *Timeline) Messages() []models.Message {
	out := make([]models.Message, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.byID[id])
	}
	return SortBySequence(RemoveDuplicates(out))
}

// Len returns the number of messages before deduplication.
func (t *Timeline) Len() int {
	return len(t.order)
}

// Reset discards every message.
func (t *Timeline) Reset() {
	t.order = nil
	t.byID = make(map[string]*models.Message)
	t.byItem = make(map[string]string)
	t.streaming = make(map[models.Role]string)
	t.placeholderID = ""
}
