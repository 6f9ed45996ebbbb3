package timing

import (
	"encoding/base64"
	"fmt"
	"sort"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"conversation-stream-coordinator/internal/observability/logging"
	"conversation-stream-coordinator/internal/observability/metrics"
)

// DefaultWordDuration is the estimated duration of an average word.
const DefaultWordDuration = 220 * time.Millisecond

// averageWordLen is the word length, in runes, that DefaultWordDuration
// corresponds to.
const averageWordLen = 5

// WordTiming places one word of a message on the audio timeline. Offsets
// are in milliseconds from the start of the message; character offsets are
// rune offsets into the message text.
type WordTiming struct {
	Word      string `json:"word"`
	StartMs   int64  `json:"startMs"`
	EndMs     int64  `json:"endMs"`
	CharStart int    `json:"charStart"`
	CharEnd   int    `json:"charEnd"`
}

type buffer struct {
	startedAt time.Time
	words     []WordTiming
	charPos   int
	// inWord is true when the text so far ends inside a word, so the next
	// delta may continue it.
	inWord     bool
	audioBytes int
	audio      time.Duration
}

// Reconstructor owns per-message timing buffers. It is not safe for
// concurrent use; the session loop is its only caller.
type Reconstructor struct {
	now          func() time.Time
	wordDuration time.Duration
	format       AudioFormat

	buffers   map[string]*buffer
	finalized map[string]struct{}
	active    map[string]int

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Option configures a Reconstructor.
type Option func(*Reconstructor)

// WithWordDuration overrides DefaultWordDuration.
func WithWordDuration(d time.Duration) Option {
	return func(r *Reconstructor) {
		if d > 0 {
			r.wordDuration = d
		}
	}
}

// WithClock sets the time source used for relative word starts.
func WithClock(now func() time.Time) Option {
	return func(r *Reconstructor) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a Reconstructor for 24 kHz mono pcm16 audio.
func New(opts ...Option) *Reconstructor {
	r := &Reconstructor{
		now:          time.Now,
		wordDuration: DefaultWordDuration,
		format:       DefaultAudioFormat(),
		buffers:      make(map[string]*buffer),
		finalized:    make(map[string]struct{}),
		active:       make(map[string]int),
		logger:       logging.WithComponent("timing"),
		metrics:      metrics.DefaultMetrics,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetAudioFormat changes the format used for subsequent audio deltas.
// Invalid parameters leave the current format in place.
func (r *Reconstructor) SetAudioFormat(format string, sampleRate, channels int) error {
	f := AudioFormat{Format: format, SampleRate: sampleRate, Channels: channels}
	if err := f.Validate(); err != nil {
		return err
	}
	r.format = f
	return nil
}

// AudioFormat returns the current audio format.
func (r *Reconstructor) AudioFormat() AudioFormat {
	return r.format
}

// EstimateDuration returns the heuristic duration of a word of n runes.
func (r *Reconstructor) EstimateDuration(n int) time.Duration {
	if n <= 0 {
		return r.wordDuration
	}
	d := r.wordDuration * time.Duration(n) / averageWordLen
	if lo := r.wordDuration / 2; d < lo {
		return lo
	}
	if hi := r.wordDuration * 3; d > hi {
		return hi
	}
	return d
}

// buffer returns the buffer for id, creating it lazily.
func (r *Reconstructor) buffer(id string, orphan bool) *buffer {
	b, ok := r.buffers[id]
	if !ok {
		b = &buffer{startedAt: r.now()}
		r.buffers[id] = b
		if orphan {
			r.metrics.RecordTimingOrphan()
			r.logger.Debug().Str("messageId", id).Msg("Audio for unknown message, creating timing buffer")
		}
	}
	return b
}

// AddTextDelta tokenizes delta and appends word timings for messageID. It
// returns the words added or extended by this delta.
func (r *Reconstructor) AddTextDelta(messageID, delta string) []WordTiming {
	if messageID == "" || delta == "" {
		return nil
	}
	if _, done := r.finalized[messageID]; done {
		r.logger.Debug().Str("messageId", messageID).Msg("Ignoring text delta for finalized timing")
		return nil
	}
	b := r.buffer(messageID, false)
	relNow := r.now().Sub(b.startedAt).Milliseconds()

	var touched []WordTiming
	added := 0
	for _, tok := range tokenize(delta) {
		n := utf8.RuneCountInString(tok.text)
		if !tok.word {
			b.charPos += n
			b.inWord = false
			continue
		}

		if b.inWord && len(b.words) > 0 {
			// The previous delta ended mid-word.
			w := &b.words[len(b.words)-1]
			w.Word += tok.text
			w.CharEnd += n
			if end := w.StartMs + r.EstimateDuration(utf8.RuneCountInString(w.Word)).Milliseconds(); end > w.EndMs {
				w.EndMs = end
			}
			b.charPos += n
			touched = append(touched, *w)
			continue
		}

		start := relNow
		if len(b.words) > 0 {
			start = max(start, b.words[len(b.words)-1].EndMs)
		}
		w := WordTiming{
			Word:      tok.text,
			StartMs:   start,
			EndMs:     start + r.EstimateDuration(n).Milliseconds(),
			CharStart: b.charPos,
			CharEnd:   b.charPos + n,
		}
		b.words = append(b.words, w)
		b.charPos += n
		b.inWord = true
		touched = append(touched, w)
		added++
	}
	r.metrics.RecordTimingWords(added)
	return touched
}

// AddAudioDelta decodes a base64 PCM chunk and adds its duration to
// messageID. Decode failures leave the buffer untouched.
func (r *Reconstructor) AddAudioDelta(messageID, payload string) (time.Duration, error) {
	if messageID == "" {
		return 0, fmt.Errorf("audio delta without message id")
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		r.metrics.RecordAudio(0, err)
		return 0, fmt.Errorf("decode audio delta: %w", err)
	}
	_, known := r.buffers[messageID]
	b := r.buffer(messageID, !known)

	// Duration is computed over the running byte total so partial frames
	// split across chunks are not lost.
	before := r.format.Duration(b.audioBytes)
	b.audioBytes += len(raw)
	d := r.format.Duration(b.audioBytes) - before
	b.audio += d
	r.metrics.RecordAudio(len(raw), nil)
	return d, nil
}

// AudioDuration returns the audio accumulated for messageID.
func (r *Reconstructor) AudioDuration(messageID string) time.Duration {
	if b, ok := r.buffers[messageID]; ok {
		return b.audio
	}
	return 0
}

// Finalize closes gaps between words and stretches the last word to cover
// total, or the accumulated audio when total is nil. Only the first call
// for a message has any effect.
func (r *Reconstructor) Finalize(messageID string, total *time.Duration) ([]WordTiming, bool) {
	if _, done := r.finalized[messageID]; done {
		return r.Timings(messageID), false
	}
	b := r.buffer(messageID, false)

	totalMs := b.audio.Milliseconds()
	if total != nil {
		totalMs = total.Milliseconds()
	}

	for i := 0; i+1 < len(b.words); i++ {
		b.words[i].EndMs = b.words[i+1].StartMs
	}
	if n := len(b.words); n > 0 {
		b.words[n-1].EndMs = max(b.words[n-1].EndMs, totalMs)
	}

	r.finalized[messageID] = struct{}{}
	r.metrics.RecordTimingFinalized()
	r.logger.Debug().
		Str("messageId", messageID).
		Int("words", len(b.words)).
		Int64("totalMs", totalMs).
		Msg("Word timings finalized")
	return r.Timings(messageID), true
}

// IsFinalized reports whether messageID has been finalized.
func (r *Reconstructor) IsFinalized(messageID string) bool {
	_, ok := r.finalized[messageID]
	return ok
}

// Promote moves all state for oldID to newID in one step. It returns false
// when oldID is unknown or newID already has a buffer.
func (r *Reconstructor) Promote(oldID, newID string) bool {
	if oldID == newID || newID == "" {
		return false
	}
	b, ok := r.buffers[oldID]
	if !ok {
		return false
	}
	if _, taken := r.buffers[newID]; taken {
		r.logger.Warn().Str("from", oldID).Str("to", newID).Msg("Timing promotion target already exists")
		return false
	}

	r.buffers[newID] = b
	delete(r.buffers, oldID)
	if _, done := r.finalized[oldID]; done {
		r.finalized[newID] = struct{}{}
		delete(r.finalized, oldID)
	}
	if idx, ok := r.active[oldID]; ok {
		r.active[newID] = idx
		delete(r.active, oldID)
	}
	return true
}

// Timings returns a copy of the words for messageID.
func (r *Reconstructor) Timings(messageID string) []WordTiming {
	b, ok := r.buffers[messageID]
	if !ok {
		return nil
	}
	out := make([]WordTiming, len(b.words))
	copy(out, b.words)
	return out
}

// ActiveWordIndex returns the word being spoken at position, or -1.
func (r *Reconstructor) ActiveWordIndex(messageID string, position time.Duration) int {
	b, ok := r.buffers[messageID]
	if !ok || len(b.words) == 0 {
		return -1
	}
	ms := position.Milliseconds()
	if ms < b.words[0].StartMs || ms >= b.words[len(b.words)-1].EndMs {
		return -1
	}
	// Last word starting at or before ms.
	i := sort.Search(len(b.words), func(i int) bool { return b.words[i].StartMs > ms })
	return i - 1
}

// SetPlaybackPosition records the active word for messageID and returns it.
func (r *Reconstructor) SetPlaybackPosition(messageID string, position time.Duration) int {
	idx := r.ActiveWordIndex(messageID, position)
	r.active[messageID] = idx
	return idx
}

// ActiveWords returns the last recorded active word index per message.
func (r *Reconstructor) ActiveWords() map[string]int {
	out := make(map[string]int, len(r.active))
	for k, v := range r.active {
		out[k] = v
	}
	return out
}

// Snapshot returns copies of every buffer's words keyed by message id.
func (r *Reconstructor) Snapshot() map[string][]WordTiming {
	out := make(map[string][]WordTiming, len(r.buffers))
	for id := range r.buffers {
		out[id] = r.Timings(id)
	}
	return out
}

// Reset discards every buffer.
func (r *Reconstructor) Reset() {
	r.buffers = make(map[string]*buffer)
	r.finalized = make(map[string]struct{})
	r.active = make(map[string]int)
}

type token struct {
	text string
	word bool
}

// tokenize splits s into alternating runs of whitespace and non-whitespace.
func tokenize(s string) []token {
	var out []token
	start := 0
	inWord := false
	for i, c := range s {
		w := !unicode.IsSpace(c)
		if i == 0 {
			inWord = w
			continue
		}
		if w != inWord {
			out = append(out, token{text: s[start:i], word: inWord})
			start = i
			inWord = w
		}
	}
	if start < len(s) {
		out = append(out, token{text: s[start:], word: inWord})
	}
	return out
}
