// Package replay renders simulated conversations into realtime event
// scripts. It is used by tests and by the demo clients to exercise the
// coordinator without a live voice API: progressive partials, a final per
// utterance, and the duplicate or missing completions real servers produce.
package replay

import (
	"encoding/base64"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"conversation-stream-coordinator/internal/models"
	"conversation-stream-coordinator/internal/service/ingest"
)

// SimulatedUtterance is one user turn followed by an assistant reply.
type SimulatedUtterance struct {
	Partials []string // Progressive partial transcripts
	Final    string   // Final transcript text
	// DuplicateFinal repeats the completed event.
	DuplicateFinal bool
	// DropFinal omits the completed event so the debounce flush must finish
	// the turn.
	DropFinal bool

	Reply      string        // Assistant transcript
	ReplyAudio time.Duration // Assistant audio length
}

// DefaultUtterances provides sample conversations.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials:   []string{"I want", "I want to", "I want to cancel"},
		Final:      "I want to cancel my subscription",
		Reply:      "I can help you cancel your subscription.",
		ReplyAudio: 2400 * time.Millisecond,
	},
	{
		Partials:       []string{"Yes", "Yes please"},
		Final:          "Yes please go ahead",
		DuplicateFinal: true,
		Reply:          "Done. Your subscription is cancelled.",
		ReplyAudio:     2100 * time.Millisecond,
	},
	{
		Partials:   []string{"Thank you"},
		Final:      "Thank you",
		DropFinal:  true,
		Reply:      "You're welcome!",
		ReplyAudio: 900 * time.Millisecond,
	},
}

// Options controls event timing.
type Options struct {
	Start time.Time
	// Step separates consecutive events.
	Step time.Duration
	// Jitter swaps neighbouring events with this probability (0..1), so
	// arrival order differs from emission order.
	Jitter float64
	Seed   uint64
	// AudioChunk is the duration carried by each audio delta.
	AudioChunk time.Duration
	// SampleRate of the generated pcm16 mono audio.
	SampleRate int
}

// DefaultOptions returns 10ms steps, 100ms audio chunks at 24 kHz, no jitter.
func DefaultOptions() Options {
	return Options{
		Start:      time.Unix(1700000000, 0),
		Step:       10 * time.Millisecond,
		AudioChunk: 100 * time.Millisecond,
		SampleRate: 24000,
	}
}

// UserItemID and AssistantItemID name the items of utterance i.
func UserItemID(i int) string      { return fmt.Sprintf("item_u%d", i) }
func AssistantItemID(i int) string { return fmt.Sprintf("item_a%d", i) }

// Build renders utterances into events with ArrivedAt set.
func Build(utterances []SimulatedUtterance, opts Options) []ingest.Event {
	if opts.Step <= 0 {
		opts.Step = DefaultOptions().Step
	}
	if opts.AudioChunk <= 0 {
		opts.AudioChunk = DefaultOptions().AudioChunk
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = DefaultOptions().SampleRate
	}

	var out []ingest.Event
	for i, u := range utterances {
		out = append(out, userTurn(UserItemID(i), u)...)
		if u.Reply != "" {
			out = append(out, assistantTurn(AssistantItemID(i), u, opts)...)
		}
	}

	for i := range out {
		out[i].ArrivedAt = opts.Start.Add(time.Duration(i) * opts.Step)
	}
	if opts.Jitter > 0 {
		rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
		for i := 0; i+1 < len(out); i++ {
			if rng.Float64() < opts.Jitter {
				out[i], out[i+1] = out[i+1], out[i]
				i++
			}
		}
	}
	return out
}

func userTurn(item string, u SimulatedUtterance) []ingest.Event {
	user := models.RoleUser
	out := []ingest.Event{
		{Type: ingest.TypeBufferSpeechStarted, ItemID: item, Role: user},
		{Type: ingest.TypeBufferSpeechStopped, ItemID: item, Role: user},
		{Type: ingest.TypeBufferCommitted, ItemID: item, Role: user},
		{Type: ingest.TypeItemCreated, ItemID: item, Role: user},
	}
	prev := ""
	for _, p := range u.Partials {
		out = append(out, ingest.Event{
			Type:   ingest.TypeInputTranscriptionDelta,
			ItemID: item,
			Role:   user,
			Delta:  suffix(prev, p),
		})
		prev = p
	}
	if !u.DropFinal {
		done := ingest.Event{Type: ingest.TypeInputTranscriptionCompleted, ItemID: item, Role: user, Transcript: u.Final}
		out = append(out, done)
		if u.DuplicateFinal {
			out = append(out, done)
		}
	}
	return out
}

func assistantTurn(item string, u SimulatedUtterance, opts Options) []ingest.Event {
	asst := models.RoleAssistant
	out := []ingest.Event{{Type: ingest.TypeResponseCreated, Role: asst}}

	words := strings.SplitAfter(u.Reply, " ")
	chunks := audioChunks(u.ReplyAudio, opts)
	for i := 0; i < len(words) || i < len(chunks); i++ {
		if i < len(words) {
			out = append(out, ingest.Event{Type: ingest.TypeAudioTranscriptDelta, ItemID: item, Role: asst, Delta: words[i]})
		}
		if i < len(chunks) {
			out = append(out, ingest.Event{Type: ingest.TypeAudioDelta, ItemID: item, Role: asst, Delta: chunks[i]})
		}
	}
	out = append(out,
		ingest.Event{Type: ingest.TypeAudioDone, ItemID: item, Role: asst},
		ingest.Event{Type: ingest.TypeAudioTranscriptDone, ItemID: item, Role: asst, Transcript: u.Reply},
		ingest.Event{Type: ingest.TypeResponseDone, Role: asst},
	)
	return out
}

// audioChunks returns silent pcm16 mono audio of total length d.
func audioChunks(d time.Duration, opts Options) []string {
	var out []string
	for left := d; left > 0; left -= opts.AudioChunk {
		chunk := min(left, opts.AudioChunk)
		samples := int(chunk * time.Duration(opts.SampleRate) / time.Second)
		out = append(out, base64.StdEncoding.EncodeToString(make([]byte, samples*2)))
	}
	return out
}

func suffix(prev, cur string) string {
	if strings.HasPrefix(cur, prev) {
		return cur[len(prev):]
	}
	return cur
}

// Fields renders ev in the realtime API's JSON shape.
func Fields(ev ingest.Event) map[string]any {
	m := map[string]any{"type": ev.Type}
	if ev.ItemID != "" {
		m["item_id"] = ev.ItemID
	}
	if ev.Role != "" {
		m["role"] = string(ev.Role)
	}
	if ev.Delta != "" {
		m["delta"] = ev.Delta
	}
	if ev.Transcript != "" {
		m["transcript"] = ev.Transcript
	}
	if ev.ResponseID != "" {
		m["response_id"] = ev.ResponseID
	}
	if ev.Message != "" {
		m["error"] = map[string]any{"message": ev.Message}
	}
	return m
}
