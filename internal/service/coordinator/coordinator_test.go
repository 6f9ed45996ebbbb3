package coordinator

import (
	"testing"
	"time"

	"conversation-stream-coordinator/internal/models"
	"conversation-stream-coordinator/internal/service/clock"
	"conversation-stream-coordinator/internal/service/commit"
	"conversation-stream-coordinator/internal/service/ingest"
	"conversation-stream-coordinator/internal/service/replay"
	"conversation-stream-coordinator/internal/service/transcript"
)

type recordingSink struct {
	deltas    []string
	finals    []models.ConversationItem
	reasons   []transcript.Reason
	audio     []string
	audioDone []string
	started   int
	stopped   int
	responses []commit.Entry
	done      int
	states    []ConnectionState
}

func (s *recordingSink) TranscriptDelta(role models.Role, itemID, delta, text string) {
	s.deltas = append(s.deltas, text)
}

func (s *recordingSink) ItemFinalized(item models.ConversationItem, reason transcript.Reason) {
	s.finals = append(s.finals, item)
	s.reasons = append(s.reasons, reason)
}

func (s *recordingSink) AudioDelta(itemID, responseID, payload string) {
	s.audio = append(s.audio, payload)
}

func (s *recordingSink) AudioDone(itemID, responseID string) {
	s.audioDone = append(s.audioDone, itemID)
}

func (s *recordingSink) SpeechStarted(string) { s.started++ }
func (s *recordingSink) SpeechStopped(string) { s.stopped++ }

func (s *recordingSink) ResponseReady(entry commit.Entry) {
	s.responses = append(s.responses, entry)
}

func (s *recordingSink) ResponseDone(string) { s.done++ }

func (s *recordingSink) ConnectionState(state ConnectionState, detail string) {
	s.states = append(s.states, state)
}

func newTestCoordinator() (*Coordinator, *clock.Fake, *recordingSink) {
	fake := clock.NewFake(time.Unix(1700000000, 0))
	sink := &recordingSink{}
	return New(Config{DebounceWindow: 150 * time.Millisecond}, fake, sink), fake, sink
}

func userDelta(item, delta string) ingest.Event {
	return ingest.Event{Type: ingest.TypeInputTranscriptionDelta, ItemID: item, Role: models.RoleUser, Delta: delta}
}

func userCompleted(item, text string) ingest.Event {
	return ingest.Event{Type: ingest.TypeInputTranscriptionCompleted, ItemID: item, Role: models.RoleUser, Transcript: text}
}

func TestCoordinator_DuplicateCompletedYieldsOneItem(t *testing.T) {
	c, fake, sink := newTestCoordinator()

	c.Enqueue(userDelta("item_1", "He"))
	c.Enqueue(userDelta("item_1", "llo"))
	c.Enqueue(userCompleted("item_1", "Hello"))
	c.Enqueue(userCompleted("item_1", "Hello"))
	c.Tick()
	fake.Advance(time.Second)

	if len(sink.finals) != 1 || sink.finals[0].Text != "Hello" {
		t.Fatalf("finals = %+v, want one Hello", sink.finals)
	}
	if len(c.Items()) != 1 {
		t.Errorf("expected 1 conversation item, got %d", len(c.Items()))
	}
	if len(sink.deltas) != 2 || sink.deltas[1] != "Hello" {
		t.Errorf("accumulated deltas = %v, want [He Hello]", sink.deltas)
	}
}

func TestCoordinator_DroppedCompletedFlushesAfterWindow(t *testing.T) {
	c, fake, sink := newTestCoordinator()

	c.Enqueue(userDelta("item_2", "Hi"))
	c.Tick()
	fake.Advance(150 * time.Millisecond)

	if len(sink.finals) != 1 || sink.finals[0].Text != "Hi" {
		t.Fatalf("finals = %+v, want flushed Hi", sink.finals)
	}
	if sink.reasons[0] != transcript.ReasonTimeout {
		t.Errorf("reason = %s, want timeout", sink.reasons[0])
	}

	c.Enqueue(userCompleted("item_2", "Hi there"))
	c.Tick()
	if len(sink.finals) != 1 {
		t.Errorf("late completed produced another item: %+v", sink.finals)
	}
}

func TestCoordinator_OutOfOrderArrivalIsSorted(t *testing.T) {
	c, fake, sink := newTestCoordinator()
	now := fake.Now()

	late := userCompleted("item_3", "ab")
	late.ArrivedAt = now.Add(20 * time.Millisecond)
	early := userDelta("item_3", "a")
	early.ArrivedAt = now

	c.Enqueue(late)
	c.Enqueue(early)
	c.Tick()

	if len(sink.deltas) != 1 {
		t.Errorf("expected the delta to be processed before the completion, deltas=%v", sink.deltas)
	}
	if len(sink.finals) != 1 || sink.finals[0].Text != "ab" {
		t.Errorf("finals = %+v, want ab", sink.finals)
	}
}

func TestCoordinator_CommitGateFiresOnce(t *testing.T) {
	c, _, sink := newTestCoordinator()

	entry := c.CommitAudio()
	c.AttachCommitItem(entry.CommitNumber, "x")
	c.AttachCommitItem(entry.CommitNumber, "y")

	c.ResolveCommitItem("x")
	c.ResolveCommitItem("y")
	if len(sink.responses) != 0 {
		t.Fatal("response fired before user transcript")
	}

	c.SetUserTranscriptComplete(entry.CommitNumber, true)
	c.SetUserTranscriptComplete(entry.CommitNumber, true)
	c.ResolveCommitItem("y")

	if len(sink.responses) != 1 {
		t.Errorf("responses fired = %d, want 1", len(sink.responses))
	}
}

func TestCoordinator_ServerVADFlow(t *testing.T) {
	c, fake, sink := newTestCoordinator()

	c.Enqueue(ingest.Event{Type: ingest.TypeBufferSpeechStarted, ItemID: "u1", Role: models.RoleUser})
	c.Enqueue(ingest.Event{Type: ingest.TypeBufferSpeechStopped, ItemID: "u1", Role: models.RoleUser})
	c.Enqueue(ingest.Event{Type: ingest.TypeBufferCommitted, ItemID: "u1", Role: models.RoleUser})
	c.Enqueue(ingest.Event{Type: ingest.TypeItemCreated, ItemID: "u1", Role: models.RoleUser})
	c.Tick()

	if sink.started != 1 || sink.stopped != 1 {
		t.Errorf("speech events started=%d stopped=%d, want 1 and 1", sink.started, sink.stopped)
	}
	if len(sink.responses) != 0 {
		t.Fatal("response fired before the transcript")
	}

	c.Enqueue(userCompleted("u1", "What time is it?"))
	c.Tick()
	fake.Advance(time.Second)

	if len(sink.responses) != 1 {
		t.Fatalf("responses = %d, want 1", len(sink.responses))
	}
	if got := sink.responses[0].ItemIDs; len(got) != 1 || got[0] != "u1" {
		t.Errorf("commit items = %v, want [u1]", got)
	}
}

func TestCoordinator_FlushedUserTranscriptOpensGate(t *testing.T) {
	c, fake, sink := newTestCoordinator()

	c.Enqueue(ingest.Event{Type: ingest.TypeBufferCommitted, ItemID: "u1"})
	c.Enqueue(ingest.Event{Type: ingest.TypeItemCreated, ItemID: "u1", Role: models.RoleUser})
	c.Enqueue(userDelta("u1", "ok"))
	c.Tick()
	fake.Advance(150 * time.Millisecond)

	if len(sink.responses) != 1 {
		t.Errorf("responses = %d, want 1 after timeout flush", len(sink.responses))
	}
}

func TestCoordinator_FailedTranscriptionFinalizes(t *testing.T) {
	c, _, sink := newTestCoordinator()

	c.Enqueue(userDelta("u1", "mumble"))
	c.Enqueue(ingest.Event{Type: ingest.TypeInputTranscriptionFailed, ItemID: "u1", Role: models.RoleUser})
	c.Tick()

	if len(sink.finals) != 1 || sink.reasons[0] != transcript.ReasonFailed {
		t.Errorf("finals = %+v reasons = %v", sink.finals, sink.reasons)
	}
}

func TestCoordinator_AssistantAudioRouted(t *testing.T) {
	c, _, sink := newTestCoordinator()

	c.Enqueue(ingest.Event{Type: ingest.TypeAudioDelta, ItemID: "a1", Delta: "AAAA"})
	c.Enqueue(ingest.Event{Type: ingest.TypeAudioDone, ItemID: "a1"})
	c.Enqueue(ingest.Event{Type: ingest.TypeAudioDelta, Delta: "AAAA"})
	c.Tick()

	if len(sink.audio) != 1 || len(sink.audioDone) != 1 {
		t.Errorf("audio=%v done=%v, want one of each", sink.audio, sink.audioDone)
	}
}

func TestCoordinator_MalformedAndUnknownEventsDropped(t *testing.T) {
	c, fake, sink := newTestCoordinator()

	c.Enqueue(ingest.Event{Type: ingest.TypeInputTranscriptionDelta, Delta: "no item"})
	c.Enqueue(ingest.Event{Type: "rate_limits.updated"})
	c.Enqueue(ingest.Event{Type: ingest.TypeBufferCommitted})
	c.Tick()
	fake.Advance(time.Second)

	if len(sink.deltas) != 0 || len(sink.finals) != 0 || len(c.Commits()) != 0 {
		t.Errorf("malformed events changed state: deltas=%v finals=%v commits=%v",
			sink.deltas, sink.finals, c.Commits())
	}
}

func TestCoordinator_ConnectionStates(t *testing.T) {
	c, _, sink := newTestCoordinator()

	c.Enqueue(ingest.Event{Type: ingest.TypeConnectionOpened})
	c.Enqueue(ingest.Event{Type: ingest.TypeSessionCreated})
	c.Enqueue(ingest.Event{Type: ingest.TypeError, Message: "boom"})
	c.Tick()

	want := []ConnectionState{ConnectionOpened, ConnectionReady, ConnectionError}
	if len(sink.states) != len(want) {
		t.Fatalf("states = %v, want %v", sink.states, want)
	}
	for i := range want {
		if sink.states[i] != want[i] {
			t.Errorf("state %d = %s, want %s", i, sink.states[i], want[i])
		}
	}
}

func TestCoordinator_ClearStateDiscardsEverything(t *testing.T) {
	c, fake, sink := newTestCoordinator()

	entry := c.CommitAudio()
	c.AttachCommitItem(entry.CommitNumber, "x")
	c.Enqueue(userDelta("u1", "pending"))
	c.Tick()
	c.Enqueue(userDelta("u2", "queued"))

	c.ClearState()
	c.Tick()
	fake.Advance(time.Second)

	if len(sink.finals) != 0 {
		t.Errorf("timer fired after clear: %+v", sink.finals)
	}
	if c.QueueLen() != 0 || c.PendingCount() != 0 || len(c.Commits()) != 0 {
		t.Errorf("state survived clear: queue=%d pending=%d commits=%d",
			c.QueueLen(), c.PendingCount(), len(c.Commits()))
	}
	c.ResolveCommitItem("x")
	c.SetUserTranscriptComplete(entry.CommitNumber, true)
	if len(sink.responses) != 0 {
		t.Error("abandoned commit fired a response")
	}
}

func TestCoordinator_ReplayedConversation(t *testing.T) {
	c, fake, sink := newTestCoordinator()

	opts := replay.DefaultOptions()
	opts.Start = fake.Now()
	opts.Jitter = 0.3
	opts.Seed = 7
	for _, ev := range replay.Build(replay.DefaultUtterances, opts) {
		c.Enqueue(ev)
	}
	c.Tick()
	fake.Advance(time.Second)

	n := len(replay.DefaultUtterances)
	if len(sink.finals) != 2*n {
		t.Errorf("finalized items = %d, want %d", len(sink.finals), 2*n)
	}
	if len(sink.responses) != n {
		t.Errorf("responses fired = %d, want %d", len(sink.responses), n)
	}
}

func TestCoordinator_AssistantStreamIgnoresDebounceWindow(t *testing.T) {
	c, fake, sink := newTestCoordinator()
	asst := models.RoleAssistant

	c.Enqueue(ingest.Event{Type: ingest.TypeAudioTranscriptDelta, ItemID: "a1", Role: asst, Delta: "Hello "})
	c.Tick()
	fake.Advance(200 * time.Millisecond)

	c.Enqueue(ingest.Event{Type: ingest.TypeAudioTranscriptDelta, ItemID: "a1", Role: asst, Delta: "world"})
	c.Enqueue(ingest.Event{Type: ingest.TypeAudioTranscriptDone, ItemID: "a1", Role: asst, Transcript: "Hello world"})
	c.Enqueue(ingest.Event{Type: ingest.TypeResponseDone, Role: asst})
	c.Tick()

	if len(sink.finals) != 1 {
		t.Fatalf("finals = %+v, want 1", sink.finals)
	}
	if sink.finals[0].Text != "Hello world" || sink.reasons[0] != transcript.ReasonCompleted {
		t.Errorf("final = %+v reason = %v", sink.finals[0], sink.reasons[0])
	}
	if want := []string{"Hello ", "Hello world"}; len(sink.deltas) != 2 || sink.deltas[1] != want[1] {
		t.Errorf("deltas = %q, want %q", sink.deltas, want)
	}
	if sink.done != 1 {
		t.Errorf("response done = %d, want 1", sink.done)
	}
}
