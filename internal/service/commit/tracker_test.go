package commit

import (
	"errors"
	"testing"
	"time"
)

func newTestTracker() *Tracker {
	now := time.Unix(1700000000, 0)
	return NewTracker(func() time.Time { return now })
}

func TestTracker_CommitNumbersAreMonotonic(t *testing.T) {
	tr := newTestTracker()
	for want := 1; want <= 3; want++ {
		if got := tr.Create().CommitNumber; got != want {
			t.Errorf("commit number = %d, want %d", got, want)
		}
	}
	tr.AbandonAll()
	if got := tr.Create().CommitNumber; got != 4 {
		t.Errorf("commit number after teardown = %d, want 4", got)
	}
}

func TestTracker_AckBeforeTranscriptFiresOnce(t *testing.T) {
	tr := newTestTracker()
	c := tr.Create()

	mustAttach(t, tr, c.CommitNumber, "x")
	mustAttach(t, tr, c.CommitNumber, "y")

	if d := tr.ResolveItem("x"); d.FireResponse || d.Entry.HasReceivedCommitAck {
		t.Fatalf("after resolving x: %+v", d)
	}
	d := tr.ResolveItem("y")
	if !d.Entry.HasReceivedCommitAck {
		t.Fatal("expected ack to latch once all items resolved")
	}
	if d.FireResponse {
		t.Fatal("response fired before user transcript")
	}
	if !d.Entry.AwaitingResponseCreate {
		t.Error("expected commit to await the user transcript")
	}
	if d.Entry.State != StateAllResolved {
		t.Errorf("state = %s, want %s", d.Entry.State, StateAllResolved)
	}

	d, err := tr.SetUserTranscriptComplete(c.CommitNumber, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.FireResponse {
		t.Fatal("expected response to fire")
	}
	if d.Entry.State != StateResponseSent || !d.Entry.HasSentResponse {
		t.Errorf("got %+v, want response sent", d.Entry)
	}

	d, _ = tr.SetUserTranscriptComplete(c.CommitNumber, true)
	if d.FireResponse {
		t.Error("response fired twice")
	}
	if d = tr.ResolveItem("y"); d.FireResponse {
		t.Error("re-resolving fired the response again")
	}
}

func TestTracker_TranscriptBeforeAckFiresOnce(t *testing.T) {
	tr := newTestTracker()
	c := tr.Create()
	mustAttach(t, tr, c.CommitNumber, "x")

	d, _ := tr.SetUserTranscriptComplete(c.CommitNumber, true)
	if d.FireResponse {
		t.Fatal("response fired without ack")
	}
	if d = tr.ResolveItem("x"); !d.FireResponse {
		t.Fatal("expected response to fire when the ack latched")
	}
}

func TestTracker_ResolveIsIdempotentAndMonotonic(t *testing.T) {
	tr := newTestTracker()
	c := tr.Create()
	mustAttach(t, tr, c.CommitNumber, "x")
	mustAttach(t, tr, c.CommitNumber, "y")

	d := tr.ResolveItem("x")
	if !d.Changed {
		t.Error("expected first resolve to change the commit")
	}
	d = tr.ResolveItem("x")
	if d.Changed {
		t.Error("expected repeat resolve to be a no-op")
	}
	if len(d.Entry.ResolvedItemIDs) != 1 || len(d.Entry.PendingResolvedItemIDs) != 1 {
		t.Errorf("resolved=%v pending=%v, want 1 and 1", d.Entry.ResolvedItemIDs, d.Entry.PendingResolvedItemIDs)
	}
}

func TestTracker_ResolutionBeforeAttach(t *testing.T) {
	tr := newTestTracker()
	c := tr.Create()

	if d := tr.ResolveItem("early"); d.Changed {
		t.Errorf("unexpected change for unattached item: %+v", d)
	}
	d := mustAttach(t, tr, c.CommitNumber, "early")
	if !d.Entry.HasReceivedCommitAck {
		t.Error("expected remembered resolution to apply on attach")
	}
}

func TestTracker_EmptyCommitNeverAcks(t *testing.T) {
	tr := newTestTracker()
	c := tr.Create()
	d, _ := tr.SetUserTranscriptComplete(c.CommitNumber, true)
	if d.FireResponse || d.Entry.HasReceivedCommitAck {
		t.Errorf("empty commit acked or fired: %+v", d.Entry)
	}
}

func TestTracker_AttachToOpenCreatesCommit(t *testing.T) {
	tr := newTestTracker()

	d, err := tr.AttachToOpen("vad_item")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Entry.CommitNumber != 1 || d.Entry.State != StateItemsKnown {
		t.Errorf("got %+v, want commit 1 with items", d.Entry)
	}

	// Once acked, the next item starts a new commit.
	tr.ResolveItem("vad_item")
	d, _ = tr.AttachToOpen("vad_item_2")
	if d.Entry.CommitNumber != 2 {
		t.Errorf("commit number = %d, want 2", d.Entry.CommitNumber)
	}
}

func TestTracker_AttachAfterTerminal(t *testing.T) {
	tr := newTestTracker()
	c := tr.Create()
	mustAttach(t, tr, c.CommitNumber, "x")
	tr.ResolveItem("x")
	tr.SetUserTranscriptComplete(c.CommitNumber, true)

	_, err := tr.AttachItem(c.CommitNumber, "late")
	if !errors.Is(err, ErrCommitClosed) {
		t.Errorf("expected ErrCommitClosed, got %v", err)
	}
}

func TestTracker_UnknownCommit(t *testing.T) {
	tr := newTestTracker()
	if _, err := tr.AttachItem(7, "x"); !errors.Is(err, ErrUnknownCommit) {
		t.Errorf("expected ErrUnknownCommit, got %v", err)
	}
	if _, err := tr.SetUserTranscriptComplete(7, true); !errors.Is(err, ErrUnknownCommit) {
		t.Errorf("expected ErrUnknownCommit, got %v", err)
	}
}

func TestTracker_MarkUserTranscriptForItem(t *testing.T) {
	tr := newTestTracker()
	c := tr.Create()

	tr.MarkUserTranscriptForItem("u1")
	mustAttach(t, tr, c.CommitNumber, "u1")
	if d := tr.ResolveItem("u1"); !d.FireResponse {
		t.Error("expected remembered transcript signal to open the gate")
	}
}

func TestTracker_AbandonAll(t *testing.T) {
	tr := newTestTracker()
	c := tr.Create()
	mustAttach(t, tr, c.CommitNumber, "x")
	tr.Create()

	if n := tr.AbandonAll(); n != 2 {
		t.Errorf("AbandonAll() = %d, want 2", n)
	}
	if len(tr.Entries()) != 0 {
		t.Error("expected no commits after teardown")
	}
	if d := tr.ResolveItem("x"); d.FireResponse {
		t.Error("abandoned commit fired")
	}
}

// Every interleaving of attach, resolve and transcript signals must fire the
// response exactly once.
func TestTracker_FiresExactlyOnceForAnyOrder(t *testing.T) {
	ops := []string{"attach:a", "attach:b", "resolve:a", "resolve:b", "transcript"}

	for _, order := range permutations(ops) {
		tr := newTestTracker()
		c := tr.Create()
		fired := 0

		for _, op := range order {
			var d Decision
			switch op {
			case "attach:a":
				d, _ = tr.AttachItem(c.CommitNumber, "a")
			case "attach:b":
				d, _ = tr.AttachItem(c.CommitNumber, "b")
			case "resolve:a":
				d = tr.ResolveItem("a")
			case "resolve:b":
				d = tr.ResolveItem("b")
			case "transcript":
				d, _ = tr.SetUserTranscriptComplete(c.CommitNumber, true)
			}
			if d.FireResponse {
				fired++
			}
		}

		// A commit whose only items resolved before b attached acks early;
		// b then joins an already acked commit, which is still one response.
		if fired != 1 {
			t.Errorf("order %v fired %d times, want 1", order, fired)
		}
	}
}

func mustAttach(t *testing.T, tr *Tracker, commitNumber int, itemID string) Decision {
	t.Helper()
	d, err := tr.AttachItem(commitNumber, itemID)
	if err != nil {
		t.Fatalf("attach %s: %v", itemID, err)
	}
	return d
}

func permutations(in []string) [][]string {
	if len(in) <= 1 {
		return [][]string{append([]string(nil), in...)}
	}
	var out [][]string
	for i := range in {
		rest := make([]string, 0, len(in)-1)
		rest = append(rest, in[:i]...)
		rest = append(rest, in[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]string{in[i]}, p...))
		}
	}
	return out
}
