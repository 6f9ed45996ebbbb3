package session

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestRegistry_GetOrCreate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewRegistry(ctx, Options{})
	defer r.Close()

	s1, created, err := r.GetOrCreate("a")
	if err != nil || !created {
		t.Fatalf("first GetOrCreate: created=%v err=%v", created, err)
	}
	s2, created, err := r.GetOrCreate("a")
	if err != nil || created {
		t.Fatalf("second GetOrCreate: created=%v err=%v", created, err)
	}
	if s1 != s2 {
		t.Error("expected the same session for the same id")
	}

	if _, _, err := r.GetOrCreate(""); !errors.Is(err, ErrEmptySessionID) {
		t.Errorf("expected ErrEmptySessionID, got %v", err)
	}
}

func TestRegistry_AddRemoveList(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewRegistry(ctx, Options{})

	for _, id := range []string{"b", "a", "c"} {
		s, err := New(id, Options{})
		if err != nil {
			t.Fatalf("New(%s): %v", id, err)
		}
		if err := r.Add(s); err != nil {
			t.Fatalf("Add(%s): %v", id, err)
		}
	}

	dup, _ := New("a", Options{})
	if err := r.Add(dup); !errors.Is(err, ErrSessionExists) {
		t.Errorf("expected ErrSessionExists, got %v", err)
	}

	if got, want := r.List(), []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("List() = %v, want %v", got, want)
	}

	if !r.Remove("b") {
		t.Error("expected Remove(b) to succeed")
	}
	if r.Remove("b") {
		t.Error("expected second Remove(b) to fail")
	}
	if _, ok := r.Get("b"); ok {
		t.Error("expected b to be gone")
	}

	r.Close()
	if got := r.List(); len(got) != 0 {
		t.Errorf("List() after Close = %v, want empty", got)
	}
}

func TestRegistry_CloseJoinsLoops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewRegistry(ctx, Options{})

	var sessions []*Session
	for _, id := range []string{"x", "y"} {
		s, _, err := r.GetOrCreate(id)
		if err != nil {
			t.Fatalf("GetOrCreate(%s): %v", id, err)
		}
		sessions = append(sessions, s)
	}
	r.Close()

	for _, s := range sessions {
		if !s.started.Load() {
			t.Errorf("session %s: loop left claimable after Close", s.ID())
			continue
		}
		if err := s.Run(ctx); !errors.Is(err, ErrClosed) {
			t.Errorf("session %s: Run after Close = %v, want ErrClosed", s.ID(), err)
		}
	}
}
