package schedule

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"polyswarmclient/core/events"
)

func settle(guid string, height uint64) Action {
	return Action{Height: height, Event: events.SettleBountyDue{BountyGUID: guid}}
}

func guidOf(t *testing.T, a Action) string {
	t.Helper()
	ev, ok := a.Event.(events.SettleBountyDue)
	if !ok {
		t.Fatalf("unexpected event %T", a.Event)
	}
	return ev.BountyGUID
}

func TestGetTiesAreFIFO(t *testing.T) {
	s := New()
	if err := s.Put(settle("A", 100)); err != nil {
		t.Fatalf("put A: %v", err)
	}
	if err := s.Put(settle("B", 100)); err != nil {
		t.Fatalf("put B: %v", err)
	}
	due := s.Get(100)
	if len(due) != 2 || guidOf(t, due[0]) != "A" || guidOf(t, due[1]) != "B" {
		t.Fatalf("expected [A B], got %v", due)
	}
	if !s.Empty() {
		t.Fatalf("expected schedule to be empty")
	}
}

func TestGetNeverReturnsEarlyActions(t *testing.T) {
	s := New()
	_ = s.Put(settle("late", 50))
	if due := s.Get(49); len(due) != 0 {
		t.Fatalf("action released before its trigger height: %v", due)
	}
	if a, ok := s.Peek(); !ok || a.Height != 50 {
		t.Fatalf("peek returned %v %v", a, ok)
	}
	if due := s.Get(49); len(due) != 0 {
		t.Fatalf("repeated height released actions")
	}
}

func TestGetCatchesUpAfterHeightJump(t *testing.T) {
	s := New()
	for _, h := range []uint64{12, 10, 11, 30} {
		_ = s.Put(settle("x", h))
	}
	due := s.Get(20)
	if len(due) != 3 {
		t.Fatalf("expected 3 due actions, got %d", len(due))
	}
	for i, want := range []uint64{10, 11, 12} {
		if due[i].Height != want {
			t.Fatalf("position %d: got height %d want %d", i, due[i].Height, want)
		}
	}
	if s.Len() != 1 {
		t.Fatalf("expected one pending action, got %d", s.Len())
	}
}

func TestEveryActionReturnedExactlyOnce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s := New()
	const total = 500
	for i := 0; i < total; i++ {
		if err := s.Put(settle("g", uint64(rng.Intn(200)))); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	seen := make(map[uint64]bool, total)
	var last Action
	first := true
	for h := uint64(0); h <= 220; h += uint64(1 + rng.Intn(7)) {
		for _, a := range s.Get(h) {
			if a.Height > h {
				t.Fatalf("action at %d released at %d", a.Height, h)
			}
			if seen[a.Seq()] {
				t.Fatalf("action %d returned twice", a.Seq())
			}
			seen[a.Seq()] = true
			if !first && (a.Height < last.Height || (a.Height == last.Height && a.Seq() < last.Seq())) {
				t.Fatalf("out of order: %d/%d after %d/%d", a.Height, a.Seq(), last.Height, last.Seq())
			}
			last, first = a, false
		}
	}
	for _, a := range s.Get(1 << 40) {
		seen[a.Seq()] = true
	}
	if len(seen) != total {
		t.Fatalf("expected %d actions, saw %d", total, len(seen))
	}
}

func TestConcurrentPutAndGet(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	var mu sync.Mutex
	var got []uint64
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = s.Put(settle("c", uint64(i)))
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for h := uint64(0); h < 100; h++ {
			due := s.Get(h)
			mu.Lock()
			for _, a := range due {
				got = append(got, a.Seq())
			}
			mu.Unlock()
		}
	}()
	wg.Wait()
	for _, a := range s.Get(1000) {
		got = append(got, a.Seq())
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	if len(got) != 800 {
		t.Fatalf("expected 800 actions, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i] == got[i-1] {
			t.Fatalf("duplicate sequence %d", got[i])
		}
	}
}

func TestSealRejectsNewWork(t *testing.T) {
	s := New()
	_ = s.Put(settle("kept", 5))
	s.Seal()
	if err := s.Put(settle("new", 6)); !errors.Is(err, ErrSealed) {
		t.Fatalf("expected ErrSealed, got %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("sealing dropped pending actions")
	}
}

func TestPutRejectsEmptyAction(t *testing.T) {
	if err := New().Put(Action{Height: 1}); err == nil {
		t.Fatalf("expected error for empty action")
	}
}

func TestTimerAction(t *testing.T) {
	s := New()
	called := false
	_ = s.Put(Action{Height: 3, Timer: func(context.Context) error { called = true; return nil }})
	due := s.Get(3)
	if len(due) != 1 || due[0].Kind() != KindTimer {
		t.Fatalf("unexpected due actions %v", due)
	}
	if err := due[0].Timer(context.Background()); err != nil || !called {
		t.Fatalf("timer not invoked")
	}
}

func TestJournalRestoresPendingActions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.db")
	journal, err := OpenJournal(path, "home")
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	s := New(WithJournal(journal))
	_ = s.Put(settle("done", 10))
	_ = s.Put(Action{Height: 20, Event: events.VoteOnBountyDue{BountyGUID: "vote", Votes: []bool{true}, ValidBloom: true}})
	_ = s.Put(settle("pending", 20))
	_ = s.Put(Action{Height: 15, Timer: func(context.Context) error { return nil }})
	if due := s.Get(15); len(due) != 2 {
		t.Fatalf("expected two due actions, got %d", len(due))
	}
	if err := journal.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenJournal(path, "home")
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer reopened.Close()
	restored := New(WithJournal(reopened))
	n, err := restored.Restore()
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 restored actions, got %d", n)
	}
	due := restored.Get(20)
	vote, ok := due[0].Event.(events.VoteOnBountyDue)
	if !ok || vote.BountyGUID != "vote" || !vote.ValidBloom {
		t.Fatalf("unexpected first restored action %#v", due[0].Event)
	}
	if guidOf(t, due[1]) != "pending" {
		t.Fatalf("restored actions out of order")
	}
	_ = restored.Put(settle("after", 30))
	if a, _ := restored.Peek(); a.Seq() <= due[1].Seq() {
		t.Fatalf("sequence numbers reused after restore")
	}
}
