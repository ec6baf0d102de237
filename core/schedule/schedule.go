// Package schedule holds deferred actions keyed by the block height at which
// they become due.
package schedule

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"polyswarmclient/core/events"
)

// KindTimer labels actions that carry a callback instead of an event.
const KindTimer = "timer"

// ErrSealed is returned by Put once the schedule stopped accepting work.
var ErrSealed = errors.New("schedule: sealed")

// Action is a unit of deferred work. Exactly one of Event or Timer is set.
type Action struct {
	Height uint64
	Event  events.Event
	Timer  func(ctx context.Context) error

	seq uint64
}

// Kind returns the event kind of the action, or KindTimer.
func (a Action) Kind() string {
	if a.Timer != nil || a.Event == nil {
		return KindTimer
	}
	return a.Event.EventType()
}

// Seq returns the insertion sequence assigned by Put.
func (a Action) Seq() uint64 { return a.seq }

type actionHeap []Action

func (h actionHeap) Len() int { return len(h) }

func (h actionHeap) Less(i, j int) bool {
	if h[i].Height != h[j].Height {
		return h[i].Height < h[j].Height
	}
	return h[i].seq < h[j].seq
}

func (h actionHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *actionHeap) Push(x any) { *h = append(*h, x.(Action)) }

func (h *actionHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = Action{}
	*h = old[:n-1]
	return item
}

// Schedule is a min-heap of actions ordered by (height, insertion sequence).
// It is safe for concurrent use.
type Schedule struct {
	mu      sync.Mutex
	items   actionHeap
	nextSeq uint64
	sealed  bool

	journal *Journal
	logger  *slog.Logger
}

// Option configures a Schedule.
type Option func(*Schedule)

// WithJournal persists event actions so they survive a restart.
func WithJournal(j *Journal) Option {
	return func(s *Schedule) {
		s.journal = j
	}
}

// WithLogger overrides the logger used for journal failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Schedule) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs an empty schedule.
func New(opts ...Option) *Schedule {
	s := &Schedule{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore loads journaled actions. It must be called before the schedule is
// shared with other goroutines.
func (s *Schedule) Restore() (int, error) {
	if s.journal == nil {
		return 0, nil
	}
	records, err := s.journal.Load()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		heap.Push(&s.items, rec)
		if rec.seq >= s.nextSeq {
			s.nextSeq = rec.seq + 1
		}
	}
	return len(records), nil
}

// Put inserts an action. It only fails after Seal, or when an action has
// neither an event nor a timer.
func (s *Schedule) Put(a Action) error {
	if a.Event == nil && a.Timer == nil {
		return fmt.Errorf("schedule: action at height %d has no event or timer", a.Height)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return ErrSealed
	}
	a.seq = s.nextSeq
	s.nextSeq++
	if s.journal != nil && a.Timer == nil {
		if err := s.journal.Save(a); err != nil {
			// The in-memory schedule stays authoritative for this process.
			s.logger.Warn("schedule journal write failed",
				slog.Uint64("height", a.Height),
				slog.String("kind", a.Kind()),
				slog.Any("error", err))
		}
	}
	heap.Push(&s.items, a)
	return nil
}

// Peek returns the next action without removing it.
func (s *Schedule) Peek() (Action, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return Action{}, false
	}
	return s.items[0], true
}

// Get removes and returns every action due at or below height, in ascending
// (height, sequence) order.
func (s *Schedule) Get(height uint64) []Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Action
	for len(s.items) > 0 && s.items[0].Height <= height {
		due = append(due, heap.Pop(&s.items).(Action))
	}
	if s.journal != nil && len(due) > 0 {
		seqs := make([]uint64, 0, len(due))
		for _, a := range due {
			if a.Timer == nil {
				seqs = append(seqs, a.seq)
			}
		}
		if err := s.journal.Delete(seqs...); err != nil {
			s.logger.Warn("schedule journal delete failed", slog.Any("error", err))
		}
	}
	return due
}

// Empty reports whether no actions are pending.
func (s *Schedule) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items) == 0
}

// Len returns the number of pending actions.
func (s *Schedule) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Seal stops the schedule from accepting new actions. Pending actions are
// kept (and stay journaled) for the next run.
func (s *Schedule) Seal() {
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()
}

// Sealed reports whether Seal was called.
func (s *Schedule) Sealed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealed
}
