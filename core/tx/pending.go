package tx

import (
	"sort"
	"sync"
	"time"

	"polyswarmclient/core/types"
)

// Status is the lifecycle state of a logical submission.
type Status string

const (
	StatusPending           Status = "pending"
	StatusConfirmed         Status = "confirmed"
	StatusRejectedFatal     Status = "rejected-fatal"
	StatusRejectedRetryable Status = "rejected-retryable"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool { return s != StatusPending }

// Pending describes a submission that is being worked on.
type Pending struct {
	ID          string
	Chain       string
	Nonce       uint64
	Hash        string
	Tx          *types.Transaction
	SubmittedAt time.Time
	Retries     int
	Status      Status
}

type pendingSet struct {
	mu    sync.Mutex
	items map[string]*Pending
}

func newPendingSet() *pendingSet {
	return &pendingSet{items: make(map[string]*Pending)}
}

func (p *pendingSet) add(item *Pending) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[item.ID] = item
}

func (p *pendingSet) update(id string, fn func(*Pending)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if item, ok := p.items[id]; ok {
		fn(item)
	}
}

func (p *pendingSet) remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, id)
}

func (p *pendingSet) snapshot() []Pending {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Pending, 0, len(p.items))
	for _, item := range p.items {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}
