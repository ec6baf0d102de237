package tx

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type batchKey struct{}

type queued struct {
	req  Request
	done Callback
}

// Batch collects requests for one chain during a single scheduling pass so
// they can be sent as one multi-action transaction.
type Batch struct {
	submitter *Submitter
	chain     string

	mu      sync.Mutex
	queue   []queued
	flushed bool
}

// NewBatch starts a batch for chain.
func (s *Submitter) NewBatch(chain string) *Batch {
	return &Batch{submitter: s, chain: chain}
}

// WithBatch returns a context that routes Go calls for the batch's chain
// into b.
func WithBatch(ctx context.Context, b *Batch) context.Context {
	return context.WithValue(ctx, batchKey{}, b)
}

func batchFrom(ctx context.Context) *Batch {
	b, _ := ctx.Value(batchKey{}).(*Batch)
	return b
}

func (b *Batch) add(req Request, done Callback) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushed {
		return false
	}
	b.queue = append(b.queue, queued{req: req, done: done})
	return true
}

// Len returns the number of queued requests.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Flush sends the queued requests. When the gateway accepts multi-action
// transactions and more than one request is queued, they are combined into a
// single all-or-nothing submission and every callback receives the shared
// outcome. Otherwise each request is submitted on its own. Requests added
// after Flush are submitted directly.
func (b *Batch) Flush(ctx context.Context) {
	b.mu.Lock()
	queue := b.queue
	b.queue = nil
	b.flushed = true
	b.mu.Unlock()

	switch {
	case len(queue) == 0:
		return
	case len(queue) == 1 || !b.submitter.gateway.SupportsBatch(b.chain):
		for _, q := range queue {
			b.submitter.spawn(ctx, q.req, q.done)
		}
		return
	}

	combined := Request{ID: uuid.NewString(), Chain: b.chain}
	for _, q := range queue {
		combined.Actions = append(combined.Actions, q.req.Actions...)
	}
	b.submitter.spawn(ctx, combined, func(res *Result, err error) {
		for _, q := range queue {
			var own *Result
			if res != nil {
				copied := *res
				copied.ID = q.req.ID
				own = &copied
			}
			q.done(own, err)
		}
	})
}
