package gateway

import (
	"context"
	"sync"
	"time"
)

// DefaultThrottlePause is how long every request waits after the gateway
// answered 429.
const DefaultThrottlePause = 2 * time.Second

// pauser blocks all requests for a fixed interval after a throttling
// response, shared by every goroutine using the client.
type pauser struct {
	mu    sync.Mutex
	until time.Time
	pause time.Duration
	now   func() time.Time
}

func (p *pauser) trigger() {
	p.mu.Lock()
	defer p.mu.Unlock()
	until := p.now().Add(p.pause)
	if until.After(p.until) {
		p.until = until
	}
}

func (p *pauser) remaining() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.until.Sub(p.now())
}

func (p *pauser) wait(ctx context.Context) error {
	for {
		d := p.remaining()
		if d <= 0 {
			return nil
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
