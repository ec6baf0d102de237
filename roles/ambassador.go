package roles

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/google/uuid"

	"polyswarmclient/core/events"
	"polyswarmclient/core/types"
	"polyswarmclient/storage"
)

const (
	defaultBountyQueueSize     = 10
	defaultMaxBountiesInFlight = 10
	defaultMaxBountiesPerBlock = 1
)

// QueuedBounty is a bounty waiting to be posted.
type QueuedBounty struct {
	Amount   *big.Int
	URI      string
	Duration uint64
}

// BountySource produces bounties for a chain by calling push until ctx is
// cancelled or it runs out of work.
type BountySource interface {
	Bounties(ctx context.Context, chain string, push func(context.Context, QueuedBounty) error) error
}

// Ambassador posts bounties from a queue, at a bounded rate per block, and
// settles them once every window has closed.
type Ambassador struct {
	participant
	source      BountySource
	perBlock    int
	maxInFlight int
	queueSize   int

	mu       sync.Mutex
	queues   map[string]chan QueuedBounty
	inflight map[string]int
}

// AmbassadorOption configures an Ambassador.
type AmbassadorOption func(*Ambassador)

// WithBountiesPerBlock bounds how many bounties are posted per block.
func WithBountiesPerBlock(n int) AmbassadorOption {
	return func(a *Ambassador) {
		if n > 0 {
			a.perBlock = n
		}
	}
}

// WithMaxInFlight bounds the number of unconfirmed bounty submissions.
func WithMaxInFlight(n int) AmbassadorOption {
	return func(a *Ambassador) {
		if n > 0 {
			a.maxInFlight = n
		}
	}
}

// WithQueueSize sets the per-chain queue capacity.
func WithQueueSize(n int) AmbassadorOption {
	return func(a *Ambassador) {
		if n > 0 {
			a.queueSize = n
		}
	}
}

// NewAmbassador constructs an ambassador. source may be nil when bounties
// are pushed directly.
func NewAmbassador(deps Deps, source BountySource, opts ...AmbassadorOption) *Ambassador {
	a := &Ambassador{
		source:      source,
		perBlock:    defaultMaxBountiesPerBlock,
		maxInFlight: defaultMaxBountiesInFlight,
		queueSize:   defaultBountyQueueSize,
		queues:      make(map[string]chan QueuedBounty),
		inflight:    make(map[string]int),
	}
	a.participant.init(storage.RoleAmbassador, deps)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Ambassador) Bind(registry *events.Registry) []events.Handle {
	return []events.Handle{
		registry.Register(events.TypeBlock, a.handleBlock),
		registry.Register(events.TypeSettleBountyDue, a.handleSettle),
	}
}

// Run feeds the chain queue from the bounty source until ctx is done.
func (a *Ambassador) Run(ctx context.Context, chain string) error {
	if a.source == nil {
		<-ctx.Done()
		return nil
	}
	err := a.source.Bounties(ctx, chain, func(ctx context.Context, b QueuedBounty) error {
		return a.Push(ctx, chain, b)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Push queues b for chain, blocking while the queue is full.
func (a *Ambassador) Push(ctx context.Context, chain string, b QueuedBounty) error {
	if b.Amount == nil || b.Amount.Sign() <= 0 {
		return fmt.Errorf("ambassador: bounty amount must be positive")
	}
	if b.URI == "" || b.Duration == 0 {
		return fmt.Errorf("ambassador: bounty needs a uri and a duration")
	}
	select {
	case a.queue(chain) <- b:
		a.logger.Info("bounty queued", slog.String("chain", chain), slog.String("uri", b.URI), slog.String("amount", b.Amount.String()))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight returns the number of unconfirmed bounty submissions on chain.
func (a *Ambassador) InFlight(chain string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inflight[chain]
}

func (a *Ambassador) queue(chain string) chan QueuedBounty {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, ok := a.queues[chain]
	if !ok {
		q = make(chan QueuedBounty, a.queueSize)
		a.queues[chain] = q
	}
	return q
}

// acquire reserves an in-flight slot, failing when the chain is saturated.
func (a *Ambassador) acquire(chain string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inflight[chain] >= a.maxInFlight {
		return false
	}
	a.inflight[chain]++
	return true
}

func (a *Ambassador) release(chain string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inflight[chain] > 0 {
		a.inflight[chain]--
	}
}

func (a *Ambassador) handleBlock(ctx context.Context, chain string, ev events.Event) error {
	block, ok := ev.(events.Block)
	if !ok {
		return fmt.Errorf("ambassador: unexpected event %T", ev)
	}
	q := a.queue(chain)
	for posted := 0; posted < a.perBlock; posted++ {
		if !a.acquire(chain) {
			a.logger.Debug("bounties in flight at limit", slog.String("chain", chain))
			return nil
		}
		var b QueuedBounty
		select {
		case b = <-q:
		default:
			a.release(chain)
			return nil
		}
		a.background(func() {
			if err := a.post(ctx, chain, block.Number, b); err != nil {
				a.release(chain)
				a.logger.Error("bounty not posted", slog.String("chain", chain), slog.String("uri", b.URI), slog.Any("error", err))
			}
		})
	}
	return nil
}

// post submits b. On success the in-flight slot is released by the
// submission callback.
func (a *Ambassador) post(ctx context.Context, chain string, height uint64, b QueuedBounty) error {
	params, err := a.gateway.Parameters(ctx, chain)
	if err != nil {
		return fmt.Errorf("ambassador: parameters: %w", err)
	}
	need := new(big.Int).Add(b.Amount, orZero(params.BountyFee))
	balance, err := a.gateway.Balance(ctx, chain, a.submitter.Address())
	if err != nil {
		return fmt.Errorf("ambassador: balance: %w", err)
	}
	if balance.Cmp(need) < 0 {
		return fmt.Errorf("%w: have %s need %s", ErrInsufficientBalance, balance, need)
	}

	guid := uuid.NewString()
	payload := bountyPayload{GUID: guid, Amount: b.Amount.String(), URI: b.URI, Duration: b.Duration}
	return a.send(ctx, chain, guid, types.ActionPostBounty, payload, func(receipt types.Receipt, err error) {
		defer a.release(chain)
		if err != nil {
			return
		}
		expiration := height + b.Duration
		if res, ok := findResult(receipt, guid); ok && res.Expiration > 0 {
			expiration = res.Expiration
		}
		if _, err := a.ledger.Track(chain, guid, storage.RoleAmbassador, expiration); err != nil {
			a.logger.Warn("unable to record bounty", slog.String("bounty", guid), slog.Any("error", err))
		} else if err := a.ledger.Update(chain, guid, func(rec *storage.BountyRecord) { rec.Posted = true }); err != nil {
			a.logger.Warn("unable to record bounty", slog.String("bounty", guid), slog.Any("error", err))
		}
		a.schedule(chain, settleHeight(expiration, params), events.SettleBountyDue{BountyGUID: guid})
	})
}

type bountyPayload struct {
	GUID     string `json:"guid"`
	Amount   string `json:"amount"`
	URI      string `json:"uri"`
	Duration uint64 `json:"duration"`
}
