// Package roles implements the bounty marketplace participants: the
// ambassador posts bounties, the microengine asserts on them and the
// arbiter votes on their ground truth. Each role only reacts to events from
// the registry and never blocks the coordination loop on chain round trips.
package roles

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/holiman/uint256"

	coreerrors "polyswarmclient/core/errors"
	"polyswarmclient/core/events"
	"polyswarmclient/core/schedule"
	"polyswarmclient/core/tx"
	"polyswarmclient/core/types"
	"polyswarmclient/gateway"
	"polyswarmclient/observability"
	"polyswarmclient/storage"
)

// Role binds its handlers to a registry.
type Role interface {
	Bind(registry *events.Registry) []events.Handle
}

// Gateway is the read side of the chain gateway used by roles.
type Gateway interface {
	Parameters(ctx context.Context, chain string) (gateway.Parameters, error)
	Bounty(ctx context.Context, chain, guid string) (gateway.Bounty, error)
	Bloom(ctx context.Context, chain, guid string) ([]*uint256.Int, error)
	Balance(ctx context.Context, chain, address string) (*big.Int, error)
	Artifacts(ctx context.Context, uri string) ([]gateway.Artifact, error)
	Artifact(ctx context.Context, uri string, index int) ([]byte, error)
}

// Submitter queues transactions without blocking the caller.
type Submitter interface {
	Address() string
	Go(ctx context.Context, req tx.Request, done tx.Callback)
}

// Schedules maps a chain name to its deadline schedule.
type Schedules map[string]*schedule.Schedule

// Put schedules ev at height on chain.
func (s Schedules) Put(chain string, height uint64, ev events.Event) error {
	sched, ok := s[chain]
	if !ok {
		return fmt.Errorf("roles: no schedule for chain %q", chain)
	}
	return sched.Put(schedule.Action{Height: height, Event: ev})
}

// Deps carries the collaborators shared by every role.
type Deps struct {
	Gateway   Gateway
	Submitter Submitter
	Schedules Schedules
	Ledger    *storage.Ledger
	Logger    *slog.Logger
	Metrics   *observability.LoopMetrics
}

// participant holds what every role needs: submitting, scheduling,
// settling and tracking background work.
type participant struct {
	role      storage.Role
	gateway   Gateway
	submitter Submitter
	schedules Schedules
	ledger    *storage.Ledger
	logger    *slog.Logger
	metrics   *observability.LoopMetrics

	wg sync.WaitGroup
}

func (p *participant) init(role storage.Role, deps Deps) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ledger := deps.Ledger
	if ledger == nil {
		ledger = storage.NewLedger(storage.NewMemDB())
	}
	p.role = role
	p.gateway = deps.Gateway
	p.submitter = deps.Submitter
	p.schedules = deps.Schedules
	p.ledger = ledger
	p.logger = logger.With(slog.String("role", string(role)))
	p.metrics = deps.Metrics
}

// Wait blocks until background work started by handlers has finished.
func (p *participant) Wait() {
	p.wg.Wait()
}

func (p *participant) background(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
}

// submit queues a single action. done runs only when the submission is
// confirmed; failures are logged.
func (p *participant) submit(ctx context.Context, chain, guid string, kind types.ActionKind, payload any, done func(types.Receipt)) error {
	return p.send(ctx, chain, guid, kind, payload, func(receipt types.Receipt, err error) {
		if err == nil && done != nil {
			done(receipt)
		}
	})
}

// send queues a single action and calls after with the terminal outcome.
// after is not called when send itself returns an error.
func (p *participant) send(ctx context.Context, chain, guid string, kind types.ActionKind, payload any, after func(types.Receipt, error)) error {
	action, err := types.NewAction(kind, payload)
	if err != nil {
		return err
	}
	logger := p.logger.With(slog.String("chain", chain), slog.String("bounty", guid), slog.String("action", string(kind)))
	p.submitter.Go(ctx, tx.Request{Chain: chain, Actions: []types.Action{action}}, func(res *tx.Result, err error) {
		if err != nil {
			logger.Error("submission failed", slog.String("status", coreerrors.Status(err)), slog.Any("error", err))
			after(types.Receipt{}, err)
			return
		}
		logger.Info("submission confirmed", slog.Uint64("nonce", res.Nonce), slog.Int("attempts", res.Attempts))
		after(res.Receipt, nil)
	})
	return nil
}

// schedule records a deadline action and logs failures. It reports whether
// the action was accepted.
func (p *participant) schedule(chain string, height uint64, ev events.Event) bool {
	if err := p.schedules.Put(chain, height, ev); err != nil {
		p.logger.Warn("unable to schedule action",
			slog.String("chain", chain),
			slog.String("kind", ev.EventType()),
			slog.Uint64("height", height),
			slog.Any("error", err))
		return false
	}
	return true
}

// stale reports whether a deadline action refers to a bounty this agent has
// already settled. Stale actions are logged, counted and dropped.
func (p *participant) stale(chain, guid, kind string) bool {
	settled, err := p.ledger.Settled(chain, guid)
	if err != nil {
		p.logger.Warn("ledger lookup failed", slog.String("chain", chain), slog.String("bounty", guid), slog.Any("error", err))
		return false
	}
	if !settled {
		return false
	}
	p.logger.Warn("dropping deadline for settled bounty",
		slog.String("chain", chain),
		slog.String("bounty", guid),
		slog.String("kind", kind),
		slog.Any("error", coreerrors.ErrSchedulingInconsistency))
	p.metrics.RecordStale(chain, kind)
	return true
}

func (p *participant) handleSettle(ctx context.Context, chain string, ev events.Event) error {
	due, ok := ev.(events.SettleBountyDue)
	if !ok {
		return fmt.Errorf("roles: unexpected event %T", ev)
	}
	if p.stale(chain, due.BountyGUID, due.EventType()) {
		return nil
	}
	return p.submit(ctx, chain, due.BountyGUID, types.ActionSettleBounty, settlePayload{BountyGUID: due.BountyGUID}, func(types.Receipt) {
		if err := p.ledger.MarkSettled(chain, due.BountyGUID); err != nil {
			p.logger.Warn("unable to record settlement", slog.String("bounty", due.BountyGUID), slog.Any("error", err))
		}
	})
}

// settleHeight is the first block at which a bounty can be settled.
func settleHeight(expiration uint64, params gateway.Parameters) uint64 {
	return expiration + params.AssertionRevealWindow + params.ArbiterVoteWindow
}

// actionResult is one entry of a receipt's per-action results.
type actionResult struct {
	GUID       string `json:"guid"`
	BountyGUID string `json:"bounty_guid"`
	Index      uint64 `json:"index"`
	Expiration uint64 `json:"expiration"`
}

// findResult returns the receipt entry that refers to guid. Batched
// submissions share a receipt, so entries are matched by bounty.
func findResult(receipt types.Receipt, guid string) (actionResult, bool) {
	for _, raw := range receipt.Results {
		var res actionResult
		if err := json.Unmarshal(raw, &res); err != nil {
			continue
		}
		if strings.EqualFold(res.GUID, guid) || strings.EqualFold(res.BountyGUID, guid) {
			return res, true
		}
	}
	return actionResult{}, false
}

type settlePayload struct {
	BountyGUID string `json:"bounty_guid"`
}
