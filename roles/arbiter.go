package roles

import (
	"context"
	"fmt"
	"log/slog"

	"polyswarmclient/bloom"
	"polyswarmclient/core/events"
	"polyswarmclient/core/types"
	"polyswarmclient/roles/scanner"
	"polyswarmclient/storage"
)

// Arbiter establishes ground truth for bounties and votes on it once the
// reveal window has closed.
type Arbiter struct {
	participant
	scanner     scanner.Scanner
	concurrency int
}

// ArbiterOption configures an Arbiter.
type ArbiterOption func(*Arbiter)

// WithArbiterConcurrency bounds how many artifacts are scanned at once.
func WithArbiterConcurrency(n int) ArbiterOption {
	return func(a *Arbiter) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// NewArbiter constructs an arbiter backed by s.
func NewArbiter(deps Deps, s scanner.Scanner, opts ...ArbiterOption) *Arbiter {
	a := &Arbiter{scanner: s, concurrency: defaultScanConcurrency}
	for _, opt := range opts {
		opt(a)
	}
	a.participant.init(storage.RoleArbiter, deps)
	return a
}

func (a *Arbiter) Bind(registry *events.Registry) []events.Handle {
	return []events.Handle{
		registry.Register(events.TypeBounty, a.handleBounty),
		registry.Register(events.TypeVoteOnBountyDue, a.handleVote),
		registry.Register(events.TypeSettleBountyDue, a.handleSettle),
	}
}

func (a *Arbiter) handleBounty(ctx context.Context, chain string, ev events.Event) error {
	bounty, ok := ev.(events.Bounty)
	if !ok {
		return fmt.Errorf("arbiter: unexpected event %T", ev)
	}
	fresh, err := a.ledger.Track(chain, bounty.GUID, storage.RoleArbiter, bounty.Expiration)
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}
	a.background(func() {
		if err := a.judge(ctx, chain, bounty); err != nil {
			a.logger.Error("unable to judge bounty", slog.String("chain", chain), slog.String("bounty", bounty.GUID), slog.Any("error", err))
		}
	})
	return nil
}

func (a *Arbiter) judge(ctx context.Context, chain string, bounty events.Bounty) error {
	results, err := scanAll(ctx, a.gateway, a.scanner, a.concurrency, chain, bounty.GUID, bounty.URI)
	if err != nil {
		return err
	}
	votes := make([]bool, len(results))
	for i, r := range results {
		votes[i] = r.Verdict
	}

	valid, err := a.validBloom(ctx, chain, bounty)
	if err != nil {
		return err
	}
	if !valid {
		a.logger.Warn("bounty bloom does not match its artifacts", slog.String("chain", chain), slog.String("bounty", bounty.GUID))
	}

	params, err := a.gateway.Parameters(ctx, chain)
	if err != nil {
		return fmt.Errorf("arbiter: parameters: %w", err)
	}
	a.schedule(chain, bounty.Expiration+params.AssertionRevealWindow, events.VoteOnBountyDue{
		BountyGUID: bounty.GUID,
		Votes:      votes,
		ValidBloom: valid,
	})
	a.schedule(chain, settleHeight(bounty.Expiration, params), events.SettleBountyDue{BountyGUID: bounty.GUID})
	return nil
}

// validBloom rebuilds the bloom from the artifact hashes and compares it
// with the one published on chain.
func (a *Arbiter) validBloom(ctx context.Context, chain string, bounty events.Bounty) (bool, error) {
	if _, err := a.gateway.Bounty(ctx, chain, bounty.GUID); err != nil {
		return false, fmt.Errorf("arbiter: bounty: %w", err)
	}
	artifacts, err := a.gateway.Artifacts(ctx, bounty.URI)
	if err != nil {
		return false, fmt.Errorf("arbiter: artifacts: %w", err)
	}
	hashes := make([]string, len(artifacts))
	for i, art := range artifacts {
		hashes[i] = art.Hash
	}
	calculated := bloom.FromIterable(hashes)

	parts, err := a.gateway.Bloom(ctx, chain, bounty.GUID)
	if err != nil {
		return false, fmt.Errorf("arbiter: bloom: %w", err)
	}
	published, err := bloom.FromParts(calculated.Bits(), calculated.Probes(), parts)
	if err != nil {
		a.logger.Warn("published bloom is malformed", slog.String("bounty", bounty.GUID), slog.Any("error", err))
		return false, nil
	}
	return published.Equal(calculated), nil
}

func (a *Arbiter) handleVote(ctx context.Context, chain string, ev events.Event) error {
	due, ok := ev.(events.VoteOnBountyDue)
	if !ok {
		return fmt.Errorf("arbiter: unexpected event %T", ev)
	}
	if a.stale(chain, due.BountyGUID, due.EventType()) {
		return nil
	}
	payload := votePayload{BountyGUID: due.BountyGUID, Votes: due.Votes, ValidBloom: due.ValidBloom}
	return a.submit(ctx, chain, due.BountyGUID, types.ActionPostVote, payload, func(types.Receipt) {
		if err := a.ledger.Update(chain, due.BountyGUID, func(rec *storage.BountyRecord) { rec.Voted = true }); err != nil {
			a.logger.Warn("unable to record vote", slog.String("bounty", due.BountyGUID), slog.Any("error", err))
		}
	})
}

type votePayload struct {
	BountyGUID string `json:"bounty_guid"`
	Votes      []bool `json:"votes"`
	ValidBloom bool   `json:"valid_bloom"`
}
