package roles

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"polyswarmclient/core/events"
	"polyswarmclient/core/types"
	"polyswarmclient/roles/scanner"
	"polyswarmclient/storage"
)

const defaultScanConcurrency = 4

// ErrInsufficientBalance is logged when the account cannot cover fees and
// stakes.
var ErrInsufficientBalance = errors.New("roles: insufficient balance")

// Microengine scans bounty artifacts and stakes assertions on them.
type Microengine struct {
	participant
	scanner     scanner.Scanner
	minBid      *big.Int
	maxBid      *big.Int
	concurrency int
}

// MicroengineOption configures a Microengine.
type MicroengineOption func(*Microengine)

// WithBidRange sets the configured bid bounds in base token units.
func WithBidRange(minBid, maxBid *big.Int) MicroengineOption {
	return func(m *Microengine) {
		if minBid != nil {
			m.minBid = new(big.Int).Set(minBid)
		}
		if maxBid != nil {
			m.maxBid = new(big.Int).Set(maxBid)
		}
	}
}

// WithScanConcurrency bounds how many artifacts are fetched and scanned at
// once for a bounty.
func WithScanConcurrency(n int) MicroengineOption {
	return func(m *Microengine) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// NewMicroengine constructs a microengine backed by s.
func NewMicroengine(deps Deps, s scanner.Scanner, opts ...MicroengineOption) *Microengine {
	m := &Microengine{
		scanner:     s,
		minBid:      new(big.Int),
		maxBid:      new(big.Int),
		concurrency: defaultScanConcurrency,
	}
	m.participant.init(storage.RoleMicroengine, deps)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Microengine) Bind(registry *events.Registry) []events.Handle {
	return []events.Handle{
		registry.Register(events.TypeBounty, m.handleBounty),
		registry.Register(events.TypeRevealAssertionDue, m.handleReveal),
		registry.Register(events.TypeSettleBountyDue, m.handleSettle),
	}
}

func (m *Microengine) handleBounty(ctx context.Context, chain string, ev events.Event) error {
	bounty, ok := ev.(events.Bounty)
	if !ok {
		return fmt.Errorf("microengine: unexpected event %T", ev)
	}
	fresh, err := m.ledger.Track(chain, bounty.GUID, storage.RoleMicroengine, bounty.Expiration)
	if err != nil {
		return err
	}
	if !fresh {
		m.logger.Info("bounty already seen", slog.String("chain", chain), slog.String("bounty", bounty.GUID))
		return nil
	}
	m.background(func() {
		if err := m.assert(ctx, chain, bounty); err != nil {
			m.logger.Error("assertion skipped", slog.String("chain", chain), slog.String("bounty", bounty.GUID), slog.Any("error", err))
		}
	})
	return nil
}

func (m *Microengine) assert(ctx context.Context, chain string, bounty events.Bounty) error {
	results, err := scanAll(ctx, m.gateway, m.scanner, m.concurrency, chain, bounty.GUID, bounty.URI)
	if err != nil {
		return err
	}
	mask := make([]bool, len(results))
	verdicts := make([]bool, len(results))
	confidences := make([]float64, len(results))
	metadata := make([]string, len(results))
	asserting := false
	for i, r := range results {
		mask[i] = r.Bit
		verdicts[i] = r.Verdict
		confidences[i] = r.Confidence
		metadata[i] = r.Metadata
		asserting = asserting || r.Bit
	}
	if !asserting {
		m.logger.Info("no artifacts to assert on", slog.String("chain", chain), slog.String("bounty", bounty.GUID))
		return nil
	}

	params, err := m.gateway.Parameters(ctx, chain)
	if err != nil {
		return fmt.Errorf("microengine: parameters: %w", err)
	}
	bid := Bid(m.minBid, m.maxBid, params.AssertionBidMinimum, mask, confidences)
	need := new(big.Int).Add(bid, orZero(params.AssertionFee))
	balance, err := m.gateway.Balance(ctx, chain, m.submitter.Address())
	if err != nil {
		return fmt.Errorf("microengine: balance: %w", err)
	}
	if balance.Cmp(need) < 0 {
		return fmt.Errorf("%w: have %s need %s", ErrInsufficientBalance, balance, need)
	}

	nonce, commitment, err := commit(verdicts)
	if err != nil {
		return err
	}
	payload := assertionPayload{
		BountyGUID: bounty.GUID,
		Bid:        bid.String(),
		Mask:       mask,
		Commitment: commitment,
	}
	return m.submit(ctx, chain, bounty.GUID, types.ActionPostAssertion, payload, func(receipt types.Receipt) {
		var index uint64
		if res, ok := findResult(receipt, bounty.GUID); ok {
			index = res.Index
		}
		if err := m.ledger.Update(chain, bounty.GUID, func(rec *storage.BountyRecord) {
			rec.Asserted = true
			rec.Index = index
		}); err != nil {
			m.logger.Warn("unable to record assertion", slog.String("bounty", bounty.GUID), slog.Any("error", err))
		}
		m.schedule(chain, bounty.Expiration, events.RevealAssertionDue{
			BountyGUID: bounty.GUID,
			Index:      index,
			Nonce:      nonce,
			Verdicts:   verdicts,
			Metadata:   strings.Join(metadata, ";"),
		})
		m.schedule(chain, settleHeight(bounty.Expiration, params), events.SettleBountyDue{BountyGUID: bounty.GUID})
	})
}

func (m *Microengine) handleReveal(ctx context.Context, chain string, ev events.Event) error {
	due, ok := ev.(events.RevealAssertionDue)
	if !ok {
		return fmt.Errorf("microengine: unexpected event %T", ev)
	}
	if m.stale(chain, due.BountyGUID, due.EventType()) {
		return nil
	}
	payload := revealPayload{
		BountyGUID: due.BountyGUID,
		Index:      due.Index,
		Nonce:      due.Nonce,
		Verdicts:   due.Verdicts,
		Metadata:   due.Metadata,
	}
	return m.submit(ctx, chain, due.BountyGUID, types.ActionRevealAssertion, payload, func(types.Receipt) {
		if err := m.ledger.Update(chain, due.BountyGUID, func(rec *storage.BountyRecord) { rec.Revealed = true }); err != nil {
			m.logger.Warn("unable to record reveal", slog.String("bounty", due.BountyGUID), slog.Any("error", err))
		}
	})
}

// scanAll fetches every artifact behind uri and scans them concurrently.
// Artifacts that cannot be fetched yield an empty result, which does not
// assert.
func scanAll(ctx context.Context, gw Gateway, s scanner.Scanner, concurrency int, chain, guid, uri string) ([]scanner.Result, error) {
	artifacts, err := gw.Artifacts(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	results := make([]scanner.Result, len(artifacts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range artifacts {
		i := i
		g.Go(func() error {
			content, err := gw.Artifact(gctx, uri, i)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return nil
			}
			res, err := s.Scan(gctx, guid, content, chain)
			if err != nil {
				return fmt.Errorf("scan artifact %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// commit draws a random reveal nonce and returns it with the commitment
// keccak256(nonce || verdicts) where verdicts are packed little-end first
// into a 256-bit word.
func commit(verdicts []bool) (string, string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", "", fmt.Errorf("microengine: nonce: %w", err)
	}
	nonce := new(uint256.Int).SetBytes32(raw[:])
	return nonce.Dec(), commitment(nonce, verdicts), nil
}

func commitment(nonce *uint256.Int, verdicts []bool) string {
	packed := packBools(verdicts)
	nonceBytes := nonce.Bytes32()
	packedBytes := packed.Bytes32()
	return hexutil.Encode(crypto.Keccak256(nonceBytes[:], packedBytes[:]))
}

func packBools(values []bool) *uint256.Int {
	out := new(uint256.Int)
	one := uint256.NewInt(1)
	for i, v := range values {
		if v && i < 256 {
			out.Or(out, new(uint256.Int).Lsh(one, uint(i)))
		}
	}
	return out
}

type assertionPayload struct {
	BountyGUID string `json:"bounty_guid"`
	Bid        string `json:"bid"`
	Mask       []bool `json:"mask"`
	Commitment string `json:"commitment"`
}

type revealPayload struct {
	BountyGUID string `json:"bounty_guid"`
	Index      uint64 `json:"index"`
	Nonce      string `json:"nonce"`
	Verdicts   []bool `json:"verdicts"`
	Metadata   string `json:"metadata"`
}
