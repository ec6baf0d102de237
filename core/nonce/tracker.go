// Package nonce hands out per-account transaction sequence numbers and keeps
// them in line with the gateway's view of the account.
package nonce

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"polyswarmclient/observability"
)

// Source reports the next nonce the gateway expects for an account.
type Source interface {
	Nonce(ctx context.Context, address, chain string) (uint64, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, address, chain string) (uint64, error)

// Nonce implements Source.
func (f SourceFunc) Nonce(ctx context.Context, address, chain string) (uint64, error) {
	return f(ctx, address, chain)
}

// State is a point-in-time view of one (address, chain) counter.
type State struct {
	// Next is the nonce the following reservation will return.
	Next uint64
	// LastReserved is Next-1 once any nonce has been handed out. Reserved is
	// false before the first reservation.
	LastReserved uint64
	Reserved     bool
	// Confirmed is the last nonce reported by the gateway.
	Confirmed uint64
	// Gaps lists released nonces that were not reused.
	Gaps []uint64
}

type key struct {
	address string
	chain   string
}

type account struct {
	mu          sync.Mutex
	initialized bool
	next        uint64
	issued      bool
	highest     uint64
	confirmed   uint64
	gaps        map[uint64]struct{}
}

// Tracker is safe for concurrent use. Each (address, chain) pair has its own
// lock so unrelated accounts never contend.
type Tracker struct {
	source Source

	mu       sync.Mutex
	accounts map[key]*account

	logger  *slog.Logger
	metrics *observability.NonceMetrics
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger overrides the tracker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics records reservations on the supplied metrics.
func WithMetrics(metrics *observability.NonceMetrics) Option {
	return func(t *Tracker) {
		t.metrics = metrics
	}
}

// NewTracker constructs a tracker that lazily initialises counters from source.
func NewTracker(source Source, opts ...Option) *Tracker {
	t := &Tracker{
		source:   source,
		accounts: make(map[key]*account),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) account(address, chain string) *account {
	k := key{address: strings.ToLower(strings.TrimSpace(address)), chain: strings.TrimSpace(chain)}
	t.mu.Lock()
	defer t.mu.Unlock()
	acct, ok := t.accounts[k]
	if !ok {
		acct = &account{gaps: make(map[uint64]struct{})}
		t.accounts[k] = acct
	}
	return acct
}

// ensureLocked initialises the counter from the gateway. acct.mu must be held.
func (t *Tracker) ensureLocked(ctx context.Context, acct *account, address, chain string) error {
	if acct.initialized {
		return nil
	}
	if t.source == nil {
		return fmt.Errorf("nonce: no source configured for %s on %s", address, chain)
	}
	n, err := t.source.Nonce(ctx, address, chain)
	if err != nil {
		return fmt.Errorf("nonce: fetch %s on %s: %w", address, chain, err)
	}
	if n > acct.next {
		acct.next = n
	}
	acct.confirmed = n
	acct.initialized = true
	return nil
}

// Reserve returns the next unused nonce for the pair.
func (t *Tracker) Reserve(ctx context.Context, address, chain string) (uint64, error) {
	first, err := t.ReserveN(ctx, address, chain, 1)
	if err != nil {
		return 0, err
	}
	return first, nil
}

// ReserveN reserves n contiguous nonces and returns the first.
func (t *Tracker) ReserveN(ctx context.Context, address, chain string, n int) (uint64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("nonce: reservation size must be positive, got %d", n)
	}
	acct := t.account(address, chain)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	if err := t.ensureLocked(ctx, acct, address, chain); err != nil {
		return 0, err
	}
	first := acct.next
	acct.next += uint64(n)
	if last := acct.next - 1; !acct.issued || last > acct.highest {
		acct.highest = last
	}
	acct.issued = true
	t.metrics.RecordReserved(chain, n)
	return first, nil
}

// Reconcile moves the counter forward to gatewayNonce when the gateway is
// ahead. It never rewinds past outstanding reservations. It reports whether
// the counter moved.
func (t *Tracker) Reconcile(address, chain string, gatewayNonce uint64) bool {
	acct := t.account(address, chain)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.confirmed = gatewayNonce
	acct.initialized = true
	moved := false
	if gatewayNonce > acct.next {
		t.logger.Info("nonce advanced from gateway",
			slog.String("address", address),
			slog.String("chain", chain),
			slog.Uint64("local", acct.next),
			slog.Uint64("gateway", gatewayNonce))
		for gap := range acct.gaps {
			if gap < gatewayNonce {
				delete(acct.gaps, gap)
			}
		}
		acct.next = gatewayNonce
		moved = true
	}
	t.metrics.RecordReconcile(chain, moved)
	return moved
}

// Resync fetches the gateway nonce and reconciles against it.
func (t *Tracker) Resync(ctx context.Context, address, chain string) (uint64, error) {
	if t.source == nil {
		return 0, fmt.Errorf("nonce: no source configured for %s on %s", address, chain)
	}
	n, err := t.source.Nonce(ctx, address, chain)
	if err != nil {
		return 0, fmt.Errorf("nonce: resync %s on %s: %w", address, chain, err)
	}
	t.Reconcile(address, chain, n)
	return n, nil
}

// Release returns a reserved nonce whose transaction was never sent. The
// nonce is reused only when it is the highest nonce ever issued for the pair
// and nothing was reserved after it; otherwise it is recorded as a gap. It reports whether the nonce will be reused.
func (t *Tracker) Release(address, chain string, nonce uint64) bool {
	acct := t.account(address, chain)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	if !acct.issued || nonce >= acct.next {
		return false
	}
	if nonce == acct.highest && nonce == acct.next-1 && nonce >= acct.confirmed {
		acct.next--
		return true
	}
	acct.gaps[nonce] = struct{}{}
	t.metrics.RecordGap(chain)
	t.logger.Warn("released nonce recorded as gap",
		slog.String("address", address),
		slog.String("chain", chain),
		slog.Uint64("nonce", nonce),
		slog.Uint64("next", acct.next))
	return false
}

// Snapshot returns the current state of the pair.
func (t *Tracker) Snapshot(address, chain string) State {
	acct := t.account(address, chain)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	st := State{Next: acct.next, Confirmed: acct.confirmed}
	if acct.issued && acct.next > 0 {
		st.LastReserved = acct.next - 1
		st.Reserved = true
	}
	for gap := range acct.gaps {
		st.Gaps = append(st.Gaps, gap)
	}
	sort.Slice(st.Gaps, func(i, j int) bool { return st.Gaps[i] < st.Gaps[j] })
	return st
}
