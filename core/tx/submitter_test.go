package tx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	coreerrors "polyswarmclient/core/errors"
	"polyswarmclient/core/nonce"
	"polyswarmclient/core/types"
	"polyswarmclient/crypto"
)

type outcome int

const (
	outcomeOK outcome = iota
	// outcomeDropped fails before the transaction reaches the chain.
	outcomeDropped
	// outcomeLost applies the transaction but loses the response.
	outcomeLost
	outcomeFatal
	// outcomeReverted mines the transaction with a failed receipt.
	outcomeReverted
	outcomeBlock
)

// fakeChain is a gap-tolerant chain: any unused nonce is accepted.
type fakeChain struct {
	mu       sync.Mutex
	used     map[uint64]bool
	receipts map[string]types.Receipt
	applied  []*types.Transaction
	script   []outcome
	batch    bool
	calls    int
	block    chan struct{}
}

func newFakeChain(script ...outcome) *fakeChain {
	return &fakeChain{
		used:     make(map[uint64]bool),
		receipts: make(map[string]types.Receipt),
		script:   script,
		block:    make(chan struct{}),
	}
}

func (c *fakeChain) Nonce(context.Context, string, string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var next uint64
	for n := range c.used {
		if n+1 > next {
			next = n + 1
		}
	}
	return next, nil
}

func (c *fakeChain) next() outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if len(c.script) == 0 {
		return outcomeOK
	}
	o := c.script[0]
	c.script = c.script[1:]
	return o
}

func (c *fakeChain) Submit(ctx context.Context, chain string, tx *types.Transaction) (types.Receipt, error) {
	switch c.next() {
	case outcomeDropped:
		return types.Receipt{}, coreerrors.Transient(errors.New("connection reset"))
	case outcomeFatal:
		return types.Receipt{}, coreerrors.Reject(400, "signature does not match sender")
	case outcomeReverted:
		receipt, err := c.apply(tx)
		if err != nil {
			return types.Receipt{}, err
		}
		receipt.Status = "failed"
		return receipt, coreerrors.Reverted("transaction failed")
	case outcomeBlock:
		select {
		case <-ctx.Done():
			return types.Receipt{}, ctx.Err()
		case <-c.block:
			return types.Receipt{}, coreerrors.Transient(errors.New("unblocked"))
		}
	case outcomeLost:
		if _, err := c.apply(tx); err != nil {
			return types.Receipt{}, err
		}
		return types.Receipt{}, coreerrors.Transient(errors.New("read: connection reset"))
	}
	return c.apply(tx)
}

func (c *fakeChain) apply(tx *types.Transaction) (types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.used[tx.Nonce] {
		return types.Receipt{}, coreerrors.Reject(0, "invalid transaction error: nonce already used")
	}
	c.used[tx.Nonce] = true
	hash, _ := tx.Hash()
	receipt := types.Receipt{TxHash: hash.Hex(), BlockNumber: uint64(len(c.applied) + 1), Status: "confirmed"}
	c.receipts[receipt.TxHash] = receipt
	c.applied = append(c.applied, tx)
	return receipt, nil
}

func (c *fakeChain) Receipt(_ context.Context, _ string, hash string) (types.Receipt, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[hash]
	return r, ok, nil
}

func (c *fakeChain) SupportsBatch(string) bool { return c.batch }

func (c *fakeChain) appliedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.applied)
}

type failingSigner struct{ address string }

func (f failingSigner) Address() string { return f.address }

func (f failingSigner) Sign(context.Context, string, *types.Transaction) (*types.Transaction, error) {
	return nil, errors.New("hardware wallet locked")
}

func newHarness(t *testing.T, chain *fakeChain, opts ...Option) (*Submitter, *nonce.Tracker) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	signer, err := crypto.NewKeySigner(key)
	require.NoError(t, err)
	tracker := nonce.NewTracker(chain)
	opts = append([]Option{WithBackoff(time.Millisecond, 5*time.Millisecond)}, opts...)
	return NewSubmitter(signer, chain, tracker, opts...), tracker
}

func settleRequest(t *testing.T, guid string) Request {
	t.Helper()
	action, err := types.NewAction(types.ActionSettleBounty, map[string]string{"bounty_guid": guid})
	require.NoError(t, err)
	return Request{Chain: "home", Actions: []types.Action{action}}
}

func TestTransientRetriesProduceSingleEffect(t *testing.T) {
	chain := newFakeChain(outcomeDropped, outcomeDropped, outcomeOK)
	s, _ := newHarness(t, chain)

	res, err := s.Submit(context.Background(), settleRequest(t, "b1"))
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, res.Status)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, 1, chain.appliedCount())
	require.NotEmpty(t, res.ID)
}

func TestAmbiguousFailureResolvedFromChain(t *testing.T) {
	chain := newFakeChain(outcomeLost)
	s, _ := newHarness(t, chain)

	res, err := s.Submit(context.Background(), settleRequest(t, "b2"))
	require.NoError(t, err)
	require.Equal(t, 2, res.Attempts)
	require.Equal(t, 1, chain.appliedCount(), "retry must not produce a second confirmed effect")
	require.Equal(t, uint64(0), res.Nonce)
}

func TestNonceConflictReconcilesAndRetries(t *testing.T) {
	chain := newFakeChain()
	s, tracker := newHarness(t, chain)
	// prime the tracker at nonce 0, then let another client use 0 and 1
	first, err := tracker.ReserveN(context.Background(), s.Address(), "home", 1)
	require.NoError(t, err)
	require.True(t, tracker.Release(s.Address(), "home", first))
	chain.used[0], chain.used[1] = true, true

	res, err := s.Submit(context.Background(), settleRequest(t, "b3"))
	require.NoError(t, err)
	require.Equal(t, 2, res.Attempts)
	require.Equal(t, uint64(2), res.Nonce)
}

func TestFatalRejectionReleasesNonce(t *testing.T) {
	chain := newFakeChain(outcomeFatal)
	s, tracker := newHarness(t, chain)

	res, err := s.Submit(context.Background(), settleRequest(t, "b4"))
	require.ErrorIs(t, err, coreerrors.ErrFatalChainRejection)
	require.Equal(t, StatusRejectedFatal, res.Status)
	require.Equal(t, 1, res.Attempts)

	n, err := tracker.ReserveN(context.Background(), s.Address(), "home", 1)
	require.NoError(t, err)
	require.Equal(t, res.Nonce, n, "nonce of a refused transaction should be reusable")
}

func TestRevertedTransactionKeepsNonce(t *testing.T) {
	chain := newFakeChain(outcomeReverted)
	s, tracker := newHarness(t, chain)

	res, err := s.Submit(context.Background(), settleRequest(t, "b4"))
	require.ErrorIs(t, err, coreerrors.ErrTransactionReverted)
	require.ErrorIs(t, err, coreerrors.ErrFatalChainRejection)
	require.Equal(t, StatusRejectedFatal, res.Status)
	require.Equal(t, uint64(0), res.Nonce)
	require.Equal(t, "failed", res.Receipt.Status)
	require.Equal(t, uint64(1), tracker.Snapshot(s.Address(), "home").Next)

	next, err := s.Submit(context.Background(), settleRequest(t, "b4-again"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), next.Nonce)
	require.Equal(t, 1, next.Attempts, "a spent nonce must not be handed out again")
	require.Equal(t, 2, chain.calls)
}

func TestSigningFailureIsFatal(t *testing.T) {
	chain := newFakeChain()
	tracker := nonce.NewTracker(chain)
	s := NewSubmitter(failingSigner{address: "0x00000000000000000000000000000000000000bb"}, chain, tracker)

	_, err := s.Submit(context.Background(), settleRequest(t, "b5"))
	require.ErrorIs(t, err, coreerrors.ErrSigningFailure)
	require.Equal(t, 0, chain.calls)
	snap := tracker.Snapshot("0x00000000000000000000000000000000000000bb", "home")
	require.Equal(t, uint64(0), snap.Next)
}

func TestRetriesAreBounded(t *testing.T) {
	chain := newFakeChain(outcomeDropped, outcomeDropped, outcomeDropped, outcomeDropped)
	s, _ := newHarness(t, chain, WithMaxRetries(2))

	res, err := s.Submit(context.Background(), settleRequest(t, "b6"))
	require.Error(t, err)
	require.True(t, coreerrors.IsRetryable(err))
	require.Equal(t, StatusRejectedRetryable, res.Status)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, 0, chain.appliedCount())
}

func TestRequestValidation(t *testing.T) {
	s, _ := newHarness(t, newFakeChain())
	_, err := s.Submit(context.Background(), Request{Chain: "home"})
	require.Error(t, err)
	_, err = s.Submit(context.Background(), Request{Actions: settleRequest(t, "x").Actions})
	require.Error(t, err)
}

func TestConcurrentAsyncSubmissions(t *testing.T) {
	chain := newFakeChain()
	s, _ := newHarness(t, chain)

	var mu sync.Mutex
	nonces := make(map[uint64]bool)
	for i := 0; i < 20; i++ {
		s.Go(context.Background(), settleRequest(t, "many"), func(res *Result, err error) {
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			nonces[res.Nonce] = true
		})
	}
	require.NoError(t, s.Drain(context.Background()))
	require.Len(t, nonces, 20)
	require.Equal(t, 20, chain.appliedCount())
	require.Empty(t, s.Pending())
}

func TestBatchCoalescesWhenSupported(t *testing.T) {
	chain := newFakeChain()
	chain.batch = true
	s, _ := newHarness(t, chain)

	batch := s.NewBatch("home")
	ctx := WithBatch(context.Background(), batch)
	results := make(chan *Result, 3)
	for _, guid := range []string{"a", "b", "c"} {
		req := settleRequest(t, guid)
		req.ID = guid
		s.Go(ctx, req, func(res *Result, err error) {
			require.NoError(t, err)
			results <- res
		})
	}
	require.Equal(t, 3, batch.Len())
	batch.Flush(context.Background())
	require.NoError(t, s.Drain(context.Background()))
	close(results)

	ids := map[string]bool{}
	for res := range results {
		ids[res.ID] = true
		require.Equal(t, uint64(0), res.Nonce)
	}
	require.Len(t, ids, 3)
	require.Equal(t, 1, chain.appliedCount())
	require.Len(t, chain.applied[0].Actions, 3)
}

func TestBatchFallsBackWithoutGatewaySupport(t *testing.T) {
	chain := newFakeChain()
	s, _ := newHarness(t, chain)

	batch := s.NewBatch("home")
	ctx := WithBatch(context.Background(), batch)
	for _, guid := range []string{"a", "b"} {
		s.Go(ctx, settleRequest(t, guid), nil)
	}
	batch.Flush(context.Background())
	require.NoError(t, s.Drain(context.Background()))
	require.Equal(t, 2, chain.appliedCount())
}

func TestDrainAbandonsStuckSubmissions(t *testing.T) {
	chain := newFakeChain(outcomeBlock)
	s, _ := newHarness(t, chain, WithMaxRetries(0))

	done := make(chan error, 1)
	s.Go(context.Background(), settleRequest(t, "stuck"), func(_ *Result, err error) {
		done <- err
	})
	require.Eventually(t, func() bool { return len(s.Pending()) == 1 && s.Pending()[0].Hash != "" }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Drain(ctx), context.DeadlineExceeded)
	require.ErrorIs(t, <-done, context.Canceled)

	var rejected error
	s.Go(context.Background(), settleRequest(t, "late"), func(_ *Result, err error) { rejected = err })
	require.ErrorIs(t, rejected, ErrDraining)
}
