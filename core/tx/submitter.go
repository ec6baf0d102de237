// Package tx builds, signs and submits transactions, retrying recoverable
// failures with fresh nonces.
package tx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	coreerrors "polyswarmclient/core/errors"
	"polyswarmclient/core/types"
	"polyswarmclient/observability"
)

const (
	defaultMaxRetries     = 5
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
)

// ErrDraining is returned for work handed to a submitter that is shutting down.
var ErrDraining = errors.New("tx: submitter draining")

// Signer produces signed transactions for the agent account.
type Signer interface {
	Address() string
	Sign(ctx context.Context, chain string, tx *types.Transaction) (*types.Transaction, error)
}

// Gateway sends signed transactions to the chain.
type Gateway interface {
	Submit(ctx context.Context, chain string, tx *types.Transaction) (types.Receipt, error)
	Receipt(ctx context.Context, chain, hash string) (types.Receipt, bool, error)
	SupportsBatch(chain string) bool
}

// Nonces is the subset of the nonce tracker used for submissions.
type Nonces interface {
	ReserveN(ctx context.Context, address, chain string, n int) (uint64, error)
	Resync(ctx context.Context, address, chain string) (uint64, error)
	Release(address, chain string, nonce uint64) bool
}

// Request is one logical submission. Retries never change the actions, only
// the nonce.
type Request struct {
	ID      string
	Chain   string
	Actions []types.Action
}

// Result is the terminal outcome of a request.
type Result struct {
	ID       string
	Status   Status
	Receipt  types.Receipt
	Nonce    uint64
	Attempts int
}

// Callback receives the outcome of an asynchronous submission.
type Callback func(*Result, error)

// Submitter is safe for concurrent use.
type Submitter struct {
	signer  Signer
	gateway Gateway
	nonces  Nonces

	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	logger  *slog.Logger
	metrics *observability.SubmitterMetrics
	tracer  trace.Tracer
	now     func() time.Time

	pending *pendingSet

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
	cancels  map[string]context.CancelFunc
}

// Option configures a Submitter.
type Option func(*Submitter)

// WithMaxRetries bounds the number of resubmissions after the first attempt.
func WithMaxRetries(n int) Option {
	return func(s *Submitter) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithBackoff sets the exponential backoff bounds between attempts.
func WithBackoff(initial, max time.Duration) Option {
	return func(s *Submitter) {
		if initial > 0 {
			s.initialBackoff = initial
		}
		if max > 0 {
			s.maxBackoff = max
		}
	}
}

// WithLogger overrides the submitter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Submitter) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records submissions on the supplied metrics.
func WithMetrics(metrics *observability.SubmitterMetrics) Option {
	return func(s *Submitter) {
		s.metrics = metrics
	}
}

// WithClock overrides the time source used for submission timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Submitter) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSubmitter wires a submitter to its collaborators.
func NewSubmitter(signer Signer, gateway Gateway, nonces Nonces, opts ...Option) *Submitter {
	s := &Submitter{
		signer:         signer,
		gateway:        gateway,
		nonces:         nonces,
		maxRetries:     defaultMaxRetries,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		logger:         slog.Default(),
		tracer:         otel.Tracer("polyswarmclient/core/tx"),
		now:            time.Now,
		pending:        newPendingSet(),
		cancels:        make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Address returns the account transactions are sent from.
func (s *Submitter) Address() string { return s.signer.Address() }

// Pending returns the submissions that have not reached a terminal status.
func (s *Submitter) Pending() []Pending { return s.pending.snapshot() }

// Submit runs req to a terminal status and blocks until then.
func (s *Submitter) Submit(ctx context.Context, req Request) (*Result, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}
	return s.execute(ctx, req)
}

// Go submits req asynchronously and reports the outcome to done. When ctx
// carries a Batch for req's chain, the request is queued on the batch
// instead. The submission keeps running when ctx is cancelled; only Drain
// abandons it.
func (s *Submitter) Go(ctx context.Context, req Request, done Callback) {
	if done == nil {
		done = func(*Result, error) {}
	}
	if err := validate(&req); err != nil {
		done(nil, err)
		return
	}
	if b := batchFrom(ctx); b != nil && b.chain == req.Chain && b.submitter == s {
		if b.add(req, done) {
			return
		}
	}
	s.spawn(ctx, req, done)
}

func (s *Submitter) spawn(ctx context.Context, req Request, done Callback) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		done(nil, ErrDraining)
		return
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancels[req.ID] = cancel
	s.inflight.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.inflight.Done()
		defer func() {
			s.mu.Lock()
			delete(s.cancels, req.ID)
			s.mu.Unlock()
			cancel()
		}()
		res, err := s.execute(runCtx, req)
		done(res, err)
	}()
}

// Drain stops accepting asynchronous work and waits for in-flight
// submissions. When ctx expires first, the remaining submissions are
// abandoned with a warning.
func (s *Submitter) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
	}

	for _, p := range s.pending.snapshot() {
		s.logger.Warn("abandoning in-flight submission",
			slog.String("id", p.ID),
			slog.String("chain", p.Chain),
			slog.Uint64("nonce", p.Nonce),
			slog.String("hash", p.Hash),
			slog.Int("retries", p.Retries))
		s.metrics.RecordAbandoned(p.Chain)
	}
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()
	<-finished
	return fmt.Errorf("tx: drain: %w", ctx.Err())
}

func validate(req *Request) error {
	req.Chain = strings.TrimSpace(req.Chain)
	if req.Chain == "" {
		return errors.New("tx: request chain required")
	}
	if len(req.Actions) == 0 {
		return errors.New("tx: request has no actions")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	return nil
}

// attemptState carries information between attempts of one request.
type attemptState struct {
	attempts  int
	resync    bool
	priorHash string
	nonce     uint64
}

func (s *Submitter) execute(ctx context.Context, req Request) (*Result, error) {
	from := s.signer.Address()
	start := s.now()
	ctx, span := s.tracer.Start(ctx, "tx.submit", trace.WithAttributes(
		attribute.String("tx.id", req.ID),
		attribute.String("tx.chain", req.Chain),
		attribute.Int("tx.actions", len(req.Actions)),
	))
	defer span.End()

	s.pending.add(&Pending{ID: req.ID, Chain: req.Chain, SubmittedAt: start, Status: StatusPending})
	s.metrics.AddInflight(req.Chain, 1)
	defer func() {
		s.pending.remove(req.ID)
		s.metrics.AddInflight(req.Chain, -1)
	}()

	state := &attemptState{}
	op := func() (types.Receipt, error) {
		return s.attempt(ctx, req, from, state)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.initialBackoff
	expo.MaxInterval = s.maxBackoff
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(s.maxRetries)), ctx)

	notify := func(err error, wait time.Duration) {
		s.logger.Warn("retrying transaction",
			slog.String("id", req.ID),
			slog.String("chain", req.Chain),
			slog.Int("attempt", state.attempts),
			slog.Duration("backoff", wait),
			slog.Any("error", err))
		span.AddEvent("retry", trace.WithAttributes(attribute.String("error", err.Error())))
	}

	receipt, err := backoff.RetryNotifyWithData(op, policy, notify)
	res := &Result{ID: req.ID, Receipt: receipt, Nonce: state.nonce, Attempts: state.attempts}
	if err != nil {
		res.Status = Status(coreerrors.Status(err))
		if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		s.metrics.RecordTerminal(req.Chain, string(res.Status), s.now().Sub(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("transaction failed",
			slog.String("id", req.ID),
			slog.String("chain", req.Chain),
			slog.String("status", string(res.Status)),
			slog.Int("attempts", state.attempts),
			slog.Any("error", err))
		return res, fmt.Errorf("tx: %s after %d attempt(s): %w", req.ID, state.attempts, err)
	}
	res.Status = StatusConfirmed
	s.metrics.RecordTerminal(req.Chain, string(res.Status), s.now().Sub(start))
	span.SetAttributes(attribute.String("tx.hash", receipt.TxHash), attribute.Int64("tx.nonce", int64(state.nonce)))
	return res, nil
}

func (s *Submitter) attempt(ctx context.Context, req Request, from string, state *attemptState) (types.Receipt, error) {
	state.attempts++

	// A previous attempt may have landed even though its response was lost.
	if state.priorHash != "" {
		receipt, found, err := s.gateway.Receipt(ctx, req.Chain, state.priorHash)
		if err == nil && found {
			s.logger.Info("earlier attempt confirmed after ambiguous failure",
				slog.String("id", req.ID),
				slog.String("hash", state.priorHash))
			s.metrics.RecordAttempt(req.Chain, "recovered")
			if strings.EqualFold(receipt.Status, "failed") {
				return receipt, backoff.Permanent(coreerrors.Reverted("transaction failed"))
			}
			return receipt, nil
		}
	}
	if state.resync {
		if _, err := s.nonces.Resync(ctx, from, req.Chain); err != nil {
			s.metrics.RecordAttempt(req.Chain, "resync_failed")
			return types.Receipt{}, classify(err)
		}
		state.resync = false
	}

	n, err := s.nonces.ReserveN(ctx, from, req.Chain, 1)
	if err != nil {
		s.metrics.RecordAttempt(req.Chain, "reserve_failed")
		return types.Receipt{}, classify(err)
	}
	state.nonce = n

	unsigned := &types.Transaction{Chain: req.Chain, From: from, Nonce: n, Actions: req.Actions}
	signed, err := s.signer.Sign(ctx, req.Chain, unsigned)
	if err != nil {
		s.nonces.Release(from, req.Chain, n)
		s.metrics.RecordAttempt(req.Chain, "sign_failed")
		if !errors.Is(err, coreerrors.ErrSigningFailure) {
			err = fmt.Errorf("%w: %w", coreerrors.ErrSigningFailure, err)
		}
		return types.Receipt{}, backoff.Permanent(err)
	}
	hash, err := signed.Hash()
	if err != nil {
		s.nonces.Release(from, req.Chain, n)
		return types.Receipt{}, backoff.Permanent(fmt.Errorf("%w: %w", coreerrors.ErrSigningFailure, err))
	}
	s.pending.update(req.ID, func(p *Pending) {
		p.Nonce = n
		p.Hash = hash.Hex()
		p.Tx = signed
		p.SubmittedAt = s.now()
		p.Retries = state.attempts - 1
	})

	receipt, err := s.gateway.Submit(ctx, req.Chain, signed)
	if err == nil {
		s.metrics.RecordAttempt(req.Chain, "confirmed")
		return receipt, nil
	}
	if ctx.Err() != nil {
		return types.Receipt{}, backoff.Permanent(ctx.Err())
	}
	switch {
	case errors.Is(err, coreerrors.ErrNonceConflict):
		s.metrics.RecordAttempt(req.Chain, "nonce_conflict")
		state.resync = true
		state.priorHash = ""
		return types.Receipt{}, err
	case coreerrors.IsRetryable(err):
		s.metrics.RecordAttempt(req.Chain, "transient")
		state.resync = true
		state.priorHash = hash.Hex()
		return types.Receipt{}, err
	case errors.Is(err, coreerrors.ErrTransactionReverted):
		// Mined and failed: the nonce is spent.
		s.metrics.RecordAttempt(req.Chain, "reverted")
		return receipt, backoff.Permanent(err)
	default:
		// The chain refused the payload, so the nonce was never consumed.
		s.nonces.Release(from, req.Chain, n)
		s.metrics.RecordAttempt(req.Chain, "rejected")
		return types.Receipt{}, backoff.Permanent(err)
	}
}

// classify decides whether a collaborator failure outside of sending can be
// retried.
func classify(err error) error {
	if coreerrors.IsRetryable(err) {
		return err
	}
	return backoff.Permanent(err)
}
