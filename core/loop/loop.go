// Package loop drives a single chain: it keeps a gateway subscription alive,
// dispatches events, releases due deadline actions and shuts down cleanly.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	coreerrors "polyswarmclient/core/errors"
	"polyswarmclient/core/events"
	"polyswarmclient/core/schedule"
	"polyswarmclient/core/tx"
	"polyswarmclient/observability"
)

const (
	defaultMaxReconnects = 10
	defaultReconnectBase = 500 * time.Millisecond
	defaultReconnectMax  = 30 * time.Second
	defaultDrainTimeout  = 30 * time.Second
	defaultHeightTimeout = 10 * time.Second
)

// Stream yields gateway events until it fails.
type Stream interface {
	Next(ctx context.Context) (events.Event, error)
	Close() error
}

// Gateway is the subset of the chain gateway the loop needs.
type Gateway interface {
	Subscribe(ctx context.Context, chain string) (Stream, error)
	BlockHeight(ctx context.Context, chain string) (uint64, error)
}

// Submitter is the subset of the transaction submitter the loop needs.
type Submitter interface {
	NewBatch(chain string) *tx.Batch
	Drain(ctx context.Context) error
	Pending() []tx.Pending
}

// Loop coordinates one chain connection.
type Loop struct {
	chain     string
	gateway   Gateway
	registry  *events.Registry
	schedule  *schedule.Schedule
	submitter Submitter

	maxReconnects int
	reconnectBase time.Duration
	reconnectMax  time.Duration
	drainTimeout  time.Duration

	logger    *slog.Logger
	metrics   *observability.LoopMetrics
	stateHook func(from, to State)

	mu     sync.Mutex
	state  State
	height uint64
}

// Option configures a Loop.
type Option func(*Loop)

// WithSubmitter enables per-pass batching and drains the submitter on shutdown.
func WithSubmitter(s Submitter) Option {
	return func(l *Loop) {
		l.submitter = s
	}
}

// WithReconnect bounds reconnect attempts and their backoff.
func WithReconnect(maxAttempts int, base, max time.Duration) Option {
	return func(l *Loop) {
		if maxAttempts >= 0 {
			l.maxReconnects = maxAttempts
		}
		if base > 0 {
			l.reconnectBase = base
		}
		if max > 0 {
			l.reconnectMax = max
		}
	}
}

// WithDrainTimeout bounds how long shutdown waits for in-flight submissions.
func WithDrainTimeout(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.drainTimeout = d
		}
	}
}

// WithLogger overrides the loop logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics records loop activity on the supplied metrics.
func WithMetrics(metrics *observability.LoopMetrics) Option {
	return func(l *Loop) {
		l.metrics = metrics
	}
}

// WithStateHook registers a callback invoked on every state transition.
func WithStateHook(hook func(from, to State)) Option {
	return func(l *Loop) {
		l.stateHook = hook
	}
}

// New constructs a loop for chain.
func New(chain string, gateway Gateway, registry *events.Registry, sched *schedule.Schedule, opts ...Option) *Loop {
	l := &Loop{
		chain:         chain,
		gateway:       gateway,
		registry:      registry,
		schedule:      sched,
		maxReconnects: defaultMaxReconnects,
		reconnectBase: defaultReconnectBase,
		reconnectMax:  defaultReconnectMax,
		drainTimeout:  defaultDrainTimeout,
		logger:        slog.Default(),
		state:         StateDisconnected,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(slog.String("chain", chain))
	return l
}

// Chain returns the chain this loop drives.
func (l *Loop) Chain() string { return l.chain }

// State returns the current lifecycle state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Height returns the highest block height observed.
func (l *Loop) Height() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height
}

func (l *Loop) setState(next State) {
	l.mu.Lock()
	prev := l.state
	l.state = next
	l.mu.Unlock()
	if prev == next {
		return
	}
	l.logger.Info("loop state changed", slog.String("from", prev.String()), slog.String("to", next.String()))
	l.metrics.SetState(l.chain, prev.String(), next.String())
	if l.stateHook != nil {
		l.stateHook(prev, next)
	}
}

// Run drives the chain until ctx is cancelled, returning nil after a clean
// shutdown. When the gateway stays unreachable after the bounded reconnect
// attempts, Run seals the schedule, stops and returns an error wrapping
// ErrGatewayUnavailable.
func (l *Loop) Run(ctx context.Context) error {
	l.setState(StateConnecting)
	for {
		stream, err := l.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return l.shutdown()
			}
			return l.abort(err)
		}

		l.setState(StateListening)
		l.catchUp(ctx)
		err = l.listen(ctx, stream)
		_ = stream.Close()
		if ctx.Err() != nil {
			return l.shutdown()
		}

		l.logger.Warn("gateway stream lost", slog.Any("error", err))
		l.setState(StateReconnecting)
		l.registry.Dispatch(ctx, l.chain, events.Disconnected{Reason: errString(err)})
	}
}

func (l *Loop) connect(ctx context.Context) (Stream, error) {
	b := retry.NewExponential(l.reconnectBase)
	b = retry.WithCappedDuration(l.reconnectMax, b)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithMaxRetries(uint64(l.maxReconnects), b)

	var stream Stream
	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			l.metrics.RecordReconnect(l.chain)
		}
		s, err := l.gateway.Subscribe(ctx, l.chain)
		if err != nil {
			l.logger.Warn("subscribe failed", slog.Int("attempt", attempt), slog.Any("error", err))
			if coreerrors.IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, coreerrors.ErrGatewayUnavailable) {
			err = fmt.Errorf("%w: %w", coreerrors.ErrGatewayUnavailable, err)
		}
		return nil, err
	}
	return stream, nil
}

// catchUp replays deadlines that became due while the loop was not
// listening.
func (l *Loop) catchUp(ctx context.Context) {
	heightCtx, cancel := context.WithTimeout(ctx, defaultHeightTimeout)
	height, err := l.gateway.BlockHeight(heightCtx, l.chain)
	cancel()
	if err != nil {
		l.logger.Warn("block height unavailable after subscribe", slog.Any("error", err))
		height = l.Height()
	}
	l.observeHeight(height)
	l.pass(ctx, func(ctx context.Context) {
		l.registry.Dispatch(ctx, l.chain, events.Connected{Height: height})
		l.runDue(ctx, height)
	})
}

func (l *Loop) listen(ctx context.Context, stream Stream) error {
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		l.handle(ctx, ev)
	}
}

func (l *Loop) handle(ctx context.Context, ev events.Event) {
	l.metrics.RecordEvent(l.chain, ev.EventType())
	l.pass(ctx, func(ctx context.Context) {
		if block, ok := ev.(events.Block); ok {
			l.observeHeight(block.Number)
			l.registry.Dispatch(ctx, l.chain, block)
			l.runDue(ctx, block.Number)
			return
		}
		l.registry.Dispatch(ctx, l.chain, ev)
	})
}

// pass runs fn as one scheduling pass: asynchronous submissions made by
// handlers are collected and flushed together once fn returns.
func (l *Loop) pass(ctx context.Context, fn func(ctx context.Context)) {
	if l.submitter == nil {
		fn(ctx)
		return
	}
	batch := l.submitter.NewBatch(l.chain)
	fn(tx.WithBatch(ctx, batch))
	batch.Flush(ctx)
}

func (l *Loop) runDue(ctx context.Context, height uint64) {
	for _, action := range l.schedule.Get(height) {
		kind := action.Kind()
		l.metrics.RecordDue(l.chain, kind)
		if action.Timer != nil {
			if err := runTimer(ctx, action); err != nil {
				l.logger.Error("scheduled timer failed", slog.Uint64("height", action.Height), slog.Any("error", err))
			}
			continue
		}
		l.registry.Dispatch(ctx, l.chain, action.Event)
	}
	l.metrics.SetScheduled(l.chain, l.schedule.Len())
}

func runTimer(ctx context.Context, action schedule.Action) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("loop: timer panic: %v", rec)
		}
	}()
	return action.Timer(ctx)
}

func (l *Loop) observeHeight(height uint64) {
	l.mu.Lock()
	if height > l.height {
		l.height = height
	}
	l.mu.Unlock()
	l.metrics.SetHeight(l.chain, height)
}

func (l *Loop) shutdown() error {
	l.setState(StateShuttingDown)
	l.schedule.Seal()
	if l.submitter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), l.drainTimeout)
		defer cancel()
		if err := l.submitter.Drain(ctx); err != nil {
			l.logger.Warn("shutdown abandoned in-flight submissions", slog.Any("error", err))
		}
	}
	l.setState(StateStopped)
	return nil
}

// abort stops the loop after the gateway was given up on. The submitter is
// shared with other chains, so this chain's in-flight work is reported but
// not drained.
func (l *Loop) abort(cause error) error {
	l.setState(StateShuttingDown)
	l.schedule.Seal()
	if l.submitter != nil {
		for _, p := range l.submitter.Pending() {
			if !strings.EqualFold(p.Chain, l.chain) {
				continue
			}
			l.logger.Warn("abandoning in-flight submission",
				slog.String("id", p.ID),
				slog.Uint64("nonce", p.Nonce),
				slog.String("hash", p.Hash),
				slog.Int("retries", p.Retries))
		}
	}
	l.setState(StateStopped)
	return fmt.Errorf("loop %s: %w", l.chain, cause)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
