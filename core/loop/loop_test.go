package loop

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	coreerrors "polyswarmclient/core/errors"
	"polyswarmclient/core/events"
	"polyswarmclient/core/nonce"
	"polyswarmclient/core/schedule"
	"polyswarmclient/core/tx"
	"polyswarmclient/core/types"
	"polyswarmclient/crypto"
)

type fakeStream struct {
	events chan events.Event
	err    error
	closed atomic.Bool
}

func newFakeStream(err error, evs ...events.Event) *fakeStream {
	ch := make(chan events.Event, len(evs))
	for _, ev := range evs {
		ch <- ev
	}
	return &fakeStream{events: ch, err: err}
}

func (s *fakeStream) Next(ctx context.Context) (events.Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	default:
	}
	if s.err != nil {
		return nil, s.err
	}
	select {
	case ev := <-s.events:
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeGateway struct {
	mu       sync.Mutex
	streams  []*fakeStream
	height   uint64
	subErr   error
	attempts int
}

func (g *fakeGateway) Subscribe(_ context.Context, _ string) (Stream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempts++
	if g.subErr != nil {
		return nil, g.subErr
	}
	if len(g.streams) == 0 {
		return newFakeStream(nil), nil
	}
	s := g.streams[0]
	g.streams = g.streams[1:]
	return s, nil
}

func (g *fakeGateway) BlockHeight(context.Context, string) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.height, nil
}

type recorder struct {
	mu  sync.Mutex
	log []string
	ch  chan string
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan string, 64)}
}

func (r *recorder) handler(label func(events.Event) string) events.Handler {
	return func(_ context.Context, _ string, ev events.Event) error {
		entry := label(ev)
		r.mu.Lock()
		r.log = append(r.log, entry)
		r.mu.Unlock()
		r.ch <- entry
		return nil
	}
}

func (r *recorder) wait(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-r.ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func (r *recorder) entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func blockLabel(ev events.Event) string {
	return "block:" + itoa(ev.(events.Block).Number)
}

func itoa(n uint64) string { return strconv.FormatUint(n, 10) }

func runLoop(t *testing.T, l *Loop) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	return cancel, done
}

func TestLoopReleasesDueActionsAfterBlock(t *testing.T) {
	rec := newRecorder()
	registry := events.NewRegistry()
	registry.Register(events.TypeBlock, rec.handler(blockLabel))
	registry.Register(events.TypeSettleBountyDue, rec.handler(func(ev events.Event) string {
		return "settle:" + ev.(events.SettleBountyDue).BountyGUID
	}))

	sched := schedule.New()
	require.NoError(t, sched.Put(schedule.Action{Height: 5, Event: events.SettleBountyDue{BountyGUID: "b1"}}))

	gw := &fakeGateway{streams: []*fakeStream{newFakeStream(nil, events.Block{Number: 4}, events.Block{Number: 5})}}
	l := New("home", gw, registry, sched)
	cancel, done := runLoop(t, l)

	rec.wait(t, "settle:b1")
	cancel()
	require.NoError(t, <-done)

	require.Equal(t, []string{"block:4", "block:5", "settle:b1"}, rec.entries())
	require.Equal(t, StateStopped, l.State())
	require.True(t, sched.Sealed())
	require.Equal(t, uint64(5), l.Height())
}

func TestLoopCatchesUpAfterReconnect(t *testing.T) {
	rec := newRecorder()
	registry := events.NewRegistry()
	registry.Register(events.TypeBlock, rec.handler(blockLabel))
	registry.Register(events.TypeDisconnected, rec.handler(func(events.Event) string { return "disconnected" }))
	registry.Register(events.TypeConnected, rec.handler(func(ev events.Event) string {
		return "connected:" + itoa(ev.(events.Connected).Height)
	}))
	registry.Register(events.TypeVoteOnBountyDue, rec.handler(func(ev events.Event) string {
		return "vote:" + ev.(events.VoteOnBountyDue).BountyGUID
	}))

	sched := schedule.New()
	require.NoError(t, sched.Put(schedule.Action{Height: 7, Event: events.VoteOnBountyDue{BountyGUID: "b2"}}))

	gw := &fakeGateway{
		height: 0,
		streams: []*fakeStream{
			newFakeStream(io.ErrUnexpectedEOF, events.Block{Number: 1}),
		},
	}
	var states []State
	var statesMu sync.Mutex
	l := New("side", gw, registry, sched,
		WithReconnect(3, time.Millisecond, 5*time.Millisecond),
		WithStateHook(func(_, to State) {
			statesMu.Lock()
			states = append(states, to)
			statesMu.Unlock()
			if to == StateReconnecting {
				gw.mu.Lock()
				gw.height = 10
				gw.mu.Unlock()
			}
		}),
	)
	cancel, done := runLoop(t, l)

	rec.wait(t, "vote:b2")
	cancel()
	require.NoError(t, <-done)

	require.Equal(t, []string{
		"connected:0",
		"block:1",
		"disconnected",
		"connected:10",
		"vote:b2",
	}, rec.entries())

	statesMu.Lock()
	defer statesMu.Unlock()
	require.Equal(t, []State{
		StateConnecting,
		StateListening,
		StateReconnecting,
		StateListening,
		StateShuttingDown,
		StateStopped,
	}, states)
}

func TestLoopStopsWhenGatewayUnavailable(t *testing.T) {
	gw := &fakeGateway{subErr: coreerrors.Transient(errors.New("connection refused"))}
	sched := schedule.New()
	l := New("home", gw, events.NewRegistry(), sched, WithReconnect(2, time.Millisecond, 2*time.Millisecond))

	err := l.Run(context.Background())
	require.ErrorIs(t, err, coreerrors.ErrGatewayUnavailable)
	require.Equal(t, 3, gw.attempts)
	require.Equal(t, StateStopped, l.State())
	require.True(t, sched.Sealed())
	require.ErrorIs(t, sched.Put(schedule.Action{Height: 9, Event: events.SettleBountyDue{BountyGUID: "late"}}), schedule.ErrSealed)
}

// stuckSubmitter reports in-flight work that never completes.
type stuckSubmitter struct {
	pending []tx.Pending
	drains  atomic.Int32
}

func (s *stuckSubmitter) NewBatch(string) *tx.Batch { return nil }

func (s *stuckSubmitter) Drain(context.Context) error {
	s.drains.Add(1)
	return nil
}

func (s *stuckSubmitter) Pending() []tx.Pending { return s.pending }

func TestLoopAbortReportsInFlightWork(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	sub := &stuckSubmitter{pending: []tx.Pending{
		{ID: "settle-b1", Chain: "home", Nonce: 4, Hash: "0xaa", Retries: 2},
		{ID: "vote-b2", Chain: "side", Nonce: 9},
	}}
	var states []State
	gw := &fakeGateway{subErr: coreerrors.Transient(errors.New("connection refused"))}
	sched := schedule.New()
	l := New("home", gw, events.NewRegistry(), sched,
		WithReconnect(0, time.Millisecond, time.Millisecond),
		WithSubmitter(sub),
		WithLogger(logger),
		WithStateHook(func(_, to State) { states = append(states, to) }),
	)

	err := l.Run(context.Background())
	require.ErrorIs(t, err, coreerrors.ErrGatewayUnavailable)
	require.True(t, sched.Sealed())
	require.Equal(t, []State{StateConnecting, StateShuttingDown, StateStopped}, states)
	require.Zero(t, sub.drains.Load(), "a shared submitter must not be drained for one failed chain")

	out := logs.String()
	require.Contains(t, out, `"msg":"abandoning in-flight submission"`)
	require.Contains(t, out, `"id":"settle-b1"`)
	require.NotContains(t, out, `"id":"vote-b2"`)
}

func TestLoopDoesNotRetryFatalSubscribeErrors(t *testing.T) {
	gw := &fakeGateway{subErr: coreerrors.Reject(401, "unauthorized")}
	l := New("home", gw, events.NewRegistry(), schedule.New(), WithReconnect(5, time.Millisecond, time.Millisecond))

	err := l.Run(context.Background())
	require.ErrorIs(t, err, coreerrors.ErrGatewayUnavailable)
	require.ErrorIs(t, err, coreerrors.ErrFatalChainRejection)
	require.Equal(t, 1, gw.attempts)
}

func TestLoopRunsTimersAndSurvivesPanics(t *testing.T) {
	sched := schedule.New()
	fired := make(chan uint64, 2)
	require.NoError(t, sched.Put(schedule.Action{Height: 2, Timer: func(context.Context) error {
		panic("boom")
	}}))
	require.NoError(t, sched.Put(schedule.Action{Height: 2, Timer: func(context.Context) error {
		fired <- 2
		return nil
	}}))

	gw := &fakeGateway{streams: []*fakeStream{newFakeStream(nil, events.Block{Number: 2})}}
	l := New("home", gw, events.NewRegistry(), sched)
	cancel, done := runLoop(t, l)

	select {
	case h := <-fired:
		require.Equal(t, uint64(2), h)
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	cancel()
	require.NoError(t, <-done)
	require.True(t, sched.Empty())
}

type acceptingGateway struct {
	mu      sync.Mutex
	applied []*types.Transaction
}

func (g *acceptingGateway) Submit(_ context.Context, _ string, t *types.Transaction) (types.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.applied = append(g.applied, t)
	hash, err := t.Hash()
	if err != nil {
		return types.Receipt{}, err
	}
	return types.Receipt{TxHash: hash.Hex(), Status: "confirmed"}, nil
}

func (g *acceptingGateway) Receipt(context.Context, string, string) (types.Receipt, bool, error) {
	return types.Receipt{}, false, nil
}

func (g *acceptingGateway) SupportsBatch(string) bool { return true }

type drainCounter struct {
	*tx.Submitter
	drains atomic.Int32
}

func (d *drainCounter) Drain(ctx context.Context) error {
	d.drains.Add(1)
	return d.Submitter.Drain(ctx)
}

func TestLoopBatchesSubmissionsPerPassAndDrainsOnShutdown(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	signer, err := crypto.NewKeySigner(key)
	require.NoError(t, err)
	tracker := nonce.NewTracker(nonce.SourceFunc(func(context.Context, string, string) (uint64, error) {
		return 0, nil
	}))
	gateway := &acceptingGateway{}
	sub := &drainCounter{Submitter: tx.NewSubmitter(signer, gateway, tracker)}

	results := make(chan *tx.Result, 2)
	registry := events.NewRegistry()
	registry.Register(events.TypeSettleBountyDue, func(ctx context.Context, chain string, ev events.Event) error {
		action, err := types.NewAction(types.ActionSettleBounty, map[string]string{"bounty_guid": ev.(events.SettleBountyDue).BountyGUID})
		if err != nil {
			return err
		}
		sub.Go(ctx, tx.Request{Chain: chain, Actions: []types.Action{action}}, func(res *tx.Result, err error) {
			if err == nil {
				results <- res
			}
		})
		return nil
	})

	sched := schedule.New()
	require.NoError(t, sched.Put(schedule.Action{Height: 3, Event: events.SettleBountyDue{BountyGUID: "a"}}))
	require.NoError(t, sched.Put(schedule.Action{Height: 3, Event: events.SettleBountyDue{BountyGUID: "b"}}))

	gw := &fakeGateway{streams: []*fakeStream{newFakeStream(nil, events.Block{Number: 3})}}
	l := New("home", gw, registry, sched, WithSubmitter(sub), WithDrainTimeout(time.Second))
	cancel, done := runLoop(t, l)

	for i := 0; i < 2; i++ {
		select {
		case res := <-results:
			require.Equal(t, tx.StatusConfirmed, res.Status)
		case <-time.After(2 * time.Second):
			t.Fatal("submission did not complete")
		}
	}
	cancel()
	require.NoError(t, <-done)

	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	require.Len(t, gateway.applied, 1)
	require.Len(t, gateway.applied[0].Actions, 2)
	require.Equal(t, int32(1), sub.drains.Load())
}

func TestRunAllIsolatesChainFailures(t *testing.T) {
	rec := newRecorder()
	registry := events.NewRegistry()
	registry.Register(events.TypeBlock, rec.handler(blockLabel))

	healthy := New("home", &fakeGateway{streams: []*fakeStream{newFakeStream(nil, events.Block{Number: 9})}}, registry, schedule.New())
	broken := New("side", &fakeGateway{subErr: coreerrors.Transient(errors.New("refused"))}, events.NewRegistry(), schedule.New(),
		WithReconnect(1, time.Millisecond, time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunAll(ctx, healthy, broken) }()

	rec.wait(t, "block:9")
	require.Eventually(t, func() bool { return broken.State() == StateStopped }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, StateListening, healthy.State())

	cancel()
	err := <-done
	require.ErrorIs(t, err, coreerrors.ErrGatewayUnavailable)
	require.Contains(t, err.Error(), "side")
	require.NotContains(t, err.Error(), "loop home")
	require.Equal(t, StateStopped, healthy.State())
}
