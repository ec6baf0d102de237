package nonce

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
)

const (
	addr  = "0x00000000000000000000000000000000000000AA"
	chain = "home"
)

func staticSource(n uint64) (Source, *int32) {
	var calls int32
	return SourceFunc(func(context.Context, string, string) (uint64, error) {
		atomic.AddInt32(&calls, 1)
		return n, nil
	}), &calls
}

func TestConcurrentReserveFromGatewayNonce(t *testing.T) {
	src, calls := staticSource(5)
	tr := NewTracker(src)

	var wg sync.WaitGroup
	results := make([]uint64, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := tr.Reserve(context.Background(), addr, chain)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			results[i] = n
		}(i)
	}
	wg.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	if results[0] != 5 || results[1] != 6 || results[2] != 7 {
		t.Fatalf("expected {5,6,7}, got %v", results)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Fatalf("expected lazy init to query gateway once, got %d", got)
	}

	if moved := tr.Reconcile(addr, chain, 6); moved {
		t.Fatalf("reconcile behind local counter must not move it")
	}
	snap := tr.Snapshot(addr, chain)
	if snap.LastReserved != 7 || snap.Next != 8 {
		t.Fatalf("expected last reserved 7 / next 8, got %+v", snap)
	}
	n, err := tr.Reserve(context.Background(), addr, chain)
	if err != nil || n != 8 {
		t.Fatalf("expected 8 after reconcile, got %d (%v)", n, err)
	}
}

func TestManyConcurrentReservationsAreDistinctAndGapFree(t *testing.T) {
	src, _ := staticSource(100)
	tr := NewTracker(src)
	const workers, per = 16, 50
	var mu sync.Mutex
	seen := make(map[uint64]bool)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				n, err := tr.Reserve(context.Background(), addr, chain)
				if err != nil {
					t.Errorf("reserve: %v", err)
					return
				}
				mu.Lock()
				if seen[n] {
					t.Errorf("nonce %d handed out twice", n)
				}
				seen[n] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	for n := uint64(100); n < 100+workers*per; n++ {
		if !seen[n] {
			t.Fatalf("gap at nonce %d", n)
		}
	}
}

func TestReconcileAdvancesWhenGatewayAhead(t *testing.T) {
	src, _ := staticSource(0)
	tr := NewTracker(src)
	if _, err := tr.Reserve(context.Background(), addr, chain); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !tr.Reconcile(addr, chain, 10) {
		t.Fatalf("expected counter to move")
	}
	n, _ := tr.Reserve(context.Background(), addr, chain)
	if n != 10 {
		t.Fatalf("expected 10, got %d", n)
	}
}

func TestReleaseMostRecentIsReused(t *testing.T) {
	src, _ := staticSource(3)
	tr := NewTracker(src)
	n, _ := tr.Reserve(context.Background(), addr, chain)
	if !tr.Release(addr, chain, n) {
		t.Fatalf("expected most recent nonce to be reusable")
	}
	again, _ := tr.Reserve(context.Background(), addr, chain)
	if again != n {
		t.Fatalf("expected %d to be reused, got %d", n, again)
	}
}

func TestReleaseOlderRecordsGap(t *testing.T) {
	src, _ := staticSource(3)
	tr := NewTracker(src)
	first, _ := tr.Reserve(context.Background(), addr, chain)
	second, _ := tr.Reserve(context.Background(), addr, chain)
	if tr.Release(addr, chain, first) {
		t.Fatalf("older nonce must not be reused")
	}
	next, _ := tr.Reserve(context.Background(), addr, chain)
	if next != second+1 {
		t.Fatalf("expected %d, got %d", second+1, next)
	}
	snap := tr.Snapshot(addr, chain)
	if len(snap.Gaps) != 1 || snap.Gaps[0] != first {
		t.Fatalf("expected gap at %d, got %v", first, snap.Gaps)
	}
}

func TestReleaseDoesNotCascade(t *testing.T) {
	src, _ := staticSource(6)
	tr := NewTracker(src)
	six, _ := tr.Reserve(context.Background(), addr, chain)
	seven, _ := tr.Reserve(context.Background(), addr, chain)
	if !tr.Release(addr, chain, seven) {
		t.Fatalf("expected %d to be reusable", seven)
	}
	if tr.Release(addr, chain, six) {
		t.Fatalf("%d was issued before %d and must not be reused", six, seven)
	}
	snap := tr.Snapshot(addr, chain)
	if snap.Next != seven || len(snap.Gaps) != 1 || snap.Gaps[0] != six {
		t.Fatalf("expected next %d with gap at %d, got %+v", seven, six, snap)
	}
	again, _ := tr.Reserve(context.Background(), addr, chain)
	if again != seven {
		t.Fatalf("expected %d to be reused, got %d", seven, again)
	}
}

func TestReleaseUnknownNonceIgnored(t *testing.T) {
	src, _ := staticSource(3)
	tr := NewTracker(src)
	if tr.Release(addr, chain, 3) {
		t.Fatalf("release before any reservation must be ignored")
	}
	tr.Reserve(context.Background(), addr, chain)
	if tr.Release(addr, chain, 9) {
		t.Fatalf("release of unissued nonce must be ignored")
	}
}

func TestReserveNContiguous(t *testing.T) {
	src, _ := staticSource(20)
	tr := NewTracker(src)
	first, err := tr.ReserveN(context.Background(), addr, chain, 3)
	if err != nil || first != 20 {
		t.Fatalf("expected 20, got %d (%v)", first, err)
	}
	next, _ := tr.Reserve(context.Background(), addr, chain)
	if next != 23 {
		t.Fatalf("expected 23, got %d", next)
	}
	if _, err := tr.ReserveN(context.Background(), addr, chain, 0); err == nil {
		t.Fatalf("expected error for empty reservation")
	}
}

func TestSourceFailureSurfaces(t *testing.T) {
	boom := errors.New("gateway down")
	tr := NewTracker(SourceFunc(func(context.Context, string, string) (uint64, error) { return 0, boom }))
	if _, err := tr.Reserve(context.Background(), addr, chain); !errors.Is(err, boom) {
		t.Fatalf("expected gateway error, got %v", err)
	}
}

func TestPairsAreIndependent(t *testing.T) {
	src, _ := staticSource(1)
	tr := NewTracker(src)
	a, _ := tr.Reserve(context.Background(), addr, "home")
	b, _ := tr.Reserve(context.Background(), addr, "side")
	if a != 1 || b != 1 {
		t.Fatalf("expected independent counters, got %d and %d", a, b)
	}
}

func TestResyncUsesSource(t *testing.T) {
	var gateway uint64 = 4
	tr := NewTracker(SourceFunc(func(context.Context, string, string) (uint64, error) {
		return atomic.LoadUint64(&gateway), nil
	}))
	tr.Reserve(context.Background(), addr, chain)
	atomic.StoreUint64(&gateway, 9)
	if _, err := tr.Resync(context.Background(), addr, chain); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if snap := tr.Snapshot(addr, chain); snap.Next != 9 || snap.Confirmed != 9 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
