package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/spec-kit/ticket-engine/internal/clock"
	"github.com/spec-kit/ticket-engine/pkg/util"
)

var errOutage = errors.New("connection refused by fake store")

func testStore(t *testing.T, clk clock.Clock) *Store {
	t.Helper()
	fast := RetryPolicy{BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
	read, write := fast, fast
	read.MaxAttempts = 3
	write.MaxAttempts = 2
	return NewStore(Config{ReadPolicy: read, WritePolicy: write, CacheTTL: 5 * time.Minute, CacheCapacity: 16},
		WithClock(clk),
		WithLogger(zaptest.NewLogger(t)),
		WithRandom(func() float64 { return 0 }),
	)
}

// flaky fails the first n calls with a transient error.
func flaky[T any](n int, value T) (func(context.Context) (T, error), *int) {
	calls := 0
	return func(context.Context) (T, error) {
		calls++
		if calls <= n {
			var zero T
			return zero, Transient(errOutage)
		}
		return value, nil
	}, &calls
}

func TestExecuteRetriesTransientReads(t *testing.T) {
	s := testStore(t, clock.Fake(time.Unix(0, 0)))
	run, calls := flaky(2, "ticket")

	res, err := Execute(context.Background(), s, Operation[string]{Name: "ticket.get", Args: []any{1}, Run: run}, Read, Fallback[string]{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != "ticket" || res.Source != SourceStore || res.Degraded {
		t.Fatalf("result = %+v", res)
	}
	if *calls != 3 || res.Attempts != 3 {
		t.Fatalf("calls = %d attempts = %d, want 3", *calls, res.Attempts)
	}
}

func TestExecuteNonRetryableSurfacesImmediately(t *testing.T) {
	s := testStore(t, clock.Fake(time.Unix(0, 0)))
	calls := 0
	_, err := Execute(context.Background(), s, Operation[int]{
		Name: "ticket.get",
		Run: func(context.Context) (int, error) {
			calls++
			return 0, util.NewNotFound("ticket", nil)
		},
	}, Read, Fallback[int]{Default: func() int { return -1 }})
	if !errors.Is(err, util.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestExecuteReadWithoutFallbackIsStorageUnavailable(t *testing.T) {
	s := testStore(t, clock.Fake(time.Unix(0, 0)))
	run, calls := flaky(10, 0)

	res, err := Execute(context.Background(), s, Operation[int]{Name: "ticket.count", Run: run}, Read, Fallback[int]{})
	if !errors.Is(err, util.ErrStorageUnavailable) {
		t.Fatalf("err = %v, want storage unavailable", err)
	}
	if !errors.Is(err, errOutage) {
		t.Fatalf("cause not wrapped: %v", err)
	}
	if *calls != 3 || res.Attempts != 3 {
		t.Fatalf("calls = %d, want 3", *calls)
	}
}

func TestExecuteReadFallsBackToCache(t *testing.T) {
	clk := clock.Fake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	s := testStore(t, clk)
	op := Operation[string]{Name: "ticket.get", Args: []any{42}}

	op.Run = func(context.Context) (string, error) { return "snapshot", nil }
	if _, err := Execute(context.Background(), s, op, Read, Fallback[string]{Cache: true}); err != nil {
		t.Fatalf("prime: %v", err)
	}

	op.Run, _ = flaky(10, "")
	res, err := Execute(context.Background(), s, op, Read, Fallback[string]{Cache: true})
	if err != nil {
		t.Fatalf("fresh fallback: %v", err)
	}
	if res.Value != "snapshot" || res.Source != SourceCache || !res.Degraded {
		t.Fatalf("fresh result = %+v", res)
	}

	clk.Advance(6 * time.Minute)
	res, err = Execute(context.Background(), s, op, Read, Fallback[string]{Cache: true})
	if err != nil {
		t.Fatalf("stale fallback: %v", err)
	}
	if res.Value != "snapshot" || res.Source != SourceStaleCache || !res.Degraded {
		t.Fatalf("stale result = %+v", res)
	}
}

func TestExecuteReadFallsBackToDefault(t *testing.T) {
	s := testStore(t, clock.Fake(time.Unix(0, 0)))
	run, _ := flaky(10, []string(nil))

	res, err := Execute(context.Background(), s, Operation[[]string]{Name: "requests.pending", Args: []any{"agent-a"}, Run: run}, Read,
		Fallback[[]string]{Cache: true, Default: func() []string { return []string{} }})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Source != SourceDefault || !res.Degraded || res.Value == nil || len(res.Value) != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestExecuteWriteNeverFallsBack(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	s := testStore(t, clk)
	op := Operation[string]{Name: "ticket.update", Args: []any{7}}

	// A cached value under the same key must not mask a failed write.
	s.cache.Put(Fingerprint(op.Name, op.Args...), "cached")
	run, calls := flaky(10, "")
	op.Run = run

	_, err := Execute(context.Background(), s, op, Write, Fallback[string]{Cache: true, Default: func() string { return "mock" }})
	if !errors.Is(err, util.ErrStorageUnavailable) {
		t.Fatalf("err = %v, want storage unavailable", err)
	}
	if *calls != 2 {
		t.Fatalf("calls = %d, want 2 write attempts", *calls)
	}
}

func TestExecuteDoesNotCacheWrites(t *testing.T) {
	s := testStore(t, clock.Fake(time.Unix(0, 0)))
	err := Do(context.Background(), s, "ticket.touch", func(context.Context) error { return nil }, 1)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if s.cache.Len() != 0 {
		t.Fatalf("cache len = %d, want 0", s.cache.Len())
	}
}

func TestExecuteCanceledContextStopsRetrying(t *testing.T) {
	s := NewStore(Config{
		ReadPolicy:    RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour, Multiplier: 1},
		WritePolicy:   DefaultWritePolicy(),
		CacheTTL:      time.Minute,
		CacheCapacity: 4,
	}, WithLogger(zaptest.NewLogger(t)))

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := Execute(ctx, s, Operation[int]{Name: "ticket.count", Run: func(context.Context) (int, error) {
			calls++
			cancel()
			return 0, Transient(errOutage)
		}}, Read, Fallback[int]{})
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, util.ErrStorageUnavailable) {
			t.Fatalf("err = %v, want storage unavailable", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Execute kept waiting after cancellation")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestForgetDropsSnapshot(t *testing.T) {
	s := testStore(t, clock.Fake(time.Unix(0, 0)))
	op := Operation[int]{Name: "ticket.get", Args: []any{3}, Run: func(context.Context) (int, error) { return 3, nil }}
	if _, err := Execute(context.Background(), s, op, Read, Fallback[int]{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	s.Forget("ticket.get", 3)

	op.Run, _ = flaky(10, 0)
	if _, err := Execute(context.Background(), s, op, Read, Fallback[int]{Cache: true}); !errors.Is(err, util.ErrStorageUnavailable) {
		t.Fatalf("err = %v, want storage unavailable after Forget", err)
	}
}
