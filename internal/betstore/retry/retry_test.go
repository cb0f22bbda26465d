package retry_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"pkt.systems/lotteryd/internal/betstore"
	"pkt.systems/lotteryd/internal/betstore/retry"
	"pkt.systems/lotteryd/internal/lottery"
	"pkt.systems/pslog"
)

// instantClock fires every timer immediately and records requested delays.
type instantClock struct {
	waits []time.Duration
}

func (c *instantClock) Now() time.Time { return time.Unix(0, 0) }

func (c *instantClock) After(d time.Duration) <-chan time.Time {
	c.waits = append(c.waits, d)
	ch := make(chan time.Time, 1)
	ch <- time.Unix(0, 0)
	return ch
}

type stubStore struct {
	storeErrs  []error
	storeCalls int
	loadErrs   []error
	loadCalls  int
}

func (s *stubStore) StoreBets(context.Context, []lottery.Bet) error {
	s.storeCalls++
	if idx := s.storeCalls - 1; idx < len(s.storeErrs) {
		return s.storeErrs[idx]
	}
	return nil
}

func (s *stubStore) LoadBets(context.Context) ([]lottery.Bet, error) {
	s.loadCalls++
	if idx := s.loadCalls - 1; idx < len(s.loadErrs) && s.loadErrs[idx] != nil {
		return nil, s.loadErrs[idx]
	}
	return []lottery.Bet{{Agency: 1}}, nil
}

func (s *stubStore) Close() error { return nil }

func TestRetriesTransientErrorsWithBackoff(t *testing.T) {
	transient := betstore.NewTransientError(errors.New("503"))
	inner := &stubStore{storeErrs: []error{transient, transient}}
	clk := &instantClock{}
	s := retry.Wrap(inner, pslog.NoopLogger(), clk, retry.Config{
		MaxAttempts: 5,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    15 * time.Millisecond,
		Multiplier:  2,
	})
	if err := s.StoreBets(context.Background(), nil); err != nil {
		t.Fatalf("store: %v", err)
	}
	if inner.storeCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.storeCalls)
	}
	want := []time.Duration{10 * time.Millisecond, 15 * time.Millisecond}
	if !reflect.DeepEqual(clk.waits, want) {
		t.Fatalf("expected waits %v, got %v", want, clk.waits)
	}
}

func TestDoesNotRetryPermanentErrors(t *testing.T) {
	permanent := errors.New("forbidden")
	inner := &stubStore{loadErrs: []error{permanent}}
	s := retry.Wrap(inner, nil, &instantClock{}, retry.Config{MaxAttempts: 4})
	if _, err := s.LoadBets(context.Background()); !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if inner.loadCalls != 1 {
		t.Fatalf("expected a single attempt, got %d", inner.loadCalls)
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	transient := betstore.NewTransientError(errors.New("timeout"))
	inner := &stubStore{loadErrs: []error{transient, transient, transient}}
	s := retry.Wrap(inner, nil, &instantClock{}, retry.Config{MaxAttempts: 3})
	if _, err := s.LoadBets(context.Background()); !betstore.IsTransient(err) {
		t.Fatalf("expected last transient error, got %v", err)
	}
	if inner.loadCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.loadCalls)
	}
}

func TestStopsOnContextCancel(t *testing.T) {
	transient := betstore.NewTransientError(errors.New("busy"))
	inner := &stubStore{storeErrs: []error{transient, transient, transient}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := retry.Wrap(inner, nil, &instantClock{}, retry.Config{MaxAttempts: 3})
	if err := s.StoreBets(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// keyRecorder commits the first attempt and then reports a transient error,
// the way a PUT whose reply was lost looks to the caller.
type keyRecorder struct {
	keys []string
}

func (k *keyRecorder) StoreBets(ctx context.Context, _ []lottery.Bet) error {
	k.keys = append(k.keys, betstore.BatchKey(ctx))
	if len(k.keys) == 1 {
		return betstore.NewTransientError(errors.New("connection reset by peer"))
	}
	return nil
}

func (k *keyRecorder) LoadBets(context.Context) ([]lottery.Bet, error) { return nil, nil }

func (k *keyRecorder) Close() error { return nil }

func TestRetriedBatchKeepsItsKey(t *testing.T) {
	inner := &keyRecorder{}
	s := retry.Wrap(inner, nil, &instantClock{}, retry.Config{MaxAttempts: 3})
	if err := s.StoreBets(context.Background(), []lottery.Bet{{Agency: 1}}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if len(inner.keys) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(inner.keys))
	}
	if inner.keys[0] == "" || inner.keys[0] != inner.keys[1] {
		t.Fatalf("attempts used different batch keys: %v", inner.keys)
	}

	inner.keys = nil
	if err := s.StoreBets(context.Background(), []lottery.Bet{{Agency: 1}}); err != nil {
		t.Fatalf("second store: %v", err)
	}
	if len(inner.keys) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(inner.keys))
	}
}

func TestCallerBatchKeyIsKept(t *testing.T) {
	inner := &keyRecorder{}
	s := retry.Wrap(inner, nil, &instantClock{}, retry.Config{MaxAttempts: 2})
	ctx := betstore.WithBatchKey(context.Background(), "batch-7")
	if err := s.StoreBets(ctx, []lottery.Bet{{Agency: 1}}); err != nil {
		t.Fatalf("store: %v", err)
	}
	for _, key := range inner.keys {
		if key != "batch-7" {
			t.Fatalf("expected caller key, got %v", inner.keys)
		}
	}
}
