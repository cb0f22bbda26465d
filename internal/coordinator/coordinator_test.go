package coordinator

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/lotteryd/internal/betstore"
	"pkt.systems/lotteryd/internal/betstore/memory"
	"pkt.systems/lotteryd/internal/lottery"
)

type countingStore struct {
	betstore.Store
	loads    atomic.Int32
	failNext atomic.Int32
}

func (s *countingStore) LoadBets(ctx context.Context) ([]lottery.Bet, error) {
	s.loads.Add(1)
	if s.failNext.Load() > 0 {
		s.failNext.Add(-1)
		return nil, errors.New("backend unavailable")
	}
	return s.Store.LoadBets(ctx)
}

func newTestCoordinator(t *testing.T, agencies int) (*Coordinator, *countingStore) {
	t.Helper()
	store := &countingStore{Store: memory.New()}
	c, err := New(Config{Agencies: agencies, Store: store, DrawRetryDelay: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return c, store
}

func runAsync(c *Coordinator, ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return done
}

func waitDraw(t *testing.T, c *Coordinator) DrawResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := c.WaitForDraw(ctx)
	if err != nil {
		t.Fatalf("wait for draw: %v", err)
	}
	return r
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Agencies: 0, Store: memory.New()}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New(Config{Agencies: 1}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig without store, got %v", err)
	}
}

func TestMarkCompletedIsIdempotent(t *testing.T) {
	c, _ := newTestCoordinator(t, 3)
	ctx := context.Background()
	if !c.MarkCompleted(ctx, 7) {
		t.Fatal("first completion must report true")
	}
	if c.MarkCompleted(ctx, 7) {
		t.Fatal("repeated completion must report false")
	}
	if got := c.CompletedCount(); got != 1 {
		t.Fatalf("expected 1 completed agency, got %d", got)
	}
	if !c.IsCompleted(7) || c.IsCompleted(8) {
		t.Fatal("unexpected completion state")
	}
}

func TestDrawWaitsForEveryAgency(t *testing.T) {
	c, store := newTestCoordinator(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(c, ctx)

	c.MarkCompleted(ctx, 1)
	c.MarkCompleted(ctx, 2)
	c.MarkCompleted(ctx, 2)
	time.Sleep(50 * time.Millisecond)
	if c.DrawDone() {
		t.Fatal("draw ran before all agencies completed")
	}
	if _, ready := c.Winners(1); ready {
		t.Fatal("winners must not be available before the draw")
	}
	c.MarkCompleted(ctx, 3)
	waitDraw(t, c)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := store.loads.Load(); got != 1 {
		t.Fatalf("expected a single bulk load, got %d", got)
	}
}

func TestConcurrentCompletionsFireBarrierOnce(t *testing.T) {
	const n = 50
	c, store := newTestCoordinator(t, n)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(c, ctx)

	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(agency uint32) {
			defer wg.Done()
			c.MarkCompleted(ctx, agency)
			c.MarkCompleted(ctx, agency)
		}(uint32(i))
	}
	wg.Wait()
	waitDraw(t, c)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := c.CompletedCount(); got != n {
		t.Fatalf("expected %d completions, got %d", n, got)
	}
	if got := store.loads.Load(); got != 1 {
		t.Fatalf("expected draw to load once, got %d", got)
	}
}

func TestDrawComputesWinnersPerAgency(t *testing.T) {
	c, _ := newTestCoordinator(t, 3)
	ctx := context.Background()
	batches := [][]lottery.Bet{
		{lottery.NewBet(1, "A", "A", 11, "2000-01-01", 7574), lottery.NewBet(1, "B", "B", 12, "2000-01-01", 1)},
		{lottery.NewBet(2, "C", "C", 21, "2000-01-01", 7574)},
		{lottery.NewBet(3, "D", "D", 31, "2000-01-01", 3)},
	}
	for _, b := range batches {
		if err := c.StoreBets(ctx, b[0].Agency, b); err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	done := runAsync(c, ctx)
	for agency := uint32(1); agency <= 3; agency++ {
		c.MarkCompleted(ctx, agency)
	}
	r := waitDraw(t, c)
	<-done
	want := map[uint32][]uint32{1: {11}, 2: {21}}
	if !reflect.DeepEqual(r.Winners, want) {
		t.Fatalf("expected %v, got %v", want, r.Winners)
	}
	docs, ready := c.Winners(3)
	if !ready || docs == nil || len(docs) != 0 {
		t.Fatalf("expected empty non-nil winners for agency 3, got %v (ready=%v)", docs, ready)
	}
	docs, _ = c.Winners(99)
	if docs == nil || len(docs) != 0 {
		t.Fatalf("expected empty winners for unknown agency, got %v", docs)
	}
	r.Winners[1][0] = 0
	if again, _ := c.Winners(1); again[0] != 11 {
		t.Fatal("published result must not be mutable through a snapshot")
	}
	if err := c.StoreBets(ctx, 1, batches[0]); !errors.Is(err, ErrDrawClosed) {
		t.Fatalf("expected ErrDrawClosed after the draw, got %v", err)
	}
}

func TestRunStopsOnShutdown(t *testing.T) {
	c, store := newTestCoordinator(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(c, ctx)
	c.MarkCompleted(ctx, 1)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("barrier did not wake on shutdown")
	}
	if c.DrawDone() || store.loads.Load() != 0 {
		t.Fatal("draw must not run after shutdown")
	}
}

func TestRunRetriesFailedDraw(t *testing.T) {
	c, store := newTestCoordinator(t, 1)
	store.failNext.Store(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(c, ctx)
	c.MarkCompleted(ctx, 1)
	waitDraw(t, c)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := store.loads.Load(); got != 3 {
		t.Fatalf("expected 3 load attempts, got %d", got)
	}
}

// gatedStore blocks StoreBets until release is closed.
type gatedStore struct {
	betstore.Store
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) StoreBets(ctx context.Context, bets []lottery.Bet) error {
	close(s.entered)
	<-s.release
	return s.Store.StoreBets(ctx, bets)
}

func TestTerminatorWaitsForInFlightBatch(t *testing.T) {
	store := &gatedStore{Store: memory.New(), entered: make(chan struct{}), release: make(chan struct{})}
	c, err := New(Config{Agencies: 2, Store: store})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	stored := make(chan error, 1)
	go func() {
		stored <- c.StoreBets(ctx, 1, []lottery.Bet{lottery.NewBet(1, "A", "B", 10, "2000-01-01", 7574)})
	}()
	<-store.entered

	marked := make(chan struct{})
	go func() {
		c.MarkCompleted(ctx, 1)
		close(marked)
	}()
	select {
	case <-marked:
		t.Fatal("terminator completed while a batch of the same agency was being stored")
	case <-time.After(50 * time.Millisecond):
	}
	close(store.release)
	if err := <-stored; err != nil {
		t.Fatalf("in-flight batch: %v", err)
	}
	<-marked

	late := []lottery.Bet{lottery.NewBet(1, "C", "D", 11, "2000-01-01", 1)}
	if err := c.StoreBets(ctx, 1, late); !errors.Is(err, ErrAgencyCompleted) {
		t.Fatalf("expected ErrAgencyCompleted, got %v", err)
	}
}
