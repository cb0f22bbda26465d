package syncval_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/lotteryd/internal/syncval"
)

func TestGetReturnsIndependentCopy(t *testing.T) {
	t.Parallel()

	v := syncval.New(map[uint32]struct{}{1: {}}, syncval.CloneMap[uint32, struct{}])
	snapshot := v.Get()
	snapshot[2] = struct{}{}
	if got := len(v.Get()); got != 1 {
		t.Fatalf("mutating a snapshot leaked into the value: len=%d", got)
	}
}

func TestSetStoresCopy(t *testing.T) {
	t.Parallel()

	src := map[uint32][]uint32{1: {10, 20}}
	v := syncval.New(map[uint32][]uint32{}, syncval.CloneSliceMap[uint32, uint32])
	v.Set(src)
	src[1][0] = 99
	if got := v.Get()[1][0]; got != 10 {
		t.Fatalf("expected stored slice to be isolated from caller, got %d", got)
	}
}

func TestConcurrentUpdatesAreNotLost(t *testing.T) {
	t.Parallel()

	const workers = 64
	v := syncval.New(0, nil)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				v.Update(func(n int) int { return n + 1 })
			}
		}()
	}
	wg.Wait()
	if got := v.Get(); got != workers*100 {
		t.Fatalf("expected %d, got %d", workers*100, got)
	}
}

func TestWaitForWakesOnUpdate(t *testing.T) {
	t.Parallel()

	v := syncval.New(0, nil)
	done := make(chan int, 1)
	go func() {
		got, err := v.WaitFor(context.Background(), func(n int) bool { return n >= 3 })
		if err != nil {
			done <- -1
			return
		}
		done <- got
	}()
	for i := 0; i < 3; i++ {
		v.Update(func(n int) int { return n + 1 })
	}
	select {
	case got := <-done:
		if got != 3 {
			t.Fatalf("expected waiter to observe 3, got %d", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestWaitForReturnsWhenContextEnds(t *testing.T) {
	t.Parallel()

	v := syncval.New(false, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := v.WaitFor(ctx, func(b bool) bool { return b })
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not wake waiter")
	}
}

func TestWaitForSatisfiedImmediately(t *testing.T) {
	t.Parallel()

	v := syncval.New(5, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := v.WaitFor(ctx, func(n int) bool { return n == 5 })
	if err != nil || got != 5 {
		t.Fatalf("expected (5, nil), got (%d, %v)", got, err)
	}
}
