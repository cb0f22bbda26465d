package lotteryd

import (
	"context"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/lotteryd/internal/lottery"
)

func TestChaosLatencyFullRound(t *testing.T) {
	ts := StartTestServer(t,
		WithTestAgencies(2),
		WithTestLoggerFromTB(t, pslog.InfoLevel),
		WithTestChaos(&ChaosConfig{Seed: 7, MinDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, ChunkSize: 16}),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	results := make([][]uint32, 3)
	errs := make([]error, 3)
	var wg sync.WaitGroup
	for id := uint32(1); id <= 2; id++ {
		bets := []lottery.Bet{
			bet("x", 1000*id+1, lottery.DefaultWinningNumber),
			bet("y", 1000*id+2, 1),
			bet("z", 1000*id+3, 2),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[id], errs[id] = runAgency(ctx, ts, id, bets)
		}()
	}
	wg.Wait()
	for id := 1; id <= 2; id++ {
		if errs[id] != nil {
			t.Fatalf("agency %d: %v", id, errs[id])
		}
		want := uint32(1000*id + 1)
		if len(results[id]) != 1 || results[id][0] != want {
			t.Fatalf("agency %d winners %v, want [%d]", id, results[id], want)
		}
	}
}

func TestChaosResetLeavesServerConsistent(t *testing.T) {
	ts := StartTestServer(t,
		WithTestAgencies(1),
		WithTestChaos(&ChaosConfig{Seed: 1, ResetProbability: 1, MaxResets: 1}),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := ts.NewAgency(9)
	if err != nil {
		t.Fatalf("agency: %v", err)
	}
	defer a.Close()
	bets := []lottery.Bet{bet("a", 90, lottery.DefaultWinningNumber), bet("b", 91, 3)}
	if err := a.SubmitBets(ctx, bets); err == nil {
		t.Fatal("first exchange must fail on a reset connection")
	}
	if a.Sent() != 0 {
		t.Fatalf("nothing should be acknowledged, got %d", a.Sent())
	}
	if ts.proxy.Resets() != 1 {
		t.Fatalf("expected one reset, got %d", ts.proxy.Resets())
	}
	if ts.Server.CompletedAgencies() != 0 || ts.Server.DrawDone() {
		t.Fatal("server state must be untouched by the reset")
	}

	if err := a.SubmitBets(ctx, bets); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if err := a.Finish(ctx); err != nil {
		t.Fatalf("finish: %v", err)
	}
	docs, err := a.QueryWinners(ctx)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 1 || docs[0] != 90 {
		t.Fatalf("unexpected winners %v", docs)
	}
}

func TestChaosConfigNormalize(t *testing.T) {
	cfg := (&ChaosConfig{MinDelay: 10 * time.Millisecond, MaxDelay: time.Millisecond, ResetProbability: 3}).normalize()
	if cfg.maxDelay != cfg.minDelay {
		t.Fatalf("max delay must be raised to min delay, got %s", cfg.maxDelay)
	}
	if cfg.resetProb != 1 {
		t.Fatalf("probability must be clamped, got %v", cfg.resetProb)
	}
	if cfg.chunkSize != 4<<10 || cfg.seed == 0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}
