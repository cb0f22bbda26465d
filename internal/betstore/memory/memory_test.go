package memory

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/lotteryd/internal/betstore"
	"pkt.systems/lotteryd/internal/lottery"
)

func TestStoreAndLoadKeepsOrder(t *testing.T) {
	ctx := context.Background()
	s := New()
	first := []lottery.Bet{lottery.NewBet(1, "A", "A", 1, "2000-01-01", 1)}
	second := []lottery.Bet{lottery.NewBet(2, "B", "B", 2, "2000-01-01", 2)}
	if err := s.StoreBets(ctx, first); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.StoreBets(ctx, second); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := s.LoadBets(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got[0].Agency != 1 || got[1].Agency != 2 {
		t.Fatalf("unexpected bets: %+v", got)
	}
	got[0].FirstName = "mutated"
	again, _ := s.LoadBets(ctx)
	if again[0].FirstName != "A" {
		t.Fatal("LoadBets must return a copy")
	}
}

func TestClosedStoreRejectsCalls(t *testing.T) {
	s := New()
	_ = s.Close()
	if err := s.StoreBets(context.Background(), nil); !errors.Is(err, betstore.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := s.LoadBets(context.Background()); !errors.Is(err, betstore.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
