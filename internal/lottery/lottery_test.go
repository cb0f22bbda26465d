package lottery_test

import (
	"errors"
	"reflect"
	"testing"

	"pkt.systems/lotteryd/internal/lottery"
)

func TestNewBetRendersDecimalFields(t *testing.T) {
	b := lottery.NewBet(1, "Ana", "Gómez", 0, "1990-01-01", 4294967295)
	if b.Document != "0" || b.Number != "4294967295" {
		t.Fatalf("unexpected decimal rendering: %+v", b)
	}
	if err := b.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsNULAndOverflow(t *testing.T) {
	cases := []lottery.Bet{
		{FirstName: "a\x00b", Document: "1", Number: "1"},
		{Document: "4294967296", Number: "1"},
		{Document: "1", Number: "x"},
	}
	for i, b := range cases {
		if err := b.Validate(); !errors.Is(err, lottery.ErrInvalidBet) {
			t.Fatalf("case %d: expected ErrInvalidBet, got %v", i, err)
		}
	}
}

func TestDrawGroupsWinnersByAgency(t *testing.T) {
	bets := []lottery.Bet{
		lottery.NewBet(1, "A", "A", 100, "2000-01-01", 7574),
		lottery.NewBet(2, "B", "B", 200, "2000-01-01", 1),
		lottery.NewBet(1, "C", "C", 101, "2000-01-01", 7574),
		lottery.NewBet(3, "D", "D", 300, "2000-01-01", 2),
	}
	got := lottery.Draw(bets, lottery.NumberRule(lottery.DefaultWinningNumber))
	want := map[uint32][]uint32{1: {100, 101}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
