package betstore_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"pkt.systems/lotteryd/internal/betstore"
	"pkt.systems/lotteryd/internal/lottery"
)

func TestCSVPreservesQuotedFields(t *testing.T) {
	bets := []lottery.Bet{
		lottery.NewBet(1, "Juan, Jr", `O"Neil`, 30904465, "1999-03-17", 7574),
		lottery.NewBet(2, "María", "Núñez", 0, "2000-01-01", 1),
	}
	var buf bytes.Buffer
	if err := betstore.WriteCSV(&buf, bets); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := betstore.ReadCSV(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !reflect.DeepEqual(got, bets) {
		t.Fatalf("expected %+v, got %+v", bets, got)
	}
}

func TestReadCSVRejectsCorruptRecords(t *testing.T) {
	for _, input := range []string{"1,a,b,c\n", "x,a,b,1,d,2\n"} {
		if _, err := betstore.ReadCSV(strings.NewReader(input)); !errors.Is(err, betstore.ErrCorrupt) {
			t.Fatalf("input %q: expected ErrCorrupt, got %v", input, err)
		}
	}
}

func TestTransientMarking(t *testing.T) {
	base := errors.New("boom")
	err := fmt.Errorf("put: %w", betstore.NewTransientError(base))
	if !betstore.IsTransient(err) {
		t.Fatal("expected wrapped transient error to be detected")
	}
	if !errors.Is(err, base) {
		t.Fatal("transient wrapper must keep the cause reachable")
	}
	if betstore.IsTransient(base) || betstore.NewTransientError(nil) != nil {
		t.Fatal("unexpected transient classification")
	}
}

func TestWriteCSVRejectsCarriageReturn(t *testing.T) {
	bets := []lottery.Bet{
		lottery.NewBet(1, "Ana", "Pérez", 1, "2000-01-01", 1),
		{Agency: 1, FirstName: "Luis\r\nJosé", LastName: "Gómez", Document: "2", Birthdate: "2000-01-01", Number: "2"},
	}
	var buf bytes.Buffer
	if err := betstore.WriteCSV(&buf, bets); !errors.Is(err, betstore.ErrInvalidField) {
		t.Fatalf("expected ErrInvalidField, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("rejected batch must not be written, got %q", buf.String())
	}
}

func TestBatchKey(t *testing.T) {
	ctx := context.Background()
	if a, b := betstore.BatchKey(ctx), betstore.BatchKey(ctx); a == "" || a == b {
		t.Fatalf("expected fresh keys without a pinned key, got %q and %q", a, b)
	}
	pinned := betstore.WithBatchKey(ctx, "0190c2a4-batch")
	if got := betstore.BatchKey(pinned); got != "0190c2a4-batch" {
		t.Fatalf("expected pinned key, got %q", got)
	}
}
