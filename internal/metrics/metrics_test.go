package metrics

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	ctx := context.Background()
	r.ConnectionOpened(ctx)()
	r.Batch(ctx, 1, 3, nil)
	r.ProtocolViolation(ctx, "unknown_message")
	r.AgencyCompleted(ctx, 1)
	r.Draw(ctx, time.Millisecond, map[uint32][]uint32{1: {2}}, nil)
	if r.Active() != 0 {
		t.Fatal("nil recorder must report zero")
	}
}

func TestActiveConnections(t *testing.T) {
	r := New(nil)
	ctx := context.Background()
	done1 := r.ConnectionOpened(ctx)
	done2 := r.ConnectionOpened(ctx)
	if got := r.Active(); got != 2 {
		t.Fatalf("expected 2 active, got %d", got)
	}
	done1()
	done2()
	if got := r.Active(); got != 0 {
		t.Fatalf("expected 0 active, got %d", got)
	}
	r.Batch(ctx, 1, 0, errors.New("rejected"))
}
