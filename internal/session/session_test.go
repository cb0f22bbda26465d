package session

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"pkt.systems/lotteryd/internal/betstore/memory"
	"pkt.systems/lotteryd/internal/coordinator"
	"pkt.systems/lotteryd/internal/lottery"
	"pkt.systems/lotteryd/internal/wire"
)

type harness struct {
	coord  *coordinator.Coordinator
	store  *memory.Store
	client *wire.Codec
	conn   net.Conn
	h      *Handler
	served chan error
}

func newHarness(t *testing.T, coord *coordinator.Coordinator, store *memory.Store) *harness {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })
	h := New(Config{
		ID:           "test",
		Conn:         serverConn,
		Coordinator:  coord,
		WriteTimeout: time.Second,
	})
	served := make(chan error, 1)
	go func() { served <- h.Serve(context.Background()) }()
	return &harness{
		coord:  coord,
		store:  store,
		client: wire.NewCodec(clientConn, wire.RoleClient),
		conn:   clientConn,
		h:      h,
		served: served,
	}
}

func newCoordinator(t *testing.T, agencies int) (*coordinator.Coordinator, *memory.Store) {
	t.Helper()
	store := memory.New()
	c, err := coordinator.New(coordinator.Config{Agencies: agencies, Store: store})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	return c, store
}

func (hs *harness) send(t *testing.T, msg wire.Message) {
	t.Helper()
	if err := hs.client.WriteMessage(msg); err != nil {
		t.Fatalf("write %T: %v", msg, err)
	}
}

func (hs *harness) expect(t *testing.T) wire.Message {
	t.Helper()
	_ = hs.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := hs.client.ReadMessage()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return msg
}

func (hs *harness) expectClosed(t *testing.T) {
	t.Helper()
	_ = hs.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if msg, err := hs.client.ReadMessage(); !errors.Is(err, wire.ErrConnectionClosed) {
		t.Fatalf("expected server to close the connection, got %v / %v", msg, err)
	}
}

func (hs *harness) result(t *testing.T) error {
	t.Helper()
	select {
	case err := <-hs.served:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func bets(agency uint32, n int) []lottery.Bet {
	out := make([]lottery.Bet, n)
	for i := range out {
		out[i] = lottery.NewBet(agency, "Nombre", "Apellido", uint32(1000+i), "1990-01-01", uint32(i))
	}
	return out
}

func TestBatchesThenTerminator(t *testing.T) {
	coord, store := newCoordinator(t, 2)
	hs := newHarness(t, coord, store)

	hs.send(t, wire.BatchSubmission{Agency: 1, Bets: bets(1, 3)})
	if ack := hs.expect(t); ack != (wire.Ack{Code: wire.AckOK}) {
		t.Fatalf("expected ok ack, got %#v", ack)
	}
	hs.send(t, wire.BatchSubmission{Agency: 1, Bets: bets(1, 2)})
	if ack := hs.expect(t); ack != (wire.Ack{Code: wire.AckOK}) {
		t.Fatalf("expected ok ack, got %#v", ack)
	}
	hs.send(t, wire.BatchSubmission{Agency: 1})
	if ack := hs.expect(t); ack != (wire.Ack{Code: wire.AckOK}) {
		t.Fatalf("expected ok ack for terminator, got %#v", ack)
	}
	hs.expectClosed(t)
	if err := hs.result(t); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if store.Len() != 5 {
		t.Fatalf("expected 5 stored bets, got %d", store.Len())
	}
	if !coord.IsCompleted(1) {
		t.Fatal("agency 1 must be completed")
	}
	if hs.h.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", hs.h.State())
	}
}

func TestBatchFromCompletedAgencyIsRejected(t *testing.T) {
	coord, store := newCoordinator(t, 2)
	coord.MarkCompleted(context.Background(), 4)
	hs := newHarness(t, coord, store)

	hs.send(t, wire.BatchSubmission{Agency: 4, Bets: bets(4, 1)})
	if ack := hs.expect(t); ack != (wire.Ack{Code: wire.AckError}) {
		t.Fatalf("expected error ack, got %#v", ack)
	}
	hs.expectClosed(t)
	if err := hs.result(t); !errors.Is(err, ErrAgencyCompleted) {
		t.Fatalf("expected ErrAgencyCompleted, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatal("rejected batch must not be stored")
	}
}

func TestRepeatedTerminatorIsAcknowledged(t *testing.T) {
	coord, store := newCoordinator(t, 2)
	coord.MarkCompleted(context.Background(), 4)
	hs := newHarness(t, coord, store)

	hs.send(t, wire.BatchSubmission{Agency: 4})
	if ack := hs.expect(t); ack != (wire.Ack{Code: wire.AckOK}) {
		t.Fatalf("expected ok ack, got %#v", ack)
	}
	if got := coord.CompletedCount(); got != 1 {
		t.Fatalf("expected one completed agency, got %d", got)
	}
}

func TestWinnersQueryBeforeDraw(t *testing.T) {
	coord, store := newCoordinator(t, 2)
	hs := newHarness(t, coord, store)

	hs.send(t, wire.WinnersQuery{Agency: 1})
	if msg := hs.expect(t); msg != (wire.DrawNotReady{}) {
		t.Fatalf("expected DrawNotReady, got %#v", msg)
	}
	hs.expectClosed(t)
	if err := hs.result(t); err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func TestWinnersQueryAfterDraw(t *testing.T) {
	coord, store := newCoordinator(t, 1)
	ctx := context.Background()
	winning := lottery.NewBet(1, "Ana", "Díaz", 30904465, "1999-03-17", lottery.DefaultWinningNumber)
	if err := coord.StoreBets(ctx, 1, []lottery.Bet{winning}); err != nil {
		t.Fatal(err)
	}
	go coord.Run(ctx)
	coord.MarkCompleted(ctx, 1)
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := coord.WaitForDraw(waitCtx); err != nil {
		t.Fatalf("draw: %v", err)
	}

	hs := newHarness(t, coord, store)
	hs.send(t, wire.WinnersQuery{Agency: 1})
	msg := hs.expect(t)
	resp, ok := msg.(wire.WinnersResponse)
	if !ok || resp.Count() != 1 || resp.Documents[0] != 30904465 {
		t.Fatalf("unexpected winners response %#v", msg)
	}
	hs.expectClosed(t)

	hs = newHarness(t, coord, store)
	hs.send(t, wire.BatchSubmission{Agency: 2, Bets: bets(2, 1)})
	if ack := hs.expect(t); ack != (wire.Ack{Code: wire.AckError}) {
		t.Fatalf("expected error ack after draw, got %#v", ack)
	}
	if err := hs.result(t); !errors.Is(err, ErrBatchAfterDraw) {
		t.Fatalf("expected ErrBatchAfterDraw, got %v", err)
	}
}

func TestUnknownTagClosesConnection(t *testing.T) {
	coord, store := newCoordinator(t, 1)
	hs := newHarness(t, coord, store)
	if _, err := hs.conn.Write([]byte{0xFF}); err != nil {
		t.Fatalf("raw write: %v", err)
	}
	if ack := hs.expect(t); ack != (wire.Ack{Code: wire.AckError}) {
		t.Fatalf("expected best-effort error ack, got %#v", ack)
	}
	hs.expectClosed(t)
	if err := hs.result(t); !errors.Is(err, wire.ErrUnknownMessageType) {
		t.Fatalf("expected ErrUnknownMessageType, got %v", err)
	}
}

func TestStopUnblocksRead(t *testing.T) {
	coord, store := newCoordinator(t, 1)
	hs := newHarness(t, coord, store)
	deadline := time.Now().Add(2 * time.Second)
	for hs.h.State() != StateReading && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	hs.h.Stop()
	hs.h.Stop()
	if err := hs.result(t); err != nil {
		t.Fatalf("stopped handler must end cleanly, got %v", err)
	}
	select {
	case <-hs.h.Done():
	default:
		t.Fatal("Done must be closed after Serve returns")
	}
}
