package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"pkt.systems/lotteryd/internal/betstore/memory"
	"pkt.systems/lotteryd/internal/coordinator"
	"pkt.systems/lotteryd/internal/lottery"
	"pkt.systems/lotteryd/internal/session"
)

type fakeServer struct {
	addr  string
	coord *coordinator.Coordinator
	store *memory.Store
}

// startServer serves real sessions against a real coordinator on loopback.
func startServer(t *testing.T, agencies int) *fakeServer {
	t.Helper()
	store := memory.New()
	coord, err := coordinator.New(coordinator.Config{Agencies: agencies, Store: store})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = coord.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			h := session.New(session.Config{ID: "t", Conn: conn, Coordinator: coord, WriteTimeout: time.Second})
			wg.Add(1)
			go func() {
				defer wg.Done()
				go func() {
					<-ctx.Done()
					h.Stop()
				}()
				_ = h.Serve(ctx)
			}()
		}
	}()
	t.Cleanup(func() {
		cancel()
		ln.Close()
		wg.Wait()
	})
	return &fakeServer{addr: ln.Addr().String(), coord: coord, store: store}
}

func newAgency(t *testing.T, srv *fakeServer, id uint32, batchMax int) *Agency {
	t.Helper()
	a, err := New(Config{
		Server:          srv.addr,
		Agency:          id,
		BatchMax:        batchMax,
		PollInterval:    5 * time.Millisecond,
		PollMaxInterval: 20 * time.Millisecond,
		IOTimeout:       2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new agency: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func makeBets(n int, number uint32) []lottery.Bet {
	out := make([]lottery.Bet, n)
	for i := range out {
		out[i] = lottery.NewBet(0, "Nombre", "Apellido", uint32(100+i), "1990-01-01", number)
	}
	return out
}

func TestSubmitBetsSplitsIntoBatches(t *testing.T) {
	srv := startServer(t, 1)
	a := newAgency(t, srv, 3, 2)
	ctx := context.Background()
	if err := a.SubmitBets(ctx, makeBets(5, 1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if a.Sent() != 5 || srv.store.Len() != 5 {
		t.Fatalf("expected 5 bets sent and stored, got %d / %d", a.Sent(), srv.store.Len())
	}
	if err := a.Finish(ctx); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if !srv.coord.IsCompleted(3) {
		t.Fatal("agency 3 must be completed")
	}
	stored, err := srv.store.LoadBets(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, bet := range stored {
		if bet.Agency != 3 {
			t.Fatalf("bet sent with agency %d", bet.Agency)
		}
	}
	if err := a.SubmitBets(ctx, makeBets(1, 1)); !errors.Is(err, ErrFinished) {
		t.Fatalf("expected ErrFinished, got %v", err)
	}
	if err := a.Finish(ctx); err != nil {
		t.Fatalf("second finish must be a no-op: %v", err)
	}
}

func TestQueryWinnersPollsUntilDraw(t *testing.T) {
	srv := startServer(t, 1)
	a := newAgency(t, srv, 1, 10)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bets := makeBets(3, 1)
	bets[1] = lottery.NewBet(0, "Ana", "Díaz", 30904465, "1999-03-17", lottery.DefaultWinningNumber)
	if err := a.SubmitBets(ctx, bets); err != nil {
		t.Fatalf("submit: %v", err)
	}

	type result struct {
		docs []uint32
		err  error
	}
	querier := newAgency(t, srv, 1, 10)
	done := make(chan result, 1)
	go func() {
		docs, err := querier.QueryWinners(ctx)
		done <- result{docs, err}
	}()
	time.Sleep(30 * time.Millisecond)
	select {
	case r := <-done:
		t.Fatalf("query returned before the draw: %+v", r)
	default:
	}
	if err := a.Finish(ctx); err != nil {
		t.Fatalf("finish: %v", err)
	}
	r := <-done
	if r.err != nil {
		t.Fatalf("query: %v", r.err)
	}
	if len(r.docs) != 1 || r.docs[0] != 30904465 {
		t.Fatalf("unexpected winners %v", r.docs)
	}
}

func TestQueryWinnersEmptyIsNotNil(t *testing.T) {
	srv := startServer(t, 1)
	a := newAgency(t, srv, 2, 10)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.SubmitBets(ctx, makeBets(2, 1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := a.Finish(ctx); err != nil {
		t.Fatalf("finish: %v", err)
	}
	docs, err := a.QueryWinners(ctx)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if docs == nil || len(docs) != 0 {
		t.Fatalf("expected empty non-nil winners, got %#v", docs)
	}
}

func TestQueryWinnersHonoursContext(t *testing.T) {
	srv := startServer(t, 2)
	a := newAgency(t, srv, 1, 10)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := a.QueryWinners(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSubmitAfterCompletionIsRejected(t *testing.T) {
	srv := startServer(t, 2)
	srv.coord.MarkCompleted(context.Background(), 7)
	a := newAgency(t, srv, 7, 10)
	err := a.SubmitBets(context.Background(), makeBets(1, 1))
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if srv.store.Len() != 0 {
		t.Fatal("rejected batch must not be stored")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without server")
	}
	if _, err := New(Config{Server: "127.0.0.1:1", BatchMax: MaxBatchBets + 1}); err == nil {
		t.Fatal("expected error for oversized batch")
	}
	a, err := New(Config{Server: "127.0.0.1:1"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if a.cfg.BatchMax != DefaultBatchMax || a.cfg.PollInterval != DefaultPollInterval {
		t.Fatalf("defaults not applied: %+v", a.cfg)
	}
}
