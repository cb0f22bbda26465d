// Package memory keeps bets in process memory. Intended for tests and
// single-run deployments where losing bets on restart is acceptable.
package memory

import (
	"context"
	"slices"
	"sync"

	"pkt.systems/lotteryd/internal/betstore"
	"pkt.systems/lotteryd/internal/lottery"
)

// Store implements betstore.Store in memory.
type Store struct {
	mu     sync.RWMutex
	bets   []lottery.Bet
	closed bool
}

// New returns an empty store.
func New() *Store {
	return &Store{}
}

// StoreBets appends bets.
func (s *Store) StoreBets(ctx context.Context, bets []lottery.Bet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return betstore.ErrClosed
	}
	s.bets = append(s.bets, bets...)
	return nil
}

// LoadBets returns a copy of every stored bet.
func (s *Store) LoadBets(ctx context.Context) ([]lottery.Bet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, betstore.ErrClosed
	}
	return slices.Clone(s.bets), nil
}

// Len reports how many bets are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bets)
}

// Close discards the stored bets.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.bets = nil
	return nil
}
