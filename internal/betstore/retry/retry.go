// Package retry decorates a betstore.Store with exponential backoff on
// transient backend errors.
package retry

import (
	"context"
	"time"

	"pkt.systems/lotteryd/internal/betstore"
	"pkt.systems/lotteryd/internal/clock"
	"pkt.systems/lotteryd/internal/lottery"
	"pkt.systems/pslog"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a store that retries transient errors according to cfg.
func Wrap(inner betstore.Store, logger pslog.Logger, clk clock.Clock, cfg Config) betstore.Store {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &store{inner: inner, logger: logger, clock: clk, cfg: cfg}
}

type store struct {
	inner  betstore.Store
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

// StoreBets retries the whole batch under one batch key. An attempt whose
// reply was lost may already have committed; object stores then overwrite
// the same name and the disk store rolls back partial appends.
func (s *store) StoreBets(ctx context.Context, bets []lottery.Bet) error {
	ctx = betstore.WithBatchKey(ctx, betstore.BatchKey(ctx))
	return s.withRetry(ctx, "store_bets", func(ctx context.Context) error {
		return s.inner.StoreBets(ctx, bets)
	})
}

func (s *store) LoadBets(ctx context.Context) ([]lottery.Bet, error) {
	var bets []lottery.Bet
	err := s.withRetry(ctx, "load_bets", func(ctx context.Context) error {
		var err error
		bets, err = s.inner.LoadBets(ctx)
		return err
	})
	return bets, err
}

func (s *store) Close() error {
	return s.inner.Close()
}

func (s *store) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := clock.Backoff{Base: s.cfg.BaseDelay, Max: s.cfg.MaxDelay, Multiplier: s.cfg.Multiplier}
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !betstore.IsTransient(err) || attempt == s.cfg.MaxAttempts {
			return err
		}
		delay := backoff.Next()
		s.logger.Warn("storage.retry.transient",
			"operation", op,
			"attempt", attempt,
			"max_attempts", s.cfg.MaxAttempts,
			"delay", delay,
			"error", err,
		)
		if err := clock.Sleep(ctx, s.clock, delay); err != nil {
			return err
		}
	}
	return lastErr
}
