// Package coordinator owns the state shared by every connection: the set of
// agencies that finished submitting, the serialized bet store and the draw
// result. It also runs the barrier that triggers the draw once all expected
// agencies have completed.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/lotteryd/internal/betstore"
	"pkt.systems/lotteryd/internal/clock"
	"pkt.systems/lotteryd/internal/loggingutil"
	"pkt.systems/lotteryd/internal/lottery"
	"pkt.systems/lotteryd/internal/metrics"
	"pkt.systems/lotteryd/internal/syncval"
	"pkt.systems/pslog"
)

var (
	// ErrDrawClosed rejects bets that arrive once the draw has started.
	ErrDrawClosed = errors.New("coordinator: draw already started, no more bets accepted")
	// ErrAgencyCompleted rejects bets from an agency that already sent its
	// terminator.
	ErrAgencyCompleted = errors.New("coordinator: agency already completed")
	// ErrInvalidConfig reports a Config that cannot run a draw.
	ErrInvalidConfig = errors.New("coordinator: invalid config")
)

// DrawResult is published once, as a whole. Winners is nil until Done.
type DrawResult struct {
	Done    bool
	Winners map[uint32][]uint32
}

func cloneResult(r DrawResult) DrawResult {
	if r.Winners != nil {
		r.Winners = syncval.CloneSliceMap(r.Winners)
	}
	return r
}

// Config wires a Coordinator.
type Config struct {
	// Agencies is the number of distinct agencies that must complete before
	// the draw runs.
	Agencies int
	Store    betstore.Store
	Rule     lottery.Rule
	Logger   pslog.Logger
	Metrics  *metrics.Recorder
	Clock    clock.Clock
	// DrawRetryDelay bounds the backoff between failed draw attempts.
	DrawRetryDelay time.Duration
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	agencies   int
	rule       lottery.Rule
	logger     pslog.Logger
	metrics    *metrics.Recorder
	clock      clock.Clock
	tracer     trace.Tracer
	retryDelay time.Duration

	completed *syncval.Value[map[uint32]struct{}]
	draw      *syncval.Value[DrawResult]

	// storeMu serializes writes against the store and the draw's bulk read.
	storeMu     sync.Mutex
	store       betstore.Store
	storeClosed bool
}

// New validates cfg and returns a Coordinator with no completed agencies and
// no draw.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Agencies <= 0 {
		return nil, fmt.Errorf("%w: agencies must be > 0, got %d", ErrInvalidConfig, cfg.Agencies)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store required", ErrInvalidConfig)
	}
	if cfg.Rule == nil {
		cfg.Rule = lottery.NumberRule(lottery.DefaultWinningNumber)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.DrawRetryDelay <= 0 {
		cfg.DrawRetryDelay = 5 * time.Second
	}
	return &Coordinator{
		agencies:   cfg.Agencies,
		rule:       cfg.Rule,
		logger:     loggingutil.WithSubsystem(cfg.Logger, "coordinator"),
		metrics:    cfg.Metrics,
		clock:      cfg.Clock,
		tracer:     otel.Tracer("pkt.systems/lotteryd/coordinator"),
		retryDelay: cfg.DrawRetryDelay,
		completed:  syncval.New(map[uint32]struct{}{}, syncval.CloneMap[uint32, struct{}]),
		draw:       syncval.New(DrawResult{}, cloneResult),
		store:      cfg.Store,
	}, nil
}

// Agencies returns the number of agencies the barrier waits for.
func (c *Coordinator) Agencies() int { return c.agencies }

// MarkCompleted records that agency finished submitting. It is idempotent
// and reports whether this call was the first for agency. Every call wakes
// the barrier. A batch of the same agency that is being stored finishes
// first.
func (c *Coordinator) MarkCompleted(ctx context.Context, agency uint32) bool {
	var first bool
	c.storeMu.Lock()
	after := c.completed.Update(func(set map[uint32]struct{}) map[uint32]struct{} {
		if _, ok := set[agency]; !ok {
			set[agency] = struct{}{}
			first = true
		}
		return set
	})
	c.storeMu.Unlock()
	if first {
		c.metrics.AgencyCompleted(ctx, agency)
		c.logger.Info("coordinator.agency.completed",
			"agency", agency,
			"completed", len(after),
			"expected", c.agencies,
		)
	}
	return first
}

// IsCompleted reports whether agency already signalled completion.
func (c *Coordinator) IsCompleted(agency uint32) bool {
	_, ok := c.completed.Get()[agency]
	return ok
}

// CompletedCount returns how many distinct agencies completed.
func (c *Coordinator) CompletedCount() int {
	return len(c.completed.Get())
}

// StoreBets persists a batch of agency's bets. Calls are serialized with
// each other and with MarkCompleted. They fail with ErrAgencyCompleted once
// agency sent its terminator and with ErrDrawClosed once the draw has started
// reading the store.
func (c *Coordinator) StoreBets(ctx context.Context, agency uint32, bets []lottery.Bet) error {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	if c.storeClosed {
		return ErrDrawClosed
	}
	if _, done := c.completed.Get()[agency]; done {
		return ErrAgencyCompleted
	}
	return c.store.StoreBets(ctx, bets)
}

// DrawDone reports whether the draw result has been published.
func (c *Coordinator) DrawDone() bool {
	return c.draw.Get().Done
}

// Result returns a copy of the draw result.
func (c *Coordinator) Result() DrawResult {
	return c.draw.Get()
}

// Winners returns the winning documents of agency and true once the draw is
// done. Agencies without winners get an empty, non-nil slice.
func (c *Coordinator) Winners(agency uint32) ([]uint32, bool) {
	r := c.draw.Get()
	if !r.Done {
		return nil, false
	}
	docs := r.Winners[agency]
	if docs == nil {
		docs = []uint32{}
	}
	return docs, true
}

// WaitForAgencies blocks until the expected number of agencies completed or
// ctx ends.
func (c *Coordinator) WaitForAgencies(ctx context.Context) error {
	_, err := c.completed.WaitFor(ctx, func(set map[uint32]struct{}) bool {
		return len(set) >= c.agencies
	})
	return err
}

// WaitForDraw blocks until the draw result is published or ctx ends.
func (c *Coordinator) WaitForDraw(ctx context.Context) (DrawResult, error) {
	return c.draw.WaitFor(ctx, func(r DrawResult) bool { return r.Done })
}

// Run is the barrier: it waits for every agency, then runs the draw,
// retrying failed draws with backoff. It returns nil once the result is
// published and ctx.Err() when ctx ends first.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("coordinator.barrier.waiting", "expected", c.agencies)
	if err := c.WaitForAgencies(ctx); err != nil {
		c.logger.Info("coordinator.barrier.stopped", "completed", c.CompletedCount(), "expected", c.agencies)
		return err
	}
	backoff := clock.Backoff{Base: 100 * time.Millisecond, Max: c.retryDelay}
	for attempt := 1; ; attempt++ {
		err := c.runDraw(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := backoff.Next()
		c.logger.Error("coordinator.draw.failed", "attempt", attempt, "retry_in", delay, "error", err)
		if err := clock.Sleep(ctx, c.clock, delay); err != nil {
			return err
		}
	}
}

// runDraw computes and publishes the draw. Only Run calls it, which keeps the
// computation on a single goroutine.
func (c *Coordinator) runDraw(ctx context.Context) (err error) {
	if c.DrawDone() {
		return nil
	}
	ctx, span := c.tracer.Start(ctx, "lotteryd.draw", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	begin := c.clock.Now()
	var winners map[uint32][]uint32
	defer func() {
		c.metrics.Draw(ctx, c.clock.Now().Sub(begin), winners, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "draw_failed")
		}
	}()

	c.storeMu.Lock()
	c.storeClosed = true
	bets, err := c.store.LoadBets(ctx)
	c.storeMu.Unlock()
	if err != nil {
		return fmt.Errorf("coordinator: load bets: %w", err)
	}

	winners = lottery.Draw(bets, c.rule)
	total := 0
	for _, docs := range winners {
		total += len(docs)
	}
	span.SetAttributes(
		attribute.Int("lotteryd.draw.bets", len(bets)),
		attribute.Int("lotteryd.draw.winners", total),
	)
	c.draw.Set(DrawResult{Done: true, Winners: winners})
	c.logger.Info("coordinator.draw.complete",
		"bets", len(bets),
		"winners", total,
		"agencies_with_winners", len(winners),
	)
	return nil
}
