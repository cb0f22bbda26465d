// Package logging decorates a betstore.Store with debug logs and trace spans.
package logging

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/lotteryd/internal/betstore"
	"pkt.systems/lotteryd/internal/correlation"
	"pkt.systems/lotteryd/internal/loggingutil"
	"pkt.systems/lotteryd/internal/lottery"
	"pkt.systems/pslog"
)

type store struct {
	inner  betstore.Store
	logger pslog.Logger
	tracer trace.Tracer
	kind   string
}

// Wrap decorates inner. kind names the backend (mem, disk, s3, azure) in logs
// and span attributes.
func Wrap(inner betstore.Store, logger pslog.Logger, kind string) betstore.Store {
	return &store{
		inner:  inner,
		logger: loggingutil.WithSubsystem(logger, loggingutil.Subsystem("storage", kind)),
		tracer: otel.Tracer("pkt.systems/lotteryd/betstore"),
		kind:   kind,
	}
}

func (s *store) start(ctx context.Context, op string) (context.Context, trace.Span, func(error, ...any)) {
	begin := time.Now()
	ctx, span := s.tracer.Start(ctx, "lotteryd.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("lotteryd.storage.operation", op),
		attribute.String("lotteryd.storage.backend", s.kind),
	)
	conn := correlation.ID(ctx)
	if conn != "" {
		span.SetAttributes(attribute.String("lotteryd.conn", conn))
	}
	return ctx, span, func(err error, kv ...any) {
		elapsed := time.Since(begin)
		kv = append(kv, "elapsed", elapsed)
		if conn != "" {
			kv = append(kv, "conn", conn)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			s.logger.Warn("storage."+op+".error", append(kv, "error", err, "transient", betstore.IsTransient(err))...)
			return
		}
		span.SetStatus(codes.Ok, "")
		s.logger.Debug("storage."+op+".success", kv...)
	}
}

func (s *store) StoreBets(ctx context.Context, bets []lottery.Bet) error {
	ctx, span, finish := s.start(ctx, "store_bets")
	defer span.End()
	span.SetAttributes(attribute.Int("lotteryd.storage.bets", len(bets)))
	err := s.inner.StoreBets(ctx, bets)
	finish(err, "bets", len(bets))
	return err
}

func (s *store) LoadBets(ctx context.Context) ([]lottery.Bet, error) {
	ctx, span, finish := s.start(ctx, "load_bets")
	defer span.End()
	bets, err := s.inner.LoadBets(ctx)
	span.SetAttributes(attribute.Int("lotteryd.storage.bets", len(bets)))
	finish(err, "bets", humanize.Comma(int64(len(bets))))
	return bets, err
}

func (s *store) Close() error {
	err := s.inner.Close()
	if err != nil {
		s.logger.Warn("storage.close.error", "error", err)
	}
	return err
}
