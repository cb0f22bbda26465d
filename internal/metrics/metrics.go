// Package metrics owns the OpenTelemetry instruments recorded by the server.
// Instruments bind to the global MeterProvider, so they are no-ops until
// telemetry is configured.
package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

// Recorder is safe for concurrent use. A nil *Recorder records nothing.
type Recorder struct {
	connections  metric.Int64Counter
	activeGauge  metric.Int64ObservableGauge
	batches      metric.Int64Counter
	betsStored   metric.Int64Counter
	violations   metric.Int64Counter
	completed    metric.Int64Counter
	drawDuration metric.Int64Histogram
	drawWinners  metric.Int64Counter

	active atomic.Int64
}

// New registers the instruments on the global meter.
func New(logger pslog.Logger) *Recorder {
	meter := otel.Meter("pkt.systems/lotteryd/server")
	r := &Recorder{}
	var err error

	r.connections, err = meter.Int64Counter(
		"lotteryd.connections",
		metric.WithDescription("Accepted connections"),
	)
	logMetricInitError(logger, "lotteryd.connections", err)

	r.activeGauge, err = meter.Int64ObservableGauge(
		"lotteryd.connections.active",
		metric.WithDescription("Connections currently served"),
	)
	logMetricInitError(logger, "lotteryd.connections.active", err)

	r.batches, err = meter.Int64Counter(
		"lotteryd.batches",
		metric.WithDescription("Bet batches handled"),
	)
	logMetricInitError(logger, "lotteryd.batches", err)

	r.betsStored, err = meter.Int64Counter(
		"lotteryd.bets.stored",
		metric.WithDescription("Bets persisted"),
	)
	logMetricInitError(logger, "lotteryd.bets.stored", err)

	r.violations, err = meter.Int64Counter(
		"lotteryd.protocol.violations",
		metric.WithDescription("Connections closed for breaking the protocol"),
	)
	logMetricInitError(logger, "lotteryd.protocol.violations", err)

	r.completed, err = meter.Int64Counter(
		"lotteryd.agencies.completed",
		metric.WithDescription("Agencies that signalled completion"),
	)
	logMetricInitError(logger, "lotteryd.agencies.completed", err)

	r.drawDuration, err = meter.Int64Histogram(
		"lotteryd.draw.duration_ms",
		metric.WithDescription("Time to load bets and compute winners"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "lotteryd.draw.duration_ms", err)

	r.drawWinners, err = meter.Int64Counter(
		"lotteryd.draw.winners",
		metric.WithDescription("Winning bets per agency"),
	)
	logMetricInitError(logger, "lotteryd.draw.winners", err)

	if r.activeGauge != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(r.activeGauge, r.active.Load())
			return nil
		}, r.activeGauge); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "lotteryd.connections.active", "error", err)
		}
	}
	return r
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

// ConnectionOpened counts an accepted connection and returns the func that
// marks it closed.
func (r *Recorder) ConnectionOpened(ctx context.Context) func() {
	if r == nil {
		return func() {}
	}
	if r.connections != nil {
		r.connections.Add(ctx, 1)
	}
	r.active.Add(1)
	return func() { r.active.Add(-1) }
}

// Active reports the number of connections currently open.
func (r *Recorder) Active() int64 {
	if r == nil {
		return 0
	}
	return r.active.Load()
}

// Batch records one handled batch with its outcome.
func (r *Recorder) Batch(ctx context.Context, agency uint32, bets int, err error) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.Int64("lotteryd.agency", int64(agency)),
		attribute.String("lotteryd.result", resultLabel(err)),
	)
	if r.batches != nil {
		r.batches.Add(ctx, 1, attrs)
	}
	if err == nil && bets > 0 && r.betsStored != nil {
		r.betsStored.Add(ctx, int64(bets), metric.WithAttributes(attribute.Int64("lotteryd.agency", int64(agency))))
	}
}

// ProtocolViolation records a connection closed for reason.
func (r *Recorder) ProtocolViolation(ctx context.Context, reason string) {
	if r == nil || r.violations == nil {
		return
	}
	r.violations.Add(ctx, 1, metric.WithAttributes(attribute.String("lotteryd.reason", reason)))
}

// AgencyCompleted records the first completion of an agency.
func (r *Recorder) AgencyCompleted(ctx context.Context, agency uint32) {
	if r == nil || r.completed == nil {
		return
	}
	r.completed.Add(ctx, 1, metric.WithAttributes(attribute.Int64("lotteryd.agency", int64(agency))))
}

// Draw records the draw duration and the winners of each agency.
func (r *Recorder) Draw(ctx context.Context, took time.Duration, winners map[uint32][]uint32, err error) {
	if r == nil {
		return
	}
	if r.drawDuration != nil {
		r.drawDuration.Record(ctx, took.Milliseconds(), metric.WithAttributes(attribute.String("lotteryd.result", resultLabel(err))))
	}
	if err != nil || r.drawWinners == nil {
		return
	}
	for agency, docs := range winners {
		r.drawWinners.Add(ctx, int64(len(docs)), metric.WithAttributes(attribute.Int64("lotteryd.agency", int64(agency))))
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
