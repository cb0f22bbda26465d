// Package session serves one client connection: it reads framed messages,
// dispatches them against the coordinator and writes the replies.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync/atomic"
	"time"

	"pkt.systems/lotteryd/internal/coordinator"
	"pkt.systems/lotteryd/internal/loggingutil"
	"pkt.systems/lotteryd/internal/lottery"
	"pkt.systems/lotteryd/internal/metrics"
	"pkt.systems/lotteryd/internal/wire"
	"pkt.systems/pslog"
)

// State is the handler's position in its read/dispatch loop.
type State int32

const (
	StateReading State = iota
	StateDispatching
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReading:
		return "reading"
	case StateDispatching:
		return "dispatching"
	default:
		return "closed"
	}
}

var (
	// ErrAgencyCompleted rejects bets from an agency that already sent its
	// terminator.
	ErrAgencyCompleted = fmt.Errorf("%w: agency already completed", wire.ErrProtocolViolation)
	// ErrBatchAfterDraw rejects bets that arrive after the draw started.
	ErrBatchAfterDraw = fmt.Errorf("%w: batch received after the draw", wire.ErrProtocolViolation)
)

// Coordinator is the shared state a handler talks to.
type Coordinator interface {
	MarkCompleted(ctx context.Context, agency uint32) bool
	StoreBets(ctx context.Context, agency uint32, bets []lottery.Bet) error
	Winners(agency uint32) ([]uint32, bool)
}

// Config wires a Handler.
type Config struct {
	ID              string
	Conn            net.Conn
	Coordinator     Coordinator
	Logger          pslog.Logger
	Metrics         *metrics.Recorder
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxStringLength int
}

// Handler owns one connection. Serve runs on its own goroutine; Stop may be
// called from any goroutine.
type Handler struct {
	id           string
	conn         net.Conn
	codec        *wire.Codec
	coord        Coordinator
	logger       pslog.Logger
	metrics      *metrics.Recorder
	readTimeout  time.Duration
	writeTimeout time.Duration

	state   atomic.Int32
	stopped atomic.Bool
	done    chan struct{}
}

// New returns a handler in the reading state.
func New(cfg Config) *Handler {
	logger := loggingutil.WithSubsystem(cfg.Logger, "session").With(
		"conn", cfg.ID,
		"remote", remoteAddr(cfg.Conn),
	)
	return &Handler{
		id:           cfg.ID,
		conn:         cfg.Conn,
		codec:        wire.NewCodec(cfg.Conn, wire.RoleServer, wire.WithMaxStringLength(cfg.MaxStringLength)),
		coord:        cfg.Coordinator,
		logger:       logger,
		metrics:      cfg.Metrics,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		done:         make(chan struct{}),
	}
}

func remoteAddr(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}

// ID returns the connection id.
func (h *Handler) ID() string { return h.id }

// State returns the current state.
func (h *Handler) State() State { return State(h.state.Load()) }

// Done is closed once Serve has returned and the connection is closed.
func (h *Handler) Done() <-chan struct{} { return h.done }

// Stop closes the connection, which unblocks a pending read. Idempotent.
func (h *Handler) Stop() {
	if h.stopped.CompareAndSwap(false, true) {
		_ = h.codec.Close()
	}
}

// Serve runs the read/dispatch loop until the conversation ends, the peer
// misbehaves or Stop is called. The connection is always closed on return.
// The returned error is nil for every normal end of a conversation.
func (h *Handler) Serve(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("session.panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("session: panic: %v", r)
		}
		h.state.Store(int32(StateClosed))
		_ = h.codec.Close()
		close(h.done)
	}()
	for {
		h.state.Store(int32(StateReading))
		if h.readTimeout > 0 {
			_ = h.conn.SetReadDeadline(time.Now().Add(h.readTimeout))
		}
		msg, err := h.codec.ReadMessage()
		if err != nil {
			return h.fail(ctx, err)
		}
		h.state.Store(int32(StateDispatching))
		keepOpen, err := h.dispatch(ctx, msg)
		if err != nil {
			return h.fail(ctx, err)
		}
		if !keepOpen {
			return nil
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, msg wire.Message) (bool, error) {
	switch m := msg.(type) {
	case wire.BatchSubmission:
		if m.IsTerminator() {
			return false, h.complete(ctx, m.Agency)
		}
		return true, h.storeBatch(ctx, m)
	case wire.WinnersQuery:
		return false, h.winners(m.Agency)
	default:
		return false, fmt.Errorf("%w: %s", wire.ErrUnexpectedMessage, msg.Tag())
	}
}

func (h *Handler) storeBatch(ctx context.Context, batch wire.BatchSubmission) (err error) {
	defer func() { h.metrics.Batch(ctx, batch.Agency, batch.Count(), err) }()
	if err := h.coord.StoreBets(ctx, batch.Agency, batch.Bets); err != nil {
		switch {
		case errors.Is(err, coordinator.ErrDrawClosed):
			return fmt.Errorf("%w: agency %d", ErrBatchAfterDraw, batch.Agency)
		case errors.Is(err, coordinator.ErrAgencyCompleted):
			return fmt.Errorf("%w: agency %d", ErrAgencyCompleted, batch.Agency)
		}
		return fmt.Errorf("session: store batch: %w", err)
	}
	h.logger.Debug("session.batch.stored", "agency", batch.Agency, "bets", batch.Count())
	return h.write(wire.Ack{Code: wire.AckOK})
}

func (h *Handler) complete(ctx context.Context, agency uint32) error {
	first := h.coord.MarkCompleted(ctx, agency)
	h.logger.Debug("session.agency.completed", "agency", agency, "first", first)
	return h.write(wire.Ack{Code: wire.AckOK})
}

func (h *Handler) winners(agency uint32) error {
	docs, ready := h.coord.Winners(agency)
	if !ready {
		h.logger.Debug("session.winners.not_ready", "agency", agency)
		return h.write(wire.DrawNotReady{})
	}
	h.logger.Info("session.winners.sent", "agency", agency, "count", len(docs))
	return h.write(wire.WinnersResponse{Documents: docs})
}

func (h *Handler) write(msg wire.Message) error {
	if h.writeTimeout > 0 {
		_ = h.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	}
	return h.codec.WriteMessage(msg)
}

// fail logs err, sends a best-effort error Ack and returns the error that
// Serve should report.
func (h *Handler) fail(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, wire.ErrConnectionClosed):
		h.logger.Debug("session.peer.closed")
		return nil
	case h.stopped.Load():
		h.logger.Debug("session.stopped", "state", h.State().String())
		return nil
	case wire.IsProtocolViolation(err):
		h.metrics.ProtocolViolation(ctx, ViolationReason(err))
		h.logger.Warn("session.protocol.violation", "error", err)
	default:
		h.logger.Error("session.error", "error", err)
	}
	if ackErr := h.write(wire.Ack{Code: wire.AckError}); ackErr != nil {
		h.logger.Debug("session.error_ack.failed", "error", ackErr)
	}
	return err
}

// ViolationReason maps a protocol violation to a short label for metrics
// and the connection guard.
func ViolationReason(err error) string {
	switch {
	case errors.Is(err, wire.ErrUnknownMessageType):
		return "unknown_message"
	case errors.Is(err, wire.ErrTruncatedFrame):
		return "truncated_frame"
	case errors.Is(err, wire.ErrUnexpectedMessage):
		return "unexpected_message"
	case errors.Is(err, ErrAgencyCompleted):
		return "agency_completed"
	case errors.Is(err, ErrBatchAfterDraw):
		return "batch_after_draw"
	default:
		return "malformed"
	}
}
