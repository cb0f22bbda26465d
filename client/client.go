// Package client implements the agency side of the lottery protocol: it
// streams bets in batches, signals completion and polls for the agency's
// winners once the draw is published.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/lotteryd/internal/clock"
	"pkt.systems/lotteryd/internal/loggingutil"
	"pkt.systems/lotteryd/internal/lottery"
	"pkt.systems/lotteryd/internal/wire"
)

const (
	// MaxBatchBets is the protocol limit on bets per batch.
	MaxBatchBets = wire.MaxBatchBets
	// DefaultBatchMax is the default number of bets per batch.
	DefaultBatchMax = 100
	// DefaultPollInterval is the first wait after DrawNotReady.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultPollMaxInterval caps the wait between winner queries.
	DefaultPollMaxInterval = 2 * time.Second
	// DefaultDialTimeout bounds connection establishment.
	DefaultDialTimeout = 5 * time.Second
	// DefaultIOTimeout bounds every request/reply exchange.
	DefaultIOTimeout = 10 * time.Second
)

var (
	// ErrRejected is returned when the server answers with an error Ack.
	ErrRejected = errors.New("client: server rejected the request")
	// ErrUnexpectedReply is returned when the server answers with a message
	// that does not match the request.
	ErrUnexpectedReply = errors.New("client: unexpected reply")
	// ErrFinished is returned by SubmitBets after Finish.
	ErrFinished = errors.New("client: agency already finished")
)

// Config configures an Agency.
type Config struct {
	// Server is the host:port of the lottery server.
	Server string
	// Agency is the id every batch and query is sent with.
	Agency          uint32
	BatchMax        int
	PollInterval    time.Duration
	PollMaxInterval time.Duration
	DialTimeout     time.Duration
	IOTimeout       time.Duration
	Logger          pslog.Logger
	Clock           clock.Clock
	// Dial overrides the TCP dialer.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// Agency talks to the server on behalf of one agency. Batches and the
// terminator share one connection; each winners query uses its own.
// Methods are safe for concurrent use but calls are serialized.
type Agency struct {
	cfg    Config
	logger pslog.Logger

	mu       sync.Mutex
	conn     net.Conn
	codec    *wire.Codec
	finished bool
	sent     int
}

// New validates cfg and returns an Agency. No connection is opened yet.
func New(cfg Config) (*Agency, error) {
	if cfg.Server == "" {
		return nil, fmt.Errorf("client: server address required")
	}
	if cfg.BatchMax == 0 {
		cfg.BatchMax = DefaultBatchMax
	}
	if cfg.BatchMax < 0 || cfg.BatchMax > MaxBatchBets {
		return nil, fmt.Errorf("client: batch max must be between 1 and %d, got %d", MaxBatchBets, cfg.BatchMax)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollMaxInterval <= 0 {
		cfg.PollMaxInterval = DefaultPollMaxInterval
	}
	if cfg.PollMaxInterval < cfg.PollInterval {
		cfg.PollMaxInterval = cfg.PollInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = DefaultIOTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Dial == nil {
		dialer := &net.Dialer{Timeout: cfg.DialTimeout}
		cfg.Dial = dialer.DialContext
	}
	return &Agency{
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(cfg.Logger, "agency").With("agency", cfg.Agency),
	}, nil
}

// ID returns the agency id.
func (a *Agency) ID() uint32 { return a.cfg.Agency }

// Sent returns how many bets the server acknowledged.
func (a *Agency) Sent() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sent
}

// SubmitBets sends bets in batches of at most BatchMax and waits for an ok
// Ack after each. The agency field of every bet is overwritten with the
// agency id. A rejected batch closes the connection.
func (a *Agency) SubmitBets(ctx context.Context, bets []lottery.Bet) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return ErrFinished
	}
	for start := 0; start < len(bets); start += a.cfg.BatchMax {
		end := min(start+a.cfg.BatchMax, len(bets))
		if err := a.sendBatch(ctx, bets[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// SubmitFrom streams every bet from r and returns the number sent.
func (a *Agency) SubmitFrom(ctx context.Context, r *BetReader) (int, error) {
	total := 0
	for {
		batch, err := r.Next(a.cfg.BatchMax)
		if len(batch) > 0 {
			if sendErr := a.SubmitBets(ctx, batch); sendErr != nil {
				return total, sendErr
			}
			total += len(batch)
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

func (a *Agency) sendBatch(ctx context.Context, bets []lottery.Bet) error {
	batch := wire.BatchSubmission{Agency: a.cfg.Agency, Bets: make([]lottery.Bet, len(bets))}
	for i, bet := range bets {
		bet.Agency = a.cfg.Agency
		batch.Bets[i] = bet
	}
	if err := a.exchangeAck(ctx, batch); err != nil {
		return fmt.Errorf("submit batch of %d: %w", len(bets), err)
	}
	a.sent += len(bets)
	a.logger.Debug("agency.batch.sent", "bets", len(bets), "total", a.sent)
	return nil
}

// Finish sends the terminator on the submission connection and waits for
// the server's Ack. The server closes the connection afterwards.
func (a *Agency) Finish(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return nil
	}
	err := a.exchangeAck(ctx, wire.BatchSubmission{Agency: a.cfg.Agency})
	a.closeConn()
	if err != nil {
		return fmt.Errorf("finish: %w", err)
	}
	a.finished = true
	a.logger.Info("agency.finished", "bets", a.sent)
	return nil
}

// exchangeAck writes msg on the submission connection and expects an ok
// Ack. Any failure drops the connection.
func (a *Agency) exchangeAck(ctx context.Context, msg wire.Message) error {
	if a.codec == nil {
		conn, err := a.dial(ctx)
		if err != nil {
			return err
		}
		a.conn = conn
		a.codec = wire.NewCodec(conn, wire.RoleClient)
	}
	reply, err := a.roundTrip(ctx, a.conn, a.codec, msg)
	if err != nil {
		a.closeConn()
		return err
	}
	ack, ok := reply.(wire.Ack)
	if !ok {
		a.closeConn()
		return fmt.Errorf("%w: %s", ErrUnexpectedReply, reply.Tag())
	}
	if !ack.OK() {
		a.closeConn()
		return ErrRejected
	}
	return nil
}

func (a *Agency) closeConn() {
	if a.codec != nil {
		_ = a.codec.Close()
	}
	a.codec = nil
	a.conn = nil
}

// Close drops the submission connection without sending the terminator.
func (a *Agency) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeConn()
	return nil
}

// QueryWinners asks for the agency's winners, retrying with exponential
// backoff while the draw is not ready. Each attempt uses a new connection.
// The returned slice is never nil.
func (a *Agency) QueryWinners(ctx context.Context) ([]uint32, error) {
	backoff := clock.Backoff{Base: a.cfg.PollInterval, Max: a.cfg.PollMaxInterval}
	for attempt := 1; ; attempt++ {
		docs, ready, err := a.queryOnce(ctx)
		if err != nil {
			var ne net.Error
			if !errors.As(err, &ne) || !ne.Timeout() || ctx.Err() != nil {
				return nil, err
			}
			a.logger.Debug("agency.winners.timeout", "attempt", attempt, "error", err)
		}
		if ready {
			if docs == nil {
				docs = []uint32{}
			}
			a.logger.Info("agency.winners", "count", len(docs), "attempts", attempt)
			return docs, nil
		}
		delay := backoff.Next()
		a.logger.Debug("agency.winners.not_ready", "attempt", attempt, "retry_in", delay)
		if err := clock.Sleep(ctx, a.cfg.Clock, delay); err != nil {
			return nil, err
		}
	}
}

func (a *Agency) queryOnce(ctx context.Context) ([]uint32, bool, error) {
	conn, err := a.dial(ctx)
	if err != nil {
		return nil, false, err
	}
	codec := wire.NewCodec(conn, wire.RoleClient)
	defer codec.Close()
	reply, err := a.roundTrip(ctx, conn, codec, wire.WinnersQuery{Agency: a.cfg.Agency})
	if err != nil {
		return nil, false, err
	}
	switch m := reply.(type) {
	case wire.DrawNotReady:
		return nil, false, nil
	case wire.WinnersResponse:
		return m.Documents, true, nil
	case wire.Ack:
		if !m.OK() {
			return nil, false, ErrRejected
		}
	}
	return nil, false, fmt.Errorf("%w: %s", ErrUnexpectedReply, reply.Tag())
}

func (a *Agency) dial(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.DialTimeout)
	defer cancel()
	conn, err := a.cfg.Dial(dialCtx, "tcp", a.cfg.Server)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("client: dial %s: %w", a.cfg.Server, err)
	}
	return conn, nil
}

// roundTrip writes msg and reads one reply under IOTimeout. A cancelled ctx
// aborts the exchange by expiring the connection deadline.
func (a *Agency) roundTrip(ctx context.Context, conn net.Conn, codec *wire.Codec, msg wire.Message) (wire.Message, error) {
	_ = conn.SetDeadline(time.Now().Add(a.cfg.IOTimeout))
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()
	if err := codec.WriteMessage(msg); err != nil {
		return nil, a.ctxErr(ctx, err)
	}
	reply, err := codec.ReadMessage()
	if err != nil {
		return nil, a.ctxErr(ctx, err)
	}
	return reply, nil
}

func (a *Agency) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
