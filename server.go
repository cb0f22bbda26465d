package lotteryd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/lotteryd/internal/betstore"
	"pkt.systems/lotteryd/internal/clock"
	"pkt.systems/lotteryd/internal/connguard"
	"pkt.systems/lotteryd/internal/coordinator"
	"pkt.systems/lotteryd/internal/correlation"
	"pkt.systems/lotteryd/internal/loggingutil"
	"pkt.systems/lotteryd/internal/lottery"
	"pkt.systems/lotteryd/internal/metrics"
	"pkt.systems/lotteryd/internal/netlisten"
	"pkt.systems/lotteryd/internal/session"
	"pkt.systems/lotteryd/internal/version"
	"pkt.systems/lotteryd/internal/wire"
)

// ErrServerClosed is returned by Start once Shutdown has been called.
var ErrServerClosed = errors.New("lotteryd: server closed")

// Server accepts agency connections, serves each on its own goroutine and
// runs the draw once every expected agency completed.
type Server struct {
	cfg        Config
	logger     pslog.Logger
	baseLogger pslog.Logger
	store      betstore.Store
	ownsStore  bool
	coord      *coordinator.Coordinator
	metrics    *metrics.Recorder
	clock      clock.Clock
	telemetry  *telemetry
	guard      *connguard.Guard

	// ctx ends when Shutdown begins; the barrier and every session derive
	// from it.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	listener     net.Listener
	handlers     map[string]*session.Handler
	started      bool
	shutdown     bool
	lastServeErr error
	conns        sync.WaitGroup
	barrierDone  chan struct{}

	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures a Server.
type Option func(*options)

type options struct {
	Logger   pslog.Logger
	BetStore betstore.Store
	Clock    clock.Clock
	Rule     lottery.Rule
}

// WithLogger supplies the logger used by the server and everything it owns.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBetStore injects a bet store instead of opening Config.Store. The
// caller keeps ownership and must close it.
func WithBetStore(s betstore.Store) Option {
	return func(o *options) {
		o.BetStore = s
	}
}

// WithClock overrides the clock used for retries and draw timing.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithRule replaces the winning-number rule derived from Config.WinningNumber.
func WithRule(r lottery.Rule) Option {
	return func(o *options) {
		o.Rule = r
	}
}

// NewServer validates cfg, opens the bet store and starts telemetry. The
// listener is not opened until Start.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := loggingutil.EnsureLogger(o.Logger)
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}
	rule := o.Rule
	if rule == nil {
		rule = lottery.NumberRule(cfg.WinningNumber)
	}

	ctx, cancel := context.WithCancel(context.Background())
	tel, err := setupTelemetry(ctx, cfg, loggingutil.WithSubsystem(logger, "telemetry"))
	if err != nil {
		cancel()
		return nil, err
	}
	fail := func(err error) (*Server, error) {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = tel.Shutdown(shutdownCtx)
		return nil, err
	}

	storageLogger := loggingutil.WithSubsystem(logger, "storage")
	var store betstore.Store
	ownsStore := false
	if o.BetStore != nil {
		store = wrapStore(o.BetStore, "injected", cfg, storageLogger, serverClock)
	} else {
		store, err = openStore(ctx, cfg, storageLogger, serverClock)
		if err != nil {
			return fail(fmt.Errorf("open store: %w", err))
		}
		ownsStore = true
	}

	recorder := metrics.New(logger)
	coord, err := coordinator.New(coordinator.Config{
		Agencies:       cfg.Agencies,
		Store:          store,
		Rule:           rule,
		Logger:         logger,
		Metrics:        recorder,
		Clock:          serverClock,
		DrawRetryDelay: cfg.DrawRetryDelay,
	})
	if err != nil {
		if ownsStore {
			_ = store.Close()
		}
		return fail(err)
	}
	guard := connguard.New(connguard.Config{
		FailureThreshold: cfg.ConnGuardThreshold,
		FailureWindow:    cfg.ConnGuardWindow,
		BlockDuration:    cfg.ConnGuardBlockDuration,
	}, logger)
	return &Server{
		cfg:         cfg,
		logger:      loggingutil.WithSubsystem(logger, "server"),
		baseLogger:  logger,
		store:       store,
		ownsStore:   ownsStore,
		coord:       coord,
		metrics:     recorder,
		clock:       serverClock,
		telemetry:   tel,
		guard:       guard,
		ctx:         ctx,
		cancel:      cancel,
		handlers:    make(map[string]*session.Handler),
		barrierDone: make(chan struct{}),
		readyCh:     make(chan struct{}),
	}, nil
}

// Config returns the validated configuration.
func (s *Server) Config() Config { return s.cfg }

// Start opens the listener, starts the draw barrier and serves connections
// until Shutdown. It returns nil after a clean shutdown. A fatal accept error
// shuts the server down and is returned.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("lotteryd: server already started")
	}
	s.started = true
	s.mu.Unlock()

	ln, err := netlisten.Listen(s.ctx, s.cfg.ListenProto, s.cfg.Listen, s.cfg.ListenBacklog)
	if err != nil {
		close(s.barrierDone)
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		close(s.barrierDone)
		return ErrServerClosed
	}
	ln = s.guard.WrapListener(ln)
	s.listener = ln
	s.mu.Unlock()

	go s.runBarrier()
	s.signalReady()
	s.logger.Info("server.listening",
		"version", version.Current(),
		"network", s.cfg.ListenProto,
		"address", ln.Addr().String(),
		"agencies", s.cfg.Agencies,
		"accept_mode", string(s.cfg.AcceptMode),
		"backlog", s.cfg.ListenBacklog,
	)

	err = s.acceptLoop(ln)
	if err != nil {
		s.recordServeErr(err)
		s.logger.Error("server.accept.fatal", "error", err)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return err
	}
	return nil
}

func (s *Server) runBarrier() {
	defer close(s.barrierDone)
	if err := s.coord.Run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("server.barrier.failed", "error", err)
	}
}

func (s *Server) acceptLoop(ln net.Listener) error {
	backoff := clock.Backoff{Base: 5 * time.Millisecond, Max: time.Second}
	accepted := 0
	for {
		if s.cfg.AcceptMode == AcceptConnections && accepted >= s.cfg.Agencies && !s.coord.DrawDone() {
			s.logger.Info("server.accept.paused", "accepted", accepted)
			if _, err := s.coord.WaitForDraw(s.ctx); err != nil {
				return nil
			}
			s.logger.Info("server.accept.resumed")
		}
		conn, err := ln.Accept()
		if err != nil {
			if s.isShuttingDown() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay := backoff.Next()
				s.logger.Warn("server.accept.retry", "error", err, "retry_in", delay)
				if clock.Sleep(s.ctx, s.clock, delay) != nil {
					return nil
				}
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff.Reset()
		accepted++
		s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	id := correlation.Generate()
	h := session.New(session.Config{
		ID:              id,
		Conn:            conn,
		Coordinator:     s.coord,
		Logger:          s.baseLogger,
		Metrics:         s.metrics,
		ReadTimeout:     s.cfg.ReadTimeout,
		WriteTimeout:    s.cfg.WriteTimeout,
		MaxStringLength: s.cfg.MaxStringBytes,
	})
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		h.Stop()
		return
	}
	s.handlers[id] = h
	s.conns.Add(1)
	s.mu.Unlock()

	remote := conn.RemoteAddr().String()
	closed := s.metrics.ConnectionOpened(s.ctx)
	s.logger.Debug("server.connection.accepted", "conn", id, "remote", remote)
	go func() {
		defer s.conns.Done()
		defer closed()
		defer func() {
			s.mu.Lock()
			delete(s.handlers, id)
			s.mu.Unlock()
		}()
		if err := h.Serve(correlation.Set(s.ctx, id)); err != nil && wire.IsProtocolViolation(err) {
			s.guard.Report(remote, session.ViolationReason(err))
		}
	}()
}

func (s *Server) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Shutdown stops accepting, closes every live connection, stops the barrier
// and releases the store and telemetry. It is idempotent. Connections that
// do not finish before ctx ends are abandoned and ctx.Err() is reported.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	started := s.started
	ln := s.listener
	handlers := make([]*session.Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	s.logger.Info("server.shutdown.begin",
		"connections", len(handlers),
		"completed", s.coord.CompletedCount(),
		"draw_done", s.coord.DrawDone(),
	)
	var errs []error
	if ln != nil {
		_ = ln.Close()
	}
	s.cancel()
	for _, h := range handlers {
		h.Stop()
	}
	if err := waitGroupContext(ctx, &s.conns); err != nil {
		errs = append(errs, fmt.Errorf("wait for connections: %w", err))
	}
	if started {
		select {
		case <-s.barrierDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for barrier: %w", ctx.Err()))
		}
	}
	if s.ownsStore {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	if err != nil {
		s.logger.Warn("server.shutdown.incomplete", "error", err)
	} else {
		s.logger.Info("server.shutdown.complete")
	}
	return err
}

func waitGroupContext(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the server down bounded by Config.ShutdownTimeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is open or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ActiveConnections returns the number of connections being served.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

// CompletedAgencies returns how many distinct agencies sent their terminator.
func (s *Server) CompletedAgencies() int {
	return s.coord.CompletedCount()
}

// DrawDone reports whether the draw result has been published.
func (s *Server) DrawDone() bool {
	return s.coord.DrawDone()
}

// Winners returns the winning documents of agency once the draw is done.
func (s *Server) Winners(agency uint32) ([]uint32, bool) {
	return s.coord.Winners(agency)
}

// WaitForDraw blocks until the draw is published and returns the winners
// grouped by agency.
func (s *Server) WaitForDraw(ctx context.Context) (map[uint32][]uint32, error) {
	res, err := s.coord.WaitForDraw(ctx)
	if err != nil {
		return nil, err
	}
	return res.Winners, nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the fatal accept error, if any.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in a background goroutine and waits until it
// accepts connections. It returns the running server alongside a stop
// function that gracefully shuts it down. When ctx ends the server is
// stopped as well.
//
//	srv, stop, err := lotteryd.StartServer(ctx, lotteryd.Config{Listen: "127.0.0.1:0", Agencies: 5, Store: "mem://"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	readyCtx, cancelReady := context.WithCancel(ctx)
	defer cancelReady()
	go func() {
		// Unblock the wait below when Start fails before the listener opens.
		select {
		case err := <-errCh:
			errCh <- err
			cancelReady()
		case <-readyCtx.Done():
		}
	}()
	if err := srv.WaitUntilReady(readyCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if startErr := <-errCh; startErr != nil && !errors.Is(startErr, ErrServerClosed) {
			return nil, nil, startErr
		}
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			stopErr = srv.Shutdown(shutdownCtx)
			if err := <-errCh; err != nil && stopErr == nil && !errors.Is(err, ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	go func() {
		<-ctx.Done()
		_ = stop(context.Background())
	}()
	return srv, stop, nil
}
