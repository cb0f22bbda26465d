package lotteryd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/lotteryd/client"
	"pkt.systems/lotteryd/internal/betstore"
)

// TestServer wraps a running Server with convenient handles for tests.
type TestServer struct {
	Server *Server
	Config Config

	addr  net.Addr
	stop  func(context.Context) error
	proxy *chaosProxy
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.log(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) log(entry string) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprint(r)
			if strings.Contains(msg, "Log in goroutine after") ||
				strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
				return
			}
			panic(r)
		}
	}()
	w.t.Log(entry)
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a pslog logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewWithOptions(writer, pslog.Options{
		Mode:     pslog.ModeStructured,
		MinLevel: level,
	}).With("app", "testserver")
}

// Stop shuts down the server and the chaos proxy, if any.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	if ts.proxy != nil {
		_ = ts.proxy.Close()
		ts.proxy = nil
	}
	return ts.stop(ctx)
}

// Addr returns the address agencies should dial. With chaos enabled this
// is the proxy.
func (ts *TestServer) Addr() net.Addr {
	if ts == nil {
		return nil
	}
	return ts.addr
}

// NewAgency returns an agency client pointed at the server. Mutators run
// before the client validates its config.
func (ts *TestServer) NewAgency(id uint32, mutators ...func(*client.Config)) (*client.Agency, error) {
	cfg := client.Config{
		Server:          ts.addr.String(),
		Agency:          id,
		PollInterval:    5 * time.Millisecond,
		PollMaxInterval: 50 * time.Millisecond,
		Logger:          ts.Server.baseLogger,
	}
	for _, mutate := range mutators {
		mutate(&cfg)
	}
	return client.New(cfg)
}

// TestServerOption customises NewTestServer.
type TestServerOption func(*testServerOptions)

type testServerOptions struct {
	cfg          Config
	mutators     []func(*Config)
	logger       pslog.Logger
	store        betstore.Store
	serverOpts   []Option
	startTimeout time.Duration
	chaos        *ChaosConfig
}

// WithTestConfig replaces the base configuration.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
	}
}

// WithTestConfigFunc mutates the configuration before the server is built.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestAgencies sets the number of agencies the draw waits for.
func WithTestAgencies(n int) TestServerOption {
	return WithTestConfigFunc(func(c *Config) { c.Agencies = n })
}

// WithTestStore selects the store URL.
func WithTestStore(store string) TestServerOption {
	return WithTestConfigFunc(func(c *Config) { c.Store = store })
}

// WithTestBetStore injects a bet store.
func WithTestBetStore(store betstore.Store) TestServerOption {
	return func(o *testServerOptions) {
		o.store = store
	}
}

// WithTestLogger supplies the server logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestLoggerFromTB routes server logs through t at level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return WithTestLogger(NewTestingLogger(t, level))
}

// WithTestServerOptions passes extra options to NewServer.
func WithTestServerOptions(opts ...Option) TestServerOption {
	return func(o *testServerOptions) {
		o.serverOpts = append(o.serverOpts, opts...)
	}
}

// WithTestStartTimeout bounds how long NewTestServer waits for the listener.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		o.startTimeout = d
	}
}

// WithTestChaos routes agency traffic through a proxy that injects latency
// and connection resets.
func WithTestChaos(cfg *ChaosConfig) TestServerOption {
	return func(o *testServerOptions) {
		o.chaos = cfg
	}
}

// NewTestServer starts a server on a loopback port with an in-memory store.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	options := testServerOptions{
		cfg:          DefaultConfig(),
		startTimeout: 5 * time.Second,
	}
	options.cfg.Listen = "127.0.0.1:0"
	options.cfg.ShutdownTimeout = 5 * time.Second
	options.cfg.StorageRetryBaseDelay = time.Millisecond
	options.cfg.StorageRetryMaxDelay = 10 * time.Millisecond
	for _, opt := range opts {
		opt(&options)
	}
	cfg := options.cfg
	for _, mutate := range options.mutators {
		mutate(&cfg)
	}
	cfg.Store = defaultIfEmpty(cfg.Store, DefaultStore)
	cfg.Listen = defaultIfEmpty(cfg.Listen, "127.0.0.1:0")

	serverOpts := append([]Option{}, options.serverOpts...)
	if options.logger != nil {
		serverOpts = append(serverOpts, WithLogger(options.logger))
	}
	if options.store != nil {
		serverOpts = append(serverOpts, WithBetStore(options.store))
	}

	srv, err := NewServer(cfg, serverOpts...)
	if err != nil {
		return nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	startCtx, cancel := context.WithTimeout(ctx, options.startTimeout)
	defer cancel()
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = ErrServerClosed
		}
		return nil, fmt.Errorf("start test server: %w", err)
	case <-startCtx.Done():
		_ = srv.Close()
		<-errCh
		return nil, fmt.Errorf("start test server: %w", startCtx.Err())
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	ts := &TestServer{
		Server: srv,
		Config: srv.Config(),
		addr:   srv.ListenerAddr(),
	}
	ts.stop = func(ctx context.Context) error {
		stopOnce.Do(func() {
			stopErr = srv.Shutdown(ctx)
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if options.chaos != nil {
		proxy, err := newChaosProxy(ts.addr.String(), options.chaos)
		if err != nil {
			_ = ts.stop(context.Background())
			return nil, err
		}
		ts.proxy = proxy
		ts.addr = proxy.Addr()
	}
	return ts, nil
}

// StartTestServer is a convenience wrapper that fails the test on error and registers cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		if err := ts.Stop(context.Background()); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}

func defaultIfEmpty(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// ChaosConfig describes network perturbations applied by the chaos proxy.
type ChaosConfig struct {
	// Seed controls the pseudo-random source. When zero, time.Now is used.
	Seed int64

	// MinDelay and MaxDelay bound per-chunk latency. When both zero no delay is added.
	MinDelay time.Duration
	MaxDelay time.Duration

	// ResetProbability closes a new connection before any byte is forwarded (0.0-1.0).
	ResetProbability float64

	// MaxResets limits how many connections are reset (0 = unlimited).
	MaxResets int

	// ChunkSize controls read/write batch size. Defaults to 4k if <=0.
	ChunkSize int
}

type chaosRuntimeConfig struct {
	minDelay  time.Duration
	maxDelay  time.Duration
	resetProb float64
	maxResets int
	chunkSize int
	seed      int64
}

func (c *ChaosConfig) normalize() chaosRuntimeConfig {
	cfg := chaosRuntimeConfig{
		minDelay:  max(c.MinDelay, 0),
		maxDelay:  c.MaxDelay,
		resetProb: clampProbability(c.ResetProbability),
		maxResets: max(c.MaxResets, 0),
		chunkSize: c.ChunkSize,
		seed:      c.Seed,
	}
	if cfg.chunkSize <= 0 {
		cfg.chunkSize = 4 << 10
	}
	if cfg.maxDelay < cfg.minDelay {
		cfg.maxDelay = cfg.minDelay
	}
	if cfg.seed == 0 {
		cfg.seed = time.Now().UnixNano()
	}
	return cfg
}

func clampProbability(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return min(v, 1)
}

type chaosProxy struct {
	listener net.Listener
	remote   string
	cfg      chaosRuntimeConfig

	mu     sync.Mutex
	rng    *rand.Rand
	resets int

	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func newChaosProxy(remote string, config *ChaosConfig) (*chaosProxy, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	cfg := config.normalize()
	cp := &chaosProxy{
		listener: ln,
		remote:   remote,
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(cfg.seed)),
		stopCh:   make(chan struct{}),
	}
	cp.wg.Add(1)
	go cp.acceptLoop()
	return cp, nil
}

func (cp *chaosProxy) Addr() net.Addr {
	return cp.listener.Addr()
}

// Resets returns how many connections the proxy reset.
func (cp *chaosProxy) Resets() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.resets
}

func (cp *chaosProxy) Close() error {
	var err error
	cp.closeOnce.Do(func() {
		close(cp.stopCh)
		err = cp.listener.Close()
	})
	cp.wg.Wait()
	return err
}

func (cp *chaosProxy) shouldReset() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.cfg.resetProb == 0 {
		return false
	}
	if cp.cfg.maxResets > 0 && cp.resets >= cp.cfg.maxResets {
		return false
	}
	if cp.rng.Float64() >= cp.cfg.resetProb {
		return false
	}
	cp.resets++
	return true
}

func (cp *chaosProxy) delay() time.Duration {
	if cp.cfg.maxDelay <= 0 {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	d := cp.cfg.minDelay
	if span := cp.cfg.maxDelay - cp.cfg.minDelay; span > 0 {
		d += time.Duration(cp.rng.Int63n(int64(span) + 1))
	}
	return d
}

func (cp *chaosProxy) acceptLoop() {
	defer cp.wg.Done()
	for {
		conn, err := cp.listener.Accept()
		if err != nil {
			select {
			case <-cp.stopCh:
				return
			default:
			}
			continue
		}
		cp.wg.Add(1)
		go func(c net.Conn) {
			defer cp.wg.Done()
			cp.handleConnection(c)
		}(conn)
	}
}

func (cp *chaosProxy) handleConnection(downstream net.Conn) {
	defer downstream.Close()
	if cp.shouldReset() {
		if tcp, ok := downstream.(*net.TCPConn); ok {
			_ = tcp.SetLinger(0)
		}
		return
	}
	upstream, err := net.DialTimeout("tcp", cp.remote, time.Second)
	if err != nil {
		return
	}
	defer upstream.Close()

	done := make(chan struct{}, 2)
	finished := make(chan struct{})
	go func() {
		select {
		case <-cp.stopCh:
		case <-finished:
			return
		}
		_ = downstream.SetDeadline(time.Now())
		_ = upstream.SetDeadline(time.Now())
	}()
	go cp.pipe(done, upstream, downstream)
	go cp.pipe(done, downstream, upstream)
	<-done
	<-done
	close(finished)
}

// pipe copies src to dst with the configured latency. A clean EOF is
// forwarded as a half-close; any other error tears down both sides.
func (cp *chaosProxy) pipe(done chan<- struct{}, dst, src net.Conn) {
	defer func() { done <- struct{}{} }()
	buf := make([]byte, cp.cfg.chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if d := cp.delay(); d > 0 {
				select {
				case <-time.After(d):
				case <-cp.stopCh:
					return
				}
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				_ = src.SetDeadline(time.Now())
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				if tcp, ok := dst.(*net.TCPConn); ok {
					_ = tcp.CloseWrite()
					return
				}
			}
			_ = dst.SetDeadline(time.Now())
			return
		}
	}
}
