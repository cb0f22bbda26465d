// Package connguard rejects connections from hosts that keep violating the
// wire protocol.
package connguard

import (
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/lotteryd/internal/loggingutil"
)

// Config controls the guard. A zero FailureThreshold disables it.
type Config struct {
	// FailureThreshold is the number of violations before a host is blocked.
	FailureThreshold int
	// FailureWindow is the period violations are counted over.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked host stays blocked.
	BlockDuration time.Duration
}

type hostState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard tracks protocol violations per remote host and can wrap a listener
// so blocked hosts are closed before a session is created.
type Guard struct {
	cfg    Config
	logger pslog.Logger
	mu     sync.Mutex
	now    func() time.Time
	hosts  map[string]*hostState
}

// New constructs a Guard. It returns nil when cfg disables guarding; a nil
// Guard is valid and never blocks.
func New(cfg Config, logger pslog.Logger) *Guard {
	if cfg.FailureThreshold <= 0 {
		return nil
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 10 * time.Second
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = time.Minute
	}
	return &Guard{
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(logger, "server.connguard"),
		now:    time.Now,
		hosts:  make(map[string]*hostState),
	}
}

// Report records a violation by remote and reports whether the host is now
// blocked.
func (g *Guard) Report(remote string, reason string) bool {
	if g == nil {
		return false
	}
	remote = normalizeRemoteAddr(remote)
	if remote == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.hosts[remote]
	if state == nil {
		state = &hostState{}
		g.hosts[remote] = state
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(state.failures) > 0 && state.failures[0].Before(cutoff) {
		state.failures = state.failures[1:]
	}
	state.failures = append(state.failures, now)
	if len(state.failures) < g.cfg.FailureThreshold {
		g.logger.Warn("connguard.suspicious",
			"remote", remote,
			"reason", reason,
			"count", len(state.failures),
			"threshold", g.cfg.FailureThreshold)
		return false
	}

	state.blockedUntil = now.Add(g.cfg.BlockDuration)
	state.failures = nil
	g.logger.Warn("connguard.engaged",
		"remote", remote,
		"threshold", g.cfg.FailureThreshold,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration,
		"reason", reason)
	return true
}

// Blocked reports whether remote is currently blocked. Expired blocks are
// cleared.
func (g *Guard) Blocked(remote string) bool {
	if g == nil {
		return false
	}
	remote = normalizeRemoteAddr(remote)
	if remote == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.hosts[remote]
	if state == nil || state.blockedUntil.IsZero() {
		return false
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}
	g.logger.Info("connguard.disengaged", "remote", remote)
	if len(state.failures) == 0 {
		delete(g.hosts, remote)
	}
	return false
}

// WrapListener returns a listener that closes connections from blocked
// hosts instead of returning them. A nil Guard returns ln unchanged.
func (g *Guard) WrapListener(ln net.Listener) net.Listener {
	if g == nil || ln == nil {
		return ln
	}
	return &guardedListener{Listener: ln, guard: g}
}

// normalizeRemoteAddr extracts just the host component.
func normalizeRemoteAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(raw)
	if err == nil {
		return host
	}
	return raw
}

type guardedListener struct {
	net.Listener
	guard *Guard
}

func (l *guardedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		remote := remoteAddress(conn)
		if !l.guard.Blocked(remote) {
			return conn, nil
		}
		l.guard.logger.Warn("connguard.rejected", "remote", remote)
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetLinger(0)
		}
		_ = conn.Close()
	}
}

func remoteAddress(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	remote := conn.RemoteAddr()
	if remote == nil {
		return ""
	}
	return remote.String()
}
