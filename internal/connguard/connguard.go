// Package connguard enforces the local-machine boundary on vttd's
// listeners. Both the control and bridge endpoints are loopback-only by
// contract: the guard refuses any non-loopback peer before the protocol
// layer sees the connection, and blocks addresses that keep probing.
package connguard

import (
	"errors"
	"net"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/vttd/internal/svcfields"
)

// Config controls guard behaviour.
type Config struct {
	// Enabled toggles enforcement; disabled guards pass connections through.
	Enabled bool
	// FailureThreshold is the number of refused attempts before an address
	// is hard-blocked (0 disables blocking, refusal still applies).
	FailureThreshold int
	// FailureWindow is the period over which refused attempts are counted.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked address stays blocked.
	BlockDuration time.Duration
}

type offender struct {
	refusals     []time.Time
	blockedUntil time.Time
}

// Guard tracks refused peers and wraps listeners with loopback
// enforcement.
type Guard struct {
	cfg    Config
	logger pslog.Logger
	now    func() time.Time

	mu        sync.Mutex
	offenders map[string]*offender
}

// New constructs a guard.
func New(cfg Config, logger pslog.Logger) *Guard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Minute
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Guard{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, "connguard"),
		now:       time.Now,
		offenders: make(map[string]*offender),
	}
}

// WrapListener returns a listener that refuses non-loopback peers.
func (g *Guard) WrapListener(ln net.Listener) net.Listener {
	if g == nil || !g.cfg.Enabled || ln == nil {
		return ln
	}
	return &guardedListener{Listener: ln, guard: g}
}

// permit classifies one inbound connection.
func (g *Guard) permit(remote net.Addr) bool {
	host := remoteHost(remote)
	if host == "" {
		return false
	}
	if isLoopback(host) {
		return true
	}
	g.refuse(host)
	return false
}

func (g *Guard) refuse(host string) {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	state := g.offenders[host]
	if state == nil {
		state = &offender{}
		g.offenders[host] = state
	}
	if !state.blockedUntil.IsZero() && state.blockedUntil.After(now) {
		return
	}
	state.blockedUntil = time.Time{}
	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(state.refusals) > 0 && state.refusals[0].Before(cutoff) {
		state.refusals = state.refusals[1:]
	}
	state.refusals = append(state.refusals, now)
	g.logger.Warn("connguard.refused_non_loopback", "remote", host, "count", len(state.refusals))
	if g.cfg.FailureThreshold > 0 && len(state.refusals) >= g.cfg.FailureThreshold {
		state.blockedUntil = now.Add(g.cfg.BlockDuration)
		state.refusals = nil
		g.logger.Warn("connguard.blocked", "remote", host, "duration", g.cfg.BlockDuration)
	}
}

// Blocked reports whether host is currently hard-blocked.
func (g *Guard) Blocked(host string) bool {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	state := g.offenders[host]
	if state == nil || state.blockedUntil.IsZero() {
		return false
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}
	return false
}

func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

type guardedListener struct {
	net.Listener
	guard *Guard
}

// Accept drops refused connections and keeps waiting for a permitted one.
func (l *guardedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if l.guard.permit(conn.RemoteAddr()) {
			return conn, nil
		}
		_ = conn.Close()
	}
}

// ErrNotLoopback is returned by Check when an address fails the loopback
// requirement at bind time.
var ErrNotLoopback = errors.New("connguard: listen address is not loopback")

// Check validates that a configured listen address resolves to loopback.
// Empty hosts (":port") are rejected: a local-machine integration must
// never bind the wildcard interface.
func Check(listenAddr string) error {
	host, _, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return err
	}
	if host == "localhost" {
		return nil
	}
	if !isLoopback(host) {
		return ErrNotLoopback
	}
	return nil
}
