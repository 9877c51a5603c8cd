package vttd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/vttd/internal/connguard"
	"pkt.systems/vttd/internal/lockfile"
)

const (
	// DefaultControlListen is the loopback address of the control endpoint.
	DefaultControlListen = "127.0.0.1:30541"
	// DefaultBridgeListen is the loopback address of the bridge endpoint.
	DefaultBridgeListen = "127.0.0.1:30542"
	// DefaultMetricsListen is the metrics endpoint bind address (Prometheus
	// scrape). Empty disables metrics.
	DefaultMetricsListen = ""
	// DefaultQueryTimeout bounds a relayed query when the request does not
	// carry its own timeout.
	DefaultQueryTimeout = 30 * time.Second
	// DefaultHelloTimeout bounds how long a fresh bridge connection may take
	// to present its hello frame before being dropped.
	DefaultHelloTimeout = 5 * time.Second
	// DefaultHeartbeatInterval is the cadence of ping frames on an idle
	// bridge session.
	DefaultHeartbeatInterval = 10 * time.Second
	// DefaultSessionIdleTimeout drops a bridge session with no inbound
	// frames for this long.
	DefaultSessionIdleTimeout = 90 * time.Second
	// DefaultIdleTimeout is the backend self-exit policy: with no bridge
	// session and no control query for this long the backend stops on its
	// own. Zero disables self-exit.
	DefaultIdleTimeout = time.Duration(0)
	// DefaultShutdownTimeout caps graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultMaxQueryBytes caps a control-endpoint query request body.
	DefaultMaxQueryBytes = 4 << 20
	// DefaultConnguardFailureThreshold is the number of refused connection
	// attempts before a source address is hard-blocked.
	DefaultConnguardFailureThreshold = 5
	// DefaultConnguardFailureWindow is the rolling window for refused
	// connection attempts.
	DefaultConnguardFailureWindow = 30 * time.Second
	// DefaultConnguardBlockDuration controls how long a source address
	// remains blocked.
	DefaultConnguardBlockDuration = 5 * time.Minute
	// DefaultConfigFileName is the config file searched for when --config is
	// omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for a vttd.Server instance.
type Config struct {
	// ControlListen is the control endpoint bind address. Loopback only.
	ControlListen string
	// BridgeListen is the bridge endpoint bind address. Loopback only.
	BridgeListen string
	// MetricsListen is the metrics endpoint bind address; empty disables
	// metrics.
	MetricsListen string
	// MetricsListenSet reports whether MetricsListen was explicitly set by
	// caller/flags/env.
	MetricsListenSet bool
	// LockPath locates the lock artifact; empty uses the per-machine
	// default.
	LockPath string
	// QueryTimeout bounds relayed queries without an explicit timeout.
	QueryTimeout time.Duration
	// HelloTimeout bounds the wait for a hello frame on a new bridge
	// connection.
	HelloTimeout time.Duration
	// HeartbeatInterval is the bridge ping cadence; 0 selects the default.
	HeartbeatInterval time.Duration
	// SessionIdleTimeout drops a session with no inbound frames for this
	// long; 0 selects the default.
	SessionIdleTimeout time.Duration
	// IdleTimeout makes the backend exit after this long with no session
	// and no control query; 0 disables self-exit.
	IdleTimeout time.Duration
	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout time.Duration
	// MaxQueryBytes caps a control query request body.
	MaxQueryBytes int64
	// DisableConnguard turns off the connection guard wrapping both
	// listeners. Loopback bind validation still applies.
	DisableConnguard bool
	// ConnguardFailureThreshold controls how many refused attempts trigger
	// a hard block.
	ConnguardFailureThreshold int
	// ConnguardFailureWindow is the rolling window used to count refused
	// attempts.
	ConnguardFailureWindow time.Duration
	// ConnguardBlockDuration controls how long a refused source stays
	// blocked.
	ConnguardBlockDuration time.Duration
}

// ConnguardEnabled reports whether the connection guard is active.
func (c Config) ConnguardEnabled() bool {
	return !c.DisableConnguard
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	if c.ControlListen == "" {
		c.ControlListen = DefaultControlListen
	}
	if c.BridgeListen == "" {
		c.BridgeListen = DefaultBridgeListen
	}
	if err := connguard.Check(c.ControlListen); err != nil {
		return fmt.Errorf("config: control listen %q: %w", c.ControlListen, err)
	}
	if err := connguard.Check(c.BridgeListen); err != nil {
		return fmt.Errorf("config: bridge listen %q: %w", c.BridgeListen, err)
	}
	if !c.MetricsListenSet && c.MetricsListen == "" {
		c.MetricsListen = DefaultMetricsListen
	}
	if c.MetricsListen != "" {
		if err := connguard.Check(c.MetricsListen); err != nil {
			return fmt.Errorf("config: metrics listen %q: %w", c.MetricsListen, err)
		}
	}
	if c.LockPath == "" {
		c.LockPath = lockfile.DefaultPath()
	}
	if c.QueryTimeout < 0 {
		return fmt.Errorf("config: query timeout must be >= 0")
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = DefaultHelloTimeout
	}
	if c.HeartbeatInterval < 0 {
		return fmt.Errorf("config: heartbeat interval must be >= 0")
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.SessionIdleTimeout < 0 {
		return fmt.Errorf("config: session idle timeout must be >= 0")
	}
	if c.SessionIdleTimeout == 0 {
		c.SessionIdleTimeout = DefaultSessionIdleTimeout
	}
	if c.SessionIdleTimeout > 0 && c.HeartbeatInterval > 0 && c.SessionIdleTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("config: session idle timeout must exceed heartbeat interval")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("config: idle timeout must be >= 0")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.MaxQueryBytes <= 0 {
		c.MaxQueryBytes = DefaultMaxQueryBytes
	}
	if c.ConnguardFailureThreshold <= 0 {
		c.ConnguardFailureThreshold = DefaultConnguardFailureThreshold
	}
	if c.ConnguardFailureWindow <= 0 {
		c.ConnguardFailureWindow = DefaultConnguardFailureWindow
	}
	if c.ConnguardBlockDuration <= 0 {
		c.ConnguardBlockDuration = DefaultConnguardBlockDuration
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.vttd, overridable via VTTD_CONFIG_DIR).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("VTTD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".vttd"), nil
}
