package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"pkt.systems/pslog"
	"pkt.systems/vttd"
	"pkt.systems/vttd/api"
	"pkt.systems/vttd/client"
	"pkt.systems/vttd/internal/lockfile"
	"pkt.systems/vttd/internal/svcfields"
	"pkt.systems/vttd/internal/version"
)

// DefaultCaller is the principal stamped on relayed queries when the
// configuration names none.
const DefaultCaller = "vttd-proxy"

// ErrBackendLost is the terminal error reported after the backend
// disappeared and the single reconnect attempt failed.
var ErrBackendLost = errors.New("mcp: backend connection lost")

// Config controls proxy runtime behaviour.
type Config struct {
	// ControlAddr pins the backend control endpoint. Empty discovers the
	// backend at Backend.ControlListen (default well-known port).
	ControlAddr string
	// Caller identifies this proxy on relayed query envelopes.
	Caller string
	// DisableAutostart makes discovery probe-only: when no backend
	// answers, Run fails instead of starting one in-process.
	DisableAutostart bool
	// Backend configures the in-process backend started when discovery
	// finds no live owner.
	Backend vttd.Config
}

func (c *Config) validate() error {
	if c.Caller == "" {
		c.Caller = DefaultCaller
	}
	if err := c.Backend.Validate(); err != nil {
		return err
	}
	return nil
}

// Server is the wrapper proxy service contract.
type Server interface {
	Run(context.Context) error
}

// NewServerRequest wraps constructor inputs.
type NewServerRequest struct {
	Config Config
	Logger pslog.Logger
}

type server struct {
	cfg          Config
	logger       pslog.Logger
	lifecycleLog pslog.Logger
	relayLog     pslog.Logger

	mu          sync.Mutex
	control     *client.Control
	backendStop func(context.Context) error
	adopted     bool
	terminal    bool

	runCtx context.Context
}

// NewServer constructs the wrapper proxy.
func NewServer(req NewServerRequest) (Server, error) {
	cfg := req.Config
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := req.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &server{
		cfg:          cfg,
		logger:       logger,
		lifecycleLog: svcfields.WithSubsystem(logger, "proxy.lifecycle"),
		relayLog:     svcfields.WithSubsystem(logger, "proxy.relay"),
	}, nil
}

// Run locates or starts the backend, then serves MCP over stdio until the
// context is cancelled or the client closes the stream. A backend started
// in-process stops with the proxy; an adopted backend is left running.
func (s *server) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.runCtx = ctx
	if err := s.ensureBackend(ctx); err != nil {
		return err
	}
	defer s.stopOwnedBackend()

	mcpSrv := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "vttd-proxy",
		Version: version.Current(),
	}, &mcpsdk.ServerOptions{
		Instructions: serverInstructions,
	})
	s.registerTools(mcpSrv)

	go s.watchLockArtifact(ctx)

	s.lifecycleLog.Info("proxy.stdio.serving", "control", s.controlAddr())
	err := mcpSrv.Run(ctx, &mcpsdk.StdioTransport{})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *server) controlAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.control == nil {
		return ""
	}
	return s.control.BaseURL()
}

func (s *server) stopOwnedBackend() {
	s.mu.Lock()
	stop := s.backendStop
	s.backendStop = nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Backend.ShutdownTimeout)
	defer cancel()
	if err := stop(shutdownCtx); err != nil {
		s.lifecycleLog.Warn("proxy.backend.stop_failed", "error", err)
	}
}

// ensureBackend resolves a live control endpoint: pinned address, probe
// of the well-known port, or in-process start.
func (s *server) ensureBackend(ctx context.Context) error {
	if s.cfg.ControlAddr != "" {
		s.setControl(client.NewControl(s.cfg.ControlAddr, client.WithLogger(s.logger)), true)
		s.lifecycleLog.Info("proxy.backend.pinned", "control", s.cfg.ControlAddr)
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	owner, err := client.ProbeOwner(probeCtx, s.cfg.Backend.ControlListen, client.WithLogger(s.logger))
	cancel()
	if err == nil {
		s.setControl(client.NewControl(owner.ControlAddr, client.WithLogger(s.logger)), true)
		s.lifecycleLog.Info("proxy.backend.adopted",
			"control", owner.ControlAddr,
			"pid", owner.PID,
		)
		return nil
	}
	if !errors.Is(err, client.ErrBackendUnreachable) {
		return fmt.Errorf("mcp: probe owner: %w", err)
	}
	if s.cfg.DisableAutostart {
		return fmt.Errorf("mcp: no backend at %s and autostart is disabled: %w", s.cfg.Backend.ControlListen, err)
	}
	return s.startBackend(ctx)
}

// startBackend starts a backend in-process. Losing the lock election is
// not a failure: the winner's endpoints are adopted instead. The backend's
// lifetime follows the proxy run context, never a bounded reconnect
// context.
func (s *server) startBackend(_ context.Context) error {
	lifetime := s.runCtx
	if lifetime == nil {
		lifetime = context.Background()
	}
	srv, stop, err := vttd.StartServer(lifetime, s.cfg.Backend, vttd.WithLogger(s.logger))
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyOwned) {
			owner := srv.ExistingOwner()
			s.setControl(client.NewControl(owner.ControlAddr, client.WithLogger(s.logger)), true)
			s.lifecycleLog.Info("proxy.backend.lost_election",
				"control", owner.ControlAddr,
				"pid", owner.PID,
			)
			return nil
		}
		return fmt.Errorf("mcp: start backend: %w", err)
	}
	s.mu.Lock()
	s.control = client.NewControl(srv.ControlAddr(), client.WithLogger(s.logger))
	s.backendStop = stop
	s.adopted = false
	s.terminal = false
	s.mu.Unlock()
	s.lifecycleLog.Info("proxy.backend.started",
		"control", srv.ControlAddr(),
		"bridge", srv.BridgeAddr(),
	)
	return nil
}

func (s *server) setControl(c *client.Control, adopted bool) {
	s.mu.Lock()
	s.control = c
	s.adopted = adopted
	s.terminal = false
	s.mu.Unlock()
}

// relayQuery forwards one named query to the backend. A transport-level
// failure yields one synthetic backend_unreachable response for this call
// and triggers a single reconnect attempt; if that attempt fails the
// proxy is terminal and every later call errors with ErrBackendLost.
func (s *server) relayQuery(ctx context.Context, req api.QueryRequest) (api.QueryResponse, error) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return api.QueryResponse{}, ErrBackendLost
	}
	control := s.control
	s.mu.Unlock()
	if control == nil {
		return api.QueryResponse{}, ErrBackendLost
	}
	if req.Caller == "" {
		req.Caller = s.cfg.Caller
	}

	resp, err := control.Query(ctx, req)
	if err == nil {
		return resp, nil
	}
	if !errors.Is(err, client.ErrBackendUnreachable) {
		return api.QueryResponse{}, err
	}

	s.relayLog.Warn("proxy.relay.backend_unreachable", "name", req.Name, "error", err)
	s.reconnect()
	return api.QueryResponse{
		Error: &api.Error{
			Code:    api.ErrCodeBackendUnreachable,
			Message: "backend disappeared mid-call",
		},
	}, nil
}

// reconnect makes exactly one recovery attempt after backend loss:
// re-probe the well-known endpoint, and when nothing answers, re-run the
// start-or-adopt election. Failure marks the proxy terminal.
func (s *server) reconnect() {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	s.control = nil
	wasOwned := s.backendStop != nil
	s.backendStop = nil
	s.mu.Unlock()

	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	reconnectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := s.ensureBackend(reconnectCtx)
	if err == nil {
		// A pinned or stale address resolves without answering; verify
		// the endpoint is actually alive before declaring recovery.
		if control, cerr := s.currentControl(); cerr != nil {
			err = cerr
		} else if _, herr := control.Health(reconnectCtx); herr != nil {
			err = herr
		}
	}
	if err != nil {
		s.mu.Lock()
		s.terminal = true
		s.mu.Unlock()
		s.lifecycleLog.Error("proxy.backend.reconnect_failed", "error", err)
		return
	}
	s.lifecycleLog.Info("proxy.backend.reconnected",
		"control", s.controlAddr(),
		"previously_owned", wasOwned,
	)
}

// watchLockArtifact re-elects when the lock artifact disappears under an
// adopted backend: the next proxy to notice either starts a replacement
// or adopts whichever racer won. A backend this proxy owns releases the
// artifact only on its own shutdown, so owned removals are ignored.
func (s *server) watchLockArtifact(ctx context.Context) {
	mgr := lockfile.NewManager(s.cfg.Backend.LockPath, s.logger)
	removed, err := mgr.Watch(ctx)
	if err != nil {
		s.lifecycleLog.Warn("proxy.lockwatch.unavailable", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-removed:
			if !ok {
				return
			}
			s.mu.Lock()
			owned := s.backendStop != nil
			terminal := s.terminal
			s.mu.Unlock()
			if owned || terminal {
				continue
			}
			s.lifecycleLog.Warn("proxy.lockwatch.artifact_removed", "path", s.cfg.Backend.LockPath)
			s.reconnect()
		}
	}
}

const serverInstructions = `vttd-proxy bridges this client to a running virtual-tabletop
host application. Tool calls become named queries relayed over the
machine-local vttd backend; the host application's handler registry
decides which operation names exist. Long-running work goes through
vtt_job_submit and is polled with vtt_job_status.`
