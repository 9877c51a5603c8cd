package vttd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/vttd/api"
	"pkt.systems/vttd/internal/bridge"
	"pkt.systems/vttd/internal/connguard"
	"pkt.systems/vttd/internal/lockfile"
	"pkt.systems/vttd/internal/router"
	"pkt.systems/vttd/internal/svcfields"
)

// State is the coordinator lifecycle phase reported on /v1/healthz.
type State string

const (
	// StateStarting covers lock acquisition and listener setup.
	StateStarting State = "starting"
	// StateListening means both endpoints are bound but no bridge session
	// is active.
	StateListening State = "listening"
	// StateReady means an authoritative bridge session is serving queries.
	StateReady State = "ready"
	// StateShuttingDown is entered once and never left except for Stopped.
	StateShuttingDown State = "shutting_down"
	// StateStopped is terminal.
	StateStopped State = "stopped"
)

// Server is the backend coordinator: the single per-machine process that
// owns the lock artifact, the control endpoint, and the bridge endpoint,
// and relays named queries from wrapper proxies to the host application.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	lock      *lockfile.Manager
	guard     *connguard.Guard
	pending   *router.Pending
	telemetry *telemetryBundle
	now       func() time.Time

	controlLn net.Listener
	bridgeLn  net.Listener
	httpSrv   *http.Server
	startedAt time.Time

	readyOnce sync.Once
	readyCh   chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup

	releaseOnce sync.Once
	releaseErr  error

	mu            sync.Mutex
	state         State
	session       *bridge.Session
	lastActivity  time.Time
	existingOwner lockfile.Record
	shutdown      bool
	lastServeErr  error
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger pslog.Logger
	Now    func() time.Time
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithNow injects a custom time source (tests).
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.Now = now
		}
	}
}

// NewServer constructs a vttd backend coordinator according to cfg.
// Example:
//
//	cfg := vttd.Config{}
//	srv, err := vttd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	now := o.Now
	if now == nil {
		now = time.Now
	}
	guard := connguard.New(connguard.Config{
		Enabled:          cfg.ConnguardEnabled(),
		FailureThreshold: cfg.ConnguardFailureThreshold,
		FailureWindow:    cfg.ConnguardFailureWindow,
		BlockDuration:    cfg.ConnguardBlockDuration,
	}, logger)
	telemetry, err := newTelemetry(cfg.MetricsListen, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, "server"),
		lock:      lockfile.NewManager(cfg.LockPath, logger),
		guard:     guard,
		pending:   router.NewPending(logger),
		telemetry: telemetry,
		now:       now,
		readyCh:   make(chan struct{}),
		stopCh:    make(chan struct{}),
		state:     StateStarting,
	}
	return s, nil
}

// Start acquires the lock, binds both endpoints, and blocks serving until
// the server stops. Losing the election returns an error wrapping
// lockfile.ErrAlreadyOwned; ExistingOwner then carries the winner's
// endpoints so the caller can connect as a client instead.
func (s *Server) Start() error {
	rec := lockfile.Record{
		PID:            os.Getpid(),
		AcquiredAtUnix: s.now().Unix(),
		ControlAddr:    s.cfg.ControlListen,
		BridgeAddr:     s.cfg.BridgeListen,
	}
	acq, err := s.lock.Acquire(rec)
	if err != nil {
		s.setState(StateStopped)
		return err
	}
	if !acq.Owned {
		s.mu.Lock()
		s.existingOwner = acq.Existing
		s.state = StateStopped
		s.mu.Unlock()
		return fmt.Errorf("vttd: %w (pid %d, control %s)",
			lockfile.ErrAlreadyOwned, acq.Existing.PID, acq.Existing.ControlAddr)
	}
	defer s.releaseLock()

	controlLn, err := net.Listen("tcp", s.cfg.ControlListen)
	if err != nil {
		return fmt.Errorf("vttd: control listen %s: %w", s.cfg.ControlListen, err)
	}
	bridgeLn, err := net.Listen("tcp", s.cfg.BridgeListen)
	if err != nil {
		_ = controlLn.Close()
		return fmt.Errorf("vttd: bridge listen %s: %w", s.cfg.BridgeListen, err)
	}
	s.controlLn = controlLn
	s.bridgeLn = s.guard.WrapListener(bridgeLn)

	// The configured addresses may request an ephemeral port; republish
	// the resolved ones so proxies discover real endpoints.
	rec.ControlAddr = controlLn.Addr().String()
	rec.BridgeAddr = bridgeLn.Addr().String()
	if err := s.lock.Update(rec); err != nil {
		_ = controlLn.Close()
		_ = bridgeLn.Close()
		return err
	}

	s.httpSrv = &http.Server{
		Handler: s.controlMux(),
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}
	if err := s.telemetry.Start(); err != nil {
		_ = controlLn.Close()
		_ = bridgeLn.Close()
		return err
	}
	s.startedAt = s.now()
	s.markActivity()
	s.setState(StateListening)
	s.signalReady()
	s.logger.Info("listening",
		"control_addr", rec.ControlAddr,
		"bridge_addr", rec.BridgeAddr,
		"lock_path", s.lock.Path(),
		"connguard", s.cfg.ConnguardEnabled())

	s.wg.Add(1)
	go s.acceptBridge()
	if s.cfg.IdleTimeout > 0 {
		s.wg.Add(1)
		go s.idleMonitor()
	}

	serveErr := s.httpSrv.Serve(s.guard.WrapListener(controlLn))
	s.recordServeErr(serveErr)
	if !errors.Is(serveErr, http.ErrServerClosed) {
		// Serve failed on its own; run the shutdown path so the bridge
		// loop stops and the lock is released.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		_ = s.Shutdown(shutdownCtx)
		cancel()
	}
	s.wg.Wait()
	s.setState(StateStopped)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("vttd: control serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server. The lock is always released, even
// when a component fails to stop cleanly.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.state = StateShuttingDown
	sess := s.session
	s.session = nil
	s.mu.Unlock()

	s.logger.Info("shutdown.begin")
	close(s.stopCh)
	if sess != nil {
		_ = sess.Close()
	}
	s.pending.FailAll(&api.Error{Code: api.ErrCodeNoSession, Message: "backend shutting down"})

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("control shutdown: %w", err))
		}
	}
	if ln := s.bridgeLn; ln != nil {
		_ = ln.Close()
	}
	if err := s.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.releaseLock(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("shutdown.complete")
	return nil
}

// Close gracefully shuts the server down using the configured shutdown
// timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) releaseLock() error {
	s.releaseOnce.Do(func() {
		s.releaseErr = s.lock.Release()
	})
	return s.releaseErr
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until both listeners are bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State reports the coordinator lifecycle phase.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) setState(st State) {
	s.mu.Lock()
	if s.state != StateShuttingDown && s.state != StateStopped || st == StateStopped {
		s.state = st
	}
	s.mu.Unlock()
}

// ControlAddr reports the resolved control endpoint address once Start has
// bound it.
func (s *Server) ControlAddr() string {
	if ln := s.controlLn; ln != nil {
		return ln.Addr().String()
	}
	return ""
}

// BridgeAddr reports the resolved bridge endpoint address once Start has
// bound it.
func (s *Server) BridgeAddr() string {
	if ln := s.bridgeLn; ln != nil {
		return ln.Addr().String()
	}
	return ""
}

// ExistingOwner returns the live owner's record after Start lost the
// election with lockfile.ErrAlreadyOwned.
func (s *Server) ExistingOwner() lockfile.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existingOwner
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the control
// HTTP server. Diagnostics only.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

func (s *Server) markActivity() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

func (s *Server) currentSession() *bridge.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// adoptSession installs sess as the single authoritative session,
// superseding and failing out any previous one.
func (s *Server) adoptSession(sess *bridge.Session) (superseded bool) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = sess.Close()
		return false
	}
	old := s.session
	s.session = sess
	s.state = StateReady
	s.lastActivity = s.now()
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
		s.pending.FailAll(&api.Error{Code: api.ErrCodeSessionSuperseded, Message: "bridge session superseded"})
		s.telemetry.SessionSuperseded()
		s.logger.Warn("bridge.session.superseded", "old_session", old.ID(), "new_session", sess.ID())
	}
	s.telemetry.SessionAdopted()
	return old != nil
}

// dropSession clears sess if it is still current and fails its in-flight
// queries so no wrapper caller hangs.
func (s *Server) dropSession(sess *bridge.Session, reason string) {
	s.mu.Lock()
	current := s.session == sess
	if current {
		s.session = nil
		if s.state == StateReady {
			s.state = StateListening
		}
		s.lastActivity = s.now()
	}
	s.mu.Unlock()
	_ = sess.Close()
	if !current {
		return
	}
	s.pending.FailAll(&api.Error{Code: api.ErrCodeNoSession, Message: "bridge session lost"})
	s.logger.Warn("bridge.session.lost", "session", sess.ID(), "reason", reason)
}

func (s *Server) acceptBridge() {
	defer s.wg.Done()
	for {
		raw, err := s.bridgeLn.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
			default:
				s.logger.Warn("bridge.accept.failed", "error", err)
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleBridgeConn(raw)
		}()
	}
}

func (s *Server) handleBridgeConn(raw net.Conn) {
	conn := bridge.NewConn(raw)
	_ = conn.SetReadDeadline(s.now().Add(s.cfg.HelloTimeout))
	f, err := conn.ReadFrame()
	if err != nil {
		s.logger.Warn("bridge.hello.failed", "remote", raw.RemoteAddr().String(), "error", err)
		_ = conn.Close()
		return
	}
	if f.Kind != bridge.KindHello || f.Hello == nil {
		s.logger.Warn("bridge.hello.rejected", "remote", raw.RemoteAddr().String(), "kind", f.Kind)
		_ = conn.Close()
		return
	}
	sess := bridge.NewSession(conn, *f.Hello, s.now())
	superseded := s.adoptSession(sess)
	if s.currentSession() != sess {
		// Adoption refused (shutdown raced the connection).
		return
	}
	ack := api.HelloAck{SessionID: sess.ID(), Superseded: superseded}
	if err := conn.WriteFrame(bridge.Frame{Kind: bridge.KindHelloAck, HelloAck: &ack}); err != nil {
		s.dropSession(sess, "hello ack write failed")
		return
	}
	s.logger.Info("bridge.session.adopted",
		"session", sess.ID(),
		"client", sess.Client(),
		"capabilities", len(sess.Capabilities()))
	if s.cfg.HeartbeatInterval > 0 {
		s.wg.Add(1)
		go s.heartbeatLoop(sess)
	}
	s.sessionReadLoop(sess)
}

func (s *Server) sessionReadLoop(sess *bridge.Session) {
	conn := sess.Conn()
	for {
		if s.cfg.SessionIdleTimeout > 0 {
			_ = conn.SetReadDeadline(s.now().Add(s.cfg.SessionIdleTimeout))
		}
		f, err := conn.ReadFrame()
		if err != nil {
			s.dropSession(sess, err.Error())
			return
		}
		sess.Touch(s.now())
		switch f.Kind {
		case bridge.KindResponse:
			if f.Response != nil {
				s.pending.Resolve(*f.Response)
			}
		case bridge.KindPing:
			// Liveness only; Touch above is the whole effect.
		default:
			s.logger.Warn("bridge.frame.ignored", "session", sess.ID(), "kind", f.Kind)
		}
	}
}

func (s *Server) heartbeatLoop(sess *bridge.Session) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.currentSession() != sess {
				return
			}
			if err := sess.Conn().WriteFrame(bridge.Frame{Kind: bridge.KindPing}); err != nil {
				s.dropSession(sess, "ping write failed")
				return
			}
		}
	}
}

func (s *Server) idleMonitor() {
	defer s.wg.Done()
	interval := s.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := s.session == nil && s.now().Sub(s.lastActivity) >= s.cfg.IdleTimeout
			s.mu.Unlock()
			if !idle {
				continue
			}
			s.logger.Info("idle.exit", "idle_timeout", s.cfg.IdleTimeout)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
				defer cancel()
				_ = s.Shutdown(ctx)
			}()
			return
		}
	}
}

// RelayQuery forwards one named query over the bridge session and awaits
// its correlated response. All failure modes come back as a QueryResponse
// carrying an api.Error so wrapper proxies see one uniform shape.
func (s *Server) RelayQuery(ctx context.Context, req api.QueryRequest) api.QueryResponse {
	s.markActivity()
	sess := s.currentSession()
	if sess == nil {
		return api.QueryResponse{
			Error: &api.Error{Code: api.ErrCodeNoSession, Message: "no bridge session"},
		}
	}
	timeout := s.cfg.QueryTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	id := router.NewCorrelationID()
	ch := s.pending.Register(id)
	env := api.QueryEnvelope{
		CorrelationID: id,
		Name:          req.Name,
		Caller:        req.Caller,
		Payload:       req.Payload,
		IssuedAtUnix:  s.now().Unix(),
	}
	s.telemetry.QueryRelayed(req.Name)
	if err := sess.Conn().WriteFrame(bridge.Frame{Kind: bridge.KindEnvelope, Envelope: &env}); err != nil {
		s.dropSession(sess, "envelope write failed")
		s.telemetry.QueryFailed(api.ErrCodeNoSession)
		return api.QueryResponse{
			CorrelationID: id,
			Error:         &api.Error{Code: api.ErrCodeNoSession, Message: "bridge session lost"},
		}
	}
	resp, err := s.pending.Await(ctx, id, ch, timeout)
	if err != nil {
		s.telemetry.QueryFailed(api.ErrCodeTimeout)
		return api.QueryResponse{
			CorrelationID: id,
			Error:         &api.Error{Code: api.ErrCodeTimeout, Message: err.Error()},
		}
	}
	if resp.Error != nil {
		s.telemetry.QueryFailed(resp.Error.Code)
	}
	return resp
}

func (s *Server) controlMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/healthz", s.handleHealthz)
	mux.HandleFunc("GET /v1/owner", s.handleOwner)
	mux.HandleFunc("POST /v1/query", s.handleQuery)
	mux.HandleFunc("POST /v1/shutdown", s.handleShutdown)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	state := s.state
	sess := s.session
	s.mu.Unlock()
	resp := api.HealthResponse{
		State:         string(state),
		SessionActive: sess != nil,
	}
	if sess != nil {
		resp.SessionID = sess.ID()
	}
	if !s.startedAt.IsZero() {
		resp.UptimeSeconds = int64(s.now().Sub(s.startedAt) / time.Second)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOwner(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, api.OwnerResponse{
		PID:           os.Getpid(),
		ControlAddr:   s.ControlAddr(),
		BridgeAddr:    s.BridgeAddr(),
		StartedAtUnix: s.startedAt.Unix(),
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxQueryBytes)
	var req api.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, api.QueryResponse{
			Error: &api.Error{Code: api.ErrCodeBadRequest, Message: "malformed query request"},
		})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, api.QueryResponse{
			Error: &api.Error{Code: api.ErrCodeBadRequest, Message: "query name required"},
		})
		return
	}
	writeJSON(w, http.StatusOK, s.RelayQuery(r.Context(), req))
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, api.ShutdownResponse{ShuttingDown: true})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = s.Shutdown(ctx)
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StartServer starts a backend coordinator in a background goroutine and
// waits until both endpoints accept connections. It returns the running
// server alongside a stop function that gracefully shuts it down.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	readyErr := make(chan error, 1)
	go func() {
		readyErr <- srv.WaitUntilReady(waitCtx)
	}()
	select {
	case err := <-errCh:
		// Start returned before readiness: lost election or bind failure.
		if err == nil {
			err = errors.New("vttd: server stopped before becoming ready")
		}
		return srv, nil, err
	case err := <-readyErr:
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), srv.cfg.ShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			<-errCh
			return srv, nil, err
		}
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
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
