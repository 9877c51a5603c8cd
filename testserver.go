package vttd

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/vttd/api"
	"pkt.systems/vttd/client"
	"pkt.systems/vttd/internal/router"
)

// TestServer wraps a running vttd.Server with convenient handles for
// tests: ephemeral loopback ports, a throwaway lock artifact, and a
// pre-built control client.
type TestServer struct {
	Server  *Server
	Config  Config
	Control *client.Control

	stop func(context.Context) error
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return len(p), nil
	}
	lines := bytes.Split(p, []byte{'\n'})
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		w.t.Helper()
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") {
						return
					}
					if strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	w.mu.Unlock()
	return len(p), nil
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
	logger := pslog.NewStructured(writer).WithLogLevel()
	if level != pslog.NoLevel {
		logger = logger.LogLevel(level)
	}
	return logger.With("app", "testserver")
}

type testServerOptions struct {
	mutators     []func(*Config)
	logger       pslog.Logger
	startTimeout time.Duration
	testTB       testing.TB
	testLogLevel pslog.Level
}

// TestServerOption customises NewTestServer/StartTestServer behaviour.
type TestServerOption func(*testServerOptions)

// WithTestConfigFunc applies a mutation to the server configuration before
// start.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestLockPath overrides the lock artifact location.
func WithTestLockPath(path string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.LockPath = path
	})
}

// WithTestLogger supplies a custom logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestStartTimeout overrides the wait timeout when starting the
// server.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		o.startTimeout = d
	}
}

// WithTestLoggerFromTB routes server logs to the provided testing logger
// at the supplied level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.testTB = t
		o.testLogLevel = level
	}
}

// WithTestLoggerTB uses the testing logger with Debug level.
func WithTestLoggerTB(t testing.TB) TestServerOption {
	return WithTestLoggerFromTB(t, pslog.DebugLevel)
}

// NewTestServer starts a vttd backend suitable for tests. Call Stop to
// clean up resources. The default configuration uses ephemeral ports and
// a lock artifact under tempDir so parallel tests never contend.
func NewTestServer(ctx context.Context, tempDir string, opts ...TestServerOption) (*TestServer, error) {
	options := testServerOptions{
		startTimeout: 5 * time.Second,
		testLogLevel: pslog.DebugLevel,
	}
	for _, opt := range opts {
		opt(&options)
	}
	cfg := Config{
		ControlListen: "127.0.0.1:0",
		BridgeListen:  "127.0.0.1:0",
		LockPath:      filepath.Join(tempDir, "vttd.lock"),
	}
	for _, mut := range options.mutators {
		mut(&cfg)
	}
	logger := options.logger
	if logger == nil {
		if options.testTB != nil {
			logger = NewTestingLogger(options.testTB, options.testLogLevel)
		} else {
			logger = pslog.NoopLogger()
		}
	}
	serverCtx, cancel := context.WithCancel(context.Background())
	type startResult struct {
		srv  *Server
		stop func(context.Context) error
		err  error
	}
	resultCh := make(chan startResult, 1)
	go func() {
		srv, stop, err := StartServer(serverCtx, cfg, WithLogger(logger))
		resultCh <- startResult{srv: srv, stop: stop, err: err}
	}()
	var (
		res     startResult
		timeout <-chan time.Time
		ctxDone <-chan struct{}
	)
	if options.startTimeout > 0 {
		timeout = time.After(options.startTimeout)
	}
	if ctx != nil {
		ctxDone = ctx.Done()
	}
	select {
	case res = <-resultCh:
	case <-timeout:
		cancel()
		res = <-resultCh
		if res.err == nil {
			res.err = fmt.Errorf("test server start timeout after %s", options.startTimeout)
		}
	case <-ctxDone:
		cancel()
		res = <-resultCh
		if res.err == nil {
			res.err = ctx.Err()
		}
	}
	if res.err != nil {
		cancel()
		return nil, res.err
	}
	srv := res.srv
	originalStop := res.stop
	stop := func(stopCtx context.Context) error {
		cancel()
		return originalStop(stopCtx)
	}
	return &TestServer{
		Server:  srv,
		Config:  srv.cfg,
		Control: client.NewControl(srv.ControlAddr(), client.WithLogger(logger)),
		stop:    stop,
	}, nil
}

// StartTestServer starts a backend for t and registers cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ts.Stop(ctx); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}

// ControlAddr returns the resolved control endpoint address.
func (ts *TestServer) ControlAddr() string {
	if ts == nil || ts.Server == nil {
		return ""
	}
	return ts.Server.ControlAddr()
}

// BridgeAddr returns the resolved bridge endpoint address.
func (ts *TestServer) BridgeAddr() string {
	if ts == nil || ts.Server == nil {
		return ""
	}
	return ts.Server.BridgeAddr()
}

// ConnectHost dials the bridge endpoint as a host application serving the
// given registry under hello's capabilities.
func (ts *TestServer) ConnectHost(ctx context.Context, hello api.Hello, reg *router.Registry, opts ...client.HostOption) (*client.HostSession, error) {
	if ts == nil || ts.Server == nil {
		return nil, fmt.Errorf("nil test server")
	}
	dispatcher := router.NewDispatcher(reg, router.CapabilityGate(hello.Capabilities), pslog.NoopLogger())
	return client.Connect(ctx, ts.BridgeAddr(), hello, dispatcher, opts...)
}
