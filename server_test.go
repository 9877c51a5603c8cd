package vttd

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/vttd/api"
	"pkt.systems/vttd/internal/jobs"
	"pkt.systems/vttd/internal/lockfile"
	"pkt.systems/vttd/internal/router"
)

// newHostJobManager wires a job manager whose executor waits for ready
// before completing, so tests can observe the queued state first.
func newHostJobManager(t *testing.T, reg *router.Registry, ready <-chan struct{}) *jobs.Manager {
	t.Helper()
	var mgr *jobs.Manager
	mgr = jobs.NewManager(jobs.ExecutorFunc(func(ctx context.Context, jobID, kind string, _ map[string]any) {
		select {
		case <-ready:
		case <-ctx.Done():
			return
		}
		if err := mgr.MarkRunning(jobID); err != nil {
			t.Errorf("mark running: %v", err)
			return
		}
		if err := mgr.Complete(jobID, map[string]any{"kind": kind}); err != nil {
			t.Errorf("complete: %v", err)
		}
	}), pslog.NoopLogger())
	mgr.RegisterQueries(reg)
	return mgr
}

func waitForHealth(t *testing.T, ts *TestServer, ok func(api.HealthResponse) bool) api.HealthResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h, err := ts.Control.Health(context.Background())
		if err == nil && ok(h) {
			return h
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("health condition not reached")
	return api.HealthResponse{}
}

func echoRegistry() *router.Registry {
	reg := router.NewRegistry()
	reg.Register("echo", func(_ context.Context, env api.QueryEnvelope) (map[string]any, error) {
		return env.Payload, nil
	})
	reg.Seal()
	return reg
}

func adminHello(client string) api.Hello {
	return api.Hello{Client: client, Version: "test", Capabilities: []string{"admin"}}
}

func TestOwnerAndHealthEndpoints(t *testing.T) {
	ts := StartTestServer(t)
	owner, err := ts.Control.Owner(context.Background())
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if owner.PID != os.Getpid() {
		t.Fatalf("owner pid = %d, want %d", owner.PID, os.Getpid())
	}
	if owner.ControlAddr != ts.ControlAddr() || owner.BridgeAddr != ts.BridgeAddr() {
		t.Fatalf("owner endpoints %+v do not match server", owner)
	}
	h := waitForHealth(t, ts, func(h api.HealthResponse) bool { return h.State == string(StateListening) })
	if h.SessionActive {
		t.Fatal("no session should be active yet")
	}
}

func TestQueryWithoutSessionFails(t *testing.T) {
	ts := StartTestServer(t)
	resp, err := ts.Control.Query(context.Background(), api.QueryRequest{Name: "echo"})
	if err != nil {
		t.Fatalf("query transport: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != api.ErrCodeNoSession {
		t.Fatalf("expected no_session, got %+v", resp)
	}
}

func TestQueryRoundTrip(t *testing.T) {
	ts := StartTestServer(t)
	host, err := ts.ConnectHost(context.Background(), adminHello("vtt-module"), echoRegistry())
	if err != nil {
		t.Fatalf("connect host: %v", err)
	}
	defer host.Close()
	if host.SupersededPrevious() {
		t.Fatal("first session must not supersede anything")
	}
	waitForHealth(t, ts, func(h api.HealthResponse) bool {
		return h.State == string(StateReady) && h.SessionActive && h.SessionID == host.SessionID()
	})
	resp, err := ts.Control.Query(context.Background(), api.QueryRequest{
		Name:    "echo",
		Caller:  "assistant",
		Payload: map[string]any{"scene": "tavern"},
	})
	if err != nil {
		t.Fatalf("query transport: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("query failed: %+v", resp.Error)
	}
	if resp.Result["scene"] != "tavern" {
		t.Fatalf("unexpected result %+v", resp.Result)
	}
	if resp.CorrelationID == "" {
		t.Fatal("response must carry its correlation id")
	}
}

func TestUnknownOperationKeepsSessionAlive(t *testing.T) {
	ts := StartTestServer(t)
	host, err := ts.ConnectHost(context.Background(), adminHello("vtt-module"), echoRegistry())
	if err != nil {
		t.Fatalf("connect host: %v", err)
	}
	defer host.Close()
	waitForHealth(t, ts, func(h api.HealthResponse) bool { return h.SessionActive })

	resp, err := ts.Control.Query(context.Background(), api.QueryRequest{Name: "actor.vanish"})
	if err != nil {
		t.Fatalf("query transport: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != api.ErrCodeUnknownOperation {
		t.Fatalf("expected unknown_operation, got %+v", resp)
	}
	// The session survives the unknown name.
	resp, err = ts.Control.Query(context.Background(), api.QueryRequest{
		Name:    "echo",
		Payload: map[string]any{"ok": true},
	})
	if err != nil || resp.Error != nil {
		t.Fatalf("session should still serve queries: %v %+v", err, resp.Error)
	}
}

func TestSupersededSessionFailsInFlightQueries(t *testing.T) {
	ts := StartTestServer(t)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	reg := router.NewRegistry()
	reg.Register("slow", func(ctx context.Context, _ api.QueryEnvelope) (map[string]any, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-release:
			return map[string]any{"done": true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	reg.Seal()
	defer close(release)

	first, err := ts.ConnectHost(context.Background(), adminHello("vtt-module"), reg)
	if err != nil {
		t.Fatalf("connect first host: %v", err)
	}
	defer first.Close()
	waitForHealth(t, ts, func(h api.HealthResponse) bool { return h.SessionActive })

	type result struct {
		resp api.QueryResponse
		err  error
	}
	inFlight := make(chan result, 1)
	go func() {
		resp, err := ts.Control.Query(context.Background(), api.QueryRequest{Name: "slow", TimeoutSeconds: 30})
		inFlight <- result{resp, err}
	}()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	second, err := ts.ConnectHost(context.Background(), adminHello("vtt-module"), echoRegistry())
	if err != nil {
		t.Fatalf("connect second host: %v", err)
	}
	defer second.Close()
	if !second.SupersededPrevious() {
		t.Fatal("second session must report superseding the first")
	}

	select {
	case got := <-inFlight:
		if got.err != nil {
			t.Fatalf("in-flight query transport: %v", got.err)
		}
		if got.resp.Error == nil || got.resp.Error.Code != api.ErrCodeSessionSuperseded {
			t.Fatalf("expected session_superseded, got %+v", got.resp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight query did not resolve on supersede")
	}

	// The new session is authoritative immediately.
	waitForHealth(t, ts, func(h api.HealthResponse) bool {
		return h.SessionActive && h.SessionID == second.SessionID()
	})
	resp, err := ts.Control.Query(context.Background(), api.QueryRequest{
		Name:    "echo",
		Payload: map[string]any{"round": float64(2)},
	})
	if err != nil || resp.Error != nil {
		t.Fatalf("query on new session: %v %+v", err, resp.Error)
	}
}

func TestHealthReflectsSessionLoss(t *testing.T) {
	ts := StartTestServer(t)
	host, err := ts.ConnectHost(context.Background(), adminHello("vtt-module"), echoRegistry())
	if err != nil {
		t.Fatalf("connect host: %v", err)
	}
	waitForHealth(t, ts, func(h api.HealthResponse) bool { return h.SessionActive })
	_ = host.Close()
	h := waitForHealth(t, ts, func(h api.HealthResponse) bool { return !h.SessionActive })
	if h.State != string(StateListening) {
		t.Fatalf("state after session loss = %q, want listening", h.State)
	}
}

func TestSecondServerLosesElection(t *testing.T) {
	ts := StartTestServer(t)
	loser, err := NewServer(Config{
		ControlListen: "127.0.0.1:0",
		BridgeListen:  "127.0.0.1:0",
		LockPath:      ts.Config.LockPath,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	err = loser.Start()
	if !errors.Is(err, lockfile.ErrAlreadyOwned) {
		t.Fatalf("expected ErrAlreadyOwned, got %v", err)
	}
	owner := loser.ExistingOwner()
	if owner.ControlAddr != ts.ControlAddr() || owner.BridgeAddr != ts.BridgeAddr() {
		t.Fatalf("loser must learn the winner's endpoints, got %+v", owner)
	}
	if owner.PID != os.Getpid() {
		t.Fatalf("owner pid = %d, want %d", owner.PID, os.Getpid())
	}
}

func TestShutdownViaControlReleasesLock(t *testing.T) {
	ts := StartTestServer(t)
	if _, err := os.Stat(ts.Config.LockPath); err != nil {
		t.Fatalf("lock artifact should exist while running: %v", err)
	}
	ack, err := ts.Control.Shutdown(context.Background())
	if err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !ack.ShuttingDown {
		t.Fatal("shutdown must be acknowledged")
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ts.Server.State() == StateStopped {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := ts.Server.State(); got != StateStopped {
		t.Fatalf("state = %q, want stopped", got)
	}
	if _, err := os.Stat(ts.Config.LockPath); !os.IsNotExist(err) {
		t.Fatal("lock artifact must be released on shutdown")
	}
}

func TestIdleExit(t *testing.T) {
	ts := StartTestServer(t, WithTestConfigFunc(func(cfg *Config) {
		cfg.IdleTimeout = 100 * time.Millisecond
	}))
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ts.Server.State() == StateStopped {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("backend did not exit on idle")
}

func TestJobQueriesThroughRelay(t *testing.T) {
	ts := StartTestServer(t)
	reg := router.NewRegistry()
	mgrReady := make(chan struct{})
	// The host side wires the job manager into its registry; the backend
	// only relays.
	newHostJobManager(t, reg, mgrReady)
	reg.Seal()
	host, err := ts.ConnectHost(context.Background(), adminHello("vtt-module"), reg)
	if err != nil {
		t.Fatalf("connect host: %v", err)
	}
	defer host.Close()
	waitForHealth(t, ts, func(h api.HealthResponse) bool { return h.SessionActive })

	submit, err := ts.Control.Query(context.Background(), api.QueryRequest{
		Name:    "job.submit",
		Payload: map[string]any{"kind": "map.generate", "params": map[string]any{"seed": float64(7)}},
	})
	if err != nil || submit.Error != nil {
		t.Fatalf("job.submit: %v %+v", err, submit.Error)
	}
	jobID, _ := submit.Result["job_id"].(string)
	if jobID == "" {
		t.Fatalf("job.submit result missing job_id: %+v", submit.Result)
	}
	close(mgrReady)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, err := ts.Control.Query(context.Background(), api.QueryRequest{
			Name:    "job.status",
			Payload: map[string]any{"job_id": jobID},
		})
		if err != nil || status.Error != nil {
			t.Fatalf("job.status: %v %+v", err, status.Error)
		}
		if status.Result["state"] == string(api.JobComplete) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never completed through the relay")
}
