package mcp

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/vttd"
	"pkt.systems/vttd/api"
	"pkt.systems/vttd/internal/jobs"
	"pkt.systems/vttd/internal/router"
)

func newTestProxy(t *testing.T, mutate func(*Config)) *server {
	t.Helper()
	cfg := Config{
		Backend: vttd.Config{
			ControlListen: "127.0.0.1:0",
			BridgeListen:  "127.0.0.1:0",
			LockPath:      filepath.Join(t.TempDir(), "vttd.lock"),
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := NewServer(NewServerRequest{Config: cfg, Logger: vttd.NewTestingLogger(t, pslog.DebugLevel)})
	if err != nil {
		t.Fatalf("new proxy: %v", err)
	}
	return svc.(*server)
}

func echoRegistry() *router.Registry {
	reg := router.NewRegistry()
	reg.Register("echo", func(_ context.Context, env api.QueryEnvelope) (map[string]any, error) {
		return env.Payload, nil
	})
	reg.Seal()
	return reg
}

func TestProxyAdoptsPinnedBackendAndRelays(t *testing.T) {
	ts := vttd.StartTestServer(t)
	host, err := ts.ConnectHost(context.Background(),
		api.Hello{Client: "vtt-module", Capabilities: []string{"admin"}}, echoRegistry())
	if err != nil {
		t.Fatalf("connect host: %v", err)
	}
	defer host.Close()

	proxy := newTestProxy(t, func(cfg *Config) {
		cfg.ControlAddr = ts.ControlAddr()
	})
	if err := proxy.ensureBackend(context.Background()); err != nil {
		t.Fatalf("ensure backend: %v", err)
	}
	if proxy.backendStop != nil {
		t.Fatal("pinned backend must not be owned")
	}

	_, out, err := proxy.handleQueryTool(context.Background(), nil, queryToolInput{
		Name:    "echo",
		Payload: map[string]any{"scene": "tavern"},
	})
	if err != nil {
		t.Fatalf("query tool: %v", err)
	}
	if out.ErrorCode != "" {
		t.Fatalf("query tool error: %s %s", out.ErrorCode, out.ErrorMessage)
	}
	if out.Result["scene"] != "tavern" {
		t.Fatalf("unexpected relay result: %#v", out.Result)
	}
	if out.CorrelationID == "" {
		t.Fatal("relayed response must carry a correlation id")
	}

	_, health, err := proxy.handleStatusTool(context.Background(), nil, statusToolInput{})
	if err != nil {
		t.Fatalf("status tool: %v", err)
	}
	if !health.SessionActive {
		t.Fatalf("session must be active, got %+v", health)
	}
}

func TestProxyStartsBackendWhenNoneAnswers(t *testing.T) {
	proxy := newTestProxy(t, nil)
	if err := proxy.ensureBackend(context.Background()); err != nil {
		t.Fatalf("ensure backend: %v", err)
	}
	defer proxy.stopOwnedBackend()
	if proxy.backendStop == nil {
		t.Fatal("proxy must own the backend it started")
	}

	_, owner, err := proxy.handleOwnerTool(context.Background(), nil, ownerToolInput{})
	if err != nil {
		t.Fatalf("owner tool: %v", err)
	}
	if owner.ControlAddr == "" || owner.BridgeAddr == "" {
		t.Fatalf("owner endpoints missing: %+v", owner)
	}
}

func TestProxyQueryWithoutSessionSurfacesNoSession(t *testing.T) {
	proxy := newTestProxy(t, nil)
	if err := proxy.ensureBackend(context.Background()); err != nil {
		t.Fatalf("ensure backend: %v", err)
	}
	defer proxy.stopOwnedBackend()

	_, out, err := proxy.handleQueryTool(context.Background(), nil, queryToolInput{Name: "echo"})
	if err != nil {
		t.Fatalf("query tool: %v", err)
	}
	if out.ErrorCode != api.ErrCodeNoSession {
		t.Fatalf("error code = %q, want %q", out.ErrorCode, api.ErrCodeNoSession)
	}
}

func TestProxyBackendLossIsTerminal(t *testing.T) {
	proxy := newTestProxy(t, func(cfg *Config) {
		// Nothing listens here and autostart is off, so the single
		// reconnect attempt cannot succeed.
		cfg.ControlAddr = "127.0.0.1:1"
		cfg.DisableAutostart = true
	})
	if err := proxy.ensureBackend(context.Background()); err != nil {
		t.Fatalf("ensure backend: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := proxy.relayQuery(ctx, api.QueryRequest{Name: "echo"})
	if err != nil {
		t.Fatalf("first call must yield a synthetic response, got error: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != api.ErrCodeBackendUnreachable {
		t.Fatalf("synthetic response = %+v", resp)
	}

	if _, err := proxy.relayQuery(ctx, api.QueryRequest{Name: "echo"}); !errors.Is(err, ErrBackendLost) {
		t.Fatalf("second call error = %v, want ErrBackendLost", err)
	}
}

func TestProxyJobToolsDriveHostJobs(t *testing.T) {
	ts := vttd.StartTestServer(t)

	reg := router.NewRegistry()
	var manager *jobs.Manager
	manager = jobs.NewManager(jobs.ExecutorFunc(func(ctx context.Context, jobID, kind string, _ map[string]any) {
		_ = manager.MarkRunning(jobID)
		switch kind {
		case "map.render":
			_ = manager.Fail(jobID, &api.Error{Code: api.ErrCodeHandlerFailed, Message: "renderer crashed"})
		default:
			<-ctx.Done()
		}
	}), vttd.NewTestingLogger(t, pslog.DebugLevel))
	manager.RegisterQueries(reg)
	reg.Seal()

	host, err := ts.ConnectHost(context.Background(),
		api.Hello{Client: "vtt-module", Capabilities: []string{"admin"}}, reg)
	if err != nil {
		t.Fatalf("connect host: %v", err)
	}
	defer host.Close()

	proxy := newTestProxy(t, func(cfg *Config) {
		cfg.ControlAddr = ts.ControlAddr()
	})
	if err := proxy.ensureBackend(context.Background()); err != nil {
		t.Fatalf("ensure backend: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, submitted, err := proxy.handleJobSubmitTool(ctx, nil, jobSubmitToolInput{Kind: "map.render"})
	if err != nil {
		t.Fatalf("job submit tool: %v", err)
	}
	if submitted.ErrorCode != "" {
		t.Fatalf("job submit error: %s %s", submitted.ErrorCode, submitted.ErrorMessage)
	}
	if submitted.JobID == "" || submitted.State != string(api.JobQueued) {
		t.Fatalf("unexpected submit output: %+v", submitted)
	}

	var status jobStatusToolOutput
	for {
		_, status, err = proxy.handleJobStatusTool(ctx, nil, jobStatusToolInput{JobID: submitted.JobID})
		if err != nil {
			t.Fatalf("job status tool: %v", err)
		}
		if status.ErrorCode != "" {
			t.Fatalf("job status error: %s %s", status.ErrorCode, status.ErrorMessage)
		}
		if api.JobState(status.State).Terminal() {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("job never reached a terminal state, last %+v", status)
		case <-time.After(20 * time.Millisecond):
		}
	}
	if status.State != string(api.JobFailed) {
		t.Fatalf("state = %q, want failed", status.State)
	}
	if status.JobError == "" {
		t.Fatal("failed job must surface its error message")
	}

	_, slow, err := proxy.handleJobSubmitTool(ctx, nil, jobSubmitToolInput{Kind: "scene.generate"})
	if err != nil {
		t.Fatalf("job submit tool: %v", err)
	}
	_, cancelled, err := proxy.handleJobCancelTool(ctx, nil, jobCancelToolInput{JobID: slow.JobID})
	if err != nil {
		t.Fatalf("job cancel tool: %v", err)
	}
	if cancelled.Outcome != api.CancelAcknowledged || cancelled.State != string(api.JobCancelled) {
		t.Fatalf("unexpected cancel output: %+v", cancelled)
	}
	_, again, err := proxy.handleJobCancelTool(ctx, nil, jobCancelToolInput{JobID: slow.JobID})
	if err != nil {
		t.Fatalf("repeat job cancel tool: %v", err)
	}
	if again.Outcome != api.CancelAlreadyTerminal {
		t.Fatalf("repeat cancel outcome = %q, want already_terminal", again.Outcome)
	}
}

func TestJobToolsRequireIdentifiers(t *testing.T) {
	proxy := newTestProxy(t, nil)
	if _, _, err := proxy.handleJobSubmitTool(context.Background(), nil, jobSubmitToolInput{}); err == nil {
		t.Fatal("empty job kind must be rejected")
	}
	if _, _, err := proxy.handleJobStatusTool(context.Background(), nil, jobStatusToolInput{}); err == nil {
		t.Fatal("empty job id must be rejected on status")
	}
	if _, _, err := proxy.handleJobCancelTool(context.Background(), nil, jobCancelToolInput{}); err == nil {
		t.Fatal("empty job id must be rejected on cancel")
	}
}

func TestQueryToolRequiresName(t *testing.T) {
	proxy := newTestProxy(t, nil)
	if _, _, err := proxy.handleQueryTool(context.Background(), nil, queryToolInput{}); err == nil {
		t.Fatal("empty operation name must be rejected")
	}
}
