package client

import (
	"context"
	"net"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/vttd/api"
	"pkt.systems/vttd/internal/bridge"
	"pkt.systems/vttd/internal/router"
)

// fakeBackend accepts one bridge connection and hands it to the test.
type fakeBackend struct {
	ln    net.Listener
	conns chan *bridge.Conn
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fb := &fakeBackend{ln: ln, conns: make(chan *bridge.Conn, 1)}
	t.Cleanup(func() { ln.Close() })
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		fb.conns <- bridge.NewConn(raw)
	}()
	return fb
}

func (fb *fakeBackend) addr() string { return fb.ln.Addr().String() }

func (fb *fakeBackend) awaitConn(t *testing.T) *bridge.Conn {
	t.Helper()
	select {
	case conn := <-fb.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no bridge connection arrived")
		return nil
	}
}

func adminDispatcher(reg *router.Registry) *router.Dispatcher {
	return router.NewDispatcher(reg, router.CapabilityGate([]string{"admin"}), pslog.NoopLogger())
}

func echoRegistry() *router.Registry {
	reg := router.NewRegistry()
	reg.Register("echo", func(_ context.Context, env api.QueryEnvelope) (map[string]any, error) {
		return env.Payload, nil
	})
	reg.Seal()
	return reg
}

// dialHost runs Connect against fb while completing the hello handshake on
// the backend side, returning both ends.
func dialHost(t *testing.T, fb *fakeBackend, sessionID string) (*HostSession, *bridge.Conn) {
	t.Helper()
	type result struct {
		session *HostSession
		err     error
	}
	resCh := make(chan result, 1)
	go func() {
		session, err := Connect(context.Background(), fb.addr(),
			api.Hello{Client: "vtt-module", Capabilities: []string{"admin"}},
			adminDispatcher(echoRegistry()))
		resCh <- result{session, err}
	}()

	conn := fb.awaitConn(t)
	f, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if f.Kind != bridge.KindHello || f.Hello == nil {
		t.Fatalf("first frame = %q, want hello", f.Kind)
	}
	if f.Hello.Client != "vtt-module" {
		t.Fatalf("hello client = %q", f.Hello.Client)
	}
	if err := conn.WriteFrame(bridge.Frame{
		Kind:     bridge.KindHelloAck,
		HelloAck: &api.HelloAck{SessionID: sessionID},
	}); err != nil {
		t.Fatalf("write hello ack: %v", err)
	}

	res := <-resCh
	if res.err != nil {
		t.Fatalf("connect: %v", res.err)
	}
	t.Cleanup(func() { _ = res.session.Close() })
	return res.session, conn
}

func TestConnectServesEnvelopes(t *testing.T) {
	fb := newFakeBackend(t)
	session, backendConn := dialHost(t, fb, "sess-1")

	if session.SessionID() != "sess-1" {
		t.Fatalf("session id = %q", session.SessionID())
	}
	if session.SupersededPrevious() {
		t.Fatal("nothing to supersede on a fresh backend")
	}

	env := api.QueryEnvelope{
		CorrelationID: "corr-42",
		Name:          "echo",
		Payload:       map[string]any{"actor": "bard"},
	}
	if err := backendConn.WriteFrame(bridge.Frame{Kind: bridge.KindEnvelope, Envelope: &env}); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
	f, err := backendConn.ReadFrame()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if f.Kind != bridge.KindResponse || f.Response == nil {
		t.Fatalf("frame = %q, want response", f.Kind)
	}
	if f.Response.CorrelationID != "corr-42" {
		t.Fatalf("correlation id = %q", f.Response.CorrelationID)
	}
	if f.Response.Result["actor"] != "bard" {
		t.Fatalf("result = %#v", f.Response.Result)
	}
}

func TestConnectReportsUnknownOperation(t *testing.T) {
	fb := newFakeBackend(t)
	_, backendConn := dialHost(t, fb, "sess-1")

	env := api.QueryEnvelope{CorrelationID: "corr-7", Name: "no.such.operation"}
	if err := backendConn.WriteFrame(bridge.Frame{Kind: bridge.KindEnvelope, Envelope: &env}); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
	f, err := backendConn.ReadFrame()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if f.Response == nil || f.Response.Error == nil {
		t.Fatalf("expected error response, got %+v", f)
	}
	if f.Response.Error.Code != api.ErrCodeUnknownOperation {
		t.Fatalf("error code = %q", f.Response.Error.Code)
	}
}

func TestConnectEchoesPings(t *testing.T) {
	fb := newFakeBackend(t)
	_, backendConn := dialHost(t, fb, "sess-1")

	if err := backendConn.WriteFrame(bridge.Frame{Kind: bridge.KindPing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	f, err := backendConn.ReadFrame()
	if err != nil {
		t.Fatalf("read ping echo: %v", err)
	}
	if f.Kind != bridge.KindPing {
		t.Fatalf("frame = %q, want ping", f.Kind)
	}
}

func TestConnectRejectsNonAckFirstFrame(t *testing.T) {
	fb := newFakeBackend(t)
	errCh := make(chan error, 1)
	go func() {
		_, err := Connect(context.Background(), fb.addr(),
			api.Hello{Client: "vtt-module"}, adminDispatcher(echoRegistry()),
			WithHelloAckTimeout(2*time.Second))
		errCh <- err
	}()
	conn := fb.awaitConn(t)
	if _, err := conn.ReadFrame(); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	env := api.QueryEnvelope{CorrelationID: "early", Name: "echo"}
	if err := conn.WriteFrame(bridge.Frame{Kind: bridge.KindEnvelope, Envelope: &env}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if err := <-errCh; err == nil {
		t.Fatal("connect must reject a non-ack first frame")
	}
}

func TestConnectRequiresDispatcher(t *testing.T) {
	if _, err := Connect(context.Background(), "127.0.0.1:1", api.Hello{}, nil); err == nil {
		t.Fatal("nil dispatcher must be rejected")
	}
}

func TestCloseEndsSessionCleanly(t *testing.T) {
	fb := newFakeBackend(t)
	session, _ := dialHost(t, fb, "sess-1")

	if err := session.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-session.Done():
	default:
		t.Fatal("done must be closed after Close")
	}
	if err := session.Err(); err != nil {
		t.Fatalf("local close is not a failure, got %v", err)
	}
}

func TestBackendDropSurfacesError(t *testing.T) {
	fb := newFakeBackend(t)
	session, backendConn := dialHost(t, fb, "sess-1")

	_ = backendConn.Close()
	select {
	case <-session.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session must end when the backend drops the connection")
	}
	if session.Err() == nil {
		t.Fatal("a backend-side drop must surface an error")
	}
}
