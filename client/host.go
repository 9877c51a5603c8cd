package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/vttd/api"
	"pkt.systems/vttd/internal/bridge"
	"pkt.systems/vttd/internal/router"
	"pkt.systems/vttd/internal/svcfields"
)

// DefaultHelloAckTimeout bounds the wait for the backend's hello ack.
const DefaultHelloAckTimeout = 5 * time.Second

// HostSession is the host application's side of the bridge: one duplex
// connection serving dispatched query envelopes against a local registry
// until the backend closes it or Close is called.
type HostSession struct {
	conn       *bridge.Conn
	ack        api.HelloAck
	dispatcher *router.Dispatcher
	logger     pslog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	errOnce sync.Once
	err     error
	wg      sync.WaitGroup
}

type hostOptions struct {
	logger       pslog.Logger
	helloAckWait time.Duration
	dialer       *net.Dialer
}

// HostOption customises Connect.
type HostOption func(*hostOptions)

// WithHostLogger supplies a custom logger.
func WithHostLogger(l pslog.Logger) HostOption {
	return func(o *hostOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithHelloAckTimeout overrides the wait for the backend's hello ack.
func WithHelloAckTimeout(d time.Duration) HostOption {
	return func(o *hostOptions) {
		if d > 0 {
			o.helloAckWait = d
		}
	}
}

// WithDialer overrides the TCP dialer.
func WithDialer(d *net.Dialer) HostOption {
	return func(o *hostOptions) {
		if d != nil {
			o.dialer = d
		}
	}
}

// Connect dials the bridge endpoint, presents hello, and starts serving
// envelopes against dispatcher. The returned session is live until its
// Done channel closes.
func Connect(ctx context.Context, bridgeAddr string, hello api.Hello, dispatcher *router.Dispatcher, opts ...HostOption) (*HostSession, error) {
	o := hostOptions{
		logger:       pslog.NoopLogger(),
		helloAckWait: DefaultHelloAckTimeout,
		dialer:       &net.Dialer{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("client: dispatcher required")
	}
	raw, err := o.dialer.DialContext(ctx, "tcp", bridgeAddr)
	if err != nil {
		return nil, fmt.Errorf("client: dial bridge %s: %w", bridgeAddr, err)
	}
	conn := bridge.NewConn(raw)
	if err := conn.WriteFrame(bridge.Frame{Kind: bridge.KindHello, Hello: &hello}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("client: send hello: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(o.helloAckWait))
	f, err := conn.ReadFrame()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("client: await hello ack: %w", err)
	}
	if f.Kind != bridge.KindHelloAck || f.HelloAck == nil {
		_ = conn.Close()
		return nil, fmt.Errorf("client: unexpected frame %q before hello ack", f.Kind)
	}
	_ = conn.SetReadDeadline(time.Time{})
	sessCtx, cancel := context.WithCancel(context.Background())
	s := &HostSession{
		conn:       conn,
		ack:        *f.HelloAck,
		dispatcher: dispatcher,
		logger:     svcfields.WithSession(o.logger, "client.host", f.HelloAck.SessionID),
		ctx:        sessCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	s.logger.Info("client.host.connected",
		"client", hello.Client,
		"superseded_previous", f.HelloAck.Superseded)
	go s.serve()
	return s, nil
}

// SessionID reports the backend-assigned session identity.
func (s *HostSession) SessionID() string { return s.ack.SessionID }

// SupersededPrevious reports whether this connection displaced an earlier
// session on adoption.
func (s *HostSession) SupersededPrevious() bool { return s.ack.Superseded }

// Done closes when the session ends for any reason.
func (s *HostSession) Done() <-chan struct{} { return s.done }

// Err reports why the session ended; nil before Done closes and after a
// clean Close.
func (s *HostSession) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close tears the session down and waits for in-flight handlers to
// return. Handlers observe cancellation through their context.
func (s *HostSession) Close() error {
	s.cancel()
	err := s.conn.Close()
	<-s.done
	s.wg.Wait()
	return err
}

func (s *HostSession) fail(err error) {
	s.errOnce.Do(func() {
		s.err = err
	})
}

func (s *HostSession) serve() {
	defer close(s.done)
	defer s.cancel()
	for {
		f, err := s.conn.ReadFrame()
		if err != nil {
			select {
			case <-s.ctx.Done():
				// Close initiated locally; not a failure.
			default:
				s.fail(err)
				s.logger.Warn("client.host.connection_lost", "error", err)
			}
			return
		}
		switch f.Kind {
		case bridge.KindEnvelope:
			if f.Envelope == nil {
				continue
			}
			env := *f.Envelope
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handle(env)
			}()
		case bridge.KindPing:
			// Echo so the backend's idle check sees inbound traffic.
			if err := s.conn.WriteFrame(bridge.Frame{Kind: bridge.KindPing}); err != nil {
				s.logger.Warn("client.host.ping_echo_failed", "error", err)
			}
		default:
			s.logger.Warn("client.host.frame_ignored", "kind", f.Kind)
		}
	}
}

// handle dispatches one envelope; handlers may block on host-side work, so
// each runs in its own goroutine off the read loop.
func (s *HostSession) handle(env api.QueryEnvelope) {
	resp := s.dispatcher.Dispatch(s.ctx, env)
	if err := s.conn.WriteFrame(bridge.Frame{Kind: bridge.KindResponse, Response: &resp}); err != nil {
		s.logger.Warn("client.host.response_write_failed",
			"correlation_id", env.CorrelationID, "error", err)
	}
}
