// Package bridge carries the newline-delimited JSON protocol on the
// bridge endpoint and the session bookkeeping around one accepted host
// connection. Per-connection frame processing is strictly sequential;
// writers serialise through a mutex so frames never interleave.
package bridge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"pkt.systems/vttd/api"
)

// Frame kinds on the wire.
const (
	// KindHello opens a session; host application -> backend.
	KindHello = "hello"
	// KindHelloAck confirms adoption; backend -> host application.
	KindHelloAck = "hello_ack"
	// KindEnvelope carries one named query; backend -> host application.
	KindEnvelope = "envelope"
	// KindResponse resolves one envelope; host application -> backend.
	KindResponse = "response"
	// KindPing keeps the connection warm during idle stretches.
	KindPing = "ping"
)

// Frame is one NDJSON line. Exactly one payload field matches Kind.
type Frame struct {
	Kind     string             `json:"kind"`
	Hello    *api.Hello         `json:"hello,omitempty"`
	HelloAck *api.HelloAck      `json:"hello_ack,omitempty"`
	Envelope *api.QueryEnvelope `json:"envelope,omitempty"`
	Response *api.QueryResponse `json:"response,omitempty"`
}

// Conn wraps a duplex stream with frame codec and write serialisation.
type Conn struct {
	raw net.Conn
	dec *json.Decoder

	wmu sync.Mutex
	w   *bufio.Writer

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps raw in the frame codec.
func NewConn(raw net.Conn) *Conn {
	return &Conn{
		raw: raw,
		dec: json.NewDecoder(bufio.NewReader(raw)),
		w:   bufio.NewWriter(raw),
	}
}

// ReadFrame blocks until one frame arrives or the connection fails.
func (c *Conn) ReadFrame() (Frame, error) {
	var f Frame
	if err := c.dec.Decode(&f); err != nil {
		return Frame{}, err
	}
	if f.Kind == "" {
		return Frame{}, fmt.Errorf("bridge: frame missing kind")
	}
	return f, nil
}

// WriteFrame sends one frame followed by a newline and flushes.
func (c *Conn) WriteFrame(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("bridge: encode frame: %w", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

// SetReadDeadline bounds the next ReadFrame. Zero clears the deadline.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}

// RemoteAddr exposes the peer address for logging.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// Close tears the connection down. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}
