package bridge

import (
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/vttd/api"
)

// Session is one accepted bridge connection considered authoritative for
// issuing queries. The coordinator owns exactly zero or one of these at a
// time; a newer connection supersedes the old one.
type Session struct {
	id            string
	conn          *Conn
	client        string
	version       string
	capabilities  []string
	establishedAt time.Time

	mu       sync.Mutex
	lastSeen time.Time
}

// NewSession adopts conn under the negotiated hello.
func NewSession(conn *Conn, hello api.Hello, now time.Time) *Session {
	caps := make([]string, len(hello.Capabilities))
	copy(caps, hello.Capabilities)
	return &Session{
		id:            xid.New().String(),
		conn:          conn,
		client:        hello.Client,
		version:       hello.Version,
		capabilities:  caps,
		establishedAt: now,
		lastSeen:      now,
	}
}

// ID returns the backend-assigned session identity.
func (s *Session) ID() string { return s.id }

// Conn returns the underlying frame connection.
func (s *Session) Conn() *Conn { return s.conn }

// Client names the connected host application.
func (s *Session) Client() string { return s.client }

// Capabilities returns the rights negotiated at hello.
func (s *Session) Capabilities() []string {
	caps := make([]string, len(s.capabilities))
	copy(caps, s.capabilities)
	return caps
}

// EstablishedAt reports adoption time.
func (s *Session) EstablishedAt() time.Time { return s.establishedAt }

// Touch refreshes the liveness timestamp on any inbound frame.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

// LastSeen reports the most recent inbound activity.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Close tears down the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}
