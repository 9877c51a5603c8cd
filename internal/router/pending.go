package router

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/pslog"
	"pkt.systems/vttd/api"
	"pkt.systems/vttd/internal/svcfields"
)

// Pending correlates outbound envelopes to their single response. Each
// registered correlation id resolves exactly once: by a matching response,
// by timeout expiry, or by FailAll when the session dies. Responses for
// ids that are late, duplicated, or never registered are dropped with a
// warning and produce no caller-visible effect.
type Pending struct {
	mu      sync.Mutex
	waiters map[string]chan api.QueryResponse
	logger  pslog.Logger
}

// NewPending returns an empty waiter table.
func NewPending(logger pslog.Logger) *Pending {
	return &Pending{
		waiters: make(map[string]chan api.QueryResponse),
		logger:  svcfields.WithSubsystem(logger, "router.pending"),
	}
}

// NewCorrelationID mints a fresh time-ordered correlation id.
func NewCorrelationID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Register installs a waiter for id and returns its channel. The channel
// is buffered so Resolve never blocks while holding the table lock.
func (p *Pending) Register(id string) <-chan api.QueryResponse {
	ch := make(chan api.QueryResponse, 1)
	p.mu.Lock()
	p.waiters[id] = ch
	p.mu.Unlock()
	return ch
}

// Resolve delivers resp to the waiter registered under its correlation id
// and removes it. It reports false, after logging, when no waiter exists —
// a late, duplicate, or unknown response.
func (p *Pending) Resolve(resp api.QueryResponse) bool {
	p.mu.Lock()
	ch, ok := p.waiters[resp.CorrelationID]
	if ok {
		delete(p.waiters, resp.CorrelationID)
	}
	p.mu.Unlock()
	if !ok {
		p.logger.Warn("router.pending.dropped_response", "correlation_id", resp.CorrelationID)
		return false
	}
	ch <- resp
	return true
}

// discard removes the waiter for id, reporting whether it was present.
func (p *Pending) discard(id string) bool {
	p.mu.Lock()
	_, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
	}
	p.mu.Unlock()
	return ok
}

// Len reports the number of in-flight waiters.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// FailAll resolves every in-flight waiter with failure, used when a
// session is superseded or the connection drops so no caller hangs.
func (p *Pending) FailAll(failure *api.Error) {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[string]chan api.QueryResponse)
	p.mu.Unlock()
	for id, ch := range waiters {
		ch <- api.QueryResponse{CorrelationID: id, Error: failure}
	}
	if len(waiters) > 0 {
		p.logger.Warn("router.pending.failed_all", "count", len(waiters), "code", failure.Code)
	}
}

// Await blocks until the waiter for id resolves, the wall-clock timeout
// fires, or ctx ends. Timeout and cancellation race resolution: when a
// response wins the race it is delivered; otherwise the waiter is
// discarded and any later response is dropped by Resolve.
func (p *Pending) Await(ctx context.Context, id string, ch <-chan api.QueryResponse, timeout time.Duration) (api.QueryResponse, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		if !p.discard(id) {
			// Resolution won the race; the buffered response is ours.
			return <-ch, nil
		}
		p.logger.Warn("router.pending.timeout", "correlation_id", id, "timeout", timeout)
		return api.QueryResponse{
			CorrelationID: id,
			Error:         &api.Error{Code: api.ErrCodeTimeout, Message: "query timed out"},
		}, nil
	case <-ctx.Done():
		if !p.discard(id) {
			return <-ch, nil
		}
		return api.QueryResponse{}, ctx.Err()
	}
}
