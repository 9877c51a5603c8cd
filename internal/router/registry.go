// Package router implements the named-query machinery carried over the
// bridge endpoint: a handler registry with startup-fatal collision
// detection, a capability-gated dispatcher for the receiving side, and a
// pending-waiter table that correlates outbound envelopes to their single
// response on the issuing side.
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"pkt.systems/vttd/api"
)

// Handler executes one named operation. Handlers may block on host
// application I/O; the registry lock is never held across an invocation.
type Handler func(ctx context.Context, env api.QueryEnvelope) (map[string]any, error)

// Registry maps globally unique operation names to handlers. It is
// constructed once at startup and passed by reference to the
// connection-handling code; tests instantiate independent registries.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	sealed   bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs a handler under name. Registering a duplicate name or
// registering after Seal panics: both indicate a programming error that
// must surface before the router accepts connections, never a silent
// overwrite.
func (r *Registry) Register(name string, h Handler) {
	if name == "" {
		panic("router: register with empty operation name")
	}
	if h == nil {
		panic(fmt.Sprintf("router: nil handler for %q", name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		panic(fmt.Sprintf("router: register %q after registry sealed", name))
	}
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("router: duplicate handler registration for %q", name))
	}
	r.handlers[name] = h
}

// Seal freezes the registry. The serve loop calls this before dispatching
// the first envelope so late registrations fail loudly.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names lists registered operation names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
