package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/vttd/api"
	"pkt.systems/vttd/internal/svcfields"
)

// ErrBackendUnreachable marks a transport-level failure against the
// control endpoint: connection refused, reset, or timeout. Application
// failures arrive inside api.QueryResponse instead.
var ErrBackendUnreachable = errors.New("client: backend unreachable")

// DefaultControlTimeout bounds individual control requests when the
// caller's context carries no deadline.
const DefaultControlTimeout = 60 * time.Second

// Control is an HTTP client for the backend's control endpoint.
type Control struct {
	baseURL string
	httpc   *http.Client
	logger  pslog.Logger
}

// ControlOption customises a Control client.
type ControlOption func(*Control)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) ControlOption {
	return func(c *Control) {
		if h != nil {
			c.httpc = h
		}
	}
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) ControlOption {
	return func(c *Control) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewControl constructs a client for the control endpoint at addr, given
// as host:port or a full http URL.
func NewControl(addr string, opts ...ControlOption) *Control {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	c := &Control{
		baseURL: strings.TrimRight(base, "/"),
		httpc:   &http.Client{Timeout: DefaultControlTimeout},
		logger:  pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = svcfields.WithSubsystem(c.logger, "client.control")
	return c
}

// BaseURL reports the resolved endpoint URL.
func (c *Control) BaseURL() string {
	return c.baseURL
}

// Owner fetches the singleton owner's identity and endpoints.
func (c *Control) Owner(ctx context.Context) (api.OwnerResponse, error) {
	var out api.OwnerResponse
	err := c.do(ctx, http.MethodGet, "/v1/owner", nil, &out)
	return out, err
}

// Health fetches the backend heartbeat.
func (c *Control) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/v1/healthz", nil, &out)
	return out, err
}

// Query relays one named query through the backend. Application-level
// failures (unknown operation, timeout, no session, ...) come back inside
// the response; the returned error covers transport failures only.
func (c *Control) Query(ctx context.Context, req api.QueryRequest) (api.QueryResponse, error) {
	var out api.QueryResponse
	err := c.do(ctx, http.MethodPost, "/v1/query", req, &out)
	return out, err
}

// Shutdown asks the backend to stop. Owner-facing administrative call;
// wrapper proxies never invoke it on client disconnect.
func (c *Control) Shutdown(ctx context.Context) (api.ShutdownResponse, error) {
	var out api.ShutdownResponse
	err := c.do(ctx, http.MethodPost, "/v1/shutdown", nil, &out)
	return out, err
}

func (c *Control) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("client: encode %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("client: build %s: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		c.logger.Debug("client.control.transport_failed", "path", path, "error", err)
		return fmt.Errorf("%w: %s: %v", ErrBackendUnreachable, path, err)
	}
	defer resp.Body.Close()
	// Error payloads share the response shape, so 4xx decodes like 200.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		return fmt.Errorf("client: %s: unexpected status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s: %w", path, err)
	}
	return nil
}

// ProbeOwner asks the control endpoint at controlAddr for its owner
// record. A transport failure means no live backend answers there.
func ProbeOwner(ctx context.Context, controlAddr string, opts ...ControlOption) (api.OwnerResponse, error) {
	probe := NewControl(controlAddr, opts...)
	return probe.Owner(ctx)
}
