package api

// OwnerResponse answers GET /v1/owner on the control endpoint. Wrapper
// proxies use it to discover/confirm the singleton backend and its
// endpoints without touching the lock artifact directly.
type OwnerResponse struct {
	// PID is the backend process id.
	PID int `json:"pid"`
	// ControlAddr is the loopback address of the control endpoint.
	ControlAddr string `json:"control_addr"`
	// BridgeAddr is the loopback address of the bridge endpoint.
	BridgeAddr string `json:"bridge_addr"`
	// StartedAtUnix records when the backend acquired the lock.
	StartedAtUnix int64 `json:"started_at_unix"`
}

// HealthResponse answers GET /v1/healthz. Wrapper proxies treat a missed
// heartbeat window as "backend unreachable".
type HealthResponse struct {
	// State is the coordinator state: starting, listening, ready, shutting_down.
	State string `json:"state"`
	// SessionActive reports whether an authoritative bridge session exists.
	SessionActive bool `json:"session_active"`
	// SessionID identifies the active session, if any.
	SessionID string `json:"session_id,omitempty"`
	// UptimeSeconds is whole seconds since the backend started.
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// QueryRequest is the control-endpoint form of a named call. The backend
// wraps it into a QueryEnvelope and relays it over the bridge session.
type QueryRequest struct {
	// Name is the registered operation name.
	Name string `json:"name"`
	// Caller identifies the wrapper-side principal.
	Caller string `json:"caller,omitempty"`
	// Payload is the operation parameter document.
	Payload map[string]any `json:"payload,omitempty"`
	// TimeoutSeconds overrides the server's default query timeout (0 uses it).
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// ShutdownResponse acknowledges POST /v1/shutdown.
type ShutdownResponse struct {
	// ShuttingDown is true once the backend has begun its shutdown path.
	ShuttingDown bool `json:"shutting_down"`
}
