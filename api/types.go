// Package api defines the wire types exchanged between vttd components:
// the query envelope/response protocol carried on the bridge endpoint, the
// control endpoint messages used by wrapper proxies, and the job status
// payloads. All types marshal as JSON.
package api

// Error codes returned in QueryResponse.Error.Code. Everything here is a
// structured, connection-preserving error; only the server process itself
// treats duplicate handler registration and double lock failure as fatal.
const (
	// ErrCodeUnknownOperation reports a query name with no registered handler.
	ErrCodeUnknownOperation = "unknown_operation"
	// ErrCodeAccessDenied reports a caller without the required capability.
	// The message never distinguishes "no rights" from "no such caller".
	ErrCodeAccessDenied = "access_denied"
	// ErrCodeTimeout reports a query that outlived its deadline.
	ErrCodeTimeout = "timeout"
	// ErrCodeSessionSuperseded reports an in-flight query whose session was
	// replaced by a newer bridge connection.
	ErrCodeSessionSuperseded = "session_superseded"
	// ErrCodeNoSession reports a query issued while no bridge session exists.
	ErrCodeNoSession = "no_session"
	// ErrCodeBackendUnreachable is the synthetic error a wrapper proxy
	// returns for in-flight calls when the backend disappears mid-session.
	ErrCodeBackendUnreachable = "backend_unreachable"
	// ErrCodeHandlerFailed wraps an error returned (or panicked) by a
	// registered handler.
	ErrCodeHandlerFailed = "handler_failed"
	// ErrCodeBadRequest reports a malformed envelope or parameter set.
	ErrCodeBadRequest = "bad_request"
)

// Error is the uniform structured error shape carried by every failed
// query. Denied callers and unknown operations share this shape by design
// so that probing the namespace leaks nothing.
type Error struct {
	// Code is one of the ErrCode constants.
	Code string `json:"code"`
	// Message is a human-readable description safe to surface to callers.
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// QueryEnvelope is one named call in flight from the backend to the host
// application's registry. Immutable once sent; owned by the router until a
// matching response or timeout resolves it.
type QueryEnvelope struct {
	// CorrelationID pairs the envelope with exactly one response.
	CorrelationID string `json:"correlation_id"`
	// Name is the registered operation, e.g. "actor.update" or "job.submit".
	Name string `json:"name"`
	// Caller identifies the wrapper-side principal issuing the call.
	Caller string `json:"caller,omitempty"`
	// Payload is the operation's parameter document.
	Payload map[string]any `json:"payload,omitempty"`
	// IssuedAtUnix records when the envelope left the router.
	IssuedAtUnix int64 `json:"issued_at_unix,omitempty"`
}

// QueryResponse resolves exactly one QueryEnvelope. Exactly one of Result
// and Error is populated. Late, duplicate, or post-timeout responses are
// logged and discarded, never delivered twice.
type QueryResponse struct {
	// CorrelationID matches the originating envelope.
	CorrelationID string `json:"correlation_id"`
	// Result carries the handler's return document on success.
	Result map[string]any `json:"result,omitempty"`
	// Error carries the structured failure on error.
	Error *Error `json:"error,omitempty"`
}

// Hello is the first frame a host application sends after connecting to
// the bridge endpoint. The capability set gates every subsequent dispatch.
type Hello struct {
	// Client names the connecting host application, e.g. "vtt-module".
	Client string `json:"client"`
	// Version is the host-side integration version, informational only.
	Version string `json:"version,omitempty"`
	// Capabilities lists rights granted to callers on this session.
	// "admin" is required for every registered operation.
	Capabilities []string `json:"capabilities,omitempty"`
}

// HelloAck confirms session adoption and tells the host its session id.
type HelloAck struct {
	// SessionID is the backend-assigned identity of this bridge session.
	SessionID string `json:"session_id"`
	// Superseded reports whether an older session was torn down in favour
	// of this one.
	Superseded bool `json:"superseded,omitempty"`
}
