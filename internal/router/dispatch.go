package router

import (
	"context"
	"fmt"

	"pkt.systems/pslog"
	"pkt.systems/vttd/api"
	"pkt.systems/vttd/internal/svcfields"
)

// Gate authorises one handler invocation. It runs before lookup so a
// denied caller learns nothing about which operations exist.
type Gate func(caller, operation string) bool

// AllowAll admits every caller; used by tests and trusted in-process wiring.
func AllowAll(string, string) bool { return true }

// CapabilityGate admits callers only while the session capability set
// contains "admin". The denial message is uniform: it never distinguishes
// "no rights" from "no such caller".
func CapabilityGate(capabilities []string) Gate {
	admin := false
	for _, c := range capabilities {
		if c == "admin" {
			admin = true
			break
		}
	}
	return func(string, string) bool { return admin }
}

// Dispatcher validates, authorises, and invokes registered handlers,
// wrapping every outcome into a QueryResponse carrying the original
// correlation id. Dispatch never panics the connection: handler panics are
// recovered into structured errors.
type Dispatcher struct {
	reg    *Registry
	gate   Gate
	logger pslog.Logger
}

// NewDispatcher wires a dispatcher over reg with the supplied gate.
func NewDispatcher(reg *Registry, gate Gate, logger pslog.Logger) *Dispatcher {
	if gate == nil {
		gate = AllowAll
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Dispatcher{
		reg:    reg,
		gate:   gate,
		logger: svcfields.WithSubsystem(logger, "router.dispatch"),
	}
}

// Dispatch resolves one envelope into exactly one response.
func (d *Dispatcher) Dispatch(ctx context.Context, env api.QueryEnvelope) api.QueryResponse {
	if env.Name == "" {
		return errorResponse(env.CorrelationID, api.ErrCodeBadRequest, "operation name required")
	}
	if !d.gate(env.Caller, env.Name) {
		d.logger.Warn("router.dispatch.denied", "operation", env.Name, "correlation_id", env.CorrelationID)
		return errorResponse(env.CorrelationID, api.ErrCodeAccessDenied, "access denied")
	}
	handler, ok := d.reg.Lookup(env.Name)
	if !ok {
		d.logger.Warn("router.dispatch.unknown_operation", "operation", env.Name, "correlation_id", env.CorrelationID)
		return errorResponse(env.CorrelationID, api.ErrCodeUnknownOperation, fmt.Sprintf("unknown operation %q", env.Name))
	}
	result, err := d.invoke(ctx, handler, env)
	if err != nil {
		d.logger.Warn("router.dispatch.handler_error", "operation", env.Name, "correlation_id", env.CorrelationID, "error", err)
		if apiErr, ok := err.(*api.Error); ok {
			return api.QueryResponse{CorrelationID: env.CorrelationID, Error: apiErr}
		}
		return errorResponse(env.CorrelationID, api.ErrCodeHandlerFailed, err.Error())
	}
	return api.QueryResponse{CorrelationID: env.CorrelationID, Result: result}
}

func (d *Dispatcher) invoke(ctx context.Context, handler Handler, env api.QueryEnvelope) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, env)
}

func errorResponse(correlationID, code, message string) api.QueryResponse {
	return api.QueryResponse{
		CorrelationID: correlationID,
		Error:         &api.Error{Code: code, Message: message},
	}
}
