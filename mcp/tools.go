package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"pkt.systems/vttd/api"
	"pkt.systems/vttd/client"
)

const (
	toolQuery     = "vtt_query"
	toolJobSubmit = "vtt_job_submit"
	toolJobStatus = "vtt_job_status"
	toolJobCancel = "vtt_job_cancel"
	toolStatus    = "vtt_status"
	toolOwner     = "vtt_owner"
)

var toolDescriptions = map[string]string{
	toolQuery: "Relay a named query to the virtual-tabletop host application. " +
		"The operation name and payload schema are defined by the host's handler registry.",
	toolJobSubmit: "Submit long-running work (content generation, imports) as an async job. " +
		"Returns a job id to poll with " + toolJobStatus + ".",
	toolJobStatus: "Fetch the current state, progress hint and result of an async job.",
	toolJobCancel: "Request best-effort cancellation of an async job. " +
		"Cancelling a finished job reports already_terminal, never an error.",
	toolStatus: "Report backend health: lifecycle state, whether a host-application " +
		"bridge session is active, and uptime.",
	toolOwner: "Report the backend singleton's identity: pid plus control and bridge endpoints.",
}

func (s *server) registerTools(srv *mcpsdk.Server) {
	desc := func(name string) string {
		description, ok := toolDescriptions[name]
		if !ok {
			panic(fmt.Sprintf("missing MCP tool description for %q", name))
		}
		return description
	}

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolQuery,
		Description: desc(toolQuery),
	}, s.handleQueryTool)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolJobSubmit,
		Description: desc(toolJobSubmit),
	}, s.handleJobSubmitTool)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolJobStatus,
		Description: desc(toolJobStatus),
	}, s.handleJobStatusTool)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolJobCancel,
		Description: desc(toolJobCancel),
	}, s.handleJobCancelTool)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolStatus,
		Description: desc(toolStatus),
	}, s.handleStatusTool)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolOwner,
		Description: desc(toolOwner),
	}, s.handleOwnerTool)
}

type queryToolInput struct {
	Name           string         `json:"name" jsonschema:"Registered operation name, e.g. scene.describe or actor.update"`
	Payload        map[string]any `json:"payload,omitempty" jsonschema:"Operation parameter document"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty" jsonschema:"Per-call timeout override in seconds"`
}

type queryToolOutput struct {
	CorrelationID string         `json:"correlation_id,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
}

func (s *server) handleQueryTool(ctx context.Context, _ *mcpsdk.CallToolRequest, input queryToolInput) (*mcpsdk.CallToolResult, queryToolOutput, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, queryToolOutput{}, fmt.Errorf("name is required")
	}
	resp, err := s.relayQuery(ctx, api.QueryRequest{
		Name:           name,
		Payload:        input.Payload,
		TimeoutSeconds: input.TimeoutSeconds,
	})
	if err != nil {
		return nil, queryToolOutput{}, err
	}
	out := queryToolOutput{
		CorrelationID: resp.CorrelationID,
		Result:        resp.Result,
	}
	if resp.Error != nil {
		out.ErrorCode = resp.Error.Code
		out.ErrorMessage = resp.Error.Message
	}
	return nil, out, nil
}

type jobSubmitToolInput struct {
	Kind   string         `json:"kind" jsonschema:"Job kind understood by the host application's executor"`
	Params map[string]any `json:"params,omitempty" jsonschema:"Job parameter document"`
}

type jobSubmitToolOutput struct {
	JobID        string `json:"job_id,omitempty"`
	State        string `json:"state,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func (s *server) handleJobSubmitTool(ctx context.Context, _ *mcpsdk.CallToolRequest, input jobSubmitToolInput) (*mcpsdk.CallToolResult, jobSubmitToolOutput, error) {
	kind := strings.TrimSpace(input.Kind)
	if kind == "" {
		return nil, jobSubmitToolOutput{}, fmt.Errorf("kind is required")
	}
	resp, err := s.relayQuery(ctx, api.QueryRequest{
		Name: "job.submit",
		Payload: map[string]any{
			"kind":   kind,
			"params": input.Params,
		},
	})
	if err != nil {
		return nil, jobSubmitToolOutput{}, err
	}
	var out jobSubmitToolOutput
	if resp.Error != nil {
		out.ErrorCode = resp.Error.Code
		out.ErrorMessage = resp.Error.Message
		return nil, out, nil
	}
	var submitted api.JobSubmitResponse
	if err := decodeResult(resp.Result, &submitted); err != nil {
		return nil, jobSubmitToolOutput{}, err
	}
	out.JobID = submitted.JobID
	out.State = string(submitted.State)
	return nil, out, nil
}

type jobStatusToolInput struct {
	JobID string `json:"job_id" jsonschema:"Job id returned by vtt_job_submit"`
}

type jobStatusToolOutput struct {
	JobID        string         `json:"job_id,omitempty"`
	Kind         string         `json:"kind,omitempty"`
	State        string         `json:"state,omitempty"`
	ProgressHint string         `json:"progress_hint,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	JobError     string         `json:"job_error,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

func (s *server) handleJobStatusTool(ctx context.Context, _ *mcpsdk.CallToolRequest, input jobStatusToolInput) (*mcpsdk.CallToolResult, jobStatusToolOutput, error) {
	jobID := strings.TrimSpace(input.JobID)
	if jobID == "" {
		return nil, jobStatusToolOutput{}, fmt.Errorf("job_id is required")
	}
	resp, err := s.relayQuery(ctx, api.QueryRequest{
		Name:    "job.status",
		Payload: map[string]any{"job_id": jobID},
	})
	if err != nil {
		return nil, jobStatusToolOutput{}, err
	}
	var out jobStatusToolOutput
	if resp.Error != nil {
		out.ErrorCode = resp.Error.Code
		out.ErrorMessage = resp.Error.Message
		return nil, out, nil
	}
	var status api.JobStatus
	if err := decodeResult(resp.Result, &status); err != nil {
		return nil, jobStatusToolOutput{}, err
	}
	out.JobID = status.JobID
	out.Kind = status.Kind
	out.State = string(status.State)
	out.ProgressHint = status.ProgressHint
	out.Result = status.Result
	if status.Error != nil {
		out.JobError = status.Error.Error()
	}
	return nil, out, nil
}

type jobCancelToolInput struct {
	JobID string `json:"job_id" jsonschema:"Job id returned by vtt_job_submit"`
}

type jobCancelToolOutput struct {
	JobID        string `json:"job_id,omitempty"`
	Outcome      string `json:"outcome,omitempty"`
	State        string `json:"state,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func (s *server) handleJobCancelTool(ctx context.Context, _ *mcpsdk.CallToolRequest, input jobCancelToolInput) (*mcpsdk.CallToolResult, jobCancelToolOutput, error) {
	jobID := strings.TrimSpace(input.JobID)
	if jobID == "" {
		return nil, jobCancelToolOutput{}, fmt.Errorf("job_id is required")
	}
	resp, err := s.relayQuery(ctx, api.QueryRequest{
		Name:    "job.cancel",
		Payload: map[string]any{"job_id": jobID},
	})
	if err != nil {
		return nil, jobCancelToolOutput{}, err
	}
	var out jobCancelToolOutput
	if resp.Error != nil {
		out.ErrorCode = resp.Error.Code
		out.ErrorMessage = resp.Error.Message
		return nil, out, nil
	}
	var cancelled api.JobCancelResponse
	if err := decodeResult(resp.Result, &cancelled); err != nil {
		return nil, jobCancelToolOutput{}, err
	}
	out.JobID = cancelled.JobID
	out.Outcome = string(cancelled.Outcome)
	out.State = string(cancelled.State)
	return nil, out, nil
}

type statusToolInput struct{}

type statusToolOutput struct {
	State         string `json:"state"`
	SessionActive bool   `json:"session_active"`
	SessionID     string `json:"session_id,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *server) handleStatusTool(ctx context.Context, _ *mcpsdk.CallToolRequest, _ statusToolInput) (*mcpsdk.CallToolResult, statusToolOutput, error) {
	control, err := s.currentControl()
	if err != nil {
		return nil, statusToolOutput{}, err
	}
	health, err := control.Health(ctx)
	if err != nil {
		return nil, statusToolOutput{}, err
	}
	return nil, statusToolOutput{
		State:         health.State,
		SessionActive: health.SessionActive,
		SessionID:     health.SessionID,
		UptimeSeconds: health.UptimeSeconds,
	}, nil
}

type ownerToolInput struct{}

type ownerToolOutput struct {
	PID           int    `json:"pid"`
	ControlAddr   string `json:"control_addr"`
	BridgeAddr    string `json:"bridge_addr"`
	StartedAtUnix int64  `json:"started_at_unix"`
}

func (s *server) handleOwnerTool(ctx context.Context, _ *mcpsdk.CallToolRequest, _ ownerToolInput) (*mcpsdk.CallToolResult, ownerToolOutput, error) {
	control, err := s.currentControl()
	if err != nil {
		return nil, ownerToolOutput{}, err
	}
	owner, err := control.Owner(ctx)
	if err != nil {
		return nil, ownerToolOutput{}, err
	}
	return nil, ownerToolOutput{
		PID:           owner.PID,
		ControlAddr:   owner.ControlAddr,
		BridgeAddr:    owner.BridgeAddr,
		StartedAtUnix: owner.StartedAtUnix,
	}, nil
}

func (s *server) currentControl() (*client.Control, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal || s.control == nil {
		return nil, ErrBackendLost
	}
	return s.control, nil
}

// decodeResult converts a relayed result document into a typed response.
func decodeResult(result map[string]any, out any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("mcp: encode relayed result: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("mcp: decode relayed result: %w", err)
	}
	return nil
}
