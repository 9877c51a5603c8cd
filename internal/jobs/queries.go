package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pkt.systems/vttd/api"
	"pkt.systems/vttd/internal/router"
)

// RegisterQueries exposes the job surface as named queries on reg:
// job.submit, job.status, and job.cancel. Collisions with other handlers
// surface as a startup panic via the registry.
func (m *Manager) RegisterQueries(reg *router.Registry) {
	reg.Register("job.submit", m.handleSubmit)
	reg.Register("job.status", m.handleStatus)
	reg.Register("job.cancel", m.handleCancel)
}

func (m *Manager) handleSubmit(_ context.Context, env api.QueryEnvelope) (map[string]any, error) {
	var req api.JobSubmitRequest
	if err := decodePayload(env.Payload, &req); err != nil {
		return nil, err
	}
	if req.Kind == "" {
		return nil, &api.Error{Code: api.ErrCodeBadRequest, Message: "kind required"}
	}
	status, err := m.Submit(req.Kind, req.Params)
	if err != nil {
		return nil, err
	}
	return encodePayload(api.JobSubmitResponse{JobID: status.JobID, State: status.State})
}

func (m *Manager) handleStatus(_ context.Context, env api.QueryEnvelope) (map[string]any, error) {
	jobID, err := payloadJobID(env.Payload)
	if err != nil {
		return nil, err
	}
	status, err := m.Status(jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &api.Error{Code: api.ErrCodeBadRequest, Message: fmt.Sprintf("no job %q", jobID)}
		}
		return nil, err
	}
	return encodePayload(status)
}

func (m *Manager) handleCancel(_ context.Context, env api.QueryEnvelope) (map[string]any, error) {
	jobID, err := payloadJobID(env.Payload)
	if err != nil {
		return nil, err
	}
	return encodePayload(m.Cancel(jobID))
}

func payloadJobID(payload map[string]any) (string, error) {
	id, _ := payload["job_id"].(string)
	if id == "" {
		return "", &api.Error{Code: api.ErrCodeBadRequest, Message: "job_id required"}
	}
	return id, nil
}

func decodePayload(payload map[string]any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return &api.Error{Code: api.ErrCodeBadRequest, Message: err.Error()}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &api.Error{Code: api.ErrCodeBadRequest, Message: err.Error()}
	}
	return nil
}

func encodePayload(in any) (map[string]any, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
