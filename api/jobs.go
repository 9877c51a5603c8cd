package api

// JobState enumerates the lifecycle of an asynchronous job.
type JobState string

const (
	// JobQueued means the job is accepted but not yet running.
	JobQueued JobState = "queued"
	// JobRunning means the execution backend has picked the job up.
	JobRunning JobState = "running"
	// JobComplete is terminal; Result is populated.
	JobComplete JobState = "complete"
	// JobFailed is terminal; Error is populated.
	JobFailed JobState = "failed"
	// JobCancelled is terminal; neither Result nor Error is required.
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether the state permits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobComplete, JobFailed, JobCancelled:
		return true
	}
	return false
}

// JobSubmitRequest asks the job manager to start a long-running job.
type JobSubmitRequest struct {
	// Kind selects the execution backend, e.g. "image.synthesize".
	Kind string `json:"kind"`
	// Params is the kind-specific parameter document.
	Params map[string]any `json:"params,omitempty"`
}

// JobSubmitResponse returns the handle callers poll against.
type JobSubmitResponse struct {
	// JobID addresses the job for the lifetime of the backend process.
	JobID string `json:"job_id"`
	// State is the state observed at submission time.
	State JobState `json:"state"`
}

// JobStatus is the poll payload. Exactly one of Result/Error is populated
// once State is terminal; both are empty while the job is live.
type JobStatus struct {
	// JobID addresses the job.
	JobID string `json:"job_id"`
	// Kind echoes the submission kind.
	Kind string `json:"kind"`
	// State is the current lifecycle state.
	State JobState `json:"state"`
	// SubmittedAtUnix records submission time.
	SubmittedAtUnix int64 `json:"submitted_at_unix"`
	// ProgressHint is a free-form progress indicator from the executor.
	ProgressHint string `json:"progress_hint,omitempty"`
	// Result carries the job outcome once complete.
	Result map[string]any `json:"result,omitempty"`
	// Error carries the failure once failed.
	Error *Error `json:"error,omitempty"`
}

// Cancel outcomes reported by JobCancelResponse.Outcome.
const (
	// CancelAcknowledged means cancellation was requested before a terminal state.
	CancelAcknowledged = "acknowledged"
	// CancelAlreadyTerminal means the job had already finished; a no-op.
	CancelAlreadyTerminal = "already_terminal"
	// CancelNotFound means no job with that id exists (or it was evicted).
	CancelNotFound = "not_found"
)

// JobCancelResponse acknowledges a best-effort cancellation request.
type JobCancelResponse struct {
	// JobID echoes the cancelled job.
	JobID string `json:"job_id"`
	// Outcome is one of the Cancel constants.
	Outcome string `json:"outcome"`
	// State is the job state after the cancel attempt, when known.
	State JobState `json:"state,omitempty"`
}
