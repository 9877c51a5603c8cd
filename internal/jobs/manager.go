// Package jobs tracks long-running generation jobs whose results arrive
// well after the triggering call returns. The Manager is the only writer
// of job state; executors report back through its Mark methods and callers
// poll through Status. Terminal states are immutable.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/pslog"
	"pkt.systems/vttd/api"
	"pkt.systems/vttd/internal/svcfields"
)

// DefaultRetention is how long terminal jobs stay pollable before the
// sweeper evicts them.
const DefaultRetention = 15 * time.Minute

// DefaultSweepInterval is the eviction sweep cadence.
const DefaultSweepInterval = time.Minute

// ErrNotFound reports an unknown (or already evicted) job id.
var ErrNotFound = errors.New("jobs: not found")

// ErrTerminalState rejects a transition out of complete/failed/cancelled.
var ErrTerminalState = errors.New("jobs: job already in terminal state")

// Executor receives accepted work. Execution happens outside the
// request/response cycle; implementations report through the Manager's
// MarkRunning/Progress/Complete/Fail methods and should stop promptly when
// ctx is cancelled. Cancellation stays cooperative: the flipped state is
// authoritative even if the work finishes slightly afterwards.
type Executor interface {
	Execute(ctx context.Context, jobID, kind string, params map[string]any)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, jobID, kind string, params map[string]any)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, jobID, kind string, params map[string]any) {
	f(ctx, jobID, kind, params)
}

type record struct {
	status     api.JobStatus
	finishedAt time.Time
	cancel     context.CancelFunc
}

// Manager owns the in-memory job table. Jobs are addressable by id for
// the lifetime of the backend process; nothing survives a restart.
type Manager struct {
	executor Executor
	logger   pslog.Logger
	now      func() time.Time

	retention     time.Duration
	sweepInterval time.Duration

	mu   sync.Mutex
	jobs map[string]*record

	sweepStop chan struct{}
	sweepDone sync.WaitGroup
}

// Option customises a Manager.
type Option func(*Manager)

// WithRetention overrides how long terminal jobs remain pollable.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithSweepInterval overrides the eviction cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// WithClock injects a time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager wires a Manager over the supplied executor.
func NewManager(executor Executor, logger pslog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	m := &Manager{
		executor:      executor,
		logger:        svcfields.WithSubsystem(logger, "jobs"),
		now:           time.Now,
		retention:     DefaultRetention,
		sweepInterval: DefaultSweepInterval,
		jobs:          make(map[string]*record),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit creates a job in queued state and hands it to the executor.
func (m *Manager) Submit(kind string, params map[string]any) (api.JobStatus, error) {
	if kind == "" {
		return api.JobStatus{}, fmt.Errorf("jobs: submit: kind required")
	}
	if m.executor == nil {
		return api.JobStatus{}, fmt.Errorf("jobs: submit: no executor configured")
	}
	id := uuid.Must(uuid.NewV7()).String()
	ctx, cancel := context.WithCancel(context.Background())
	status := api.JobStatus{
		JobID:           id,
		Kind:            kind,
		State:           api.JobQueued,
		SubmittedAtUnix: m.now().Unix(),
	}
	m.mu.Lock()
	m.jobs[id] = &record{status: status, cancel: cancel}
	m.mu.Unlock()
	countTransition(api.JobQueued)
	m.logger.Info("jobs.submitted", "job_id", id, "kind", kind)
	go m.executor.Execute(ctx, id, kind, params)
	return status, nil
}

// Status returns the current job snapshot. Never blocks; callers poll.
func (m *Manager) Status(jobID string) (api.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[jobID]
	if !ok {
		return api.JobStatus{}, ErrNotFound
	}
	return rec.status, nil
}

// Cancel requests best-effort cancellation. Cancelling a terminal job is
// a no-op reported as AlreadyTerminal, never an error; repeated cancels
// after completion keep reporting AlreadyTerminal.
func (m *Manager) Cancel(jobID string) api.JobCancelResponse {
	m.mu.Lock()
	rec, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return api.JobCancelResponse{JobID: jobID, Outcome: api.CancelNotFound}
	}
	if rec.status.State.Terminal() {
		state := rec.status.State
		m.mu.Unlock()
		return api.JobCancelResponse{JobID: jobID, Outcome: api.CancelAlreadyTerminal, State: state}
	}
	rec.status.State = api.JobCancelled
	rec.finishedAt = m.now()
	cancel := rec.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	countTransition(api.JobCancelled)
	m.logger.Info("jobs.cancelled", "job_id", jobID)
	return api.JobCancelResponse{JobID: jobID, Outcome: api.CancelAcknowledged, State: api.JobCancelled}
}

// MarkRunning records executor pickup (queued -> running).
func (m *Manager) MarkRunning(jobID string) error {
	return m.transition(jobID, func(rec *record) error {
		if rec.status.State != api.JobQueued {
			return fmt.Errorf("jobs: %s -> running not permitted from %s: %w", jobID, rec.status.State, ErrTerminalState)
		}
		rec.status.State = api.JobRunning
		countTransition(api.JobRunning)
		return nil
	})
}

// Progress attaches a progress hint to a live job. Hints against terminal
// jobs are discarded.
func (m *Manager) Progress(jobID, hint string) error {
	return m.transition(jobID, func(rec *record) error {
		if rec.status.State.Terminal() {
			return ErrTerminalState
		}
		rec.status.ProgressHint = hint
		return nil
	})
}

// Complete attaches the result (running -> complete). A trailing
// completion for an already-cancelled job is rejected and discarded, never
// reapplied.
func (m *Manager) Complete(jobID string, result map[string]any) error {
	err := m.transition(jobID, func(rec *record) error {
		if rec.status.State != api.JobRunning {
			return fmt.Errorf("jobs: %s -> complete not permitted from %s: %w", jobID, rec.status.State, ErrTerminalState)
		}
		rec.status.State = api.JobComplete
		rec.status.Result = result
		rec.finishedAt = m.now()
		countTransition(api.JobComplete)
		return nil
	})
	if errors.Is(err, ErrTerminalState) {
		m.logger.Warn("jobs.completion_discarded", "job_id", jobID)
	}
	return err
}

// Fail attaches the error (running -> failed). Failures never cross the
// job-status boundary as anything but the stored payload.
func (m *Manager) Fail(jobID string, failure *api.Error) error {
	err := m.transition(jobID, func(rec *record) error {
		if rec.status.State != api.JobRunning {
			return fmt.Errorf("jobs: %s -> failed not permitted from %s: %w", jobID, rec.status.State, ErrTerminalState)
		}
		rec.status.State = api.JobFailed
		rec.status.Error = failure
		rec.finishedAt = m.now()
		countTransition(api.JobFailed)
		return nil
	})
	if errors.Is(err, ErrTerminalState) {
		m.logger.Warn("jobs.failure_discarded", "job_id", jobID)
	}
	return err
}

func (m *Manager) transition(jobID string, apply func(*record) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	return apply(rec)
}

// Len reports the number of tracked jobs.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// StartSweeper launches the retention sweeper. Stop with StopSweeper.
func (m *Manager) StartSweeper() {
	m.mu.Lock()
	if m.sweepStop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.sweepStop = stop
	m.mu.Unlock()
	m.sweepDone.Add(1)
	go func() {
		defer m.sweepDone.Done()
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.SweepOnce()
			}
		}
	}()
}

// StopSweeper halts the retention sweeper and waits for it to exit.
func (m *Manager) StopSweeper() {
	m.mu.Lock()
	stop := m.sweepStop
	m.sweepStop = nil
	m.mu.Unlock()
	if stop != nil {
		close(stop)
		m.sweepDone.Wait()
	}
}

// SweepOnce evicts terminal jobs older than the retention window and
// reports how many were removed.
func (m *Manager) SweepOnce() int {
	cutoff := m.now().Add(-m.retention)
	m.mu.Lock()
	evicted := 0
	for id, rec := range m.jobs {
		if !rec.status.State.Terminal() {
			continue
		}
		if rec.finishedAt.After(cutoff) {
			continue
		}
		delete(m.jobs, id)
		evicted++
	}
	m.mu.Unlock()
	if evicted > 0 {
		m.logger.Debug("jobs.swept", "evicted", evicted)
	}
	return evicted
}
