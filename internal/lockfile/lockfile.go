// Package lockfile implements the exclusive lock artifact that elects the
// single legitimate vttd backend on a machine. The artifact is a JSON file
// naming the owner process and the two loopback endpoints; presence plus
// owner liveness is the sole source of truth for "is a backend running".
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/shirou/gopsutil/v4/process"

	"pkt.systems/pslog"
	"pkt.systems/vttd/internal/svcfields"
)

// DefaultFileName is the artifact name under the runtime directory.
const DefaultFileName = "vttd.lock"

// ErrAlreadyOwned marks an acquisition that lost to a live owner. Callers
// wrap it around the owner's recorded endpoints.
var ErrAlreadyOwned = errors.New("lockfile: held by live owner")

// Record is the artifact content. Exactly one valid (non-stale) record
// exists system-wide at any time.
type Record struct {
	// PID is the owner process id.
	PID int `json:"pid"`
	// AcquiredAtUnix records when the owner took the lock.
	AcquiredAtUnix int64 `json:"acquired_at_unix"`
	// ControlAddr is the owner's control endpoint address.
	ControlAddr string `json:"control_addr"`
	// BridgeAddr is the owner's bridge endpoint address.
	BridgeAddr string `json:"bridge_addr"`
}

// Acquisition reports the outcome of an Acquire attempt. Owned means the
// caller is now the singleton; otherwise Existing carries the live owner's
// record so the caller can connect as a client instead.
type Acquisition struct {
	Owned    bool
	Existing Record
}

// Manager owns the lock artifact path and the liveness probe used to
// classify existing records as live or stale.
type Manager struct {
	path   string
	logger pslog.Logger
	alive  func(pid int) bool
}

// Option customises a Manager.
type Option func(*Manager)

// WithLivenessProbe overrides the owner-alive check (tests).
func WithLivenessProbe(probe func(pid int) bool) Option {
	return func(m *Manager) {
		if probe != nil {
			m.alive = probe
		}
	}
}

// NewManager constructs a Manager for the artifact at path.
func NewManager(path string, logger pslog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	m := &Manager{
		path:   path,
		logger: svcfields.WithSubsystem(logger, "lockfile"),
		alive:  pidAlive,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Path returns the artifact location.
func (m *Manager) Path() string {
	return m.path
}

// DefaultPath resolves the per-machine artifact location:
// $XDG_RUNTIME_DIR/vttd.lock when set, otherwise the OS temp directory.
func DefaultPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, DefaultFileName)
	}
	return filepath.Join(os.TempDir(), DefaultFileName)
}

// Acquire attempts to create the artifact atomically. An existing record
// with a live owner yields Owned=false and the owner's endpoints. A stale
// record (owner dead) is removed and acquisition retried exactly once; a
// second consecutive write failure is returned as a fatal error so startup
// aborts instead of leaking resources.
func (m *Manager) Acquire(rec Record) (Acquisition, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		created, err := m.tryCreate(rec)
		if err == nil && created {
			m.logger.Info("lock acquired", "path", m.path, "pid", rec.PID)
			return Acquisition{Owned: true, Existing: rec}, nil
		}
		if err != nil && !errors.Is(err, os.ErrExist) {
			if lastErr != nil {
				return Acquisition{}, fmt.Errorf("lockfile: acquire %s: %w (previous: %v)", m.path, err, lastErr)
			}
			lastErr = err
			continue
		}
		existing, readErr := m.read()
		if readErr != nil {
			// Unreadable artifact: treat as stale, reclaim once.
			m.logger.Warn("lock artifact unreadable, reclaiming", "path", m.path, "error", readErr)
			if rmErr := m.remove(); rmErr != nil {
				if lastErr != nil {
					return Acquisition{}, fmt.Errorf("lockfile: reclaim %s: %w (previous: %v)", m.path, rmErr, lastErr)
				}
				lastErr = rmErr
			}
			continue
		}
		if m.alive(existing.PID) {
			m.logger.Info("lock held by live owner", "path", m.path, "owner_pid", existing.PID,
				"control_addr", existing.ControlAddr, "bridge_addr", existing.BridgeAddr)
			return Acquisition{Owned: false, Existing: existing}, nil
		}
		m.logger.Warn("stale lock reclaimed", "path", m.path, "owner_pid", existing.PID)
		if rmErr := m.remove(); rmErr != nil {
			if lastErr != nil {
				return Acquisition{}, fmt.Errorf("lockfile: reclaim %s: %w (previous: %v)", m.path, rmErr, lastErr)
			}
			lastErr = rmErr
		}
	}
	if lastErr == nil {
		lastErr = errors.New("contention persisted after stale reclaim")
	}
	return Acquisition{}, fmt.Errorf("lockfile: acquire %s failed twice: %w", m.path, lastErr)
}

// Update atomically replaces the artifact content. Owner-only: used after
// listeners bind so the record carries resolved addresses instead of the
// configured ones (which may request an ephemeral port).
func (m *Manager) Update(rec Record) error {
	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, DefaultFileName+".*")
	if err != nil {
		return fmt.Errorf("lockfile: update %s: %w", m.path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := json.NewEncoder(tmp).Encode(rec); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("lockfile: update %s: %w", m.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("lockfile: update %s: %w", m.path, err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		return fmt.Errorf("lockfile: update %s: %w", m.path, err)
	}
	return nil
}

// Release deletes the artifact. Idempotent; called only by the current
// owner on shutdown (including error-path shutdowns).
func (m *Manager) Release() error {
	err := os.Remove(m.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("lockfile: release %s: %w", m.path, err)
	}
	if err == nil {
		m.logger.Info("lock released", "path", m.path)
	}
	return nil
}

// Watch reports artifact removal, letting a waiting proxy re-elect without
// polling. The returned channel receives one value per observed removal
// and closes when ctx ends.
func (m *Manager) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("lockfile: watch: %w", err)
	}
	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("lockfile: watch %s: %w", dir, err)
	}
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != m.path {
					continue
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn("lockfile watcher error", "error", err)
			}
		}
	}()
	return out, nil
}

// tryCreate publishes the record via write-then-link so the artifact
// appears atomically: no reader can ever observe a partial record.
func (m *Manager) tryCreate(rec Record) (bool, error) {
	dir := filepath.Dir(m.path)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, err
		}
	}
	tmp, err := os.CreateTemp(dir, DefaultFileName+".*")
	if err != nil {
		return false, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := json.NewEncoder(tmp).Encode(rec); err != nil {
		_ = tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	if err := os.Link(tmpName, m.path); err != nil {
		return false, err
	}
	return true, nil
}

// remove deletes the artifact during stale reclaim. Idempotent: a racer
// removing it first is not an error.
func (m *Manager) remove() error {
	err := os.Remove(m.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (m *Manager) read() (Record, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	if rec.PID <= 0 {
		return Record{}, fmt.Errorf("record missing owner pid")
	}
	return rec, nil
}

func pidAlive(pid int) bool {
	if pid == os.Getpid() {
		return true
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		// Probe failure leans towards "alive" so a healthy backend is
		// never evicted by a transient proc read error.
		return true
	}
	return alive
}
