package snapshot

// ============================================================================
// Responsibilities:
// 1. Persist one job as its canonical data.json document
// 2. Write atomically (temp file + fsync + rename) so readers never see a
//    partial document
// 3. Load and validate documents through the types codec
// 4. Detect when the in-memory job differs from what is on disk
// 5. Merge changes another writer made to the document into a live job
// ============================================================================

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/renderjob/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrCorruptedSnapshot = errors.New("data.json is corrupted")
	ErrSnapshotNotFound  = errors.New("data.json not found")
)

// ============================================================================
// Manager
// ============================================================================

// Manager reads and writes the data.json of a single job.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager returns a manager for the document at path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// ForJob returns a manager for the job's own paths.data location.
func ForJob(job *types.Job) *Manager {
	return NewManager(job.Paths().Data)
}

// Write serializes job and replaces the document atomically.
func (m *Manager) Write(job *types.Job) error {
	doc, err := job.ToDocument()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", job, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(doc)
}

// Load reads and parses the document.
func (m *Manager) Load() (*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := m.readLocked()
	if err != nil {
		return nil, err
	}
	job, err := types.FromDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorruptedSnapshot, m.path, err)
	}
	return job, nil
}

// Changed reports whether job serializes to something other than the bytes
// on disk. A missing file counts as changed.
func (m *Manager) Changed(job *types.Job) (bool, error) {
	doc, err := job.ToDocument()
	if err != nil {
		return false, fmt.Errorf("failed to encode %s: %w", job, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changedLocked(doc)
}

// WriteIfChanged writes job only when its document differs from disk and
// reports whether it wrote.
func (m *Manager) WriteIfChanged(job *types.Job) (bool, error) {
	doc, err := job.ToDocument()
	if err != nil {
		return false, fmt.Errorf("failed to encode %s: %w", job, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	changed, err := m.changedLocked(doc)
	if err != nil || !changed {
		return false, err
	}
	if err := m.writeLocked(doc); err != nil {
		return false, err
	}
	return true, nil
}

// MergeFromDisk folds the document on disk into job and reports whether job
// changed. A missing document leaves job as it is. The file itself is not
// rewritten.
func (m *Manager) MergeFromDisk(job *types.Job) (bool, error) {
	disk, err := m.Load()
	if errors.Is(err, ErrSnapshotNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	changed, err := job.MergeFrom(disk)
	if err != nil {
		return false, fmt.Errorf("failed to merge %s: %w", m.path, err)
	}
	return changed, nil
}

// Exists reports whether the document exists.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the document location.
func (m *Manager) GetPath() string {
	return m.path
}

// ============================================================================
// Internal helpers
// ============================================================================

func (m *Manager) readLocked() ([]byte, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return nil, fmt.Errorf("failed to read %s: %w", m.path, err)
	}
	return raw, nil
}

func (m *Manager) changedLocked(doc []byte) (bool, error) {
	raw, err := m.readLocked()
	if errors.Is(err, ErrSnapshotNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return !bytes.Equal(raw, doc), nil
}

// writeLocked writes doc next to the target, syncs it and renames it over
// the target, then syncs the directory so the rename itself is durable.
func (m *Manager) writeLocked(doc []byte) error {
	if m.path == "" {
		return errors.New("data.json path is empty")
	}
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename %s: %w", tmpPath, err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
