// Package filelock provides the advisory project lock that serializes
// implementation runs, and atomic file writes used by the filesystem layer.
package filelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrLocked is returned by TryAcquire when another run holds the project lock.
var ErrLocked = errors.New("project is locked by another implementation run")

// LockFileName is the lock file created inside the project state directory.
const LockFileName = "engine.lock"

// ProjectLock is an exclusive advisory lock keyed by project path.
// It works across goroutines and processes; a second holder on the same
// project fails fast instead of racing on the working tree.
type ProjectLock struct {
	flock *flock.Flock
	path  string
}

// NewProjectLock creates a lock for the project rooted at projectPath.
// The lock file lives at <projectPath>/<stateDir>/engine.lock.
func NewProjectLock(projectPath, stateDir string) *ProjectLock {
	path := filepath.Join(projectPath, stateDir, LockFileName)
	return &ProjectLock{
		flock: flock.New(path),
		path:  path,
	}
}

// Path returns the lock file path.
func (pl *ProjectLock) Path() string {
	return pl.path
}

// TryAcquire attempts to take the lock without blocking.
// Returns ErrLocked (wrapped) when the lock is held elsewhere.
func (pl *ProjectLock) TryAcquire() error {
	if err := os.MkdirAll(filepath.Dir(pl.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	acquired, err := pl.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to try lock on %s: %w", pl.path, err)
	}
	if !acquired {
		return fmt.Errorf("%w: %s", ErrLocked, pl.path)
	}
	return nil
}

// Release unlocks the project. Releasing an unheld lock is a no-op.
func (pl *ProjectLock) Release() error {
	if !pl.flock.Locked() {
		return nil
	}
	if err := pl.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock on %s: %w", pl.path, err)
	}
	return nil
}

// Locked reports whether this handle currently holds the lock.
func (pl *ProjectLock) Locked() bool {
	return pl.flock.Locked()
}

// AtomicWrite writes data to path through a temp file and rename so readers
// never observe a partial write. Parent directories are created as needed.
// The original file, if any, is untouched when the write fails.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Same directory keeps the rename on one filesystem
	tempFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}

	tempFile = nil
	return nil
}
