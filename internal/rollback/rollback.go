// Package rollback records the file mutations of a run, keeps backups of
// original contents and reverses the mutations on demand.
package rollback

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harrison/aibuddy/internal/fsys"
	"github.com/harrison/aibuddy/internal/logger"
	"github.com/harrison/aibuddy/internal/models"
)

const (
	// BackupsDirName sits under the project state directory.
	BackupsDirName = "backups"

	// ManifestFileName lists recorded changes inside a backup directory.
	ManifestFileName = "changes.json"
)

var pathSanitizer = strings.NewReplacer("/", "_", "\\", "_", ":", "_")

// SanitizePath flattens a relative path into a single backup file name.
func SanitizePath(path string) string {
	return pathSanitizer.Replace(filepath.ToSlash(filepath.Clean(path)))
}

// BackupDir returns <projectPath>/<stateDir>/backups/<taskID>.
func BackupDir(projectPath, stateDir, taskID string) string {
	return filepath.Join(projectPath, stateDir, BackupsDirName, SanitizePath(taskID))
}

// Manager owns the append-only change log of one run.
type Manager struct {
	fs          fsys.FileSystem
	projectPath string
	taskID      string
	backupDir   string
	logger      logger.Logger

	mu      sync.Mutex
	changes []models.FileChange
}

// NewManager creates a Manager for taskID in projectPath.
func NewManager(fs fsys.FileSystem, projectPath, stateDir, taskID string, log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Manager{
		fs:          fs,
		projectPath: projectPath,
		taskID:      taskID,
		backupDir:   BackupDir(projectPath, stateDir, taskID),
		logger:      log,
	}
}

// Initialize creates the backup directory.
func (m *Manager) Initialize() error {
	if err := m.fs.MkdirAll(m.backupDir); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	return nil
}

// BackupDir returns the directory holding backups and the manifest.
func (m *Manager) BackupDir() string {
	return m.backupDir
}

// RecordChange appends a change. Original contents of modified or deleted
// files are backed up; the first backup of a path is never overwritten, so
// it always holds the content from before the run touched the file.
func (m *Manager) RecordChange(change models.FileChange) error {
	if change.Timestamp.IsZero() {
		change.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.changes = append(m.changes, change)

	if change.ChangeType != models.ChangeCreate && change.OriginalContent != nil {
		backup := filepath.Join(m.backupDir, SanitizePath(change.Path))
		exists, err := m.fs.Exists(backup)
		if err != nil {
			return fmt.Errorf("failed to check backup for %s: %w", change.Path, err)
		}
		if !exists {
			if err := m.fs.WriteFile(backup, []byte(*change.OriginalContent)); err != nil {
				return fmt.Errorf("failed to back up %s: %w", change.Path, err)
			}
		}
	}

	return m.writeManifest()
}

// Changes returns a copy of the change log in recording order.
func (m *Manager) Changes() []models.FileChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.FileChange, len(m.changes))
	copy(out, m.changes)
	return out
}

// HasChanges reports whether unreversed changes remain.
func (m *Manager) HasChanges() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.changes) > 0
}

// RollbackAll reverses every recorded change, newest first. Creates are
// deleted (already missing is fine), modifies and deletes restore the
// original content. Changes that cannot be reversed stay in the log and are
// reported in a *models.RollbackError; a full success clears the log.
func (m *Manager) RollbackAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var failed []models.FailedChange
	for i := len(m.changes) - 1; i >= 0; i-- {
		change := m.changes[i]
		if err := m.revert(change); err != nil {
			m.logger.Warnf("Failed to roll back %s %s: %v", change.ChangeType, change.Path, err)
			failed = append(failed, models.FailedChange{Change: change, Err: err})
			continue
		}
		m.logger.Debugf("Rolled back %s %s", change.ChangeType, change.Path)
	}

	if len(failed) == 0 {
		m.changes = nil
		if err := m.removeManifest(); err != nil {
			m.logger.Warnf("Failed to remove change manifest: %v", err)
		}
		return nil
	}

	// Keep failures in recording order for a later retry
	remaining := make([]models.FileChange, 0, len(failed))
	for i := len(failed) - 1; i >= 0; i-- {
		remaining = append(remaining, failed[i].Change)
	}
	m.changes = remaining
	if err := m.writeManifest(); err != nil {
		m.logger.Warnf("Failed to update change manifest: %v", err)
	}
	return &models.RollbackError{Failed: failed}
}

func (m *Manager) revert(change models.FileChange) error {
	abs := filepath.Join(m.projectPath, change.Path)

	switch change.ChangeType {
	case models.ChangeCreate:
		if err := m.fs.Remove(abs); err != nil && !fsys.IsNotFound(err) {
			return err
		}
		return nil
	case models.ChangeModify, models.ChangeDelete:
		if change.OriginalContent == nil {
			return fmt.Errorf("no original content recorded for %s", change.Path)
		}
		return m.fs.WriteFile(abs, []byte(*change.OriginalContent))
	default:
		return fmt.Errorf("unknown change type %q", change.ChangeType)
	}
}

// Cleanup removes the backup directory. Failures are logged, not returned.
func (m *Manager) Cleanup() {
	if err := m.fs.RemoveAll(m.backupDir); err != nil {
		m.logger.Warnf("Failed to remove backup directory %s: %v", m.backupDir, err)
	}
}

// manifestEntry is the on-disk form of a FileChange; contents live in backup files.
type manifestEntry struct {
	Path       string            `json:"path"`
	ChangeType models.ChangeType `json:"changeType"`
	Backup     string            `json:"backup,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

type manifest struct {
	TaskID  string          `json:"taskId"`
	Changes []manifestEntry `json:"changes"`
}

// writeManifest must be called with mu held.
func (m *Manager) writeManifest() error {
	mf := manifest{TaskID: m.taskID, Changes: make([]manifestEntry, 0, len(m.changes))}
	for _, c := range m.changes {
		entry := manifestEntry{Path: c.Path, ChangeType: c.ChangeType, Timestamp: c.Timestamp}
		if c.ChangeType != models.ChangeCreate && c.OriginalContent != nil {
			entry.Backup = SanitizePath(c.Path)
		}
		mf.Changes = append(mf.Changes, entry)
	}

	data, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode change manifest: %w", err)
	}
	if err := m.fs.WriteFile(filepath.Join(m.backupDir, ManifestFileName), data); err != nil {
		return fmt.Errorf("failed to write change manifest: %w", err)
	}
	return nil
}

func (m *Manager) removeManifest() error {
	err := m.fs.Remove(filepath.Join(m.backupDir, ManifestFileName))
	if err != nil && !fsys.IsNotFound(err) {
		return err
	}
	return nil
}

// Load rebuilds the Manager of an earlier run from its manifest so its
// remaining changes can be rolled back. Original contents come from the
// backup files.
func Load(fs fsys.FileSystem, projectPath, stateDir, taskID string, log logger.Logger) (*Manager, error) {
	m := NewManager(fs, projectPath, stateDir, taskID, log)

	data, err := fs.ReadFile(filepath.Join(m.backupDir, ManifestFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read change manifest for task %s: %w", taskID, err)
	}

	var mf manifest
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("failed to parse change manifest: %w", err)
	}

	for _, entry := range mf.Changes {
		change := models.FileChange{Path: entry.Path, ChangeType: entry.ChangeType, Timestamp: entry.Timestamp}
		if entry.Backup != "" {
			content, err := fs.ReadFile(filepath.Join(m.backupDir, entry.Backup))
			if err != nil {
				return nil, fmt.Errorf("failed to read backup of %s: %w", entry.Path, err)
			}
			change.OriginalContent = models.StringPtr(string(content))
		}
		m.changes = append(m.changes, change)
	}
	return m, nil
}
