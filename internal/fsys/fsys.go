// Package fsys is the filesystem boundary used by the step executor and the
// rollback manager. Every failure is reported as an *Error with a Kind so
// callers can tell a missing file from a permission or I/O problem.
package fsys

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/harrison/aibuddy/internal/filelock"
)

// Kind classifies filesystem failures.
type Kind int

const (
	// KindIO is any failure that is neither NotFound nor Permission.
	KindIO Kind = iota
	KindNotFound
	KindPermission
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindPermission:
		return "permission"
	default:
		return "io"
	}
}

// Error is a classified filesystem failure.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound checks if err is a NotFound filesystem error.
func IsNotFound(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == KindNotFound
	}
	return errors.Is(err, fs.ErrNotExist)
}

// IsPermission checks if err is a Permission filesystem error.
func IsPermission(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == KindPermission
	}
	return errors.Is(err, fs.ErrPermission)
}

// FileSystem is the set of file operations the engine performs.
// Paths are absolute; callers resolve project-relative targets first.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
	// WriteFile replaces path atomically, creating parent directories.
	WriteFile(path string, data []byte) error
	Remove(path string) error
	Exists(path string) (bool, error)
	MkdirAll(path string) error
	RemoveAll(path string) error
}

// OS implements FileSystem on the local disk.
type OS struct{}

// NewOS returns the local-disk FileSystem.
func NewOS() *OS {
	return &OS{}
}

// ReadFile reads the whole file.
func (OS) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, classify("read", path, err)
	}
	return data, nil
}

// WriteFile writes data atomically with parent directory creation.
func (OS) WriteFile(path string, data []byte) error {
	perm := fs.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}
	if err := filelock.AtomicWrite(path, data, perm); err != nil {
		return classify("write", path, err)
	}
	return nil
}

// Remove deletes a single file.
func (OS) Remove(path string) error {
	if err := os.Remove(path); err != nil {
		return classify("remove", path, err)
	}
	return nil
}

// Exists reports whether path exists.
func (OS) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, classify("stat", path, err)
}

// MkdirAll creates a directory tree.
func (OS) MkdirAll(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return classify("mkdir", path, err)
	}
	return nil
}

// RemoveAll removes a directory tree.
func (OS) RemoveAll(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return classify("remove_all", path, err)
	}
	return nil
}

func classify(op, path string, err error) error {
	kind := KindIO
	switch {
	case errors.Is(err, fs.ErrNotExist):
		kind = KindNotFound
	case errors.Is(err, fs.ErrPermission):
		kind = KindPermission
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

var _ FileSystem = (*OS)(nil)
