package project

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/bmatcuk/doublestar/v4"
)

// IgnorePatterns are directories never listed or sent to the oracle.
var IgnorePatterns = []string{
	"**/.git",
	"**/node_modules",
	"**/.ai-buddy",
	"**/dist",
	"**/build",
	"**/vendor",
	"**/__pycache__",
	"**/.venv",
}

var errLimitReached = errors.New("file limit reached")

// ListFiles returns up to limit project-relative file paths (slash
// separated), skipping IgnorePatterns. A non-positive limit lists everything.
func ListFiles(projectPath string, limit int) ([]string, error) {
	var files []string

	err := doublestar.GlobWalk(os.DirFS(projectPath), "**", func(path string, d fs.DirEntry) error {
		if path == "." {
			return nil
		}
		if d.IsDir() {
			if ignored(path) {
				return fs.SkipDir
			}
			return nil
		}
		files = append(files, path)
		if limit > 0 && len(files) >= limit {
			return errLimitReached
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimitReached) {
		return files, fmt.Errorf("failed to list project files: %w", err)
	}
	return files, nil
}

func ignored(path string) bool {
	for _, pattern := range IgnorePatterns {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
	}
	return false
}
