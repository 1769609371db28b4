package claude

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

var (
	tmpDirOnce sync.Once
	cleanTmp   string
)

// cleanTmpDir returns a dedicated temp directory for CLI invocations.
// Editor socket files in the shared TMPDIR crash the CLI when --settings is passed.
func cleanTmpDir() string {
	tmpDirOnce.Do(func() {
		cleanTmp = filepath.Join(os.TempDir(), "aibuddy-claude")
		os.MkdirAll(cleanTmp, 0755)
	})
	return cleanTmp
}

// SetCleanEnv copies the current environment into cmd with TMPDIR pointed
// at the dedicated temp directory.
func SetCleanEnv(cmd *exec.Cmd) {
	dir := cleanTmpDir()
	cmd.Env = os.Environ()

	for i, env := range cmd.Env {
		if strings.HasPrefix(env, "TMPDIR=") {
			cmd.Env[i] = "TMPDIR=" + dir
			return
		}
	}
	cmd.Env = append(cmd.Env, "TMPDIR="+dir)
}
