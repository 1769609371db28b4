package process

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellRunnerCapturesOutput(t *testing.T) {
	r := NewShellRunner()
	res, err := r.Run(context.Background(), "echo out; echo err 1>&2", t.TempDir(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, "out\n\nerr\n", res.Combined())
}

func TestShellRunnerNonZeroExitIsNotAnError(t *testing.T) {
	r := NewShellRunner()
	res, err := r.Run(context.Background(), "exit 3", t.TempDir(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestShellRunnerUsesWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("here"), 0644))

	res, err := NewShellRunner().Run(context.Background(), "cat marker.txt", dir, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "here", res.Stdout)
}

func TestShellRunnerTimeout(t *testing.T) {
	r := NewShellRunner()
	start := time.Now()
	_, err := r.Run(context.Background(), "sleep 5", t.TempDir(), 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Less(t, time.Since(start), 4*time.Second)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 100*time.Millisecond, te.Timeout)
}

func TestShellRunnerEmptyCommand(t *testing.T) {
	_, err := NewShellRunner().Run(context.Background(), "", t.TempDir(), time.Second)
	assert.Error(t, err)
}

func TestCombined(t *testing.T) {
	assert.Equal(t, "a", Result{Stdout: "a"}.Combined())
	assert.Equal(t, "b", Result{Stderr: "b"}.Combined())
	assert.Equal(t, "", Result{}.Combined())
}
