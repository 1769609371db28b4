package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/aibuddy/internal/config"
	"github.com/harrison/aibuddy/internal/fsys"
	"github.com/harrison/aibuddy/internal/history"
	"github.com/harrison/aibuddy/internal/logger"
	"github.com/harrison/aibuddy/internal/models"
	"github.com/harrison/aibuddy/internal/rollback"
)

const notesPlan = `{
  "steps": [
    {"id": "step-1", "title": "Write notes", "type": "create_file", "target": "notes.md", "content": "draft"}
  ]
}`

func execute(t *testing.T, in io.Reader, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	if in != nil {
		root.SetIn(in)
	}
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// writeTask creates a project dir with a task file and a plan file.
func writeTask(t *testing.T, plan string) (dir, taskFile, planFile string) {
	t.Helper()
	dir = t.TempDir()
	taskFile = filepath.Join(t.TempDir(), "task.yaml")
	task := fmt.Sprintf("task_id: task-1\ntitle: Write notes\ndescription: Add a notes file\nproject_path: %q\n", dir)
	require.NoError(t, os.WriteFile(taskFile, []byte(task), 0644))
	planFile = filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, os.WriteFile(planFile, []byte(plan), 0644))
	return dir, taskFile, planFile
}

func TestImplementWithPreparedPlan(t *testing.T) {
	dir, taskFile, planFile := writeTask(t, notesPlan)

	out, err := execute(t, nil, "implement", taskFile, "--plan", planFile, "--yes", "--no-tests")
	require.NoError(t, err, out)

	data, err := os.ReadFile(filepath.Join(dir, "notes.md"))
	require.NoError(t, err)
	assert.Equal(t, "draft", string(data))
	assert.Contains(t, out, "Status: completed")

	_, err = os.Stat(filepath.Join(dir, config.StateDirName, "logs", "latest.log"))
	assert.NoError(t, err, "run log should be written")

	store, err := history.NewStore(filepath.Join(dir, config.StateDirName, "history.db"))
	require.NoError(t, err)
	runs, err := store.ListRuns(context.Background(), history.ListOptions{TaskID: "task-1"})
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunCompleted, runs[0].Status)

	out, err = execute(t, nil, "history", "--project", dir)
	require.NoError(t, err)
	assert.Contains(t, out, runs[0].RunID)
	assert.Contains(t, out, "completed")

	out, err = execute(t, nil, "history", runs[0].RunID, "--project", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Status:   completed")
	assert.Contains(t, out, "step-1 #1: completed")
	assert.Contains(t, out, "create notes.md")
}

func TestImplementDryRun(t *testing.T) {
	dir, taskFile, planFile := writeTask(t, notesPlan)

	out, err := execute(t, nil, "implement", taskFile, "--plan", planFile, "--yes", "--dry-run")
	require.NoError(t, err, out)

	_, err = os.Stat(filepath.Join(dir, "notes.md"))
	assert.True(t, os.IsNotExist(err))
}

func TestImplementFailingPlanReturnsError(t *testing.T) {
	plan := `{"steps": [
	  {"id": "step-1", "title": "Write notes", "type": "create_file", "target": "notes.md", "content": "draft"},
	  {"id": "step-2", "title": "Break", "type": "run_command", "target": "exit 3", "dependencies": ["step-1"]}
	]}`
	dir, taskFile, planFile := writeTask(t, plan)

	out, err := execute(t, nil, "implement", taskFile, "--plan", planFile, "--yes", "--no-tests", "--max-retries", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "implementation failed")
	assert.Contains(t, out, "Status: failed")

	_, statErr := os.Stat(filepath.Join(dir, "notes.md"))
	assert.True(t, os.IsNotExist(statErr), "created file should be rolled back")
}

func TestImplementReviewAnswers(t *testing.T) {
	tests := []struct {
		name        string
		answers     string
		wantErr     string
		wantCreated bool
	}{
		{name: "approve", answers: "y\n", wantCreated: true},
		{name: "reject", answers: "n\n"},
		{name: "blank lines then approve", answers: "\n\nyes\n", wantCreated: true},
		{name: "no answer", answers: "", wantErr: "no answer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, taskFile, planFile := writeTask(t, notesPlan)

			out, err := execute(t, strings.NewReader(tt.answers), "implement", taskFile, "--plan", planFile, "--no-tests")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				require.NoError(t, err, out)
			}
			assert.Contains(t, out, "Implementation plan")
			assert.Contains(t, out, "[step-1] create_file: Write notes")

			_, statErr := os.Stat(filepath.Join(dir, "notes.md"))
			assert.Equal(t, tt.wantCreated, statErr == nil)
		})
	}
}

func TestImplementReviewRequiresTerminal(t *testing.T) {
	dir, taskFile, planFile := writeTask(t, notesPlan)

	// A regular file is not a terminal
	stdin, err := os.Open(taskFile)
	require.NoError(t, err)
	defer stdin.Close()

	_, err = execute(t, stdin, "implement", taskFile, "--plan", planFile, "--no-tests")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")

	_, statErr := os.Stat(filepath.Join(dir, "notes.md"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestImplementInvalidTaskFile(t *testing.T) {
	taskFile := filepath.Join(t.TempDir(), "task.yaml")
	require.NoError(t, os.WriteFile(taskFile, []byte("title: no id\n"), 0644))

	_, err := execute(t, nil, "implement", taskFile, "--project", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task id is required")
}

func TestValidatePlanCommand(t *testing.T) {
	valid := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, os.WriteFile(valid, []byte(`{"steps": [
	  {"id": "b", "title": "Second", "type": "run_command", "target": "echo b", "dependencies": ["a"]},
	  {"id": "a", "title": "First", "type": "create_file", "target": "a.txt", "content": "a"}
	]}`), 0644))

	out, err := execute(t, nil, "validate-plan", valid)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
	assert.Less(t, strings.Index(out, "[a]"), strings.Index(out, "[b]"), "steps print in execution order")

	invalid := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, os.WriteFile(invalid, []byte(`{"steps": [
	  {"id": "a", "title": "First", "type": "create_file", "target": "a.txt", "dependencies": ["ghost-step"]}
	]}`), 0644))

	out, err = execute(t, nil, "validate-plan", invalid)
	require.Error(t, err)
	assert.Contains(t, out, `depends on unknown step "ghost-step"`)

	_, err = execute(t, nil, "validate-plan", filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestRollbackCommand(t *testing.T) {
	dir := t.TempDir()
	fs := fsys.NewOS()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("new"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("changed"), 0644))

	mgr := rollback.NewManager(fs, dir, config.StateDirName, "task-9", nil)
	require.NoError(t, mgr.Initialize())
	require.NoError(t, mgr.RecordChange(models.FileChange{Path: "a.txt", ChangeType: models.ChangeCreate, NewContent: models.StringPtr("new")}))
	require.NoError(t, mgr.RecordChange(models.FileChange{
		Path: "b.txt", ChangeType: models.ChangeModify,
		OriginalContent: models.StringPtr("original"), NewContent: models.StringPtr("changed"),
	}))

	out, err := execute(t, nil, "rollback", "--task", "task-9", "--project", dir, "--list")
	require.NoError(t, err)
	assert.Contains(t, out, "2 pending change(s)")
	assert.FileExists(t, filepath.Join(dir, "a.txt"))

	out, err = execute(t, nil, "rollback", "--task", "task-9", "--project", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Rolled back 2 change(s)")
	assert.NoFileExists(t, filepath.Join(dir, "a.txt"))
	data, err := os.ReadFile(filepath.Join(dir, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
	assert.NoDirExists(t, rollback.BackupDir(dir, config.StateDirName, "task-9"))

	out, err = execute(t, nil, "rollback", "--task", "task-9", "--project", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "No pending changes")
}

func TestRollbackCommandRequiresTask(t *testing.T) {
	_, err := execute(t, nil, "rollback", "--project", t.TempDir())
	require.Error(t, err)
}

func TestHistoryWithoutDatabase(t *testing.T) {
	_, err := execute(t, nil, "history", "--project", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no run history")
}

func TestRunError(t *testing.T) {
	assert.NoError(t, runError(models.ImplementationProgress{Status: models.RunCompleted}, nil))
	assert.NoError(t, runError(models.ImplementationProgress{Status: models.RunCancelled}, nil))

	// Interrupted while executing: the engine reports the cancellation cause
	cancelErr := models.NewImplementationError(models.CodeCancelled, "implementation cancelled", false, context.Canceled)
	assert.NoError(t, runError(models.ImplementationProgress{Status: models.RunCancelled}, cancelErr))

	err := runError(models.ImplementationProgress{
		Status: models.RunCancelled, CanRollback: true, Error: "implementation cancelled; rollback failed",
	}, cancelErr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "changes left to roll back")

	err = runError(models.ImplementationProgress{Status: models.RunFailedUnrecoverable, Error: "boom"}, nil)
	require.Error(t, err)
	assert.Equal(t, "implementation failed_unrecoverable: boom", err.Error())
}

func TestTeeLogger(t *testing.T) {
	var a, b bytes.Buffer
	tee := teeLogger{logger.NewConsoleLogger(&a, "info"), logger.NewConsoleLogger(&b, "info")}
	tee.Warnf("disk %s", "full")
	assert.Contains(t, a.String(), "disk full")
	assert.Contains(t, b.String(), "disk full")
}
