package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/aibuddy/internal/fsys"
	"github.com/harrison/aibuddy/internal/models"
	"github.com/harrison/aibuddy/internal/oracle"
	"github.com/harrison/aibuddy/internal/process"
	"github.com/harrison/aibuddy/internal/rollback"
	"github.com/harrison/aibuddy/internal/validator"
)

// MockRunner answers commands with a canned result and records them.
type MockRunner struct {
	Respond  func(command string) (process.Result, error)
	Commands []string
	Timeouts []time.Duration
}

func (m *MockRunner) Run(ctx context.Context, command, cwd string, timeout time.Duration) (process.Result, error) {
	m.Commands = append(m.Commands, command)
	m.Timeouts = append(m.Timeouts, timeout)
	if m.Respond == nil {
		return process.Result{}, nil
	}
	return m.Respond(command)
}

// MockRecorder collects recorded changes.
type MockRecorder struct {
	Changes []models.FileChange
	Err     error
}

func (m *MockRecorder) RecordChange(change models.FileChange) error {
	m.Changes = append(m.Changes, change)
	return m.Err
}

type fixture struct {
	dir      string
	runner   *MockRunner
	recorder *MockRecorder
	prompts  []string
	exec     *StepExecutor
}

func newFixture(t *testing.T, cfg Config, oracleResponse string) *fixture {
	t.Helper()
	f := &fixture{dir: t.TempDir(), runner: &MockRunner{}, recorder: &MockRecorder{}}
	cfg.ProjectPath = f.dir
	o := oracle.Func(func(ctx context.Context, prompt string) (string, error) {
		f.prompts = append(f.prompts, prompt)
		return oracleResponse, nil
	})
	f.exec = New(cfg, o, f.runner, fsys.NewOS(), f.recorder, nil, nil)
	return f
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(f.dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func (f *fixture) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.dir, rel))
	require.NoError(t, err)
	return string(data)
}

func fileStep(id string, typ models.StepType, target string, content *string) models.ImplementationStep {
	return models.ImplementationStep{ID: id, Title: id, Type: typ, Target: target, Content: content}
}

func TestCreateFileLiteralContent(t *testing.T) {
	f := newFixture(t, Config{}, "")

	result, err := f.exec.Execute(context.Background(), fileStep("s1", models.StepCreateFile, "docs/notes.md", models.StringPtr("draft")), nil)
	require.NoError(t, err)

	assert.Equal(t, models.StepCompleted, result.Status)
	assert.Equal(t, "draft", f.read(t, "docs/notes.md"))
	require.Len(t, f.recorder.Changes, 1)
	assert.Equal(t, models.ChangeCreate, f.recorder.Changes[0].ChangeType)
	assert.Equal(t, filepath.Join("docs", "notes.md"), f.recorder.Changes[0].Path)
	assert.Equal(t, f.recorder.Changes, result.Changes)
	assert.Empty(t, f.prompts)
}

func TestCreateFileFromOracle(t *testing.T) {
	f := newFixture(t, Config{}, "Sure:\n```go\npackage util\n\nfunc Add(a, b int) int { return a + b }\n```\n")

	step := fileStep("s1", models.StepCreateFile, "util/add.go", nil)
	step.Description = "add helper"
	tc := &models.TaskContext{Title: "Math helpers", TechStack: []string{"go"}}

	_, err := f.exec.Execute(context.Background(), step, tc)
	require.NoError(t, err)

	assert.Equal(t, "package util\n\nfunc Add(a, b int) int { return a + b }\n", f.read(t, "util/add.go"))
	require.Len(t, f.prompts, 1)
	assert.Contains(t, f.prompts[0], "new file util/add.go")
	assert.Contains(t, f.prompts[0], "Math helpers")
	assert.Contains(t, f.prompts[0], "add helper")
}

func TestCreateFileAlreadyExists(t *testing.T) {
	f := newFixture(t, Config{}, "")
	f.write(t, "a.txt", "keep")

	result, err := f.exec.Execute(context.Background(), fileStep("s1", models.StepCreateFile, "a.txt", models.StringPtr("x")), nil)
	require.Error(t, err)

	ie, ok := models.AsImplementationError(err)
	require.True(t, ok)
	assert.Equal(t, models.CodeFileExists, ie.Code)
	assert.Equal(t, models.StepFailed, result.Status)
	assert.Equal(t, err.Error(), result.Error)
	assert.Equal(t, "keep", f.read(t, "a.txt"))
	assert.Empty(t, f.recorder.Changes)
}

func TestModifyFile(t *testing.T) {
	f := newFixture(t, Config{}, "```\nnew body\n```")
	f.write(t, "app.txt", "old body\n")

	_, err := f.exec.Execute(context.Background(), fileStep("s1", models.StepModifyFile, "app.txt", nil), &models.TaskContext{Title: "t"})
	require.NoError(t, err)

	assert.Equal(t, "new body\n", f.read(t, "app.txt"))
	require.Len(t, f.recorder.Changes, 1)
	change := f.recorder.Changes[0]
	assert.Equal(t, models.ChangeModify, change.ChangeType)
	assert.Equal(t, "old body\n", *change.OriginalContent)
	assert.Equal(t, "new body\n", *change.NewContent)
	assert.Contains(t, f.prompts[0], "old body")
}

func TestModifyFileMissing(t *testing.T) {
	f := newFixture(t, Config{}, "")

	_, err := f.exec.Execute(context.Background(), fileStep("s1", models.StepModifyFile, "nope.txt", models.StringPtr("x")), nil)
	ie, ok := models.AsImplementationError(err)
	require.True(t, ok)
	assert.Equal(t, models.CodeFileNotFound, ie.Code)
	assert.NoFileExists(t, filepath.Join(f.dir, "nope.txt"))
}

func TestDeleteFile(t *testing.T) {
	f := newFixture(t, Config{}, "")
	f.write(t, "old.txt", "bye")

	result, err := f.exec.Execute(context.Background(), fileStep("s1", models.StepDeleteFile, "old.txt", nil), nil)
	require.NoError(t, err)

	assert.Equal(t, models.StepCompleted, result.Status)
	assert.NoFileExists(t, filepath.Join(f.dir, "old.txt"))
	require.Len(t, f.recorder.Changes, 1)
	assert.Equal(t, "bye", *f.recorder.Changes[0].OriginalContent)
}

func TestDeleteFileAlreadyAbsent(t *testing.T) {
	f := newFixture(t, Config{}, "")

	result, err := f.exec.Execute(context.Background(), fileStep("s1", models.StepDeleteFile, "ghost.txt", nil), nil)
	require.NoError(t, err)

	assert.Equal(t, models.StepCompleted, result.Status)
	assert.Empty(t, result.Changes)
	assert.Empty(t, f.recorder.Changes)
}

func TestInvalidTargets(t *testing.T) {
	f := newFixture(t, Config{}, "")

	for _, target := range []string{"", "../escape.txt", "/etc/passwd", "."} {
		t.Run(target, func(t *testing.T) {
			_, err := f.exec.Execute(context.Background(), fileStep("s1", models.StepCreateFile, target, models.StringPtr("x")), nil)
			ie, ok := models.AsImplementationError(err)
			require.True(t, ok)
			assert.Equal(t, models.CodeInvalidTarget, ie.Code)
		})
	}
	assert.Empty(t, f.recorder.Changes)
}

func TestAbsoluteTargetInsideProject(t *testing.T) {
	f := newFixture(t, Config{}, "")

	_, err := f.exec.Execute(context.Background(), fileStep("s1", models.StepCreateFile, filepath.Join(f.dir, "inside.txt"), models.StringPtr("ok")), nil)
	require.NoError(t, err)
	assert.Equal(t, "inside.txt", f.recorder.Changes[0].Path)
}

func TestRunCommand(t *testing.T) {
	tests := []struct {
		name    string
		result  process.Result
		err     error
		wantErr bool
	}{
		{"success", process.Result{Stdout: "built"}, nil, false},
		{"non-zero exit", process.Result{Stderr: "boom", ExitCode: 1}, nil, true},
		{"timeout", process.Result{}, &process.TimeoutError{Command: "sleep 99", Timeout: time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{}, "")
			f.runner.Respond = func(string) (process.Result, error) { return tt.result, tt.err }

			step := models.ImplementationStep{ID: "cmd", Type: models.StepRunCommand, Target: "make build"}
			result, err := f.exec.Execute(context.Background(), step, nil)

			assert.Equal(t, []string{"make build"}, f.runner.Commands)
			assert.Equal(t, []time.Duration{DefaultCommandTimeout}, f.runner.Timeouts)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "built", result.Output)
				return
			}
			require.Error(t, err)
			ie, _ := models.AsImplementationError(err)
			assert.Equal(t, models.CodeCommandFailed, ie.Code)
			assert.Equal(t, models.StepFailed, result.Status)
		})
	}
}

func TestRunCommandCapturesOutputOnFailure(t *testing.T) {
	f := newFixture(t, Config{}, "")
	f.runner.Respond = func(string) (process.Result, error) {
		return process.Result{Stdout: "partial", Stderr: "fatal: nope", ExitCode: 2}, nil
	}

	result, err := f.exec.Execute(context.Background(), models.ImplementationStep{ID: "cmd", Type: models.StepRunCommand, Target: "exit 2"}, nil)
	require.Error(t, err)
	assert.Contains(t, result.Output, "partial")
	assert.Contains(t, result.Output, "fatal: nope")
	assert.Contains(t, result.Error, "exited with code 2")
}

func TestRunTest(t *testing.T) {
	tests := []struct {
		name    string
		stdout  string
		exit    int
		wantErr bool
	}{
		{"pass", "ok  \tgithub.com/x/y\t0.01s\n", 0, false},
		{"zero failed summary", "Tests: 3 passed, 0 failed\n", 0, false},
		{"non-zero exit", "", 1, true},
		{"FAIL marker", "--- FAIL: TestX (0.00s)\n", 0, true},
		{"failed count", "2 failed, 5 passed\n", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{DefaultTestCommand: "go test ./..."}, "")
			f.runner.Respond = func(string) (process.Result, error) {
				return process.Result{Stdout: tt.stdout, ExitCode: tt.exit}, nil
			}

			_, err := f.exec.Execute(context.Background(), models.ImplementationStep{ID: "t", Type: models.StepTest}, nil)
			assert.Equal(t, []string{"go test ./..."}, f.runner.Commands)
			assert.Equal(t, []time.Duration{DefaultTestTimeout}, f.runner.Timeouts)
			if tt.wantErr {
				ie, ok := models.AsImplementationError(err)
				require.True(t, ok)
				assert.Equal(t, models.CodeTestsFailed, ie.Code)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRunTestWithoutCommand(t *testing.T) {
	f := newFixture(t, Config{}, "")

	result, err := f.exec.Execute(context.Background(), models.ImplementationStep{ID: "t", Type: models.StepTest}, nil)
	require.NoError(t, err)
	assert.Contains(t, result.Output, "skipped")
	assert.Empty(t, f.runner.Commands)
}

func TestUnknownStepType(t *testing.T) {
	f := newFixture(t, Config{}, "")

	_, err := f.exec.Execute(context.Background(), models.ImplementationStep{ID: "x", Type: "rename_file"}, nil)
	ie, ok := models.AsImplementationError(err)
	require.True(t, ok)
	assert.Equal(t, models.CodeUnknownStepType, ie.Code)
}

func TestOracleFailure(t *testing.T) {
	dir := t.TempDir()
	o := oracle.Func(func(ctx context.Context, prompt string) (string, error) {
		return "", errors.New("rate limited")
	})
	exec := New(Config{ProjectPath: dir}, o, &MockRunner{}, fsys.NewOS(), nil, nil, nil)

	_, err := exec.Execute(context.Background(), fileStep("s1", models.StepCreateFile, "a.go", nil), nil)
	ie, ok := models.AsImplementationError(err)
	require.True(t, ok)
	assert.Equal(t, models.CodeOracleFailed, ie.Code)
	assert.Contains(t, err.Error(), "rate limited")
	assert.NoFileExists(t, filepath.Join(dir, "a.go"))
}

func TestDryRunHasNoSideEffects(t *testing.T) {
	f := newFixture(t, Config{DryRun: true, DefaultTestCommand: "npm test"}, "generated")
	f.write(t, "existing.txt", "same")

	steps := []models.ImplementationStep{
		fileStep("c", models.StepCreateFile, "new.txt", nil),
		fileStep("m", models.StepModifyFile, "existing.txt", nil),
		fileStep("d", models.StepDeleteFile, "existing.txt", nil),
		{ID: "r", Type: models.StepRunCommand, Target: "rm -rf build"},
		{ID: "t", Type: models.StepTest},
	}
	steps[0].Validation = []models.ValidationRule{{Type: models.RuleSyntax}}

	for _, step := range steps {
		result, err := f.exec.Execute(context.Background(), step, nil)
		require.NoError(t, err, step.ID)
		assert.Equal(t, models.StepCompleted, result.Status)
		assert.True(t, strings.HasPrefix(result.Output, "[DRY RUN]"), result.Output)
		assert.Empty(t, result.Changes)
		assert.Empty(t, result.Validations)
	}

	assert.NoFileExists(t, filepath.Join(f.dir, "new.txt"))
	assert.Equal(t, "same", f.read(t, "existing.txt"))
	assert.Empty(t, f.recorder.Changes)
	assert.Empty(t, f.runner.Commands)
	assert.Empty(t, f.prompts)
}

func TestValidationFailureFailsStep(t *testing.T) {
	dir := t.TempDir()
	v := validator.New(validator.Options{ProjectPath: dir}, fsys.NewOS(), &MockRunner{}, nil)
	exec := New(Config{ProjectPath: dir}, nil, &MockRunner{}, fsys.NewOS(), nil, v, nil)

	step := fileStep("s1", models.StepCreateFile, "broken.js", models.StringPtr("function f() {\n"))
	step.Validation = []models.ValidationRule{{Type: models.RuleSyntax}}

	result, err := exec.Execute(context.Background(), step, nil)
	require.Error(t, err)
	assert.True(t, models.IsValidationError(err))
	assert.Equal(t, models.StepFailed, result.Status)
	require.Len(t, result.Validations, 1)
	assert.False(t, result.Validations[0].Passed)
	require.Len(t, result.Changes, 1, "the write happened and stays recorded for rollback")
}

func TestValidationPassKeepsStepCompleted(t *testing.T) {
	dir := t.TempDir()
	v := validator.New(validator.Options{ProjectPath: dir}, fsys.NewOS(), &MockRunner{}, nil)
	exec := New(Config{ProjectPath: dir}, nil, &MockRunner{}, fsys.NewOS(), nil, v, nil)

	step := fileStep("s1", models.StepCreateFile, "ok.json", models.StringPtr(`{"a": 1}`))
	step.Validation = []models.ValidationRule{{Type: models.RuleSyntax}}

	result, err := exec.Execute(context.Background(), step, nil)
	require.NoError(t, err)
	require.Len(t, result.Validations, 1)
	assert.True(t, result.Validations[0].Passed)
}

func TestRecorderErrorIsNotFatal(t *testing.T) {
	f := newFixture(t, Config{}, "")
	f.recorder.Err = errors.New("disk full")

	result, err := f.exec.Execute(context.Background(), fileStep("s1", models.StepCreateFile, "a.txt", models.StringPtr("x")), nil)
	require.NoError(t, err)
	assert.Equal(t, models.StepCompleted, result.Status)
	assert.Len(t, f.recorder.Changes, 1)
}

func TestCreateThenRollbackLeavesPathAbsent(t *testing.T) {
	dir := t.TempDir()
	fs := fsys.NewOS()
	mgr := rollback.NewManager(fs, dir, ".ai-buddy", "task-rt", nil)
	require.NoError(t, mgr.Initialize())
	exec := New(Config{ProjectPath: dir}, nil, &MockRunner{}, fs, mgr, nil, nil)

	_, err := exec.Execute(context.Background(), fileStep("s1", models.StepCreateFile, "src/p.txt", models.StringPtr("C")), nil)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(dir, "src", "p.txt"))

	require.NoError(t, mgr.RollbackAll())
	assert.NoFileExists(t, filepath.Join(dir, "src", "p.txt"))
}

func TestModifyThenRollbackRestoresBytes(t *testing.T) {
	dir := t.TempDir()
	fs := fsys.NewOS()
	original := "line one\r\nline two\x00\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p.bin"), []byte(original), 0644))

	mgr := rollback.NewManager(fs, dir, ".ai-buddy", "task-rt", nil)
	require.NoError(t, mgr.Initialize())
	exec := New(Config{ProjectPath: dir}, nil, &MockRunner{}, fs, mgr, nil, nil)

	_, err := exec.Execute(context.Background(), fileStep("s1", models.StepModifyFile, "p.bin", models.StringPtr("N")), nil)
	require.NoError(t, err)

	require.NoError(t, mgr.RollbackAll())
	data, err := os.ReadFile(filepath.Join(dir, "p.bin"))
	require.NoError(t, err)
	assert.Equal(t, original, string(data))
}
