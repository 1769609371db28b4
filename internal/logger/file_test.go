package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harrison/aibuddy/internal/models"
)

func TestFileLoggerCreatesRunLogAndSymlink(t *testing.T) {
	logDir := filepath.Join(t.TempDir(), "logs")

	fl, err := NewFileLogger(logDir, "info")
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}
	defer fl.Close()

	base := filepath.Base(fl.RunFile())
	if !strings.HasPrefix(base, "run-") || !strings.HasSuffix(base, ".log") {
		t.Errorf("Expected run-YYYYMMDD-HHMMSS.log, got %s", base)
	}

	target, err := os.Readlink(filepath.Join(logDir, "latest.log"))
	if err != nil {
		t.Fatalf("Readlink(latest.log) error = %v", err)
	}
	if target != base {
		t.Errorf("latest.log -> %s, want %s", target, base)
	}

	if info, err := os.Stat(filepath.Join(logDir, "steps")); err != nil || !info.IsDir() {
		t.Errorf("Expected steps directory, err = %v", err)
	}
}

func TestFileLoggerReplacesSymlink(t *testing.T) {
	logDir := t.TempDir()

	first, err := NewFileLogger(logDir, "info")
	if err != nil {
		t.Fatalf("first NewFileLogger() error = %v", err)
	}
	first.Close()

	second, err := NewFileLogger(logDir, "info")
	if err != nil {
		t.Fatalf("second NewFileLogger() error = %v", err)
	}
	defer second.Close()

	target, err := os.Readlink(filepath.Join(logDir, "latest.log"))
	if err != nil {
		t.Fatalf("Readlink error = %v", err)
	}
	if target != filepath.Base(second.RunFile()) {
		t.Errorf("latest.log -> %s, want %s", target, filepath.Base(second.RunFile()))
	}
}

func TestFileLoggerWritesEventsAndStepDetail(t *testing.T) {
	logDir := t.TempDir()
	fl, err := NewFileLogger(logDir, "info")
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}

	fl.Debugf("hidden")
	fl.Infof("planning %s", "task-1")
	fl.OnEvent(models.ImplementationEvent{
		Type:   models.EventStepFailed,
		StepID: "step-1",
		Result: &models.ExecutionResult{
			StepID:   "step-1",
			Status:   models.StepFailed,
			Attempt:  2,
			Error:    "exit status 1",
			Duration: time.Second,
			Validations: []models.ValidationResult{
				{Rule: models.ValidationRule{Type: models.RuleSyntax}, Passed: false, Message: "unbalanced braces"},
			},
		},
	})
	fl.OnProgress(models.ImplementationProgress{TaskID: "task-1", Status: models.RunFailed, TotalSteps: 1, FailedSteps: 1})
	if err := fl.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	runLog, err := os.ReadFile(fl.RunFile())
	if err != nil {
		t.Fatalf("ReadFile(run log) error = %v", err)
	}
	out := string(runLog)
	if strings.Contains(out, "hidden") {
		t.Errorf("debug message should be filtered at info level")
	}
	for _, want := range []string{"[INFO] planning task-1", "[step_failed] step=step-1", "=== RUN SUMMARY ===", "Status:       failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected run log to contain %q\n%s", want, out)
		}
	}

	detail, err := os.ReadFile(filepath.Join(logDir, "steps", "step-1.log"))
	if err != nil {
		t.Fatalf("ReadFile(step log) error = %v", err)
	}
	for _, want := range []string{"attempt 2: failed", "Validation syntax: FAIL unbalanced braces", "exit status 1"} {
		if !strings.Contains(string(detail), want) {
			t.Errorf("Expected step log to contain %q\n%s", want, detail)
		}
	}
}

func TestFileLoggerCloseIdempotent(t *testing.T) {
	fl, err := NewFileLogger(t.TempDir(), "info")
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}
	if err := fl.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := fl.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	fl.Infof("after close is dropped")
}
