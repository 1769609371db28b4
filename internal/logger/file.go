package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harrison/aibuddy/internal/models"
)

// FileLogger writes a timestamped per-run log file plus one detail file per
// step attempt, and keeps a latest.log symlink pointing at the newest run.
type FileLogger struct {
	logDir   string
	runLog   *os.File
	runFile  string
	stepsDir string
	logLevel string
	mu       sync.Mutex
}

// NewFileLogger creates a FileLogger in logDir at the given level.
func NewFileLogger(logDir string, logLevel string) (*FileLogger, error) {
	stepsDir := filepath.Join(logDir, "steps")
	if err := os.MkdirAll(stepsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// run-YYYYMMDD-HHMMSS.log
	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s.log", time.Now().Format("20060102-150405")))
	file, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log file: %w", err)
	}

	symlinkPath := filepath.Join(logDir, "latest.log")
	if _, err := os.Lstat(symlinkPath); err == nil {
		if err := os.Remove(symlinkPath); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to remove old symlink: %w", err)
		}
	}
	if err := os.Symlink(filepath.Base(runFile), symlinkPath); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create symlink: %w", err)
	}

	fl := &FileLogger{
		logDir:   logDir,
		runLog:   file,
		runFile:  runFile,
		stepsDir: stepsDir,
		logLevel: normalizeLogLevel(logLevel),
	}
	fl.writeRunLog("=== AI Buddy Run Log ===\n")
	fl.writeRunLog(fmt.Sprintf("Started at: %s\n\n", time.Now().Format(time.RFC3339)))
	return fl, nil
}

// RunFile returns the path of the current run log.
func (fl *FileLogger) RunFile() string {
	return fl.runFile
}

func (fl *FileLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(fl.logLevel)
}

func (fl *FileLogger) Debugf(format string, args ...interface{}) {
	fl.logWithLevel("DEBUG", fmt.Sprintf(format, args...))
}

func (fl *FileLogger) Infof(format string, args ...interface{}) {
	fl.logWithLevel("INFO", fmt.Sprintf(format, args...))
}

func (fl *FileLogger) Warnf(format string, args ...interface{}) {
	fl.logWithLevel("WARN", fmt.Sprintf(format, args...))
}

func (fl *FileLogger) Errorf(format string, args ...interface{}) {
	fl.logWithLevel("ERROR", fmt.Sprintf(format, args...))
}

func (fl *FileLogger) logWithLevel(level string, message string) {
	if !fl.shouldLog(strings.ToLower(level)) {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] [%s] %s\n", timestamp(), level, message))
}

// OnEvent appends the event to the run log; step results also get a
// detail file under steps/.
func (fl *FileLogger) OnEvent(event models.ImplementationEvent) {
	switch event.Type {
	case models.EventLog:
		level := strings.ToUpper(event.Level)
		if level == "" {
			level = "INFO"
		}
		fl.logWithLevel(level, event.Message)
		return
	case models.EventError:
		fl.logWithLevel("ERROR", event.Message)
		return
	}

	if !fl.shouldLog("info") {
		return
	}

	line := fmt.Sprintf("[%s] [%s]", timestamp(), event.Type)
	if event.StepID != "" {
		line += " step=" + event.StepID
	}
	if event.Status != "" {
		line += " status=" + string(event.Status)
	}
	if event.Message != "" {
		line += " " + event.Message
	}
	fl.writeRunLog(line + "\n")

	if event.Result != nil && (event.Type == models.EventStepCompleted || event.Type == models.EventStepFailed) {
		if err := fl.writeStepLog(*event.Result); err != nil {
			fl.logWithLevel("WARN", fmt.Sprintf("failed to write step log: %v", err))
		}
	}
}

// OnProgress records terminal summaries only; intermediate snapshots are
// already covered by events.
func (fl *FileLogger) OnProgress(p models.ImplementationProgress) {
	if !p.Status.IsTerminal() || !fl.shouldLog("info") {
		return
	}

	ts := timestamp()
	fl.writeRunLog(fmt.Sprintf(
		"\n[%s] === RUN SUMMARY ===\n"+
			"[%s] Task:         %s\n"+
			"[%s] Status:       %s\n"+
			"[%s] Steps:        %d total, %d completed, %d failed\n"+
			"[%s] Error:        %s\n"+
			"[%s] Can rollback: %t\n",
		ts, ts, p.TaskID, ts, p.Status, ts, p.TotalSteps, p.CompletedSteps, p.FailedSteps,
		ts, p.Error, ts, p.CanRollback,
	))
}

// writeStepLog appends one attempt to steps/<stepId>.log.
func (fl *FileLogger) writeStepLog(result models.ExecutionResult) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	path := filepath.Join(fl.stepsDir, sanitizeFileName(result.StepID)+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open step log file: %w", err)
	}
	defer file.Close()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("=== Step %s, attempt %d: %s ===\n", result.StepID, result.Attempt, result.Status))
	sb.WriteString(fmt.Sprintf("Duration: %.1fs\n", result.Duration.Seconds()))
	for _, c := range result.Changes {
		sb.WriteString(fmt.Sprintf("Change: %s %s\n", c.ChangeType, c.Path))
	}
	for _, v := range result.Validations {
		verdict := "PASS"
		if !v.Passed {
			verdict = "FAIL"
		}
		sb.WriteString(fmt.Sprintf("Validation %s: %s %s\n", v.Rule.Type, verdict, v.Message))
	}
	if result.Output != "" {
		sb.WriteString(fmt.Sprintf("Output:\n%s\n", result.Output))
	}
	if result.Error != "" {
		sb.WriteString(fmt.Sprintf("Error:\n%s\n", result.Error))
	}
	sb.WriteString("\n")

	if _, err := file.WriteString(sb.String()); err != nil {
		return fmt.Errorf("failed to write step log: %w", err)
	}
	return nil
}

func (fl *FileLogger) writeRunLog(s string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.runLog != nil {
		fl.runLog.WriteString(s)
	}
}

// Close closes the run log file.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.runLog == nil {
		return nil
	}
	err := fl.runLog.Close()
	fl.runLog = nil
	return err
}

func sanitizeFileName(name string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")
	return r.Replace(name)
}
