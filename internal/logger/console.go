// Package logger provides logging implementations for implementation runs.
//
// ConsoleLogger and FileLogger are both leveled loggers and engine observers:
// they render step events and progress snapshots as they are published.
// Implementations are safe for concurrent use.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/harrison/aibuddy/internal/models"
)

// ConsoleLogger logs run progress to a writer with [HH:MM:SS] timestamps.
// Color output is enabled automatically for terminal output (os.Stdout/os.Stderr).
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool

	// last progress counters rendered, so repeated snapshots don't reprint the bar
	lastDone   int
	lastStatus models.RunStatus
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided io.Writer.
// If writer is nil, messages are silently discarded.
// If logLevel is empty or invalid, defaults to "info".
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
		lastDone:    -1,
	}
}

// isTerminal checks if the writer is a terminal that supports colors.
func isTerminal(w io.Writer) bool {
	if w == nil {
		return false
	}
	if w == os.Stdout || w == os.Stderr {
		// Respects NO_COLOR and non-TTY output
		return !color.NoColor
	}
	return false
}

// shouldLog checks if a message at the given level should be logged.
func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(cl.logLevel)
}

// Tracef logs a trace-level message (most verbose).
func (cl *ConsoleLogger) Tracef(format string, args ...interface{}) {
	cl.logWithLevel("TRACE", fmt.Sprintf(format, args...))
}

// Debugf logs a debug-level message.
func (cl *ConsoleLogger) Debugf(format string, args ...interface{}) {
	cl.logWithLevel("DEBUG", fmt.Sprintf(format, args...))
}

// Infof logs an info-level message.
func (cl *ConsoleLogger) Infof(format string, args ...interface{}) {
	cl.logWithLevel("INFO", fmt.Sprintf(format, args...))
}

// Warnf logs a warning-level message.
func (cl *ConsoleLogger) Warnf(format string, args ...interface{}) {
	cl.logWithLevel("WARN", fmt.Sprintf(format, args...))
}

// Errorf logs an error-level message.
func (cl *ConsoleLogger) Errorf(format string, args ...interface{}) {
	cl.logWithLevel("ERROR", fmt.Sprintf(format, args...))
}

func (cl *ConsoleLogger) logWithLevel(level string, message string) {
	if cl.writer == nil {
		return
	}
	if !cl.shouldLog(strings.ToLower(level)) {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	cl.write(fmt.Sprintf("[%s] [%s] %s\n", timestamp(), cl.colorLevel(level), message))
}

func (cl *ConsoleLogger) colorLevel(level string) string {
	if !cl.colorOutput {
		return level
	}
	switch level {
	case "TRACE":
		return color.New(color.FgHiBlack).Sprint(level)
	case "DEBUG":
		return color.New(color.FgCyan).Sprint(level)
	case "INFO":
		return color.New(color.FgBlue).Sprint(level)
	case "WARN":
		return color.New(color.FgYellow).Sprint(level)
	case "ERROR":
		return color.New(color.FgRed).Sprint(level)
	default:
		return level
	}
}

// write must be called with the mutex held.
func (cl *ConsoleLogger) write(s string) {
	cl.writer.Write([]byte(s))
}

// OnEvent renders a discrete engine event.
// Step lifecycle events are INFO, log events use their own level.
func (cl *ConsoleLogger) OnEvent(event models.ImplementationEvent) {
	if cl.writer == nil {
		return
	}

	switch event.Type {
	case models.EventLog:
		level := strings.ToUpper(event.Level)
		if level == "" {
			level = "INFO"
		}
		cl.logWithLevel(level, event.Message)
		return
	case models.EventError:
		cl.logWithLevel("ERROR", event.Message)
		return
	}

	if !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	switch event.Type {
	case models.EventStatusChange:
		status := string(event.Status)
		if cl.colorOutput {
			status = color.New(color.Bold).Sprint(status)
		}
		cl.write(fmt.Sprintf("[%s] Status: %s\n", ts, status))
	case models.EventPlanGenerated:
		cl.write(fmt.Sprintf("[%s] %s\n", ts, event.Message))
	case models.EventStepStarted:
		cl.write(fmt.Sprintf("[%s] Step %s (%s): started\n", ts, event.StepID, event.StepType))
	case models.EventStepCompleted, models.EventStepFailed:
		cl.write(fmt.Sprintf("[%s] Step %s: %s%s\n", ts, event.StepID, cl.colorStepStatus(event), durationSuffix(event.Result)))
		if event.Type == models.EventStepFailed && event.Result != nil && event.Result.Error != "" {
			cl.write(fmt.Sprintf("[%s]   error: %s\n", ts, event.Result.Error))
		}
	case models.EventValidationStarted:
		cl.write(fmt.Sprintf("[%s] Running final validation\n", ts))
	case models.EventValidationCompleted:
		cl.write(fmt.Sprintf("[%s] Final validation: %s\n", ts, event.Message))
	}
}

func (cl *ConsoleLogger) colorStepStatus(event models.ImplementationEvent) string {
	status := "completed"
	if event.Result != nil {
		status = string(event.Result.Status)
	}
	if event.Type == models.EventStepFailed {
		status = string(models.StepFailed)
	}
	if !cl.colorOutput {
		return status
	}
	switch models.StepStatus(status) {
	case models.StepCompleted:
		return color.New(color.FgGreen).Sprint(status)
	case models.StepFailed:
		return color.New(color.FgRed).Sprint(status)
	case models.StepSkipped:
		return color.New(color.FgYellow).Sprint(status)
	default:
		return status
	}
}

func durationSuffix(result *models.ExecutionResult) string {
	if result == nil || result.Duration <= 0 {
		return ""
	}
	return fmt.Sprintf(" (%s)", formatDuration(result.Duration))
}

// OnProgress renders a progress bar when the step counters advance and a
// summary when the run reaches a terminal status.
func (cl *ConsoleLogger) OnProgress(p models.ImplementationProgress) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	done := p.CompletedSteps + p.FailedSteps
	if p.Status == models.RunExecuting && done != cl.lastDone && p.TotalSteps > 0 {
		cl.lastDone = done
		pb := NewProgressBar(p.TotalSteps, 10, cl.colorOutput)
		pb.Update(done)
		cl.write(fmt.Sprintf("[%s] Progress: %s\n", timestamp(), pb.Render()))
	}

	if p.Status.IsTerminal() && p.Status != cl.lastStatus {
		cl.writeSummary(p)
	}
	cl.lastStatus = p.Status
}

// writeSummary must be called with the mutex held.
func (cl *ConsoleLogger) writeSummary(p models.ImplementationProgress) {
	ts := timestamp()
	header := "=== Implementation Summary ==="
	status := string(p.Status)
	if cl.colorOutput {
		header = color.New(color.Bold).Sprint(header)
		if p.Status == models.RunCompleted {
			status = color.New(color.FgGreen).Sprint(status)
		} else {
			status = color.New(color.FgRed).Sprint(status)
		}
	}

	out := fmt.Sprintf("[%s] %s\n", ts, header)
	out += fmt.Sprintf("[%s] Task: %s\n", ts, p.TaskID)
	out += fmt.Sprintf("[%s] Status: %s\n", ts, status)
	out += fmt.Sprintf("[%s] Steps: %d total, %d completed, %d failed\n", ts, p.TotalSteps, p.CompletedSteps, p.FailedSteps)
	if p.Error != "" {
		out += fmt.Sprintf("[%s] Error: %s\n", ts, p.Error)
	}
	if p.CanRollback {
		out += fmt.Sprintf("[%s] Unreversed changes remain; run `aibuddy rollback --task %s`\n", ts, p.TaskID)
	}
	cl.write(out)
}

// timestamp returns the current time formatted as "15:04:05" (HH:MM:SS).
func timestamp() string {
	return time.Now().Format("15:04:05")
}

// formatDuration converts a time.Duration to a human-readable string.
// Examples: "250ms", "5s", "1m30s", "2h15m"
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		hours := d / time.Hour
		minutes := (d % time.Hour) / time.Minute
		if minutes == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		return fmt.Sprintf("%dh%dm", hours, minutes)
	case d >= time.Minute:
		minutes := d / time.Minute
		seconds := (d % time.Minute) / time.Second
		if seconds == 0 {
			return fmt.Sprintf("%dm", minutes)
		}
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	case d >= time.Second:
		return fmt.Sprintf("%ds", int64(d.Seconds()))
	default:
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
}
