package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/harrison/aibuddy/internal/config"
	"github.com/harrison/aibuddy/internal/engine"
	"github.com/harrison/aibuddy/internal/events"
	"github.com/harrison/aibuddy/internal/history"
	"github.com/harrison/aibuddy/internal/logger"
	"github.com/harrison/aibuddy/internal/metrics"
)

// teeLogger fans every message out to several loggers.
type teeLogger []logger.Logger

func (t teeLogger) Debugf(format string, args ...interface{}) {
	for _, l := range t {
		l.Debugf(format, args...)
	}
}

func (t teeLogger) Infof(format string, args ...interface{}) {
	for _, l := range t {
		l.Infof(format, args...)
	}
}

func (t teeLogger) Warnf(format string, args ...interface{}) {
	for _, l := range t {
		l.Warnf(format, args...)
	}
}

func (t teeLogger) Errorf(format string, args ...interface{}) {
	for _, l := range t {
		l.Errorf(format, args...)
	}
}

// session holds the loggers and optional sinks of one CLI run.
type session struct {
	log       logger.Logger
	observers []engine.Observer
	history   *history.Store
	closers   []func()
}

// openSession wires logging, history, metrics and events from cfg.
// Optional sinks that fail to start are reported and skipped.
func openSession(ctx context.Context, cfg *config.Config, projectPath string, out io.Writer) *session {
	console := logger.NewConsoleLogger(out, cfg.LogLevel)
	s := &session{log: console, observers: []engine.Observer{console}}

	fileLog, err := logger.NewFileLogger(config.ResolvePath(projectPath, cfg.LogDir), cfg.LogLevel)
	if err != nil {
		console.Warnf("File logging disabled: %v", err)
	} else {
		s.log = teeLogger{console, fileLog}
		s.observers = append(s.observers, fileLog)
		s.closers = append(s.closers, func() { fileLog.Close() })
	}

	if cfg.History.Enabled {
		store, err := history.NewStore(config.ResolvePath(projectPath, cfg.History.DBPath))
		if err != nil {
			s.log.Warnf("Run history disabled: %v", err)
		} else {
			s.history = store
			s.closers = append(s.closers, func() { store.Close() })
		}
	}

	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		s.observers = append(s.observers, metrics.NewObserver(registry))
		metricsCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := metrics.Serve(metricsCtx, cfg.Metrics.ListenAddr, registry); err != nil {
				s.log.Warnf("Metrics endpoint stopped: %v", err)
			}
		}()
		s.closers = append(s.closers, func() {
			cancel()
			<-done
		})
		s.log.Debugf("Serving metrics on %s/metrics", cfg.Metrics.ListenAddr)
	}

	if cfg.Events.NATSURL != "" {
		sink, err := events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, s.log)
		if err != nil {
			s.log.Warnf("Event publishing disabled: %v", err)
		} else {
			s.observers = append(s.observers, sink)
			s.closers = append(s.closers, func() { sink.Close() })
		}
	}

	return s
}

// recorder returns the history store as an engine recorder, or nil.
func (s *session) recorder() engine.HistoryRecorder {
	if s.history == nil {
		return nil
	}
	return s.history
}

// Close releases sinks in reverse order of creation.
func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// loadConfig reads --config when given, else <projectPath>/.ai-buddy/config.yaml.
func loadConfig(cmd *cobra.Command, projectPath string) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath != "" {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadConfigFromDir(projectPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// resolveProject returns the absolute project path: the --project flag,
// then fallback, then the working directory.
func resolveProject(cmd *cobra.Command, fallback string) (string, error) {
	projectPath, _ := cmd.Flags().GetString("project")
	if projectPath == "" {
		projectPath = fallback
	}
	if projectPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to determine working directory: %w", err)
		}
		projectPath = wd
	}
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return "", fmt.Errorf("invalid project path %q: %w", projectPath, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("failed to access project path: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("project path %s is not a directory", abs)
	}
	return abs, nil
}

// openHistory opens the configured history store for read commands.
func openHistory(cfg *config.Config, projectPath string) (*history.Store, error) {
	path := config.ResolvePath(projectPath, cfg.History.DBPath)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no run history at %s", path)
	}
	return history.NewStore(path)
}
