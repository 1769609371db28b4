package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harrison/aibuddy/internal/engine"
	"github.com/harrison/aibuddy/internal/project"
)

// StateDirName is the per-project directory holding config, logs, backups and the lock.
const StateDirName = ".ai-buddy"

// OracleConfig configures the Claude CLI oracle
type OracleConfig struct {
	// ClaudePath is the claude executable name or path
	ClaudePath string `yaml:"claude_path"`

	// Model is passed through to the CLI when non-empty
	Model string `yaml:"model"`
}

// ToolingConfig overrides detected project commands
type ToolingConfig struct {
	TestCommand      string `yaml:"test_command"`
	LintCommand      string `yaml:"lint_command"`
	TypeCheckCommand string `yaml:"type_check_command"`
}

// HistoryConfig configures the run-history database
type HistoryConfig struct {
	// Enabled records finished runs to sqlite
	Enabled bool `yaml:"enabled"`

	// DBPath is relative to the project root unless absolute
	DBPath string `yaml:"db_path"`
}

// EventsConfig configures the NATS event sink
type EventsConfig struct {
	// NATSURL enables publishing when non-empty
	NATSURL string `yaml:"nats_url"`

	// SubjectPrefix is the first subject token
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsConfig configures the prometheus endpoint
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Config represents aibuddy configuration options
type Config struct {
	// AutoApprove executes the plan without a review pause
	AutoApprove bool `yaml:"auto_approve"`

	// DryRun reports what each step would do without mutating anything
	DryRun bool `yaml:"dry_run"`

	// MaxRetries is the number of re-attempts after a step's first failure
	MaxRetries int `yaml:"max_retries"`

	// RunTests runs the project test command after all steps succeed
	RunTests bool `yaml:"run_tests"`

	// AutoCommit commits the working tree after a completed run
	AutoCommit bool `yaml:"auto_commit"`

	// Snapshot creates a git ref at HEAD before the first mutation
	Snapshot bool `yaml:"snapshot"`

	// LockProject serializes runs on the same project path
	LockProject bool `yaml:"lock_project"`

	// LogLevel sets the logging verbosity (trace, debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// LogDir is the directory where run logs will be written
	LogDir string `yaml:"log_dir"`

	CommandTimeout time.Duration `yaml:"command_timeout"`
	TestTimeout    time.Duration `yaml:"test_timeout"`
	OracleTimeout  time.Duration `yaml:"oracle_timeout"`

	Oracle  OracleConfig  `yaml:"oracle"`
	Tooling ToolingConfig `yaml:"tooling"`
	History HistoryConfig `yaml:"history"`
	Events  EventsConfig  `yaml:"events"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		AutoApprove:    false,
		DryRun:         false,
		MaxRetries:     1,
		RunTests:       true,
		AutoCommit:     false,
		Snapshot:       true,
		LockProject:    true,
		LogLevel:       "info",
		LogDir:         filepath.Join(StateDirName, "logs"),
		CommandTimeout: 60 * time.Second,
		TestTimeout:    120 * time.Second,
		OracleTimeout:  5 * time.Minute,
		Oracle: OracleConfig{
			ClaudePath: "claude",
		},
		History: HistoryConfig{
			Enabled: true,
			DBPath:  filepath.Join(StateDirName, "history.db"),
		},
		Events: EventsConfig{
			SubjectPrefix: "aibuddy",
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: ":9464",
		},
	}
}

// LoadConfig loads configuration from the specified file path
// If the file doesn't exist, returns default configuration without error
// If the file exists but is malformed, returns an error
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Durations are strings in YAML; pointers detect explicitly set booleans
	type yamlConfig struct {
		AutoApprove    *bool         `yaml:"auto_approve"`
		DryRun         *bool         `yaml:"dry_run"`
		MaxRetries     *int          `yaml:"max_retries"`
		RunTests       *bool         `yaml:"run_tests"`
		AutoCommit     *bool         `yaml:"auto_commit"`
		Snapshot       *bool         `yaml:"snapshot"`
		LockProject    *bool         `yaml:"lock_project"`
		LogLevel       string        `yaml:"log_level"`
		LogDir         string        `yaml:"log_dir"`
		CommandTimeout string        `yaml:"command_timeout"`
		TestTimeout    string        `yaml:"test_timeout"`
		OracleTimeout  string        `yaml:"oracle_timeout"`
		Oracle         OracleConfig  `yaml:"oracle"`
		Tooling        ToolingConfig `yaml:"tooling"`
		History        HistoryConfig `yaml:"history"`
		Events         EventsConfig  `yaml:"events"`
		Metrics        MetricsConfig `yaml:"metrics"`
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setBool(&cfg.AutoApprove, yamlCfg.AutoApprove)
	setBool(&cfg.DryRun, yamlCfg.DryRun)
	setBool(&cfg.RunTests, yamlCfg.RunTests)
	setBool(&cfg.AutoCommit, yamlCfg.AutoCommit)
	setBool(&cfg.Snapshot, yamlCfg.Snapshot)
	setBool(&cfg.LockProject, yamlCfg.LockProject)
	if yamlCfg.MaxRetries != nil {
		cfg.MaxRetries = *yamlCfg.MaxRetries
	}
	if yamlCfg.LogLevel != "" {
		cfg.LogLevel = yamlCfg.LogLevel
	}
	if yamlCfg.LogDir != "" {
		cfg.LogDir = yamlCfg.LogDir
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"command_timeout", yamlCfg.CommandTimeout, &cfg.CommandTimeout},
		{"test_timeout", yamlCfg.TestTimeout, &cfg.TestTimeout},
		{"oracle_timeout", yamlCfg.OracleTimeout, &cfg.OracleTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s format %q: %w", d.key, d.raw, err)
		}
		*d.dst = parsed
	}

	if yamlCfg.Oracle.ClaudePath != "" {
		cfg.Oracle.ClaudePath = yamlCfg.Oracle.ClaudePath
	}
	if yamlCfg.Oracle.Model != "" {
		cfg.Oracle.Model = yamlCfg.Oracle.Model
	}
	cfg.Tooling = yamlCfg.Tooling

	// Nested sections need presence checks so an explicit false survives the merge
	var rawMap map[string]interface{}
	if err := yaml.Unmarshal(data, &rawMap); err == nil {
		if section, ok := rawMap["history"].(map[string]interface{}); ok {
			if _, exists := section["enabled"]; exists {
				cfg.History.Enabled = yamlCfg.History.Enabled
			}
			if _, exists := section["db_path"]; exists {
				cfg.History.DBPath = yamlCfg.History.DBPath
			}
		}
		if section, ok := rawMap["events"].(map[string]interface{}); ok {
			if _, exists := section["nats_url"]; exists {
				cfg.Events.NATSURL = yamlCfg.Events.NATSURL
			}
			if _, exists := section["subject_prefix"]; exists {
				cfg.Events.SubjectPrefix = yamlCfg.Events.SubjectPrefix
			}
		}
		if section, ok := rawMap["metrics"].(map[string]interface{}); ok {
			if _, exists := section["enabled"]; exists {
				cfg.Metrics.Enabled = yamlCfg.Metrics.Enabled
			}
			if _, exists := section["listen_addr"]; exists {
				cfg.Metrics.ListenAddr = yamlCfg.Metrics.ListenAddr
			}
		}
	}

	return cfg, nil
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

// LoadConfigFromDir loads configuration from .ai-buddy/config.yaml in the specified directory
// If the directory or file doesn't exist, returns default configuration without error
func LoadConfigFromDir(dir string) (*Config, error) {
	return LoadConfig(filepath.Join(dir, StateDirName, "config.yaml"))
}

// FlagOverrides carries CLI flag values; nil fields were not set on the command line.
type FlagOverrides struct {
	AutoApprove *bool
	DryRun      *bool
	MaxRetries  *int
	RunTests    *bool
	AutoCommit  *bool
	LogLevel    *string
	LogDir      *string
	NATSURL     *string
}

// MergeWithFlags merges CLI flags into the configuration
// Non-nil flag values override configuration values
func (c *Config) MergeWithFlags(f FlagOverrides) {
	setBool(&c.AutoApprove, f.AutoApprove)
	setBool(&c.DryRun, f.DryRun)
	setBool(&c.RunTests, f.RunTests)
	setBool(&c.AutoCommit, f.AutoCommit)
	if f.MaxRetries != nil {
		c.MaxRetries = *f.MaxRetries
	}
	if f.LogLevel != nil {
		c.LogLevel = *f.LogLevel
	}
	if f.LogDir != nil {
		c.LogDir = *f.LogDir
	}
	if f.NATSURL != nil {
		c.Events.NATSURL = *f.NATSURL
	}
}

// Validate validates the configuration values
// Returns an error if any values are invalid
func (c *Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	}

	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}

	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command_timeout must be > 0, got %v", c.CommandTimeout)
	}
	if c.TestTimeout <= 0 {
		return fmt.Errorf("test_timeout must be > 0, got %v", c.TestTimeout)
	}
	if c.OracleTimeout < 0 {
		return fmt.Errorf("oracle_timeout must be >= 0, got %v", c.OracleTimeout)
	}

	if c.History.Enabled && c.History.DBPath == "" {
		return fmt.Errorf("history.db_path cannot be empty when history is enabled")
	}
	if c.Events.NATSURL != "" && c.Events.SubjectPrefix == "" {
		return fmt.Errorf("events.subject_prefix cannot be empty when events.nats_url is set")
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr cannot be empty when metrics are enabled")
	}

	return nil
}

// ResolvePath resolves a config path against the project root unless it is absolute.
func ResolvePath(projectPath, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(projectPath, p)
}

// EngineOptions converts the configuration into engine options.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		AutoApprove:    c.AutoApprove,
		DryRun:         c.DryRun,
		MaxRetries:     c.MaxRetries,
		RunTests:       c.RunTests,
		AutoCommit:     c.AutoCommit,
		Snapshot:       c.Snapshot,
		LockProject:    c.LockProject,
		CommandTimeout: c.CommandTimeout,
		TestTimeout:    c.TestTimeout,
		StateDir:       StateDirName,
		Tooling: project.Tooling{
			TestCommand:      c.Tooling.TestCommand,
			LintCommand:      c.Tooling.LintCommand,
			TypeCheckCommand: c.Tooling.TypeCheckCommand,
		},
	}
}
