package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/iambrandonn/arbor/internal/fsutil"
)

// DefaultFileName is looked up in the working directory when no path is given
const DefaultFileName = "arbor.json"

const (
	ProviderAnthropic = "anthropic"
	ProviderEcho      = "echo"
)

// Config represents the arbor configuration file
type Config struct {
	Version   string          `json:"version" mapstructure:"version"`
	LogLevel  string          `json:"log_level" mapstructure:"log_level"`
	EventLog  string          `json:"event_log" mapstructure:"event_log"`
	Scheduler SchedulerConfig `json:"scheduler" mapstructure:"scheduler"`
	Sandbox   SandboxConfig   `json:"sandbox" mapstructure:"sandbox"`
	Oracle    OracleConfig    `json:"oracle" mapstructure:"oracle"`
	Server    ServerConfig    `json:"server" mapstructure:"server"`
}

// SchedulerConfig bounds the per-task algorithm
type SchedulerConfig struct {
	MaxBlockingQuestions int `json:"max_blocking_questions" mapstructure:"max_blocking_questions"`
	MaxSubquestions      int `json:"max_subquestions" mapstructure:"max_subquestions"`
	MaxIterations        int `json:"max_iterations" mapstructure:"max_iterations"`
	MaxDepth             int `json:"max_depth" mapstructure:"max_depth"`
	QueryTimeoutS        int `json:"query_timeout_s" mapstructure:"query_timeout_s"`
	RecentSnapshots      int `json:"recent_snapshots" mapstructure:"recent_snapshots"`
}

// SandboxConfig controls the script execution tool
type SandboxConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	// Interpreter runs scripts through the bundled Python prelude
	Interpreter string `json:"interpreter" mapstructure:"interpreter"`
	// Cmd replaces the prelude entirely; the script path is appended
	Cmd          []string `json:"cmd,omitempty" mapstructure:"cmd"`
	ScriptDir    string   `json:"script_dir,omitempty" mapstructure:"script_dir"`
	ExecTimeoutS int      `json:"exec_timeout_s" mapstructure:"exec_timeout_s"`
	StderrLimit  int      `json:"stderr_limit" mapstructure:"stderr_limit"`
}

// OracleConfig selects the decision model
type OracleConfig struct {
	Provider  string `json:"provider" mapstructure:"provider"`
	Model     string `json:"model" mapstructure:"model"`
	MaxTokens int    `json:"max_tokens" mapstructure:"max_tokens"`
	BaseURL   string `json:"base_url,omitempty" mapstructure:"base_url"`
	APIKey    string `json:"api_key,omitempty" mapstructure:"api_key"`
}

// ServerConfig controls `arbor serve`
type ServerConfig struct {
	Addr                      string `json:"addr" mapstructure:"addr"`
	CancelQueriesOnDisconnect bool   `json:"cancel_queries_on_disconnect" mapstructure:"cancel_queries_on_disconnect"`
}

// GenerateDefault creates a new Config with default values
func GenerateDefault() *Config {
	return &Config{
		Version:  "1.0",
		LogLevel: "info",
		EventLog: filepath.Join(".arbor", "events.ndjson"),
		Scheduler: SchedulerConfig{
			MaxBlockingQuestions: 3,
			MaxSubquestions:      4,
			MaxIterations:        8,
			MaxDepth:             2,
			QueryTimeoutS:        0,
			RecentSnapshots:      256,
		},
		Sandbox: SandboxConfig{
			Enabled:      true,
			Interpreter:  "python3",
			ExecTimeoutS: 120,
			StderrLimit:  50,
		},
		Oracle: OracleConfig{
			Provider:  ProviderAnthropic,
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
		Server: ServerConfig{
			Addr:                      "127.0.0.1:8420",
			CancelQueriesOnDisconnect: true,
		},
	}
}

// setDefaults registers every leaf key so env overrides apply to all of them
func setDefaults(v *viper.Viper) {
	d := GenerateDefault()
	v.SetDefault("version", d.Version)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("event_log", d.EventLog)

	v.SetDefault("scheduler.max_blocking_questions", d.Scheduler.MaxBlockingQuestions)
	v.SetDefault("scheduler.max_subquestions", d.Scheduler.MaxSubquestions)
	v.SetDefault("scheduler.max_iterations", d.Scheduler.MaxIterations)
	v.SetDefault("scheduler.max_depth", d.Scheduler.MaxDepth)
	v.SetDefault("scheduler.query_timeout_s", d.Scheduler.QueryTimeoutS)
	v.SetDefault("scheduler.recent_snapshots", d.Scheduler.RecentSnapshots)

	v.SetDefault("sandbox.enabled", d.Sandbox.Enabled)
	v.SetDefault("sandbox.interpreter", d.Sandbox.Interpreter)
	v.SetDefault("sandbox.script_dir", "")
	v.SetDefault("sandbox.exec_timeout_s", d.Sandbox.ExecTimeoutS)
	v.SetDefault("sandbox.stderr_limit", d.Sandbox.StderrLimit)

	v.SetDefault("oracle.provider", d.Oracle.Provider)
	v.SetDefault("oracle.model", d.Oracle.Model)
	v.SetDefault("oracle.max_tokens", d.Oracle.MaxTokens)
	v.SetDefault("oracle.base_url", "")
	v.SetDefault("oracle.api_key", "")

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.cancel_queries_on_disconnect", d.Server.CancelQueriesOnDisconnect)
}

// Load resolves configuration from defaults, an optional file and ARBOR_*
// environment variables, in increasing precedence. ANTHROPIC_API_KEY fills
// oracle.api_key. An empty path loads arbor.json from the working directory
// when it exists.
func Load(path string) (*Config, string, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		if _, err := os.Stat(DefaultFileName); err == nil {
			path = DefaultFileName
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, "", fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("ARBOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("oracle.api_key", "ARBOR_ORACLE_API_KEY", "ANTHROPIC_API_KEY"); err != nil {
		return nil, "", fmt.Errorf("failed to bind environment: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &cfg, path, nil
}

// LoadFromFile loads a configuration file, layering it over the defaults
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	cfg, _, err := Load(path)
	return cfg, err
}

// SaveToFile writes the configuration as JSON with 0600 permissions
func (c *Config) SaveToFile(path string) error {
	if err := fsutil.AtomicWriteJSON(path, c); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for errors and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  \"version\": \"1.0\"")
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("configuration error: %v\n\nHint: Use one of debug, info, warn, error", err)
	}

	s := c.Scheduler
	for name, val := range map[string]int{
		"max_blocking_questions": s.MaxBlockingQuestions,
		"max_subquestions":       s.MaxSubquestions,
		"max_iterations":         s.MaxIterations,
	} {
		if val < 1 {
			return fmt.Errorf("configuration error: invalid 'scheduler.%s' value: %d\n\nHint: Must be at least 1", name, val)
		}
	}
	if s.MaxDepth < 0 {
		return fmt.Errorf("configuration error: invalid 'scheduler.max_depth' value: %d\n\nHint: Use 0 to disable subquestions", s.MaxDepth)
	}
	if s.QueryTimeoutS < 0 {
		return fmt.Errorf("configuration error: invalid 'scheduler.query_timeout_s' value: %d\n\nHint: Use 0 to wait for answers indefinitely", s.QueryTimeoutS)
	}

	if c.Sandbox.Enabled && len(c.Sandbox.Cmd) == 0 && c.Sandbox.Interpreter == "" {
		return fmt.Errorf("configuration error: sandbox is enabled without 'sandbox.interpreter' or 'sandbox.cmd'\n\nHint: Set the interpreter:\n  \"sandbox\": {\n    \"interpreter\": \"python3\"\n  }")
	}
	if c.Sandbox.ExecTimeoutS < 0 {
		return fmt.Errorf("configuration error: invalid 'sandbox.exec_timeout_s' value: %d", c.Sandbox.ExecTimeoutS)
	}

	switch c.Oracle.Provider {
	case ProviderAnthropic, ProviderEcho:
	default:
		return fmt.Errorf("configuration error: unknown 'oracle.provider' %q\n\nHint: Use \"anthropic\", or \"echo\" for offline runs", c.Oracle.Provider)
	}
	if c.Oracle.MaxTokens < 1 {
		return fmt.Errorf("configuration error: invalid 'oracle.max_tokens' value: %d", c.Oracle.MaxTokens)
	}

	return nil
}

// ParseLogLevel maps a level name to a slog level
func ParseLogLevel(input string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
