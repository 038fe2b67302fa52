package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDefault(t *testing.T) {
	cfg := GenerateDefault()

	assert.Equal(t, "1.0", cfg.Version)
	assert.Equal(t, "info", cfg.LogLevel)

	assert.Equal(t, 3, cfg.Scheduler.MaxBlockingQuestions)
	assert.Equal(t, 4, cfg.Scheduler.MaxSubquestions)
	assert.Equal(t, 8, cfg.Scheduler.MaxIterations)
	assert.Equal(t, 2, cfg.Scheduler.MaxDepth)
	assert.Zero(t, cfg.Scheduler.QueryTimeoutS)

	assert.True(t, cfg.Sandbox.Enabled)
	assert.Equal(t, "python3", cfg.Sandbox.Interpreter)
	assert.Equal(t, ProviderAnthropic, cfg.Oracle.Provider)
	assert.True(t, cfg.Server.CancelQueriesOnDisconnect)

	require.NoError(t, cfg.Validate())
}

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("ARBOR_ORACLE_API_KEY", "")
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())

	cfg, path, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, GenerateDefault(), cfg)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "arbor.json")

	cfg := GenerateDefault()
	cfg.Scheduler.MaxIterations = 12
	cfg.Sandbox.Cmd = []string{"node", "runner.js"}
	require.NoError(t, cfg.SaveToFile(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "arbor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  max_depth: 1\noracle:\n  provider: echo\n"), 0600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Scheduler.MaxDepth)
	assert.Equal(t, 8, cfg.Scheduler.MaxIterations)
	assert.Equal(t, ProviderEcho, cfg.Oracle.Provider)
	assert.Equal(t, 4096, cfg.Oracle.MaxTokens)
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())
	t.Setenv("ARBOR_SCHEDULER_MAX_ITERATIONS", "3")
	t.Setenv("ARBOR_LOG_LEVEL", "debug")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, _, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Scheduler.MaxIterations)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "sk-test", cfg.Oracle.APIKey)
}

func TestLoadPicksUpDefaultFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(DefaultFileName, []byte(`{"log_level": "warn"}`), 0600))

	cfg, path, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultFileName, path)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadFromFileErrors(t *testing.T) {
	_, err := LoadFromFile("")
	assert.Error(t, err)

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "failed to read config file")

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0600))
	_, err = LoadFromFile(bad)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"missing version", func(c *Config) { c.Version = "" }, "'version'"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "unsupported log level"},
		{"zero iterations", func(c *Config) { c.Scheduler.MaxIterations = 0 }, "scheduler.max_iterations"},
		{"zero subquestions", func(c *Config) { c.Scheduler.MaxSubquestions = 0 }, "scheduler.max_subquestions"},
		{"negative depth", func(c *Config) { c.Scheduler.MaxDepth = -1 }, "scheduler.max_depth"},
		{"negative timeout", func(c *Config) { c.Scheduler.QueryTimeoutS = -5 }, "query_timeout_s"},
		{"sandbox without command", func(c *Config) { c.Sandbox.Interpreter = "" }, "sandbox.interpreter"},
		{"unknown provider", func(c *Config) { c.Oracle.Provider = "gpt" }, "oracle.provider"},
		{"zero max tokens", func(c *Config) { c.Oracle.MaxTokens = 0 }, "oracle.max_tokens"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GenerateDefault()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
			assert.Contains(t, err.Error(), "configuration error")
		})
	}
}

func TestValidateAllowsDisabledSandbox(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Sandbox.Enabled = false
	cfg.Sandbox.Interpreter = ""
	assert.NoError(t, cfg.Validate())
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	} {
		got, err := ParseLogLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLogLevel("verbose")
	assert.Error(t, err)
}
