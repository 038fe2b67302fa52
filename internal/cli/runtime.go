package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/iambrandonn/arbor/internal/config"
	"github.com/iambrandonn/arbor/internal/eventlog"
	"github.com/iambrandonn/arbor/internal/events"
	"github.com/iambrandonn/arbor/internal/llm"
	"github.com/iambrandonn/arbor/internal/oracle"
	"github.com/iambrandonn/arbor/internal/sandbox"
	"github.com/iambrandonn/arbor/internal/scheduler"
	"github.com/iambrandonn/arbor/internal/tools"
)

// loadConfig resolves and validates configuration and builds the logger
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, err
	}

	cfg, usedPath, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: level,
	}))
	if usedPath != "" {
		logger.Debug("loaded configuration", "path", usedPath)
	}
	return cfg, logger, nil
}

// runtime is a fully wired orchestrator plus everything it owns
type runtime struct {
	orch    *scheduler.Orchestrator
	metrics *prometheus.Registry
	logger  *slog.Logger
	closers []func() error
}

func buildRuntime(cfg *config.Config, logger *slog.Logger, sink events.Sink) (*runtime, error) {
	rt := &runtime{logger: logger, metrics: prometheus.NewRegistry()}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	orc, err := buildOracle(cfg, logger)
	if err != nil {
		return nil, err
	}

	sinks := events.Multi{sink}
	if cfg.EventLog != "" {
		evtLog, err := eventlog.NewEventLog(cfg.EventLog, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create event log: %w", err)
		}
		rt.closers = append(rt.closers, evtLog.Close)
		sinks = append(sinks, evtLog)
	}

	opts := scheduler.Options{
		MaxBlockingQuestions: cfg.Scheduler.MaxBlockingQuestions,
		MaxSubquestions:      cfg.Scheduler.MaxSubquestions,
		MaxIterations:        cfg.Scheduler.MaxIterations,
		MaxDepth:             cfg.Scheduler.MaxDepth,
		QueryTimeout:         time.Duration(cfg.Scheduler.QueryTimeoutS) * time.Second,
		RecentSnapshots:      cfg.Scheduler.RecentSnapshots,
	}
	if cfg.Sandbox.Enabled {
		sbx, cleanup, err := buildSandbox(cfg.Sandbox)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, cleanup)
		opts.Sandbox = sbx
	}

	orch, err := scheduler.New(opts, orc, sinks, logger)
	if err != nil {
		return nil, err
	}
	rt.orch = orch
	orch.SetMetrics(scheduler.MustNewMetrics(rt.metrics))
	orch.SetTools(tools.NewRegistry(logger, tools.NewWebFetch(&http.Client{Timeout: 30 * time.Second})))

	ok = true
	logger.Info("orchestrator ready",
		"provider", cfg.Oracle.Provider,
		"sandbox", cfg.Sandbox.Enabled,
		"event_log", cfg.EventLog)
	return rt, nil
}

func buildOracle(cfg *config.Config, logger *slog.Logger) (scheduler.Oracle, error) {
	switch cfg.Oracle.Provider {
	case config.ProviderEcho:
		return oracle.Echo{}, nil
	case config.ProviderAnthropic:
		model, err := llm.NewAnthropic(llm.AnthropicConfig{
			Model:      cfg.Oracle.Model,
			APIKey:     cfg.Oracle.APIKey,
			BaseURL:    cfg.Oracle.BaseURL,
			MaxTokens:  cfg.Oracle.MaxTokens,
			MaxRetries: -1,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create model client: %w", err)
		}
		return oracle.New(model, oracle.Options{
			MaxSubquestions: cfg.Scheduler.MaxSubquestions,
			ReplyMaxTokens:  cfg.Oracle.MaxTokens,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown oracle provider %q", cfg.Oracle.Provider)
	}
}

// buildSandbox resolves the interpreter command. Without an explicit cmd the
// bundled prelude is written to a private temp dir removed on close.
func buildSandbox(sc config.SandboxConfig) (*sandbox.Config, func() error, error) {
	cfg := &sandbox.Config{
		Command:     sc.Cmd,
		ScriptDir:   sc.ScriptDir,
		ExecTimeout: time.Duration(sc.ExecTimeoutS) * time.Second,
		StderrLimit: sc.StderrLimit,
	}
	if len(sc.Cmd) > 0 {
		return cfg, func() error { return nil }, nil
	}

	dir, err := os.MkdirTemp("", "arbor-sandbox-")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create sandbox dir: %w", err)
	}
	cmd, err := sandbox.PythonCommand(sc.Interpreter, dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, nil, err
	}
	cfg.Command = cmd
	return cfg, func() error { return os.RemoveAll(dir) }, nil
}

// Close stops every workflow, then releases owned resources
func (rt *runtime) Close() error {
	var errs []error
	if rt.orch != nil {
		errs = append(errs, rt.orch.Close())
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	return errors.Join(errs...)
}
