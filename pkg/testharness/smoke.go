package testharness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/iambrandonn/arbor/internal/config"
	"github.com/iambrandonn/arbor/internal/eventlog"
	"github.com/iambrandonn/arbor/internal/events"
)

// Scenario defines a deterministic end-to-end run of the arbor binary using
// the offline echo oracle
type Scenario struct {
	Name string
	Goal string
	// Stdin is fed to the run for answering questions
	Stdin string
	// Args are appended after the goal-independent flags
	Args []string
}

var (
	// ScenarioEcho runs one root task to completion
	ScenarioEcho = Scenario{
		Name: "echo",
		Goal: "what is 2+2",
		Args: []string{"--no-input"},
	}
	// ScenarioQuiet hides tokens but still records them in the event log
	ScenarioQuiet = Scenario{
		Name: "quiet",
		Goal: "summarize the plan",
		Args: []string{"--quiet", "--no-input"},
	}
)

// SmokeOptions configures RunSmoke.
type SmokeOptions struct {
	Scenario     Scenario
	ArborBinary  string
	SandboxCmd   []string
	WorkspaceDir string
	Env          map[string]string
}

// SmokeResult captures the outcome of a smoke scenario.
type SmokeResult struct {
	Scenario   Scenario
	Workspace  string
	Stdout     string
	Stderr     string
	RunErr     error
	Events     []events.Event
	ConfigPath string
}

// RunSmoke executes a scenario with the provided binary
func RunSmoke(ctx context.Context, opts SmokeOptions) (*SmokeResult, error) {
	if opts.ArborBinary == "" {
		return nil, fmt.Errorf("arbor binary path is required")
	}
	if strings.TrimSpace(opts.Scenario.Goal) == "" {
		return nil, fmt.Errorf("scenario goal is required")
	}

	workspace := opts.WorkspaceDir
	var err error
	if workspace == "" {
		workspace, err = os.MkdirTemp("", "arbor-smoke-")
		if err != nil {
			return nil, fmt.Errorf("failed to create workspace: %w", err)
		}
	} else if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	cfg := config.GenerateDefault()
	cfg.Oracle.Provider = config.ProviderEcho
	cfg.LogLevel = "warn"
	cfg.EventLog = filepath.Join(workspace, "events.ndjson")
	cfg.Sandbox.Enabled = len(opts.SandboxCmd) > 0
	cfg.Sandbox.Cmd = opts.SandboxCmd

	configPath := filepath.Join(workspace, "arbor-smoke.json")
	if err := cfg.SaveToFile(configPath); err != nil {
		return nil, err
	}

	stdOut := &bytes.Buffer{}
	stdErr := &bytes.Buffer{}

	args := append([]string{"run", "--config", configPath, "--env-file="}, opts.Scenario.Args...)
	args = append(args, opts.Scenario.Goal)
	cmd := exec.CommandContext(ctx, opts.ArborBinary, args...)
	cmd.Dir = workspace
	cmd.Stdin = strings.NewReader(opts.Scenario.Stdin)
	cmd.Stdout = stdOut
	cmd.Stderr = stdErr
	cmd.Env = mergeEnv(os.Environ(), opts.Env)

	runErr := cmd.Run()

	result := &SmokeResult{
		Scenario:   opts.Scenario,
		Workspace:  workspace,
		Stdout:     stdOut.String(),
		Stderr:     stdErr.String(),
		RunErr:     runErr,
		ConfigPath: configPath,
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if evts, err := eventlog.ReadAll(cfg.EventLog, logger); err == nil {
		result.Events = evts
	}

	return result, nil
}

// DetectRepoRoot locates the repository root by searching for go.mod.
func DetectRepoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found (starting from %s)", dir)
		}
		dir = parent
	}
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	result := append([]string{}, base...)
	for k, v := range overrides {
		result = setEnv(result, k, v)
	}
	return result
}
