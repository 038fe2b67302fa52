package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/arbor/internal/config"
	"github.com/iambrandonn/arbor/internal/events"
	"github.com/iambrandonn/arbor/internal/task"
	"github.com/iambrandonn/arbor/internal/transcript"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Run one goal locally with a console transcript",
		Long: `Run a goal as a workflow of agent tasks. Progress streams to stderr;
questions from agents are answered on stdin (an empty line declines).
The root task's final answer is printed to stdout.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runRun,
	}
	addRunFlags(cmd)
	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("provider", "", "Override the oracle provider (anthropic, echo)")
	cmd.Flags().Bool("no-sandbox", false, "Disable the script execution tool")
	cmd.Flags().Bool("no-input", false, "Decline every question instead of reading stdin")
	cmd.Flags().BoolP("quiet", "q", false, "Hide streamed output tokens")
	cmd.Flags().String("event-log", "", "Override the event log path")
}

func runRun(cmd *cobra.Command, args []string) error {
	goal := strings.TrimSpace(strings.Join(args, " "))
	if goal == "" {
		return fmt.Errorf("a goal is required")
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, cfg); err != nil {
		return err
	}

	noInput, _ := cmd.Flags().GetBool("no-input")
	quiet, _ := cmd.Flags().GetBool("quiet")

	printer := transcript.NewPrinter(cmd.ErrOrStderr(), !quiet)
	prompt := newPrompter(cmd.InOrStdin(), cmd.ErrOrStderr(), noInput, logger)

	rt, err := buildRuntime(cfg, logger, events.Multi{printer, prompt})
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, err := rt.orch.Start(ctx, goal)
	if err != nil {
		return fmt.Errorf("failed to start workflow: %w", err)
	}

	promptCtx, cancelPrompt := context.WithCancel(ctx)
	defer cancelPrompt()
	go prompt.loop(promptCtx, rt.orch)

	out, err := rt.orch.Wait(ctx, id)
	printer.Flush()
	if err != nil {
		return fmt.Errorf("workflow interrupted: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), out.Result)
	if out.Status != task.StatusCompleted {
		return fmt.Errorf("workflow %s ended with status %s", id, out.Status)
	}
	return nil
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	if provider, _ := cmd.Flags().GetString("provider"); provider != "" {
		cfg.Oracle.Provider = provider
	}
	if noSandbox, _ := cmd.Flags().GetBool("no-sandbox"); noSandbox {
		cfg.Sandbox.Enabled = false
	}
	if path, _ := cmd.Flags().GetString("event-log"); path != "" {
		cfg.EventLog = path
	}
	return cfg.Validate()
}
