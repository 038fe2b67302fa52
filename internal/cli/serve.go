package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/arbor/internal/events"
	"github.com/iambrandonn/arbor/internal/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the orchestrator over HTTP with a websocket event stream",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "Override the listen address")
	cmd.Flags().String("provider", "", "Override the oracle provider (anthropic, echo)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if provider, _ := cmd.Flags().GetString("provider"); provider != "" {
		cfg.Oracle.Provider = provider
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	hub := events.NewHub(1024, logger)
	rt, err := buildRuntime(cfg, logger, hub)
	if err != nil {
		return err
	}
	defer rt.Close()

	srv := server.New(server.Config{
		Addr:                      cfg.Server.Addr,
		CancelQueriesOnDisconnect: cfg.Server.CancelQueriesOnDisconnect,
	}, rt.orch, hub, rt.metrics, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}
