package cli

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// NewRootCommand builds the arbor command tree
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "arbor",
		Short: "Orchestrate trees of cooperating LLM agents",
		Long: `arbor runs a goal as a tree of agent tasks. Each task may ask the user
questions, fan out into subquestions, run scripts that fork further agents,
and summarize what its children found.

Running 'arbor <goal>' without a subcommand is equivalent to 'arbor run <goal>'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			envFile, err := cmd.Flags().GetString("env-file")
			if err != nil {
				return err
			}
			return loadDotEnv(envFile)
		},
	}

	runCmd := newRunCmd()
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newConfigCmd())

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}
		return runCmd.RunE(cmd, args)
	}
	addRunFlags(rootCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to arbor config file (default: ./arbor.json if present)")
	rootCmd.PersistentFlags().String("env-file", ".env", "Dotenv file loaded before configuration")
	rootCmd.PersistentFlags().String("log-level", "", "Override the configured log level")

	return rootCmd
}

// Execute runs the root command
func Execute() error {
	return NewRootCommand().Execute()
}

// loadDotEnv loads variables that are not already set; a missing file is fine
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}
