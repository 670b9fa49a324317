// Package cmd provides the CLI commands for the memory search index.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/leon90dm/clawdbot/internal/config"
	"github.com/leon90dm/clawdbot/internal/logging"
	"github.com/leon90dm/clawdbot/pkg/memsearch"
)

var (
	configPath string
	debugMode  bool

	loggingCleanup func()
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clawdbot",
		Short: "Hybrid memory search index for agent workspaces",
		Long: `clawdbot maintains a persistent, incrementally-synced search index
over a workspace's memory files and answers natural-language queries by
fusing vector similarity with full-text ranking.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lcfg := logging.DefaultConfig()
			lcfg.Level = "warn"
			if debugMode {
				lcfg.Level = "debug"
			}
			logger, cleanup, err := logging.Setup(lcfg)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			loggingCleanup = cleanup
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if loggingCleanup != nil {
				loggingCleanup()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (required)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to stderr")
	_ = cmd.MarkPersistentFlagRequired("config")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newReadCmd())

	return cmd
}

// Execute runs the CLI.
func Execute() error {
	return NewRootCmd().Execute()
}

// openManager loads configuration and opens the manager.
func openManager(ctx context.Context) (*memsearch.Manager, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return memsearch.Open(ctx, cfg)
}

// interactive reports whether stdout is a terminal.
func interactive() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func printf(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format, args...)
}
