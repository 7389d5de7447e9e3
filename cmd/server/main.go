// Command server runs the funding finder: the HTTP API with its schedules,
// the document worker, and one-shot sync and task runs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/david/fundingfinder/internal/config"
	"github.com/david/fundingfinder/internal/logging"
)

type rootOptions struct {
	configFile   string
	registryFile string

	cfg config.Config
	log *zap.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "fundingfinder",
		Short: "Discovers, versions and scores public funding opportunities.",
		Long: `fundingfinder syncs grant and tender notices from public APIs, bulk
exports and listing pages into a versioned Postgres store, then fetches and
scores the documents of the ones worth a deeper look.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.log = logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.log != nil {
				_ = opts.log.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (YAML); env FUNDING_* overrides it")
	cmd.PersistentFlags().StringVar(&opts.registryFile, "registry", "", "source registry YAML (default: embedded)")

	cmd.AddCommand(
		newServeCmd(opts),
		newWorkerCmd(opts),
		newSyncCmd(opts),
		newTasksCmd(opts),
		newHashPasswordCmd(),
	)
	return cmd
}
