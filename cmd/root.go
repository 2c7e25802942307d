package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-engine/internal/app"
	"github.com/JakeFAU/harvest-engine/internal/config"
	"github.com/JakeFAU/harvest-engine/internal/harvest"
	"github.com/JakeFAU/harvest-engine/internal/logging"
)

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Run(ctx context.Context) error
	Execute(ctx context.Context, kind harvest.TaskKind, item harvest.QueueItem) (harvest.Task, error)
	OutputDir(taskID string) string
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so we can
// replace it with a fake factory in our tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger, opts app.Options) (App, error) {
	return app.Build(ctx, cfg, logger, opts)
}

// rootState is filled by the root command's pre-run hook.
type rootState struct {
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	state := &rootState{}
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Adaptive web data harvester.",
		Long: `harvest discovers the JSON APIs behind dynamic web pages, asks a language
model to design an extraction strategy, and replays it at scale into
Postgres and CSV/SQL exports. It also runs industrial DOM/JSON collection
and multi-page crawls, either one-shot from the command line or queued
behind the HTTP API.`,
		SilenceUsage: true,

		// Config and logging are shared; each subcommand builds the app it needs.
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(state.cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			state.cfg = cfg
			state.logger = logger
			return nil
		},

		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if state.logger != nil {
				_ = state.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&state.cfgFile, "config", "", "config file (YAML); HARVEST_* environment variables override it")

	cmd.AddCommand(
		newServeCmd(state),
		newRunCmd(state),
		newResumeCmd(state),
		newCollectCmd(state),
		newCrawlCmd(state),
	)
	return cmd
}

// buildApp constructs the application and registers its shutdown.
func (s *rootState) buildApp(ctx context.Context, opts app.Options) (App, func(), error) {
	if s.logger == nil {
		return nil, nil, errors.New("configuration not loaded")
	}
	a, err := newApp(ctx, s.cfg, s.logger, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize application services: %w", err)
	}
	closeFn := func() {
		if err := a.Close(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("application close failed", zap.Error(err))
		}
	}
	return a, closeFn, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
