// Package cmd defines the CLI commands of the channel-scraper executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-scraper/internal/config"
	"github.com/JakeFAU/channel-scraper/internal/logging"
	"github.com/JakeFAU/channel-scraper/internal/server"
)

var cfgFile string

// envKeyType is the key for storing the loaded environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// env is what every subcommand needs before it starts.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// App is the surface the serve command drives. Tests inject a fake.
type App interface {
	Run(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return app, nil
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel-scraper",
		Short: "Scrapes messaging-platform channels into durable storage.",
		Long: `channel-scraper authenticates platform sessions, scrapes the history of
tracked channels into storage, downloads their media, matches keyword alerts
and reruns scrapes on a schedule, all behind an HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Loads configuration and the logger before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, env{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, err := resolveEnv(cmd.Context()); err == nil {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (environment variables use the SCRAPER_ prefix)")
	cmd.AddCommand(newServeCmd(), newMigrateCmd())
	return cmd
}

func resolveEnv(ctx context.Context) (env, error) {
	e, ok := ctx.Value(envKey).(env)
	if !ok {
		return env{}, errors.New("configuration not loaded")
	}
	return e, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "command execution failed:", err)
		os.Exit(1)
	}
}
