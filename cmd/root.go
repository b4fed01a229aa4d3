// Package cmd defines the CLI commands for the bulletin ingester.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/commodity-bulletin-crawler/internal/app"
	"github.com/JakeFAU/commodity-bulletin-crawler/internal/bulletin"
	"github.com/JakeFAU/commodity-bulletin-crawler/internal/config"
	"github.com/JakeFAU/commodity-bulletin-crawler/internal/logging"
)

// App is what the commands need from the wired application. Tests swap in
// a fake through newApp.
type App interface {
	RunOnce(ctx context.Context) (bulletin.RunSummary, error)
	Discover(ctx context.Context) ([]bulletin.Reference, error)
	Migrate(ctx context.Context) error
	Lookup(ctx context.Context, key bulletin.NaturalKey) (bulletin.TradeRecord, bool, error)
	StoredRows(ctx context.Context) (int, error)
	Serve(ctx context.Context) error
	Close(ctx context.Context) error
}

var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger, opts app.Options) (App, error) {
	return app.Build(ctx, cfg, logger, opts)
}

type appKeyType struct{}

var appKey appKeyType

// session is what PersistentPreRunE hands to subcommands.
type session struct {
	app    App
	logger *zap.Logger
}

// newRootCmd creates the root command and its subcommands. The returned
// function closes whatever application PersistentPreRunE built; it must run
// even when the command fails.
func newRootCmd() (*cobra.Command, func() error) {
	var (
		cfgFile string
		current *session
	)

	cmd := &cobra.Command{
		Use:   "bulletins",
		Short: "Ingests exchange oil-product trading bulletins into a relational store.",
		Long: `bulletins discovers the daily oil-product trading bulletins published by
the exchange, extracts the per-instrument trade table from each spreadsheet,
and upserts one row per instrument and trade date.`,
		SilenceUsage:  true,
		SilenceErrors: true,

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

			opts := app.Options{}
			if v, err := cmd.Flags().GetBool("run-on-start"); err == nil {
				opts.RunOnStart = v
			}
			appInstance, err := newApp(cmd.Context(), cfg, logger, opts)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			current = &session{app: appInstance, logger: logger}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, current))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment variables use the BULLETINS_ prefix")

	cmd.AddCommand(newRunCmd(), newServeCmd(), newMigrateCmd(), newDiscoverCmd(), newLookupCmd())

	closeApp := func() error {
		if current == nil {
			return nil
		}
		err := current.app.Close(context.Background())
		// Sync fails on non-file sinks such as /dev/stderr.
		_ = current.logger.Sync()
		current = nil
		return err
	}
	return cmd, closeApp
}

func resolveSession(ctx context.Context) (*session, error) {
	rt, ok := ctx.Value(appKey).(*session)
	if !ok || rt == nil || rt.app == nil {
		return nil, errors.New("application services not initialized")
	}
	return rt, nil
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root, closeApp := newRootCmd()
	err := root.ExecuteContext(ctx)
	stop()
	err = errors.Join(err, closeApp())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
