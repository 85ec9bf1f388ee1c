// Package cmd defines and implements the CLI commands for the pagewatch executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/app"
	"github.com/JakeFAU/pagewatch/internal/config"
	"github.com/JakeFAU/pagewatch/internal/logging"
)

const closeTimeout = 10 * time.Second

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can swap it.
var newApp = app.New

// appHolder owns the services built for one invocation so they are released
// even when a command fails.
type appHolder struct {
	cfgFile    string
	registerer prometheus.Registerer

	app    *app.App
	logger *zap.Logger
	once   sync.Once
}

func (h *appHolder) close(ctx context.Context) {
	h.once.Do(func() {
		if h.app != nil {
			h.app.Close(ctx)
		}
		if h.logger != nil {
			_ = h.logger.Sync()
		}
	})
}

// newRootCmd creates and configures the root command.
func newRootCmd(h *appHolder) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pagewatch",
		Short: "Watches listing pages and reports newly published items.",
		Long: `pagewatch keeps a list of listing pages, fetches them politely through a
shared rate governor and a two-tier page cache, and reports items published
since the last check through an HTTP API, feeds and notifications.`,
		SilenceUsage: true,

		// Runs after flags are parsed and before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(h.cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				File:        cfg.Logging.File,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			h.logger = logger
			zap.ReplaceGlobals(logger)

			a, err := newApp(cmd.Context(), cfg, logger, app.WithRegisterer(h.registerer))
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			h.app = a
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&h.cfgFile, "config", "", "config file (defaults and PAGEWATCH_* env when empty)")

	cmd.AddCommand(
		newServeCmd(),
		newCheckCmd(),
		newImportCmd(),
		newExportCmd(),
		newMigrateCmd(),
		newStatsCmd(),
	)
	return cmd
}

// run executes the CLI with args and releases every service it built.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, reg prometheus.Registerer) error {
	h := &appHolder{registerer: reg}
	root := newRootCmd(h)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		h.close(closeCtx)
	}()
	return root.ExecuteContext(ctx)
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr, prometheus.DefaultRegisterer)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}
