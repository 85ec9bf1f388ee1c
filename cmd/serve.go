package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/pagewatch/internal/api"
	"github.com/JakeFAU/pagewatch/internal/app"
	"github.com/JakeFAU/pagewatch/internal/policy/ratelimit"
	"github.com/JakeFAU/pagewatch/internal/scheduler"
)

const shutdownTimeout = 15 * time.Second

// newServeCmd creates the 'serve' subcommand, which runs the HTTP API and,
// when enabled, the auto-check loop until the process is signalled.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API and the auto-check scheduler",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	cfg := a.Config
	logger := a.Logger

	if n, err := a.Cache.ClearExpired(ctx); err != nil {
		logger.Warn("clear expired cache entries failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("cleared expired cache entries", zap.Int("count", n))
	}

	// Checks outlive the signal long enough to stop cleanly.
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRuns()
	runner := scheduler.NewRunner(runCtx, a.Checker,
		scheduler.WithRunnerLogger(logger),
		scheduler.WithOnFinish(func(scheduler.Status) { a.Settings.Invalidate() }),
	)

	limiter, err := ratelimit.New(ratelimit.Config{
		RPS:   cfg.Server.RateLimitRPS,
		Burst: cfg.Server.RateLimitBurst,
	})
	if err != nil {
		return fmt.Errorf("init rate limiter: %w", err)
	}
	server := api.NewServer(apiDeps(a, runner, limiter), cfg, logger)

	g, gctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		// Progress streams end when shutdown begins.
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.Scheduler.Enabled {
		loop := scheduler.NewLoop(scheduler.LoopConfig{
			Warmup: time.Duration(cfg.Scheduler.WarmupSeconds) * time.Second,
			Tick:   time.Duration(cfg.Scheduler.TickSeconds) * time.Second,
		}, runner, a.Settings, scheduler.WithLoopLogger(logger))
		g.Go(func() error { return loop.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if runner.Stop() {
			if err := runner.Wait(shutdownCtx); err != nil {
				logger.Warn("check did not stop in time", zap.Error(err))
				cancelRuns()
			}
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func apiDeps(a *app.App, runner *scheduler.Runner, limiter *ratelimit.Limiter) api.Deps {
	return api.Deps{
		Repo:     a.Repo,
		Settings: a.Settings,
		Runner:   runner,
		Marker:   a.Checker,
		Events:   a.Events,
		Feeds:    a.Exporter,
		Governor: a.Governor,
		Cache:    a.Cache,
		Opener:   a.Opener,
		Limiter:  limiter,
	}
}
