package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hlsconverter/orchestrator/internal/api"
	"github.com/hlsconverter/orchestrator/internal/scheduler"
	"github.com/hlsconverter/orchestrator/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler pool and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, _ := ctx.ensureConfig()
			defer log.Sync()

			sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(sigCtx, cfg, log, appOptions{runtime: true})
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(sigCtx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg, log := a.cfg, a.log
	log.Info("starting orchestrator",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("max_concurrent_jobs", cfg.Scheduler.MaxConcurrentJobs),
		zap.Int("instances", cfg.Scheduler.Instances),
		zap.String("driver", cfg.Scheduler.Driver),
	)

	for _, bucket := range []string{cfg.Storage.TempBucket, cfg.Storage.OutputBucket} {
		if err := a.deps.Blobs.EnsureBucket(ctx, bucket); err != nil {
			return err
		}
	}
	if err := a.deps.Shared.SetFlag(ctx, cfg.Shared.KeepAliveKey, cfg.Scheduler.KeepAlive); err != nil {
		return fmt.Errorf("set keep-alive flag: %w", err)
	}

	// Peers must see this process alive before it looks at their units.
	if err := a.pool.Beat(ctx); err != nil {
		return err
	}
	if cfg.Scheduler.ReconcileOnStart {
		lock, err := a.lockPath()
		if err != nil {
			return err
		}
		_, err = a.pool.Reconcile(ctx, lock, scheduler.ReconcileOptions{
			Grace: cfg.Scheduler.ReconcileGrace,
			Adopt: true,
		})
		if errors.Is(err, scheduler.ErrReconcileLocked) {
			log.Warn("another process is reconciling, skipping")
		} else if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
	}

	events := ws.NewServer(log)
	a.deps.Jobs.SetNotifier(events)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewRouter(cfg, a.pool, a.jobStore, events, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", zap.String("addr", cfg.Addr()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := a.pool.Run(gctx)
		// An idle pool takes the process down with it.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := server.Shutdown(shutdownCtx); serr != nil {
			log.Warn("server shutdown", zap.Error(serr))
		}
		return err
	})

	err := g.Wait()
	log.Info("orchestrator stopped")
	return err
}
