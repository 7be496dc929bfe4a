package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hlsconverter/orchestrator/internal/admission"
	"github.com/hlsconverter/orchestrator/internal/blob"
	"github.com/hlsconverter/orchestrator/internal/config"
	"github.com/hlsconverter/orchestrator/internal/db"
	"github.com/hlsconverter/orchestrator/internal/docker"
	"github.com/hlsconverter/orchestrator/internal/job"
	"github.com/hlsconverter/orchestrator/internal/monitor"
	"github.com/hlsconverter/orchestrator/internal/queue"
	"github.com/hlsconverter/orchestrator/internal/scheduler"
	"github.com/hlsconverter/orchestrator/internal/shared"
	"github.com/hlsconverter/orchestrator/internal/worker"
)

// app holds the components one command needs. Runtime components (the
// container engine and object storage) are only opened when asked for.
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	deps  scheduler.Deps
	pool  *scheduler.Pool
	owner string

	jobStore job.Store
	closers  []func() error
}

type appOptions struct {
	runtime bool
}

func openApp(ctx context.Context, cfg *config.Config, log *zap.Logger, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg, log: log, owner: scheduler.NewOwnerID(cfg.NodeID)}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// Badger allows one opener per directory, so both badger-backed stores
	// share a single database.
	var local *db.Store
	openLocal := func() (*db.Store, error) {
		if local != nil {
			return local, nil
		}
		s, err := db.NewStore(filepath.Join(cfg.DataDir, "badger"))
		if err != nil {
			return nil, err
		}
		local = s
		a.closers = append(a.closers, s.Close)
		return s, nil
	}

	var sharedStore shared.Store
	switch cfg.Shared.Backend {
	case config.BackendRedis:
		r := shared.NewRedis(shared.RedisOptions{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Shared.RedisPassword,
			DB:       cfg.Shared.RedisDB,
		})
		a.closers = append(a.closers, r.Close)
		if err := r.Ping(ctx); err != nil {
			return nil, err
		}
		sharedStore = r
	default:
		s, err := openLocal()
		if err != nil {
			return nil, err
		}
		sharedStore = shared.NewLocal(s, false)
	}

	switch cfg.JobStore.Backend {
	case config.BackendPostgres:
		pool, err := job.NewPool(ctx, cfg.PostgresURL())
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		pg := job.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		a.jobStore = pg
	default:
		s, err := openLocal()
		if err != nil {
			return nil, err
		}
		a.jobStore = job.NewPersistentStore(s)
	}

	slots, err := admission.New(sharedStore, cfg.Shared.CounterKey, int64(cfg.Scheduler.MaxConcurrentJobs), log)
	if err != nil {
		return nil, err
	}

	a.deps = scheduler.Deps{
		Shared: sharedStore,
		Queue:  queue.New(sharedStore, cfg.Shared.QueueKey),
		Slots:  slots,
		Jobs:   job.NewTracker(a.jobStore, log),
	}

	if opts.runtime {
		if err := a.openRuntime(ctx); err != nil {
			return nil, err
		}
	}

	a.pool = scheduler.NewPool(scheduler.PoolConfig{
		Instances:         cfg.Scheduler.Instances,
		NodeID:            cfg.NodeID,
		Owner:             a.owner,
		NodeKeyPrefix:     cfg.Shared.NodeKeyPrefix,
		HeartbeatInterval: cfg.Scheduler.HeartbeatInterval,
		Scheduler: scheduler.Config{
			Driver:       cfg.Scheduler.Driver,
			Interval:     cfg.Scheduler.Interval,
			RetryDelay:   cfg.Scheduler.RetryDelay,
			KeepAliveKey: cfg.Shared.KeepAliveKey,
			WakeChannel:  cfg.Shared.WakeChannel,
		},
		Monitor: monitor.Config{
			PollInterval: cfg.Scheduler.MonitorPollInterval,
			MaxRuntime:   cfg.Scheduler.MaxRuntime,
			TempBucket:   cfg.Storage.TempBucket,
			OutputBucket: cfg.Storage.OutputBucket,
			Resolutions:  cfg.Worker.Resolutions,
		},
	}, a.deps, log)
	return a, nil
}

func (a *app) openRuntime(ctx context.Context) error {
	cfg := a.cfg
	accessKey, secretKey := cfg.StorageCredentials()
	blobs, err := blob.New(ctx, blob.Config{
		Endpoint:        cfg.StorageEndpoint(),
		Region:          cfg.Storage.S3Region,
		AccessKeyID:     accessKey,
		SecretAccessKey: secretKey,
		ForcePathStyle:  cfg.Storage.Type == config.StorageMinio,
	})
	if err != nil {
		return err
	}

	rt, err := docker.NewRuntime()
	if err != nil {
		return err
	}
	a.closers = append(a.closers, rt.Close)

	a.deps.Blobs = blobs
	a.deps.Exec = rt
	a.deps.Launcher = worker.NewLauncher(rt, blobs, worker.Config{
		Image:      cfg.Worker.Image,
		Prefix:     cfg.Worker.ContainerPrefix,
		Network:    cfg.Worker.Network,
		MemoryMB:   int64(cfg.Worker.MemoryMB),
		TempBucket: cfg.Storage.TempBucket,
		PresignTTL: cfg.Storage.PresignTTL,
		Owner:      a.owner,
		Env:        cfg.UnitEnv(),
	}, a.log)
	return nil
}

func (a *app) lockPath() (string, error) {
	if err := os.MkdirAll(a.cfg.DataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return filepath.Join(a.cfg.DataDir, "reconcile.lock"), nil
}

// Close releases everything opened, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
