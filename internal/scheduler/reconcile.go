package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/hlsconverter/orchestrator/internal/docker"
	"github.com/hlsconverter/orchestrator/internal/job"
	"github.com/hlsconverter/orchestrator/internal/worker"
)

// ErrReconcileLocked is returned when another process holds the reconcile
// lock.
var ErrReconcileLocked = errors.New("reconcile already running")

const lostUnitReason = "Worker unit lost while the orchestrator was down"

type ReconcileOptions struct {
	// Grace spares processing jobs updated more recently than this.
	Grace time.Duration
	// Adopt takes over the units of owners that are gone. A process that
	// will not run its monitors leaves such owners for one that will.
	Adopt bool
}

type ReconcileReport struct {
	Adopted      int      `json:"adopted"`
	Running      int      `json:"running"`
	Exited       int      `json:"exited"`
	Live         int      `json:"live"`
	Orphaned     int      `json:"orphaned"`
	Released     int64    `json:"released"`
	PreviousLoad int64    `json:"previousLoad"`
	FailedJobs   []string `json:"failedJobs,omitempty"`
}

// Reconcile repairs shared state after a restart. Under a host-wide lock it
// settles every owner that is no longer alive: its units are adopted into
// the pool's monitors and the capacity it held for units that no longer
// exist is released. Units of live owners are left alone. Finally it fails
// processing jobs that have no unit and have not been touched for Grace.
func (p *Pool) Reconcile(ctx context.Context, lockPath string, opts ReconcileOptions) (ReconcileReport, error) {
	var report ReconcileReport

	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return report, fmt.Errorf("acquire reconcile lock: %w", err)
	}
	if !locked {
		return report, ErrReconcileLocked
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			p.log.Warn("release reconcile lock", zap.Error(err))
		}
	}()

	units, err := p.deps.Exec.ListUnits(ctx)
	if err != nil {
		return report, fmt.Errorf("list units: %w", err)
	}
	if report.PreviousLoad, err = p.deps.Slots.CurrentLoad(ctx); err != nil {
		return report, err
	}

	withUnit := make(map[string]bool, len(units))
	byOwner := make(map[string][]worker.Handle)
	states := make(map[string]docker.UnitState, len(units))
	for _, u := range units {
		h, ok := worker.HandleFromUnit(u)
		if !ok {
			continue
		}
		withUnit[h.JobID] = true
		byOwner[h.Owner] = append(byOwner[h.Owner], h)
		states[h.UnitID] = u.State
	}

	registered, err := p.drainRegistry(ctx)
	if err != nil {
		return report, err
	}
	// Registry entries go back unless their owner was settled here.
	settled := make(map[string]bool)
	defer func() {
		for _, owner := range registered {
			if settled[owner] {
				continue
			}
			if err := p.deps.Shared.PushBack(context.WithoutCancel(ctx), p.registryKey(), owner); err != nil {
				p.log.Error("re-register owner", zap.String("owner", owner), zap.Error(err))
			}
		}
	}()

	owners := make(map[string]bool, len(byOwner)+len(registered))
	for owner := range byOwner {
		owners[owner] = true
	}
	for _, owner := range registered {
		owners[owner] = true
	}
	sorted := make([]string, 0, len(owners))
	for owner := range owners {
		sorted = append(sorted, owner)
	}
	sort.Strings(sorted)

	next := 0
	for _, owner := range sorted {
		handles := byOwner[owner]
		if owner == p.cfg.Owner {
			continue
		}
		live, err := p.ownerLive(ctx, owner, opts.Adopt)
		if err != nil {
			return report, err
		}
		if live {
			report.Live += len(handles)
			continue
		}
		if len(handles) > 0 && !opts.Adopt {
			report.Orphaned += len(handles)
			continue
		}

		keys := p.keysFor(owner)
		claimed, err := p.deps.Shared.IncrBelow(ctx, keys.claim, 1)
		if err != nil {
			return report, fmt.Errorf("claim owner %s: %w", owner, err)
		}
		if !claimed {
			// Settled by another process.
			settled[owner] = true
			continue
		}

		for _, h := range handles {
			p.instances[next%len(p.instances)].Monitor().Track(h)
			next++
			report.Adopted++
			if states[h.UnitID] == docker.UnitRunning {
				report.Running++
			} else {
				report.Exited++
			}
		}
		released, err := p.deps.Slots.Settle(ctx, keys.held, int64(len(handles)))
		report.Released += released
		if err != nil {
			return report, err
		}
		settled[owner] = true
		p.log.Info("settled departed owner",
			zap.String("departed", owner),
			zap.Int("adopted", len(handles)),
			zap.Int64("released", released),
		)
	}

	processing, _, err := p.deps.Jobs.Store().List(ctx, job.Filter{Status: job.StatusProcessing})
	if err != nil {
		return report, fmt.Errorf("list processing jobs: %w", err)
	}
	cutoff := time.Now().Add(-opts.Grace)
	for _, j := range processing {
		if withUnit[j.ID] || j.UpdatedAt.After(cutoff) {
			continue
		}
		if _, err := p.deps.Jobs.MarkFailed(ctx, j.ID, lostUnitReason); err != nil {
			p.log.Error("fail orphaned job", zap.String("job_id", j.ID), zap.Error(err))
			continue
		}
		report.FailedJobs = append(report.FailedJobs, j.ID)
	}

	p.log.Info("reconciled",
		zap.Int("adopted", report.Adopted),
		zap.Int("running", report.Running),
		zap.Int("exited", report.Exited),
		zap.Int("live", report.Live),
		zap.Int("orphaned", report.Orphaned),
		zap.Int64("released", report.Released),
		zap.Int64("previous_load", report.PreviousLoad),
		zap.Int("failed_jobs", len(report.FailedJobs)),
	)
	return report, nil
}

// drainRegistry pops every registered owner. Concurrent reconcilers each
// see a disjoint share.
func (p *Pool) drainRegistry(ctx context.Context) ([]string, error) {
	n, err := p.deps.Shared.Len(ctx, p.registryKey())
	if err != nil {
		return nil, fmt.Errorf("read owner registry: %w", err)
	}
	owners := make([]string, 0, n)
	for i := int64(0); i < n; i++ {
		owner, ok, err := p.deps.Shared.PopFront(ctx, p.registryKey(), 0)
		if err != nil {
			// Put back what was already taken.
			for _, o := range owners {
				if perr := p.deps.Shared.PushBack(context.WithoutCancel(ctx), p.registryKey(), o); perr != nil {
					p.log.Error("re-register owner", zap.String("owner", o), zap.Error(perr))
				}
			}
			return nil, fmt.Errorf("read owner registry: %w", err)
		}
		if !ok {
			break
		}
		owners = append(owners, owner)
	}
	return owners, nil
}

// Cleanup turns keep-alive off and stops every managed unit. The monitors
// then complete the stopped units as failures.
func (p *Pool) Cleanup(ctx context.Context, grace time.Duration) (int, error) {
	if err := p.SetKeepAlive(ctx, false); err != nil {
		return 0, err
	}
	units, err := p.deps.Exec.ListUnits(ctx)
	if err != nil {
		return 0, fmt.Errorf("list units: %w", err)
	}
	stopped := 0
	for _, u := range units {
		if u.State != docker.UnitRunning {
			continue
		}
		if err := p.deps.Exec.Stop(ctx, u.ID, grace); err != nil && !errors.Is(err, docker.ErrUnitNotFound) {
			p.log.Warn("stop unit", zap.String("unit", u.Name), zap.Error(err))
			continue
		}
		stopped++
	}
	p.log.Info("cleanup finished", zap.Int("stopped", stopped))
	return stopped, nil
}
