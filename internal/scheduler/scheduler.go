// Package scheduler moves queued jobs onto worker units while capacity
// allows, driven by wake events, a timer, or both.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hlsconverter/orchestrator/internal/admission"
	"github.com/hlsconverter/orchestrator/internal/blob"
	"github.com/hlsconverter/orchestrator/internal/config"
	"github.com/hlsconverter/orchestrator/internal/docker"
	"github.com/hlsconverter/orchestrator/internal/job"
	"github.com/hlsconverter/orchestrator/internal/logging"
	"github.com/hlsconverter/orchestrator/internal/monitor"
	"github.com/hlsconverter/orchestrator/internal/queue"
	"github.com/hlsconverter/orchestrator/internal/shared"
	"github.com/hlsconverter/orchestrator/internal/worker"
)

// Outcome is the result of one scheduling cycle.
type Outcome int

const (
	NoCapacity Outcome = iota
	Empty
	Launched
	LaunchFailed
	// Skipped means an entry was consumed without launching, because its job
	// was already finished or the payload was unreadable.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case NoCapacity:
		return "no-capacity"
	case Empty:
		return "empty"
	case Launched:
		return "launched"
	case LaunchFailed:
		return "launch-failed"
	case Skipped:
		return "skipped"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// wakeMessage is published on the wake channel.
const wakeMessage = "true"

// Deps are the components shared by every scheduler instance.
type Deps struct {
	Shared   shared.Store
	Queue    *queue.Queue
	Slots    *admission.Controller
	Jobs     *job.Tracker
	Launcher *worker.Launcher
	Exec     docker.Executor
	Blobs    blob.Store
}

type Config struct {
	// Driver is one of config.DriverTimer, config.DriverEvent or
	// config.DriverBoth.
	Driver       string
	Interval     time.Duration
	RetryDelay   time.Duration
	KeepAliveKey string
	WakeChannel  string
}

type Scheduler struct {
	id   string
	cfg  Config
	deps Deps
	mon  *monitor.Monitor
	log  *zap.Logger
	wake chan struct{}
}

func New(id string, cfg Config, deps Deps, mon *monitor.Monitor, log *zap.Logger) *Scheduler {
	if cfg.Driver == "" {
		cfg.Driver = config.DriverBoth
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	s := &Scheduler{
		id:   id,
		cfg:  cfg,
		deps: deps,
		mon:  mon,
		log:  logging.OrNop(log).Named("scheduler").With(zap.String("instance", id)),
		wake: make(chan struct{}, 1),
	}
	mon.OnSlotFreed(s.slotFreed)
	return s
}

func (s *Scheduler) ID() string { return s.id }

func (s *Scheduler) Monitor() *monitor.Monitor { return s.mon }

// Wake asks the loop to run a dispatch. Wakes that arrive while one is
// already pending coalesce.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) slotFreed() {
	s.Wake()
	// Let other instances compete for the slot too.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.deps.Shared.Publish(ctx, s.cfg.WakeChannel, wakeMessage); err != nil {
		s.log.Debug("publish wake", zap.Error(err))
	}
}

// Enqueue records the job as queued, appends it to the queue and wakes the
// schedulers.
func (s *Scheduler) Enqueue(ctx context.Context, e queue.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.VideoName == "" {
		e.VideoName = e.JobID
	}
	if _, err := s.deps.Jobs.MarkQueued(ctx, e.JobID, e.VideoName, e.VideoKey); err != nil {
		return fmt.Errorf("mark queued: %w", err)
	}
	if err := s.deps.Queue.Enqueue(ctx, e); err != nil {
		return err
	}
	s.log.Info("job enqueued", zap.String("job_id", e.JobID), zap.String("video_key", e.VideoKey))

	if err := s.deps.Shared.Publish(ctx, s.cfg.WakeChannel, wakeMessage); err != nil {
		// The timer driver will still pick the entry up.
		s.log.Warn("publish wake", zap.Error(err))
	}
	s.Wake()
	return nil
}

// release gives back a slot taken during a cycle that did not launch.
func (s *Scheduler) release(ctx context.Context) {
	if err := s.deps.Slots.Release(ctx); err != nil {
		s.log.Error("release capacity", zap.Error(err))
	}
}

// Cycle tries to move one entry from the queue onto a unit. A slot is
// reserved before anything is dequeued, and every path that does not end in
// a launched unit gives it back.
func (s *Scheduler) Cycle(ctx context.Context) (Outcome, error) {
	ok, err := s.deps.Slots.TryReserve(ctx)
	if err != nil {
		return NoCapacity, err
	}
	if !ok {
		return NoCapacity, nil
	}

	e, ok, err := s.deps.Queue.Dequeue(ctx, 0)
	if errors.Is(err, queue.ErrMalformedEntry) {
		s.release(ctx)
		s.log.Error("dropping unreadable queue entry", zap.Error(err))
		return Skipped, nil
	}
	if err != nil {
		s.release(ctx)
		return Empty, err
	}
	if !ok {
		s.release(ctx)
		return Empty, nil
	}
	log := s.log.With(zap.String("job_id", e.JobID))

	if _, err := s.deps.Jobs.MarkProcessing(ctx, e.JobID, e.VideoName, e.VideoKey); err != nil {
		if errors.Is(err, job.ErrInvalidTransition) {
			s.release(ctx)
			log.Info("skipping entry for job that can no longer run", zap.Error(err))
			return Skipped, nil
		}
		if rqErr := s.deps.Queue.Requeue(ctx, e); rqErr != nil {
			log.Error("requeue entry after job store failure", zap.Error(rqErr))
		}
		s.release(ctx)
		return Skipped, fmt.Errorf("mark processing: %w", err)
	}

	h, err := s.deps.Launcher.Launch(ctx, e)
	if err != nil {
		s.release(ctx)
		if _, mfErr := s.deps.Jobs.MarkFailed(ctx, e.JobID, err.Error()); mfErr != nil {
			log.Error("mark launch failure", zap.Error(mfErr))
		}
		log.Error("launch failed", zap.Error(err))
		return LaunchFailed, nil
	}

	s.mon.Track(h)
	return Launched, nil
}

// Dispatch runs cycles until the pool is full or the queue is empty, and
// returns the cycle outcome that stopped it.
func (s *Scheduler) Dispatch(ctx context.Context) (Outcome, error) {
	launched := 0
	for {
		out, err := s.Cycle(ctx)
		if err != nil {
			return out, err
		}
		switch out {
		case Launched:
			launched++
		case NoCapacity, Empty:
			if launched > 0 {
				s.log.Debug("dispatch finished", zap.Int("launched", launched), zap.Stringer("stop", out))
			}
			return out, nil
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
	}
}

// Run dispatches on every wake until ctx is done, or until the queue is
// drained, keep-alive is off and this instance has no units left.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.startDrivers(ctx); err != nil {
		return err
	}
	s.log.Info("scheduler started", zap.String("driver", s.cfg.Driver))
	s.Wake()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		}

		out, err := s.Dispatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("dispatch failed, retrying", zap.Error(err), zap.Duration("retry_delay", s.cfg.RetryDelay))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.cfg.RetryDelay):
			}
			s.Wake()
			continue
		}

		if out == Empty && s.idle(ctx) {
			s.log.Info("queue drained and keep-alive off, stopping")
			return nil
		}
	}
}

func (s *Scheduler) idle(ctx context.Context) bool {
	if s.mon.Tracked() > 0 {
		return false
	}
	keep, err := s.deps.Shared.Flag(ctx, s.cfg.KeepAliveKey)
	if err != nil {
		s.log.Warn("read keep-alive flag", zap.Error(err))
		return false
	}
	return !keep
}

func (s *Scheduler) startDrivers(ctx context.Context) error {
	useTimer := s.cfg.Driver == config.DriverTimer || s.cfg.Driver == config.DriverBoth
	useEvent := s.cfg.Driver == config.DriverEvent || s.cfg.Driver == config.DriverBoth

	if useEvent {
		msgs, err := s.deps.Shared.Subscribe(ctx, s.cfg.WakeChannel)
		if err != nil {
			if !useTimer {
				return fmt.Errorf("subscribe to wake channel: %w", err)
			}
			s.log.Warn("wake channel unavailable, timer only", zap.Error(err))
		} else {
			go func() {
				for range msgs {
					s.Wake()
				}
			}()
		}
	}

	if useTimer {
		go func() {
			ticker := time.NewTicker(s.cfg.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.Wake()
				}
			}
		}()
	}
	return nil
}
