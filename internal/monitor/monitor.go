// Package monitor watches launched units until they finish and settles the
// job, the capacity slot and the input object for each one exactly once.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hlsconverter/orchestrator/internal/blob"
	"github.com/hlsconverter/orchestrator/internal/docker"
	"github.com/hlsconverter/orchestrator/internal/hls"
	"github.com/hlsconverter/orchestrator/internal/job"
	"github.com/hlsconverter/orchestrator/internal/logging"
	"github.com/hlsconverter/orchestrator/internal/worker"
)

// maxStatusErrors is how many consecutive status failures make a unit that
// was never seen running count as gone.
const maxStatusErrors = 3

// finalizedTTL bounds how long completed unit ids are remembered for
// deduplication.
const finalizedTTL = time.Hour

type OutcomeKind int

const (
	ExitedSuccess OutcomeKind = iota
	ExitedFailure
	Vanished
)

func (k OutcomeKind) String() string {
	switch k {
	case ExitedSuccess:
		return "exited-success"
	case ExitedFailure:
		return "exited-failure"
	default:
		return "vanished"
	}
}

// Outcome is how a unit ended.
type Outcome struct {
	Kind     OutcomeKind
	ExitCode int
	// Reason overrides the default failure message.
	Reason string
}

func (o Outcome) message() string {
	if o.Reason != "" {
		return o.Reason
	}
	switch o.Kind {
	case ExitedFailure:
		return fmt.Sprintf("Container exited with code %d", o.ExitCode)
	case Vanished:
		return "Worker unit disappeared before reporting an exit code"
	}
	return ""
}

// JobUpdater persists terminal job states.
type JobUpdater interface {
	MarkCompleted(ctx context.Context, id, outputRef string, resolutions []string) (*job.Job, error)
	MarkFailed(ctx context.Context, id, reason string) (*job.Job, error)
}

// Releaser gives a capacity slot back.
type Releaser interface {
	Release(ctx context.Context) error
}

type Config struct {
	PollInterval time.Duration
	// MaxRuntime stops units running longer than this. Zero disables it.
	MaxRuntime   time.Duration
	StopGrace    time.Duration
	TempBucket   string
	OutputBucket string
	// Resolutions is reported when the master playlist cannot be read.
	Resolutions []string
}

type tracked struct {
	h           worker.Handle
	seenRunning bool
	errCount    int
	// pending is set when the unit has ended but its job could not be
	// persisted yet.
	pending    *Outcome
	completing bool
}

type Monitor struct {
	exec    docker.Executor
	jobs    JobUpdater
	slots   Releaser
	blobs   blob.Store
	cfg     Config
	log     *zap.Logger
	onFreed func()

	mu        sync.Mutex
	handles   map[string]*tracked
	finalized map[string]time.Time
}

func New(exec docker.Executor, jobs JobUpdater, slots Releaser, blobs blob.Store, cfg Config, log *zap.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	return &Monitor{
		exec:      exec,
		jobs:      jobs,
		slots:     slots,
		blobs:     blobs,
		cfg:       cfg,
		log:       logging.OrNop(log).Named("monitor"),
		handles:   make(map[string]*tracked),
		finalized: make(map[string]time.Time),
	}
}

// OnSlotFreed registers fn to be called after each completion. It must be
// set before Run.
func (m *Monitor) OnSlotFreed(fn func()) { m.onFreed = fn }

// Track starts watching h.
func (m *Monitor) Track(h worker.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handles[h.UnitID]; ok {
		return
	}
	m.handles[h.UnitID] = &tracked{h: h}
}

// Tracked is the number of units being watched.
func (m *Monitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

func (m *Monitor) Handles() []worker.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]worker.Handle, 0, len(m.handles))
	for _, t := range m.handles {
		out = append(out, t.h)
	}
	return out
}

// Run polls every PollInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll checks every tracked unit once and completes those that have ended.
func (m *Monitor) Poll(ctx context.Context) {
	m.mu.Lock()
	snapshot := make([]*tracked, 0, len(m.handles))
	for _, t := range m.handles {
		snapshot = append(snapshot, t)
	}
	cutoff := time.Now().Add(-finalizedTTL)
	for id, at := range m.finalized {
		if at.Before(cutoff) {
			delete(m.finalized, id)
		}
	}
	m.mu.Unlock()

	for _, t := range snapshot {
		if ctx.Err() != nil {
			return
		}
		if o, ok := m.check(ctx, t); ok {
			m.Complete(ctx, t.h, o)
		}
	}
}

// check advances one unit's state machine and reports whether it has ended.
func (m *Monitor) check(ctx context.Context, t *tracked) (Outcome, bool) {
	m.mu.Lock()
	pending := t.pending
	m.mu.Unlock()
	if pending != nil {
		return *pending, true
	}

	h := t.h
	if m.cfg.MaxRuntime > 0 && time.Since(h.LaunchedAt) > m.cfg.MaxRuntime {
		if err := m.exec.Stop(ctx, h.UnitID, m.cfg.StopGrace); err != nil && !errors.Is(err, docker.ErrUnitNotFound) {
			// The slot stays held until the unit is known to be down.
			m.log.Warn("stop overdue unit", zap.String("job_id", h.JobID), zap.Error(err))
			return Outcome{}, false
		}
		m.log.Warn("unit exceeded max runtime",
			zap.String("job_id", h.JobID),
			zap.Duration("max_runtime", m.cfg.MaxRuntime),
		)
		return Outcome{
			Kind:     ExitedFailure,
			ExitCode: -1,
			Reason:   fmt.Sprintf("Exceeded maximum runtime of %s", m.cfg.MaxRuntime),
		}, true
	}

	state, err := m.exec.Status(ctx, h.UnitID)
	if err != nil {
		m.mu.Lock()
		t.errCount++
		give := t.seenRunning || t.errCount >= maxStatusErrors || errors.Is(err, docker.ErrUnitNotFound)
		m.mu.Unlock()
		m.log.Warn("unit status unavailable",
			zap.String("job_id", h.JobID),
			zap.String("unit", h.UnitName),
			zap.Error(err),
		)
		if !give {
			return Outcome{}, false
		}
		return m.resolve(ctx, h), true
	}

	if state == docker.UnitRunning {
		m.mu.Lock()
		t.seenRunning = true
		t.errCount = 0
		m.mu.Unlock()
		return Outcome{}, false
	}
	return m.resolve(ctx, h), true
}

// resolve reads the exit code of a unit that is no longer running.
func (m *Monitor) resolve(ctx context.Context, h worker.Handle) Outcome {
	code, err := m.exec.ExitCode(ctx, h.UnitID)
	if err != nil {
		m.log.Error("exit code unavailable", zap.String("job_id", h.JobID), zap.Error(err))
		return Outcome{Kind: Vanished}
	}
	if code == 0 {
		return Outcome{Kind: ExitedSuccess}
	}
	return Outcome{Kind: ExitedFailure, ExitCode: code}
}

// Complete settles a finished unit: it persists the job, releases the slot,
// deletes the input on success, stops tracking the handle and signals that
// capacity is free. It returns false when the handle was already completed
// or the job could not be persisted yet; in the latter case the handle stays
// tracked and the next Poll retries.
func (m *Monitor) Complete(ctx context.Context, h worker.Handle, o Outcome) bool {
	m.mu.Lock()
	if _, done := m.finalized[h.UnitID]; done {
		m.mu.Unlock()
		return false
	}
	t, ok := m.handles[h.UnitID]
	if !ok {
		t = &tracked{h: h}
		m.handles[h.UnitID] = t
	}
	if t.completing {
		m.mu.Unlock()
		return false
	}
	t.completing = true
	m.mu.Unlock()

	log := m.log.With(
		zap.String("job_id", h.JobID),
		zap.String("unit", h.UnitName),
		zap.Stringer("outcome", o.Kind),
	)

	if err := m.persist(ctx, h, o); err != nil {
		if errors.Is(err, job.ErrStoreUnavailable) {
			log.Warn("job store unavailable, completion deferred", zap.Error(err))
			m.mu.Lock()
			t.pending = &o
			t.completing = false
			m.mu.Unlock()
			return false
		}
		log.Error("persist job outcome", zap.Error(err))
	}

	if err := m.slots.Release(ctx); err != nil {
		log.Error("release capacity", zap.Error(err))
	}

	if o.Kind == ExitedSuccess {
		if err := m.blobs.Delete(ctx, m.cfg.TempBucket, h.VideoKey); err != nil {
			log.Warn("delete input object", zap.String("key", h.VideoKey), zap.Error(err))
		}
	}
	if o.Kind != Vanished {
		if err := m.exec.Remove(ctx, h.UnitID); err != nil {
			log.Warn("remove unit", zap.Error(err))
		}
	}

	m.mu.Lock()
	delete(m.handles, h.UnitID)
	m.finalized[h.UnitID] = time.Now()
	m.mu.Unlock()

	if o.Kind == ExitedSuccess {
		log.Info("job completed")
	} else {
		log.Info("job failed", zap.String("reason", o.message()))
	}

	if m.onFreed != nil {
		m.onFreed()
	}
	return true
}

func (m *Monitor) persist(ctx context.Context, h worker.Handle, o Outcome) error {
	if o.Kind == ExitedSuccess {
		_, err := m.jobs.MarkCompleted(ctx, h.JobID, hls.MasterKey(h.VideoName), m.resolutions(ctx, h))
		return err
	}
	_, err := m.jobs.MarkFailed(ctx, h.JobID, o.message())
	return err
}

// resolutions reads the renditions from the uploaded master playlist,
// falling back to the configured ladder.
func (m *Monitor) resolutions(ctx context.Context, h worker.Handle) []string {
	data, err := m.blobs.Get(ctx, m.cfg.OutputBucket, hls.MasterKey(h.VideoName))
	if err != nil {
		m.log.Debug("master playlist unavailable", zap.String("job_id", h.JobID), zap.Error(err))
		return m.cfg.Resolutions
	}
	names, err := hls.ParseMaster(data)
	if err != nil || len(names) == 0 {
		return m.cfg.Resolutions
	}
	return names
}
