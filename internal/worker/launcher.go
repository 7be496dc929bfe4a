// Package worker launches one isolated transcoding unit per job.
package worker

import (
	"context"
	"fmt"
	"maps"
	"time"

	"go.uber.org/zap"

	"github.com/hlsconverter/orchestrator/internal/blob"
	"github.com/hlsconverter/orchestrator/internal/docker"
	"github.com/hlsconverter/orchestrator/internal/logging"
	"github.com/hlsconverter/orchestrator/internal/queue"
)

// Handle identifies a launched unit and the job it works on.
type Handle struct {
	JobID      string    `json:"jobId"`
	UnitID     string    `json:"unitId"`
	UnitName   string    `json:"unitName"`
	VideoKey   string    `json:"videoKey"`
	VideoName  string    `json:"videoName"`
	Owner      string    `json:"owner,omitempty"`
	LaunchedAt time.Time `json:"launchedAt"`
}

// LaunchError reports a unit that could not be started. Stage is where it
// failed: "resolve-input" or "start".
type LaunchError struct {
	JobID string
	Stage string
	Err   error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %s: %v", e.JobID, e.Stage, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

type Config struct {
	Image      string
	Prefix     string
	Network    string
	MemoryMB   int64
	TempBucket string
	PresignTTL time.Duration
	// Owner is recorded on every unit so a restarted or peer orchestrator
	// can tell whose units it finds.
	Owner string
	// Env is passed to every unit in addition to the per-job variables.
	Env map[string]string
}

type Launcher struct {
	exec  docker.Executor
	blobs blob.Store
	cfg   Config
	log   *zap.Logger
}

func NewLauncher(exec docker.Executor, blobs blob.Store, cfg Config, log *zap.Logger) *Launcher {
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = time.Hour
	}
	return &Launcher{exec: exec, blobs: blobs, cfg: cfg, log: logging.OrNop(log).Named("launcher")}
}

func (l *Launcher) Owner() string { return l.cfg.Owner }

// Launch starts a detached unit for e. It returns as soon as the runtime has
// accepted the unit. Every failure is a *LaunchError; the caller owns the
// capacity slot and must release it.
func (l *Launcher) Launch(ctx context.Context, e queue.Entry) (Handle, error) {
	videoURL, err := l.blobs.PresignGet(ctx, l.cfg.TempBucket, e.VideoKey, l.cfg.PresignTTL)
	if err != nil {
		return Handle{}, &LaunchError{JobID: e.JobID, Stage: "resolve-input", Err: err}
	}

	now := time.Now().UTC()
	name := docker.UnitName(l.cfg.Prefix, e.JobID)

	env := maps.Clone(l.cfg.Env)
	if env == nil {
		env = make(map[string]string, 5)
	}
	env["JOB_ID"] = e.JobID
	env["VIDEO_ID"] = e.JobID
	env["VIDEO_KEY"] = e.VideoKey
	env["VIDEO_NAME"] = e.VideoName
	env["VIDEO_URL"] = videoURL

	spec := docker.UnitSpec{
		Name:     name,
		Image:    l.cfg.Image,
		Env:      env,
		Network:  l.cfg.Network,
		MemoryMB: l.cfg.MemoryMB,
		Labels: map[string]string{
			docker.LabelJobID:      e.JobID,
			docker.LabelVideoKey:   e.VideoKey,
			docker.LabelVideoName:  e.VideoName,
			docker.LabelLaunchedAt: now.Format(time.RFC3339),
		},
	}
	if l.cfg.Owner != "" {
		spec.Labels[docker.LabelOwner] = l.cfg.Owner
	}

	id, err := l.exec.Start(ctx, spec)
	if err != nil {
		return Handle{}, &LaunchError{JobID: e.JobID, Stage: "start", Err: err}
	}

	l.log.Info("unit started",
		zap.String("job_id", e.JobID),
		zap.String("unit", name),
		zap.String("unit_id", id),
	)
	return Handle{
		JobID:      e.JobID,
		UnitID:     id,
		UnitName:   name,
		VideoKey:   e.VideoKey,
		VideoName:  e.VideoName,
		Owner:      l.cfg.Owner,
		LaunchedAt: now,
	}, nil
}

// HandleFromUnit rebuilds the handle of a unit found on the runtime. ok is
// false for units that carry no job label.
func HandleFromUnit(u docker.Unit) (Handle, bool) {
	jobID := u.Labels[docker.LabelJobID]
	if jobID == "" {
		return Handle{}, false
	}
	h := Handle{
		JobID:      jobID,
		UnitID:     u.ID,
		UnitName:   u.Name,
		VideoKey:   u.Labels[docker.LabelVideoKey],
		VideoName:  u.Labels[docker.LabelVideoName],
		Owner:      u.Labels[docker.LabelOwner],
		LaunchedAt: u.Created,
	}
	if t, err := time.Parse(time.RFC3339, u.Labels[docker.LabelLaunchedAt]); err == nil {
		h.LaunchedAt = t
	}
	if h.VideoKey == "" {
		h.VideoKey = jobID
	}
	if h.VideoName == "" {
		h.VideoName = jobID
	}
	return h, true
}
