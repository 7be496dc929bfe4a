package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hlsconverter/orchestrator/internal/logging"
)

// Event describes one persisted status change.
type Event struct {
	JobID     string    `json:"jobId"`
	Status    Status    `json:"status"`
	OutputRef string    `json:"outputRef,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier receives an Event after each successful transition. Notify must
// not block.
type Notifier interface {
	Notify(Event)
}

// Tracker applies the job lifecycle on top of a Store: it creates records
// that arrive without one and reports every transition.
type Tracker struct {
	store    Store
	log      *zap.Logger
	notifier Notifier
}

func NewTracker(store Store, log *zap.Logger) *Tracker {
	return &Tracker{store: store, log: logging.OrNop(log).Named("jobs")}
}

// SetNotifier registers n. It must be called before the tracker is shared.
func (t *Tracker) SetNotifier(n Notifier) { t.notifier = n }

func (t *Tracker) Store() Store { return t.store }

func (t *Tracker) Get(ctx context.Context, id string) (*Job, error) {
	return t.store.Get(ctx, id)
}

// MarkQueued records that the job has been placed on the queue, creating the
// record when the upload path did not.
func (t *Tracker) MarkQueued(ctx context.Context, id, name, inputRef string) (*Job, error) {
	if _, err := t.ensure(ctx, id, name, inputRef, StatusUploaded); err != nil {
		return nil, err
	}
	return t.transition(ctx, id, StatusQueued, Fields{})
}

// MarkProcessing records that a unit is about to be launched. Entries pushed
// straight onto the queue by the bucket trigger have no record yet; one is
// created in the queued state first. A record still at uploaded is moved to
// queued before processing.
func (t *Tracker) MarkProcessing(ctx context.Context, id, name, inputRef string) (*Job, error) {
	j, err := t.ensure(ctx, id, name, inputRef, StatusQueued)
	if err != nil {
		return nil, err
	}
	if j.Status == StatusUploaded {
		if _, err := t.transition(ctx, id, StatusQueued, Fields{}); err != nil {
			return nil, err
		}
	}
	return t.transition(ctx, id, StatusProcessing, Fields{})
}

func (t *Tracker) MarkCompleted(ctx context.Context, id, outputRef string, resolutions []string) (*Job, error) {
	return t.transition(ctx, id, StatusCompleted, Fields{OutputRef: outputRef, Resolutions: resolutions})
}

func (t *Tracker) MarkFailed(ctx context.Context, id, reason string) (*Job, error) {
	return t.transition(ctx, id, StatusFailed, Fields{Error: reason})
}

// ensure returns the record for id, creating it at initial when missing.
func (t *Tracker) ensure(ctx context.Context, id, name, inputRef string, initial Status) (*Job, error) {
	existing, err := t.store.Get(ctx, id)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	j := New(id, name, inputRef)
	j.Status = initial
	err = t.store.Create(ctx, j)
	if errors.Is(err, ErrExists) {
		return t.store.Get(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("create job %s: %w", id, err)
	}
	t.log.Debug("job record created", zap.String("job_id", id), zap.String("status", string(initial)))
	return j, nil
}

func (t *Tracker) transition(ctx context.Context, id string, next Status, f Fields) (*Job, error) {
	j, err := t.store.UpdateStatus(ctx, id, next, f)
	if errors.Is(err, ErrInvalidTransition) && j != nil && j.Status == next && next.Terminal() {
		// Already written by an earlier attempt.
		return j, nil
	}
	if err != nil {
		return j, err
	}

	fields := []zap.Field{zap.String("job_id", id), zap.String("status", string(next))}
	if f.Error != "" {
		fields = append(fields, zap.String("error", f.Error))
	}
	t.log.Info("job status updated", fields...)

	if t.notifier != nil {
		t.notifier.Notify(Event{
			JobID:     id,
			Status:    next,
			OutputRef: j.OutputRef,
			Error:     j.ErrorMessage,
			At:        j.UpdatedAt,
		})
	}
	return j, nil
}
