package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrExists            = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStoreUnavailable marks a failure to reach the job store. Callers
	// treat it as transient.
	ErrStoreUnavailable = errors.New("job store unavailable")
)

var forward = map[Status]Status{
	StatusUploaded:   StatusQueued,
	StatusQueued:     StatusProcessing,
	StatusProcessing: StatusCompleted,
}

func (s Status) Valid() bool {
	switch s {
	case StatusUploaded, StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether a job in status s may move to next.
// Statuses only move forward, any non-terminal job may fail, and a queued
// job may be queued again.
func (s Status) CanTransitionTo(next Status) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	if next == s {
		return s == StatusQueued
	}
	return forward[s] == next
}

// PriorStatuses lists every status that may transition to next.
func PriorStatuses(next Status) []Status {
	var out []Status
	for _, s := range []Status{StatusUploaded, StatusQueued, StatusProcessing} {
		if s.CanTransitionTo(next) {
			out = append(out, s)
		}
	}
	return out
}

// Job is the durable record of one video conversion.
type Job struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	InputRef     string     `json:"input_ref"`
	Status       Status     `json:"status"`
	OutputRef    string     `json:"output_ref,omitempty"`
	Resolutions  []string   `json:"resolutions,omitempty"`
	ErrorMessage string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// New returns an uploaded job. name and inputRef default to id.
func New(id, name, inputRef string) *Job {
	if name == "" {
		name = id
	}
	if inputRef == "" {
		inputRef = id
	}
	now := time.Now().UTC()
	return &Job{
		ID:        id,
		Name:      name,
		InputRef:  inputRef,
		Status:    StatusUploaded,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Fields carries the optional values written alongside a status change.
// Zero values leave the stored value untouched.
type Fields struct {
	OutputRef   string
	Resolutions []string
	Error       string
}

func transitionError(id string, from, to Status) error {
	return fmt.Errorf("%w: job %s %s -> %s", ErrInvalidTransition, id, from, to)
}

// apply moves j to status next, stamping timestamps. The caller has already
// checked the transition.
func apply(j *Job, next Status, f Fields, now time.Time) {
	j.Status = next
	j.UpdatedAt = now
	if f.OutputRef != "" {
		j.OutputRef = f.OutputRef
	}
	if f.Resolutions != nil {
		j.Resolutions = append([]string(nil), f.Resolutions...)
	}
	if f.Error != "" {
		j.ErrorMessage = f.Error
	}
	if next.Terminal() {
		done := now
		j.CompletedAt = &done
	}
}

func (j *Job) clone() *Job {
	c := *j
	c.Resolutions = append([]string(nil), j.Resolutions...)
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// page filters, orders newest first and slices jobs.
func page(jobs []*Job, f Filter) ([]*Job, int) {
	var filtered []*Job
	for _, j := range jobs {
		if f.Status == "" || j.Status == f.Status {
			filtered = append(filtered, j)
		}
	}
	sort.Slice(filtered, func(a, b int) bool {
		return filtered[a].CreatedAt.After(filtered[b].CreatedAt)
	})

	total := len(filtered)
	if f.Offset >= total {
		return []*Job{}, total
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < total {
		end = f.Offset + f.Limit
	}
	return filtered[f.Offset:end], total
}

// MemoryStore keeps jobs in a map. It is used by tests and single-process
// runs that do not need durability.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Create(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, j.ID)
	}
	s.jobs[j.ID] = j.clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j.clone(), nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, next Status, f Fields) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !j.Status.CanTransitionTo(next) {
		return j.clone(), transitionError(id, j.Status, next)
	}
	apply(j, next, f, time.Now().UTC())
	return j.clone(), nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Job, int, error) {
	s.mu.RLock()
	all := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		all = append(all, j.clone())
	}
	s.mu.RUnlock()

	jobs, total := page(all, f)
	return jobs, total, nil
}

func (s *MemoryStore) Stats(_ context.Context) (Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c Counts
	for _, j := range s.jobs {
		c.add(j.Status, 1)
	}
	return c, nil
}
