// Package queue is the durable FIFO of jobs waiting for a worker unit.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hlsconverter/orchestrator/internal/shared"
)

// ErrMalformedEntry is returned by Dequeue when the popped payload cannot be
// decoded. The payload has already been removed from the list.
var ErrMalformedEntry = errors.New("malformed queue entry")

// Entry is the reference pushed for each job: enough to launch a unit without
// consulting the job store.
type Entry struct {
	JobID      string    `json:"jobId"`
	VideoKey   string    `json:"videoKey"`
	VideoName  string    `json:"videoName"`
	EnqueuedAt time.Time `json:"enqueuedAt,omitempty"`
}

func (e Entry) Validate() error {
	if e.JobID == "" {
		return errors.New("entry job id is required")
	}
	if e.VideoKey == "" {
		return errors.New("entry video key is required")
	}
	return nil
}

// Encode renders the entry in its list representation.
func (e Entry) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}
	return string(data), nil
}

// Decode parses a list payload. Plain strings, as pushed by the bucket
// trigger, are object keys that double as job id and name.
func Decode(raw string) (Entry, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Entry{}, fmt.Errorf("%w: empty payload", ErrMalformedEntry)
	}
	if !strings.HasPrefix(trimmed, "{") {
		return Entry{JobID: trimmed, VideoKey: trimmed, VideoName: trimmed}, nil
	}

	var e Entry
	if err := json.Unmarshal([]byte(trimmed), &e); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	if e.VideoKey == "" {
		e.VideoKey = e.JobID
	}
	if e.VideoName == "" {
		e.VideoName = e.JobID
	}
	if err := e.Validate(); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	return e, nil
}

type Queue struct {
	store shared.Store
	key   string
}

func New(store shared.Store, key string) *Queue {
	return &Queue{store: store, key: key}
}

// Enqueue appends e to the tail. Duplicate job ids are not detected.
func (q *Queue) Enqueue(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}
	payload, err := e.Encode()
	if err != nil {
		return err
	}
	if err := q.store.PushBack(ctx, q.key, payload); err != nil {
		return fmt.Errorf("enqueue %s: %w", e.JobID, err)
	}
	return nil
}

// Requeue puts a popped entry back at the head so it is the next one served.
func (q *Queue) Requeue(ctx context.Context, e Entry) error {
	payload, err := e.Encode()
	if err != nil {
		return err
	}
	if err := q.store.PushFront(ctx, q.key, payload); err != nil {
		return fmt.Errorf("requeue %s: %w", e.JobID, err)
	}
	return nil
}

// Dequeue removes the head entry, waiting up to timeout for one. ok is false
// when the queue stayed empty.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (Entry, bool, error) {
	raw, ok, err := q.store.PopFront(ctx, q.key, timeout)
	if err != nil {
		return Entry{}, false, fmt.Errorf("dequeue: %w", err)
	}
	if !ok {
		return Entry{}, false, nil
	}
	e, err := Decode(raw)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Len is a hint only: it may be stale by the time the caller acts on it.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.store.Len(ctx, q.key)
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}
