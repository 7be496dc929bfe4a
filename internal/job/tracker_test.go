package job

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingNotifier) Notify(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingNotifier) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, e := range r.events {
		out = append(out, e.Status)
	}
	return out
}

func newTestTracker() (*Tracker, *recordingNotifier) {
	tr := NewTracker(NewMemoryStore(), nil)
	n := &recordingNotifier{}
	tr.SetNotifier(n)
	return tr, n
}

func TestTracker_FullLifecycle(t *testing.T) {
	tr, n := newTestTracker()
	ctx := context.Background()

	j, err := tr.MarkQueued(ctx, "v1", "clip", "v1.mp4")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, j.Status)

	_, err = tr.MarkProcessing(ctx, "v1", "clip", "v1.mp4")
	require.NoError(t, err)

	j, err = tr.MarkCompleted(ctx, "v1", "clip/master.m3u8", []string{"720p"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, j.Status)
	assert.Equal(t, "clip/master.m3u8", j.OutputRef)

	assert.Equal(t, []Status{StatusQueued, StatusProcessing, StatusCompleted}, n.statuses())
}

func TestTracker_ProcessingCreatesMissingRecord(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()

	j, err := tr.MarkProcessing(ctx, "raw.mp4", "raw.mp4", "raw.mp4")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, j.Status)
	assert.Equal(t, "raw.mp4", j.InputRef)
}

func TestTracker_ProcessingPromotesUploadedRecord(t *testing.T) {
	tr, n := newTestTracker()
	ctx := context.Background()

	require.NoError(t, tr.Store().Create(ctx, New("raw.mp4", "raw", "raw.mp4")))

	j, err := tr.MarkProcessing(ctx, "raw.mp4", "raw.mp4", "raw.mp4")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, j.Status)
	assert.Equal(t, "raw", j.Name)
	assert.Equal(t, []Status{StatusQueued, StatusProcessing}, n.statuses())
}

func TestTracker_ProcessingRejectsTerminal(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()

	_, err := tr.MarkQueued(ctx, "v1", "", "")
	require.NoError(t, err)
	_, err = tr.MarkFailed(ctx, "v1", "cancelled")
	require.NoError(t, err)

	j, err := tr.MarkProcessing(ctx, "v1", "", "")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	require.NotNil(t, j)
	assert.Equal(t, StatusFailed, j.Status)
}

func TestTracker_TerminalWriteIsIdempotent(t *testing.T) {
	tr, n := newTestTracker()
	ctx := context.Background()

	_, err := tr.MarkProcessing(ctx, "v1", "", "")
	require.NoError(t, err)
	_, err = tr.MarkFailed(ctx, "v1", "Container exited with code 1")
	require.NoError(t, err)

	j, err := tr.MarkFailed(ctx, "v1", "Container exited with code 1")
	require.NoError(t, err)
	assert.Equal(t, "Container exited with code 1", j.ErrorMessage)

	_, err = tr.MarkCompleted(ctx, "v1", "x", nil)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	assert.Equal(t, []Status{StatusProcessing, StatusFailed}, n.statuses())
}

func TestTracker_RequeueKeepsQueued(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()

	_, err := tr.MarkQueued(ctx, "v1", "", "")
	require.NoError(t, err)
	j, err := tr.MarkQueued(ctx, "v1", "", "")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, j.Status)
}
