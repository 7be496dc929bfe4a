package job

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJob(t *testing.T) {
	j := New("v1", "", "")

	if j.Status != StatusUploaded {
		t.Errorf("expected uploaded, got %s", j.Status)
	}
	if j.Name != "v1" || j.InputRef != "v1" {
		t.Errorf("expected name and input to default to id, got %q %q", j.Name, j.InputRef)
	}
	if j.CreatedAt.IsZero() {
		t.Error("expected created_at")
	}
}

func TestStatus_CanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusUploaded, StatusQueued, true},
		{StatusQueued, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusUploaded, StatusFailed, true},
		{StatusQueued, StatusFailed, true},
		{StatusProcessing, StatusFailed, true},
		{StatusQueued, StatusQueued, true},
		{StatusProcessing, StatusProcessing, false},
		{StatusUploaded, StatusProcessing, false},
		{StatusQueued, StatusCompleted, false},
		{StatusProcessing, StatusQueued, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusQueued, false},
		{StatusCompleted, StatusCompleted, false},
		{StatusQueued, Status("bogus"), false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.from.CanTransitionTo(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestPriorStatuses(t *testing.T) {
	assert.ElementsMatch(t, []Status{StatusUploaded, StatusQueued, StatusProcessing}, PriorStatuses(StatusFailed))
	assert.Equal(t, []Status{StatusProcessing}, PriorStatuses(StatusCompleted))
	assert.Equal(t, []Status{StatusUploaded, StatusQueued}, PriorStatuses(StatusQueued))
}

// storeFactories lets every Store implementation run the same checks.
func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory":     func() Store { return NewMemoryStore() },
		"persistent": func() Store { return newTestPersistentStore(t) },
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			ctx := context.Background()
			j := New("v1", "clip.mp4", "v1.mp4")

			require.NoError(t, store.Create(ctx, j))
			got, err := store.Get(ctx, "v1")
			require.NoError(t, err)
			assert.Equal(t, "clip.mp4", got.Name)
			assert.Equal(t, "v1.mp4", got.InputRef)
			assert.Equal(t, StatusUploaded, got.Status)

			err = store.Create(ctx, j)
			assert.True(t, errors.Is(err, ErrExists))

			_, err = store.Get(ctx, "missing")
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestStore_UpdateStatusLifecycle(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			ctx := context.Background()
			require.NoError(t, store.Create(ctx, New("v1", "", "")))

			for _, next := range []Status{StatusQueued, StatusProcessing} {
				j, err := store.UpdateStatus(ctx, "v1", next, Fields{})
				require.NoError(t, err)
				assert.Equal(t, next, j.Status)
				assert.Nil(t, j.CompletedAt)
			}

			j, err := store.UpdateStatus(ctx, "v1", StatusCompleted, Fields{
				OutputRef:   "v1/master.m3u8",
				Resolutions: []string{"360p", "720p"},
			})
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, j.Status)
			assert.Equal(t, "v1/master.m3u8", j.OutputRef)
			assert.Equal(t, []string{"360p", "720p"}, j.Resolutions)
			require.NotNil(t, j.CompletedAt)

			j, err = store.UpdateStatus(ctx, "v1", StatusFailed, Fields{Error: "late"})
			assert.True(t, errors.Is(err, ErrInvalidTransition))
			require.NotNil(t, j)
			assert.Equal(t, StatusCompleted, j.Status)

			got, err := store.Get(ctx, "v1")
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, got.Status)
			assert.Empty(t, got.ErrorMessage)
		})
	}
}

func TestStore_UpdateStatusNotFound(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			_, err := newStore().UpdateStatus(context.Background(), "missing", StatusQueued, Fields{})
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

// Concurrent completion and failure of the same job: exactly one wins.
func TestStore_ConcurrentTerminalWrites(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			ctx := context.Background()
			j := New("v1", "", "")
			j.Status = StatusProcessing
			require.NoError(t, store.Create(ctx, j))

			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					next := StatusCompleted
					if i%2 == 0 {
						next = StatusFailed
					}
					if _, err := store.UpdateStatus(ctx, "v1", next, Fields{}); err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, 1, wins)
		})
	}
}

func TestStore_ListAndStats(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			ctx := context.Background()
			for _, id := range []string{"a", "b", "c"} {
				require.NoError(t, store.Create(ctx, New(id, "", "")))
			}
			_, err := store.UpdateStatus(ctx, "b", StatusQueued, Fields{})
			require.NoError(t, err)

			jobs, total, err := store.List(ctx, Filter{Limit: 2})
			require.NoError(t, err)
			assert.Equal(t, 3, total)
			assert.Len(t, jobs, 2)

			jobs, total, err = store.List(ctx, Filter{Status: StatusQueued})
			require.NoError(t, err)
			assert.Equal(t, 1, total)
			require.Len(t, jobs, 1)
			assert.Equal(t, "b", jobs[0].ID)

			jobs, _, err = store.List(ctx, Filter{Offset: 10})
			require.NoError(t, err)
			assert.Empty(t, jobs)

			counts, err := store.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, Counts{Uploaded: 2, Queued: 1}, counts)
		})
	}
}
