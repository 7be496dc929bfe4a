package job

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestPostgresStore connects to TEST_DATABASE_URL, skipping when unset.
func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := NewPostgresStore(pool)
	require.NoError(t, store.EnsureSchema(ctx))
	return store
}

func TestPostgresStore_Lifecycle(t *testing.T) {
	store := newTestPostgresStore(t)
	ctx := context.Background()
	id := "test-" + uuid.NewString()

	require.NoError(t, store.Create(ctx, New(id, "clip.mp4", id+".mp4")))
	assert.True(t, errors.Is(store.Create(ctx, New(id, "", "")), ErrExists))

	for _, next := range []Status{StatusQueued, StatusProcessing} {
		_, err := store.UpdateStatus(ctx, id, next, Fields{})
		require.NoError(t, err)
	}
	j, err := store.UpdateStatus(ctx, id, StatusCompleted, Fields{
		OutputRef:   "clip/master.m3u8",
		Resolutions: []string{"720p"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"720p"}, j.Resolutions)
	assert.NotNil(t, j.CompletedAt)

	j, err = store.UpdateStatus(ctx, id, StatusFailed, Fields{Error: "late"})
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StatusCompleted, j.Status)

	_, err = store.UpdateStatus(ctx, "missing-"+id, StatusQueued, Fields{})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPostgresStore_ListFilter(t *testing.T) {
	store := newTestPostgresStore(t)
	ctx := context.Background()
	id := "test-" + uuid.NewString()
	require.NoError(t, store.Create(ctx, New(id, "", "")))
	_, err := store.UpdateStatus(ctx, id, StatusQueued, Fields{})
	require.NoError(t, err)

	jobs, total, err := store.List(ctx, Filter{Status: StatusQueued, Limit: 1000})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, 1)

	found := false
	for _, j := range jobs {
		assert.Equal(t, StatusQueued, j.Status)
		if j.ID == id {
			found = true
		}
	}
	assert.True(t, found)
}
