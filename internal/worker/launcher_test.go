package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlsconverter/orchestrator/internal/blob"
	"github.com/hlsconverter/orchestrator/internal/docker"
	"github.com/hlsconverter/orchestrator/internal/queue"
)

func newTestLauncher(t *testing.T) (*Launcher, *docker.Fake, *blob.Memory) {
	t.Helper()
	exec := docker.NewFake()
	blobs := blob.NewMemory()
	l := NewLauncher(exec, blobs, Config{
		Image:      "hls-converter-worker",
		Prefix:     "hls-converter",
		Network:    "host",
		TempBucket: "temp-videos",
		PresignTTL: time.Minute,
		Owner:      "node-a/1f2e3d4c",
		Env:        map[string]string{"REDIS_HOST": "redis"},
	}, nil)
	return l, exec, blobs
}

func TestLauncher_Launch(t *testing.T) {
	l, exec, blobs := newTestLauncher(t)
	ctx := context.Background()
	require.NoError(t, blobs.Put(ctx, "temp-videos", "v1.mp4", []byte("x"), "video/mp4"))

	h, err := l.Launch(ctx, queue.Entry{JobID: "v1", VideoKey: "v1.mp4", VideoName: "clip"})
	require.NoError(t, err)
	assert.Equal(t, "v1", h.JobID)
	assert.Equal(t, "hls-converter-v1-3bfc2695", h.UnitName)
	assert.NotEmpty(t, h.UnitID)
	assert.False(t, h.LaunchedAt.IsZero())

	started := exec.Started()
	require.Len(t, started, 1)
	spec := started[0]
	assert.Equal(t, "hls-converter-worker", spec.Image)
	assert.Equal(t, "v1", spec.Env["JOB_ID"])
	assert.Equal(t, "v1", spec.Env["VIDEO_ID"])
	assert.Equal(t, "v1.mp4", spec.Env["VIDEO_KEY"])
	assert.Equal(t, "clip", spec.Env["VIDEO_NAME"])
	assert.Contains(t, spec.Env["VIDEO_URL"], "mem://temp-videos/v1.mp4")
	assert.Equal(t, "redis", spec.Env["REDIS_HOST"])
	assert.Equal(t, "v1", spec.Labels[docker.LabelJobID])
	assert.Equal(t, "node-a/1f2e3d4c", spec.Labels[docker.LabelOwner])
	assert.Equal(t, "node-a/1f2e3d4c", h.Owner)

	assert.Equal(t, 1, exec.Running())
}

func TestLauncher_MissingInput(t *testing.T) {
	l, exec, _ := newTestLauncher(t)

	_, err := l.Launch(context.Background(), queue.Entry{JobID: "v1", VideoKey: "missing.mp4", VideoName: "v1"})
	var le *LaunchError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "resolve-input", le.Stage)
	assert.True(t, blob.IsNotFound(err))
	assert.Empty(t, exec.Started())
}

func TestLauncher_RuntimeRejects(t *testing.T) {
	l, exec, blobs := newTestLauncher(t)
	ctx := context.Background()
	require.NoError(t, blobs.Put(ctx, "temp-videos", "v1.mp4", []byte("x"), ""))
	exec.StartErr = errors.New("image not found")

	_, err := l.Launch(ctx, queue.Entry{JobID: "v1", VideoKey: "v1.mp4", VideoName: "v1"})
	var le *LaunchError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "start", le.Stage)
	assert.Equal(t, "v1", le.JobID)
}

func TestHandleFromUnit(t *testing.T) {
	launched := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h, ok := HandleFromUnit(docker.Unit{
		ID:   "abc",
		Name: "hls-converter-v1",
		Labels: map[string]string{
			docker.LabelJobID:      "v1",
			docker.LabelVideoName:  "clip",
			docker.LabelLaunchedAt: launched.Format(time.RFC3339),
			docker.LabelOwner:      "node-b/9a8b7c6d",
		},
	})
	require.True(t, ok)
	assert.Equal(t, "node-b/9a8b7c6d", h.Owner)
	assert.Equal(t, "v1", h.VideoKey)
	assert.Equal(t, "clip", h.VideoName)
	assert.Equal(t, launched, h.LaunchedAt)

	_, ok = HandleFromUnit(docker.Unit{ID: "x"})
	assert.False(t, ok)
}
