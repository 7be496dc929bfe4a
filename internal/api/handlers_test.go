package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlsconverter/orchestrator/internal/admission"
	"github.com/hlsconverter/orchestrator/internal/blob"
	"github.com/hlsconverter/orchestrator/internal/config"
	"github.com/hlsconverter/orchestrator/internal/docker"
	"github.com/hlsconverter/orchestrator/internal/job"
	"github.com/hlsconverter/orchestrator/internal/queue"
	"github.com/hlsconverter/orchestrator/internal/scheduler"
	"github.com/hlsconverter/orchestrator/internal/shared"
	"github.com/hlsconverter/orchestrator/internal/worker"
	"github.com/hlsconverter/orchestrator/internal/ws"
)

type fixture struct {
	router http.Handler
	store  job.Store
	shared shared.Store
	queue  *queue.Queue
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	sh, err := shared.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { sh.Close() })

	slots, err := admission.New(sh, cfg.Shared.CounterKey, int64(cfg.Scheduler.MaxConcurrentJobs), nil)
	require.NoError(t, err)

	store := job.NewMemoryStore()
	exec := docker.NewFake()
	blobs := blob.NewMemory()
	q := queue.New(sh, cfg.Shared.QueueKey)
	deps := scheduler.Deps{
		Shared:   sh,
		Queue:    q,
		Slots:    slots,
		Jobs:     job.NewTracker(store, nil),
		Launcher: worker.NewLauncher(exec, blobs, worker.Config{Image: cfg.Worker.Image}, nil),
		Exec:     exec,
		Blobs:    blobs,
	}
	pool := scheduler.NewPool(scheduler.PoolConfig{
		Instances: 1,
		NodeID:    cfg.NodeID,
		Scheduler: scheduler.Config{KeepAliveKey: cfg.Shared.KeepAliveKey, WakeChannel: cfg.Shared.WakeChannel},
	}, deps, nil)

	return &fixture{
		router: NewRouter(cfg, pool, store, ws.NewServer(nil), nil),
		store:  store,
		shared: sh,
		queue:  q,
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.NodeID = "test-node"
	cfg.EnqueueRate = 0
	return cfg
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	f := newFixture(t, testConfig())
	w := f.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	decode(t, w, &resp)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "test-node", resp["node_id"])
}

func TestSubmitJob(t *testing.T) {
	f := newFixture(t, testConfig())
	w := f.do(t, "POST", "/api/jobs", JobRequest{JobID: "v1", VideoKey: "v1.mp4", VideoName: "holiday"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var j job.Job
	decode(t, w, &j)
	assert.Equal(t, "v1", j.ID)
	assert.Equal(t, "holiday", j.Name)
	assert.Equal(t, job.StatusQueued, j.Status)

	n, err := f.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSubmitJob_GeneratesID(t *testing.T) {
	f := newFixture(t, testConfig())
	w := f.do(t, "POST", "/api/jobs", JobRequest{VideoKey: "clip.mp4"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var j job.Job
	decode(t, w, &j)
	assert.Len(t, j.ID, 36)
	assert.Equal(t, "clip.mp4", j.InputRef)
}

func TestSubmitJob_Validation(t *testing.T) {
	f := newFixture(t, testConfig())
	w := f.do(t, "POST", "/api/jobs", JobRequest{JobID: "v1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest("POST", "/api/jobs", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJob_FinishedJobConflicts(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	tr := job.NewTracker(f.store, nil)
	_, err := tr.MarkProcessing(ctx, "v1", "v1", "v1.mp4")
	require.NoError(t, err)
	_, err = tr.MarkCompleted(ctx, "v1", "v1/master.m3u8", []string{"720p"})
	require.NoError(t, err)

	w := f.do(t, "POST", "/api/jobs", JobRequest{JobID: "v1", VideoKey: "v1.mp4"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSubmitJob_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.EnqueueRate = 0.001
	cfg.EnqueueBurst = 1
	f := newFixture(t, cfg)

	w := f.do(t, "POST", "/api/jobs", JobRequest{VideoKey: "a.mp4"})
	assert.Equal(t, http.StatusAccepted, w.Code)
	w = f.do(t, "POST", "/api/jobs", JobRequest{VideoKey: "b.mp4"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Reads are not limited.
	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/api/jobs", nil).Code)
}

func TestGetJob(t *testing.T) {
	f := newFixture(t, testConfig())
	f.do(t, "POST", "/api/jobs", JobRequest{JobID: "v1", VideoKey: "v1.mp4"})

	w := f.do(t, "GET", "/api/jobs/v1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var j job.Job
	decode(t, w, &j)
	assert.Equal(t, job.StatusQueued, j.Status)

	assert.Equal(t, http.StatusNotFound, f.do(t, "GET", "/api/jobs/missing", nil).Code)
}

func TestListJobs(t *testing.T) {
	f := newFixture(t, testConfig())
	for _, id := range []string{"a", "b", "c"} {
		f.do(t, "POST", "/api/jobs", JobRequest{JobID: id, VideoKey: id + ".mp4"})
	}
	_, err := job.NewTracker(f.store, nil).MarkFailed(context.Background(), "b", "cancelled")
	require.NoError(t, err)

	w := f.do(t, "GET", "/api/jobs?status=queued&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Jobs  []job.Job `json:"jobs"`
		Total int       `json:"total"`
		Limit int       `json:"limit"`
	}
	decode(t, w, &resp)
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 1, resp.Limit)
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, job.StatusQueued, resp.Jobs[0].Status)

	assert.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/api/jobs?status=bogus", nil).Code)
}

func TestKeepAlive(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	w := f.do(t, "PUT", "/api/keepalive", map[string]bool{"enabled": true})
	require.Equal(t, http.StatusOK, w.Code)
	on, err := f.shared.Flag(ctx, "keep_workers_alive")
	require.NoError(t, err)
	assert.True(t, on)

	w = f.do(t, "PUT", "/api/keepalive", map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code)
	on, err = f.shared.Flag(ctx, "keep_workers_alive")
	require.NoError(t, err)
	assert.False(t, on)

	assert.Equal(t, http.StatusBadRequest, f.do(t, "PUT", "/api/keepalive", map[string]string{}).Code)
}

func TestStats(t *testing.T) {
	f := newFixture(t, testConfig())
	f.do(t, "POST", "/api/jobs", JobRequest{JobID: "v1", VideoKey: "v1.mp4"})

	w := f.do(t, "GET", "/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		NodeID    string          `json:"node_id"`
		Scheduler scheduler.Stats `json:"scheduler"`
		Jobs      job.Counts      `json:"jobs"`
	}
	decode(t, w, &resp)
	assert.Equal(t, "test-node", resp.NodeID)
	assert.Equal(t, int64(1), resp.Scheduler.QueuedJobs)
	assert.Equal(t, int64(5), resp.Scheduler.MaxConcurrentJobs)
	assert.Equal(t, int64(5), resp.Scheduler.AvailableSlots)
	assert.Equal(t, 1, resp.Jobs.Queued)
}
