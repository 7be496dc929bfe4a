package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// localEnv points every store at a badger database in a temp dir.
func localEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SHARED_BACKEND", "badger")
	t.Setenv("JOB_STORE", "badger")
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("CONFIG_FILE", "")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestEnqueueAndStatus(t *testing.T) {
	localEnv(t)

	out, err := run(t, "enqueue", "v1.mp4", "--id", "v1", "--name", "holiday")
	require.NoError(t, err)
	assert.Contains(t, out, "Queued job v1")

	out, err = run(t, "status", "--json")
	require.NoError(t, err)
	var resp struct {
		Scheduler struct {
			QueuedJobs        int64 `json:"queuedJobs"`
			MaxConcurrentJobs int64 `json:"maxConcurrentJobs"`
		} `json:"scheduler"`
		Jobs struct {
			Queued int `json:"queued"`
		} `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, int64(1), resp.Scheduler.QueuedJobs)
	assert.Equal(t, int64(5), resp.Scheduler.MaxConcurrentJobs)
	assert.Equal(t, 1, resp.Jobs.Queued)

	out, err = run(t, "status", "--job", "v1")
	require.NoError(t, err)
	assert.Contains(t, out, "holiday")
	assert.Contains(t, out, "queued")

	out, err = run(t, "status", "--list")
	require.NoError(t, err)
	assert.Contains(t, out, "1 of 1 jobs")
}

func TestEnqueueRequiresKey(t *testing.T) {
	localEnv(t)
	_, err := run(t, "enqueue")
	assert.Error(t, err)
}

func TestKeepAliveCommand(t *testing.T) {
	localEnv(t)

	out, err := run(t, "keepalive", "off")
	require.NoError(t, err)
	assert.Contains(t, out, "Keep-alive off")

	out, err = run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Keep alive")
	assert.Contains(t, out, "no")

	_, err = run(t, "keepalive", "maybe")
	assert.Error(t, err)
}

func TestInvalidConfig(t *testing.T) {
	localEnv(t)
	t.Setenv("SCHEDULER_DRIVER", "cron")
	_, err := run(t, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCHEDULER_DRIVER")
}

func TestParseOnOff(t *testing.T) {
	for in, want := range map[string]bool{"on": true, "true": true, "1": true, "off": false, "0": false} {
		got, err := parseOnOff(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseOnOff("yes")
	assert.Error(t, err)
}

func TestRenderTable(t *testing.T) {
	out := renderTable([]string{"Name", "Count"}, [][]string{{"queued", "3"}, {"failed"}}, 1)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.GreaterOrEqual(t, len(lines), 5)
	assert.Contains(t, out, "queued")
	assert.Contains(t, out, "NAME")
}
