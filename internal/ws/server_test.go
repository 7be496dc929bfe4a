package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/hlsconverter/orchestrator/internal/job"
)

func dial(t *testing.T, srv *httptest.Server, query string) (*websocket.Conn, AckMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	var ack AckMessage
	require.NoError(t, wsjson.Read(ctx, conn, &ack))
	require.Equal(t, "ack", ack.Type)
	return conn, ack
}

func readEvent(t *testing.T, conn *websocket.Conn) EventMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var ev EventMessage
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	return ev
}

func TestServer_BroadcastsEvents(t *testing.T) {
	s := NewServer(nil)
	srv := httptest.NewServer(httpHandler(s))
	defer srv.Close()

	a, ackA := dial(t, srv, "")
	b, _ := dial(t, srv, "")
	assert.NotEmpty(t, ackA.ClientID)
	assert.Eventually(t, func() bool { return s.Clients() == 2 }, time.Second, 10*time.Millisecond)

	now := time.Now().UTC()
	s.Notify(job.Event{JobID: "v1", Status: job.StatusCompleted, OutputRef: "v1/master.m3u8", At: now})

	for _, conn := range []*websocket.Conn{a, b} {
		ev := readEvent(t, conn)
		assert.Equal(t, "job_status", ev.Type)
		assert.Equal(t, "v1", ev.JobID)
		assert.Equal(t, job.StatusCompleted, ev.Status)
		assert.Equal(t, "v1/master.m3u8", ev.OutputRef)
	}
}

func TestServer_SubscriptionFilters(t *testing.T) {
	s := NewServer(nil)
	srv := httptest.NewServer(httpHandler(s))
	defer srv.Close()

	conn, ack := dial(t, srv, "?job_id=v2")
	assert.Equal(t, []string{"v2"}, ack.JobIDs)

	s.Notify(job.Event{JobID: "v1", Status: job.StatusProcessing})
	s.Notify(job.Event{JobID: "v2", Status: job.StatusFailed, Error: "Container exited with code 1"})

	ev := readEvent(t, conn)
	assert.Equal(t, "v2", ev.JobID)
	assert.Equal(t, "Container exited with code 1", ev.Error)
}

func TestServer_SubscribeMessage(t *testing.T) {
	s := NewServer(nil)
	srv := httptest.NewServer(httpHandler(s))
	defer srv.Close()

	conn, _ := dial(t, srv, "")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, wsjson.Write(ctx, conn, SubscribeMessage{Type: "subscribe", JobIDs: []string{"b", "a"}}))
	var ack AckMessage
	require.NoError(t, wsjson.Read(ctx, conn, &ack))
	assert.Equal(t, "subscribed", ack.Message)
	assert.Equal(t, []string{"a", "b"}, ack.JobIDs)

	s.Notify(job.Event{JobID: "other", Status: job.StatusQueued})
	s.Notify(job.Event{JobID: "a", Status: job.StatusQueued})
	assert.Equal(t, "a", readEvent(t, conn).JobID)
}

func TestServer_Heartbeat(t *testing.T) {
	s := NewServer(nil)
	srv := httptest.NewServer(httpHandler(s))
	defer srv.Close()

	conn, _ := dial(t, srv, "")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, wsjson.Write(ctx, conn, HeartbeatMessage{Type: "heartbeat"}))
	var hb HeartbeatMessage
	require.NoError(t, wsjson.Read(ctx, conn, &hb))
	assert.Equal(t, "heartbeat", hb.Type)
	assert.False(t, hb.Timestamp.IsZero())
}

func TestServer_DisconnectUnregisters(t *testing.T) {
	s := NewServer(nil)
	srv := httptest.NewServer(httpHandler(s))
	defer srv.Close()

	conn, _ := dial(t, srv, "")
	require.Eventually(t, func() bool { return s.Clients() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close(websocket.StatusNormalClosure, "bye")
	assert.Eventually(t, func() bool { return s.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)

	// No clients: nothing to deliver, nothing dropped.
	s.Notify(job.Event{JobID: "v1", Status: job.StatusQueued})
	assert.Equal(t, int64(0), s.Dropped())
}

func httpHandler(s *Server) http.Handler { return http.HandlerFunc(s.HandleEvents) }
