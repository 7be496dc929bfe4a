// Package ws streams job status changes to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/hlsconverter/orchestrator/internal/job"
	"github.com/hlsconverter/orchestrator/internal/logging"
)

const (
	sendBuffer   = 32
	writeTimeout = 5 * time.Second
)

type client struct {
	id   string
	conn *websocket.Conn
	send chan EventMessage

	mu   sync.Mutex
	jobs map[string]bool
}

func (c *client) wants(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs) == 0 || c.jobs[jobID]
}

func (c *client) subscribe(ids []string, on bool) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if on {
			c.jobs[id] = true
		} else {
			delete(c.jobs, id)
		}
	}
	out := make([]string, 0, len(c.jobs))
	for id := range c.jobs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Server fans job events out to connected clients. It implements
// job.Notifier.
type Server struct {
	log *zap.Logger

	clientsMu sync.RWMutex
	clients   map[string]*client

	dropped atomic.Int64
}

var _ job.Notifier = (*Server)(nil)

func NewServer(log *zap.Logger) *Server {
	return &Server{
		log:     logging.OrNop(log).Named("ws"),
		clients: make(map[string]*client),
	}
}

// Clients is the number of connected clients.
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Dropped counts events discarded because a client was not reading.
func (s *Server) Dropped() int64 { return s.dropped.Load() }

// Notify queues ev for every interested client without blocking.
func (s *Server) Notify(ev job.Event) {
	msg := eventMessage(ev)
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for _, c := range s.clients {
		if !c.wants(ev.JobID) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			s.dropped.Add(1)
			s.log.Warn("client too slow, event dropped", zap.String("client_id", c.id), zap.String("job_id", ev.JobID))
		}
	}
}

func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "goodbye")

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan EventMessage, sendBuffer),
		jobs: make(map[string]bool),
	}
	for _, id := range r.URL.Query()["job_id"] {
		c.jobs[id] = true
	}

	s.clientsMu.Lock()
	s.clients[c.id] = c
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, c.id)
		s.clientsMu.Unlock()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// All writes go through one goroutine; the reader hands replies to it.
	replies := make(chan any, 4)
	go s.writeLoop(ctx, c, replies)

	replies <- AckMessage{Type: "ack", ClientID: c.id, Message: "Welcome!", JobIDs: c.subscribe(nil, true)}
	s.log.Debug("client connected", zap.String("client_id", c.id))

	s.readLoop(ctx, c, replies)
}

func (s *Server) writeLoop(ctx context.Context, c *client, replies <-chan any) {
	for {
		var msg any
		select {
		case <-ctx.Done():
			return
		case msg = <-replies:
		case msg = <-c.send:
		}
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := wsjson.Write(wctx, c.conn, msg)
		cancel()
		if err != nil {
			s.log.Debug("websocket write", zap.String("client_id", c.id), zap.Error(err))
			c.conn.Close(websocket.StatusInternalError, "write failed")
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, c *client, replies chan<- any) {
	reply := func(msg any) {
		select {
		case replies <- msg:
		case <-ctx.Done():
		}
	}

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				s.log.Debug("websocket read", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}

		var msg BaseMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("invalid message format", zap.Error(err))
			continue
		}

		switch msg.Type {
		case "subscribe", "unsubscribe":
			var sub SubscribeMessage
			if err := json.Unmarshal(data, &sub); err != nil {
				s.log.Debug("invalid subscribe message", zap.Error(err))
				continue
			}
			ids := c.subscribe(sub.JobIDs, msg.Type == "subscribe")
			reply(AckMessage{Type: "ack", ClientID: c.id, Message: msg.Type + "d", JobIDs: ids})

		case "heartbeat":
			reply(HeartbeatMessage{Type: "heartbeat", Timestamp: time.Now().UTC()})

		case "quit":
			return

		default:
			s.log.Debug("unknown message type", zap.String("type", msg.Type))
		}
	}
}
