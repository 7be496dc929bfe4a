package ws

import (
	"time"

	"github.com/hlsconverter/orchestrator/internal/job"
)

type BaseMessage struct {
	Type string `json:"type"`
}

// Client → Orchestrator

// SubscribeMessage narrows (or, for "unsubscribe", widens) the set of jobs a
// client receives events for. A client with no subscriptions receives all.
type SubscribeMessage struct {
	Type   string   `json:"type"`
	JobIDs []string `json:"job_ids"`
}

type HeartbeatMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Orchestrator → Client

type AckMessage struct {
	Type     string   `json:"type"`
	ClientID string   `json:"client_id"`
	Message  string   `json:"message"`
	JobIDs   []string `json:"job_ids,omitempty"`
}

type EventMessage struct {
	Type      string     `json:"type"`
	JobID     string     `json:"job_id"`
	Status    job.Status `json:"status"`
	OutputRef string     `json:"output_ref,omitempty"`
	Error     string     `json:"error,omitempty"`
	At        time.Time  `json:"at"`
}

func eventMessage(ev job.Event) EventMessage {
	return EventMessage{
		Type:      "job_status",
		JobID:     ev.JobID,
		Status:    ev.Status,
		OutputRef: ev.OutputRef,
		Error:     ev.Error,
		At:        ev.At,
	}
}
