package server

import (
	"time"

	"github.com/teranos/segpulse/pulse/async"
	"github.com/teranos/segpulse/pulse/schedule"
	"github.com/teranos/segpulse/pulse/watch"
)

const (
	// MaxClients is the maximum number of concurrent WebSocket clients
	MaxClients = 100
	// MaxClientMessageQueueSize is the size of per-client message queues
	MaxClientMessageQueueSize = 256
	// ShutdownTimeout is how long Stop waits for server goroutines
	ShutdownTimeout = 30 * time.Second
)

// ServerState represents the server lifecycle state
type ServerState int

const (
	ServerStateRunning  ServerState = iota // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

// SubmitJobRequest is the body of POST /api/jobs
type SubmitJobRequest struct {
	WorkItems []string `json:"work_items"`
	Label     string   `json:"label,omitempty"`
	Source    string   `json:"source,omitempty"`
}

// SubmitJobResponse is returned for an accepted submission
type SubmitJobResponse struct {
	ID string `json:"id"`
}

// JobListResponse is returned by GET /api/jobs
type JobListResponse struct {
	Jobs  []*async.Job `json:"jobs"`
	Count int          `json:"count"`
}

// JobDetailResponse is returned by GET /api/jobs/{id}
type JobDetailResponse struct {
	*async.Job
	Attempts []async.AttemptRecord `json:"attempts,omitempty"`
}

// ClientMessage is a message received from a WebSocket client
type ClientMessage struct {
	Type  string `json:"type"`   // "ping", "job_control", "subscribe_job"
	JobID string `json:"job_id"` // For job_control
	// For job_control: "cancel" or "attempt"
	Action string `json:"action"`
}

// JobUpdateMessage carries a job after a committed transition
type JobUpdateMessage struct {
	Type string     `json:"type"` // "job_update"
	Job  *async.Job `json:"job"`
}

// JobsSnapshotMessage is sent once on connect with the active jobs
type JobsSnapshotMessage struct {
	Type string       `json:"type"` // "jobs_snapshot"
	Jobs []*async.Job `json:"jobs"`
}

// ToastMessage carries a poller notice
type ToastMessage struct {
	Type  string      `json:"type"` // "toast"
	Toast watch.Toast `json:"toast"`
}

// RetrySweepMessage reports a retry sweep that ran jobs or failed
type RetrySweepMessage struct {
	Type   string               `json:"type"` // "retry_sweep"
	Result schedule.SweepResult `json:"result"`
}

// QueueStatusMessage reports per-status counts when they change
type QueueStatusMessage struct {
	Type        string            `json:"type"` // "queue_status"
	Stats       *async.QueueStats `json:"stats"`
	ServerState string            `json:"server_state"`
	Timestamp   int64             `json:"timestamp"`
}

// ErrorMessage reports a failed client request
type ErrorMessage struct {
	Type  string `json:"type"` // "error"
	JobID string `json:"job_id,omitempty"`
	Error string `json:"error"`
}
