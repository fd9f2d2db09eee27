package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/segpulse/logger"
	"github.com/teranos/segpulse/pulse/async"
	"github.com/teranos/segpulse/version"
)

const (
	// Default and max limits for job listing queries
	defaultJobLimit = 50
	maxJobLimit     = 500

	// sourceHTTP tags jobs submitted without an explicit source
	sourceHTTP = "http"
)

// requestContext tags the request context with a request ID for logging
func requestContext(r *http.Request) context.Context {
	id := r.Header.Get("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	return logger.WithRequestID(r.Context(), id)
}

// HandleSubmitJob handles POST /api/jobs
func (s *Server) HandleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	source := req.Source
	if source == "" {
		source = sourceHTTP
	}

	id, err := s.queue.SubmitJob(requestContext(r), req.WorkItems, async.SubmitOptions{
		Source: source,
		Label:  req.Label,
	})
	if err != nil {
		handleError(w, s.logger, err, "failed to submit job")
		return
	}

	s.pulseLog().Infow("Job submitted over HTTP",
		logger.FieldJobID, id,
		logger.FieldBatchSize, len(req.WorkItems),
		"remote", r.RemoteAddr)
	writeJSON(w, http.StatusCreated, SubmitJobResponse{ID: id})
}

// HandleListJobs handles GET /api/jobs.
//
// Query parameters: active=1 lists non-terminal jobs created at or after
// since (RFC3339); status filters by a single status; limit caps the result.
func (s *Server) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQueryParam(r, "limit", defaultJobLimit, 1, maxJobLimit)
	q := r.URL.Query()

	var jobs []*async.Job
	var err error
	switch {
	case q.Get("active") == "1" || q.Get("active") == "true":
		var since time.Time
		since, err = parseTimeQueryParam(r, "since")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		jobs, err = s.queue.ListActiveJobs(since, limit)
	case q.Get("status") != "":
		status := q.Get("status")
		if !async.IsValidStatus(status) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
			return
		}
		st := async.JobStatus(status)
		jobs, err = s.queue.ListJobs(&st, limit)
	default:
		jobs, err = s.queue.ListJobs(nil, limit)
	}
	if err != nil {
		handleError(w, s.logger, err, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*async.Job{}
	}
	writeJSON(w, http.StatusOK, JobListResponse{Jobs: jobs, Count: len(jobs)})
}

// HandleGetJob handles GET /api/jobs/{id}; ?attempts=1 includes attempt history
func (s *Server) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	job, err := s.queue.GetJob(jobID)
	if err != nil {
		handleError(w, s.logger, err, "failed to get job")
		return
	}

	resp := JobDetailResponse{Job: job}
	if r.URL.Query().Get("attempts") == "1" {
		attempts, err := s.queue.ListAttempts(jobID)
		if err != nil {
			handleError(w, s.logger, err, "failed to list attempts")
			return
		}
		resp.Attempts = attempts
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleCancelJob handles POST /api/jobs/{id}/cancel
func (s *Server) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	if err := s.queue.CancelJob(requestContext(r), jobID); err != nil {
		handleError(w, s.logger, err, "failed to cancel job")
		return
	}
	s.pulseLog().Infow("Job cancelled over HTTP", logger.FieldJobID, shortID(jobID))

	s.writeJob(w, jobID)
}

// HandleRunAttempt handles POST /api/jobs/{id}/attempt. The attempt runs to
// completion even if the client disconnects; a job that is not ready is
// returned unchanged.
func (s *Server) HandleRunAttempt(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	ctx := context.WithoutCancel(requestContext(r))

	if err := s.scheduler.RunAttempt(ctx, jobID); err != nil {
		handleError(w, s.logger, err, "failed to run attempt")
		return
	}
	s.writeJob(w, jobID)
}

// HandleRetrySweep handles POST /api/cron/retries: one pass over due retries
func (s *Server) HandleRetrySweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "Retry sweeper not configured")
		return
	}

	result, err := s.sweeper.Sweep(context.WithoutCancel(requestContext(r)))
	if err != nil {
		s.pulseLog().Warnw("Retry sweep failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleHealth handles GET /healthz
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	versionInfo := version.Get()
	health := map[string]interface{}{
		"status":  "ok",
		"version": versionInfo.Version,
		"commit":  versionInfo.CommitHash,
		"clients": s.clientCount(),
		"state":   stateString(s.getState()),
	}

	stats, err := s.queue.GetStats()
	if err != nil {
		health["status"] = "degraded"
		health["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, health)
		return
	}
	health["queue"] = stats

	if s.workers != nil {
		processed, active := s.workers.Stats()
		health["workers"] = map[string]int{
			"configured": s.workers.Workers(),
			"active":     active,
			"processed":  processed,
		}
	}
	writeJSON(w, http.StatusOK, health)
}

// HandleWebSocket upgrades the connection and streams updates
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("WebSocket upgrade failed", "error", err)
		return
	}

	client := newClient(s, conn, fmt.Sprintf("%s_%d", r.RemoteAddr, time.Now().UnixNano()))
	if !s.registerClient(client) {
		conn.WriteMessage(websocketCloseTryAgain())
		conn.Close()
		return
	}

	// Queued before the pumps start so it is the first message
	s.sendInitialState(client)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
}

// sendInitialState queues version, active jobs and queue counts for a new client
func (s *Server) sendInitialState(client *Client) {
	versionInfo := version.Get()
	client.send(map[string]interface{}{
		"type":    "version",
		"version": versionInfo.Version,
		"commit":  versionInfo.Short(),
	})

	jobs, err := s.queue.ListActiveJobs(time.Time{}, defaultJobLimit)
	if err != nil {
		s.logger.Warnw("Failed to load active jobs for client", "client_id", client.id, "error", err)
	} else {
		if jobs == nil {
			jobs = []*async.Job{}
		}
		client.send(JobsSnapshotMessage{Type: "jobs_snapshot", Jobs: jobs})
	}

	if stats, err := s.queue.GetStats(); err == nil {
		client.send(s.queueStatusMessage(stats))
	}
}

// writeJob responds with the current state of jobID
func (s *Server) writeJob(w http.ResponseWriter, jobID string) {
	job, err := s.queue.GetJob(jobID)
	if err != nil {
		handleError(w, s.logger, err, "failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}
