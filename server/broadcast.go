package server

// Real-time updates for WebSocket clients: job transitions, poller toasts,
// retry sweeps and queue counts.

import (
	"time"

	"github.com/teranos/segpulse/logger"
	"github.com/teranos/segpulse/pulse/async"
	"github.com/teranos/segpulse/pulse/schedule"
	"github.com/teranos/segpulse/pulse/watch"
)

// queueStatusInterval is how often queue counts are checked for changes
const queueStatusInterval = 2 * time.Second

// broadcastMessage sends a message to all connected clients.
// Returns the number of clients that accepted the message (queue not full).
func (s *Server) broadcastMessage(msg interface{}) int {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		if client.send(msg) {
			sent++
		} else {
			s.broadcastDrops.Add(1)
		}
	}
	return sent
}

// startJobUpdateBroadcaster forwards every committed job transition to clients
func (s *Server) startJobUpdateBroadcaster() {
	jobChan := s.queue.Subscribe()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			// Unsubscribe before close so publish never sends on a closed channel
			s.queue.Unsubscribe(jobChan)
			close(jobChan)
		}()

		for {
			select {
			case <-s.ctx.Done():
				s.logger.Debugw("Job update broadcaster stopping due to context cancellation")
				return
			case job := <-jobChan:
				s.broadcastJobUpdate(job)
			}
		}
	}()

	s.logger.Infow("Job update broadcaster started")
}

// broadcastJobUpdate sends a job update to all connected clients
func (s *Server) broadcastJobUpdate(job *async.Job) {
	sent := s.broadcastMessage(JobUpdateMessage{Type: "job_update", Job: job})

	s.logger.Debugw("Broadcasted job update",
		logger.FieldJobID, job.ID,
		logger.FieldStatus, job.Status,
		"clients", sent,
	)
}

// Present implements watch.Presenter by pushing toasts to clients
func (s *Server) Present(t watch.Toast) {
	sent := s.broadcastMessage(ToastMessage{Type: "toast", Toast: t})
	s.logger.Debugw("Broadcasted toast",
		logger.FieldJobID, t.JobID,
		"kind", t.Kind,
		"clients", sent,
	)
}

// BroadcastRetrySweep implements schedule.SweepBroadcaster
func (s *Server) BroadcastRetrySweep(result schedule.SweepResult) {
	sent := s.broadcastMessage(RetrySweepMessage{Type: "retry_sweep", Result: result})
	s.pulseLog().Debugw("Broadcasted retry sweep",
		logger.FieldCount, result.Ran,
		"clients", sent,
	)
}

// startQueueStatusBroadcaster pushes queue counts whenever they change
func (s *Server) startQueueStatusBroadcaster() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(queueStatusInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				s.logger.Debugw("Queue status broadcaster stopping due to context cancellation")
				return
			case <-ticker.C:
				if s.clientCount() == 0 {
					continue
				}
				s.broadcastQueueStatus(false)
			}
		}
	}()
}

// broadcastQueueStatus sends queue counts, skipping unchanged counts unless forced
func (s *Server) broadcastQueueStatus(force bool) {
	stats, err := s.queue.GetStats()
	if err != nil {
		s.logger.Debugw("Failed to get queue stats", "error", err)
		return
	}

	s.mu.Lock()
	if !force && s.lastStats != nil && *s.lastStats == *stats {
		s.mu.Unlock()
		return
	}
	s.lastStats = stats
	s.mu.Unlock()

	s.broadcastMessage(s.queueStatusMessage(stats))
}

func (s *Server) queueStatusMessage(stats *async.QueueStats) QueueStatusMessage {
	return QueueStatusMessage{
		Type:        "queue_status",
		Stats:       stats,
		ServerState: stateString(s.getState()),
		Timestamp:   time.Now().Unix(),
	}
}
