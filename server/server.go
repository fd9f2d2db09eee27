// Package server exposes segment jobs over HTTP and streams job updates,
// poller toasts and retry sweeps to WebSocket clients.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/teranos/segpulse/logger"
	"github.com/teranos/segpulse/pulse/async"
	"github.com/teranos/segpulse/pulse/schedule"
	"github.com/teranos/segpulse/pulse/watch"
)

// Config configures the HTTP surface
type Config struct {
	Port           int
	AllowedOrigins []string // Origin prefixes accepted for CORS and WebSocket upgrades
}

// Server serves the segment job API
type Server struct {
	queue     *async.Queue
	scheduler *async.Scheduler
	sweeper   *schedule.RetrySweeper // nil disables POST /api/cron/retries
	workers   *async.WorkerPool      // nil when attempts run elsewhere

	cfg    Config
	logger *zap.SugaredLogger
	mux    *http.ServeMux

	clients    map[*Client]bool
	mu         sync.RWMutex
	lastStats  *async.QueueStats // last broadcast counts, for change detection
	httpServer *http.Server

	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	broadcastDrops atomic.Int64
	state          atomic.Int32
	started        atomic.Bool
}

var (
	_ watch.Presenter           = (*Server)(nil)
	_ schedule.SweepBroadcaster = (*Server)(nil)
)

// New creates a server. Routes are ready immediately; background
// broadcasters start with Start.
func New(ctx context.Context, scheduler *async.Scheduler, sweeper *schedule.RetrySweeper, workers *async.WorkerPool, cfg Config, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	serverCtx, cancel := context.WithCancel(ctx)

	s := &Server{
		queue:     scheduler.Queue(),
		scheduler: scheduler,
		sweeper:   sweeper,
		workers:   workers,
		cfg:       cfg,
		logger:    log,
		clients:   make(map[*Client]bool),
		ctx:       serverCtx,
		cancel:    cancel,
	}
	s.setupHTTPRoutes()
	return s
}

// Handler returns the routed handler, for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// registerClient adds a client unless the server is full
func (s *Server) registerClient(client *Client) bool {
	s.mu.Lock()
	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		s.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", client.id,
			"max_clients", MaxClients,
		)
		return false
	}
	s.clients[client] = true
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("Client connected",
		"client_id", client.id,
		"total_clients", total,
	)
	return true
}

// unregisterClient removes a client and closes its queue exactly once
func (s *Server) unregisterClient(client *Client) {
	s.mu.Lock()
	_, ok := s.clients[client]
	delete(s.clients, client)
	total := len(s.clients)
	s.mu.Unlock()

	if !ok {
		return
	}
	client.close()
	s.logger.Infow("Client disconnected",
		"client_id", client.id,
		"total_clients", total,
	)
}

// clientCount returns the number of connected clients
func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// pulseLog returns the server logger tagged with the Pulse symbol
func (s *Server) pulseLog() *zap.SugaredLogger {
	return logger.AddPulseSymbol(s.logger)
}
