package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/logger"
)

// getState returns the current server state
func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

// setState atomically updates the server state
func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", "new_state", stateString(newState))
}

// stateString returns human-readable state name
func stateString(state ServerState) string {
	switch state {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// startBackgroundServices starts the WebSocket broadcasters once
func (s *Server) startBackgroundServices() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.startJobUpdateBroadcaster()
	s.startQueueStatusBroadcaster()
}

// Start serves HTTP on the configured port until Stop is called.
// Returns nil after a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", s.cfg.Port)
	}
	return s.Serve(ln)
}

// Serve serves HTTP on ln until Stop is called
func (s *Server) Serve(ln net.Listener) error {
	s.startBackgroundServices()

	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	srv := s.httpServer
	s.mu.Unlock()

	logger.AddPulseOpenSymbol(s.logger).Infow("HTTP server listening",
		logger.FieldAddress, ln.Addr().String(),
	)

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server")
	}
	return nil
}

// Stop drains HTTP requests, closes client connections and waits for
// server goroutines. The worker pool and sweeper are owned by the caller.
func (s *Server) Stop() error {
	closeLog := logger.AddPulseCloseSymbol(s.logger)
	closeLog.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()

	var shutdownErr error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		shutdownErr = srv.Shutdown(ctx)
		cancel()
	}

	s.mu.Lock()
	clientsToClose := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clientsToClose = append(clientsToClose, client)
		delete(s.clients, client)
	}
	s.mu.Unlock()

	if len(clientsToClose) > 0 {
		closeLog.Infow("Closing client connections", logger.FieldCount, len(clientsToClose))
		for _, client := range clientsToClose {
			client.close()
			client.conn.Close() // unblocks readPump
		}
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		closeLog.Infow("All goroutines stopped cleanly")
	case <-time.After(ShutdownTimeout):
		closeLog.Warnw("Goroutine shutdown timed out, forcing exit",
			"timeout", ShutdownTimeout,
		)
	}

	s.setState(ServerStateStopped)
	closeLog.Infow("Server shutdown complete",
		"broadcast_drops", s.broadcastDrops.Load(),
	)

	if shutdownErr != nil {
		return errors.Wrap(shutdownErr, "http shutdown")
	}
	return nil
}
