package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupHTTPRoutes configures all HTTP handlers
func (s *Server) setupHTTPRoutes() {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/jobs", s.corsMiddleware(s.HandleSubmitJob))
	mux.HandleFunc("GET /api/jobs", s.corsMiddleware(s.HandleListJobs))
	mux.HandleFunc("GET /api/jobs/{id}", s.corsMiddleware(s.HandleGetJob))
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.corsMiddleware(s.HandleCancelJob))
	mux.HandleFunc("POST /api/jobs/{id}/attempt", s.corsMiddleware(s.HandleRunAttempt))
	mux.HandleFunc("POST /api/cron/retries", s.corsMiddleware(s.HandleRetrySweep)) // Cron fallback for the sweeper
	mux.HandleFunc("OPTIONS /api/", s.corsMiddleware(func(http.ResponseWriter, *http.Request) {}))

	mux.HandleFunc("GET /ws", s.HandleWebSocket) // Origin checked by the upgrader
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.HandleHealth)

	s.mux = mux
}

// corsMiddleware adds CORS headers for allowed origins and answers preflight requests
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// upgrader creates a WebSocket upgrader that enforces the allowed origins
func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin accepts requests without an Origin header (CLI and test
// clients) and origins matching a configured prefix, so any port is allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// websocketCloseTryAgain is the close frame sent when the server is full
func websocketCloseTryAgain() (int, []byte) {
	return websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many clients")
}
