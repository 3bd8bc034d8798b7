package server

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/olesku/eventhub-sub000/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Cross-origin browser clients are expected; access control happens
		// at the token layer.
		return true
	},
}

// ServeHTTP is the single routing entry point for both listeners.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.corsHeaders(w, r)

	switch {
	case r.Method == http.MethodOptions:
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.WriteHeader(http.StatusNoContent)
	case r.Method != http.MethodGet:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	case r.URL.Path == "/healthz":
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/metrics":
		s.handleMetrics(w, r)
	default:
		s.handleUpgrade(w, r)
	}
}

func (s *Server) corsHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, s.metrics.Snapshot())
		return
	}
	promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// extractToken pulls the bearer token from the Authorization header or the
// auth query parameter.
func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("auth")
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// handleUpgrade authenticates GET /<topic-or-filter> and hands the request
// to the WebSocket or SSE path.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		writeJSONError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	if !s.acceptLimiter.Allow(clientIP(r)) {
		writeJSONError(w, http.StatusTooManyRequests, "connection rate limit exceeded")
		return
	}

	access := auth.NewAccessContext(s.cfg.DisableAuth)
	if !s.cfg.DisableAuth {
		token := extractToken(r)
		if token == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}
		if err := access.Authenticate(token, s.cfg.JWTSecret); err != nil {
			s.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Authentication failed")
			writeJSONError(w, http.StatusUnauthorized, "invalid authorization token")
			return
		}
	}

	if websocket.IsWebSocketUpgrade(r) {
		s.handleWebSocket(w, r, access)
		return
	}
	if s.cfg.EnableSSE {
		s.handleSSE(w, r, access)
		return
	}
	writeJSONError(w, http.StatusNotFound, "not found")
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, access *auth.AccessContext) {
	respHeader := http.Header{}
	if protos := websocket.Subprotocols(r); len(protos) > 0 {
		respHeader.Set("Sec-WebSocket-Protocol", protos[0])
	}

	ws, err := upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	worker := s.nextWorker()
	c := newConnection(s, worker, transportWebSocket, r.RemoteAddr, access)
	c.ws = ws

	worker.addConnection(c)
	s.metrics.TotalConnectCount.Add(1)
	s.metrics.CurrentConnectionsCount.Add(1)

	c.keepalive = worker.loop.AddTimer(s.pingInterval(), s.pingInterval(), c.enqueuePing)

	go c.writePumpWS()
	go c.readPumpWS()

	c.logger.Info().Int("worker", worker.id).Msg("WebSocket client connected")
}

func (s *Server) pingInterval() time.Duration {
	return time.Duration(s.cfg.PingInterval) * time.Second
}

// instanceLabel is "<hostname>:<listen_port>", used on every exported
// metric.
func instanceLabel(hostname string, port int) string {
	return hostname + ":" + strconv.Itoa(port)
}
