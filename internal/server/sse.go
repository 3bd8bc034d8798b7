package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/olesku/eventhub-sub000/internal/auth"
	"github.com/olesku/eventhub-sub000/internal/topic"
)

// handleSSE serves GET /<topic-or-filter> as a Server-Sent Events stream.
// The request path names the subscription target; replay is driven by the
// Last-Event-ID header or the lastEventId/since query parameters.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request, access *auth.AccessContext) {
	target := strings.TrimPrefix(r.URL.Path, "/")
	if target == "" || !topic.IsValidTopicOrFilter(target) {
		writeJSONError(w, http.StatusNotFound, "invalid topic or filter: "+target)
		return
	}
	if !access.AllowSubscribe(target) {
		writeJSONError(w, http.StatusUnauthorized, "insufficient access to subscribe to: "+target)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	// Initial comment confirms the stream before any event arrives.
	w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	worker := s.nextWorker()
	c := newConnection(s, worker, transportSSE, r.RemoteAddr, access)

	worker.addConnection(c)
	s.metrics.TotalConnectCount.Add(1)
	s.metrics.CurrentConnectionsCount.Add(1)

	c.subscribe(target, nil)
	c.keepalive = worker.loop.AddTimer(s.pingInterval(), s.pingInterval(), c.enqueuePing)

	s.sseReplay(c, r, target)

	c.logger.Info().Int("worker", worker.id).Str("topic", target).Msg("SSE client connected")
	c.serveSSE(w, flusher, r.Context().Done())
}

// sseReplay queues cached messages onto a fresh SSE connection according to
// the request's replay parameters. Header takes precedence over query.
func (s *Server) sseReplay(c *Connection, r *http.Request, target string) {
	q := r.URL.Query()

	sinceEventID := r.Header.Get("Last-Event-ID")
	if sinceEventID == "" {
		sinceEventID = q.Get("lastEventId")
	}

	var since int64
	if v := q.Get("since"); v != "" {
		since, _ = strconv.ParseInt(v, 10, 64)
	}

	var limit int64
	if v := q.Get("limit"); v != "" {
		limit, _ = strconv.ParseInt(v, 10, 64)
	}

	if sinceEventID == "" && since == 0 {
		return
	}
	s.replayTo(c, nil, target, since, sinceEventID, limit)
}
