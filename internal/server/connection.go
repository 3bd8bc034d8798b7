package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/olesku/eventhub-sub000/internal/auth"
	"github.com/olesku/eventhub-sub000/internal/eventloop"
	"github.com/olesku/eventhub-sub000/internal/topic"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Hard cap on bytes queued for a single connection. A subscriber that
	// cannot drain its buffer is disconnected rather than stalled.
	maxWriteBufferBytes = 8 << 20

	// Maximum inbound data-frame accumulation.
	maxReadLimit = 8 << 20

	// Mailbox slots per connection.
	mailboxSize = 4096
)

type transport int

const (
	transportWebSocket transport = iota
	transportSSE
)

// frame is one unit queued on a connection's outbound mailbox.
type frame struct {
	// id carries the cache id for SSE framing ("id: …" line).
	id   string
	data []byte
	ping bool
	shut bool // send a CLOSE frame, then terminate
}

// subscription is one (filter → topic handle) binding held by a connection.
type subscription struct {
	topic *topic.Topic
	entry *topic.Entry
	rpcID json.RawMessage
}

// Connection is one connected peer in WEBSOCKET or SSE state. All outbound
// traffic is serialized through the mailbox and a single writer; inbound
// frames are parsed on the read goroutine and dispatched to the JSON-RPC
// handler. A connection never migrates between workers.
type Connection struct {
	id     int64
	remote string
	kind   transport
	server *Server
	worker *Worker
	logger zerolog.Logger
	access *auth.AccessContext

	ws *websocket.Conn // transportWebSocket

	mailbox      chan frame
	pendingBytes atomic.Int64
	closed       atomic.Bool
	closeOnce    sync.Once
	done         chan struct{}

	subMu sync.Mutex
	subs  map[string]*subscription

	keepalive *eventloop.Timer
}

func newConnection(s *Server, w *Worker, kind transport, remote string, access *auth.AccessContext) *Connection {
	c := &Connection{
		id:      s.connSeq.Add(1),
		remote:  remote,
		kind:    kind,
		server:  s,
		worker:  w,
		access:  access,
		mailbox: make(chan frame, mailboxSize),
		done:    make(chan struct{}),
		subs:    make(map[string]*subscription),
	}
	c.logger = s.logger.With().
		Int64("client_id", c.id).
		Str("remote_addr", remote).
		Logger()
	return c
}

// Closed implements topic.Subscriber.
func (c *Connection) Closed() bool { return c.closed.Load() }

// Deliver implements topic.Subscriber: a matched publish is rendered as a
// JSON-RPC response carrying the subscribe call's id, or as an SSE event.
func (c *Connection) Deliver(rpcID json.RawMessage, msg topic.Message) {
	switch c.kind {
	case transportSSE:
		c.enqueue(frame{id: msg.ID, data: []byte(msg.Payload)})
	default:
		data, err := marshalResult(rpcID, publishNotification(msg))
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to encode notification")
			return
		}
		c.enqueue(frame{data: data})
	}
}

// enqueue places a frame on the mailbox. Exceeding the byte cap or running
// out of mailbox slots is a backpressure failure and closes the connection;
// we disconnect rather than buffer unboundedly. Teardown is deferred to the
// worker loop: enqueue runs inside registry fan-out, which holds the topic
// lock that the splice-out would need.
func (c *Connection) enqueue(f frame) bool {
	if c.closed.Load() {
		return false
	}
	n := int64(len(f.data))
	if c.pendingBytes.Add(n) > maxWriteBufferBytes {
		c.pendingBytes.Add(-n)
		c.logger.Warn().Msg("Write buffer cap exceeded, disconnecting slow client")
		c.deferShutdown("write buffer overflow")
		return false
	}
	select {
	case c.mailbox <- f:
		return true
	default:
		c.pendingBytes.Add(-n)
		c.logger.Warn().Msg("Mailbox full, disconnecting slow client")
		c.deferShutdown("mailbox full")
		return false
	}
}

// deferShutdown marks the connection closed immediately, so fan-out skips
// it from now on, and schedules the actual teardown on the owning worker's
// loop where no registry or topic lock is held.
func (c *Connection) deferShutdown(reason string) {
	if c.closed.Swap(true) {
		return
	}
	c.worker.loop.AddJob(func() { c.shutdown(reason) })
}

func (c *Connection) enqueuePing() {
	c.enqueue(frame{ping: true})
}

// sendJSON marshals v and queues it as one TEXT frame.
func (c *Connection) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode reply")
		return
	}
	c.enqueue(frame{data: data})
}

// subscribe binds filter on the owning worker's registry. Repeat subscribes
// of the same filter are no-ops.
func (c *Connection) subscribe(filter string, rpcID json.RawMessage) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.subs[filter]; ok {
		return false
	}
	t, e := c.worker.registry.Subscribe(c, filter, rpcID)
	c.subs[filter] = &subscription{topic: t, entry: e, rpcID: rpcID}
	return true
}

// unsubscribe removes one filter. Reports whether it was held.
func (c *Connection) unsubscribe(filter string) bool {
	c.subMu.Lock()
	sub, ok := c.subs[filter]
	if ok {
		delete(c.subs, filter)
	}
	c.subMu.Unlock()
	if !ok {
		return false
	}
	c.worker.registry.Unsubscribe(sub.topic, sub.entry)
	return true
}

// unsubscribeAll removes every subscription and returns how many were held.
func (c *Connection) unsubscribeAll() int {
	c.subMu.Lock()
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.subMu.Unlock()
	for _, sub := range subs {
		c.worker.registry.Unsubscribe(sub.topic, sub.entry)
	}
	return len(subs)
}

// subscriptionList returns the held filters.
func (c *Connection) subscriptionList() []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	out := make([]string, 0, len(c.subs))
	for f := range c.subs {
		out = append(out, f)
	}
	return out
}

// shutdown tears the connection down exactly once: mark closed, splice out
// of every topic, disarm the keepalive timer, close the socket and update
// the connection counters.
func (c *Connection) shutdown(reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)

		if c.keepalive != nil {
			c.keepalive.Cancel()
		}
		c.unsubscribeAll()

		if c.ws != nil {
			c.ws.Close()
		}

		c.worker.removeConnection(c)
		c.server.metrics.CurrentConnectionsCount.Add(-1)
		c.server.metrics.TotalDisconnectCount.Add(1)

		c.logger.Debug().Str("reason", reason).Msg("Client disconnected")
	})
}

// readPumpWS reads frames until the peer goes away. Peer CLOSE frames and
// read errors end the loop; PING frames are answered by the library with a
// payload-echoing PONG.
func (c *Connection) readPumpWS() {
	defer c.shutdown("read loop ended")

	c.ws.SetReadLimit(maxReadLimit)

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			// Binary frames carry no JSON-RPC payload.
			continue
		}
		if !c.server.dispatchRPC(c, data) {
			// Protocol-fatal: unparsable payload.
			return
		}
	}
}

// writePumpWS drains the mailbox onto the socket. All writes for the
// connection happen here, which serializes frame order.
func (c *Connection) writePumpWS() {
	defer c.shutdown("write loop ended")

	for {
		select {
		case f := <-c.mailbox:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			switch {
			case f.shut:
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			case f.ping:
				if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			default:
				err := c.ws.WriteMessage(websocket.TextMessage, f.data)
				c.pendingBytes.Add(-int64(len(f.data)))
				if err != nil {
					return
				}
			}
		case <-c.done:
			return
		}
	}
}

// serveSSE drains the mailbox as Server-Sent Events on the handler's
// goroutine until the client goes away. Keepalives are comment-only lines.
func (c *Connection) serveSSE(w http.ResponseWriter, flusher http.Flusher, reqDone <-chan struct{}) {
	defer c.shutdown("sse stream ended")

	for {
		select {
		case f := <-c.mailbox:
			var err error
			switch {
			case f.shut:
				return
			case f.ping:
				_, err = fmt.Fprint(w, ":\n\n")
			case f.id != "":
				_, err = fmt.Fprintf(w, "id: %s\ndata: %s\n\n", f.id, f.data)
			default:
				_, err = fmt.Fprintf(w, "data: %s\n\n", f.data)
			}
			c.pendingBytes.Add(-int64(len(f.data)))
			if err != nil {
				return
			}
			flusher.Flush()
		case <-reqDone:
			return
		case <-c.done:
			return
		}
	}
}
