package server

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/olesku/eventhub-sub000/internal/cache"
	"github.com/olesku/eventhub-sub000/internal/topic"
)

// JSON-RPC 2.0 error codes used by the dispatcher.
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func marshalResult(id json.RawMessage, result interface{}) ([]byte, error) {
	return json.Marshal(rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

// publishNotification is the result body delivered to subscribers.
func publishNotification(msg topic.Message) map[string]interface{} {
	result := map[string]interface{}{
		"topic":   msg.Topic,
		"id":      msg.ID,
		"message": msg.Payload,
	}
	if msg.Origin != "" {
		result["origin"] = msg.Origin
	}
	return result
}

type rpcHandler func(s *Server, c *Connection, req rpcRequest)

// rpcMethods is the static dispatch table. Method names are matched after
// lowercasing.
var rpcMethods = map[string]rpcHandler{
	"subscribe":      handleSubscribe,
	"unsubscribe":    handleUnsubscribe,
	"unsubscribeall": handleUnsubscribeAll,
	"publish":        handlePublish,
	"list":           handleList,
	"eventlog":       handleEventlog,
	"get":            handleGet,
	"set":            handleSet,
	"del":            handleDel,
	"ping":           handlePing,
	"disconnect":     handleDisconnect,
}

// dispatchRPC handles one complete TEXT frame. Returns false when the
// payload is protocol-fatal (unparsable), which closes the connection.
func (s *Server) dispatchRPC(c *Connection, data []byte) bool {
	var req rpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.logger.Warn().Err(err).Msg("Unparsable RPC frame")
		return false
	}

	handler, ok := rpcMethods[strings.ToLower(req.Method)]
	if !ok {
		c.replyError(req.ID, codeMethodNotFound, "method not found: "+req.Method)
		return true
	}
	handler(s, c, req)
	return true
}

func (c *Connection) replyError(id json.RawMessage, code int, msg string) {
	c.sendJSON(rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}})
}

func (c *Connection) replyResult(id json.RawMessage, result interface{}) {
	c.sendJSON(rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func rpcContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

type subscribeParams struct {
	Topic        string `json:"topic"`
	Since        int64  `json:"since"`
	SinceEventID string `json:"sinceEventId"`
	Limit        int64  `json:"limit"`
}

func handleSubscribe(s *Server, c *Connection, req rpcRequest) {
	var p subscribeParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Topic == "" {
		c.replyError(req.ID, codeInvalidParams, "invalid subscribe parameters")
		return
	}
	if !topic.IsValidTopicOrFilter(p.Topic) {
		c.replyError(req.ID, codeInvalidParams, "invalid topic or filter: "+p.Topic)
		return
	}
	if !c.access.AllowSubscribe(p.Topic) {
		c.replyError(req.ID, codeInvalidParams, "insufficient access to subscribe to: "+p.Topic)
		return
	}

	// Repeat subscribes of the same filter are no-ops, but every call gets
	// its success reply.
	c.subscribe(p.Topic, req.ID)
	c.replyResult(req.ID, map[string]interface{}{
		"action": "subscribe",
		"topic":  p.Topic,
		"status": "ok",
	})

	if p.Since != 0 || p.SinceEventID != "" {
		s.replayTo(c, req.ID, p.Topic, p.Since, p.SinceEventID, p.Limit)
	}
}

// replayTo streams matching cached messages to c as regular notifications.
// Failures are logged and produce nothing; live messages keep flowing.
func (s *Server) replayTo(c *Connection, rpcID json.RawMessage, pattern string, since int64, sinceEventID string, limit int64) {
	if !s.store.Enabled() {
		return
	}
	if limit <= 0 || limit > s.cfg.MaxCacheRequestLimit {
		limit = s.cfg.MaxCacheRequestLimit
	}

	ctx, cancel := rpcContext()
	defer cancel()

	items, err := s.fetchCache(ctx, pattern, since, sinceEventID, limit)
	if err != nil {
		c.logger.Warn().Err(err).Str("topic", pattern).Msg("Replay failed")
		return
	}
	for _, it := range items {
		c.Deliver(rpcID, topic.Message{ID: it.ID, Topic: it.Topic, Payload: it.Message, Origin: it.Origin})
	}
}

// fetchCache resolves a since/sinceEventId request against the cache.
// A negative since means "now + since" milliseconds.
func (s *Server) fetchCache(ctx context.Context, pattern string, since int64, sinceEventID string, limit int64) ([]cache.Item, error) {
	isPattern := topic.IsValidFilter(pattern)
	if sinceEventID != "" {
		return s.store.GetCacheSinceID(ctx, pattern, sinceEventID, limit, isPattern)
	}
	if since < 0 {
		since = time.Now().UnixMilli() + since
	}
	return s.store.GetCacheSince(ctx, pattern, since, limit, isPattern)
}

func handleUnsubscribe(s *Server, c *Connection, req rpcRequest) {
	var topics []string
	if err := json.Unmarshal(req.Params, &topics); err != nil {
		c.replyError(req.ID, codeInvalidParams, "unsubscribe expects an array of topics")
		return
	}
	count := 0
	for _, t := range topics {
		if !topic.IsValidTopicOrFilter(t) || !c.access.AllowSubscribe(t) {
			continue
		}
		if c.unsubscribe(t) {
			count++
		}
	}
	c.replyResult(req.ID, map[string]interface{}{"unsubscribe_count": count})
}

func handleUnsubscribeAll(s *Server, c *Connection, req rpcRequest) {
	count := c.unsubscribeAll()
	c.replyResult(req.ID, map[string]interface{}{"unsubscribe_count": count})
}

type publishParams struct {
	Topic     string `json:"topic"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	TTL       int64  `json:"ttl"`
}

func handlePublish(s *Server, c *Connection, req rpcRequest) {
	var p publishParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Topic == "" {
		c.replyError(req.ID, codeInvalidParams, "invalid publish parameters")
		return
	}
	if !topic.IsValidTopic(p.Topic) {
		c.replyError(req.ID, codeInvalidParams, "invalid topic: "+p.Topic)
		return
	}
	if !c.access.AllowPublish(p.Topic) {
		c.replyError(req.ID, codeInvalidParams, "insufficient access to publish to: "+p.Topic)
		return
	}

	ctx, cancel := rpcContext()
	defer cancel()

	if rule, err := c.access.RateLimitForTopic(p.Topic); err == nil {
		allowed, rlErr := s.store.IncrementRateLimit(ctx, rule, c.access.Subject())
		if rlErr != nil {
			c.replyError(req.ID, codeInvalidParams, "rate limit check failed: "+rlErr.Error())
			return
		}
		if !allowed {
			c.replyResult(req.ID, map[string]interface{}{
				"action": "publish",
				"topic":  p.Topic,
				"status": "ERR_RATE_LIMIT_EXCEEDED",
			})
			return
		}
	}

	env, err := s.store.CacheMessage(ctx, p.Topic, p.Message, c.access.Subject(), p.Timestamp, p.TTL)
	if err != nil {
		c.replyError(req.ID, codeInvalidParams, "failed to cache message: "+err.Error())
		return
	}
	if err := s.store.Publish(ctx, env); err != nil {
		c.replyError(req.ID, codeInvalidParams, "failed to publish message: "+err.Error())
		return
	}
	s.metrics.PublishCount.Add(1)

	c.replyResult(req.ID, map[string]interface{}{
		"action": "publish",
		"topic":  p.Topic,
		"id":     env.Meta.ID,
		"status": "ok",
	})
}

func handleList(s *Server, c *Connection, req rpcRequest) {
	c.replyResult(req.ID, c.subscriptionList())
}

type eventlogParams struct {
	Topic        string `json:"topic"`
	Since        int64  `json:"since"`
	SinceEventID string `json:"sinceEventId"`
	Limit        int64  `json:"limit"`
}

func handleEventlog(s *Server, c *Connection, req rpcRequest) {
	if !s.store.Enabled() {
		c.replyError(req.ID, codeInvalidParams, "message cache is disabled")
		return
	}
	var p eventlogParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Topic == "" {
		c.replyError(req.ID, codeInvalidParams, "invalid eventlog parameters")
		return
	}
	if !topic.IsValidTopicOrFilter(p.Topic) {
		c.replyError(req.ID, codeInvalidParams, "invalid topic or filter: "+p.Topic)
		return
	}
	if !c.access.AllowSubscribe(p.Topic) {
		c.replyError(req.ID, codeInvalidParams, "insufficient access to read eventlog of: "+p.Topic)
		return
	}
	if p.Limit <= 0 || p.Limit > s.cfg.MaxCacheRequestLimit {
		p.Limit = s.cfg.MaxCacheRequestLimit
	}

	ctx, cancel := rpcContext()
	defer cancel()

	items, err := s.fetchCache(ctx, p.Topic, p.Since, p.SinceEventID, p.Limit)
	if err != nil {
		c.logger.Warn().Err(err).Str("topic", p.Topic).Msg("Eventlog replay failed")
		items = nil
	}
	if items == nil {
		items = []cache.Item{}
	}
	c.replyResult(req.ID, map[string]interface{}{
		"action": "eventlog",
		"topic":  p.Topic,
		"status": "ok",
		"items":  items,
	})
}

type kvParams struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	TTL   int64  `json:"ttl"`
}

func decodeKVParams(c *Connection, req rpcRequest) (kvParams, bool) {
	var p kvParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Key == "" {
		c.replyError(req.ID, codeInvalidParams, "invalid key/value parameters")
		return p, false
	}
	return p, true
}

func handleGet(s *Server, c *Connection, req rpcRequest) {
	if !s.cfg.EnableKVStore {
		c.replyError(req.ID, codeMethodNotFound, "kvstore is disabled")
		return
	}
	p, ok := decodeKVParams(c, req)
	if !ok {
		return
	}
	if !c.access.AllowSubscribe(p.Key) {
		c.replyError(req.ID, codeInvalidParams, "insufficient access to key: "+p.Key)
		return
	}

	ctx, cancel := rpcContext()
	defer cancel()

	value, err := s.store.KVGet(ctx, p.Key)
	if err == redis.Nil {
		c.replyError(req.ID, codeInvalidParams, "key not found: "+p.Key)
		return
	}
	if err != nil {
		c.replyError(req.ID, codeInvalidParams, "get failed: "+err.Error())
		return
	}
	c.replyResult(req.ID, map[string]interface{}{"action": "get", "key": p.Key, "value": value})
}

func handleSet(s *Server, c *Connection, req rpcRequest) {
	if !s.cfg.EnableKVStore {
		c.replyError(req.ID, codeMethodNotFound, "kvstore is disabled")
		return
	}
	p, ok := decodeKVParams(c, req)
	if !ok {
		return
	}
	if !c.access.AllowPublish(p.Key) {
		c.replyError(req.ID, codeInvalidParams, "insufficient access to key: "+p.Key)
		return
	}

	ctx, cancel := rpcContext()
	defer cancel()

	if err := s.store.KVSet(ctx, p.Key, p.Value, p.TTL); err != nil {
		c.replyError(req.ID, codeInvalidParams, "set failed: "+err.Error())
		return
	}
	c.replyResult(req.ID, map[string]interface{}{"action": "set", "key": p.Key, "success": true})
}

func handleDel(s *Server, c *Connection, req rpcRequest) {
	if !s.cfg.EnableKVStore {
		c.replyError(req.ID, codeMethodNotFound, "kvstore is disabled")
		return
	}
	p, ok := decodeKVParams(c, req)
	if !ok {
		return
	}
	if !c.access.AllowPublish(p.Key) {
		c.replyError(req.ID, codeInvalidParams, "insufficient access to key: "+p.Key)
		return
	}

	ctx, cancel := rpcContext()
	defer cancel()

	n, err := s.store.KVDel(ctx, p.Key)
	if err != nil {
		c.replyError(req.ID, codeInvalidParams, "del failed: "+err.Error())
		return
	}
	c.replyResult(req.ID, map[string]interface{}{"action": "del", "key": p.Key, "success": n > 0})
}

func handlePing(s *Server, c *Connection, req rpcRequest) {
	c.replyResult(req.ID, map[string]interface{}{"pong": time.Now().UnixMilli()})
}

func handleDisconnect(s *Server, c *Connection, req rpcRequest) {
	c.enqueue(frame{shut: true})
}
