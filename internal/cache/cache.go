// Package cache implements the backplane-backed message cache: append-only
// per-topic streams with a sorted-set time index, replay by timestamp or by
// cache id, expired-item purge, the per-subject publish rate limiter and
// the prefixed key/value operations.
//
// Key layout (prefix is the configured redis_prefix, possibly empty):
//
//	<prefix>:<topic>          pub/sub fan-out channel
//	<prefix>:<topic>:cache    hash: id → JSON envelope
//	<prefix>:<topic>:scores   sorted set: member=id, score=epoch-ms
//	<prefix>:limits:<rule>:<subject>  integer window with TTL
//	<prefix>:pub_count        hash: topic → publish count
//	<prefix>:last_seq:<topic>:<ms>    per-millisecond sequence counter
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/olesku/eventhub-sub000/internal/topic"
)

// ErrDisabled is returned for replay requests when the cache is disabled
// by configuration.
var ErrDisabled = errors.New("message cache is disabled")

// Meta is the envelope metadata stored with every cached message.
type Meta struct {
	ID       string `json:"id"`
	ExpireAt int64  `json:"expireAt"`
	Origin   string `json:"origin,omitempty"`
}

// Envelope is the JSON blob stored in the cache hash and published on the
// fan-out channel, so every server instance delivers messages with their
// cache id attached.
type Envelope struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
	Origin  string `json:"origin,omitempty"`
	Meta    Meta   `json:"meta"`
}

// Item is one replayed message.
type Item struct {
	ID      string `json:"id"`
	Topic   string `json:"topic"`
	Message string `json:"message"`
	Origin  string `json:"origin,omitempty"`

	score float64
}

// Options configure a Store.
type Options struct {
	Prefix         string
	Enabled        bool
	MaxCacheLength int64
	DefaultTTL     int64 // seconds
}

// Store wraps the pooled backplane client. Callers must tolerate transient
// errors; the subscriber connection is managed separately by the server.
type Store struct {
	rdb  redis.UniversalClient
	opts Options
	log  zerolog.Logger
}

func NewStore(rdb redis.UniversalClient, opts Options, log zerolog.Logger) *Store {
	return &Store{rdb: rdb, opts: opts, log: log.With().Str("component", "cache").Logger()}
}

// Enabled reports whether replay and eventlog are available.
func (s *Store) Enabled() bool { return s.opts.Enabled }

// Key prefixes name with the configured redis prefix.
func (s *Store) Key(name string) string {
	if s.opts.Prefix == "" {
		return name
	}
	return s.opts.Prefix + ":" + name
}

// Channel returns the fan-out pub/sub channel for a topic.
func (s *Store) Channel(topicName string) string { return s.Key(topicName) }

// TopicFromChannel strips the prefix from an incoming channel name.
func (s *Store) TopicFromChannel(channel string) string {
	if s.opts.Prefix == "" {
		return channel
	}
	return strings.TrimPrefix(channel, s.opts.Prefix+":")
}

func (s *Store) cacheKey(t string) string  { return s.Key(t + ":cache") }
func (s *Store) scoresKey(t string) string { return s.Key(t + ":scores") }
func (s *Store) pubCountKey() string       { return s.Key("pub_count") }

// NextID builds a cache id of the form <epoch-ms>-<seq>. Both halves are
// zero-padded so ids sort lexicographically in append order; the sequence
// half is advanced on the backplane so concurrent appenders in the same
// millisecond never collide.
func (s *Store) NextID(ctx context.Context, topicName string) (string, error) {
	ms := time.Now().UnixMilli()
	seqKey := s.Key(fmt.Sprintf("last_seq:%s:%d", topicName, ms))
	n, err := s.rdb.Incr(ctx, seqKey).Result()
	if err != nil {
		return "", fmt.Errorf("cache id sequence: %w", err)
	}
	if n == 1 {
		// First id in this millisecond; the counter only needs to survive
		// the millisecond itself.
		s.rdb.Expire(ctx, seqKey, 10*time.Second)
	}
	return fmt.Sprintf("%013d-%06d", ms, n-1), nil
}

// CacheMessage appends a message to the topic's stream and returns the
// envelope to publish on the fan-out channel. timestamp 0 means now; ttl 0
// means the configured default. With the cache disabled only an id is
// generated and nothing is stored.
func (s *Store) CacheMessage(ctx context.Context, topicName, payload, origin string, timestamp, ttl int64) (Envelope, error) {
	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}
	if ttl == 0 {
		ttl = s.opts.DefaultTTL
	}

	id, err := s.NextID(ctx, topicName)
	if err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		Topic:   topicName,
		Message: payload,
		Origin:  origin,
		Meta: Meta{
			ID:       id,
			ExpireAt: timestamp + ttl*1000,
			Origin:   origin,
		},
	}

	if !s.opts.Enabled {
		return env, nil
	}

	blob, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode cache envelope: %w", err)
	}

	if err := s.rdb.HSet(ctx, s.cacheKey(topicName), id, blob).Err(); err != nil {
		return Envelope{}, fmt.Errorf("store cache blob: %w", err)
	}
	if err := s.rdb.ZAdd(ctx, s.scoresKey(topicName), redis.Z{Score: float64(timestamp), Member: id}).Err(); err != nil {
		return Envelope{}, fmt.Errorf("index cache blob: %w", err)
	}
	if err := s.rdb.HIncrBy(ctx, s.pubCountKey(), topicName, 1).Err(); err != nil {
		s.log.Warn().Err(err).Str("topic", topicName).Msg("Failed to bump publish count")
	}

	s.trim(ctx, topicName)
	return env, nil
}

// trim enforces max_cache_length by dropping the lowest-scored ids and
// their blobs.
func (s *Store) trim(ctx context.Context, topicName string) {
	if s.opts.MaxCacheLength <= 0 {
		return
	}
	card, err := s.rdb.ZCard(ctx, s.scoresKey(topicName)).Result()
	if err != nil || card <= s.opts.MaxCacheLength {
		return
	}
	excess := card - s.opts.MaxCacheLength
	ids, err := s.rdb.ZRange(ctx, s.scoresKey(topicName), 0, excess-1).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	s.rdb.ZRem(ctx, s.scoresKey(topicName), members...)
	s.rdb.HDel(ctx, s.cacheKey(topicName), ids...)
}

// matchingTopics resolves a topic-or-filter replay target against the set
// of topics ever published to.
func (s *Store) matchingTopics(ctx context.Context, pattern string, isPattern bool) ([]string, error) {
	if !isPattern {
		return []string{pattern}, nil
	}
	known, err := s.rdb.HKeys(ctx, s.pubCountKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list cached topics: %w", err)
	}
	matched := known[:0]
	for _, t := range known {
		if topic.IsFilterMatched(pattern, t) {
			matched = append(matched, t)
		}
	}
	return matched, nil
}

// GetCacheSince replays every cached message with append score ≥ sinceMs
// from every topic matching pattern, merged in ascending score order and
// truncated to limit.
func (s *Store) GetCacheSince(ctx context.Context, pattern string, sinceMs, limit int64, isPattern bool) ([]Item, error) {
	if !s.opts.Enabled {
		return nil, ErrDisabled
	}
	min := fmt.Sprintf("%d", sinceMs)
	return s.replay(ctx, pattern, min, limit, isPattern)
}

// GetCacheSinceID replays messages with id strictly greater than sinceID.
// The index is read from sinceID's score inclusively, then filtered by id,
// so same-millisecond siblings of sinceID (equal score, higher sequence)
// are kept. An unknown id behaves as since=0.
func (s *Store) GetCacheSinceID(ctx context.Context, pattern, sinceID string, limit int64, isPattern bool) ([]Item, error) {
	if !s.opts.Enabled {
		return nil, ErrDisabled
	}

	topics, err := s.matchingTopics(ctx, pattern, isPattern)
	if err != nil {
		return nil, err
	}

	min := "0"
	found := false
	for _, t := range topics {
		score, err := s.rdb.ZScore(ctx, s.scoresKey(t), sinceID).Result()
		if err == nil {
			min = formatScore(score)
			found = true
			break
		}
	}

	items, err := s.replay(ctx, pattern, min, 0, isPattern)
	if err != nil {
		return nil, err
	}
	if found {
		kept := items[:0]
		for _, it := range items {
			if it.ID > sinceID {
				kept = append(kept, it)
			}
		}
		items = kept
	}
	if limit > 0 && int64(len(items)) > limit {
		items = items[:limit]
	}
	return items, nil
}

func formatScore(score float64) string {
	return fmt.Sprintf("%d", int64(score))
}

func (s *Store) replay(ctx context.Context, pattern, min string, limit int64, isPattern bool) ([]Item, error) {
	topics, err := s.matchingTopics(ctx, pattern, isPattern)
	if err != nil {
		return nil, err
	}

	var items []Item
	for _, t := range topics {
		entries, err := s.rdb.ZRangeByScoreWithScores(ctx, s.scoresKey(t), &redis.ZRangeBy{
			Min: min,
			Max: "+inf",
		}).Result()
		if err != nil {
			s.log.Warn().Err(err).Str("topic", t).Msg("Replay index read failed")
			continue
		}
		if len(entries) == 0 {
			continue
		}

		ids := make([]string, len(entries))
		for i, z := range entries {
			ids[i] = z.Member.(string)
		}
		blobs, err := s.rdb.HMGet(ctx, s.cacheKey(t), ids...).Result()
		if err != nil {
			s.log.Warn().Err(err).Str("topic", t).Msg("Replay blob read failed")
			continue
		}
		for i, blob := range blobs {
			str, ok := blob.(string)
			if !ok {
				// Blob already trimmed or purged; the index entry is stale.
				continue
			}
			var env Envelope
			if err := json.Unmarshal([]byte(str), &env); err != nil {
				s.log.Warn().Err(err).Str("topic", t).Str("id", ids[i]).Msg("Undecodable cache envelope")
				continue
			}
			items = append(items, Item{
				ID:      env.Meta.ID,
				Topic:   env.Topic,
				Message: env.Message,
				Origin:  env.Origin,
				score:   entries[i].Score,
			})
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score < items[j].score
		}
		return items[i].ID < items[j].ID
	})
	if limit > 0 && int64(len(items)) > limit {
		items = items[:limit]
	}
	return items, nil
}

// PurgeExpired walks every topic in pub_count whose oldest index entry is
// older than the default TTL and drops blobs past their expiry.
func (s *Store) PurgeExpired(ctx context.Context) {
	if !s.opts.Enabled {
		return
	}
	topics, err := s.rdb.HKeys(ctx, s.pubCountKey()).Result()
	if err != nil {
		s.log.Warn().Err(err).Msg("Purge: failed to list topics")
		return
	}

	now := time.Now().UnixMilli()
	retentionMs := s.opts.DefaultTTL * 1000

	for _, t := range topics {
		oldest, err := s.rdb.ZRangeWithScores(ctx, s.scoresKey(t), 0, 0).Result()
		if err != nil || len(oldest) == 0 {
			continue
		}
		if now-int64(oldest[0].Score) < retentionMs {
			continue
		}

		blobs, err := s.rdb.HGetAll(ctx, s.cacheKey(t)).Result()
		if err != nil {
			continue
		}
		var expired []string
		for id, blob := range blobs {
			var env Envelope
			if err := json.Unmarshal([]byte(blob), &env); err != nil {
				expired = append(expired, id)
				continue
			}
			if env.Meta.ExpireAt > 0 && env.Meta.ExpireAt < now {
				expired = append(expired, id)
			}
		}
		if len(expired) == 0 {
			continue
		}
		members := make([]interface{}, len(expired))
		for i, id := range expired {
			members[i] = id
		}
		s.rdb.HDel(ctx, s.cacheKey(t), expired...)
		s.rdb.ZRem(ctx, s.scoresKey(t), members...)
		s.log.Debug().Str("topic", t).Int("count", len(expired)).Msg("Purged expired cache items")
	}
}

// Publish sends an envelope on the topic's fan-out channel.
func (s *Store) Publish(ctx context.Context, env Envelope) error {
	blob, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode publish envelope: %w", err)
	}
	return s.rdb.Publish(ctx, s.Channel(env.Topic), blob).Err()
}

// PublishRaw sends an arbitrary payload on a channel; used for the metrics
// heartbeat, which is not a cacheable topic.
func (s *Store) PublishRaw(ctx context.Context, channel string, payload string) error {
	return s.rdb.Publish(ctx, s.Key(channel), payload).Err()
}

// DecodeEnvelope parses a fan-out payload.
func DecodeEnvelope(payload string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
