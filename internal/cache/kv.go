package cache

import (
	"context"
	"time"
)

// Key/value operations exposed through the JSON-RPC get/set/del methods.
// Keys live under the configured prefix next to the cache keys.

// KVGet returns the value for key. A missing key surfaces as redis.Nil.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	return s.rdb.Get(ctx, s.Key(key)).Result()
}

// KVSet stores value under key with an optional TTL in seconds (0 = no
// expiry).
func (s *Store) KVSet(ctx context.Context, key, value string, ttl int64) error {
	return s.rdb.Set(ctx, s.Key(key), value, time.Duration(ttl)*time.Second).Err()
}

// KVDel removes key and returns the number of keys removed.
func (s *Store) KVDel(ctx context.Context, key string) (int64, error) {
	return s.rdb.Del(ctx, s.Key(key)).Result()
}
