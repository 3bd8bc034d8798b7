package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/olesku/eventhub-sub000/internal/auth"
)

// IncrementRateLimit counts one publish by subject under rule and reports
// whether it is allowed. The window is a fixed-window approximation: the
// counter is created with a TTL of the rule interval and never extended,
// so up to 2×max publishes can land across adjacent windows.
//
// The increment that trips the limit persists, so subsequent calls keep
// being limited until the window key expires.
func (s *Store) IncrementRateLimit(ctx context.Context, rule auth.RateLimitRule, subject string) (bool, error) {
	key := s.Key(fmt.Sprintf("limits:%s:%s", rule.Topic, subject))
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit counter: %w", err)
	}
	if n == 1 {
		if err := s.rdb.Expire(ctx, key, time.Duration(rule.Interval)*time.Millisecond).Err(); err != nil {
			return false, fmt.Errorf("rate limit window: %w", err)
		}
	}
	return n <= rule.Max, nil
}
