// Package auth holds the per-connection access controller: decoded JWT
// claims turned into publish/subscribe allow-lists and rate-limit rules.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/olesku/eventhub-sub000/internal/topic"
)

// ErrNoRateLimit is returned by RateLimitForTopic when no rule covers the
// topic. Publishes without a rule are not limited.
var ErrNoRateLimit = errors.New("no rate limit rule for topic")

// RateLimitRule limits publishes by one subject to topics matching Topic
// (a topic or filter) to at most Max within Interval milliseconds.
type RateLimitRule struct {
	Topic    string `json:"topic"`
	Interval int64  `json:"interval"`
	Max      int64  `json:"max"`
}

// Claims is the token payload eventhub consumes. Subject comes from the
// registered "sub" claim.
type Claims struct {
	Write  []string        `json:"write"`
	Read   []string        `json:"read"`
	Rlimit []RateLimitRule `json:"rlimit"`
	jwt.RegisteredClaims
}

// AccessContext is created per connection. When authentication is disabled
// by configuration every Allow* check passes regardless of claims.
type AccessContext struct {
	authDisabled  bool
	authenticated bool

	subject        string
	publishAllow   []string
	subscribeAllow []string
	rlimitRules    []RateLimitRule
}

func NewAccessContext(authDisabled bool) *AccessContext {
	return &AccessContext{authDisabled: authDisabled}
}

// Authenticate decodes and verifies an HS256 bearer token and loads the
// allow-lists and rate-limit rules from its claims. Invalid allow-list
// entries are silently dropped; a token granting nothing at all is
// rejected. With auth disabled it succeeds without looking at the token.
func (a *AccessContext) Authenticate(token, secret string) error {
	if a.authDisabled {
		a.authenticated = true
		return nil
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	if !parsed.Valid {
		return errors.New("invalid token claims")
	}

	a.publishAllow = validEntries(claims.Write)
	a.subscribeAllow = validEntries(claims.Read)
	if len(a.publishAllow)+len(a.subscribeAllow) == 0 {
		return errors.New("token grants no publish or subscribe access")
	}

	a.subject = claims.Subject
	for _, r := range claims.Rlimit {
		if topic.IsValidTopicOrFilter(r.Topic) && r.Interval > 0 && r.Max > 0 {
			a.rlimitRules = append(a.rlimitRules, r)
		}
	}

	a.authenticated = true
	return nil
}

func validEntries(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if topic.IsValidTopicOrFilter(e) {
			out = append(out, e)
		}
	}
	return out
}

// Authenticated reports whether Authenticate has succeeded.
func (a *AccessContext) Authenticated() bool { return a.authDisabled || a.authenticated }

// Subject returns the authenticated principal, possibly empty.
func (a *AccessContext) Subject() string { return a.subject }

// AllowPublish reports whether t is covered by the publish allow-list.
func (a *AccessContext) AllowPublish(t string) bool {
	return a.allowed(a.publishAllow, t)
}

// AllowSubscribe reports whether t is covered by the subscribe allow-list.
func (a *AccessContext) AllowSubscribe(t string) bool {
	return a.allowed(a.subscribeAllow, t)
}

func (a *AccessContext) allowed(list []string, t string) bool {
	if a.authDisabled {
		return true
	}
	for _, e := range list {
		if e == t || topic.IsFilterMatched(e, t) {
			return true
		}
	}
	return false
}

// RateLimitForTopic returns the rule covering t, preferring an exact topic
// match over the longest matching filter. ErrNoRateLimit when none apply.
func (a *AccessContext) RateLimitForTopic(t string) (RateLimitRule, error) {
	var best RateLimitRule
	found := false
	for _, r := range a.rlimitRules {
		if r.Topic == t {
			return r, nil
		}
		if topic.IsFilterMatched(r.Topic, t) {
			if !found || len(r.Topic) > len(best.Topic) {
				best = r
				found = true
			}
		}
	}
	if !found {
		return RateLimitRule{}, ErrNoRateLimit
	}
	return best, nil
}
