package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims Claims, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAuthenticateValidToken(t *testing.T) {
	a := NewAccessContext(false)
	token := signToken(t, Claims{
		Write: []string{"room1/kitchen"},
		Read:  []string{"room1/#"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "user1",
		},
	}, testSecret)

	require.NoError(t, a.Authenticate(token, testSecret))
	assert.True(t, a.Authenticated())
	assert.Equal(t, "user1", a.Subject())
}

func TestAuthenticateWrongSecret(t *testing.T) {
	a := NewAccessContext(false)
	token := signToken(t, Claims{Read: []string{"#"}}, "other-secret")

	assert.Error(t, a.Authenticate(token, testSecret))
	assert.False(t, a.Authenticated())
}

func TestAuthenticateExpiredToken(t *testing.T) {
	a := NewAccessContext(false)
	token := signToken(t, Claims{
		Read: []string{"#"},
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}, testSecret)

	assert.Error(t, a.Authenticate(token, testSecret))
}

func TestAuthenticateGarbage(t *testing.T) {
	a := NewAccessContext(false)
	assert.Error(t, a.Authenticate("not-a-jwt", testSecret))
}

func TestAuthenticateRejectsEmptyGrants(t *testing.T) {
	a := NewAccessContext(false)
	token := signToken(t, Claims{}, testSecret)
	assert.Error(t, a.Authenticate(token, testSecret))
}

func TestAuthenticateDropsInvalidEntries(t *testing.T) {
	a := NewAccessContext(false)
	token := signToken(t, Claims{
		Write: []string{"/bad", "room1/kitchen", "also bad"},
		Read:  []string{"#/nope"},
	}, testSecret)

	require.NoError(t, a.Authenticate(token, testSecret))
	assert.True(t, a.AllowPublish("room1/kitchen"))
	assert.False(t, a.AllowPublish("/bad"))
	assert.False(t, a.AllowSubscribe("anything"), "invalid read entries are dropped")
}

func TestAllowChecks(t *testing.T) {
	a := NewAccessContext(false)
	token := signToken(t, Claims{
		Write: []string{"room1/kitchen", "sensors/#"},
		Read:  []string{"room1/+"},
	}, testSecret)
	require.NoError(t, a.Authenticate(token, testSecret))

	assert.True(t, a.AllowPublish("room1/kitchen"))
	assert.True(t, a.AllowPublish("sensors/temp/a1"))
	assert.False(t, a.AllowPublish("room2/kitchen"))

	assert.True(t, a.AllowSubscribe("room1/hall"))
	assert.True(t, a.AllowSubscribe("room1/+"), "subscribing to the granted filter itself")
	assert.False(t, a.AllowSubscribe("room1/hall/deep"))
}

func TestAuthDisabledAllowsEverything(t *testing.T) {
	a := NewAccessContext(true)
	require.NoError(t, a.Authenticate("", ""))
	assert.True(t, a.Authenticated())
	assert.True(t, a.AllowPublish("any/topic"))
	assert.True(t, a.AllowSubscribe("#"))
}

func TestRateLimitForTopic(t *testing.T) {
	a := NewAccessContext(false)
	token := signToken(t, Claims{
		Write: []string{"#"},
		Rlimit: []RateLimitRule{
			{Topic: "rooms/#", Interval: 1000, Max: 10},
			{Topic: "rooms/kitchen/#", Interval: 1000, Max: 5},
			{Topic: "rooms/kitchen/stove", Interval: 1000, Max: 1},
		},
	}, testSecret)
	require.NoError(t, a.Authenticate(token, testSecret))

	// Exact match wins over any filter.
	rule, err := a.RateLimitForTopic("rooms/kitchen/stove")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rule.Max)

	// Longest matching filter wins otherwise.
	rule, err = a.RateLimitForTopic("rooms/kitchen/fridge")
	require.NoError(t, err)
	assert.Equal(t, int64(5), rule.Max)

	rule, err = a.RateLimitForTopic("rooms/hall/door")
	require.NoError(t, err)
	assert.Equal(t, int64(10), rule.Max)

	_, err = a.RateLimitForTopic("garden/gate")
	assert.ErrorIs(t, err, ErrNoRateLimit)
}

func TestInvalidRateLimitRulesDropped(t *testing.T) {
	a := NewAccessContext(false)
	token := signToken(t, Claims{
		Write: []string{"#"},
		Rlimit: []RateLimitRule{
			{Topic: "/bad", Interval: 1000, Max: 10},
			{Topic: "ok/#", Interval: 0, Max: 10},
			{Topic: "ok/#", Interval: 1000, Max: 0},
		},
	}, testSecret)
	require.NoError(t, a.Authenticate(token, testSecret))

	_, err := a.RateLimitForTopic("ok/topic")
	assert.ErrorIs(t, err, ErrNoRateLimit)
}
