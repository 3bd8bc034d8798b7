package limits

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestPerIPBurst(t *testing.T) {
	l := NewAcceptLimiter(AcceptLimiterConfig{IPBurst: 3, IPRate: 0.001}, zerolog.Nop())
	defer l.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "within burst")
	}
	assert.False(t, l.Allow("10.0.0.1"), "burst exhausted")

	// Other IPs have their own bucket.
	assert.True(t, l.Allow("10.0.0.2"))
}

func TestGlobalLimit(t *testing.T) {
	l := NewAcceptLimiter(AcceptLimiterConfig{GlobalBurst: 5, GlobalRate: 0.001}, zerolog.Nop())
	defer l.Stop()

	granted := 0
	for i := 0; i < 10; i++ {
		if l.Allow(fmt.Sprintf("10.0.0.%d", i)) {
			granted++
		}
	}
	assert.Equal(t, 5, granted)
}
