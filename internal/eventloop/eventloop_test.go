package eventloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobsRunInOrder(t *testing.T) {
	l := New()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		l.AddJob(func() { order = append(order, i) })
	}
	l.Process()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestJobAddedByJobRunsNextTurn(t *testing.T) {
	l := New()
	var order []string
	l.AddJob(func() {
		order = append(order, "outer")
		l.AddJob(func() { order = append(order, "inner") })
	})

	l.Process()
	assert.Equal(t, []string{"outer"}, order)

	l.Process()
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestOneShotTimer(t *testing.T) {
	l := New()
	fired := 0
	l.AddTimer(0, 0, func() { fired++ })

	time.Sleep(5 * time.Millisecond)
	l.Process()
	assert.Equal(t, 1, fired)

	l.Process()
	assert.Equal(t, 1, fired, "one-shot timer must not refire")
}

func TestRepeatingTimer(t *testing.T) {
	l := New()
	fired := 0
	l.AddTimer(0, time.Millisecond, func() { fired++ })

	time.Sleep(5 * time.Millisecond)
	l.Process()
	assert.Equal(t, 1, fired)

	time.Sleep(5 * time.Millisecond)
	l.Process()
	assert.Equal(t, 2, fired)
}

func TestCancelledTimerDropped(t *testing.T) {
	l := New()
	fired := false
	timer := l.AddTimer(0, 0, func() { fired = true })
	timer.Cancel()

	time.Sleep(5 * time.Millisecond)
	l.Process()
	assert.False(t, fired)
}

func TestCancelFromOwnCallback(t *testing.T) {
	l := New()
	fired := 0
	var timer *Timer
	timer = l.AddTimer(0, time.Millisecond, func() {
		fired++
		timer.Cancel()
	})

	time.Sleep(5 * time.Millisecond)
	l.Process()
	time.Sleep(5 * time.Millisecond)
	l.Process()
	assert.Equal(t, 1, fired)
}

func TestTimerOrdering(t *testing.T) {
	l := New()
	var order []string
	l.AddTimer(2*time.Millisecond, 0, func() { order = append(order, "late") })
	l.AddTimer(time.Millisecond, 0, func() { order = append(order, "early") })

	time.Sleep(10 * time.Millisecond)
	l.Process()
	assert.Equal(t, []string{"early", "late"}, order)
}

func TestNextTimerDelay(t *testing.T) {
	l := New()
	max := 100 * time.Millisecond

	assert.Equal(t, max, l.NextTimerDelay(max), "idle loop sleeps the max")

	l.AddTimer(10*time.Millisecond, 0, func() {})
	d := l.NextTimerDelay(max)
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, 10*time.Millisecond)

	l.AddJob(func() {})
	assert.Equal(t, time.Duration(0), l.NextTimerDelay(max), "pending job means no sleep")
}

func TestWakeOnAdd(t *testing.T) {
	l := New()
	l.AddJob(func() {})

	select {
	case <-l.Wake():
	default:
		t.Fatal("expected wake token after AddJob")
	}
}
