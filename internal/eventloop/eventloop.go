// Package eventloop provides the per-worker timer heap and deferred-job
// queue. One Loop belongs to exactly one worker goroutine; AddJob and
// AddTimer are safe to call from any goroutine and wake the owner.
package eventloop

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a scheduled callback. Cancel disarms it; a cancelled timer is
// dropped the next time it surfaces in the heap.
type Timer struct {
	fireAt    time.Time
	repeat    time.Duration // 0 = one-shot
	cb        func()
	cancelled atomic.Bool
	index     int
}

// Cancel disarms the timer. Safe to call from the timer's own callback.
func (t *Timer) Cancel() {
	t.cancelled.Store(true)
}

type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].fireAt.Before(h[j].fireAt) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { t := x.(*Timer); t.index = len(*h); *h = append(*h, t) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Loop is a timer heap plus a FIFO queue of deferred jobs.
type Loop struct {
	mu     sync.Mutex
	timers timerHeap
	jobs   []func()
	wake   chan struct{}
}

func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Wake returns the channel the owning worker selects on. It receives a
// token whenever a job or timer is added from another goroutine.
func (l *Loop) Wake() <-chan struct{} {
	return l.wake
}

func (l *Loop) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AddTimer schedules cb to run after delay. A non-zero repeat reschedules
// the timer at now+repeat after every firing.
func (l *Loop) AddTimer(delay time.Duration, repeat time.Duration, cb func()) *Timer {
	t := &Timer{fireAt: time.Now().Add(delay), repeat: repeat, cb: cb}
	l.mu.Lock()
	heap.Push(&l.timers, t)
	l.mu.Unlock()
	l.notify()
	return t
}

// AddJob enqueues cb for the worker's next turn. Jobs run in FIFO order.
func (l *Loop) AddJob(cb func()) {
	l.mu.Lock()
	l.jobs = append(l.jobs, cb)
	l.mu.Unlock()
	l.notify()
}

// Process runs every queued job in order, then fires every timer whose
// deadline has passed. The lock is released around callbacks, so a callback
// may add further jobs or timers without deadlocking; jobs added by a
// callback run on the next turn.
func (l *Loop) Process() {
	l.mu.Lock()
	jobs := l.jobs
	l.jobs = nil
	l.mu.Unlock()

	for _, job := range jobs {
		job()
	}

	now := time.Now()
	for {
		l.mu.Lock()
		if len(l.timers) == 0 || l.timers[0].fireAt.After(now) {
			l.mu.Unlock()
			return
		}
		t := heap.Pop(&l.timers).(*Timer)
		l.mu.Unlock()

		if t.cancelled.Load() {
			continue
		}
		t.cb()
		if t.repeat > 0 && !t.cancelled.Load() {
			t.fireAt = time.Now().Add(t.repeat)
			l.mu.Lock()
			heap.Push(&l.timers, t)
			l.mu.Unlock()
		}
	}
}

// NextTimerDelay returns how long the worker may sleep: zero when a job is
// pending, otherwise the time until the earliest timer (clamped at zero),
// or max when the loop is idle.
func (l *Loop) NextTimerDelay(max time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.jobs) > 0 {
		return 0
	}
	if len(l.timers) == 0 {
		return max
	}
	d := time.Until(l.timers[0].fireAt)
	if d < 0 {
		return 0
	}
	if d > max {
		return max
	}
	return d
}
