package server

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/olesku/eventhub-sub000/internal/eventloop"
	"github.com/olesku/eventhub-sub000/internal/topic"
)

const (
	// Upper bound on a worker's sleep, so stop requests and cross-goroutine
	// wakeups are never stalled for long.
	workerMaxSleep = 100 * time.Millisecond

	// Interval for the event loop delay gauge sample.
	delaySampleInterval = 5 * time.Second
)

// Worker owns one topic registry, one event loop and the set of connections
// assigned to it. Fan-out, timers and deferred jobs for those connections
// all run on the worker's goroutine.
type Worker struct {
	id       int
	server   *Server
	registry *topic.Registry
	loop     *eventloop.Loop
	logger   zerolog.Logger

	connMu sync.Mutex
	conns  map[int64]*Connection

	stop chan struct{}
	done chan struct{}
}

func newWorker(s *Server, id int) *Worker {
	w := &Worker{
		id:       id,
		server:   s,
		registry: topic.NewRegistry(),
		loop:     eventloop.New(),
		logger:   s.logger.With().Int("worker", id).Logger(),
		conns:    make(map[int64]*Connection),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	return w
}

// Run is the worker goroutine: sleep until the next timer deadline or an
// external wakeup, then process the loop. The delay sample timer measures
// how late the loop runs its own callbacks.
func (w *Worker) Run() {
	defer close(w.done)

	expected := time.Now().Add(delaySampleInterval)
	w.loop.AddTimer(delaySampleInterval, delaySampleInterval, func() {
		late := time.Since(expected).Milliseconds()
		if late < 0 {
			late = 0
		}
		w.server.metrics.SetEventloopDelay(late)
		expected = time.Now().Add(delaySampleInterval)
	})

	timer := time.NewTimer(workerMaxSleep)
	defer timer.Stop()

	for {
		d := w.loop.NextTimerDelay(workerMaxSleep)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)

		select {
		case <-w.loop.Wake():
		case <-timer.C:
		case <-w.stop:
			w.shutdownConnections()
			return
		}
		w.loop.Process()
	}
}

// Stop asks the worker to exit and waits until it has.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

// Publish queues a local fan-out of msg on the worker's own goroutine, which
// preserves per-worker delivery order.
func (w *Worker) Publish(msg topic.Message) {
	w.loop.AddJob(func() {
		w.registry.Publish(msg)
	})
}

func (w *Worker) addConnection(c *Connection) {
	w.connMu.Lock()
	w.conns[c.id] = c
	w.connMu.Unlock()
}

func (w *Worker) removeConnection(c *Connection) {
	w.connMu.Lock()
	delete(w.conns, c.id)
	w.connMu.Unlock()
}

// ConnectionCount returns the number of connections assigned to the worker.
func (w *Worker) ConnectionCount() int {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	return len(w.conns)
}

func (w *Worker) shutdownConnections() {
	w.connMu.Lock()
	conns := make([]*Connection, 0, len(w.conns))
	for _, c := range w.conns {
		conns = append(conns, c)
	}
	w.connMu.Unlock()

	for _, c := range conns {
		c.shutdown("server shutdown")
	}
}
