// Package limits provides per-IP admission control for new connections.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AcceptLimiter rate-limits connection attempts with a token bucket per
// client IP plus a global bucket, so a single flooding peer cannot exhaust
// the accept path and a distributed flood cannot overload the server.
type AcceptLimiter struct {
	mu         sync.Mutex
	perIP      map[string]*ipEntry
	ipBurst    int
	ipRate     rate.Limit
	ipTTL      time.Duration
	global     *rate.Limiter
	logger     zerolog.Logger
	stopSweep  chan struct{}
	sweepEvery time.Duration
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// AcceptLimiterConfig holds limiter settings; zero values get defaults
// (10 burst / 2 per second per IP, 300 burst / 100 per second global).
type AcceptLimiterConfig struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
}

func NewAcceptLimiter(cfg AcceptLimiterConfig, logger zerolog.Logger) *AcceptLimiter {
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate == 0 {
		cfg.IPRate = 2.0
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 100.0
	}

	l := &AcceptLimiter{
		perIP:      make(map[string]*ipEntry),
		ipBurst:    cfg.IPBurst,
		ipRate:     rate.Limit(cfg.IPRate),
		ipTTL:      cfg.IPTTL,
		global:     rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:     logger.With().Str("component", "accept_limiter").Logger(),
		stopSweep:  make(chan struct{}),
		sweepEvery: time.Minute,
	}
	go l.sweepLoop()
	return l
}

// Allow reports whether a new connection from ip may be accepted.
func (l *AcceptLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		l.logger.Warn().Str("ip", ip).Msg("Global connection rate exceeded")
		return false
	}

	l.mu.Lock()
	e, ok := l.perIP[ip]
	if !ok {
		e = &ipEntry{limiter: rate.NewLimiter(l.ipRate, l.ipBurst)}
		l.perIP[ip] = e
	}
	e.lastAccess = time.Now()
	l.mu.Unlock()

	if !e.limiter.Allow() {
		l.logger.Warn().Str("ip", ip).Msg("Per-IP connection rate exceeded")
		return false
	}
	return true
}

// Stop ends the background sweep of idle IP entries.
func (l *AcceptLimiter) Stop() {
	close(l.stopSweep)
}

func (l *AcceptLimiter) sweepLoop() {
	ticker := time.NewTicker(l.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-l.ipTTL)
			l.mu.Lock()
			for ip, e := range l.perIP {
				if e.lastAccess.Before(cutoff) {
					delete(l.perIP, ip)
				}
			}
			l.mu.Unlock()
		case <-l.stopSweep:
			return
		}
	}
}
