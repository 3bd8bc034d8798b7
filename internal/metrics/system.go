package metrics

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMonitor periodically samples process CPU and memory usage into the
// shared metric set. Measure once, query many times: workers and the HTTP
// renderers read the sampled values instead of hitting /proc themselves.
type SystemMonitor struct {
	metrics *Metrics
	logger  zerolog.Logger
	proc    *process.Process
}

func NewSystemMonitor(m *Metrics, logger zerolog.Logger) *SystemMonitor {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("Process handle unavailable, system metrics disabled")
	}
	return &SystemMonitor{
		metrics: m,
		logger:  logger.With().Str("component", "system_monitor").Logger(),
		proc:    proc,
	}
}

// Run samples every interval until ctx is cancelled.
func (sm *SystemMonitor) Run(ctx context.Context, interval time.Duration) {
	if sm.proc == nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sm.sample()
	for {
		select {
		case <-ticker.C:
			sm.sample()
		case <-ctx.Done():
			return
		}
	}
}

func (sm *SystemMonitor) sample() {
	if cpu, err := sm.proc.CPUPercent(); err == nil {
		sm.metrics.SetProcessCPUPercent(cpu)
	} else {
		sm.logger.Debug().Err(err).Msg("CPU sample failed")
	}
	if mem, err := sm.proc.MemoryInfo(); err == nil && mem != nil {
		sm.metrics.SetProcessMemoryBytes(int64(mem.RSS))
	}
}
