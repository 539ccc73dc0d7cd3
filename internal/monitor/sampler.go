// Package monitor periodically samples process memory and reports
// elevated usage, grounded in the teacher's Server.monitorMemory
// (ws/server.go), repurposed here from a Kafka-consumer-pausing signal
// into a plain health-log sampler since the broker has no upstream
// consumer to throttle.
package monitor

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// Sampler periodically logs the broker process's RSS memory usage and
// warns once it crosses warnPercent of limitBytes.
type Sampler struct {
	limitBytes  int64
	warnPercent float64
	interval    time.Duration
	logger      zerolog.Logger
}

// New returns a Sampler. limitBytes <= 0 disables the percentage warning
// (RSS is still logged at each interval).
func New(limitBytes int64, warnPercent float64, interval time.Duration, logger zerolog.Logger) *Sampler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if warnPercent <= 0 {
		warnPercent = 80
	}
	return &Sampler{limitBytes: limitBytes, warnPercent: warnPercent, interval: interval, logger: logger}
}

// Run samples until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		s.logger.Warn().Err(err).Msg("monitor: failed to attach to own process, memory sampling disabled")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := proc.MemoryInfo()
			if err != nil {
				continue
			}
			rssMB := float64(info.RSS) / 1024 / 1024

			ev := s.logger.Debug()
			if s.limitBytes > 0 {
				percent := float64(info.RSS) / float64(s.limitBytes) * 100
				if percent >= s.warnPercent {
					ev = s.logger.Warn()
				}
				ev.Float64("rss_mb", rssMB).Float64("limit_pct", percent).Msg("memory sample")
				continue
			}
			ev.Float64("rss_mb", rssMB).Msg("memory sample")
		}
	}
}
