package metrics

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/otbridge/connector/internal/log"
)

// ProcessSampler periodically samples this process's CPU and RSS and
// publishes them as gauges. It is the concrete content behind spec §5's
// "one stats reporter" task.
type ProcessSampler struct {
	proc     *process.Process
	interval time.Duration
}

// NewProcessSampler opens a gopsutil handle on the current process.
func NewProcessSampler(interval time.Duration) (*ProcessSampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &ProcessSampler{proc: p, interval: interval}, nil
}

// Run samples on a ticker until ctx is cancelled.
func (s *ProcessSampler) Run(ctx context.Context) {
	l := log.WithComponent("stats-reporter")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if pct, err := s.proc.CPUPercentWithContext(ctx); err == nil {
				ProcessCPUPercent.Set(pct)
			} else {
				l.Debug().Err(err).Msg("cpu sample failed")
			}
			if mem, err := s.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
				ProcessRSSBytes.Set(float64(mem.RSS))
			} else if err != nil {
				l.Debug().Err(err).Msg("memory sample failed")
			}
		case <-ctx.Done():
			return
		}
	}
}
