package process

import (
	"context"
	"fmt"
	"runtime"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Stats is a point-in-time resource sample of the running mongod.
type Stats struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	CreatedAt  time.Time `json:"created_at"`
}

// Stats samples the running mongod. ErrNotRunning when nothing is supervised.
func (s *Supervisor) Stats(ctx context.Context) (Stats, error) {
	p, ok := s.Snapshot()
	if !ok {
		return Stats{}, ErrNotRunning
	}
	return Sample(ctx, p.PID)
}

// Sample collects Stats for pid. Fields the platform cannot report stay zero.
func Sample(ctx context.Context, pid int) (Stats, error) {
	proc, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Stats{}, fmt.Errorf("inspect pid %d: %w", pid, err)
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("memory info for pid %d: %w", pid, err)
	}
	st := Stats{PID: pid, MemoryRSS: mem.RSS, MemoryVMS: mem.VMS}
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = cpu
	}
	if n, err := proc.NumThreadsWithContext(ctx); err == nil {
		st.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDsWithContext(ctx); err == nil {
			st.NumFDs = n
		}
	}
	if ms, err := proc.CreateTimeWithContext(ctx); err == nil && ms > 0 {
		st.CreatedAt = time.UnixMilli(ms)
	}
	return st, nil
}
