package resource

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// Sampler reads current usage for each resource as a percentage in
// [0, 100].
type Sampler interface {
	MemoryPercent(ctx context.Context) (float64, error)
	CPUPercent(ctx context.Context) (float64, error)
	DiskPercent(ctx context.Context, path string) (float64, error)
}

// SystemSampler reads real usage from /proc and statfs.
type SystemSampler struct {
	fs procfs.FS

	mu        sync.Mutex
	prevBusy  float64
	prevTotal float64
	primed    bool
}

// NewSystemSampler mounts the default procfs.
func NewSystemSampler() (*SystemSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}
	return &SystemSampler{fs: fs}, nil
}

// MemoryPercent returns used memory as (total - available) / total.
func (s *SystemSampler) MemoryPercent(ctx context.Context) (float64, error) {
	meminfo, err := s.fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("failed to read meminfo: %w", err)
	}
	if meminfo.MemTotal == nil || meminfo.MemAvailable == nil || *meminfo.MemTotal == 0 {
		return 0, fmt.Errorf("meminfo missing MemTotal/MemAvailable")
	}
	total := float64(*meminfo.MemTotal)
	available := float64(*meminfo.MemAvailable)
	return (total - available) / total * 100, nil
}

// CPUPercent returns busy CPU time over the interval since the previous
// call. The first call primes the counters and reports 0.
func (s *SystemSampler) CPUPercent(ctx context.Context) (float64, error) {
	stat, err := s.fs.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to read /proc/stat: %w", err)
	}
	c := stat.CPUTotal
	idle := c.Idle + c.Iowait
	total := idle + c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
	busy := total - idle

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.primed {
		s.prevBusy, s.prevTotal, s.primed = busy, total, true
		return 0, nil
	}
	deltaBusy := busy - s.prevBusy
	deltaTotal := total - s.prevTotal
	s.prevBusy, s.prevTotal = busy, total
	if deltaTotal <= 0 {
		return 0, nil
	}
	return deltaBusy / deltaTotal * 100, nil
}

// DiskPercent returns used space on the filesystem holding path, the way
// df computes it (reserved blocks excluded from the denominator).
func (s *SystemSampler) DiskPercent(ctx context.Context, path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("failed to statfs %s: %w", path, err)
	}
	used := float64(st.Blocks - st.Bfree)
	usable := used + float64(st.Bavail)
	if usable == 0 {
		return 0, fmt.Errorf("statfs %s reports zero usable blocks", path)
	}
	return used / usable * 100, nil
}
