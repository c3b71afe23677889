// SPDX-License-Identifier: GPL-2.0-or-later

// Package system reports host resources used to size worker
// pools and prefetch buffers.
package system

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Status host usage in percent.
type Status struct {
	CPUUsage int    `json:"cpuUsage" yaml:"cpuUsage"`
	RAMUsage int    `json:"ramUsage" yaml:"ramUsage"`
	RAMFree  uint64 `json:"ramFree" yaml:"ramFree"`
	Threads  int    `json:"threads" yaml:"threads"`
}

type (
	cpuFunc   func(context.Context, time.Duration, bool) ([]float64, error)
	countFunc func(bool) (int, error)
	ramFunc   func() (*mem.VirtualMemoryStat, error)
)

// System .
type System struct {
	cpu    cpuFunc
	counts countFunc
	ram    ramFunc

	duration time.Duration

	threadsOnce sync.Once
	threads     int
}

// New returns a System backed by gopsutil.
func New() *System {
	return &System{
		cpu:      cpu.PercentWithContext,
		counts:   cpu.Counts,
		ram:      mem.VirtualMemory,
		duration: 200 * time.Millisecond,
	}
}

// Threads returns requested if positive, otherwise the
// number of logical CPUs, at least 1.
func (s *System) Threads(requested int) int {
	if requested > 0 {
		return requested
	}
	s.threadsOnce.Do(func() {
		n, err := s.counts(true)
		if err != nil || n < 1 {
			n = 1
		}
		s.threads = n
	})
	return s.threads
}

// AvailableMemory returns the memory available to new allocations in bytes.
func (s *System) AvailableMemory() (uint64, error) {
	stat, err := s.ram()
	if err != nil {
		return 0, fmt.Errorf("ram usage: %w", err)
	}
	return stat.Available, nil
}

// Status samples cpu and ram usage, blocks for the sample duration.
func (s *System) Status(ctx context.Context) (Status, error) {
	cpuUsage, err := s.cpu(ctx, s.duration, false)
	if err != nil {
		return Status{}, fmt.Errorf("cpu usage: %w", err)
	}
	if len(cpuUsage) == 0 {
		return Status{}, fmt.Errorf("cpu usage: no sample")
	}
	ramUsage, err := s.ram()
	if err != nil {
		return Status{}, fmt.Errorf("ram usage: %w", err)
	}
	return Status{
		CPUUsage: int(cpuUsage[0]),
		RAMUsage: int(ramUsage.UsedPercent),
		RAMFree:  ramUsage.Available,
		Threads:  s.Threads(0),
	}, nil
}
