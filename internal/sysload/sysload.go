package sysload

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Load is a narrow snapshot of host utilisation consumed by the sampler's
// retune step.
type Load struct {
	CPUPercent    float64
	MemoryPercent float64
}

// Source produces load snapshots. The process-level implementation is
// Collect; tests substitute a static func.
type Source func() (Load, error)

// Collect reads CPU and memory utilisation from the host.
func Collect() (Load, error) {
	var l Load

	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		return l, err
	}
	if len(cpuPercent) > 0 {
		l.CPUPercent = cpuPercent[0]
	}

	memStats, err := mem.VirtualMemory()
	if err != nil {
		return l, err
	}
	l.MemoryPercent = memStats.UsedPercent

	return l, nil
}

// Max returns the dominant utilisation axis.
func (l Load) Max() float64 {
	if l.CPUPercent > l.MemoryPercent {
		return l.CPUPercent
	}
	return l.MemoryPercent
}
