// Package sysmon samples live resource usage of the supervised probe
// process. Uses gopsutil; no external shelling (no ps/top fallback).
package sysmon

import (
	"github.com/shirou/gopsutil/v3/process"
)

// ProcStats holds a point-in-time resource sample for one PID.
type ProcStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	NumThreads int32   `json:"num_threads"`
}

// Sample returns the probe's current CPU and memory usage. Any field
// gopsutil cannot produce on this platform reads as zero; only a missing
// process is an error.
func Sample(pid int) (ProcStats, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return ProcStats{}, err
	}

	var st ProcStats
	if cpu, err := proc.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		st.RSSBytes = mem.RSS
	}
	if threads, err := proc.NumThreads(); err == nil {
		st.NumThreads = threads
	}
	return st, nil
}
