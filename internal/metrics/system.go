package metrics

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemSnapshot is the host/process view attached to health responses.
type SystemSnapshot struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
	MemoryUsedMB  uint64  `json:"memoryUsedMB"`
	Goroutines    int     `json:"goroutines"`
	HeapAllocMB   uint64  `json:"heapAllocMB"`
	NumCPU        int     `json:"numCPU"`
}

// Snapshot gathers a point-in-time system view. Failures of individual
// probes leave the corresponding fields at zero; health checks should
// not fail because a gauge is unavailable.
func Snapshot() SystemSnapshot {
	snap := SystemSnapshot{
		Goroutines: runtime.NumGoroutine(),
		NumCPU:     runtime.NumCPU(),
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap.HeapAllocMB = ms.HeapAlloc / (1024 * 1024)

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryPercent = vm.UsedPercent
		snap.MemoryUsedMB = vm.Used / (1024 * 1024)
	}

	return snap
}
