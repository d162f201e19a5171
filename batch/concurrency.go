package batch

import (
	"runtime"

	"github.com/shirou/gopsutil/v4/mem"
)

// WorkerCount derives how many files to process at once. An explicit
// request wins; otherwise the nice level picks a share of the CPUs and
// small-memory hosts are capped, since every worker holds a decoded raster.
func WorkerCount(niceLevel string, requested int) int {
	if requested > 0 {
		return requested
	}
	numCPU := runtime.NumCPU()
	concurrency := 1
	switch niceLevel {
	case "high":
		concurrency = numCPU
	case "medium":
		concurrency = max(1, numCPU/2)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		totalGB := vm.Total / (1024 * 1024 * 1024)
		switch {
		case totalGB <= 4:
			concurrency = min(concurrency, 2)
		case totalGB <= 8:
			concurrency = min(concurrency, 4)
		}
	}
	return max(1, concurrency)
}
