package browser

import (
	"github.com/shirou/gopsutil/v3/mem"
)

// MemoryGuard reports host memory pressure.
type MemoryGuard interface {
	UnderPressure() bool
}

// HostMemoryGuard trips when system memory usage reaches MaxUsedPercent.
type HostMemoryGuard struct {
	MaxUsedPercent float64
}

// UnderPressure samples virtual memory. Sampling errors count as no pressure.
func (g HostMemoryGuard) UnderPressure() bool {
	if g.MaxUsedPercent <= 0 {
		return false
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return false
	}
	return vm.UsedPercent >= g.MaxUsedPercent
}
