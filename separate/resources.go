package separate

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Thresholds for the preflight resource check before a separation starts.
// Zero values disable the corresponding check.
type Thresholds struct {
	IdleCPU  float64 // required idle CPU percentage
	FreeMem  int64   // required available memory, bytes
	FreeDisk int64   // required free disk at Path, bytes
	Path     string  // mount to check for free disk
}

// CheckResources verifies the host can take another separation. Separation
// is the heavy stage; refusing early beats thrashing mid-job. Probe errors
// are logged and skipped, only confirmed shortages refuse the job.
func CheckResources(th Thresholds, logger *log.Logger) error {
	if th.IdleCPU > 0 {
		p, err := cpu.Percent(time.Second, false)
		if err != nil {
			logger.Warn("could not get CPU usage", "err", err)
		} else if len(p) > 0 && p[0] > 100.0-th.IdleCPU {
			return fmt.Errorf("not enough idle CPU: usage %.2f%%, idle threshold %.2f%%", p[0], th.IdleCPU)
		}
	}

	if th.FreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			logger.Warn("could not get memory usage", "err", err)
		} else if vm.Available < uint64(th.FreeMem) {
			return fmt.Errorf("not enough free memory: available %d, required %d", vm.Available, th.FreeMem)
		}
	}

	if th.FreeDisk > 0 && th.Path != "" {
		d, err := disk.Usage(th.Path)
		if err != nil {
			logger.Warn("could not get disk usage", "path", th.Path, "err", err)
		} else if d.Free < uint64(th.FreeDisk) {
			return fmt.Errorf("not enough free disk space: available %d, required %d", d.Free, th.FreeDisk)
		}
	}
	return nil
}
