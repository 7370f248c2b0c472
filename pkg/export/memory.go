package export

import (
	"os"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/quarrydata/quarry/pkg/config"
	"github.com/quarrydata/quarry/pkg/qerrors"
)

// MemoryGuard checks system memory usage and process RSS around each offset
// chunk. Crossing a hard threshold aborts remaining chunk submission for the
// table; it is a separate failure domain from the connection breaker.
type MemoryGuard struct {
	cfg  config.MemoryGuardConfig
	proc *process.Process
}

// NewMemoryGuard creates a guard for the current process.
func NewMemoryGuard(cfg config.MemoryGuardConfig) *MemoryGuard {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}
	return &MemoryGuard{cfg: cfg, proc: proc}
}

// Check returns a resource error when a memory threshold is breached.
// Probe failures are best-effort and never fail the check themselves.
func (g *MemoryGuard) Check() error {
	if vm, err := mem.VirtualMemory(); err == nil {
		if vm.UsedPercent >= g.cfg.MaxSystemPercent {
			return qerrors.Newf(qerrors.ErrorTypeResource,
				"system memory usage %.1f%% exceeds limit %.1f%%",
				vm.UsedPercent, g.cfg.MaxSystemPercent)
		}
	}

	if g.cfg.MaxProcessRSSMB > 0 && g.proc != nil {
		if info, err := g.proc.MemoryInfo(); err == nil {
			rssMB := int64(info.RSS / (1024 * 1024))
			if rssMB >= g.cfg.MaxProcessRSSMB {
				return qerrors.Newf(qerrors.ErrorTypeResource,
					"process RSS %dMB exceeds limit %dMB", rssMB, g.cfg.MaxProcessRSSMB)
			}
		}
	}

	return nil
}
