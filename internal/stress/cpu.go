package stress

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/vthunder/medulla/internal/logging"
)

// cpuSampler reads this process's CPU usage between calls.
type cpuSampler struct {
	proc *process.Process
}

func newCPUSampler() *cpuSampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logging.Warn("stress", "cannot observe own process cpu: %v", err)
		return &cpuSampler{}
	}
	return &cpuSampler{proc: proc}
}

// percent returns CPU usage since the previous call, clamped to
// [0, 100]. Returns 0 when the process handle is unavailable.
func (s *cpuSampler) percent() float64 {
	if s.proc == nil {
		return 0
	}
	pct, err := s.proc.Percent(0)
	if err != nil {
		logging.Debug("stress", "cpu sample failed: %v", err)
		return 0
	}
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
