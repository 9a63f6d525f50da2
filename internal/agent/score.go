package agent

import (
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// MeasureScore derives a performance score from the host's logical cores,
// clock speed and memory.
func MeasureScore() (int, error) {
	cores, err := cpu.Counts(true)
	if err != nil {
		return 0, errors.Wrap(err, "count cpus")
	}
	var mhz float64
	if infos, err := cpu.Info(); err == nil {
		for _, info := range infos {
			if info.Mhz > mhz {
				mhz = info.Mhz
			}
		}
	}
	var memGB float64
	if vm, err := mem.VirtualMemory(); err == nil {
		memGB = float64(vm.Total) / (1 << 30)
	}
	return scoreFrom(cores, mhz, memGB), nil
}

// scoreFrom is roughly one point per GHz-core, plus a point per 8 GiB.
// Unknown clock speeds count as 1 GHz. The result is at least 1.
func scoreFrom(cores int, mhz, memGB float64) int {
	if mhz <= 0 {
		mhz = 1000
	}
	score := int(float64(cores)*mhz/1000 + memGB/8)
	if score < 1 {
		return 1
	}
	return score
}
