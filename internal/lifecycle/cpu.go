package lifecycle

import "time"

// cpuSampler turns process CPU time into a utilization figure in tenths of
// a percent of one core.
type cpuSampler struct {
	lastWall time.Time
	lastCPU  time.Duration
	ok       bool
}

func newCPUSampler(now time.Time) *cpuSampler {
	cpu, ok := processCPUTime()
	return &cpuSampler{lastWall: now, lastCPU: cpu, ok: ok}
}

func (s *cpuSampler) sample(now time.Time) (int64, bool) {
	cpu, ok := processCPUTime()
	if !ok || !s.ok {
		return 0, false
	}
	wall := now.Sub(s.lastWall)
	used := cpu - s.lastCPU
	s.lastWall, s.lastCPU = now, cpu
	if wall <= 0 {
		return 0, false
	}
	return permille(used, wall), true
}

func permille(used, wall time.Duration) int64 {
	if used < 0 {
		used = 0
	}
	return int64(used) * 1000 / int64(wall)
}
