package system

import (
	"time"

	"go.uber.org/zap"
)

const phaseCount = int(PhaseCleanup) + 1

// Runner drives registered systems once per tick, phase by phase. Systems
// of the same phase run in registration order.
type Runner struct {
	phases [phaseCount][]System
	count  int
	log    *zap.Logger

	overruns int
}

func NewRunner(log *zap.Logger) *Runner {
	return &Runner{log: log}
}

func (r *Runner) Register(s System) {
	p := s.Phase()
	if p < 0 || int(p) >= phaseCount {
		r.log.Error("未知的系統階段, 忽略", zap.Int("phase", int(p)))
		return
	}
	r.phases[p] = append(r.phases[p], s)
	r.count++
}

// Tick runs every phase. A tick that takes longer than dt is logged with
// the slowest phase so a stalled handler or transfer is easy to spot.
func (r *Runner) Tick(dt time.Duration) {
	start := time.Now()
	slowest, slowestDur := PhaseInput, time.Duration(0)
	for p := range r.phases {
		phaseStart := time.Now()
		for _, s := range r.phases[p] {
			s.Update(dt)
		}
		if d := time.Since(phaseStart); d > slowestDur {
			slowest, slowestDur = Phase(p), d
		}
	}
	if elapsed := time.Since(start); dt > 0 && elapsed > dt {
		r.overruns++
		r.log.Warn("tick 超時",
			zap.Duration("elapsed", elapsed),
			zap.Duration("budget", dt),
			zap.Stringer("slowest_phase", slowest),
			zap.Duration("slowest", slowestDur),
			zap.Int("overruns", r.overruns))
	}
}

// Len returns the number of registered systems.
func (r *Runner) Len() int {
	return r.count
}

// PhaseLen returns how many systems are registered for p.
func (r *Runner) PhaseLen(p Phase) int {
	if p < 0 || int(p) >= phaseCount {
		return 0
	}
	return len(r.phases[p])
}
