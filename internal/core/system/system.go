package system

import "time"

// Phase defines execution ordering within a single tick.
type Phase int

const (
	PhaseInput      Phase = iota // 0: drain peer queues, admin commands
	PhasePreUpdate               // 1: deliver last tick's events
	PhaseUpdate                  // 2: session logic, join queue, simulation
	PhasePostUpdate              // 3: state sync, save transfer pacing
	PhaseOutput                  // 4: flush buffered messages
	PhaseCleanup                 // 5: destroy queued entities
)

var phaseNames = [...]string{"input", "pre-update", "update", "post-update", "output", "cleanup"}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// System is the interface every tick system implements.
type System interface {
	Phase() Phase
	Update(dt time.Duration)
}
