package system

import (
	"time"

	coresys "github.com/coopmap/server/internal/core/system"
)

// Flusher releases entities queued for destruction and reports how many.
type Flusher interface {
	Flush() int
}

// CleanupSystem releases parties and heroes destroyed during the tick
// (kicked players' shadows, replaced world entities). Phase 5 (Cleanup).
type CleanupSystem struct {
	sim      Flusher
	released int
}

func NewCleanupSystem(sim Flusher) *CleanupSystem {
	return &CleanupSystem{sim: sim}
}

func (s *CleanupSystem) Phase() coresys.Phase { return coresys.PhaseCleanup }

func (s *CleanupSystem) Update(_ time.Duration) {
	s.released += s.sim.Flush()
}

// Released returns the total number of entities released so far.
func (s *CleanupSystem) Released() int { return s.released }
