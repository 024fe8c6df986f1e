package system

import (
	"time"

	coresys "github.com/coopmap/server/internal/core/system"
)

// Ticker is a simulation that advances with the game loop.
type Ticker interface {
	Tick(dt time.Duration)
}

// SimulationSystem advances the world simulation. Phase 2 (Update).
type SimulationSystem struct {
	sim Ticker
}

func NewSimulationSystem(sim Ticker) *SimulationSystem {
	return &SimulationSystem{sim: sim}
}

func (s *SimulationSystem) Phase() coresys.Phase { return coresys.PhaseUpdate }

func (s *SimulationSystem) Update(dt time.Duration) {
	s.sim.Tick(dt)
}
