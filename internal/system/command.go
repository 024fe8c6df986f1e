package system

import (
	"time"

	coresys "github.com/coopmap/server/internal/core/system"
	"go.uber.org/zap"
)

// CommandSystem runs work posted from other goroutines (the admin API) on
// the game loop, so session state is never touched concurrently.
// Phase 0 (Input).
type CommandSystem struct {
	ch  chan func()
	log *zap.Logger
}

func NewCommandSystem(size int, log *zap.Logger) *CommandSystem {
	if size <= 0 {
		size = 32
	}
	return &CommandSystem{ch: make(chan func(), size), log: log}
}

func (s *CommandSystem) Phase() coresys.Phase { return coresys.PhaseInput }

// Post queues fn for the next tick. Returns false when the queue is full.
// Safe from any goroutine.
func (s *CommandSystem) Post(fn func()) bool {
	select {
	case s.ch <- fn:
		return true
	default:
		return false
	}
}

func (s *CommandSystem) Update(_ time.Duration) {
	// only what was queued before this tick started
	for n := len(s.ch); n > 0; n-- {
		s.run(<-s.ch)
	}
}

func (s *CommandSystem) run(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("指令 panic 已恢復", zap.Any("panic", rec))
		}
	}()
	fn()
}
