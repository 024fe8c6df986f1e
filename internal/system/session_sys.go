package system

import (
	"time"

	"github.com/coopmap/server/internal/config"
	coresys "github.com/coopmap/server/internal/core/system"
	"github.com/coopmap/server/internal/session"
)

// SessionSystem drives the periodic parts of the session: the host's
// pending join queue and hero link, and the client's campaign-ready
// notification. Phase 2 (Update).
type SessionSystem struct {
	mgr *session.Manager

	joinEvery  time.Duration
	linkEvery  time.Duration
	readyEvery time.Duration

	joinAcc  time.Duration
	linkAcc  time.Duration
	readyAcc time.Duration
}

func NewSessionSystem(mgr *session.Manager, cfg *config.Config) *SessionSystem {
	return &SessionSystem{
		mgr:        mgr,
		joinEvery:  cfg.Session.JoinPollInterval,
		linkEvery:  cfg.Session.HostLinkInterval,
		readyEvery: cfg.Client.ReadyInterval,
	}
}

func (s *SessionSystem) Phase() coresys.Phase { return coresys.PhaseUpdate }

func (s *SessionSystem) Update(dt time.Duration) {
	if s.mgr.IsHost() {
		if due(&s.joinAcc, dt, s.joinEvery) && s.mgr.PendingJoins() > 0 {
			s.mgr.ProcessPendingJoinRequests()
		}
		if !s.mgr.HostLinked() && due(&s.linkAcc, dt, s.linkEvery) {
			s.mgr.LinkHostHero()
		}
		return
	}
	if s.mgr.State() == session.Connected && due(&s.readyAcc, dt, s.readyEvery) {
		s.mgr.ClientReadyTick()
	}
}

// due accumulates dt and reports whether every has elapsed.
func due(acc *time.Duration, dt, every time.Duration) bool {
	*acc += dt
	if *acc < every {
		return false
	}
	*acc = 0
	return true
}
