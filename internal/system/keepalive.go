package system

import (
	"time"

	coresys "github.com/coopmap/server/internal/core/system"
	"github.com/coopmap/server/internal/net"
	"github.com/coopmap/server/internal/net/packet"
	"github.com/coopmap/server/internal/protocol"
)

// KeepaliveSystem pings every live connection so idle peers stay under
// the remote read deadline. Phase 3 (PostUpdate).
type KeepaliveSystem struct {
	store *net.SessionStore
	every time.Duration
	acc   time.Duration
}

func NewKeepaliveSystem(store *net.SessionStore, every time.Duration) *KeepaliveSystem {
	return &KeepaliveSystem{store: store, every: every}
}

func (s *KeepaliveSystem) Phase() coresys.Phase { return coresys.PhasePostUpdate }

func (s *KeepaliveSystem) Update(dt time.Duration) {
	if s.every <= 0 || !due(&s.acc, dt, s.every) {
		return
	}
	ping := protocol.Ping()
	s.store.ForEach(func(sess *net.Session) {
		if sess.State() != packet.StateDisconnecting {
			sess.Send(ping)
		}
	})
}
