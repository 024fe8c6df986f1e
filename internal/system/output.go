package system

import (
	"time"

	coresys "github.com/coopmap/server/internal/core/system"
	"github.com/coopmap/server/internal/net"
)

// OutputSystem hands every buffered message to the writer goroutines.
// Phase 4 (Output).
type OutputSystem struct {
	store *net.SessionStore
}

func NewOutputSystem(store *net.SessionStore) *OutputSystem {
	return &OutputSystem{store: store}
}

func (s *OutputSystem) Phase() coresys.Phase { return coresys.PhaseOutput }

func (s *OutputSystem) Update(_ time.Duration) {
	s.store.ForEach(func(sess *net.Session) {
		sess.FlushOutput()
	})
}
