package system

import (
	"time"

	coresys "github.com/coopmap/server/internal/core/system"
	"github.com/coopmap/server/internal/statesync"
	"github.com/coopmap/server/internal/transfer"
	"go.uber.org/zap"
)

// SyncSystem runs the state broadcaster; it rate-limits itself to the
// configured sync interval. Phase 3 (PostUpdate).
type SyncSystem struct {
	sync *statesync.Broadcaster
	now  func() time.Time
}

func NewSyncSystem(b *statesync.Broadcaster) *SyncSystem {
	return &SyncSystem{sync: b, now: time.Now}
}

func (s *SyncSystem) Phase() coresys.Phase { return coresys.PhasePostUpdate }

func (s *SyncSystem) Update(_ time.Duration) {
	s.sync.Tick(s.now())
}

// TransferSystem paces outgoing save transfers. Host only.
// Phase 3 (PostUpdate).
type TransferSystem struct {
	sender *transfer.Sender
	log    *zap.Logger
}

func NewTransferSystem(sender *transfer.Sender, log *zap.Logger) *TransferSystem {
	return &TransferSystem{sender: sender, log: log}
}

func (s *TransferSystem) Phase() coresys.Phase { return coresys.PhasePostUpdate }

func (s *TransferSystem) Update(_ time.Duration) {
	if s.sender.Active() == 0 {
		return
	}
	if n := s.sender.Pump(); n > 0 {
		s.log.Debug("存檔分塊已送出", zap.Int("chunks", n))
	}
}
