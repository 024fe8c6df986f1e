package system

import (
	"errors"
	"time"

	coresys "github.com/coopmap/server/internal/core/system"
	"github.com/coopmap/server/internal/net"
	"github.com/coopmap/server/internal/net/packet"
	"go.uber.org/zap"
)

// PeerLifecycle is notified when connections come and go.
type PeerLifecycle interface {
	PeerConnected(peerID uint64)
	PeerDisconnected(peerID uint64)
}

// InputSystem drains message queues from all sessions and dispatches them
// through the packet registry. Phase 0 (Input).
type InputSystem struct {
	netServer  *net.Server
	registry   *packet.Registry
	store      *net.SessionStore
	peers      PeerLifecycle
	maxPerTick int
	log        *zap.Logger
}

func NewInputSystem(
	netServer *net.Server,
	registry *packet.Registry,
	store *net.SessionStore,
	peers PeerLifecycle,
	maxPerTick int,
	log *zap.Logger,
) *InputSystem {
	if maxPerTick <= 0 {
		maxPerTick = 64
	}
	return &InputSystem{
		netServer:  netServer,
		registry:   registry,
		store:      store,
		peers:      peers,
		maxPerTick: maxPerTick,
		log:        log,
	}
}

func (s *InputSystem) Phase() coresys.Phase { return coresys.PhaseInput }

func (s *InputSystem) Update(_ time.Duration) {
	// Accept new sessions
	for {
		select {
		case sess := <-s.netServer.NewSessions():
			s.store.Add(sess)
			s.peers.PeerConnected(sess.ID)
		default:
			goto doneNew
		}
	}
doneNew:

	// Process dead sessions
	for {
		select {
		case id := <-s.netServer.DeadSessions():
			s.store.Remove(id)
		default:
			goto doneDead
		}
	}
doneDead:

	for id, sess := range s.store.Raw() {
		if sess.IsClosed() {
			// 斷線前先處理剩餘訊息（例如斷線前送出的 PlayerState）
			s.drain(sess, sess.LastLiveState(), "封包分派錯誤 (斷線中)")
			sess.FlushOutput()
			s.peers.PeerDisconnected(id)
			s.netServer.NotifyDead(id)
			s.store.Remove(id)
			continue
		}
		s.drain(sess, sess.State(), "封包分派錯誤")
	}

	// 提前 flush：Phase 0 產生的回應立即進入 OutQueue。
	// Phase 4 的 OutputSystem 會再 flush 其餘訊息。
	s.store.ForEach(func(sess *net.Session) {
		sess.FlushOutput()
	})
}

// drain dispatches up to maxPerTick queued messages of one session.
func (s *InputSystem) drain(sess *net.Session, state packet.SessionState, msg string) {
	for i := 0; i < s.maxPerTick; i++ {
		select {
		case data := <-sess.InQueue:
			if err := s.registry.Dispatch(sess, state, data); err != nil {
				lvl := zap.DebugLevel
				if errors.Is(err, packet.ErrHandlerPanic) {
					lvl = zap.WarnLevel
				}
				s.log.Log(lvl, msg,
					zap.Uint64("session", sess.ID),
					zap.Error(err),
				)
			}
		default:
			return
		}
	}
}

// SessionCount returns the current number of open connections.
func (s *InputSystem) SessionCount() int {
	return s.store.Len()
}
