// Package session orchestrates the co-op session: the state machine, the
// join / character creation handshake, serialized host-side join handling
// and the protocol message flow on both host and client.
package session

import (
	"context"
	"time"

	"github.com/coopmap/server/internal/config"
	"github.com/coopmap/server/internal/core/event"
	"github.com/coopmap/server/internal/net/packet"
	"github.com/coopmap/server/internal/persist"
	"github.com/coopmap/server/internal/scripting"
	"github.com/coopmap/server/internal/shadow"
	"github.com/coopmap/server/internal/sim"
	"github.com/coopmap/server/internal/statesync"
	"github.com/coopmap/server/internal/transfer"
	"github.com/coopmap/server/internal/world"
	"go.uber.org/zap"
)

// Transport is the network as seen by the session layer.
type Transport interface {
	SendTo(peerID uint64, data []byte)
	Broadcast(data []byte, except uint64)
	SetPeerState(peerID uint64, state packet.SessionState)
	PeerState(peerID uint64) packet.SessionState
	SetPeerName(peerID uint64, name string)
	Disconnect(peerID uint64)
}

// Deps holds everything a Manager needs. Role-specific members may be nil
// on the other side (Sender and Store on clients, Receiver on hosts).
type Deps struct {
	Config    *config.Config
	World     *world.State
	Shadows   *shadow.Manager
	Sync      *statesync.Broadcaster
	Sender    *transfer.Sender
	Receiver  *transfer.Receiver
	Store     persist.CharacterStore
	Sim       sim.Adapter
	Scripts   *scripting.Engine
	Transport Transport
	Bus       *event.Bus
	Log       *zap.Logger
}

const storeTimeout = 3 * time.Second

// Manager is the single session object of a process. Game loop only.
type Manager struct {
	role config.Role
	cfg  *config.Config

	world   *world.State
	shadows *shadow.Manager
	sync    *statesync.Broadcaster
	sender  *transfer.Sender
	recv    *transfer.Receiver
	store   persist.CharacterStore
	sim     sim.Adapter
	scripts *scripting.Engine
	net     Transport
	bus     *event.Bus
	log     *zap.Logger

	state State

	// host
	hostStarted bool
	hostLinked  bool
	queue       joinQueue
	inFlight    bool

	// client
	hostPeer        uint64
	pendingCreation bool
	lastCreation    *creationRequest
}

type creationRequest struct {
	name    string
	culture string
	female  bool
	age     int
	look    string
}

func NewManager(d Deps) *Manager {
	return &Manager{
		role:    d.Config.Server.Role,
		cfg:     d.Config,
		world:   d.World,
		shadows: d.Shadows,
		sync:    d.Sync,
		sender:  d.Sender,
		recv:    d.Receiver,
		store:   d.Store,
		sim:     d.Sim,
		scripts: d.Scripts,
		net:     d.Transport,
		bus:     d.Bus,
		log:     d.Log,
	}
}

// State returns the current session state.
func (m *Manager) State() State { return m.state }

// Role returns whether this process hosts or joins.
func (m *Manager) Role() config.Role { return m.role }

// IsHost reports whether this process hosts the session.
func (m *Manager) IsHost() bool { return m.role == config.RoleHost }

// World exposes the registry and battle tracker.
func (m *Manager) World() *world.State { return m.world }

func (m *Manager) transition(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.log.Info("連線狀態變更", zap.String("from", from.String()), zap.String("to", to.String()))
	event.Emit(m.bus, event.SessionStateChanged{From: from.String(), To: to.String()})
}

func (m *Manager) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

// PeerConnected is called when a transport connection comes up. A client
// starts joining over its connection to the host.
func (m *Manager) PeerConnected(peerID uint64) {
	if m.IsHost() {
		m.log.Debug("peer connected", zap.Uint64("peer", peerID))
		return
	}
	m.BeginJoin(peerID)
}

// PeerDisconnected is called once per closed connection.
func (m *Manager) PeerDisconnected(peerID uint64) {
	if m.IsHost() {
		m.HandlePeerDisconnected(peerID)
		return
	}
	if peerID == m.hostPeer {
		m.HandleTransportDisconnected()
	}
}
