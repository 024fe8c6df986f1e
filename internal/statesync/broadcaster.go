// Package statesync replicates approximate player positions between peers.
// The host broadcasts throttled per-player deltas; every peer feeds remote
// positions into its shadow parties.
package statesync

import (
	"math"
	"time"

	"github.com/coopmap/server/internal/config"
	"github.com/coopmap/server/internal/protocol"
	"github.com/coopmap/server/internal/shadow"
	"github.com/coopmap/server/internal/sim"
	"github.com/coopmap/server/internal/world"
	"go.uber.org/zap"
)

// Transport is the outbound side of the network seen by the broadcaster.
type Transport interface {
	SendTo(peerID uint64, data []byte)
	Broadcast(data []byte, except uint64)
}

// Simulation is what the broadcaster reads from the local simulation.
type Simulation interface {
	MainHero() (sim.HeroInfo, bool)
	TimeMultiplier() float32
	SetTimeMultiplier(m float32)
}

// Role selects host or client behaviour.
type Role int

const (
	RoleHost Role = iota
	RoleClient
)

type sentState struct {
	x, y     float32
	state    world.PlayerState
	battleID string
	size     int
}

// Broadcaster emits position deltas at a bounded rate and applies inbound
// ones. Game loop only.
type Broadcaster struct {
	role          Role
	interval      time.Duration
	keyframeEvery int
	minMult       float32

	state   *world.State
	shadows *shadow.Manager
	sim     Simulation
	out     Transport

	active   bool
	hostPeer uint64 // client side: connection to the host
	tracked  map[int]bool
	lastSent map[int]sentState
	lastTick time.Time
	ticks    int
	forced   bool

	log *zap.Logger
}

func New(role Role, cfg config.SyncConfig, state *world.State, shadows *shadow.Manager, s Simulation, out Transport, log *zap.Logger) *Broadcaster {
	b := &Broadcaster{
		role:          role,
		interval:      cfg.Interval,
		keyframeEvery: cfg.KeyframeEvery,
		minMult:       cfg.MinTimeMultiplier,
		state:         state,
		shadows:       shadows,
		sim:           s,
		out:           out,
		tracked:       make(map[int]bool),
		lastSent:      make(map[int]sentState),
		log:           log,
	}
	if b.interval < 10*time.Millisecond {
		b.interval = 100 * time.Millisecond
	}
	if b.minMult <= 0 {
		b.minMult = 0.1
	}
	return b
}

// SetActive enables or disables outbound deltas.
func (b *Broadcaster) SetActive(on bool) {
	b.active = on
	if !on {
		b.lastSent = make(map[int]sentState)
	}
}

// Active reports whether outbound deltas are enabled.
func (b *Broadcaster) Active() bool { return b.active }

// SetHostPeer records the client's connection to the host.
func (b *Broadcaster) SetHostPeer(peerID uint64) { b.hostPeer = peerID }

// Track registers a player as synced.
func (b *Broadcaster) Track(networkID int) { b.tracked[networkID] = true }

// Untrack stops syncing a player.
func (b *Broadcaster) Untrack(networkID int) {
	delete(b.tracked, networkID)
	delete(b.lastSent, networkID)
}

// Tracked reports whether a player is synced.
func (b *Broadcaster) Tracked(networkID int) bool { return b.tracked[networkID] }

// Reset forgets every tracked player and throttle state.
func (b *Broadcaster) Reset() {
	b.active = false
	b.hostPeer = 0
	b.tracked = make(map[int]bool)
	b.lastSent = make(map[int]sentState)
	b.lastTick = time.Time{}
	b.ticks = 0
	b.forced = false
}

// RequestBroadcast forces a send of every tracked player at the next
// allowed instant.
func (b *Broadcaster) RequestBroadcast() { b.forced = true }

// Tick emits deltas if at least interval has elapsed since the previous
// emission. now should carry a monotonic reading (time.Now()). Returns the
// number of messages sent.
func (b *Broadcaster) Tick(now time.Time) int {
	if !b.active {
		return 0
	}
	if !b.lastTick.IsZero() && now.Sub(b.lastTick) < b.interval {
		return 0
	}
	b.lastTick = now
	b.ticks++
	keyframe := b.forced || (b.keyframeEvery > 0 && b.ticks%b.keyframeEvery == 0)
	b.forced = false

	b.refreshLocal()
	if b.role == RoleClient {
		return b.tickClient(keyframe)
	}
	return b.tickHost(keyframe)
}

// refreshLocal copies the local hero's position into the registry. On a
// client the registry keeps the ids the host assigned.
func (b *Broadcaster) refreshLocal() {
	hero, ok := b.sim.MainHero()
	if !ok {
		return
	}
	b.state.Players.Update(b.state.Players.LocalID(), func(p *world.Player) {
		if b.role == RoleHost {
			p.HeroID = hero.HeroID
			p.ClanID = hero.ClanID
			p.PartyID = hero.PartyID
		}
		p.MapPosition = hero.Position
		p.PartySize = hero.PartySize
		p.PartySpeed = hero.PartySpeed
	})
}

func (b *Broadcaster) tickHost(keyframe bool) int {
	sent := 0
	for _, p := range b.state.Players.All() {
		if !b.tracked[p.NetworkID] || !b.changed(p, keyframe) {
			continue
		}
		b.out.Broadcast(stateOf(p).Marshal(), p.PeerID)
		b.remember(p)
		sent++
	}
	return sent
}

func (b *Broadcaster) tickClient(keyframe bool) int {
	p, ok := b.state.Players.Local()
	if !ok {
		return 0
	}
	if _, hasHero := b.sim.MainHero(); !hasHero || !b.changed(p, keyframe) {
		return 0
	}
	b.out.SendTo(b.hostPeer, stateOf(p).Marshal())
	b.remember(p)
	return 1
}

func (b *Broadcaster) changed(p world.Player, keyframe bool) bool {
	if keyframe {
		return true
	}
	last, ok := b.lastSent[p.NetworkID]
	if !ok {
		return true
	}
	return last != sentState{
		x: p.MapPosition.X, y: p.MapPosition.Y,
		state: p.State, battleID: p.CurrentBattleID, size: p.PartySize,
	}
}

func (b *Broadcaster) remember(p world.Player) {
	b.lastSent[p.NetworkID] = sentState{
		x: p.MapPosition.X, y: p.MapPosition.Y,
		state: p.State, battleID: p.CurrentBattleID, size: p.PartySize,
	}
}

func stateOf(p world.Player) *protocol.PlayerState {
	return &protocol.PlayerState{
		NetworkID:  p.NetworkID,
		PartyID:    p.PartyID,
		X:          p.MapPosition.X,
		Y:          p.MapPosition.Y,
		State:      p.State,
		BattleID:   p.CurrentBattleID,
		PartySize:  p.PartySize,
		PartySpeed: p.PartySpeed,
	}
}

// FullState builds the baseline snapshot of roster, battles and time.
func (b *Broadcaster) FullState() *protocol.FullStateSync {
	b.refreshLocal()
	return &protocol.FullStateSync{
		Roster:         protocol.RosterFromPlayers(b.state.Players.All()),
		Battles:        protocol.BattlesFromWorld(b.state.Battles.ActiveBattles()),
		TimeMultiplier: b.sim.TimeMultiplier(),
	}
}

// SendFullState sends the baseline to one peer.
func (b *Broadcaster) SendFullState(peerID uint64) {
	b.out.SendTo(peerID, b.FullState().Marshal())
}

// BroadcastFullState sends the baseline to every joined peer.
func (b *Broadcaster) BroadcastFullState() {
	b.out.Broadcast(b.FullState().Marshal(), 0)
}

// ClampTimeMultiplier keeps a replicated multiplier above the floor so a
// peer never pauses while others run.
func (b *Broadcaster) ClampTimeMultiplier(m float32) float32 {
	if math.IsNaN(float64(m)) || m < b.minMult {
		return b.minMult
	}
	return m
}

// ApplyRemote applies an inbound delta: the registry record is updated and
// the sender's shadow moved. The local player is never moved by a delta.
// Returns false when the delta was ignored.
func (b *Broadcaster) ApplyRemote(msg *protocol.PlayerState) bool {
	if msg.NetworkID == b.state.Players.LocalID() {
		return false
	}
	if !msg.State.Valid() {
		b.log.Debug("delta with invalid state dropped", zap.Int("player", msg.NetworkID))
		return false
	}
	pos := world.Vec2{X: msg.X, Y: msg.Y}
	known := b.state.Players.Update(msg.NetworkID, func(p *world.Player) {
		if msg.PartyID != "" {
			p.PartyID = msg.PartyID
		}
		p.MapPosition = pos
		p.State = msg.State
		p.CurrentBattleID = msg.BattleID
		p.PartySize = msg.PartySize
		p.PartySpeed = msg.PartySpeed
	})
	if !known {
		// 尚未在名冊中的玩家：先建立最小記錄
		b.state.Players.Add(world.Player{
			NetworkID:       msg.NetworkID,
			PartyID:         msg.PartyID,
			MapPosition:     pos,
			State:           msg.State,
			CurrentBattleID: msg.BattleID,
			PartySize:       msg.PartySize,
			PartySpeed:      msg.PartySpeed,
		})
	}
	p, _ := b.state.Players.Get(msg.NetworkID)
	return b.moveShadow(p)
}

// ApplyFullState replaces the local mirror with a host baseline. Shadows of
// players missing from the roster are removed.
func (b *Broadcaster) ApplyFullState(msg *protocol.FullStateSync) {
	local, hasLocal := b.state.Players.Local()

	players := make([]world.Player, 0, len(msg.Roster))
	present := make(map[int]bool, len(msg.Roster))
	for _, e := range msg.Roster {
		p := e.Player()
		if hasLocal && p.NetworkID == local.NetworkID {
			// 本地玩家以自身模擬為準
			p.HeroID, p.ClanID, p.PartyID = local.HeroID, local.ClanID, local.PartyID
			p.MapPosition = local.MapPosition
			p.State = local.State
		} else if old, ok := b.state.Players.Get(p.NetworkID); ok {
			p.ShadowPartyID = old.ShadowPartyID
		}
		players = append(players, p)
		present[p.NetworkID] = true
	}
	b.state.Players.ReplaceAll(players)

	battles := make([]world.BattleInstance, 0, len(msg.Battles))
	for _, s := range msg.Battles {
		battles = append(battles, s.Instance())
	}
	b.state.Battles.ReplaceAll(battles)

	mult := b.ClampTimeMultiplier(msg.TimeMultiplier)
	b.sim.SetTimeMultiplier(mult)

	for _, e := range b.shadows.Entities() {
		if !present[e.PlayerID] {
			b.shadows.Remove(e.PlayerID)
		}
	}
	for _, p := range players {
		if hasLocal && p.NetworkID == local.NetworkID {
			continue
		}
		b.moveShadow(p)
	}
	b.log.Debug("full state applied",
		zap.Int("players", len(players)),
		zap.Int("battles", len(battles)),
		zap.Float32("time_multiplier", mult))
}

// moveShadow ensures the player's shadow exists and moves it. Failures are
// logged and swallowed.
func (b *Broadcaster) moveShadow(p world.Player) bool {
	e, err := b.shadows.Ensure(p.NetworkID, p.PartyID, p.MapPosition.X, p.MapPosition.Y, p.Name)
	if err != nil {
		b.log.Warn("建立影子失敗", zap.Int("player", p.NetworkID), zap.Error(err))
		return false
	}
	if p.ShadowPartyID != e.LocalID {
		b.state.Players.Update(p.NetworkID, func(rec *world.Player) {
			rec.ShadowPartyID = e.LocalID
		})
	}
	return b.shadows.UpdatePosition(e, p.MapPosition.X, p.MapPosition.Y)
}
