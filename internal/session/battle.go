package session

import (
	"fmt"

	"github.com/coopmap/server/internal/core/event"
	"github.com/coopmap/server/internal/protocol"
	"github.com/coopmap/server/internal/world"
	"go.uber.org/zap"
)

// battleJoinRadius is how close a join report must be to an active battle
// when it names no battle id.
const battleJoinRadius float32 = 5

// StartBattle creates a shared battle for a registered player and tells
// every peer.
func (m *Manager) StartBattle(initiatorID int, pos world.Vec2, side world.Side) (string, error) {
	if !m.IsHost() {
		return "", ErrNotHost
	}
	p, ok := m.world.Players.Get(initiatorID)
	if !ok {
		return "", fmt.Errorf("start battle: %w", ErrUnknownPlayer)
	}
	if p.CurrentBattleID != "" {
		m.LeaveBattle(p.CurrentBattleID, initiatorID)
	}
	id := m.world.StartBattle(initiatorID, pos, side)
	m.broadcastBattle(protocol.BattleStarted, id, initiatorID, side, pos)
	m.log.Info("戰鬥開始", zap.String("battle", id), zap.Int("initiator", initiatorID))
	return id, nil
}

// JoinBattle adds a player to an active battle. Returns false when the
// battle is unknown.
func (m *Manager) JoinBattle(battleID string, playerID int, side world.Side) bool {
	if !m.IsHost() {
		return false
	}
	if _, ok := m.world.Battles.Get(battleID); !ok {
		return false
	}
	if p, ok := m.world.Players.Get(playerID); ok && p.CurrentBattleID != "" && p.CurrentBattleID != battleID {
		m.LeaveBattle(p.CurrentBattleID, playerID)
	}
	if !m.world.JoinBattle(battleID, playerID, side) {
		return false
	}
	b, _ := m.world.Battles.Get(battleID)
	m.broadcastBattle(protocol.BattleJoined, battleID, playerID, side, b.MapPosition)
	return true
}

// LeaveBattle retreats a player. A battle left empty is pruned and
// announced as ended.
func (m *Manager) LeaveBattle(battleID string, playerID int) {
	if !m.IsHost() {
		return
	}
	b, ok := m.world.Battles.Get(battleID)
	if !ok {
		return
	}
	side := b.PlayerSides[playerID]
	pruned := m.world.LeaveBattle(battleID, playerID)
	m.broadcastBattle(protocol.BattleRetreat, battleID, playerID, side, b.MapPosition)
	if pruned {
		m.broadcastBattle(protocol.BattleEnded, battleID, playerID, side, b.MapPosition)
	}
}

// EndBattle removes a battle and clears every participant's battle id.
func (m *Manager) EndBattle(battleID string) []int {
	if !m.IsHost() {
		return nil
	}
	b, ok := m.world.Battles.Get(battleID)
	if !ok {
		return nil
	}
	ids := m.world.EndBattle(battleID)
	m.broadcastBattle(protocol.BattleEnded, battleID, b.InitiatorPlayerID, world.Attacker, b.MapPosition)
	m.log.Info("戰鬥結束", zap.String("battle", battleID), zap.Ints("players", ids))
	return ids
}

// Engage starts a local encounter through the simulation. When a registered
// player takes part, a shared battle is created for it. Encounters
// involving shadows are refused by the simulation.
func (m *Manager) Engage(attackerPartyID, defenderPartyID string) (string, error) {
	if err := m.sim.StartEncounter(attackerPartyID, defenderPartyID); err != nil {
		return "", err
	}
	if !m.IsHost() {
		return "", nil
	}
	pos, _ := m.sim.PartyPosition(attackerPartyID)
	if p, ok := m.world.Players.FindByParty(attackerPartyID); ok {
		return m.StartBattle(p.NetworkID, pos, world.Attacker)
	}
	if p, ok := m.world.Players.FindByParty(defenderPartyID); ok {
		return m.StartBattle(p.NetworkID, pos, world.Defender)
	}
	return "", nil
}

func (m *Manager) broadcastBattle(kind protocol.BattleEventKind, battleID string, playerID int, side world.Side, pos world.Vec2) {
	msg := &protocol.BattleEvent{
		Kind:     kind,
		BattleID: battleID,
		PlayerID: playerID,
		Side:     side,
		X:        pos.X,
		Y:        pos.Y,
	}
	m.net.Broadcast(msg.Marshal(), 0)
	event.Emit(m.bus, event.BattleChanged{BattleID: battleID, Kind: kind.String()})
}

// HandleBattleEvent applies a battle notification. The host treats it as a
// client report about its own player and rebroadcasts the result; a client
// mirrors the host's battle list.
func (m *Manager) HandleBattleEvent(msg *protocol.BattleEvent, peerID uint64) {
	if !m.IsHost() {
		m.mirrorBattle(msg)
		return
	}
	p, ok := m.world.Players.GetByPeer(peerID)
	if !ok {
		return
	}
	pos := world.Vec2{X: msg.X, Y: msg.Y}
	switch msg.Kind {
	case protocol.BattleStarted:
		m.StartBattle(p.NetworkID, pos, msg.Side)
	case protocol.BattleJoined:
		id := msg.BattleID
		if id == "" {
			b, found := m.world.Battles.FindBattleAtPosition(msg.X, msg.Y, battleJoinRadius)
			if !found {
				m.log.Debug("battle join with no battle nearby", zap.Int("network_id", p.NetworkID))
				return
			}
			id = b.BattleID
		}
		if !m.JoinBattle(id, p.NetworkID, msg.Side) {
			m.log.Debug("battle join for unknown battle", zap.String("battle", id))
		}
	case protocol.BattleRetreat:
		m.LeaveBattle(msg.BattleID, p.NetworkID)
	case protocol.BattleEnded:
		b, ok := m.world.Battles.Get(msg.BattleID)
		if !ok {
			return
		}
		if _, in := b.PlayerSides[p.NetworkID]; !in {
			m.log.Warn("非參戰者嘗試結束戰鬥", zap.Int("network_id", p.NetworkID), zap.String("battle", msg.BattleID))
			return
		}
		m.EndBattle(msg.BattleID)
	default:
		m.log.Debug("unknown battle event", zap.Uint8("kind", uint8(msg.Kind)))
	}
}

// mirrorBattle applies a host battle event to the client's mirror.
func (m *Manager) mirrorBattle(msg *protocol.BattleEvent) {
	pos := world.Vec2{X: msg.X, Y: msg.Y}
	switch msg.Kind {
	case protocol.BattleStarted:
		m.world.Battles.Upsert(world.BattleInstance{
			BattleID:          msg.BattleID,
			InitiatorPlayerID: msg.PlayerID,
			MapPosition:       pos,
			PlayerSides:       map[int]world.Side{msg.PlayerID: msg.Side},
		})
		m.world.Players.Update(msg.PlayerID, func(p *world.Player) {
			p.CurrentBattleID = msg.BattleID
			p.State = world.InBattle
		})
	case protocol.BattleJoined:
		if _, ok := m.world.Battles.Get(msg.BattleID); !ok {
			m.world.Battles.Upsert(world.BattleInstance{
				BattleID:    msg.BattleID,
				MapPosition: pos,
				PlayerSides: map[int]world.Side{},
			})
		}
		m.world.JoinBattle(msg.BattleID, msg.PlayerID, msg.Side)
	case protocol.BattleRetreat:
		m.world.LeaveBattle(msg.BattleID, msg.PlayerID)
	case protocol.BattleEnded:
		m.world.EndBattle(msg.BattleID)
	default:
		return
	}
	event.Emit(m.bus, event.BattleChanged{BattleID: msg.BattleID, Kind: msg.Kind.String()})
}

// ReportBattle tells the host about a battle change of the local player.
func (m *Manager) ReportBattle(kind protocol.BattleEventKind, battleID string, pos world.Vec2, side world.Side) {
	if m.IsHost() || !m.state.InSessionOrSpectating() {
		return
	}
	msg := &protocol.BattleEvent{
		Kind:     kind,
		BattleID: battleID,
		PlayerID: m.world.Players.LocalID(),
		Side:     side,
		X:        pos.X,
		Y:        pos.Y,
	}
	m.net.SendTo(m.hostPeer, msg.Marshal())
}
