package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/coopmap/server/internal/core/event"
	"github.com/coopmap/server/internal/net/packet"
	"github.com/coopmap/server/internal/protocol"
	"github.com/coopmap/server/internal/sim"
	"github.com/coopmap/server/internal/world"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Rejection reasons sent to joining peers.
const (
	ReasonServerFull  = "Server is full"
	ReasonNameInvalid = "Invalid player name"
	ReasonNameTooLong = "Player name too long"
	ReasonNameInUse   = "Name already in use"
	ReasonBadPassword = "Invalid password"
	ReasonMalformed   = "Malformed join request"
)

var (
	// ErrUnknownPlayer is returned for network ids not in the registry.
	ErrUnknownPlayer = errors.New("session: unknown player")
	// ErrNotHost is returned when a host operation runs on a client.
	ErrNotHost = errors.New("session: not the host")
)

// ---------- lifecycle ----------

// StartHostSession registers the local player as player 0 and links it to
// the host's hero if the simulation already has one. Safe to call again.
func (m *Manager) StartHostSession(name string) {
	if m.hostStarted {
		m.LinkHostHero()
		return
	}
	m.hostStarted = true
	m.world.Players.Add(world.Player{
		NetworkID: world.HostNetworkID,
		Name:      name,
		IsHost:    true,
		State:     world.OnMap,
	})
	m.world.Players.SetLocalID(world.HostNetworkID)
	m.sync.Track(world.HostNetworkID)
	m.sync.SetActive(true)
	m.transition(InSession)
	m.log.Info("主機工作階段已開始", zap.String("name", name))
	m.LinkHostHero()
}

// LinkHostHero copies the host's main hero into player 0. Returns false
// while the simulation has no hero yet; absence is not an error.
func (m *Manager) LinkHostHero() bool {
	if !m.hostStarted {
		return false
	}
	hero, ok := m.sim.MainHero()
	if !ok {
		return false
	}
	m.world.Players.Update(world.HostNetworkID, func(p *world.Player) {
		p.HeroID = hero.HeroID
		p.ClanID = hero.ClanID
		p.KingdomID = hero.KingdomID
		p.PartyID = hero.PartyID
		p.Culture = hero.Culture
		p.MapPosition = hero.Position
		p.PartySize = hero.PartySize
		p.PartySpeed = hero.PartySpeed
	})
	if !m.hostLinked {
		m.hostLinked = true
		m.log.Info("主機角色已連結", zap.String("hero", hero.HeroID), zap.String("party", hero.PartyID))
		m.sync.RequestBroadcast()
	}
	return true
}

// HostLinked reports whether player 0 has been linked to a hero.
func (m *Manager) HostLinked() bool { return m.hostLinked }

// ---------- joins ----------

// HandleJoinRequest processes or queues a join. Joins are queued while the
// host is in a blocking interactive state, while another join is in flight,
// or while earlier joins are still queued.
func (m *Manager) HandleJoinRequest(req *protocol.JoinRequest, peerID uint64) {
	if _, joined := m.world.Players.GetByPeer(peerID); joined {
		m.log.Debug("join from already joined peer ignored", zap.Uint64("peer", peerID))
		return
	}
	if m.queue.has(peerID) {
		m.log.Debug("join already queued", zap.Uint64("peer", peerID))
		return
	}
	if m.inFlight || m.sim.IsBlockingUIActive() || m.queue.len() > 0 {
		m.queue.push(pendingJoin{peerID: peerID, req: req, queuedAt: time.Now()})
		m.log.Info("主機忙碌，加入請求已排隊",
			zap.Uint64("peer", peerID),
			zap.String("name", req.Name),
			zap.Int("queued", m.queue.len()))
		return
	}
	m.processJoin(req, peerID)
}

// ProcessPendingJoinRequests drains queued joins in arrival order while the
// host is free. Entries of peers that went away are dropped. Returns the
// number of joins processed.
func (m *Manager) ProcessPendingJoinRequests() int {
	n := 0
	for m.queue.len() > 0 && !m.inFlight && !m.sim.IsBlockingUIActive() {
		p, _ := m.queue.pop()
		if m.net.PeerState(p.peerID) == packet.StateDisconnecting {
			continue
		}
		m.log.Debug("processing queued join",
			zap.Uint64("peer", p.peerID),
			zap.Duration("waited", time.Since(p.queuedAt)))
		m.processJoin(p.req, p.peerID)
		n++
	}
	return n
}

// PendingJoins returns the number of queued joins.
func (m *Manager) PendingJoins() int { return m.queue.len() }

// RejectMalformed answers a join request that could not be decoded.
func (m *Manager) RejectMalformed(peerID uint64, err error) {
	m.log.Warn("加入請求格式錯誤", zap.Uint64("peer", peerID), zap.Error(err))
	m.reject(peerID, ReasonMalformed)
}

func (m *Manager) processJoin(req *protocol.JoinRequest, peerID uint64) {
	m.inFlight = true
	defer func() { m.inFlight = false }()

	if reason := m.validateJoin(req); reason != "" {
		m.log.Warn("拒絕加入",
			zap.Uint64("peer", peerID),
			zap.String("name", req.Name),
			zap.String("reason", reason))
		m.reject(peerID, reason)
		return
	}

	name := strings.TrimSpace(req.Name)
	id := m.world.Players.NextNetworkID()
	player := world.Player{
		NetworkID: id,
		PeerID:    peerID,
		Name:      name,
		State:     world.OnMap,
	}

	ob := m.onboard(req, name)
	var saved *protocol.SavedCharacter
	if ob.kind != onboardCreation {
		applyHero(&player, ob.hero)
		saved = &protocol.SavedCharacter{
			HeroID:  ob.hero.HeroID,
			ClanID:  ob.hero.ClanID,
			PartyID: ob.hero.PartyID,
			Name:    ob.hero.Name,
		}
	}
	m.world.Players.Add(player)
	m.net.SetPeerState(peerID, packet.StateJoined)
	m.net.SetPeerName(peerID, name)

	resp := &protocol.JoinResponse{
		Accepted:                  true,
		AssignedID:                id,
		RequiresCharacterCreation: ob.kind == onboardCreation,
		RequiresSaveTransfer:      m.cfg.Session.RequireSaveTransfer && !req.HasWorldSnapshot,
		Saved:                     saved,
		Roster:                    protocol.RosterFromPlayers(m.world.Players.All()),
	}
	m.net.SendTo(peerID, resp.Marshal())

	joined := &protocol.SessionEvent{Kind: protocol.PlayerJoined, Player: protocol.RosterFromPlayers([]world.Player{player})[0]}
	m.net.Broadcast(joined.Marshal(), peerID)
	event.Emit(m.bus, event.PlayerJoined{NetworkID: id, Name: name})

	m.log.Info("玩家加入",
		zap.Int("network_id", id),
		zap.Uint64("peer", peerID),
		zap.String("name", name),
		zap.String("onboarding", ob.kind.String()),
		zap.Bool("save_transfer", resp.RequiresSaveTransfer),
		zap.Int("players", m.world.Players.Count()))
}

// validateJoin returns the rejection reason, or "" when the join may go on.
func (m *Manager) validateJoin(req *protocol.JoinRequest) string {
	want := m.cfg.Session.ProtocolVersion
	if req.ProtocolVersion != want {
		return fmt.Sprintf("Protocol version mismatch: server %s, client %s", want, req.ProtocolVersion)
	}
	if m.world.Players.Count() >= m.cfg.Session.MaxPlayers {
		return ReasonServerFull
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || !utf8.ValidString(name) {
		return ReasonNameInvalid
	}
	if limit := m.cfg.Session.MaxNameLength; limit > 0 && utf8.RuneCountInString(name) > limit {
		return ReasonNameTooLong
	}
	if _, online := m.world.Players.FindByName(name); online {
		return ReasonNameInUse
	}
	if hash := m.cfg.Session.PasswordHash; hash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)); err != nil {
			return ReasonBadPassword
		}
	}
	return ""
}

// reject answers with Accepted=false. The connection stays open so the
// peer may retry.
func (m *Manager) reject(peerID uint64, reason string) {
	resp := &protocol.JoinResponse{Accepted: false, Reason: reason}
	m.net.SendTo(peerID, resp.Marshal())
}

func applyHero(p *world.Player, h sim.HeroInfo) {
	p.HeroID = h.HeroID
	p.ClanID = h.ClanID
	p.KingdomID = h.KingdomID
	p.PartyID = h.PartyID
	p.Culture = h.Culture
	p.MapPosition = h.Position
	p.PartySize = h.PartySize
	p.PartySpeed = h.PartySpeed
}

// ---------- character creation / campaign ready ----------

// HandleCharacterCreation spawns the character of a player who joined with
// RequiresCharacterCreation and answers with the spawn result.
func (m *Manager) HandleCharacterCreation(sub *protocol.CharacterCreation, peerID uint64) {
	p, ok := m.world.Players.GetByPeer(peerID)
	if !ok {
		m.log.Warn("角色建立來自未加入的連線", zap.Uint64("peer", peerID))
		return
	}
	if p.Spawned() && m.sim.HeroExists(p.HeroID) {
		m.log.Debug("character already exists, resending", zap.Int("network_id", p.NetworkID))
		m.net.SendTo(peerID, creationOK(p).Marshal())
		return
	}

	hero, err := m.createCharacter(p, sub)
	if err != nil {
		m.log.Warn("角色建立失敗", zap.Int("network_id", p.NetworkID), zap.Error(err))
		resp := &protocol.CharacterCreationResponse{Success: false, Reason: err.Error()}
		m.net.SendTo(peerID, resp.Marshal())
		return
	}
	m.world.Players.Update(p.NetworkID, func(rec *world.Player) {
		applyHero(rec, hero)
		rec.State = world.OnMap
	})
	p, _ = m.world.Players.Get(p.NetworkID)
	m.net.SendTo(peerID, creationOK(p).Marshal())
	m.log.Info("角色已建立",
		zap.Int("network_id", p.NetworkID),
		zap.String("hero", hero.HeroID),
		zap.String("culture", hero.Culture),
		zap.Float32("x", hero.Position.X),
		zap.Float32("y", hero.Position.Y))
}

func creationOK(p world.Player) *protocol.CharacterCreationResponse {
	return &protocol.CharacterCreationResponse{
		Success: true,
		HeroID:  p.HeroID,
		ClanID:  p.ClanID,
		PartyID: p.PartyID,
		X:       p.MapPosition.X,
		Y:       p.MapPosition.Y,
	}
}

// HandleClientCampaignReady is the second phase of a join: the client's
// own simulation has a hero, so the host builds its shadow of that player,
// starts syncing it and sends the baseline.
func (m *Manager) HandleClientCampaignReady(notice *protocol.ClientCampaignReady, peerID uint64) {
	p, ok := m.world.Players.GetByPeer(peerID)
	if !ok {
		m.log.Warn("campaign ready from unknown peer", zap.Uint64("peer", peerID))
		return
	}
	if m.net.PeerState(peerID) == packet.StateInSession {
		m.log.Debug("duplicate campaign ready ignored", zap.Int("network_id", p.NetworkID))
		return
	}

	var localID string
	if p.PartyID != "" && m.sim.PartyExists(p.PartyID) {
		e, err := m.shadows.Adopt(p.NetworkID, p.PartyID, p.Name)
		if err != nil {
			m.log.Warn("沿用主機端隊伍失敗，改建影子", zap.Int("network_id", p.NetworkID), zap.Error(err))
		} else {
			localID = e.LocalID
			m.shadows.UpdatePosition(e, notice.X, notice.Y)
		}
	}
	if localID == "" {
		e, err := m.shadows.Ensure(p.NetworkID, "", notice.X, notice.Y, p.Name)
		if err != nil {
			m.log.Error("建立玩家影子失敗", zap.Int("network_id", p.NetworkID), zap.Error(err))
		} else {
			localID = e.LocalID
		}
	}

	m.world.Players.Update(p.NetworkID, func(rec *world.Player) {
		rec.ShadowPartyID = localID
		if rec.PartyID == "" {
			rec.PartyID = localID
		}
		if notice.Culture != "" {
			rec.Culture = notice.Culture
		}
		rec.MapPosition = world.Vec2{X: notice.X, Y: notice.Y}
		if notice.PartySize > 0 {
			rec.PartySize = notice.PartySize
		}
		if notice.PartySpeed > 0 {
			rec.PartySpeed = notice.PartySpeed
		}
		rec.State = world.OnMap
	})
	m.net.SetPeerState(peerID, packet.StateInSession)
	m.sync.Track(p.NetworkID)
	m.sync.SendFullState(peerID)
	m.sync.RequestBroadcast()
	m.log.Info("玩家已進入戰役",
		zap.Int("network_id", p.NetworkID),
		zap.String("name", p.Name),
		zap.String("shadow", localID))
}

// ---------- in-session traffic ----------

// HandlePlayerState applies an inbound delta. On the host the sender's
// identity comes from the connection, not from the message, and the host
// keeps its own party and battle ids for remote players.
func (m *Manager) HandlePlayerState(msg *protocol.PlayerState, peerID uint64) {
	if !m.IsHost() {
		m.sync.ApplyRemote(msg)
		return
	}
	p, ok := m.world.Players.GetByPeer(peerID)
	if !ok {
		return
	}
	if msg.NetworkID != p.NetworkID {
		m.log.Debug("player state id overridden by connection",
			zap.Int("claimed", msg.NetworkID), zap.Int("network_id", p.NetworkID))
	}
	msg.NetworkID = p.NetworkID
	msg.PartyID = ""
	msg.BattleID = p.CurrentBattleID
	m.sync.ApplyRemote(msg)
}

// HandleMoveCommand moves the host's shadow of a spectating client.
func (m *Manager) HandleMoveCommand(cmd *protocol.MoveCommand, peerID uint64) {
	p, ok := m.world.Players.GetByPeer(peerID)
	if !ok {
		return
	}
	e, ok := m.shadows.Lookup(p.NetworkID)
	if !ok {
		m.log.Debug("move command without shadow", zap.Int("network_id", p.NetworkID))
		return
	}
	m.shadows.MoveTo(e, cmd.X, cmd.Y)
}

// ---------- leave / kick ----------

// KickPlayer removes a player, tells everyone, and closes the connection
// once the notice is written.
func (m *Manager) KickPlayer(networkID int, reason string) error {
	if !m.IsHost() {
		return ErrNotHost
	}
	if networkID == world.HostNetworkID {
		return errors.New("session: cannot kick the host")
	}
	p, ok := m.world.Players.Get(networkID)
	if !ok {
		return fmt.Errorf("kick %d: %w", networkID, ErrUnknownPlayer)
	}
	if reason == "" {
		reason = "Kicked by host"
	}
	notice := &protocol.SessionEvent{
		Kind:   protocol.PlayerKicked,
		Player: protocol.RosterFromPlayers([]world.Player{p})[0],
		Reason: reason,
	}
	m.net.Broadcast(notice.Marshal(), 0)
	m.removePlayer(p, true, reason)
	m.net.Disconnect(p.PeerID)
	m.log.Info("玩家已被踢出", zap.Int("network_id", networkID), zap.String("reason", reason))
	return nil
}

// HandlePeerDisconnected cleans up everything tied to a connection: a
// queued join, an outgoing save transfer, and the player with its shadow
// and battle memberships.
func (m *Manager) HandlePeerDisconnected(peerID uint64) {
	if m.queue.remove(peerID) {
		m.log.Info("排隊中的加入請求已移除", zap.Uint64("peer", peerID))
	}
	if m.sender != nil {
		m.sender.Cancel(peerID)
	}
	p, ok := m.world.Players.GetByPeer(peerID)
	if !ok {
		return
	}
	left := &protocol.SessionEvent{
		Kind:   protocol.PlayerLeft,
		Player: protocol.RosterFromPlayers([]world.Player{p})[0],
	}
	m.removePlayer(p, false, "")
	m.net.Broadcast(left.Marshal(), peerID)
	m.log.Info("玩家離開", zap.Int("network_id", p.NetworkID), zap.String("name", p.Name))
}

func (m *Manager) removePlayer(p world.Player, kicked bool, reason string) {
	m.shadows.Remove(p.NetworkID)
	m.sync.Untrack(p.NetworkID)
	for _, b := range m.world.Battles.ActiveBattles() {
		if _, in := b.PlayerSides[p.NetworkID]; in {
			event.Emit(m.bus, event.BattleChanged{BattleID: b.BattleID, Kind: protocol.BattleRetreat.String()})
		}
	}
	m.world.RemovePlayer(p.NetworkID)
	event.Emit(m.bus, event.PlayerLeft{NetworkID: p.NetworkID, Name: p.Name, Kicked: kicked, Reason: reason})
}

// ---------- save transfer ----------

// HandleSaveFileRequest starts a world snapshot transfer to the peer. A
// request while one is pending is ignored.
func (m *Manager) HandleSaveFileRequest(req *protocol.SaveFileRequest, peerID uint64) {
	if m.sender == nil {
		return
	}
	started, err := m.sender.HandleRequest(peerID)
	if err != nil {
		m.log.Error("存檔傳送失敗", zap.Uint64("peer", peerID), zap.Error(err))
		// 沒有 Start 的 Complete 讓客戶端回報失敗並繼續加入流程
		done := &protocol.SaveFileComplete{}
		m.net.SendTo(peerID, done.Marshal())
		return
	}
	if started {
		m.log.Debug("save file requested", zap.Uint64("peer", peerID), zap.String("reason", req.Reason))
	}
}

// HandleSaveFileReceived records the client's verdict.
func (m *Manager) HandleSaveFileReceived(msg *protocol.SaveFileReceived, peerID uint64) {
	if m.sender == nil {
		return
	}
	m.sender.HandleReceived(peerID, msg)
}
