package session

import (
	"github.com/coopmap/server/internal/core/event"
	"github.com/coopmap/server/internal/net/packet"
	"github.com/coopmap/server/internal/protocol"
	"github.com/coopmap/server/internal/sim"
	"github.com/coopmap/server/internal/world"
	"go.uber.org/zap"
)

// BeginJoin starts joining the host reachable through hostPeer.
func (m *Manager) BeginJoin(hostPeer uint64) {
	if m.state != Disconnected {
		m.log.Debug("join already in progress", zap.String("state", m.state.String()))
		return
	}
	m.hostPeer = hostPeer
	m.sync.SetHostPeer(hostPeer)
	m.transition(Joining)
	m.SendJoinRequest()
}

// HostPeer returns the client's connection to the host.
func (m *Manager) HostPeer() uint64 { return m.hostPeer }

// SendJoinRequest sends identity, protocol version and either an exported
// hero or the existing-character flag.
func (m *Manager) SendJoinRequest() {
	req := &protocol.JoinRequest{
		Name:             m.cfg.Server.Name,
		ProtocolVersion:  m.cfg.Session.ProtocolVersion,
		Password:         m.cfg.Client.Password,
		HasWorldSnapshot: m.cfg.Client.HasWorld,
	}
	if m.cfg.Client.BringHero {
		if hero, ok := m.sim.MainHero(); ok {
			data, err := m.sim.ExportHero(hero.HeroID)
			if err != nil {
				m.log.Warn("匯出角色失敗", zap.String("hero", hero.HeroID), zap.Error(err))
			} else {
				req.CharacterData = data
			}
		}
	}
	req.HasExistingCharacter = len(req.CharacterData) == 0 && m.cfg.Client.Reclaim
	m.net.SendTo(m.hostPeer, req.Marshal())
	m.log.Info("已送出加入請求",
		zap.String("name", req.Name),
		zap.String("version", req.ProtocolVersion),
		zap.Bool("imported", len(req.CharacterData) > 0))
}

// HandleJoinResponse applies the host's answer.
func (m *Manager) HandleJoinResponse(resp *protocol.JoinResponse) {
	if m.state != Joining {
		m.log.Debug("join response outside Joining ignored", zap.String("state", m.state.String()))
		return
	}
	if !resp.Accepted {
		m.log.Warn("加入被拒絕", zap.String("reason", resp.Reason))
		m.transition(Disconnected)
		event.Emit(m.bus, event.JoinRejected{Reason: resp.Reason})
		m.net.Disconnect(m.hostPeer)
		return
	}

	players := make([]world.Player, 0, len(resp.Roster))
	for _, e := range resp.Roster {
		players = append(players, e.Player())
	}
	m.world.Players.ReplaceAll(players)
	m.world.Players.SetLocalID(resp.AssignedID)
	if s := resp.Saved; s != nil {
		m.world.Players.Update(resp.AssignedID, func(p *world.Player) {
			p.HeroID, p.ClanID, p.PartyID = s.HeroID, s.ClanID, s.PartyID
		})
	}
	m.net.SetPeerState(m.hostPeer, packet.StateJoined)
	m.pendingCreation = resp.RequiresCharacterCreation
	m.log.Info("已加入工作階段",
		zap.Int("network_id", resp.AssignedID),
		zap.Int("players", len(players)),
		zap.Bool("creation", resp.RequiresCharacterCreation),
		zap.Bool("save_transfer", resp.RequiresSaveTransfer))

	if resp.RequiresSaveTransfer {
		m.transition(WaitingForSaveFile)
		req := &protocol.SaveFileRequest{Reason: "join"}
		m.net.SendTo(m.hostPeer, req.Marshal())
		return
	}
	m.afterBootstrap()
}

// afterBootstrap moves on once any required world snapshot is in place.
func (m *Manager) afterBootstrap() {
	if m.pendingCreation {
		m.transition(CharacterCreation)
		event.Emit(m.bus, event.CharacterCreationRequired{})
		return
	}
	m.transition(Connected)
}

// ---------- save transfer ----------

func (m *Manager) HandleSaveFileStart(msg *protocol.SaveFileStart) {
	if err := m.recv.OnStart(msg); err != nil {
		m.log.Warn("存檔傳送開頭無效", zap.Error(err))
	}
}

func (m *Manager) HandleSaveFileChunk(msg *protocol.SaveFileChunk) {
	if err := m.recv.OnChunk(msg); err != nil {
		m.log.Debug("save chunk rejected", zap.Int("index", msg.Index), zap.Error(err))
	}
}

// HandleSaveFileComplete finishes the transfer, reports back and loads the
// snapshot. On failure the local world is left as it was.
func (m *Manager) HandleSaveFileComplete(msg *protocol.SaveFileComplete) {
	res := m.recv.OnComplete(msg)
	m.net.SendTo(m.hostPeer, res.Reply.Marshal())

	if res.OK() {
		if err := m.sim.LoadWorld(res.Data); err != nil {
			m.log.Error("載入世界存檔失敗", zap.String("path", res.Path), zap.Error(err))
		} else {
			event.Emit(m.bus, event.SaveFileReceived{Name: res.Reply.Name, Path: res.Path, ChecksumMatch: res.ChecksumMatch})
		}
	} else {
		m.log.Warn("存檔接收失敗，維持原狀態", zap.String("reason", res.Reply.Reason))
	}
	if m.state == WaitingForSaveFile {
		m.afterBootstrap()
	}
}

// ---------- character creation ----------

// SubmitCharacterCreation sends a manual character build to the host.
func (m *Manager) SubmitCharacterCreation(sub *protocol.CharacterCreation) bool {
	if m.state != CharacterCreation {
		return false
	}
	if sub.Name == "" {
		sub.Name = m.cfg.Server.Name
	}
	m.lastCreation = &creationRequest{
		name:    sub.Name,
		culture: sub.Culture,
		female:  sub.IsFemale,
		age:     sub.Age,
		look:    sub.Appearance,
	}
	m.net.SendTo(m.hostPeer, sub.Marshal())
	return true
}

// HandleCharacterCreationResponse completes or retries character creation.
func (m *Manager) HandleCharacterCreationResponse(resp *protocol.CharacterCreationResponse) {
	if m.state != CharacterCreation {
		return
	}
	if !resp.Success {
		m.log.Warn("角色建立失敗", zap.String("reason", resp.Reason))
		event.Emit(m.bus, event.CharacterCreationRequired{Reason: resp.Reason})
		return
	}
	local := m.world.Players.LocalID()
	m.world.Players.Update(local, func(p *world.Player) {
		p.HeroID = resp.HeroID
		p.ClanID = resp.ClanID
		p.PartyID = resp.PartyID
		p.MapPosition = world.Vec2{X: resp.X, Y: resp.Y}
		p.State = world.OnMap
		if m.lastCreation != nil {
			p.Culture = m.lastCreation.culture
		}
	})
	m.pendingCreation = false
	m.ensureLocalHero()
	m.transition(Connected)
}

// ensureLocalHero gives the client's own simulation a main hero when it has
// none (fresh client, or a loaded host snapshot replaced the world).
func (m *Manager) ensureLocalHero() bool {
	if _, ok := m.sim.MainHero(); ok {
		return true
	}
	p, _ := m.world.Players.Local()
	spec := sim.CharacterSpec{
		Name:    m.cfg.Server.Name,
		Culture: m.cfg.Client.Culture,
		X:       p.MapPosition.X,
		Y:       p.MapPosition.Y,
		Main:    true,
	}
	if c := m.lastCreation; c != nil {
		spec.Name, spec.Culture, spec.IsFemale, spec.Age, spec.Appearance = c.name, c.culture, c.female, c.age, c.look
	} else if p.Culture != "" {
		spec.Culture = p.Culture
	}
	hero, err := m.sim.CreateCharacter(spec)
	if err != nil {
		m.log.Warn("本地角色建立失敗", zap.Error(err))
		return false
	}
	m.log.Info("本地角色已建立", zap.String("hero", hero.HeroID), zap.String("party", hero.PartyID))
	return true
}

// ---------- campaign ready ----------

// ClientReadyTick is polled while Connected: once the local simulation has
// a hero the host is notified.
func (m *Manager) ClientReadyTick() bool {
	if m.IsHost() || m.state != Connected {
		return false
	}
	if !m.ensureLocalHero() {
		return false
	}
	return m.NotifyServerCampaignReady()
}

// NotifyServerCampaignReady tells the host the local hero exists so it can
// build its shadow of this player. Enters InSession.
func (m *Manager) NotifyServerCampaignReady() bool {
	if m.state != Connected {
		return false
	}
	hero, ok := m.sim.MainHero()
	if !ok {
		return false
	}
	notice := &protocol.ClientCampaignReady{
		Name:       m.cfg.Server.Name,
		Culture:    hero.Culture,
		HeroID:     hero.HeroID,
		PartyID:    hero.PartyID,
		X:          hero.Position.X,
		Y:          hero.Position.Y,
		PartySize:  hero.PartySize,
		PartySpeed: hero.PartySpeed,
		Appearance: hero.Appearance,
	}
	m.net.SendTo(m.hostPeer, notice.Marshal())
	m.net.SetPeerState(m.hostPeer, packet.StateInSession)

	local := m.world.Players.LocalID()
	m.sync.Track(local)
	m.sync.SetActive(true)
	m.transition(InSession)
	return true
}

// ---------- mirror ----------

// HandleFullStateSync replaces the local mirror with the host baseline.
func (m *Manager) HandleFullStateSync(msg *protocol.FullStateSync) {
	m.sync.ApplyFullState(msg)
}

// HandleSessionEvent mirrors roster changes announced by the host.
func (m *Manager) HandleSessionEvent(msg *protocol.SessionEvent) {
	p := msg.Player.Player()
	local := m.world.Players.LocalID()
	switch msg.Kind {
	case protocol.PlayerJoined:
		if p.NetworkID == local {
			return
		}
		m.world.Players.Add(p)
		event.Emit(m.bus, event.PlayerJoined{NetworkID: p.NetworkID, Name: p.Name})
	case protocol.PlayerLeft, protocol.PlayerKicked:
		kicked := msg.Kind == protocol.PlayerKicked
		event.Emit(m.bus, event.PlayerLeft{NetworkID: p.NetworkID, Name: p.Name, Kicked: kicked, Reason: msg.Reason})
		if p.NetworkID == local {
			m.log.Warn("已被主機踢出", zap.String("reason", msg.Reason))
			m.net.Disconnect(m.hostPeer)
			m.HandleTransportDisconnected()
			return
		}
		m.shadows.Remove(p.NetworkID)
		m.world.RemovePlayer(p.NetworkID)
	}
}

// ---------- spectator ----------

// EnterSpectatorMode redirects local input to move commands.
func (m *Manager) EnterSpectatorMode() bool {
	if m.state != InSession {
		return false
	}
	m.transition(SpectatorMode)
	return true
}

func (m *Manager) ExitSpectatorMode() bool {
	if m.state != SpectatorMode {
		return false
	}
	m.transition(InSession)
	return true
}

// SendMoveCommand asks the host to move this player's shadow.
func (m *Manager) SendMoveCommand(x, y float32) bool {
	if m.state != SpectatorMode {
		return false
	}
	cmd := &protocol.MoveCommand{X: x, Y: y}
	m.net.SendTo(m.hostPeer, cmd.Marshal())
	return true
}

// ---------- disconnect ----------

// HandleTransportDisconnected forces Disconnected and drops every piece of
// mirrored session state.
func (m *Manager) HandleTransportDisconnected() {
	if m.state == Disconnected && m.world.Players.Count() == 0 {
		return
	}
	m.world.Reset()
	m.shadows.RemoveAll()
	if m.recv != nil {
		m.recv.Abort()
	}
	m.sync.Reset()
	m.pendingCreation = false
	m.hostPeer = 0
	m.transition(Disconnected)
	m.log.Info("已與主機斷線")
}
