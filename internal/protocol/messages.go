// Package protocol defines the session message catalogue and its binary
// encoding. Every message marshals to a payload whose first byte is its
// opcode; Decode* functions take a packet.Reader positioned after the opcode.
package protocol

import (
	"fmt"
	"sort"

	"github.com/coopmap/server/internal/net/packet"
	"github.com/coopmap/server/internal/world"
)

// RosterEntry is one player in a roster snapshot.
type RosterEntry struct {
	NetworkID       int
	Name            string
	IsHost          bool
	HeroID          string
	ClanID          string
	KingdomID       string
	PartyID         string
	X, Y            float32
	State           world.PlayerState
	CurrentBattleID string
	PartySize       int
	PartySpeed      float32
}

// RosterFromPlayers converts registry records to roster entries.
func RosterFromPlayers(players []world.Player) []RosterEntry {
	out := make([]RosterEntry, 0, len(players))
	for _, p := range players {
		out = append(out, RosterEntry{
			NetworkID:       p.NetworkID,
			Name:            p.Name,
			IsHost:          p.IsHost,
			HeroID:          p.HeroID,
			ClanID:          p.ClanID,
			KingdomID:       p.KingdomID,
			PartyID:         p.PartyID,
			X:               p.MapPosition.X,
			Y:               p.MapPosition.Y,
			State:           p.State,
			CurrentBattleID: p.CurrentBattleID,
			PartySize:       p.PartySize,
			PartySpeed:      p.PartySpeed,
		})
	}
	return out
}

// Player converts the entry back into a registry record.
func (e RosterEntry) Player() world.Player {
	return world.Player{
		NetworkID:       e.NetworkID,
		Name:            e.Name,
		IsHost:          e.IsHost,
		HeroID:          e.HeroID,
		ClanID:          e.ClanID,
		KingdomID:       e.KingdomID,
		PartyID:         e.PartyID,
		MapPosition:     world.Vec2{X: e.X, Y: e.Y},
		State:           e.State,
		CurrentBattleID: e.CurrentBattleID,
		PartySize:       e.PartySize,
		PartySpeed:      e.PartySpeed,
	}
}

func writeRoster(w *packet.Writer, roster []RosterEntry) {
	w.WriteH(uint16(len(roster)))
	for _, e := range roster {
		w.WriteD(int32(e.NetworkID))
		w.WriteS(e.Name)
		w.WriteBool(e.IsHost)
		w.WriteS(e.HeroID)
		w.WriteS(e.ClanID)
		w.WriteS(e.KingdomID)
		w.WriteS(e.PartyID)
		w.WriteF(e.X)
		w.WriteF(e.Y)
		w.WriteC(byte(e.State))
		w.WriteS(e.CurrentBattleID)
		w.WriteD(int32(e.PartySize))
		w.WriteF(e.PartySpeed)
	}
}

func readRoster(r *packet.Reader) []RosterEntry {
	n := int(r.ReadH())
	out := make([]RosterEntry, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		out = append(out, RosterEntry{
			NetworkID:       int(r.ReadD()),
			Name:            r.ReadS(),
			IsHost:          r.ReadBool(),
			HeroID:          r.ReadS(),
			ClanID:          r.ReadS(),
			KingdomID:       r.ReadS(),
			PartyID:         r.ReadS(),
			X:               r.ReadF(),
			Y:               r.ReadF(),
			State:           world.PlayerState(r.ReadC()),
			CurrentBattleID: r.ReadS(),
			PartySize:       int(r.ReadD()),
			PartySpeed:      r.ReadF(),
		})
	}
	return out
}

// JoinRequest is the first message a client sends.
type JoinRequest struct {
	Name                 string
	ProtocolVersion      string
	Password             string
	HasExistingCharacter bool
	HasWorldSnapshot     bool
	CharacterData        []byte // exported hero, optional
}

func (m *JoinRequest) Marshal() []byte {
	w := packet.NewWriterWithOpcode(packet.OpJoinRequest)
	w.WriteS(m.Name)
	w.WriteS(m.ProtocolVersion)
	w.WriteS(m.Password)
	w.WriteBool(m.HasExistingCharacter)
	w.WriteBool(m.HasWorldSnapshot)
	w.WriteBlob(m.CharacterData)
	return w.Bytes()
}

func DecodeJoinRequest(r *packet.Reader) (*JoinRequest, error) {
	m := &JoinRequest{
		Name:                 r.ReadS(),
		ProtocolVersion:      r.ReadS(),
		Password:             r.ReadS(),
		HasExistingCharacter: r.ReadBool(),
		HasWorldSnapshot:     r.ReadBool(),
		CharacterData:        r.ReadBlob(),
	}
	return m, wrap("JoinRequest", r)
}

// SavedCharacter identifies a character the host already holds for a player.
type SavedCharacter struct {
	HeroID  string
	ClanID  string
	PartyID string
	Name    string
}

// JoinResponse answers a JoinRequest.
type JoinResponse struct {
	Accepted                  bool
	Reason                    string
	AssignedID                int
	RequiresCharacterCreation bool
	RequiresSaveTransfer      bool
	Saved                     *SavedCharacter
	Roster                    []RosterEntry
}

func (m *JoinResponse) Marshal() []byte {
	w := packet.NewWriterWithOpcode(packet.OpJoinResponse)
	w.WriteBool(m.Accepted)
	w.WriteS(m.Reason)
	w.WriteD(int32(m.AssignedID))
	w.WriteBool(m.RequiresCharacterCreation)
	w.WriteBool(m.RequiresSaveTransfer)
	w.WriteBool(m.Saved != nil)
	if m.Saved != nil {
		w.WriteS(m.Saved.HeroID)
		w.WriteS(m.Saved.ClanID)
		w.WriteS(m.Saved.PartyID)
		w.WriteS(m.Saved.Name)
	}
	writeRoster(w, m.Roster)
	return w.Bytes()
}

func DecodeJoinResponse(r *packet.Reader) (*JoinResponse, error) {
	m := &JoinResponse{
		Accepted:                  r.ReadBool(),
		Reason:                    r.ReadS(),
		AssignedID:                int(r.ReadD()),
		RequiresCharacterCreation: r.ReadBool(),
		RequiresSaveTransfer:      r.ReadBool(),
	}
	if r.ReadBool() {
		m.Saved = &SavedCharacter{
			HeroID:  r.ReadS(),
			ClanID:  r.ReadS(),
			PartyID: r.ReadS(),
			Name:    r.ReadS(),
		}
	}
	m.Roster = readRoster(r)
	return m, wrap("JoinResponse", r)
}

// CharacterCreation is a manual character build submitted by a client.
type CharacterCreation struct {
	Name       string
	Culture    string
	IsFemale   bool
	Age        int
	Appearance string
}

func (m *CharacterCreation) Marshal() []byte {
	w := packet.NewWriterWithOpcode(packet.OpCharacterCreation)
	w.WriteS(m.Name)
	w.WriteS(m.Culture)
	w.WriteBool(m.IsFemale)
	w.WriteD(int32(m.Age))
	w.WriteS(m.Appearance)
	return w.Bytes()
}

func DecodeCharacterCreation(r *packet.Reader) (*CharacterCreation, error) {
	m := &CharacterCreation{
		Name:       r.ReadS(),
		Culture:    r.ReadS(),
		IsFemale:   r.ReadBool(),
		Age:        int(r.ReadD()),
		Appearance: r.ReadS(),
	}
	return m, wrap("CharacterCreation", r)
}

// CharacterCreationResponse reports the host-side spawn result.
type CharacterCreationResponse struct {
	Success bool
	Reason  string
	HeroID  string
	ClanID  string
	PartyID string
	X, Y    float32
}

func (m *CharacterCreationResponse) Marshal() []byte {
	w := packet.NewWriterWithOpcode(packet.OpCharacterCreationResponse)
	w.WriteBool(m.Success)
	w.WriteS(m.Reason)
	w.WriteS(m.HeroID)
	w.WriteS(m.ClanID)
	w.WriteS(m.PartyID)
	w.WriteF(m.X)
	w.WriteF(m.Y)
	return w.Bytes()
}

func DecodeCharacterCreationResponse(r *packet.Reader) (*CharacterCreationResponse, error) {
	m := &CharacterCreationResponse{
		Success: r.ReadBool(),
		Reason:  r.ReadS(),
		HeroID:  r.ReadS(),
		ClanID:  r.ReadS(),
		PartyID: r.ReadS(),
		X:       r.ReadF(),
		Y:       r.ReadF(),
	}
	return m, wrap("CharacterCreationResponse", r)
}

// ClientCampaignReady tells the host the client's own simulation has a hero.
type ClientCampaignReady struct {
	Name       string
	Culture    string
	HeroID     string
	PartyID    string
	X, Y       float32
	PartySize  int
	PartySpeed float32
	Appearance string
}

func (m *ClientCampaignReady) Marshal() []byte {
	w := packet.NewWriterWithOpcode(packet.OpClientCampaignReady)
	w.WriteS(m.Name)
	w.WriteS(m.Culture)
	w.WriteS(m.HeroID)
	w.WriteS(m.PartyID)
	w.WriteF(m.X)
	w.WriteF(m.Y)
	w.WriteD(int32(m.PartySize))
	w.WriteF(m.PartySpeed)
	w.WriteS(m.Appearance)
	return w.Bytes()
}

func DecodeClientCampaignReady(r *packet.Reader) (*ClientCampaignReady, error) {
	m := &ClientCampaignReady{
		Name:       r.ReadS(),
		Culture:    r.ReadS(),
		HeroID:     r.ReadS(),
		PartyID:    r.ReadS(),
		X:          r.ReadF(),
		Y:          r.ReadF(),
		PartySize:  int(r.ReadD()),
		PartySpeed: r.ReadF(),
		Appearance: r.ReadS(),
	}
	return m, wrap("ClientCampaignReady", r)
}

// BattleSnapshot is one active battle in a full state sync.
type BattleSnapshot struct {
	BattleID    string
	InitiatorID int
	X, Y        float32
	Sides       map[int]world.Side
}

// BattlesFromWorld converts active battles to snapshot entries.
func BattlesFromWorld(battles []world.BattleInstance) []BattleSnapshot {
	out := make([]BattleSnapshot, 0, len(battles))
	for _, b := range battles {
		out = append(out, BattleSnapshot{
			BattleID:    b.BattleID,
			InitiatorID: b.InitiatorPlayerID,
			X:           b.MapPosition.X,
			Y:           b.MapPosition.Y,
			Sides:       b.PlayerSides,
		})
	}
	return out
}

// Instance converts the snapshot back into a battle record.
func (b BattleSnapshot) Instance() world.BattleInstance {
	return world.BattleInstance{
		BattleID:          b.BattleID,
		InitiatorPlayerID: b.InitiatorID,
		MapPosition:       world.Vec2{X: b.X, Y: b.Y},
		PlayerSides:       b.Sides,
	}
}

// FullStateSync is the complete baseline sent to a client.
type FullStateSync struct {
	Roster         []RosterEntry
	Battles        []BattleSnapshot
	TimeMultiplier float32
}

func (m *FullStateSync) Marshal() []byte {
	w := packet.NewWriterWithOpcode(packet.OpFullStateSync)
	writeRoster(w, m.Roster)
	w.WriteH(uint16(len(m.Battles)))
	for _, b := range m.Battles {
		w.WriteS(b.BattleID)
		w.WriteD(int32(b.InitiatorID))
		w.WriteF(b.X)
		w.WriteF(b.Y)
		w.WriteH(uint16(len(b.Sides)))
		for _, id := range sortedSideKeys(b.Sides) {
			w.WriteD(int32(id))
			w.WriteC(byte(b.Sides[id]))
		}
	}
	w.WriteF(m.TimeMultiplier)
	return w.Bytes()
}

func DecodeFullStateSync(r *packet.Reader) (*FullStateSync, error) {
	m := &FullStateSync{Roster: readRoster(r)}
	n := int(r.ReadH())
	for i := 0; i < n && r.Err() == nil; i++ {
		b := BattleSnapshot{
			BattleID:    r.ReadS(),
			InitiatorID: int(r.ReadD()),
			X:           r.ReadF(),
			Y:           r.ReadF(),
		}
		sides := int(r.ReadH())
		b.Sides = make(map[int]world.Side, sides)
		for j := 0; j < sides && r.Err() == nil; j++ {
			id := int(r.ReadD())
			b.Sides[id] = world.Side(r.ReadC())
		}
		m.Battles = append(m.Battles, b)
	}
	m.TimeMultiplier = r.ReadF()
	return m, wrap("FullStateSync", r)
}

// PlayerState is an incremental per-player position/state delta.
type PlayerState struct {
	NetworkID  int
	PartyID    string
	X, Y       float32
	State      world.PlayerState
	BattleID   string
	PartySize  int
	PartySpeed float32
}

func (m *PlayerState) Marshal() []byte {
	w := packet.NewWriterWithOpcode(packet.OpPlayerState)
	w.WriteD(int32(m.NetworkID))
	w.WriteS(m.PartyID)
	w.WriteF(m.X)
	w.WriteF(m.Y)
	w.WriteC(byte(m.State))
	w.WriteS(m.BattleID)
	w.WriteD(int32(m.PartySize))
	w.WriteF(m.PartySpeed)
	return w.Bytes()
}

func DecodePlayerState(r *packet.Reader) (*PlayerState, error) {
	m := &PlayerState{
		NetworkID:  int(r.ReadD()),
		PartyID:    r.ReadS(),
		X:          r.ReadF(),
		Y:          r.ReadF(),
		State:      world.PlayerState(r.ReadC()),
		BattleID:   r.ReadS(),
		PartySize:  int(r.ReadD()),
		PartySpeed: r.ReadF(),
	}
	return m, wrap("PlayerState", r)
}

// SessionEventKind enumerates roster changes broadcast by the host.
type SessionEventKind byte

const (
	PlayerJoined SessionEventKind = iota + 1
	PlayerLeft
	PlayerKicked
)

func (k SessionEventKind) String() string {
	switch k {
	case PlayerJoined:
		return "PlayerJoined"
	case PlayerLeft:
		return "PlayerLeft"
	case PlayerKicked:
		return "PlayerKicked"
	}
	return fmt.Sprintf("SessionEventKind(%d)", k)
}

// SessionEvent announces a roster change.
type SessionEvent struct {
	Kind   SessionEventKind
	Player RosterEntry
	Reason string
}

func (m *SessionEvent) Marshal() []byte {
	w := packet.NewWriterWithOpcode(packet.OpSessionEvent)
	w.WriteC(byte(m.Kind))
	writeRoster(w, []RosterEntry{m.Player})
	w.WriteS(m.Reason)
	return w.Bytes()
}

func DecodeSessionEvent(r *packet.Reader) (*SessionEvent, error) {
	m := &SessionEvent{Kind: SessionEventKind(r.ReadC())}
	if roster := readRoster(r); len(roster) == 1 {
		m.Player = roster[0]
	} else if r.Err() == nil {
		return nil, fmt.Errorf("decode SessionEvent: expected one player, got %d", len(roster))
	}
	m.Reason = r.ReadS()
	return m, wrap("SessionEvent", r)
}

// BattleEventKind enumerates battle lifecycle notifications.
type BattleEventKind byte

const (
	BattleStarted BattleEventKind = iota + 1
	BattleJoined
	BattleEnded
	BattleRetreat
)

func (k BattleEventKind) String() string {
	switch k {
	case BattleStarted:
		return "Started"
	case BattleJoined:
		return "Joined"
	case BattleEnded:
		return "Ended"
	case BattleRetreat:
		return "Retreat"
	}
	return fmt.Sprintf("BattleEventKind(%d)", k)
}

// BattleEvent carries a battle lifecycle change in either direction.
type BattleEvent struct {
	Kind     BattleEventKind
	BattleID string
	PlayerID int
	Side     world.Side
	X, Y     float32
}

func (m *BattleEvent) Marshal() []byte {
	w := packet.NewWriterWithOpcode(packet.OpBattleEvent)
	w.WriteC(byte(m.Kind))
	w.WriteS(m.BattleID)
	w.WriteD(int32(m.PlayerID))
	w.WriteC(byte(m.Side))
	w.WriteF(m.X)
	w.WriteF(m.Y)
	return w.Bytes()
}

func DecodeBattleEvent(r *packet.Reader) (*BattleEvent, error) {
	m := &BattleEvent{
		Kind:     BattleEventKind(r.ReadC()),
		BattleID: r.ReadS(),
		PlayerID: int(r.ReadD()),
		Side:     world.Side(r.ReadC()),
		X:        r.ReadF(),
		Y:        r.ReadF(),
	}
	return m, wrap("BattleEvent", r)
}

// MoveCommand is sent by a spectating client instead of moving locally.
type MoveCommand struct {
	X, Y float32
}

func (m *MoveCommand) Marshal() []byte {
	w := packet.NewWriterWithOpcode(packet.OpMoveCommand)
	w.WriteF(m.X)
	w.WriteF(m.Y)
	return w.Bytes()
}

func DecodeMoveCommand(r *packet.Reader) (*MoveCommand, error) {
	m := &MoveCommand{X: r.ReadF(), Y: r.ReadF()}
	return m, wrap("MoveCommand", r)
}

// Ping keeps idle connections under the read deadline.
func Ping() []byte {
	return []byte{packet.OpPing}
}

func wrap(name string, r *packet.Reader) error {
	if err := r.Err(); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func sortedSideKeys(m map[int]world.Side) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
