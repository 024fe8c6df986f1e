package world

import "fmt"

// HostNetworkID is reserved for the hosting peer.
const HostNetworkID = 0

// PlayerState is what the player's main party is currently doing. It drives
// protection and sync policy.
type PlayerState byte

const (
	OnMap PlayerState = iota
	InBattle
	InDialogue
	InTrade
	InTown
	InVillage
	InCastle
	InMenu
)

var playerStateNames = [...]string{
	OnMap:      "OnMap",
	InBattle:   "InBattle",
	InDialogue: "InDialogue",
	InTrade:    "InTrade",
	InTown:     "InTown",
	InVillage:  "InVillage",
	InCastle:   "InCastle",
	InMenu:     "InMenu",
}

func (s PlayerState) String() string {
	if int(s) < len(playerStateNames) {
		return playerStateNames[s]
	}
	return fmt.Sprintf("PlayerState(%d)", s)
}

// Valid reports whether s is a known state.
func (s PlayerState) Valid() bool {
	return int(s) < len(playerStateNames)
}

// Vec2 is a map position in the originating peer's own coordinate frame.
type Vec2 struct {
	X, Y float32
}

// DistSq returns the squared distance between two positions.
func (v Vec2) DistSq(o Vec2) float32 {
	dx, dy := v.X-o.X, v.Y-o.Y
	return dx*dx + dy*dy
}

// Player is one connected human. Id fields reference the local simulation
// and are empty when absent; they are not equal across peers.
type Player struct {
	NetworkID int
	PeerID    uint64 // transport connection, host side only (0 = local/none)
	Name      string
	IsHost    bool

	HeroID        string
	ClanID        string
	KingdomID     string
	PartyID       string
	ShadowPartyID string // local shadow standing in for this player

	MapPosition     Vec2
	State           PlayerState
	CurrentBattleID string
	PartySize       int
	PartySpeed      float32
	Culture         string
}

// Spawned reports whether the player has a hero in some simulation.
func (p *Player) Spawned() bool {
	return p.HeroID != ""
}
