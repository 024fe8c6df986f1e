// Package sim defines the narrow capabilities the session layer needs from
// the map simulation, plus Memory, an in-process reference simulation.
package sim

import (
	"errors"

	"github.com/coopmap/server/internal/world"
)

var (
	// ErrUnknownEntity is returned for ids the simulation does not know.
	ErrUnknownEntity = errors.New("sim: unknown entity")
	// ErrIDInUse is returned when a requested id is already taken.
	ErrIDInUse = errors.New("sim: id already in use")
	// ErrEncounterBlocked is returned when an encounter involves a shadow party.
	ErrEncounterBlocked = errors.New("sim: encounter blocked for protected party")
	// ErrNoFaction is returned when a party would be created without a clan.
	ErrNoFaction = errors.New("sim: party requires a faction")
)

// PartySpec describes a party to create at a given position.
type PartySpec struct {
	ID      string // desired id; empty lets the simulation choose
	Name    string
	Faction string // clan id; created as placeholder if missing
	X, Y    float32
	Size    int
	Speed   float32
}

// CharacterSpec describes a new hero with clan and party.
type CharacterSpec struct {
	Name       string
	Culture    string
	IsFemale   bool
	Age        int
	Appearance string
	X, Y       float32
	Main       bool // becomes this peer's own hero
}

// HeroInfo is a read-only view of a hero and its party.
type HeroInfo struct {
	HeroID     string
	ClanID     string
	KingdomID  string
	PartyID    string
	Name       string
	Culture    string
	Appearance string
	Position   world.Vec2
	PartySize  int
	PartySpeed float32
}

// Settlement is a spawn location known to the simulation.
type Settlement struct {
	ID      string
	Culture string
	Kind    string
	Weight  int
	X, Y    float32
}

// PartyControl creates, moves and destroys parties.
type PartyControl interface {
	CreatePartyAt(spec PartySpec) (string, error)
	DestroyParty(partyID string) error
	PartyExists(partyID string) bool
	PartyPosition(partyID string) (world.Vec2, bool)
	SetPosition(partyID string, x, y float32) error
	SetMoveTarget(partyID string, x, y float32) error
}

// ShadowMarker flags parties that stand in for remote players.
type ShadowMarker interface {
	MarkShadow(partyID string, remotePlayerID int) error
	UnmarkShadow(partyID string) error
	IsShadow(partyID string) bool
}

// InteractionState reports whether the local player is in a blocking
// interactive state (dialogue or mission).
type InteractionState interface {
	IsBlockingUIActive() bool
}

// Heroes gives access to the local main hero and to hero creation.
type Heroes interface {
	MainHero() (HeroInfo, bool)
	Hero(heroID string) (HeroInfo, bool)
	HeroExists(heroID string) bool
	CreateCharacter(spec CharacterSpec) (HeroInfo, error)
	ExportHero(heroID string) ([]byte, error)
	SpawnFromExport(data []byte, x, y float32) (HeroInfo, error)
}

// SpawnPlaces enumerates spawn data.
type SpawnPlaces interface {
	Settlements(culture string) []Settlement
	CultureKnown(culture string) bool
}

// Encounters is the boundary where engagements are started.
type Encounters interface {
	CanStartEncounter(attackerPartyID, defenderPartyID string) error
	StartEncounter(attackerPartyID, defenderPartyID string) error
}

// WorldStore saves and loads the whole world.
type WorldStore interface {
	SaveWorld() ([]byte, error)
	LoadWorld(data []byte) error
}

// Clock exposes the simulation speed.
type Clock interface {
	TimeMultiplier() float32
	SetTimeMultiplier(m float32)
}

// Adapter is everything the session layer consumes.
type Adapter interface {
	PartyControl
	ShadowMarker
	InteractionState
	Heroes
	SpawnPlaces
	Encounters
	WorldStore
	Clock
}
