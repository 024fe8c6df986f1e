package component

// Hero is a character in the simulation. Pure data; the sim mutates it.
type Hero struct {
	ID         string
	Name       string
	Culture    string
	IsFemale   bool
	Age        int
	Appearance string
	ClanID     string
	PartyID    string
	IsMain     bool // the local player's own hero
}

// Clan groups heroes under a banner. Placeholder clans carry shadow parties.
type Clan struct {
	ID          string
	Name        string
	KingdomID   string
	Placeholder bool
}

// Party is a moving group on the map, led by one hero.
type Party struct {
	ID     string
	Name   string
	HeroID string
	ClanID string
	Size   int
	Speed  float32 // map units per second at time multiplier 1
}

// MapPosition is where a party currently stands.
type MapPosition struct {
	X, Y float32
}

// MoveTarget is where a party is walking to. Removed on arrival.
type MoveTarget struct {
	X, Y float32
}

// AIControl marks parties whose decisions are made by the simulation.
type AIControl struct {
	Enabled bool
}

// Shadow marks a local proxy for a remote player's party.
// Shadow parties are never AI-driven and never take part in encounters.
type Shadow struct {
	RemotePlayerID int
	Protected      bool
}
