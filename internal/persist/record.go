package persist

import (
	"context"
	"time"

	"github.com/coopmap/server/internal/world"
)

// CharacterRecord maps a player name to the character the host spawned for
// it, so a reconnecting player can reclaim the same hero.
type CharacterRecord struct {
	Name      string
	NameKey   string
	HeroID    string
	ClanID    string
	PartyID   string
	UpdatedAt time.Time
}

// CharacterStore is the persistent name → character mapping.
// Find returns nil, nil when no mapping exists.
type CharacterStore interface {
	Find(ctx context.Context, name string) (*CharacterRecord, error)
	Register(ctx context.Context, name, heroID, clanID, partyID string) error
	Forget(ctx context.Context, name string) error
	List(ctx context.Context) ([]CharacterRecord, error)
	Close() error
}

// NormalizeName returns the name_key column value for a player name. It is
// world.NameKey so online lookups and the stored mapping agree.
func NormalizeName(name string) string {
	return world.NameKey(name)
}
