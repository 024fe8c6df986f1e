package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// CharacterMapRepo is the PostgreSQL character mapping store.
type CharacterMapRepo struct {
	db *DB
}

func NewCharacterMapRepo(db *DB) *CharacterMapRepo {
	return &CharacterMapRepo{db: db}
}

func (r *CharacterMapRepo) Find(ctx context.Context, name string) (*CharacterRecord, error) {
	row := &CharacterRecord{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT name, name_key, hero_id, clan_id, party_id, updated_at
		 FROM character_map WHERE name_key = $1`, NormalizeName(name),
	).Scan(&row.Name, &row.NameKey, &row.HeroID, &row.ClanID, &row.PartyID, &row.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find character %q: %w", name, err)
	}
	return row, nil
}

// Register inserts or replaces the mapping for name.
func (r *CharacterMapRepo) Register(ctx context.Context, name, heroID, clanID, partyID string) error {
	if heroID == "" {
		return errors.New("register character: empty hero id")
	}
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO character_map (name_key, name, hero_id, clan_id, party_id, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (name_key) DO UPDATE SET
		   name = EXCLUDED.name, hero_id = EXCLUDED.hero_id, clan_id = EXCLUDED.clan_id,
		   party_id = EXCLUDED.party_id, updated_at = EXCLUDED.updated_at`,
		NormalizeName(name), name, heroID, clanID, partyID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("register character %q: %w", name, err)
	}
	return nil
}

func (r *CharacterMapRepo) Forget(ctx context.Context, name string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM character_map WHERE name_key = $1`, NormalizeName(name))
	return err
}

func (r *CharacterMapRepo) List(ctx context.Context) ([]CharacterRecord, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT name, name_key, hero_id, clan_id, party_id, updated_at
		 FROM character_map ORDER BY name_key`)
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	defer rows.Close()

	var out []CharacterRecord
	for rows.Next() {
		var rec CharacterRecord
		if err := rows.Scan(&rec.Name, &rec.NameKey, &rec.HeroID, &rec.ClanID, &rec.PartyID, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (r *CharacterMapRepo) Close() error {
	r.db.Close()
	return nil
}
