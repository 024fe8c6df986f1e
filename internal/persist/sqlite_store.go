package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the embedded character mapping store, used when no
// PostgreSQL server is available.
type SQLiteStore struct {
	sqlDB *sql.DB
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// OpenSQLite opens (creating if needed) the database file at path and
// applies embedded migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := runSQLiteMigrations(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

func (s *SQLiteStore) Find(ctx context.Context, name string) (*CharacterRecord, error) {
	rec := &CharacterRecord{}
	var updated int64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT name, name_key, hero_id, clan_id, party_id, updated_at
		 FROM character_map WHERE name_key = ?`, NormalizeName(name),
	).Scan(&rec.Name, &rec.NameKey, &rec.HeroID, &rec.ClanID, &rec.PartyID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find character %q: %w", name, err)
	}
	rec.UpdatedAt = fromMillis(updated)
	return rec, nil
}

func (s *SQLiteStore) Register(ctx context.Context, name, heroID, clanID, partyID string) error {
	if heroID == "" {
		return errors.New("register character: empty hero id")
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO character_map (name_key, name, hero_id, clan_id, party_id, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name_key) DO UPDATE SET
		   name = excluded.name, hero_id = excluded.hero_id, clan_id = excluded.clan_id,
		   party_id = excluded.party_id, updated_at = excluded.updated_at`,
		NormalizeName(name), name, heroID, clanID, partyID, toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("register character %q: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) Forget(ctx context.Context, name string) error {
	_, err := s.sqlDB.ExecContext(ctx, `DELETE FROM character_map WHERE name_key = ?`, NormalizeName(name))
	return err
}

func (s *SQLiteStore) List(ctx context.Context) ([]CharacterRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT name, name_key, hero_id, clan_id, party_id, updated_at
		 FROM character_map ORDER BY name_key`)
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	defer rows.Close()

	var out []CharacterRecord
	for rows.Next() {
		var rec CharacterRecord
		var updated int64
		if err := rows.Scan(&rec.Name, &rec.NameKey, &rec.HeroID, &rec.ClanID, &rec.PartyID, &updated); err != nil {
			return nil, err
		}
		rec.UpdatedAt = fromMillis(updated)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}
