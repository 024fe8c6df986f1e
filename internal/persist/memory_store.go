package persist

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps mappings for the lifetime of the process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]CharacterRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]CharacterRecord)}
}

func (s *MemoryStore) Find(_ context.Context, name string) (*CharacterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[NormalizeName(name)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) Register(_ context.Context, name, heroID, clanID, partyID string) error {
	if heroID == "" {
		return errors.New("register character: empty hero id")
	}
	key := NormalizeName(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = CharacterRecord{
		Name:      name,
		NameKey:   key,
		HeroID:    heroID,
		ClanID:    clanID,
		PartyID:   partyID,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

func (s *MemoryStore) Forget(_ context.Context, name string) error {
	s.mu.Lock()
	delete(s.records, NormalizeName(name))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]CharacterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CharacterRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NameKey < out[j].NameKey })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
