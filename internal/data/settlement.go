package data

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SettlementKind is town, castle or village.
type SettlementKind string

const (
	KindTown    SettlementKind = "town"
	KindCastle  SettlementKind = "castle"
	KindVillage SettlementKind = "village"
)

// SettlementEntry is a spawn candidate on the campaign map.
type SettlementEntry struct {
	ID      string         `yaml:"id"`
	Name    string         `yaml:"name"`
	Culture string         `yaml:"culture"`
	Kind    SettlementKind `yaml:"kind"`
	X       float32        `yaml:"x"`
	Y       float32        `yaml:"y"`
	Weight  int            `yaml:"spawn_weight"` // 0 = never used for spawning
}

// SettlementTable holds settlements in file order.
type SettlementTable struct {
	entries   []SettlementEntry
	byID      map[string]int
	byCulture map[string][]int
}

// LoadSettlementTable loads settlements.yaml.
func LoadSettlementTable(path string) (*SettlementTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settlement list: %w", err)
	}
	var entries []SettlementEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse settlement list: %w", err)
	}
	return NewSettlementTable(entries)
}

// NewSettlementTable builds a table from already decoded entries.
func NewSettlementTable(entries []SettlementEntry) (*SettlementTable, error) {
	t := &SettlementTable{
		entries:   make([]SettlementEntry, 0, len(entries)),
		byID:      make(map[string]int, len(entries)),
		byCulture: make(map[string][]int),
	}
	for i, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("settlement #%d: missing id", i)
		}
		if _, dup := t.byID[e.ID]; dup {
			return nil, fmt.Errorf("settlement %q: duplicate id", e.ID)
		}
		switch e.Kind {
		case KindTown, KindCastle, KindVillage:
		case "":
			e.Kind = KindTown
		default:
			return nil, fmt.Errorf("settlement %q: unknown kind %q", e.ID, e.Kind)
		}
		idx := len(t.entries)
		t.entries = append(t.entries, e)
		t.byID[e.ID] = idx
		c := strings.ToLower(e.Culture)
		t.byCulture[c] = append(t.byCulture[c], idx)
	}
	return t, nil
}

// Get returns the settlement with the given id.
func (t *SettlementTable) Get(id string) (SettlementEntry, bool) {
	idx, ok := t.byID[id]
	if !ok {
		return SettlementEntry{}, false
	}
	return t.entries[idx], true
}

// ByCulture returns the settlements of one culture in file order.
func (t *SettlementTable) ByCulture(culture string) []SettlementEntry {
	idxs := t.byCulture[strings.ToLower(culture)]
	out := make([]SettlementEntry, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, t.entries[i])
	}
	return out
}

// All returns every settlement in file order.
func (t *SettlementTable) All() []SettlementEntry {
	return append([]SettlementEntry(nil), t.entries...)
}

// Count returns the total number of settlements loaded.
func (t *SettlementTable) Count() int {
	return len(t.entries)
}
