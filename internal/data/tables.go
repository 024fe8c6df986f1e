package data

import (
	"fmt"
	"path/filepath"
)

// SpawnTables bundles the tables used for character spawn placement.
type SpawnTables struct {
	Cultures    *CultureTable
	Settlements *SettlementTable
}

// LoadSpawnTables loads cultures.yaml and settlements.yaml from dir and
// checks that every settlement references a known culture.
func LoadSpawnTables(dir string) (*SpawnTables, error) {
	cultures, err := LoadCultureTable(filepath.Join(dir, "cultures.yaml"))
	if err != nil {
		return nil, err
	}
	settlements, err := LoadSettlementTable(filepath.Join(dir, "settlements.yaml"))
	if err != nil {
		return nil, err
	}
	for _, s := range settlements.All() {
		if cultures.Get(s.Culture) == nil {
			return nil, fmt.Errorf("settlement %q: unknown culture %q", s.ID, s.Culture)
		}
	}
	return &SpawnTables{Cultures: cultures, Settlements: settlements}, nil
}
