package data

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// CultureEntry defines a culture a character can be created with.
type CultureEntry struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Playable   bool   `yaml:"playable"`
	DefaultAge int    `yaml:"default_age"`
	Appearance string `yaml:"appearance"` // default appearance key when none is submitted
	Note       string `yaml:"note"`
}

// CultureTable provides lookup of cultures by id.
type CultureTable struct {
	cultures map[string]*CultureEntry
	ids      []string
}

// LoadCultureTable loads cultures.yaml.
func LoadCultureTable(path string) (*CultureTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read culture list: %w", err)
	}
	var entries []CultureEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse culture list: %w", err)
	}
	return NewCultureTable(entries)
}

// NewCultureTable builds a table from already decoded entries.
func NewCultureTable(entries []CultureEntry) (*CultureTable, error) {
	t := &CultureTable{cultures: make(map[string]*CultureEntry, len(entries))}
	for i := range entries {
		e := &entries[i]
		if e.ID == "" {
			return nil, fmt.Errorf("culture #%d: missing id", i)
		}
		key := strings.ToLower(e.ID)
		if _, dup := t.cultures[key]; dup {
			return nil, fmt.Errorf("culture %q: duplicate id", e.ID)
		}
		t.cultures[key] = e
		t.ids = append(t.ids, key)
	}
	sort.Strings(t.ids)
	return t, nil
}

// Get returns the culture with the given id (case-insensitive), or nil.
func (t *CultureTable) Get(id string) *CultureEntry {
	return t.cultures[strings.ToLower(id)]
}

// Playable returns playable cultures ordered by id.
func (t *CultureTable) Playable() []*CultureEntry {
	out := make([]*CultureEntry, 0, len(t.ids))
	for _, id := range t.ids {
		if c := t.cultures[id]; c.Playable {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the total number of cultures loaded.
func (t *CultureTable) Count() int {
	return len(t.cultures)
}
