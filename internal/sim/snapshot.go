package sim

import (
	"bytes"
	"fmt"

	"github.com/coopmap/server/internal/component"
	"github.com/coopmap/server/internal/core/ecs"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type clanRecord struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	KingdomID   string `yaml:"kingdom_id,omitempty"`
	Placeholder bool   `yaml:"placeholder,omitempty"`
}

type heroRecord struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Culture    string `yaml:"culture"`
	IsFemale   bool   `yaml:"is_female,omitempty"`
	Age        int    `yaml:"age"`
	Appearance string `yaml:"appearance,omitempty"`
	ClanID     string `yaml:"clan_id"`
	PartyID    string `yaml:"party_id"`
}

type partyRecord struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	HeroID  string   `yaml:"hero_id"`
	ClanID  string   `yaml:"clan_id"`
	Size    int      `yaml:"size"`
	Speed   float32  `yaml:"speed"`
	X       float32  `yaml:"x"`
	Y       float32  `yaml:"y"`
	TargetX *float32 `yaml:"target_x,omitempty"`
	TargetY *float32 `yaml:"target_y,omitempty"`
	AI      bool     `yaml:"ai"`
}

type worldSnapshot struct {
	Version        int           `yaml:"version"`
	NextID         int           `yaml:"next_id"`
	TimeMultiplier float32       `yaml:"time_multiplier"`
	Clans          []clanRecord  `yaml:"clans"`
	Heroes         []heroRecord  `yaml:"heroes"`
	Parties        []partyRecord `yaml:"parties"`
}

const snapshotVersion = 1

// SaveWorld serializes every non-shadow entity. Shadows are peer-local and
// never leave the process.
func (m *Memory) SaveWorld() ([]byte, error) {
	snap := worldSnapshot{
		Version:        snapshotVersion,
		NextID:         m.nextID,
		TimeMultiplier: m.timeMult,
	}
	shadowHeroes := make(map[string]bool)
	shadowClans := make(map[string]bool)

	m.parties.Each(func(id ecs.EntityID, p *component.Party) {
		if _, live := m.partyIDs[p.ID]; !live {
			return
		}
		if m.shadows.Has(id) {
			shadowHeroes[p.HeroID] = true
			shadowClans[p.ClanID] = true
			return
		}
		rec := partyRecord{ID: p.ID, Name: p.Name, HeroID: p.HeroID, ClanID: p.ClanID, Size: p.Size, Speed: p.Speed}
		if pos, ok := m.positions.Get(id); ok {
			rec.X, rec.Y = pos.X, pos.Y
		}
		if t, ok := m.targets.Get(id); ok {
			tx, ty := t.X, t.Y
			rec.TargetX, rec.TargetY = &tx, &ty
		}
		if ai, ok := m.ai.Get(id); ok {
			rec.AI = ai.Enabled
		}
		snap.Parties = append(snap.Parties, rec)
	})
	m.heroes.Each(func(_ ecs.EntityID, h *component.Hero) {
		if _, live := m.heroIDs[h.ID]; !live || shadowHeroes[h.ID] {
			return
		}
		snap.Heroes = append(snap.Heroes, heroRecord{
			ID: h.ID, Name: h.Name, Culture: h.Culture, IsFemale: h.IsFemale, Age: h.Age,
			Appearance: h.Appearance, ClanID: h.ClanID, PartyID: h.PartyID,
		})
	})
	m.clans.Each(func(_ ecs.EntityID, c *component.Clan) {
		if _, live := m.clanIDs[c.ID]; !live {
			return
		}
		if c.Placeholder && shadowClans[c.ID] {
			return
		}
		snap.Clans = append(snap.Clans, clanRecord{ID: c.ID, Name: c.Name, KingdomID: c.KingdomID, Placeholder: c.Placeholder})
	})
	return marshalYAML(snap)
}

// LoadWorld replaces every non-shadow entity with the snapshot contents.
// Loaded heroes never become the local main hero; shadows survive, and a
// loaded id that collides with a shadow party id wins (the shadow manager
// re-creates its proxy under a derived id on the next update). Loaded hero
// and clan ids that collide with a kept shadow's hero or clan are given
// fresh ids, and every loaded reference follows the rename. Placeholder
// clans of the same faction are shared instead.
func (m *Memory) LoadWorld(raw []byte) error {
	var snap worldSnapshot
	if err := unmarshalYAML(raw, &snap); err != nil {
		return fmt.Errorf("load world: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("load world: unsupported version %d", snap.Version)
	}

	keepParty := make(map[string]bool)
	keepHero := make(map[string]bool)
	keepClan := make(map[string]bool)
	for pid, pe := range m.partyIDs {
		if !m.shadows.Has(pe) {
			continue
		}
		keepParty[pid] = true
		if p, ok := m.parties.Get(pe); ok {
			keepHero[p.HeroID] = true
			keepClan[p.ClanID] = true
		}
	}
	for _, p := range snap.Parties {
		if keepParty[p.ID] {
			_ = m.DestroyParty(p.ID)
			delete(keepParty, p.ID)
		}
	}
	for id, e := range m.partyIDs {
		if !keepParty[id] {
			delete(m.partyIDs, id)
			m.ecs.MarkForDestruction(e)
		}
	}
	for id, e := range m.heroIDs {
		if !keepHero[id] {
			delete(m.heroIDs, id)
			m.ecs.MarkForDestruction(e)
		}
	}
	for id, e := range m.clanIDs {
		if !keepClan[id] {
			delete(m.clanIDs, id)
			m.ecs.MarkForDestruction(e)
		}
	}
	m.ecs.FlushDestroyQueue()
	m.mainHero = ""
	if snap.NextID > m.nextID {
		m.nextID = snap.NextID
	}

	// 只剩影子實體；與其衝突的存檔 id 改名
	loaded := make(map[string]bool, len(snap.Clans)+len(snap.Heroes)+len(snap.Parties))
	for _, c := range snap.Clans {
		loaded[c.ID] = true
	}
	for _, h := range snap.Heroes {
		loaded[h.ID] = true
	}
	for _, p := range snap.Parties {
		loaded[p.ID] = true
	}
	clanID := make(map[string]string)
	shared := make(map[string]bool)
	for _, c := range snap.Clans {
		if !m.idTaken(c.ID) {
			continue
		}
		if ce, ok := m.clanIDs[c.ID]; ok && c.Placeholder {
			if kept, ok := m.clans.Get(ce); ok && kept.Placeholder {
				shared[c.ID] = true // 同名派系佔位氏族共用
				continue
			}
		}
		clanID[c.ID] = m.freshID("clan", loaded)
	}
	heroID := make(map[string]string)
	for _, h := range snap.Heroes {
		if m.idTaken(h.ID) {
			heroID[h.ID] = m.freshID("hero", loaded)
		}
	}
	renamed := func(table map[string]string, id string) string {
		if to, ok := table[id]; ok {
			return to
		}
		return id
	}
	if len(clanID)+len(heroID) > 0 {
		m.log.Info("存檔 id 與影子衝突，已改名", zap.Int("clans", len(clanID)), zap.Int("heroes", len(heroID)))
	}

	for _, c := range snap.Clans {
		if shared[c.ID] {
			continue
		}
		id := renamed(clanID, c.ID)
		e := m.ecs.CreateEntity()
		m.clans.Set(e, &component.Clan{ID: id, Name: c.Name, KingdomID: c.KingdomID, Placeholder: c.Placeholder})
		m.clanIDs[id] = e
	}
	for _, h := range snap.Heroes {
		id := renamed(heroID, h.ID)
		e := m.ecs.CreateEntity()
		m.heroes.Set(e, &component.Hero{
			ID: id, Name: h.Name, Culture: h.Culture, IsFemale: h.IsFemale, Age: h.Age,
			Appearance: h.Appearance, ClanID: renamed(clanID, h.ClanID), PartyID: h.PartyID,
		})
		m.heroIDs[id] = e
	}
	for _, p := range snap.Parties {
		e := m.ecs.CreateEntity()
		m.parties.Set(e, &component.Party{
			ID: p.ID, Name: p.Name, HeroID: renamed(heroID, p.HeroID), ClanID: renamed(clanID, p.ClanID),
			Size: p.Size, Speed: p.Speed,
		})
		m.positions.Set(e, &component.MapPosition{X: p.X, Y: p.Y})
		if p.TargetX != nil && p.TargetY != nil {
			m.targets.Set(e, &component.MoveTarget{X: *p.TargetX, Y: *p.TargetY})
		}
		m.ai.Set(e, &component.AIControl{Enabled: p.AI})
		m.partyIDs[p.ID] = e
	}
	m.SetTimeMultiplier(snap.TimeMultiplier)
	m.log.Info("世界存檔已載入",
		zap.Int("clans", len(snap.Clans)),
		zap.Int("heroes", len(snap.Heroes)),
		zap.Int("parties", len(snap.Parties)))
	return nil
}

// freshID allocates an id that is neither live nor reserved by the snapshot
// being loaded.
func (m *Memory) freshID(prefix string, reserved map[string]bool) string {
	for {
		id := m.allocID(prefix)
		if !reserved[id] {
			return id
		}
	}
}

func marshalYAML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshalYAML(raw []byte, v any) error {
	return yaml.Unmarshal(raw, v)
}
