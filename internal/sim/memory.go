package sim

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/coopmap/server/internal/component"
	"github.com/coopmap/server/internal/core/ecs"
	"github.com/coopmap/server/internal/data"
	"github.com/coopmap/server/internal/world"
	"go.uber.org/zap"
)

const (
	defaultPartySize  = 10
	defaultPartySpeed = 4.0
	arriveEpsilon     = 0.05
)

// Memory is the in-process reference simulation backed by the ECS world.
// Accessed only from the game loop goroutine.
type Memory struct {
	ecs *ecs.World

	heroes    *ecs.PtrComponentStore[component.Hero]
	clans     *ecs.PtrComponentStore[component.Clan]
	parties   *ecs.PtrComponentStore[component.Party]
	positions *ecs.PtrComponentStore[component.MapPosition]
	targets   *ecs.PtrComponentStore[component.MoveTarget]
	ai        *ecs.PtrComponentStore[component.AIControl]
	shadows   *ecs.PtrComponentStore[component.Shadow]

	// string id → entity
	heroIDs  map[string]ecs.EntityID
	clanIDs  map[string]ecs.EntityID
	partyIDs map[string]ecs.EntityID

	nextID     int
	mainHero   string
	timeMult   float32
	inDialogue bool
	inMission  bool

	tables *data.SpawnTables // nil = any culture accepted, no settlements
	log    *zap.Logger
}

// NewMemory creates an empty simulation. tables may be nil.
func NewMemory(tables *data.SpawnTables, log *zap.Logger) *Memory {
	w := ecs.NewWorld()
	m := &Memory{
		ecs:       w,
		heroes:    ecs.NewPtrComponentStore[component.Hero](),
		clans:     ecs.NewPtrComponentStore[component.Clan](),
		parties:   ecs.NewPtrComponentStore[component.Party](),
		positions: ecs.NewPtrComponentStore[component.MapPosition](),
		targets:   ecs.NewPtrComponentStore[component.MoveTarget](),
		ai:        ecs.NewPtrComponentStore[component.AIControl](),
		shadows:   ecs.NewPtrComponentStore[component.Shadow](),
		heroIDs:   make(map[string]ecs.EntityID),
		clanIDs:   make(map[string]ecs.EntityID),
		partyIDs:  make(map[string]ecs.EntityID),
		nextID:    1,
		timeMult:  1,
		tables:    tables,
		log:       log,
	}
	w.Track(m.heroes, m.clans, m.parties, m.positions, m.targets, m.ai, m.shadows)
	return m
}

func (m *Memory) allocID(prefix string) string {
	for {
		id := fmt.Sprintf("%s_%d", prefix, m.nextID)
		m.nextID++
		if !m.idTaken(id) {
			return id
		}
	}
}

func (m *Memory) idTaken(id string) bool {
	_, h := m.heroIDs[id]
	_, c := m.clanIDs[id]
	_, p := m.partyIDs[id]
	return h || c || p
}

// ---------- interaction state ----------

// SetDialogue toggles the local conversation state.
func (m *Memory) SetDialogue(active bool) { m.inDialogue = active }

// SetMission toggles the local mission (battle scene) state.
func (m *Memory) SetMission(active bool) { m.inMission = active }

func (m *Memory) IsBlockingUIActive() bool {
	return m.inDialogue || m.inMission
}

// ---------- clock ----------

func (m *Memory) TimeMultiplier() float32 { return m.timeMult }

func (m *Memory) SetTimeMultiplier(v float32) {
	if v < 0 || math.IsNaN(float64(v)) {
		v = 0
	}
	m.timeMult = v
}

// ---------- parties ----------

func (m *Memory) ensureClan(id, name string, placeholder bool) ecs.EntityID {
	if e, ok := m.clanIDs[id]; ok {
		return e
	}
	e := m.ecs.CreateEntity()
	m.clans.Set(e, &component.Clan{ID: id, Name: name, Placeholder: placeholder})
	m.clanIDs[id] = e
	return e
}

func (m *Memory) CreatePartyAt(spec PartySpec) (string, error) {
	if spec.Faction == "" {
		return "", ErrNoFaction
	}
	id := spec.ID
	if id == "" {
		id = m.allocID("party")
	} else if m.idTaken(id) {
		return "", fmt.Errorf("create party %s: %w", id, ErrIDInUse)
	}
	m.ensureClan(spec.Faction, spec.Faction, true)

	if spec.Size <= 0 {
		spec.Size = defaultPartySize
	}
	if spec.Speed <= 0 {
		spec.Speed = defaultPartySpeed
	}

	heroID := m.allocID("hero")
	he := m.ecs.CreateEntity()
	m.heroes.Set(he, &component.Hero{ID: heroID, Name: spec.Name, ClanID: spec.Faction, PartyID: id})
	m.heroIDs[heroID] = he

	pe := m.ecs.CreateEntity()
	m.parties.Set(pe, &component.Party{ID: id, Name: spec.Name, HeroID: heroID, ClanID: spec.Faction, Size: spec.Size, Speed: spec.Speed})
	m.positions.Set(pe, &component.MapPosition{X: spec.X, Y: spec.Y})
	m.ai.Set(pe, &component.AIControl{Enabled: true})
	m.partyIDs[id] = pe
	return id, nil
}

// DestroyParty removes a party and its leader hero, unless the leader is
// the local main hero. Components are released by the next Flush.
func (m *Memory) DestroyParty(partyID string) error {
	pe, ok := m.partyIDs[partyID]
	if !ok {
		return fmt.Errorf("destroy party %s: %w", partyID, ErrUnknownEntity)
	}
	p, _ := m.parties.Get(pe)
	if p != nil && p.HeroID != m.mainHero {
		if he, ok := m.heroIDs[p.HeroID]; ok {
			delete(m.heroIDs, p.HeroID)
			m.ecs.MarkForDestruction(he)
		}
	}
	delete(m.partyIDs, partyID)
	m.ecs.MarkForDestruction(pe)
	return nil
}

func (m *Memory) PartyExists(partyID string) bool {
	_, ok := m.partyIDs[partyID]
	return ok
}

func (m *Memory) PartyPosition(partyID string) (world.Vec2, bool) {
	pe, ok := m.partyIDs[partyID]
	if !ok {
		return world.Vec2{}, false
	}
	pos, ok := m.positions.Get(pe)
	if !ok {
		return world.Vec2{}, false
	}
	return world.Vec2{X: pos.X, Y: pos.Y}, true
}

func (m *Memory) SetPosition(partyID string, x, y float32) error {
	pe, ok := m.partyIDs[partyID]
	if !ok {
		return fmt.Errorf("set position %s: %w", partyID, ErrUnknownEntity)
	}
	m.positions.Set(pe, &component.MapPosition{X: x, Y: y})
	m.targets.Remove(pe)
	return nil
}

func (m *Memory) SetMoveTarget(partyID string, x, y float32) error {
	pe, ok := m.partyIDs[partyID]
	if !ok {
		return fmt.Errorf("set move target %s: %w", partyID, ErrUnknownEntity)
	}
	m.targets.Set(pe, &component.MoveTarget{X: x, Y: y})
	return nil
}

// ---------- shadows & encounters ----------

func (m *Memory) MarkShadow(partyID string, remotePlayerID int) error {
	pe, ok := m.partyIDs[partyID]
	if !ok {
		return fmt.Errorf("mark shadow %s: %w", partyID, ErrUnknownEntity)
	}
	m.shadows.Set(pe, &component.Shadow{RemotePlayerID: remotePlayerID, Protected: true})
	m.ai.Set(pe, &component.AIControl{Enabled: false})
	return nil
}

// UnmarkShadow releases a party from shadow duty. The party stays on the
// map, parked: no AI and no move target, until its owner reclaims it.
func (m *Memory) UnmarkShadow(partyID string) error {
	pe, ok := m.partyIDs[partyID]
	if !ok {
		return fmt.Errorf("unmark shadow %s: %w", partyID, ErrUnknownEntity)
	}
	m.shadows.Remove(pe)
	m.targets.Remove(pe)
	m.ai.Set(pe, &component.AIControl{Enabled: false})
	return nil
}

func (m *Memory) IsShadow(partyID string) bool {
	pe, ok := m.partyIDs[partyID]
	if !ok {
		return false
	}
	return m.shadows.Has(pe)
}

// AIEnabled reports whether the simulation drives the party's decisions.
func (m *Memory) AIEnabled(partyID string) bool {
	pe, ok := m.partyIDs[partyID]
	if !ok {
		return false
	}
	c, ok := m.ai.Get(pe)
	return ok && c.Enabled
}

func (m *Memory) CanStartEncounter(attackerPartyID, defenderPartyID string) error {
	for _, id := range []string{attackerPartyID, defenderPartyID} {
		pe, ok := m.partyIDs[id]
		if !ok {
			return fmt.Errorf("encounter %s: %w", id, ErrUnknownEntity)
		}
		if s, ok := m.shadows.Get(pe); ok && s.Protected {
			return fmt.Errorf("encounter %s: %w", id, ErrEncounterBlocked)
		}
	}
	return nil
}

func (m *Memory) StartEncounter(attackerPartyID, defenderPartyID string) error {
	if err := m.CanStartEncounter(attackerPartyID, defenderPartyID); err != nil {
		if errors.Is(err, ErrEncounterBlocked) {
			m.log.Debug("encounter blocked",
				zap.String("attacker", attackerPartyID),
				zap.String("defender", defenderPartyID))
		}
		return err
	}
	for _, id := range []string{attackerPartyID, defenderPartyID} {
		m.targets.Remove(m.partyIDs[id])
	}
	return nil
}

// ---------- heroes ----------

func (m *Memory) heroInfo(he ecs.EntityID) HeroInfo {
	h, _ := m.heroes.Get(he)
	info := HeroInfo{
		HeroID:     h.ID,
		ClanID:     h.ClanID,
		PartyID:    h.PartyID,
		Name:       h.Name,
		Culture:    h.Culture,
		Appearance: h.Appearance,
	}
	if ce, ok := m.clanIDs[h.ClanID]; ok {
		if c, ok := m.clans.Get(ce); ok {
			info.KingdomID = c.KingdomID
		}
	}
	if pe, ok := m.partyIDs[h.PartyID]; ok {
		if p, ok := m.parties.Get(pe); ok {
			info.PartySize = p.Size
			info.PartySpeed = p.Speed
		}
		if pos, ok := m.positions.Get(pe); ok {
			info.Position = world.Vec2{X: pos.X, Y: pos.Y}
		}
	}
	return info
}

func (m *Memory) MainHero() (HeroInfo, bool) {
	if m.mainHero == "" {
		return HeroInfo{}, false
	}
	return m.Hero(m.mainHero)
}

func (m *Memory) Hero(heroID string) (HeroInfo, bool) {
	he, ok := m.heroIDs[heroID]
	if !ok {
		return HeroInfo{}, false
	}
	return m.heroInfo(he), true
}

func (m *Memory) HeroExists(heroID string) bool {
	_, ok := m.heroIDs[heroID]
	return ok
}

func (m *Memory) CultureKnown(culture string) bool {
	if m.tables == nil {
		return culture != ""
	}
	return m.tables.Cultures.Get(culture) != nil
}

func (m *Memory) Settlements(culture string) []Settlement {
	if m.tables == nil {
		return nil
	}
	entries := m.tables.Settlements.ByCulture(culture)
	out := make([]Settlement, 0, len(entries))
	for _, e := range entries {
		out = append(out, Settlement{ID: e.ID, Culture: e.Culture, Kind: string(e.Kind), Weight: e.Weight, X: e.X, Y: e.Y})
	}
	return out
}

// CreateCharacter spawns a hero with its own clan and party.
func (m *Memory) CreateCharacter(spec CharacterSpec) (HeroInfo, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return HeroInfo{}, errors.New("create character: empty name")
	}
	if !m.CultureKnown(spec.Culture) {
		return HeroInfo{}, fmt.Errorf("create character: unknown culture %q", spec.Culture)
	}
	if spec.Main && m.mainHero != "" {
		return HeroInfo{}, fmt.Errorf("create character: main hero %s already exists", m.mainHero)
	}
	if spec.Age <= 0 && m.tables != nil {
		spec.Age = m.tables.Cultures.Get(spec.Culture).DefaultAge
	}
	if spec.Appearance == "" && m.tables != nil {
		spec.Appearance = m.tables.Cultures.Get(spec.Culture).Appearance
	}

	clanID := m.allocID("clan")
	m.ensureClan(clanID, name+"'s clan", false)
	partyID, err := m.CreatePartyAt(PartySpec{Name: name, Faction: clanID, X: spec.X, Y: spec.Y})
	if err != nil {
		return HeroInfo{}, fmt.Errorf("create character: %w", err)
	}
	pe := m.partyIDs[partyID]
	p, _ := m.parties.Get(pe)
	h, _ := m.heroes.Get(m.heroIDs[p.HeroID])
	h.Culture = spec.Culture
	h.IsFemale = spec.IsFemale
	h.Age = spec.Age
	h.Appearance = spec.Appearance
	if spec.Main {
		h.IsMain = true
		m.mainHero = h.ID
		m.ai.Set(pe, &component.AIControl{Enabled: false})
	}
	return m.heroInfo(m.heroIDs[h.ID]), nil
}

type heroExport struct {
	Name       string  `yaml:"name"`
	Culture    string  `yaml:"culture"`
	IsFemale   bool    `yaml:"is_female"`
	Age        int     `yaml:"age"`
	Appearance string  `yaml:"appearance"`
	PartySize  int     `yaml:"party_size"`
	PartySpeed float32 `yaml:"party_speed"`
}

// ExportHero serializes a hero so another peer can spawn a copy.
func (m *Memory) ExportHero(heroID string) ([]byte, error) {
	he, ok := m.heroIDs[heroID]
	if !ok {
		return nil, fmt.Errorf("export hero %s: %w", heroID, ErrUnknownEntity)
	}
	h, _ := m.heroes.Get(he)
	info := m.heroInfo(he)
	return marshalYAML(heroExport{
		Name:       h.Name,
		Culture:    h.Culture,
		IsFemale:   h.IsFemale,
		Age:        h.Age,
		Appearance: h.Appearance,
		PartySize:  info.PartySize,
		PartySpeed: info.PartySpeed,
	})
}

// SpawnFromExport creates a new hero from ExportHero output.
func (m *Memory) SpawnFromExport(raw []byte, x, y float32) (HeroInfo, error) {
	var ex heroExport
	if err := unmarshalYAML(raw, &ex); err != nil {
		return HeroInfo{}, fmt.Errorf("spawn from export: %w", err)
	}
	info, err := m.CreateCharacter(CharacterSpec{
		Name:       ex.Name,
		Culture:    ex.Culture,
		IsFemale:   ex.IsFemale,
		Age:        ex.Age,
		Appearance: ex.Appearance,
		X:          x,
		Y:          y,
	})
	if err != nil {
		return HeroInfo{}, fmt.Errorf("spawn from export: %w", err)
	}
	if pe, ok := m.partyIDs[info.PartyID]; ok {
		if p, ok := m.parties.Get(pe); ok {
			if ex.PartySize > 0 {
				p.Size = ex.PartySize
			}
			if ex.PartySpeed > 0 {
				p.Speed = ex.PartySpeed
			}
		}
	}
	return m.heroInfo(m.heroIDs[info.HeroID]), nil
}

// ---------- tick ----------

// Tick advances parties toward their move targets.
func (m *Memory) Tick(dt time.Duration) {
	step := float32(dt.Seconds()) * m.timeMult
	if step <= 0 {
		return
	}
	ecs.Each2(m.targets, m.positions, func(id ecs.EntityID, tgt *component.MoveTarget, pos *component.MapPosition) {
		speed := float32(defaultPartySpeed)
		if p, ok := m.parties.Get(id); ok && p.Speed > 0 {
			speed = p.Speed
		}
		dx, dy := tgt.X-pos.X, tgt.Y-pos.Y
		dist := float32(math.Hypot(float64(dx), float64(dy)))
		move := speed * step
		if dist <= move || dist < arriveEpsilon {
			pos.X, pos.Y = tgt.X, tgt.Y
			m.targets.Remove(id)
			return
		}
		pos.X += dx / dist * move
		pos.Y += dy / dist * move
	})
}

// Flush releases components of destroyed entities.
func (m *Memory) Flush() int {
	return m.ecs.FlushDestroyQueue()
}

// EntityCount returns the number of live ECS entities across heroes, clans
// and parties.
func (m *Memory) EntityCount() int {
	return m.ecs.Len()
}

// PartyCount returns the number of live parties, shadows included.
func (m *Memory) PartyCount() int {
	return len(m.partyIDs)
}
