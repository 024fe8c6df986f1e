package session

import (
	"fmt"
	"hash/fnv"

	"github.com/coopmap/server/internal/persist"
	"github.com/coopmap/server/internal/protocol"
	"github.com/coopmap/server/internal/scripting"
	"github.com/coopmap/server/internal/sim"
	"github.com/coopmap/server/internal/world"
	"go.uber.org/zap"
)

// onboardKind is how a joining player got (or will get) a character.
type onboardKind int

const (
	onboardCreation onboardKind = iota // interactive creation required
	onboardImported                    // spawned from exported character data
	onboardReclaimed                   // persisted mapping reclaimed
)

func (k onboardKind) String() string {
	switch k {
	case onboardImported:
		return "imported"
	case onboardReclaimed:
		return "reclaimed"
	}
	return "creation"
}

type stepStatus int

const (
	stepSkipped   stepStatus = iota // not applicable to this request
	stepSucceeded                   // character available
	stepFailed                      // applicable but failed; try the next step
)

type stepResult struct {
	status stepStatus
	hero   sim.HeroInfo
	err    error
}

func skipped() stepResult { return stepResult{status: stepSkipped} }

func failedStep(err error) stepResult { return stepResult{status: stepFailed, err: err} }

func succeeded(h sim.HeroInfo) stepResult { return stepResult{status: stepSucceeded, hero: h} }

type onboardStep struct {
	kind onboardKind
	run  func(req *protocol.JoinRequest, name string) stepResult
}

type onboarding struct {
	kind onboardKind
	hero sim.HeroInfo
}

// onboard runs the strategies in order until one yields a character.
// Exactly one path wins; when every step is skipped or fails the player
// has to create a character.
func (m *Manager) onboard(req *protocol.JoinRequest, name string) onboarding {
	steps := []onboardStep{
		{kind: onboardImported, run: m.importCharacter},
		{kind: onboardReclaimed, run: m.reclaimCharacter},
	}
	for _, step := range steps {
		res := step.run(req, name)
		switch res.status {
		case stepSucceeded:
			return onboarding{kind: step.kind, hero: res.hero}
		case stepFailed:
			m.log.Warn("角色載入步驟失敗，改試下一步",
				zap.String("player", name),
				zap.String("step", step.kind.String()),
				zap.Error(res.err))
		}
	}
	return onboarding{kind: onboardCreation}
}

func (m *Manager) importCharacter(req *protocol.JoinRequest, name string) stepResult {
	if len(req.CharacterData) == 0 {
		return skipped()
	}
	start := m.fallbackSpawn()
	hero, err := m.sim.SpawnFromExport(req.CharacterData, start.X, start.Y)
	if err != nil {
		return failedStep(err)
	}
	// 依文化重新安排出生點
	if pos, ok := m.planSpawn(name, hero.Culture, false); ok {
		if err := m.sim.SetPosition(hero.PartyID, pos.X, pos.Y); err == nil {
			hero.Position = pos
		}
	}
	m.rememberCharacter(name, hero)
	return succeeded(hero)
}

func (m *Manager) reclaimCharacter(req *protocol.JoinRequest, name string) stepResult {
	if m.store == nil || !req.HasExistingCharacter {
		return skipped()
	}
	ctx, cancel := m.storeCtx()
	defer cancel()
	rec, err := m.store.Find(ctx, name)
	if err != nil {
		return failedStep(fmt.Errorf("find mapping: %w", err))
	}
	if rec == nil {
		return skipped()
	}
	hero, ok := m.sim.Hero(rec.HeroID)
	if !ok {
		return failedStep(fmt.Errorf("mapped hero %s: %w", rec.HeroID, sim.ErrUnknownEntity))
	}
	if other, taken := m.world.Players.FindByParty(hero.PartyID); taken {
		return failedStep(fmt.Errorf("party %s already used by player %d", hero.PartyID, other.NetworkID))
	}
	return succeeded(hero)
}

// createCharacter spawns a hero for a player who went through manual
// creation and records the mapping.
func (m *Manager) createCharacter(p world.Player, sub *protocol.CharacterCreation) (sim.HeroInfo, error) {
	name := p.Name
	if !m.sim.CultureKnown(sub.Culture) {
		return sim.HeroInfo{}, fmt.Errorf("unknown culture %q", sub.Culture)
	}
	pos, ok := m.planSpawn(name, sub.Culture, sub.IsFemale)
	if !ok {
		pos = m.fallbackSpawn()
	}
	hero, err := m.sim.CreateCharacter(sim.CharacterSpec{
		Name:       name,
		Culture:    sub.Culture,
		IsFemale:   sub.IsFemale,
		Age:        sub.Age,
		Appearance: sub.Appearance,
		X:          pos.X,
		Y:          pos.Y,
	})
	if err != nil {
		return sim.HeroInfo{}, err
	}
	m.rememberCharacter(name, hero)
	return hero, nil
}

func (m *Manager) rememberCharacter(name string, hero sim.HeroInfo) {
	if m.store == nil {
		return
	}
	ctx, cancel := m.storeCtx()
	defer cancel()
	if err := m.store.Register(ctx, name, hero.HeroID, hero.ClanID, hero.PartyID); err != nil {
		m.log.Warn("角色對應寫入失敗", zap.String("player", name), zap.Error(err))
	}
}

// planSpawn picks a settlement of the culture through the placement script.
// ok is false when the culture has no settlements.
func (m *Manager) planSpawn(name, culture string, female bool) (world.Vec2, bool) {
	settlements := m.sim.Settlements(culture)
	if len(settlements) == 0 {
		return world.Vec2{}, false
	}
	cands := make([]scripting.SpawnCandidate, 0, len(settlements))
	for _, s := range settlements {
		cands = append(cands, scripting.SpawnCandidate{ID: s.ID, Kind: s.Kind, Weight: s.Weight, X: s.X, Y: s.Y})
	}

	choice := scripting.SpawnChoice{}
	if m.scripts != nil {
		c, ok := m.scripts.SelectSpawn(scripting.SpawnContext{
			Name:       name,
			Culture:    culture,
			IsFemale:   female,
			Seed:       spawnSeed(name),
			Candidates: cands,
		})
		if !ok {
			return world.Vec2{}, false
		}
		choice = c
	}
	c := cands[choice.Index]
	m.log.Debug("spawn planned",
		zap.String("player", name),
		zap.String("settlement", c.ID),
		zap.Float32("dx", choice.DX),
		zap.Float32("dy", choice.DY))
	return world.Vec2{X: c.X + choice.DX, Y: c.Y + choice.DY}, true
}

// fallbackSpawn is used when no settlement fits: next to the host's hero.
func (m *Manager) fallbackSpawn() world.Vec2 {
	if h, ok := m.sim.MainHero(); ok {
		return h.Position
	}
	return world.Vec2{}
}

// spawnSeed is stable per normalized player name so a player spawns at the
// same settlement across sessions.
func spawnSeed(name string) int {
	h := fnv.New32a()
	h.Write([]byte(persist.NormalizeName(name)))
	return int(h.Sum32() & 0x7fffffff)
}
