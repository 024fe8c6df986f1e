package world

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Side is the half of a battle a player fights on.
type Side byte

const (
	Attacker Side = iota
	Defender
)

func (s Side) String() string {
	switch s {
	case Attacker:
		return "Attacker"
	case Defender:
		return "Defender"
	}
	return fmt.Sprintf("Side(%d)", s)
}

// BattleInstance is a shared engagement visible to several players.
type BattleInstance struct {
	BattleID          string
	InitiatorPlayerID int
	MapPosition       Vec2
	PlayerSides       map[int]Side
	StartedAt         time.Time
}

func (b *BattleInstance) clone() BattleInstance {
	cp := *b
	cp.PlayerSides = make(map[int]Side, len(b.PlayerSides))
	for k, v := range b.PlayerSides {
		cp.PlayerSides[k] = v
	}
	return cp
}

// Battles tracks active battle instances keyed by id, independent of player
// identity. Iteration follows creation order.
type Battles struct {
	mu      sync.RWMutex
	battles map[string]*BattleInstance
	order   []string

	newID func() string
	now   func() time.Time
}

func NewBattles() *Battles {
	return &Battles{
		battles: make(map[string]*BattleInstance),
		newID:   func() string { return uuid.NewString() },
		now:     time.Now,
	}
}

// CreateBattle registers a new battle with the initiator on the given side.
func (m *Battles) CreateBattle(initiatorID int, pos Vec2, side Side) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.newID()
	m.battles[id] = &BattleInstance{
		BattleID:          id,
		InitiatorPlayerID: initiatorID,
		MapPosition:       pos,
		PlayerSides:       map[int]Side{initiatorID: side},
		StartedAt:         m.now(),
	}
	m.order = append(m.order, id)
	return id
}

// Upsert installs a battle with a known id (client mirroring the host).
func (m *Battles) Upsert(b BattleInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := b.clone()
	if _, ok := m.battles[b.BattleID]; !ok {
		m.order = append(m.order, b.BattleID)
	}
	m.battles[b.BattleID] = &cp
}

// JoinBattle adds a player to a side. Returns false if the battle is unknown.
func (m *Battles) JoinBattle(battleID string, playerID int, side Side) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.battles[battleID]
	if !ok {
		return false
	}
	b.PlayerSides[playerID] = side
	return true
}

// LeaveBattle removes one player. A battle left with no players is pruned;
// the return value reports whether that happened.
func (m *Battles) LeaveBattle(battleID string, playerID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.battles[battleID]
	if !ok {
		return false
	}
	delete(b.PlayerSides, playerID)
	if len(b.PlayerSides) == 0 {
		m.deleteLocked(battleID)
		return true
	}
	return false
}

// EndBattle removes the battle and every player association, returning the
// players that were in it (ascending). Callers must clear CurrentBattleID on
// those players; State.EndBattle does both.
func (m *Battles) EndBattle(battleID string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.battles[battleID]
	if !ok {
		return nil
	}
	ids := make([]int, 0, len(b.PlayerSides))
	for id := range b.PlayerSides {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	m.deleteLocked(battleID)
	return ids
}

// FindBattleAtPosition returns the first battle, in creation order, whose
// position lies within radius of (x, y).
func (m *Battles) FindBattleAtPosition(x, y, radius float32) (BattleInstance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := Vec2{X: x, Y: y}
	r2 := radius * radius
	for _, id := range m.order {
		b := m.battles[id]
		if b.MapPosition.DistSq(p) <= r2 {
			return b.clone(), true
		}
	}
	return BattleInstance{}, false
}

// Get returns a copy of one battle.
func (m *Battles) Get(battleID string) (BattleInstance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.battles[battleID]
	if !ok {
		return BattleInstance{}, false
	}
	return b.clone(), true
}

// ActiveBattles returns a read-only snapshot in creation order.
func (m *Battles) ActiveBattles() []BattleInstance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]BattleInstance, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.battles[id].clone())
	}
	return out
}

// Len returns the number of active battles.
func (m *Battles) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

// ReplaceAll swaps every battle for the given set (full state sync).
func (m *Battles) ReplaceAll(battles []BattleInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.battles = make(map[string]*BattleInstance, len(battles))
	m.order = m.order[:0]
	for _, b := range battles {
		cp := b.clone()
		if _, dup := m.battles[b.BattleID]; !dup {
			m.order = append(m.order, b.BattleID)
		}
		m.battles[b.BattleID] = &cp
	}
}

// RemovePlayer drops the player from every battle, pruning battles that
// become empty. Returns the ids of the battles the player was in.
func (m *Battles) RemovePlayer(playerID int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var left []string
	for _, id := range append([]string(nil), m.order...) {
		b := m.battles[id]
		if _, ok := b.PlayerSides[playerID]; !ok {
			continue
		}
		delete(b.PlayerSides, playerID)
		left = append(left, id)
		if len(b.PlayerSides) == 0 {
			m.deleteLocked(id)
		}
	}
	return left
}

// PruneStale removes battles with no player sides and returns how many.
func (m *Battles) PruneStale() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range append([]string(nil), m.order...) {
		if len(m.battles[id].PlayerSides) == 0 {
			m.deleteLocked(id)
			n++
		}
	}
	return n
}

// Clear drops every battle.
func (m *Battles) Clear() {
	m.ReplaceAll(nil)
}

func (m *Battles) deleteLocked(id string) {
	delete(m.battles, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}
