// Package shadow maintains local proxy parties standing in for remote players.
package shadow

import (
	"errors"
	"fmt"
	"sort"

	"github.com/coopmap/server/internal/sim"
	"github.com/coopmap/server/internal/world"
	"go.uber.org/zap"
)

// DefaultFaction is the placeholder clan every shadow party belongs to.
const DefaultFaction = "coop_shadow"

// Simulation is the subset of the simulation shadows need.
type Simulation interface {
	sim.PartyControl
	sim.ShadowMarker
}

// Entity is one shadow party. LocalID is the source of truth once created;
// it differs from RequestedID after a collision.
type Entity struct {
	PlayerID    int
	LocalID     string
	RequestedID string
	Name        string
	Position    world.Vec2 // last applied, local frame
	Adopted     bool       // party existed before it became a shadow
}

// Transform maps a remote peer's coordinates into the local frame.
// The zero value is treated as identity.
type Transform struct {
	ScaleX, ScaleY   float32
	OffsetX, OffsetY float32
}

// Apply maps p into the local frame.
func (t Transform) Apply(p world.Vec2) world.Vec2 {
	sx, sy := t.ScaleX, t.ScaleY
	if sx == 0 {
		sx = 1
	}
	if sy == 0 {
		sy = 1
	}
	return world.Vec2{X: p.X*sx + t.OffsetX, Y: p.Y*sy + t.OffsetY}
}

// Manager owns the remote player → shadow party mapping. Game loop only.
type Manager struct {
	sim       Simulation
	faction   string
	transform Transform

	byPlayer map[int]*Entity
	byLocal  map[string]int

	log *zap.Logger
}

func NewManager(s Simulation, log *zap.Logger) *Manager {
	return &Manager{
		sim:      s,
		faction:  DefaultFaction,
		byPlayer: make(map[int]*Entity),
		byLocal:  make(map[string]int),
		log:      log,
	}
}

// SetTransform installs the coordinate transform applied to every position.
func (m *Manager) SetTransform(t Transform) {
	m.transform = t
}

// SetFaction overrides the placeholder clan id.
func (m *Manager) SetFaction(id string) {
	if id != "" {
		m.faction = id
	}
}

// Ensure returns the shadow for a remote player, creating it if needed.
// An empty desiredLocalID uses a generated id.
func (m *Manager) Ensure(remotePlayerID int, desiredLocalID string, x, y float32, displayName string) (*Entity, error) {
	if e, ok := m.byPlayer[remotePlayerID]; ok {
		if m.sim.PartyExists(e.LocalID) && m.sim.IsShadow(e.LocalID) {
			if displayName != "" {
				e.Name = displayName
			}
			return e, nil
		}
		// 本地實體已被替換（例如載入存檔），重建
		m.log.Warn("影子實體失效，重新建立",
			zap.Int("player", remotePlayerID),
			zap.String("local_id", e.LocalID))
		m.forget(remotePlayerID)
	}

	if desiredLocalID == "" {
		desiredLocalID = fmt.Sprintf("coop_player_%d", remotePlayerID)
	}
	pos := m.transform.Apply(world.Vec2{X: x, Y: y})
	name := displayName
	if name == "" {
		name = fmt.Sprintf("Player %d", remotePlayerID)
	}

	localID := desiredLocalID
	for attempt := 1; ; attempt++ {
		if !m.sim.PartyExists(localID) {
			id, err := m.sim.CreatePartyAt(sim.PartySpec{
				ID:      localID,
				Name:    name,
				Faction: m.faction,
				X:       pos.X,
				Y:       pos.Y,
			})
			if err == nil {
				localID = id
				break
			}
			if !errors.Is(err, sim.ErrIDInUse) {
				return nil, fmt.Errorf("create shadow for player %d: %w", remotePlayerID, err)
			}
		}
		if attempt > 32 {
			return nil, fmt.Errorf("create shadow for player %d: no free id near %q", remotePlayerID, desiredLocalID)
		}
		localID = derivedID(desiredLocalID, remotePlayerID, attempt)
	}

	if err := m.sim.MarkShadow(localID, remotePlayerID); err != nil {
		_ = m.sim.DestroyParty(localID)
		return nil, fmt.Errorf("mark shadow %s: %w", localID, err)
	}

	e := &Entity{
		PlayerID:    remotePlayerID,
		LocalID:     localID,
		RequestedID: desiredLocalID,
		Name:        name,
		Position:    pos,
	}
	m.byPlayer[remotePlayerID] = e
	m.byLocal[localID] = remotePlayerID

	if localID != desiredLocalID {
		m.log.Info("影子實體 ID 衝突，改用衍生 ID",
			zap.Int("player", remotePlayerID),
			zap.String("requested", desiredLocalID),
			zap.String("local_id", localID))
	} else {
		m.log.Debug("shadow created", zap.Int("player", remotePlayerID), zap.String("local_id", localID))
	}
	return e, nil
}

// Adopt turns an existing local party into the shadow of a remote player
// (host side: the party the host spawned for that player). A previous
// shadow of the same player is destroyed.
func (m *Manager) Adopt(remotePlayerID int, localID, displayName string) (*Entity, error) {
	if e, ok := m.byPlayer[remotePlayerID]; ok {
		if e.LocalID == localID {
			return e, nil
		}
		m.Remove(remotePlayerID)
	}
	if owner, taken := m.byLocal[localID]; taken {
		return nil, fmt.Errorf("adopt %s: already shadow of player %d", localID, owner)
	}
	pos, ok := m.sim.PartyPosition(localID)
	if !ok {
		return nil, fmt.Errorf("adopt %s: %w", localID, sim.ErrUnknownEntity)
	}
	if err := m.sim.MarkShadow(localID, remotePlayerID); err != nil {
		return nil, fmt.Errorf("mark shadow %s: %w", localID, err)
	}
	name := displayName
	if name == "" {
		name = fmt.Sprintf("Player %d", remotePlayerID)
	}
	e := &Entity{
		PlayerID:    remotePlayerID,
		LocalID:     localID,
		RequestedID: localID,
		Name:        name,
		Position:    pos,
		Adopted:     true,
	}
	m.byPlayer[remotePlayerID] = e
	m.byLocal[localID] = remotePlayerID
	m.log.Debug("shadow adopted", zap.Int("player", remotePlayerID), zap.String("local_id", localID))
	return e, nil
}

// derivedID builds the substitute id used after a collision:
// <desired>_shadow_<player>, then _2, _3 … on repeated collisions.
func derivedID(desired string, playerID, attempt int) string {
	base := fmt.Sprintf("%s_shadow_%d", desired, playerID)
	if attempt <= 1 {
		return base
	}
	return fmt.Sprintf("%s_%d", base, attempt)
}

// UpdatePosition moves a shadow, trying a direct position set first and a
// movement target second. It never panics or returns an error; the result
// reports whether any method succeeded.
func (m *Manager) UpdatePosition(e *Entity, x, y float32) (ok bool) {
	if e == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("影子位置更新 panic",
				zap.Int("player", e.PlayerID),
				zap.String("local_id", e.LocalID),
				zap.Any("panic", r))
			ok = false
		}
	}()

	pos := m.transform.Apply(world.Vec2{X: x, Y: y})
	err := m.sim.SetPosition(e.LocalID, pos.X, pos.Y)
	if err == nil {
		e.Position = pos
		return true
	}
	m.log.Debug("set position failed, falling back to move target",
		zap.String("local_id", e.LocalID), zap.Error(err))
	if err := m.sim.SetMoveTarget(e.LocalID, pos.X, pos.Y); err != nil {
		m.log.Debug("set move target failed", zap.String("local_id", e.LocalID), zap.Error(err))
		return false
	}
	e.Position = pos
	return true
}

// MoveTo gives a shadow a movement target instead of teleporting it
// (spectator commands). Errors are logged and reported as false.
func (m *Manager) MoveTo(e *Entity, x, y float32) bool {
	if e == nil {
		return false
	}
	pos := m.transform.Apply(world.Vec2{X: x, Y: y})
	if err := m.sim.SetMoveTarget(e.LocalID, pos.X, pos.Y); err != nil {
		m.log.Debug("shadow move target failed", zap.String("local_id", e.LocalID), zap.Error(err))
		return false
	}
	return true
}

// Remove drops the shadow of a remote player. Shadows created by Ensure are
// destroyed; adopted parties are released and stay parked on the map so the
// player can reclaim the character later. Returns false when the player had
// no shadow.
func (m *Manager) Remove(remotePlayerID int) bool {
	e, ok := m.byPlayer[remotePlayerID]
	if !ok {
		return false
	}
	m.forget(remotePlayerID)
	if e.Adopted {
		if err := m.sim.UnmarkShadow(e.LocalID); err != nil {
			m.log.Debug("release adopted shadow failed", zap.String("local_id", e.LocalID), zap.Error(err))
		}
		return true
	}
	if err := m.sim.DestroyParty(e.LocalID); err != nil {
		m.log.Debug("destroy shadow failed", zap.String("local_id", e.LocalID), zap.Error(err))
	}
	return true
}

// RemoveAll destroys every shadow.
func (m *Manager) RemoveAll() {
	for _, id := range m.playerIDs() {
		m.Remove(id)
	}
}

// Lookup returns the shadow of a remote player.
func (m *Manager) Lookup(remotePlayerID int) (*Entity, bool) {
	e, ok := m.byPlayer[remotePlayerID]
	return e, ok
}

// IsShadow reports whether a local party id belongs to a shadow.
func (m *Manager) IsShadow(localID string) bool {
	_, ok := m.byLocal[localID]
	return ok
}

// Entities returns copies of every shadow ordered by player id.
func (m *Manager) Entities() []Entity {
	out := make([]Entity, 0, len(m.byPlayer))
	for _, id := range m.playerIDs() {
		out = append(out, *m.byPlayer[id])
	}
	return out
}

// Count returns the number of shadows.
func (m *Manager) Count() int {
	return len(m.byPlayer)
}

func (m *Manager) forget(remotePlayerID int) {
	if e, ok := m.byPlayer[remotePlayerID]; ok {
		delete(m.byLocal, e.LocalID)
		delete(m.byPlayer, remotePlayerID)
	}
}

func (m *Manager) playerIDs() []int {
	ids := make([]int, 0, len(m.byPlayer))
	for id := range m.byPlayer {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
