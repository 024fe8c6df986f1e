package ecs

// EntityID packs a slot number (low 32 bits) with the slot's generation
// (high 32 bits). Releasing a slot bumps its generation, so ids held by a
// stale party or hero lookup stop resolving instead of aliasing a new entity.
type EntityID uint64

func makeID(slot, gen uint32) EntityID {
	return EntityID(uint64(gen)<<32 | uint64(slot))
}

func (id EntityID) Slot() uint32 { return uint32(id) }
func (id EntityID) Gen() uint32  { return uint32(id >> 32) }

// slots hands out entity ids. Freed slots are reused most-recent first.
type slots struct {
	gen  []uint32
	free []uint32
	live int
}

func (s *slots) alloc() EntityID {
	s.live++
	if n := len(s.free); n > 0 {
		slot := s.free[n-1]
		s.free = s.free[:n-1]
		return makeID(slot, s.gen[slot])
	}
	s.gen = append(s.gen, 0)
	return makeID(uint32(len(s.gen)-1), 0)
}

func (s *slots) alive(id EntityID) bool {
	slot := id.Slot()
	return int(slot) < len(s.gen) && s.gen[slot] == id.Gen()
}

// release reports false when id was already released.
func (s *slots) release(id EntityID) bool {
	if !s.alive(id) {
		return false
	}
	s.gen[id.Slot()]++
	s.free = append(s.free, id.Slot())
	s.live--
	return true
}
