package ecs

import "sort"

// Removable lets a World strip a destroyed entity from a store without
// knowing the component type.
type Removable interface {
	Remove(id EntityID)
}

// PtrComponentStore maps entities to one component type. Iteration is in
// ascending entity order so simulation ticks and world snapshots come out
// the same on every run.
type PtrComponentStore[T any] struct {
	data map[EntityID]*T
}

func NewPtrComponentStore[T any]() *PtrComponentStore[T] {
	return &PtrComponentStore[T]{data: make(map[EntityID]*T, 64)}
}

func (s *PtrComponentStore[T]) Set(id EntityID, c *T) { s.data[id] = c }
func (s *PtrComponentStore[T]) Remove(id EntityID)    { delete(s.data, id) }
func (s *PtrComponentStore[T]) Len() int              { return len(s.data) }

func (s *PtrComponentStore[T]) Get(id EntityID) (*T, bool) {
	c, ok := s.data[id]
	return c, ok
}

func (s *PtrComponentStore[T]) Has(id EntityID) bool {
	_, ok := s.data[id]
	return ok
}

func (s *PtrComponentStore[T]) Each(fn func(EntityID, *T)) {
	for _, id := range s.IDs() {
		fn(id, s.data[id])
	}
}

// IDs returns the entities holding this component, ascending.
func (s *PtrComponentStore[T]) IDs() []EntityID {
	return sortedKeys(s.data)
}

// Each2 visits entities present in both stores, ascending. fn may remove
// the current entity from either store.
func Each2[A, B any](sa *PtrComponentStore[A], sb *PtrComponentStore[B], fn func(EntityID, *A, *B)) {
	ids := sa.IDs()
	if sb.Len() < sa.Len() {
		ids = sb.IDs()
	}
	for _, id := range ids {
		a, okA := sa.data[id]
		b, okB := sb.data[id]
		if okA && okB {
			fn(id, a, b)
		}
	}
}

func sortedKeys[T any](m map[EntityID]*T) []EntityID {
	ids := make([]EntityID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
