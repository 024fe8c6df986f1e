package ecs

// World is the entity container behind the reference simulation: heroes,
// clans and parties are entities, their data lives in tracked stores.
// Destruction is deferred until the cleanup phase flushes the queue.
// Only the game loop goroutine touches a World.
type World struct {
	slots  slots
	stores []Removable
	doomed []EntityID
}

func NewWorld() *World {
	return &World{
		stores: make([]Removable, 0, 8),
		doomed: make([]EntityID, 0, 32),
	}
}

// Track adds stores whose entries are dropped when an entity is destroyed.
func (w *World) Track(stores ...Removable) {
	w.stores = append(w.stores, stores...)
}

func (w *World) CreateEntity() EntityID {
	return w.slots.alloc()
}

func (w *World) Alive(id EntityID) bool {
	return w.slots.alive(id)
}

// Len returns the number of live entities, including ones queued for
// destruction but not yet flushed.
func (w *World) Len() int {
	return w.slots.live
}

// MarkForDestruction queues id for the next flush. Queuing an id twice, or
// a stale id, is harmless.
func (w *World) MarkForDestruction(id EntityID) {
	w.doomed = append(w.doomed, id)
}

func (w *World) PendingDestruction() int {
	return len(w.doomed)
}

// FlushDestroyQueue releases every queued entity and strips it from all
// tracked stores. Returns how many entities were actually released.
func (w *World) FlushDestroyQueue() int {
	n := 0
	for _, id := range w.doomed {
		if !w.slots.release(id) {
			continue
		}
		for _, s := range w.stores {
			s.Remove(id)
		}
		n++
	}
	w.doomed = w.doomed[:0]
	return n
}
