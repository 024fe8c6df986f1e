package world

import (
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// PlayerRegistry maps network identity to player records. It is the source
// of truth for who is in the session, on both host and client.
//
// Writes come from the game loop; the admin API reads concurrently, so every
// accessor returns copies (snapshot-on-read).
type PlayerRegistry struct {
	mu      sync.RWMutex
	players map[int]*Player
	byPeer  map[uint64]int
	nextID  int // next NetworkID handed out, never decreases
	localID int // this peer's own NetworkID, -1 until known
}

func NewPlayerRegistry() *PlayerRegistry {
	return &PlayerRegistry{
		players: make(map[int]*Player),
		byPeer:  make(map[uint64]int),
		nextID:  HostNetworkID + 1,
		localID: -1,
	}
}

// NextNetworkID reserves the next id. Ids are strictly increasing and never
// reused for the lifetime of the registry, including across Clear.
func (r *PlayerRegistry) NextNetworkID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	return id
}

// Add inserts or replaces a player record.
func (r *PlayerRegistry) Add(p Player) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.players[p.NetworkID]; ok && old.PeerID != 0 {
		delete(r.byPeer, old.PeerID)
	}
	cp := p
	r.players[p.NetworkID] = &cp
	if p.PeerID != 0 {
		r.byPeer[p.PeerID] = p.NetworkID
	}
	if p.NetworkID >= r.nextID {
		r.nextID = p.NetworkID + 1
	}
}

// Get returns a copy of the player record.
func (r *PlayerRegistry) Get(id int) (Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.players[id]
	if !ok {
		return Player{}, false
	}
	return *p, true
}

// GetByPeer resolves a transport connection to its player.
func (r *PlayerRegistry) GetByPeer(peerID uint64) (Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPeer[peerID]
	if !ok {
		return Player{}, false
	}
	return *r.players[id], true
}

// NameKey returns the comparison key for a player name: NFKC normalized,
// case folded, inner whitespace collapsed. "Ａlice  Smith" and "alice smith"
// share a key.
func NameKey(name string) string {
	n := norm.NFKC.String(name)
	n = strings.Join(strings.Fields(n), " ")
	return cases.Fold().String(n)
}

// FindByName looks up an online player by NameKey, the same key the
// character mapping uses.
func (r *PlayerRegistry) FindByName(name string) (Player, bool) {
	key := NameKey(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.players {
		if NameKey(p.Name) == key {
			return *p, true
		}
	}
	return Player{}, false
}

// FindByParty returns the player whose local party id matches.
func (r *PlayerRegistry) FindByParty(partyID string) (Player, bool) {
	if partyID == "" {
		return Player{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.players {
		if p.PartyID == partyID || p.ShadowPartyID == partyID {
			return *p, true
		}
	}
	return Player{}, false
}

// Update applies fn to the stored record under the write lock. Returns false
// if the player is unknown. fn must not change NetworkID or PeerID.
func (r *PlayerRegistry) Update(id int, fn func(p *Player)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[id]
	if !ok {
		return false
	}
	netID, peer := p.NetworkID, p.PeerID
	fn(p)
	p.NetworkID, p.PeerID = netID, peer
	return true
}

// Remove deletes a player and returns the removed record.
func (r *PlayerRegistry) Remove(id int) (Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[id]
	if !ok {
		return Player{}, false
	}
	delete(r.players, id)
	if p.PeerID != 0 {
		delete(r.byPeer, p.PeerID)
	}
	return *p, true
}

// All returns every player ordered by NetworkID.
func (r *PlayerRegistry) All() []Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Player, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NetworkID < out[j].NetworkID })
	return out
}

// Count returns the number of registered players, host included.
func (r *PlayerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}

// ReplaceAll swaps the roster for the given one (client side, on join and
// full state sync). The id counter still only moves forward.
func (r *PlayerRegistry) ReplaceAll(players []Player) {
	r.mu.Lock()
	r.players = make(map[int]*Player, len(players))
	r.byPeer = make(map[uint64]int)
	r.mu.Unlock()
	for _, p := range players {
		r.Add(p)
	}
}

// Clear drops every player and forgets the local id.
func (r *PlayerRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.players = make(map[int]*Player)
	r.byPeer = make(map[uint64]int)
	r.localID = -1
}

// SetLocalID records which NetworkID belongs to this peer.
func (r *PlayerRegistry) SetLocalID(id int) {
	r.mu.Lock()
	r.localID = id
	r.mu.Unlock()
}

// LocalID returns this peer's NetworkID, or -1 when not joined.
func (r *PlayerRegistry) LocalID() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localID
}

// Local returns this peer's own record.
func (r *PlayerRegistry) Local() (Player, bool) {
	id := r.LocalID()
	if id < 0 {
		return Player{}, false
	}
	return r.Get(id)
}
