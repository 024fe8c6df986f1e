package net

import (
	"sort"

	"github.com/coopmap/server/internal/net/packet"
)

// SessionStore indexes live sessions by ID. Game loop only.
//
// It is also the transport seen by the session layer: SendTo/Broadcast
// buffer messages on sessions, flushed once per tick by OutputSystem.
type SessionStore struct {
	sessions map[uint64]*Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[uint64]*Session)}
}

func (st *SessionStore) Add(s *Session) {
	st.sessions[s.ID] = s
}

func (st *SessionStore) Remove(id uint64) {
	delete(st.sessions, id)
}

func (st *SessionStore) Get(id uint64) *Session {
	return st.sessions[id]
}

func (st *SessionStore) Len() int {
	return len(st.sessions)
}

// Raw exposes the underlying map for the input drain loop.
func (st *SessionStore) Raw() map[uint64]*Session {
	return st.sessions
}

// ForEach visits sessions in ascending ID order.
func (st *SessionStore) ForEach(fn func(*Session)) {
	ids := make([]uint64, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fn(st.sessions[id])
	}
}

// SendTo buffers data for one peer. Unknown peers are ignored.
func (st *SessionStore) SendTo(peerID uint64, data []byte) {
	if s := st.sessions[peerID]; s != nil {
		s.Send(data)
	}
}

// Broadcast buffers data for every peer that has at least joined, except
// the excluded peer (0 excludes nobody; session IDs start at 1).
func (st *SessionStore) Broadcast(data []byte, except uint64) {
	st.ForEach(func(s *Session) {
		if s.ID == except {
			return
		}
		switch s.State() {
		case packet.StateJoined, packet.StateInSession:
			s.Send(data)
		}
	})
}

// SetPeerState moves a peer to a new protocol phase.
func (st *SessionStore) SetPeerState(peerID uint64, state packet.SessionState) {
	if s := st.sessions[peerID]; s != nil {
		s.SetState(state)
	}
}

// PeerState returns the peer's protocol phase; unknown peers report
// StateDisconnecting.
func (st *SessionStore) PeerState(peerID uint64) packet.SessionState {
	if s := st.sessions[peerID]; s != nil {
		return s.State()
	}
	return packet.StateDisconnecting
}

// SetPeerName tags the session with the accepted player's name for logs.
func (st *SessionStore) SetPeerName(peerID uint64, name string) {
	if s := st.sessions[peerID]; s != nil {
		s.PlayerName = name
	}
}

// Disconnect closes the peer after its pending output has been written.
func (st *SessionStore) Disconnect(peerID uint64) {
	if s := st.sessions[peerID]; s != nil {
		s.CloseAfterFlush()
	}
}
