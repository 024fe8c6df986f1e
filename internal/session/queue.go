package session

import (
	"time"

	"github.com/coopmap/server/internal/protocol"
)

type pendingJoin struct {
	peerID   uint64
	req      *protocol.JoinRequest
	queuedAt time.Time
}

// joinQueue is the FIFO of joins waiting for the host to become free.
type joinQueue struct {
	items []pendingJoin
}

func (q *joinQueue) push(p pendingJoin) {
	q.items = append(q.items, p)
}

func (q *joinQueue) pop() (pendingJoin, bool) {
	if len(q.items) == 0 {
		return pendingJoin{}, false
	}
	p := q.items[0]
	q.items[0] = pendingJoin{}
	q.items = q.items[1:]
	return p, true
}

func (q *joinQueue) has(peerID uint64) bool {
	for _, p := range q.items {
		if p.peerID == peerID {
			return true
		}
	}
	return false
}

// remove drops every entry of a peer and reports whether any existed.
func (q *joinQueue) remove(peerID uint64) bool {
	kept := q.items[:0]
	removed := false
	for _, p := range q.items {
		if p.peerID == peerID {
			removed = true
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = pendingJoin{}
	}
	q.items = kept
	return removed
}

func (q *joinQueue) len() int { return len(q.items) }
