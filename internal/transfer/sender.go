package transfer

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/coopmap/server/internal/config"
	"github.com/coopmap/server/internal/protocol"
	"go.uber.org/zap"
)

// ErrNoSource is returned when the host has no world to save.
var ErrNoSource = errors.New("transfer: no world source")

// Outbox buffers a message for one peer.
type Outbox interface {
	SendTo(peerID uint64, data []byte)
}

// Source produces the snapshot blob.
type Source interface {
	SaveWorld() ([]byte, error)
}

type outgoing struct {
	peerID    uint64
	name      string
	data      []byte
	checksum  string
	total     int
	next      int
	startedAt time.Time
}

// Sender is the host side of the channel. At most one transfer per peer is
// in flight; Pump advances every transfer by a bounded number of chunks.
// Game loop only.
type Sender struct {
	chunkSize int
	paceEvery int
	saveName  string

	out     Outbox
	src     Source
	pending map[uint64]*outgoing
	log     *zap.Logger
}

func NewSender(cfg config.TransferConfig, out Outbox, src Source, log *zap.Logger) *Sender {
	s := &Sender{
		chunkSize: cfg.ChunkSize,
		paceEvery: cfg.PaceEvery,
		saveName:  cfg.SaveName,
		out:       out,
		src:       src,
		pending:   make(map[uint64]*outgoing),
		log:       log,
	}
	if s.chunkSize <= 0 {
		s.chunkSize = 16 * 1024
	}
	if s.paceEvery <= 0 {
		s.paceEvery = 10
	}
	if s.saveName == "" {
		s.saveName = "coop_world.sav"
	}
	return s
}

// HandleRequest saves the world and opens a transfer to peerID. A request
// while a transfer to the same peer is pending is a no-op and reports false.
func (s *Sender) HandleRequest(peerID uint64) (bool, error) {
	if _, busy := s.pending[peerID]; busy {
		s.log.Debug("save transfer already pending", zap.Uint64("peer", peerID))
		return false, nil
	}
	if s.src == nil {
		return false, ErrNoSource
	}
	data, err := s.src.SaveWorld()
	if err != nil {
		return false, fmt.Errorf("save world: %w", err)
	}

	t := &outgoing{
		peerID:    peerID,
		name:      s.saveName,
		data:      data,
		checksum:  Checksum(data),
		total:     ChunkCount(len(data), s.chunkSize),
		startedAt: time.Now(),
	}
	s.pending[peerID] = t
	start := &protocol.SaveFileStart{
		Name:        t.name,
		TotalSize:   int64(len(data)),
		TotalChunks: t.total,
		Checksum:    t.checksum,
	}
	s.out.SendTo(peerID, start.Marshal())
	s.log.Info("開始傳送世界存檔",
		zap.Uint64("peer", peerID),
		zap.Int("bytes", len(data)),
		zap.Int("chunks", t.total),
		zap.String("checksum", t.checksum))
	return true, nil
}

// Pump sends up to paceEvery chunks per pending transfer and closes the
// transfers that are done. Returns the number of chunks sent.
func (s *Sender) Pump() int {
	sent := 0
	for _, peerID := range s.peerIDs() {
		t := s.pending[peerID]
		for i := 0; i < s.paceEvery && t.next < t.total; i++ {
			lo := t.next * s.chunkSize
			hi := lo + s.chunkSize
			if hi > len(t.data) {
				hi = len(t.data)
			}
			chunk := &protocol.SaveFileChunk{Index: t.next, Data: t.data[lo:hi]}
			s.out.SendTo(peerID, chunk.Marshal())
			t.next++
			sent++
		}
		if t.next >= t.total {
			done := &protocol.SaveFileComplete{Name: t.name, Checksum: t.checksum}
			s.out.SendTo(peerID, done.Marshal())
			delete(s.pending, peerID)
			s.log.Debug("save transfer sent",
				zap.Uint64("peer", peerID),
				zap.Duration("elapsed", time.Since(t.startedAt)))
		}
	}
	return sent
}

// Cancel drops the pending transfer of a peer.
func (s *Sender) Cancel(peerID uint64) bool {
	if _, ok := s.pending[peerID]; !ok {
		return false
	}
	delete(s.pending, peerID)
	s.log.Info("存檔傳送已取消", zap.Uint64("peer", peerID))
	return true
}

// Pending reports whether a transfer to peerID is in flight.
func (s *Sender) Pending(peerID uint64) bool {
	_, ok := s.pending[peerID]
	return ok
}

// Active returns the number of in-flight transfers.
func (s *Sender) Active() int {
	return len(s.pending)
}

// HandleReceived logs the client's verdict and reports whether the client
// now holds the snapshot.
func (s *Sender) HandleReceived(peerID uint64, msg *protocol.SaveFileReceived) bool {
	switch {
	case !msg.Success:
		s.log.Warn("客戶端接收存檔失敗",
			zap.Uint64("peer", peerID),
			zap.String("name", msg.Name),
			zap.String("reason", msg.Reason))
		return false
	case !msg.ChecksumMatch:
		s.log.Warn("客戶端存檔校驗不符，仍繼續使用",
			zap.Uint64("peer", peerID),
			zap.String("name", msg.Name))
	default:
		s.log.Info("客戶端已接收存檔", zap.Uint64("peer", peerID), zap.String("name", msg.Name))
	}
	return true
}

func (s *Sender) peerIDs() []uint64 {
	ids := make([]uint64, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
