package net

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/coopmap/server/internal/net/packet"
	"go.uber.org/zap"
)

// SessionOptions carries the per-connection queue and rate settings.
type SessionOptions struct {
	InQueueSize      int
	OutQueueSize     int
	PacketsPerSecond int // 0 = unlimited
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration // idle deadline; peers send Ping to stay under it
}

// Session represents a single peer connection. Network I/O runs in
// dedicated goroutines; session state is touched only from the game loop.
type Session struct {
	ID   uint64
	conn FrameConn

	state    atomic.Int32 // packet.SessionState stored as int32
	lastLive atomic.Int32 // state at the moment of Close

	InQueue  chan []byte // game loop reads messages from here
	OutQueue chan []byte // writer goroutine reads from here; nil = close after drain

	IP         string
	PlayerName string // set once a join is accepted, for logs only

	outBuf [][]byte // buffered messages, flushed by OutputSystem (game loop only)

	closeCh      chan struct{}
	closeOnce    sync.Once
	closed       atomic.Bool
	closePending bool        // game loop only
	halfClosed   atomic.Bool // our side sent its last frame; reads are discarded

	// Per-second message rate limiter (readLoop goroutine only, no lock needed)
	pktPerSec  int
	pktCount   int
	pktResetAt int64

	writeTimeout time.Duration
	log          *zap.Logger
}

func NewSession(conn FrameConn, id uint64, opts SessionOptions, log *zap.Logger) *Session {
	if opts.InQueueSize <= 0 {
		opts.InQueueSize = 128
	}
	if opts.OutQueueSize <= 0 {
		opts.OutQueueSize = 256
	}
	s := &Session{
		ID:           id,
		conn:         conn,
		InQueue:      make(chan []byte, opts.InQueueSize),
		OutQueue:     make(chan []byte, opts.OutQueueSize),
		IP:           conn.RemoteAddr(),
		closeCh:      make(chan struct{}),
		pktPerSec:    opts.PacketsPerSecond,
		writeTimeout: opts.WriteTimeout,
		log:          log.With(zap.Uint64("session", id)),
	}
	s.state.Store(int32(packet.StateHandshake))
	return s
}

func (s *Session) State() packet.SessionState {
	return packet.SessionState(s.state.Load())
}

func (s *Session) SetState(st packet.SessionState) {
	s.state.Store(int32(st))
}

// LastLiveState returns the state the session had before it closed, so
// messages that arrived just before the close still pass the state gate.
func (s *Session) LastLiveState() packet.SessionState {
	if !s.closed.Load() {
		return s.State()
	}
	return packet.SessionState(s.lastLive.Load())
}

// Start launches the reader and writer goroutines.
func (s *Session) Start() {
	go s.readLoop()
	go s.writeLoop()
}

// Send buffers a message. It is not handed to the writer until FlushOutput
// runs in the output phase. Game loop only.
func (s *Session) Send(data []byte) {
	if s.closed.Load() || s.closePending || len(data) == 0 {
		return
	}
	s.outBuf = append(s.outBuf, data)
}

// FlushOutput drains the output buffer to OutQueue for the writeLoop goroutine.
// Non-blocking: if OutQueue is full the session is disconnected (backpressure).
func (s *Session) FlushOutput() {
	for _, data := range s.outBuf {
		select {
		case s.OutQueue <- data:
		default:
			s.log.Warn("輸出佇列已滿，斷開慢速連線", zap.Int("pending", len(s.outBuf)))
			s.Close()
			s.outBuf = s.outBuf[:0]
			return
		}
	}
	s.outBuf = s.outBuf[:0]
}

// CloseAfterFlush closes the session once every message buffered so far has
// been written. Used for kicks, where the reason must reach the peer first.
func (s *Session) CloseAfterFlush() {
	if s.closed.Load() || s.closePending {
		return
	}
	s.FlushOutput()
	s.closePending = true
	select {
	case s.OutQueue <- nil:
	default:
		s.Close()
	}
}

// Close shuts the session down immediately.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.lastLive.Store(s.state.Load())
		s.closed.Store(true)
		s.SetState(packet.StateDisconnecting)
		close(s.closeCh)
		s.conn.Close()
	})
}

func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// readLoop reads frames from the connection and pushes them onto InQueue
// for the game loop to consume.
func (s *Session) readLoop() {
	defer s.Close()

	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		payload, err := s.conn.ReadFrame()
		if err != nil {
			if !s.closed.Load() && !s.halfClosed.Load() {
				s.log.Debug("讀取錯誤", zap.Error(err))
			}
			return
		}
		if s.halfClosed.Load() {
			continue // 等待對方關閉，丟棄剩餘輸入
		}

		if s.pktPerSec > 0 {
			now := time.Now().Unix()
			if now != s.pktResetAt {
				s.pktCount = 0
				s.pktResetAt = now
			}
			s.pktCount++
			if s.pktCount > s.pktPerSec {
				s.log.Warn("封包速率超限，斷開連線", zap.Int("pps", s.pktCount))
				return
			}
		}

		// Block until InQueue has space or the session closes. Dropping
		// messages here would tear a save-file stream, so we never drop.
		select {
		case s.InQueue <- payload:
		case <-s.closeCh:
			return
		}
	}
}

// closeLinger bounds how long a half-closed session waits for the peer to
// close its side.
const closeLinger = 2 * time.Second

// shutdownWrite half-closes the connection and keeps reading until the peer
// closes or closeLinger passes. The caller then closes fully; with the
// input drained, the final frames are not lost to a reset.
func (s *Session) shutdownWrite() {
	s.halfClosed.Store(true)
	if err := s.conn.CloseWrite(); err != nil {
		if err != ErrHalfCloseUnsupported {
			s.log.Debug("半關閉失敗", zap.Error(err))
		}
		return
	}
	timer := time.NewTimer(closeLinger)
	defer timer.Stop()
	select {
	case <-s.closeCh:
	case <-timer.C:
		s.log.Debug("等待對方關閉逾時")
	}
}

// writeLoop writes queued messages to the connection in order.
func (s *Session) writeLoop() {
	defer s.Close()

	for {
		select {
		case data := <-s.OutQueue:
			if data == nil {
				s.shutdownWrite() // CloseAfterFlush sentinel
				return
			}
			if len(data) > 0 {
				s.log.Debug("TX",
					zap.String("op", packet.OpcodeName(data[0])),
					zap.Int("len", len(data)),
				)
			}
			if err := s.conn.WriteFrame(data, s.writeTimeout); err != nil {
				if !s.closed.Load() {
					s.log.Debug("寫入錯誤", zap.Error(err))
				}
				return
			}
		case <-s.closeCh:
			return
		}
	}
}
