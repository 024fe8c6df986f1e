package net

import (
	"fmt"
	"net"
	"sync/atomic"

	"go.uber.org/zap"
)

// Server accepts TCP connections (and adopts upgraded websocket connections)
// and creates Sessions. New/dead sessions are communicated to the game loop
// via channels.
type Server struct {
	listener net.Listener
	nextID   atomic.Uint64
	newConns chan *Session
	deadCh   chan uint64 // session IDs of dead sessions
	opts     SessionOptions
	log      *zap.Logger
	closeCh  chan struct{}
}

// NewServer listens on bindAddr. An empty bindAddr creates a server that only
// adopts externally accepted connections (websocket-only deployments).
func NewServer(bindAddr string, opts SessionOptions, log *zap.Logger) (*Server, error) {
	s := &Server{
		newConns: make(chan *Session, 64),
		deadCh:   make(chan uint64, 64),
		opts:     opts,
		log:      log,
		closeCh:  make(chan struct{}),
	}
	if bindAddr != "" {
		ln, err := net.Listen("tcp", bindAddr)
		if err != nil {
			return nil, err
		}
		s.listener = ln
	}
	return s, nil
}

// AcceptLoop runs in its own goroutine. It accepts connections, creates
// sessions and pushes them onto the newConns channel.
func (s *Server) AcceptLoop() {
	if s.listener == nil {
		return
	}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return // server shutting down
			default:
			}
			s.log.Error("連線接受失敗", zap.Error(err))
			continue
		}
		s.Adopt(NewTCPConn(conn, s.opts.ReadTimeout))
	}
}

// Adopt wraps an already established connection in a Session, starts its
// I/O goroutines and hands it to the game loop. Safe from any goroutine.
func (s *Server) Adopt(conn FrameConn) *Session {
	id := s.nextID.Add(1)
	sess := NewSession(conn, id, s.opts, s.log)
	sess.Start()

	s.log.Info(fmt.Sprintf("玩家連線  session=%d  ip=%s", id, sess.IP))

	select {
	case s.newConns <- sess:
	default:
		s.log.Warn("連線佇列已滿，拒絕新連線")
		sess.Close()
	}
	return sess
}

// NewSessions returns the channel of newly connected sessions.
func (s *Server) NewSessions() <-chan *Session {
	return s.newConns
}

// NotifyDead reports a dead session ID.
func (s *Server) NotifyDead(sessionID uint64) {
	select {
	case s.deadCh <- sessionID:
	default:
	}
}

// DeadSessions returns the channel of dead session IDs.
func (s *Server) DeadSessions() <-chan uint64 {
	return s.deadCh
}

// Shutdown stops accepting new connections.
func (s *Server) Shutdown() {
	select {
	case <-s.closeCh:
		return
	default:
	}
	close(s.closeCh)
	if s.listener != nil {
		s.listener.Close()
	}
}

// Addr returns the listener's address, or nil for adopt-only servers.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
