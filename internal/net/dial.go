package net

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Dial connects a client to the host. Addresses starting with ws:// or
// wss:// use the websocket transport; anything else is plain TCP.
func Dial(ctx context.Context, addr string, readTimeout time.Duration) (FrameConn, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
		if err != nil {
			return nil, fmt.Errorf("dial websocket %s: %w", addr, err)
		}
		return NewWSConn(conn, readTimeout), nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", addr, err)
	}
	return NewTCPConn(conn, readTimeout), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 << 10,
	WriteBufferSize: 16 << 10,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketHandler upgrades HTTP requests and adopts them into the server.
func (s *Server) WebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("websocket 升級失敗", zap.Error(err))
			return
		}
		s.Adopt(NewWSConn(conn, s.opts.ReadTimeout))
	}
}
