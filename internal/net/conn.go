package net

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// FrameConn is a message-framed, reliable, ordered connection. One goroutine
// may read while another writes.
type FrameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte, timeout time.Duration) error
	RemoteAddr() string
	// CloseWrite tells the peer no more frames follow while reads continue.
	// Returns ErrHalfCloseUnsupported when the transport cannot do that.
	CloseWrite() error
	Close() error
}

var ErrHalfCloseUnsupported = errors.New("half close not supported")

// tcpConn frames messages over a raw TCP stream using the length-prefix codec.
type tcpConn struct {
	conn        net.Conn
	r           *bufio.Reader
	readTimeout time.Duration
}

// NewTCPConn wraps a stream connection. readTimeout 0 disables read deadlines.
func NewTCPConn(conn net.Conn, readTimeout time.Duration) FrameConn {
	return &tcpConn{conn: conn, r: bufio.NewReaderSize(conn, 32<<10), readTimeout: readTimeout}
}

func (c *tcpConn) ReadFrame() ([]byte, error) {
	if c.readTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	return ReadFrame(c.r)
}

func (c *tcpConn) WriteFrame(data []byte, timeout time.Duration) error {
	if timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return WriteFrame(c.conn, data)
}

func (c *tcpConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }
func (c *tcpConn) Close() error       { return c.conn.Close() }

// CloseWrite sends FIN. Closing a socket with unread input sends RST
// instead, and the peer's kernel may discard frames it has not read yet.
func (c *tcpConn) CloseWrite() error {
	hc, ok := c.conn.(interface{ CloseWrite() error })
	if !ok {
		return ErrHalfCloseUnsupported
	}
	return hc.CloseWrite()
}

// wsConn carries one message per binary websocket frame.
type wsConn struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	closeSent   atomic.Bool
}

// NewWSConn wraps an upgraded or dialed websocket connection.
func NewWSConn(conn *websocket.Conn, readTimeout time.Duration) FrameConn {
	conn.SetReadLimit(MaxFrameSize)
	return &wsConn{conn: conn, readTimeout: readTimeout}
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		if c.readTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read ws message: %w", err)
		}
		if mt != websocket.BinaryMessage {
			continue // text frames carry nothing for us
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("invalid frame length: 0")
		}
		return data, nil
	}
}

func (c *wsConn) WriteFrame(data []byte, timeout time.Duration) error {
	if timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("write ws message: %w", err)
	}
	return nil
}

func (c *wsConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// CloseWrite sends the close frame; the peer answers with its own and the
// read side then ends with a close error.
func (c *wsConn) CloseWrite() error {
	if c.closeSent.Swap(true) {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (c *wsConn) Close() error {
	c.CloseWrite()
	return c.conn.Close()
}
