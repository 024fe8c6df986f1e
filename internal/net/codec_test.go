package net

import (
	"bytes"
	"encoding/binary"
	stdnet "net"
	"testing"
	"time"

	"github.com/coopmap/server/internal/net/packet"
	"go.uber.org/zap"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte{packet.OpPing, 1, 2}); err != nil {
		t.Fatal(err)
	}
	if binary.LittleEndian.Uint32(buf.Bytes()[:4]) != 3 {
		t.Fatalf("length prefix = %v", buf.Bytes()[:4])
	}
	got, err := ReadFrame(&buf)
	if err != nil || !bytes.Equal(got, []byte{packet.OpPing, 1, 2}) {
		t.Fatalf("ReadFrame = %v, %v", got, err)
	}
}

func TestFrameLimits(t *testing.T) {
	if err := WriteFrame(&bytes.Buffer{}, nil); err == nil {
		t.Fatalf("empty frame written")
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], MaxFrameSize+1)
	if _, err := ReadFrame(bytes.NewReader(hdr[:])); err == nil {
		t.Fatalf("oversized frame accepted")
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{5, 0, 0, 0, 1})); err == nil {
		t.Fatalf("truncated payload accepted")
	}
}

func TestCloseAfterFlushDeliversFirst(t *testing.T) {
	a, b := stdnet.Pipe()
	defer b.Close()
	sess := NewSession(NewTCPConn(a, 0), 1, SessionOptions{WriteTimeout: time.Second}, zap.NewNop())
	sess.Start()

	sess.Send([]byte{packet.OpSessionEvent, 7})
	sess.CloseAfterFlush()

	got, err := ReadFrame(b)
	if err != nil || !bytes.Equal(got, []byte{packet.OpSessionEvent, 7}) {
		t.Fatalf("first frame = %v, %v", got, err)
	}
	if _, err := ReadFrame(b); err == nil {
		t.Fatalf("connection still open after flush")
	}
	if !sess.IsClosed() {
		t.Fatalf("session not closed")
	}
}

func TestLastLiveStateSurvivesClose(t *testing.T) {
	a, b := stdnet.Pipe()
	defer b.Close()
	sess := NewSession(NewTCPConn(a, 0), 1, SessionOptions{}, zap.NewNop())
	sess.SetState(packet.StateInSession)
	sess.Close()
	if sess.State() != packet.StateDisconnecting || sess.LastLiveState() != packet.StateInSession {
		t.Fatalf("state %s, last live %s", sess.State(), sess.LastLiveState())
	}
}

// The peer keeps sending while the last frame goes out; closing with its
// input unread must not cost the peer that frame.
func TestCloseAfterFlushWithUnreadInput(t *testing.T) {
	ln, err := stdnet.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	peer, err := stdnet.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()
	raw, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	sess := NewSession(NewTCPConn(raw, 0), 1, SessionOptions{WriteTimeout: time.Second}, zap.NewNop())
	sess.Start()

	for i := 0; i < 20; i++ {
		if err := WriteFrame(peer, []byte{packet.OpPlayerState, byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	sess.Send([]byte{packet.OpSessionEvent, 3})
	sess.CloseAfterFlush()
	for i := 0; i < 20; i++ {
		if err := WriteFrame(peer, []byte{packet.OpPing}); err != nil {
			break
		}
	}

	peer.SetReadDeadline(time.Now().Add(3 * time.Second))
	got, err := ReadFrame(peer)
	if err != nil || !bytes.Equal(got, []byte{packet.OpSessionEvent, 3}) {
		t.Fatalf("last frame = %v, %v", got, err)
	}
	if _, err := ReadFrame(peer); err == nil {
		t.Fatalf("expected end of stream after the last frame")
	}
	peer.Close()

	deadline := time.Now().Add(3 * time.Second)
	for !sess.IsClosed() {
		if time.Now().After(deadline) {
			t.Fatalf("session not closed after peer left")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
