package packet

import (
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestDispatchGatesByState(t *testing.T) {
	reg := NewRegistry(zaptest.NewLogger(t))
	calls := 0
	reg.Register(OpPlayerState, []SessionState{StateInSession}, func(any, *Reader) { calls++ })

	if err := reg.Dispatch(nil, StateHandshake, []byte{OpPlayerState}); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("handshake dispatch: %v", err)
	}
	if err := reg.Dispatch(nil, StateInSession, []byte{OpPlayerState}); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
	if err := reg.Dispatch(nil, StateInSession, []byte{0xEE}); err != nil {
		t.Fatalf("unknown opcode should be ignored: %v", err)
	}
	if err := reg.Dispatch(nil, StateInSession, nil); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("empty message: %v", err)
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	reg := NewRegistry(zaptest.NewLogger(t))
	reg.Register(OpPing, []SessionState{StateJoined}, func(any, *Reader) { panic("bad handler") })
	if err := reg.Dispatch(nil, StateJoined, []byte{OpPing}); !errors.Is(err, ErrHandlerPanic) {
		t.Fatalf("panic not reported: %v", err)
	}
}

func TestDisconnectingAllowsNothing(t *testing.T) {
	reg := NewRegistry(zaptest.NewLogger(t))
	reg.Register(OpPing, []SessionState{StateHandshake, StateJoined, StateInSession}, func(any, *Reader) {})
	if err := reg.Dispatch(nil, StateDisconnecting, []byte{OpPing}); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("dispatch while disconnecting: %v", err)
	}
	if SessionState(9).String() != "Unknown(9)" {
		t.Fatalf("unknown state name = %s", SessionState(9))
	}
}

func TestReaderShortRead(t *testing.T) {
	w := NewWriterWithOpcode(OpJoinRequest)
	w.WriteS("Ann")
	w.WriteF(1.5)
	data := w.Bytes()

	r := NewReader(data)
	if r.Opcode() != OpJoinRequest || r.ReadS() != "Ann" || r.ReadF() != 1.5 || r.Err() != nil {
		t.Fatalf("intact read failed")
	}
	r.ReadD()
	if r.Err() != ErrShortPacket || r.Remaining() != 0 {
		t.Fatalf("reading past the end: err %v, remaining %d", r.Err(), r.Remaining())
	}
}
