package packet

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// SessionState is a connection's protocol phase. On the host there is one
// per client connection; a client has a single one for its link to the host.
type SessionState int

const (
	StateHandshake     SessionState = iota // connected, no accepted join yet
	StateJoined                            // join accepted, onboarding in progress
	StateInSession                         // campaign ready, receiving/sending sync
	StateDisconnecting
)

var stateNames = [...]string{"Handshake", "Joined", "InSession", "Disconnecting"}

func (s SessionState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("Unknown(%d)", int(s))
}

var (
	ErrEmptyMessage = errors.New("empty message")
	ErrNotAllowed   = errors.New("opcode not allowed in state")
	ErrHandlerPanic = errors.New("handler panic")
)

// HandlerFunc receives the session as an opaque value so this package does
// not import net.
type HandlerFunc func(sess any, r *Reader)

// stateMask has bit n set when SessionState(n) may dispatch the opcode.
type stateMask uint8

func maskOf(states []SessionState) stateMask {
	var m stateMask
	for _, s := range states {
		if s >= 0 && s < 8 {
			m |= 1 << uint(s)
		}
	}
	return m
}

func (m stateMask) allows(s SessionState) bool {
	return s >= 0 && s < 8 && m&(1<<uint(s)) != 0
}

type route struct {
	fn      HandlerFunc
	allowed stateMask
}

// Registry routes messages by opcode and rejects opcodes the session's
// current state does not permit. Host and client each build their own.
type Registry struct {
	routes [256]*route
	log    *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{log: log}
}

// Register binds opcode to fn for the given states. A second registration
// for the same opcode replaces the first.
func (reg *Registry) Register(opcode byte, states []SessionState, fn HandlerFunc) {
	reg.routes[opcode] = &route{fn: fn, allowed: maskOf(states)}
}

func (reg *Registry) Registered(opcode byte) bool {
	return reg.routes[opcode] != nil
}

// Dispatch runs the handler for data[0]. Unknown opcodes are dropped
// silently so newer peers can add messages; ErrNotAllowed and
// ErrHandlerPanic are wrapped with the opcode name.
func (reg *Registry) Dispatch(sess any, state SessionState, data []byte) error {
	if len(data) == 0 {
		return ErrEmptyMessage
	}
	opcode := data[0]
	rt := reg.routes[opcode]
	if rt == nil {
		reg.log.Debug("未知操作碼", zap.Uint8("opcode", opcode), zap.Stringer("state", state))
		return nil
	}
	if !rt.allowed.allows(state) {
		reg.log.Warn("操作碼在此狀態下不允許",
			zap.String("op", OpcodeName(opcode)),
			zap.Stringer("state", state))
		return fmt.Errorf("%s in %s: %w", OpcodeName(opcode), state, ErrNotAllowed)
	}
	reg.log.Debug("收到訊息",
		zap.String("op", OpcodeName(opcode)),
		zap.Int("size", len(data)),
		zap.Stringer("state", state))
	return reg.call(rt.fn, sess, NewReader(data), opcode)
}

func (reg *Registry) call(fn HandlerFunc, sess any, r *Reader, opcode byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			reg.log.Error("處理器 panic 已恢復",
				zap.String("op", OpcodeName(opcode)),
				zap.Any("panic", rec))
			err = fmt.Errorf("%s: %w: %v", OpcodeName(opcode), ErrHandlerPanic, rec)
		}
	}()
	fn(sess, r)
	return nil
}
