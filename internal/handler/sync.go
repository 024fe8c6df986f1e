package handler

import (
	"github.com/coopmap/server/internal/net"
	"github.com/coopmap/server/internal/net/packet"
	"github.com/coopmap/server/internal/protocol"
	"go.uber.org/zap"
)

// HandlePlayerState applies a position delta. On the host the sender is
// identified by the connection.
func HandlePlayerState(sess *net.Session, r *packet.Reader, deps *Deps) {
	msg, err := protocol.DecodePlayerState(r)
	if err != nil {
		deps.Log.Debug("player state malformed", zap.Uint64("session", sess.ID), zap.Error(err))
		return
	}
	deps.Session.HandlePlayerState(msg, sess.ID)
}

// HandleFullStateSync replaces the client's mirror with the host baseline.
func HandleFullStateSync(sess *net.Session, r *packet.Reader, deps *Deps) {
	msg, err := protocol.DecodeFullStateSync(r)
	if err != nil {
		deps.Log.Warn("全量同步格式錯誤", zap.Error(err))
		return
	}
	deps.Session.HandleFullStateSync(msg)
}

// HandleSessionEvent mirrors a roster change on the client.
func HandleSessionEvent(sess *net.Session, r *packet.Reader, deps *Deps) {
	msg, err := protocol.DecodeSessionEvent(r)
	if err != nil {
		deps.Log.Warn("session event malformed", zap.Error(err))
		return
	}
	deps.Session.HandleSessionEvent(msg)
}

// HandleBattleEvent is a battle report on the host and a battle mirror
// update on the client.
func HandleBattleEvent(sess *net.Session, r *packet.Reader, deps *Deps) {
	msg, err := protocol.DecodeBattleEvent(r)
	if err != nil {
		deps.Log.Debug("battle event malformed", zap.Uint64("session", sess.ID), zap.Error(err))
		return
	}
	deps.Session.HandleBattleEvent(msg, sess.ID)
}

// HandleMoveCommand moves a spectating client's shadow on the host.
func HandleMoveCommand(sess *net.Session, r *packet.Reader, deps *Deps) {
	cmd, err := protocol.DecodeMoveCommand(r)
	if err != nil {
		return
	}
	deps.Session.HandleMoveCommand(cmd, sess.ID)
}
