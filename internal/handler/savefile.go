package handler

import (
	"github.com/coopmap/server/internal/net"
	"github.com/coopmap/server/internal/net/packet"
	"github.com/coopmap/server/internal/protocol"
	"go.uber.org/zap"
)

// HandleSaveFileRequest starts a world snapshot transfer on the host.
func HandleSaveFileRequest(sess *net.Session, r *packet.Reader, deps *Deps) {
	req, err := protocol.DecodeSaveFileRequest(r)
	if err != nil {
		req = &protocol.SaveFileRequest{}
	}
	deps.Session.HandleSaveFileRequest(req, sess.ID)
}

// HandleSaveFileReceived records the client's transfer verdict on the host.
func HandleSaveFileReceived(sess *net.Session, r *packet.Reader, deps *Deps) {
	msg, err := protocol.DecodeSaveFileReceived(r)
	if err != nil {
		deps.Log.Debug("save verdict malformed", zap.Uint64("session", sess.ID), zap.Error(err))
		return
	}
	deps.Session.HandleSaveFileReceived(msg, sess.ID)
}

func HandleSaveFileStart(sess *net.Session, r *packet.Reader, deps *Deps) {
	msg, err := protocol.DecodeSaveFileStart(r)
	if err != nil {
		deps.Log.Warn("存檔傳送開頭格式錯誤", zap.Error(err))
		return
	}
	deps.Session.HandleSaveFileStart(msg)
}

// HandleSaveFileChunk appends one chunk. A malformed chunk is passed on
// with no data so the receiver fails the transfer instead of stalling.
func HandleSaveFileChunk(sess *net.Session, r *packet.Reader, deps *Deps) {
	msg, err := protocol.DecodeSaveFileChunk(r)
	if err != nil {
		deps.Log.Warn("存檔區塊格式錯誤", zap.Error(err))
		msg = &protocol.SaveFileChunk{Index: -1}
	}
	deps.Session.HandleSaveFileChunk(msg)
}

func HandleSaveFileComplete(sess *net.Session, r *packet.Reader, deps *Deps) {
	msg, err := protocol.DecodeSaveFileComplete(r)
	if err != nil {
		msg = &protocol.SaveFileComplete{}
	}
	deps.Session.HandleSaveFileComplete(msg)
}
