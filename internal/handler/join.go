package handler

import (
	"github.com/coopmap/server/internal/net"
	"github.com/coopmap/server/internal/net/packet"
	"github.com/coopmap/server/internal/protocol"
	"go.uber.org/zap"
)

// HandleJoinRequest processes JoinRequest on the host. The request is
// answered immediately or queued while the host is busy.
func HandleJoinRequest(sess *net.Session, r *packet.Reader, deps *Deps) {
	req, err := protocol.DecodeJoinRequest(r)
	if err != nil {
		deps.Session.RejectMalformed(sess.ID, err)
		return
	}
	deps.Log.Debug("join request",
		zap.Uint64("session", sess.ID),
		zap.String("name", req.Name),
		zap.String("ip", sess.IP))
	deps.Session.HandleJoinRequest(req, sess.ID)
}

// HandleCharacterCreation processes a manual character build on the host.
func HandleCharacterCreation(sess *net.Session, r *packet.Reader, deps *Deps) {
	sub, err := protocol.DecodeCharacterCreation(r)
	if err != nil {
		deps.Log.Warn("角色建立封包格式錯誤", zap.Uint64("session", sess.ID), zap.Error(err))
		return
	}
	deps.Session.HandleCharacterCreation(sub, sess.ID)
}

// HandleClientCampaignReady completes a client's join on the host.
func HandleClientCampaignReady(sess *net.Session, r *packet.Reader, deps *Deps) {
	notice, err := protocol.DecodeClientCampaignReady(r)
	if err != nil {
		deps.Log.Warn("campaign ready malformed", zap.Uint64("session", sess.ID), zap.Error(err))
		return
	}
	deps.Session.HandleClientCampaignReady(notice, sess.ID)
}

// HandleJoinResponse processes the host's answer on the client.
func HandleJoinResponse(sess *net.Session, r *packet.Reader, deps *Deps) {
	resp, err := protocol.DecodeJoinResponse(r)
	if err != nil {
		deps.Log.Error("加入回應格式錯誤", zap.Error(err))
		sess.Close()
		return
	}
	deps.Session.HandleJoinResponse(resp)
}

// HandleCharacterCreationResponse processes the spawn result on the client.
func HandleCharacterCreationResponse(sess *net.Session, r *packet.Reader, deps *Deps) {
	resp, err := protocol.DecodeCharacterCreationResponse(r)
	if err != nil {
		deps.Log.Warn("creation response malformed", zap.Error(err))
		return
	}
	deps.Session.HandleCharacterCreationResponse(resp)
}
