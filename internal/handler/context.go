package handler

import (
	"github.com/coopmap/server/internal/config"
	"github.com/coopmap/server/internal/net"
	"github.com/coopmap/server/internal/net/packet"
	"github.com/coopmap/server/internal/session"
	"go.uber.org/zap"
)

// Deps holds shared dependencies injected into all message handlers.
type Deps struct {
	Session *session.Manager
	Config  *config.Config
	Log     *zap.Logger
}

// RegisterHost registers the messages a host accepts from its clients.
func RegisterHost(reg *packet.Registry, deps *Deps) {
	// Handshake phase
	reg.Register(packet.OpJoinRequest,
		[]packet.SessionState{packet.StateHandshake},
		func(sess any, r *packet.Reader) {
			HandleJoinRequest(sess.(*net.Session), r, deps)
		},
	)

	// Onboarding phase (join accepted, campaign not ready yet)
	joinedStates := []packet.SessionState{packet.StateJoined}

	reg.Register(packet.OpCharacterCreation, joinedStates,
		func(sess any, r *packet.Reader) {
			HandleCharacterCreation(sess.(*net.Session), r, deps)
		},
	)
	reg.Register(packet.OpClientCampaignReady, joinedStates,
		func(sess any, r *packet.Reader) {
			HandleClientCampaignReady(sess.(*net.Session), r, deps)
		},
	)

	// Save transfer may be requested again later to resync a client
	transferStates := []packet.SessionState{packet.StateJoined, packet.StateInSession}

	reg.Register(packet.OpSaveFileRequest, transferStates,
		func(sess any, r *packet.Reader) {
			HandleSaveFileRequest(sess.(*net.Session), r, deps)
		},
	)
	reg.Register(packet.OpSaveFileReceived, transferStates,
		func(sess any, r *packet.Reader) {
			HandleSaveFileReceived(sess.(*net.Session), r, deps)
		},
	)

	// In-session phase
	inSessionStates := []packet.SessionState{packet.StateInSession}

	reg.Register(packet.OpPlayerState, inSessionStates,
		func(sess any, r *packet.Reader) {
			HandlePlayerState(sess.(*net.Session), r, deps)
		},
	)
	reg.Register(packet.OpBattleEvent, inSessionStates,
		func(sess any, r *packet.Reader) {
			HandleBattleEvent(sess.(*net.Session), r, deps)
		},
	)
	reg.Register(packet.OpMoveCommand, inSessionStates,
		func(sess any, r *packet.Reader) {
			HandleMoveCommand(sess.(*net.Session), r, deps)
		},
	)

	registerPing(reg)
}

// RegisterClient registers the messages a client accepts from the host.
func RegisterClient(reg *packet.Registry, deps *Deps) {
	reg.Register(packet.OpJoinResponse,
		[]packet.SessionState{packet.StateHandshake},
		func(sess any, r *packet.Reader) {
			HandleJoinResponse(sess.(*net.Session), r, deps)
		},
	)

	joinedStates := []packet.SessionState{packet.StateJoined}

	reg.Register(packet.OpCharacterCreationResponse, joinedStates,
		func(sess any, r *packet.Reader) {
			HandleCharacterCreationResponse(sess.(*net.Session), r, deps)
		},
	)
	reg.Register(packet.OpSaveFileStart, joinedStates,
		func(sess any, r *packet.Reader) {
			HandleSaveFileStart(sess.(*net.Session), r, deps)
		},
	)
	reg.Register(packet.OpSaveFileChunk, joinedStates,
		func(sess any, r *packet.Reader) {
			HandleSaveFileChunk(sess.(*net.Session), r, deps)
		},
	)
	reg.Register(packet.OpSaveFileComplete, joinedStates,
		func(sess any, r *packet.Reader) {
			HandleSaveFileComplete(sess.(*net.Session), r, deps)
		},
	)

	// The host broadcasts to joined and in-session peers alike
	mirrorStates := []packet.SessionState{packet.StateJoined, packet.StateInSession}

	reg.Register(packet.OpFullStateSync, mirrorStates,
		func(sess any, r *packet.Reader) {
			HandleFullStateSync(sess.(*net.Session), r, deps)
		},
	)
	reg.Register(packet.OpPlayerState, mirrorStates,
		func(sess any, r *packet.Reader) {
			HandlePlayerState(sess.(*net.Session), r, deps)
		},
	)
	reg.Register(packet.OpSessionEvent, mirrorStates,
		func(sess any, r *packet.Reader) {
			HandleSessionEvent(sess.(*net.Session), r, deps)
		},
	)
	reg.Register(packet.OpBattleEvent, mirrorStates,
		func(sess any, r *packet.Reader) {
			HandleBattleEvent(sess.(*net.Session), r, deps)
		},
	)

	registerPing(reg)
}

func registerPing(reg *packet.Registry) {
	reg.Register(packet.OpPing,
		[]packet.SessionState{packet.StateHandshake, packet.StateJoined, packet.StateInSession},
		func(any, *packet.Reader) {},
	)
}
