package packet

import "fmt"

// Message opcodes. The same numbering is used in both directions; the
// registry of each role only registers the opcodes it accepts.
const (
	OpJoinRequest               byte = 1
	OpJoinResponse              byte = 2
	OpCharacterCreation         byte = 3
	OpCharacterCreationResponse byte = 4
	OpClientCampaignReady       byte = 5
	OpFullStateSync             byte = 6
	OpPlayerState               byte = 7
	OpSessionEvent              byte = 8
	OpBattleEvent               byte = 9
	OpSaveFileRequest           byte = 10
	OpSaveFileStart             byte = 11
	OpSaveFileChunk             byte = 12
	OpSaveFileComplete          byte = 13
	OpSaveFileReceived          byte = 14
	OpMoveCommand               byte = 15
	OpPing                      byte = 16
)

var opcodeNames = map[byte]string{
	OpJoinRequest:               "JoinRequest",
	OpJoinResponse:              "JoinResponse",
	OpCharacterCreation:         "CharacterCreation",
	OpCharacterCreationResponse: "CharacterCreationResponse",
	OpClientCampaignReady:       "ClientCampaignReady",
	OpFullStateSync:             "FullStateSync",
	OpPlayerState:               "PlayerState",
	OpSessionEvent:              "SessionEvent",
	OpBattleEvent:               "BattleEvent",
	OpSaveFileRequest:           "SaveFileRequest",
	OpSaveFileStart:             "SaveFileStart",
	OpSaveFileChunk:             "SaveFileChunk",
	OpSaveFileComplete:          "SaveFileComplete",
	OpSaveFileReceived:          "SaveFileReceived",
	OpMoveCommand:               "MoveCommand",
	OpPing:                      "Ping",
}

// OpcodeName returns a readable name for logging.
func OpcodeName(op byte) string {
	if n, ok := opcodeNames[op]; ok {
		return n
	}
	return fmt.Sprintf("0x%02X", op)
}
