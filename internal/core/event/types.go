package event

// SessionStateChanged is emitted on every session state transition.
type SessionStateChanged struct {
	From string
	To   string
}

// JoinRejected surfaces the host's rejection reason to the local peer.
type JoinRejected struct {
	Reason string
}

// CharacterCreationRequired asks the local peer to build a character.
// Reason is set when an earlier submission failed.
type CharacterCreationRequired struct {
	Reason string
}

// PlayerJoined fires on every peer when a player enters the roster.
type PlayerJoined struct {
	NetworkID int
	Name      string
}

// PlayerLeft fires when a player leaves or is kicked.
type PlayerLeft struct {
	NetworkID int
	Name      string
	Kicked    bool
	Reason    string
}

// SaveFileReceived fires on the client after a world snapshot is assembled.
type SaveFileReceived struct {
	Name          string
	Path          string
	ChecksumMatch bool
}

// BattleChanged fires whenever the local battle list changes.
type BattleChanged struct {
	BattleID string
	Kind     string
}
