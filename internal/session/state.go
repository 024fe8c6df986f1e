package session

import "fmt"

// State is the process-wide session state. Exactly one is active.
type State int

const (
	Disconnected State = iota
	Joining
	Connected
	WaitingForSaveFile
	CharacterCreation
	InSession
	SpectatorMode // overlay of InSession
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Joining:
		return "Joining"
	case Connected:
		return "Connected"
	case WaitingForSaveFile:
		return "WaitingForSaveFile"
	case CharacterCreation:
		return "CharacterCreation"
	case InSession:
		return "InSession"
	case SpectatorMode:
		return "SpectatorMode"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// InSessionOrSpectating reports whether the peer takes part in the session.
func (s State) InSessionOrSpectating() bool {
	return s == InSession || s == SpectatorMode
}
