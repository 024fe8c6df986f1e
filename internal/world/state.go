package world

// State bundles the player registry and the battle tracker so operations
// spanning both stay consistent. Owned by the game loop; the admin API only
// reads through the snapshot accessors.
type State struct {
	Players *PlayerRegistry
	Battles *Battles
}

func NewState() *State {
	return &State{
		Players: NewPlayerRegistry(),
		Battles: NewBattles(),
	}
}

// StartBattle creates a battle and marks the initiator as fighting in it.
// A player can fight in one battle at a time; any previous one is left.
func (s *State) StartBattle(initiatorID int, pos Vec2, side Side) string {
	s.leaveCurrent(initiatorID, "")
	id := s.Battles.CreateBattle(initiatorID, pos, side)
	s.Players.Update(initiatorID, func(p *Player) {
		p.CurrentBattleID = id
		p.State = InBattle
	})
	return id
}

// JoinBattle adds a player to an existing battle and points the player at it.
func (s *State) JoinBattle(battleID string, playerID int, side Side) bool {
	if _, ok := s.Battles.Get(battleID); !ok {
		return false
	}
	s.leaveCurrent(playerID, battleID)
	if !s.Battles.JoinBattle(battleID, playerID, side) {
		return false
	}
	s.Players.Update(playerID, func(p *Player) {
		p.CurrentBattleID = battleID
		p.State = InBattle
	})
	return true
}

// LeaveBattle removes a player (retreat). Returns true if the battle was
// pruned because nobody was left.
func (s *State) LeaveBattle(battleID string, playerID int) bool {
	pruned := s.Battles.LeaveBattle(battleID, playerID)
	s.Players.Update(playerID, func(p *Player) {
		clearBattle(p, battleID)
	})
	return pruned
}

// leaveCurrent takes the player out of the battle it is in, unless that
// battle is keep.
func (s *State) leaveCurrent(playerID int, keep string) {
	p, ok := s.Players.Get(playerID)
	if !ok || p.CurrentBattleID == "" || p.CurrentBattleID == keep {
		return
	}
	s.LeaveBattle(p.CurrentBattleID, playerID)
}

// EndBattle removes the battle and clears CurrentBattleID on every player
// still referencing it, in one operation.
func (s *State) EndBattle(battleID string) []int {
	ids := s.Battles.EndBattle(battleID)
	for _, p := range s.Players.All() {
		if p.CurrentBattleID != battleID {
			continue
		}
		s.Players.Update(p.NetworkID, func(p *Player) {
			clearBattle(p, battleID)
		})
	}
	return ids
}

// RemovePlayer drops a player from the registry and from every battle.
func (s *State) RemovePlayer(networkID int) (Player, bool) {
	s.Battles.RemovePlayer(networkID)
	return s.Players.Remove(networkID)
}

// Reset clears players and battles (client disconnect).
func (s *State) Reset() {
	s.Players.Clear()
	s.Battles.Clear()
}

func clearBattle(p *Player, battleID string) {
	if p.CurrentBattleID != battleID {
		return
	}
	p.CurrentBattleID = ""
	if p.State == InBattle {
		p.State = OnMap
	}
}
