package statesync

import (
	"testing"
	"time"

	"github.com/coopmap/server/internal/config"
	"github.com/coopmap/server/internal/net/packet"
	"github.com/coopmap/server/internal/protocol"
	"github.com/coopmap/server/internal/shadow"
	"github.com/coopmap/server/internal/sim"
	"github.com/coopmap/server/internal/world"
	"go.uber.org/zap/zaptest"
)

type sent struct {
	peer      uint64
	broadcast bool
	except    uint64
	data      []byte
}

type fakeTransport struct {
	out []sent
}

func (f *fakeTransport) SendTo(peerID uint64, data []byte) {
	f.out = append(f.out, sent{peer: peerID, data: data})
}

func (f *fakeTransport) Broadcast(data []byte, except uint64) {
	f.out = append(f.out, sent{broadcast: true, except: except, data: data})
}

func (f *fakeTransport) reset() { f.out = nil }

type fixture struct {
	sim     *sim.Memory
	state   *world.State
	shadows *shadow.Manager
	tr      *fakeTransport
	b       *Broadcaster
}

func newFixture(t *testing.T, role Role, keyframeEvery int) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	f := &fixture{
		sim:   sim.NewMemory(nil, log),
		state: world.NewState(),
		tr:    &fakeTransport{},
	}
	f.shadows = shadow.NewManager(f.sim, log)
	cfg := config.SyncConfig{Interval: 100 * time.Millisecond, KeyframeEvery: keyframeEvery, MinTimeMultiplier: 0.1}
	f.b = New(role, cfg, f.state, f.shadows, f.sim, f.tr, log)
	return f
}

func (f *fixture) hostWithClient(t *testing.T) {
	t.Helper()
	hero, err := f.sim.CreateCharacter(sim.CharacterSpec{Name: "Host", Culture: "empire", Main: true})
	if err != nil {
		t.Fatal(err)
	}
	f.state.Players.Add(world.Player{NetworkID: 0, Name: "Host", IsHost: true, HeroID: hero.HeroID, PartyID: hero.PartyID})
	f.state.Players.SetLocalID(0)
	f.state.Players.Add(world.Player{NetworkID: 1, PeerID: 11, Name: "Ann", PartyID: "party_remote"})
	f.b.Track(0)
	f.b.Track(1)
	f.b.SetActive(true)
}

func TestHostThrottleAndChangeDetection(t *testing.T) {
	f := newFixture(t, RoleHost, 0)
	f.hostWithClient(t)
	t0 := time.Now()

	if n := f.b.Tick(t0); n != 2 {
		t.Fatalf("first tick sent %d, want 2", n)
	}
	for _, s := range f.tr.out {
		if !s.broadcast {
			t.Fatalf("host deltas must be broadcasts")
		}
	}
	if f.tr.out[1].except != 11 {
		t.Fatalf("client delta echoed to its origin")
	}

	f.tr.reset()
	if n := f.b.Tick(t0.Add(50 * time.Millisecond)); n != 0 {
		t.Fatalf("tick inside interval sent %d", n)
	}
	if n := f.b.Tick(t0.Add(100 * time.Millisecond)); n != 0 {
		t.Fatalf("unchanged state re-sent %d", n)
	}

	f.state.Players.Update(1, func(p *world.Player) { p.MapPosition = world.Vec2{X: 5, Y: 5} })
	if n := f.b.Tick(t0.Add(150 * time.Millisecond)); n != 0 {
		t.Fatalf("interval not enforced after change")
	}
	if n := f.b.Tick(t0.Add(200 * time.Millisecond)); n != 1 {
		t.Fatalf("changed player not sent, n=%d", n)
	}
	msg, err := protocol.DecodePlayerState(packet.NewReader(f.tr.out[0].data))
	if err != nil || msg.NetworkID != 1 || msg.X != 5 {
		t.Fatalf("delta = %+v, %v", msg, err)
	}

	f.b.RequestBroadcast()
	if n := f.b.Tick(t0.Add(300 * time.Millisecond)); n != 2 {
		t.Fatalf("forced broadcast sent %d, want 2", n)
	}
}

func TestHostKeyframeAndHeroRefresh(t *testing.T) {
	f := newFixture(t, RoleHost, 2)
	f.hostWithClient(t)
	f.b.Untrack(1)
	t0 := time.Now()

	f.b.Tick(t0)                                // tick 1 first send
	n2 := f.b.Tick(t0.Add(100 * time.Millisecond)) // tick 2 keyframe
	n3 := f.b.Tick(t0.Add(200 * time.Millisecond)) // tick 3 unchanged
	if n2 != 1 || n3 != 0 {
		t.Fatalf("keyframe sends = %d, %d", n2, n3)
	}

	host, _ := f.state.Players.Get(0)
	if err := f.sim.SetPosition(host.PartyID, 7, 8); err != nil {
		t.Fatal(err)
	}
	f.b.Tick(t0.Add(300 * time.Millisecond))
	host, _ = f.state.Players.Get(0)
	if host.MapPosition.X != 7 || host.MapPosition.Y != 8 {
		t.Fatalf("host position not read from simulation: %+v", host.MapPosition)
	}
}

func TestInactiveSendsNothing(t *testing.T) {
	f := newFixture(t, RoleHost, 1)
	f.hostWithClient(t)
	f.b.SetActive(false)
	if n := f.b.Tick(time.Now()); n != 0 || len(f.tr.out) != 0 {
		t.Fatalf("inactive broadcaster sent %d", n)
	}
}

func TestClientSendsOwnStateToHost(t *testing.T) {
	f := newFixture(t, RoleClient, 0)
	f.state.Players.Add(world.Player{NetworkID: 0, Name: "Host", IsHost: true})
	f.state.Players.Add(world.Player{NetworkID: 2, Name: "Me"})
	f.state.Players.SetLocalID(2)
	f.b.SetHostPeer(1)
	f.b.SetActive(true)

	if n := f.b.Tick(time.Now()); n != 0 {
		t.Fatalf("client without hero sent %d", n)
	}
	if _, err := f.sim.CreateCharacter(sim.CharacterSpec{Name: "Me", Culture: "empire", X: 3, Main: true}); err != nil {
		t.Fatal(err)
	}
	if n := f.b.Tick(time.Now().Add(time.Second)); n != 1 {
		t.Fatalf("client sent %d, want 1", n)
	}
	s := f.tr.out[0]
	if s.broadcast || s.peer != 1 {
		t.Fatalf("client delta not addressed to host: %+v", s)
	}
	msg, _ := protocol.DecodePlayerState(packet.NewReader(s.data))
	if msg.NetworkID != 2 || msg.X != 3 {
		t.Fatalf("client delta = %+v", msg)
	}
}

func TestApplyRemoteMovesShadowNotLocal(t *testing.T) {
	f := newFixture(t, RoleClient, 0)
	own, _ := f.sim.CreateCharacter(sim.CharacterSpec{Name: "Me", Culture: "empire", Main: true})
	f.state.Players.Add(world.Player{NetworkID: 2, Name: "Me", PartyID: own.PartyID})
	f.state.Players.SetLocalID(2)

	if f.b.ApplyRemote(&protocol.PlayerState{NetworkID: 2, PartyID: own.PartyID, X: 50, Y: 50}) {
		t.Fatalf("delta for local player applied")
	}
	if pos, _ := f.sim.PartyPosition(own.PartyID); pos.X == 50 {
		t.Fatalf("local main party moved by delta")
	}

	// host's party id collides with ours
	if !f.b.ApplyRemote(&protocol.PlayerState{NetworkID: 0, PartyID: own.PartyID, X: 4, Y: 6}) {
		t.Fatalf("remote delta not applied")
	}
	e, ok := f.shadows.Lookup(0)
	if !ok || e.LocalID == own.PartyID {
		t.Fatalf("shadow missing or reused own party: %+v", e)
	}
	if pos, _ := f.sim.PartyPosition(e.LocalID); pos.X != 4 || pos.Y != 6 {
		t.Fatalf("shadow position = %+v", pos)
	}
	host, ok := f.state.Players.Get(0)
	if !ok || host.ShadowPartyID != e.LocalID {
		t.Fatalf("registry not updated with shadow id: %+v", host)
	}

	f.b.ApplyRemote(&protocol.PlayerState{NetworkID: 0, PartyID: own.PartyID, X: 9, Y: 9})
	if pos, _ := f.sim.PartyPosition(e.LocalID); pos.X != 9 {
		t.Fatalf("second delta not applied: %+v", pos)
	}
	if f.shadows.Count() != 1 {
		t.Fatalf("duplicate shadows created")
	}
}

func TestApplyFullStateClampsAndPrunes(t *testing.T) {
	f := newFixture(t, RoleClient, 0)
	f.state.Players.Add(world.Player{NetworkID: 3, Name: "Me", HeroID: "hero_local", MapPosition: world.Vec2{X: 1, Y: 1}})
	f.state.Players.SetLocalID(3)
	f.b.ApplyRemote(&protocol.PlayerState{NetworkID: 2, PartyID: "p2"})
	if f.shadows.Count() != 1 {
		t.Fatalf("setup shadow missing")
	}

	full := &protocol.FullStateSync{
		Roster: []protocol.RosterEntry{
			{NetworkID: 0, Name: "Host", IsHost: true, PartyID: "hp", X: 10, Y: 10},
			{NetworkID: 3, Name: "Me", X: 99, Y: 99},
		},
		Battles: []protocol.BattleSnapshot{
			{BattleID: "b1", InitiatorID: 0, Sides: map[int]world.Side{0: world.Attacker}},
		},
		TimeMultiplier: 0,
	}
	f.b.ApplyFullState(full)

	if got := f.sim.TimeMultiplier(); got != 0.1 {
		t.Fatalf("time multiplier = %v, want clamped 0.1", got)
	}
	if _, ok := f.shadows.Lookup(2); ok {
		t.Fatalf("shadow of departed player kept")
	}
	if _, ok := f.shadows.Lookup(0); !ok {
		t.Fatalf("host shadow not created")
	}
	if _, ok := f.shadows.Lookup(3); ok {
		t.Fatalf("shadow created for local player")
	}
	me, _ := f.state.Players.Get(3)
	if me.HeroID != "hero_local" || me.MapPosition.X != 1 {
		t.Fatalf("local record overwritten: %+v", me)
	}
	if f.state.Battles.Len() != 1 || f.state.Players.Count() != 2 {
		t.Fatalf("mirror not replaced")
	}
	if f.state.Players.LocalID() != 3 {
		t.Fatalf("local id lost")
	}
}

func TestFullStateContents(t *testing.T) {
	f := newFixture(t, RoleHost, 0)
	f.hostWithClient(t)
	f.state.StartBattle(1, world.Vec2{}, world.Defender)
	f.sim.SetTimeMultiplier(2)

	f.b.SendFullState(11)
	if len(f.tr.out) != 1 || f.tr.out[0].peer != 11 {
		t.Fatalf("full state not sent to peer")
	}
	msg, err := protocol.DecodeFullStateSync(packet.NewReader(f.tr.out[0].data))
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.Roster) != 2 || len(msg.Battles) != 1 || msg.TimeMultiplier != 2 {
		t.Fatalf("full state = %+v", msg)
	}
	if msg.Battles[0].Sides[1] != world.Defender {
		t.Fatalf("battle sides lost: %+v", msg.Battles[0])
	}
}
