package system

import (
	"context"
	"testing"
	"time"

	"github.com/coopmap/server/internal/config"
	"github.com/coopmap/server/internal/core/event"
	coresys "github.com/coopmap/server/internal/core/system"
	"github.com/coopmap/server/internal/handler"
	"github.com/coopmap/server/internal/net"
	"github.com/coopmap/server/internal/net/packet"
	"github.com/coopmap/server/internal/persist"
	"github.com/coopmap/server/internal/protocol"
	"github.com/coopmap/server/internal/session"
	"github.com/coopmap/server/internal/shadow"
	"github.com/coopmap/server/internal/sim"
	"github.com/coopmap/server/internal/statesync"
	"github.com/coopmap/server/internal/transfer"
	"github.com/coopmap/server/internal/world"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const tick = 50 * time.Millisecond

type node struct {
	cfg    *config.Config
	srv    *net.Server
	store  *net.SessionStore
	mgr    *session.Manager
	bus    *event.Bus
	sim    *sim.Memory
	runner *coresys.Runner
	cmds   *CommandSystem
}

// newNode wires one process the way main does. Network goroutines log to
// a no-op logger since they may outlive the test.
func newNode(t *testing.T, role config.Role, bind string) *node {
	t.Helper()
	log := zaptest.NewLogger(t)
	cfg := config.Default()
	cfg.Server.Role = role
	cfg.Session.RequireSaveTransfer = false
	cfg.Session.JoinPollInterval = tick
	cfg.Session.HostLinkInterval = tick
	cfg.Client.ReadyInterval = tick
	cfg.Sync.Interval = tick
	cfg.Transfer.SaveDir = t.TempDir()
	if role == config.RoleClient {
		cfg.Server.Name = "Ann"
		cfg.Client.HostAddress = "unused"
	}

	srv, err := net.NewServer(bind, net.SessionOptions{WriteTimeout: time.Second}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	n := &node{
		cfg:    cfg,
		srv:    srv,
		store:  net.NewSessionStore(),
		bus:    event.NewBus(),
		sim:    sim.NewMemory(nil, log),
		runner: coresys.NewRunner(log),
		cmds:   NewCommandSystem(8, log),
	}
	t.Cleanup(func() {
		srv.Shutdown()
		n.store.ForEach(func(s *net.Session) { s.Close() })
	})

	state := world.NewState()
	shadows := shadow.NewManager(n.sim, log)
	syncRole := statesync.RoleHost
	if role == config.RoleClient {
		syncRole = statesync.RoleClient
	}
	b := statesync.New(syncRole, cfg.Sync, state, shadows, n.sim, n.store, log)
	d := session.Deps{
		Config:    cfg,
		World:     state,
		Shadows:   shadows,
		Sync:      b,
		Sim:       n.sim,
		Transport: n.store,
		Bus:       n.bus,
		Log:       log,
	}
	var sender *transfer.Sender
	if role == config.RoleHost {
		sender = transfer.NewSender(cfg.Transfer, n.store, n.sim, log)
		d.Sender = sender
		d.Store = persist.NewMemoryStore()
	} else {
		d.Receiver = transfer.NewReceiver(cfg.Transfer.SaveDir, log)
	}
	n.mgr = session.NewManager(d)

	reg := packet.NewRegistry(log)
	hd := &handler.Deps{Session: n.mgr, Config: cfg, Log: log}
	if role == config.RoleHost {
		handler.RegisterHost(reg, hd)
	} else {
		handler.RegisterClient(reg, hd)
		event.Subscribe(n.bus, func(e event.CharacterCreationRequired) {
			n.mgr.SubmitCharacterCreation(&protocol.CharacterCreation{Culture: "empire"})
		})
	}

	n.runner.Register(NewInputSystem(srv, reg, n.store, n.mgr, 0, log))
	n.runner.Register(n.cmds)
	n.runner.Register(NewEventSystem(n.bus))
	n.runner.Register(NewSessionSystem(n.mgr, cfg))
	n.runner.Register(NewSimulationSystem(n.sim))
	n.runner.Register(NewSyncSystem(b))
	if sender != nil {
		n.runner.Register(NewTransferSystem(sender, log))
	}
	n.runner.Register(NewKeepaliveSystem(n.store, cfg.Session.KeepaliveInterval))
	n.runner.Register(NewOutputSystem(n.store))
	n.runner.Register(NewCleanupSystem(n.sim))

	if role == config.RoleHost {
		if _, err := n.sim.CreateCharacter(sim.CharacterSpec{Name: "Host", Culture: "empire", Main: true}); err != nil {
			t.Fatal(err)
		}
		n.mgr.StartHostSession("Host")
		go srv.AcceptLoop()
	}
	return n
}

// runUntil ticks every node until cond holds or the deadline passes.
func runUntil(t *testing.T, what string, cond func() bool, nodes ...*node) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			n.runner.Tick(tick)
		}
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connect(t *testing.T, host, client *node) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := net.Dial(ctx, host.srv.Addr().String(), 0)
	if err != nil {
		t.Fatal(err)
	}
	client.srv.Adopt(conn)
}

func TestLoopbackJoinAndLeave(t *testing.T) {
	host := newNode(t, config.RoleHost, "127.0.0.1:0")
	client := newNode(t, config.RoleClient, "")
	connect(t, host, client)

	runUntil(t, "client in session", func() bool {
		if client.mgr.State() != session.InSession {
			return false
		}
		p, ok := host.mgr.World().Players.FindByName("Ann")
		return ok && p.ShadowPartyID != "" && client.mgr.World().Players.Count() == 2
	}, host, client)

	guest, _ := host.mgr.World().Players.FindByName("Ann")
	if guest.NetworkID == world.HostNetworkID || !host.sim.IsShadow(guest.ShadowPartyID) {
		t.Fatalf("guest record on host = %+v", guest)
	}
	if local, ok := client.mgr.World().Players.Local(); !ok || local.NetworkID != guest.NetworkID {
		t.Fatalf("client local record = %+v, %v", local, ok)
	}

	// client drops its connection; both sides clean up
	client.store.ForEach(func(s *net.Session) { s.Close() })
	runUntil(t, "both sides cleaned up", func() bool {
		return host.mgr.World().Players.Count() == 1 &&
			client.mgr.State() == session.Disconnected
	}, host, client)
	// the host-spawned party is parked for a later reclaim, no longer a shadow
	if host.sim.IsShadow(guest.ShadowPartyID) || !host.sim.PartyExists(guest.ShadowPartyID) {
		t.Fatalf("guest party not parked after disconnect")
	}
}

func TestKickThroughCommandQueue(t *testing.T) {
	host := newNode(t, config.RoleHost, "127.0.0.1:0")
	client := newNode(t, config.RoleClient, "")
	connect(t, host, client)
	runUntil(t, "client in session", func() bool {
		return client.mgr.State() == session.InSession
	}, host, client)

	guest, _ := host.mgr.World().Players.FindByName("Ann")
	result := make(chan error, 1)
	if !host.cmds.Post(func() { result <- host.mgr.KickPlayer(guest.NetworkID, "bye") }) {
		t.Fatalf("command queue refused post")
	}
	var left event.PlayerLeft
	event.Subscribe(client.bus, func(e event.PlayerLeft) {
		if e.Kicked {
			left = e
		}
	})

	runUntil(t, "client kicked", func() bool {
		return client.mgr.State() == session.Disconnected && left.Kicked
	}, host, client)
	if err := <-result; err != nil {
		t.Fatal(err)
	}
	if left.Reason != "bye" || host.mgr.World().Players.Count() != 1 {
		t.Fatalf("kick notice = %+v, host roster %d", left, host.mgr.World().Players.Count())
	}
}

func TestCommandSystemRecoversAndBounds(t *testing.T) {
	s := NewCommandSystem(2, zaptest.NewLogger(t))
	ran := 0
	if !s.Post(func() { panic("boom") }) || !s.Post(func() { ran++ }) {
		t.Fatalf("post refused under capacity")
	}
	if s.Post(func() { ran++ }) {
		t.Fatalf("post accepted past capacity")
	}
	s.Update(tick)
	if ran != 1 {
		t.Fatalf("ran = %d after panic in earlier command", ran)
	}
	s.Update(tick)
	if ran != 1 {
		t.Fatalf("command ran twice")
	}
}

type countingSim struct {
	ticked  time.Duration
	flushes int
}

func (c *countingSim) Tick(dt time.Duration) { c.ticked += dt }
func (c *countingSim) Flush() int          { c.flushes++; return 1 }

func TestRunnerPhaseOrder(t *testing.T) {
	var order []string
	c := &countingSim{}
	r := coresys.NewRunner(zaptest.NewLogger(t))
	cleanup := NewCleanupSystem(c)
	r.Register(cleanup)
	r.Register(recordSystem{coresys.PhaseOutput, "output", &order})
	r.Register(NewSimulationSystem(c))
	r.Register(recordSystem{coresys.PhaseInput, "input", &order})
	r.Tick(tick)
	r.Tick(tick)

	if len(order) != 4 || order[0] != "input" || order[1] != "output" {
		t.Fatalf("order = %v", order)
	}
	if r.Len() != 4 || r.PhaseLen(coresys.PhaseUpdate) != 1 || r.PhaseLen(coresys.PhasePreUpdate) != 0 {
		t.Fatalf("phase buckets: len %d", r.Len())
	}
	if c.ticked != 2*tick || c.flushes != 2 || cleanup.Released() != 2 {
		t.Fatalf("sim ticked %s, flushed %d", c.ticked, c.flushes)
	}
}

type recordSystem struct {
	phase coresys.Phase
	name  string
	out   *[]string
}

func (r recordSystem) Phase() coresys.Phase   { return r.phase }
func (r recordSystem) Update(_ time.Duration) { *r.out = append(*r.out, r.name) }

func TestDue(t *testing.T) {
	var acc time.Duration
	hits := 0
	for i := 0; i < 10; i++ {
		if due(&acc, tick, 3*tick) {
			hits++
		}
	}
	if hits != 3 {
		t.Fatalf("hits = %d, want 3", hits)
	}
}
