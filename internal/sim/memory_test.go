package sim

import (
	"errors"
	"testing"
	"time"

	"github.com/coopmap/server/internal/component"
	"github.com/coopmap/server/internal/core/ecs"
	"github.com/coopmap/server/internal/data"
	"go.uber.org/zap/zaptest"
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	cultures, err := data.NewCultureTable([]data.CultureEntry{
		{ID: "empire", Playable: true, DefaultAge: 25, Appearance: "imperial"},
		{ID: "sturgia", Playable: true, DefaultAge: 24},
	})
	if err != nil {
		t.Fatal(err)
	}
	settlements, err := data.NewSettlementTable([]data.SettlementEntry{
		{ID: "t1", Culture: "empire", Kind: data.KindTown, X: 10, Y: 20, Weight: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	return NewMemory(&data.SpawnTables{Cultures: cultures, Settlements: settlements}, zaptest.NewLogger(t))
}

func TestShadowEncounterAlwaysBlocked(t *testing.T) {
	m := newTestMemory(t)
	own, err := m.CreateCharacter(CharacterSpec{Name: "Host", Culture: "empire", Main: true})
	if err != nil {
		t.Fatal(err)
	}
	other, err := m.CreatePartyAt(PartySpec{Name: "bandits", Faction: "looters"})
	if err != nil {
		t.Fatal(err)
	}
	shadow, err := m.CreatePartyAt(PartySpec{ID: "party_remote", Name: "Remote", Faction: "coop_shadow"})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.MarkShadow(shadow, 3); err != nil {
		t.Fatal(err)
	}

	pairs := [][2]string{
		{own.PartyID, shadow},
		{shadow, own.PartyID},
		{other, shadow},
		{shadow, other},
		{shadow, shadow},
	}
	for _, p := range pairs {
		if err := m.CanStartEncounter(p[0], p[1]); !errors.Is(err, ErrEncounterBlocked) {
			t.Fatalf("CanStartEncounter(%s, %s) = %v, want blocked", p[0], p[1], err)
		}
		if err := m.StartEncounter(p[0], p[1]); !errors.Is(err, ErrEncounterBlocked) {
			t.Fatalf("StartEncounter(%s, %s) = %v, want blocked", p[0], p[1], err)
		}
	}
	if err := m.CanStartEncounter(own.PartyID, other); err != nil {
		t.Fatalf("regular encounter should be allowed: %v", err)
	}
	if m.AIEnabled(shadow) {
		t.Fatalf("shadow must not be AI driven")
	}
}

func TestCreatePartyRules(t *testing.T) {
	m := newTestMemory(t)
	if _, err := m.CreatePartyAt(PartySpec{Name: "x"}); !errors.Is(err, ErrNoFaction) {
		t.Fatalf("missing faction: %v", err)
	}
	id, err := m.CreatePartyAt(PartySpec{ID: "p", Faction: "f"})
	if err != nil || id != "p" {
		t.Fatalf("CreatePartyAt = %q, %v", id, err)
	}
	if _, err := m.CreatePartyAt(PartySpec{ID: "p", Faction: "f"}); !errors.Is(err, ErrIDInUse) {
		t.Fatalf("duplicate id: %v", err)
	}
	if err := m.DestroyParty("p"); err != nil {
		t.Fatal(err)
	}
	if m.PartyExists("p") {
		t.Fatalf("destroyed party still exists")
	}
	if n := m.Flush(); n != 2 {
		t.Fatalf("Flush destroyed %d entities, want party + hero", n)
	}
}

func TestCreateCharacterDefaults(t *testing.T) {
	m := newTestMemory(t)
	if _, err := m.CreateCharacter(CharacterSpec{Name: "a", Culture: "atlantis"}); err == nil {
		t.Fatalf("unknown culture should fail")
	}
	info, err := m.CreateCharacter(CharacterSpec{Name: " Alice ", Culture: "Empire", X: 1, Y: 2, Main: true})
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "Alice" || info.Appearance != "imperial" || info.Position.X != 1 {
		t.Fatalf("unexpected hero %+v", info)
	}
	main, ok := m.MainHero()
	if !ok || main.HeroID != info.HeroID {
		t.Fatalf("MainHero = %+v, %v", main, ok)
	}
	if _, err := m.CreateCharacter(CharacterSpec{Name: "b", Culture: "empire", Main: true}); err == nil {
		t.Fatalf("second main hero should fail")
	}
}

func TestExportRoundTrip(t *testing.T) {
	src := newTestMemory(t)
	info, _ := src.CreateCharacter(CharacterSpec{Name: "Bob", Culture: "sturgia", IsFemale: true, Age: 40})
	blob, err := src.ExportHero(info.HeroID)
	if err != nil {
		t.Fatal(err)
	}

	dst := newTestMemory(t)
	got, err := dst.SpawnFromExport(blob, 5, 6)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Bob" || got.Culture != "sturgia" || got.Position.X != 5 || got.PartySize != info.PartySize {
		t.Fatalf("spawned %+v from %+v", got, info)
	}
	if _, err := dst.SpawnFromExport([]byte("{{not yaml"), 0, 0); err == nil {
		t.Fatalf("garbage export should fail")
	}
}

func TestTickMovesTowardTarget(t *testing.T) {
	m := newTestMemory(t)
	id, _ := m.CreatePartyAt(PartySpec{ID: "p", Faction: "f", Speed: 2})
	if err := m.SetMoveTarget(id, 10, 0); err != nil {
		t.Fatal(err)
	}
	m.Tick(time.Second)
	pos, _ := m.PartyPosition(id)
	if pos.X < 1.99 || pos.X > 2.01 {
		t.Fatalf("after 1s at speed 2, x = %v", pos.X)
	}
	m.SetTimeMultiplier(0)
	m.Tick(time.Second)
	if p2, _ := m.PartyPosition(id); p2 != pos {
		t.Fatalf("paused simulation moved party")
	}
	m.SetTimeMultiplier(10)
	m.Tick(time.Second)
	if p3, _ := m.PartyPosition(id); p3.X != 10 {
		t.Fatalf("party should arrive, x = %v", p3.X)
	}
}

func TestSaveLoadWorldKeepsShadows(t *testing.T) {
	host := newTestMemory(t)
	hero, _ := host.CreateCharacter(CharacterSpec{Name: "Host", Culture: "empire", X: 3, Y: 4, Main: true})
	sh, _ := host.CreatePartyAt(PartySpec{ID: "ghost", Faction: "coop_shadow"})
	host.MarkShadow(sh, 1)
	raw, err := host.SaveWorld()
	if err != nil {
		t.Fatal(err)
	}

	client := newTestMemory(t)
	keep, _ := client.CreatePartyAt(PartySpec{ID: "remote_shadow", Faction: "coop_shadow"})
	client.MarkShadow(keep, 0)
	client.CreatePartyAt(PartySpec{ID: "stale", Faction: "f"})

	if err := client.LoadWorld(raw); err != nil {
		t.Fatal(err)
	}
	if !client.HeroExists(hero.HeroID) || !client.PartyExists(hero.PartyID) {
		t.Fatalf("host hero missing after load")
	}
	if client.PartyExists("ghost") {
		t.Fatalf("host shadow leaked into snapshot")
	}
	if client.PartyExists("stale") {
		t.Fatalf("pre-load party survived")
	}
	if !client.IsShadow("remote_shadow") {
		t.Fatalf("client shadow lost on load")
	}
	if _, ok := client.MainHero(); ok {
		t.Fatalf("loaded host hero must not become client main hero")
	}
	if pos, _ := client.PartyPosition(hero.PartyID); pos.X != 3 || pos.Y != 4 {
		t.Fatalf("position not restored: %+v", pos)
	}
}

func TestLoadWorldRenamesIDsTakenByShadows(t *testing.T) {
	client := newTestMemory(t)
	remote, err := client.CreateCharacter(CharacterSpec{Name: "Remote", Culture: "empire"})
	if err != nil {
		t.Fatal(err)
	}
	client.MarkShadow(remote.PartyID, 1)
	looters, _ := client.CreatePartyAt(PartySpec{ID: "ghost_looters", Faction: "looters"})
	client.MarkShadow(looters, 2)

	// 存檔的英雄與氏族 id 剛好與客戶端影子相同
	raw, err := marshalYAML(worldSnapshot{
		Version: snapshotVersion,
		NextID:  3,
		Clans: []clanRecord{
			{ID: remote.ClanID, Name: "Host's clan"},
			{ID: "looters", Name: "looters", Placeholder: true},
		},
		Heroes: []heroRecord{
			{ID: remote.HeroID, Name: "Host", Culture: "empire", ClanID: remote.ClanID, PartyID: "host_party"},
		},
		Parties: []partyRecord{
			{ID: "host_party", Name: "Host", HeroID: remote.HeroID, ClanID: remote.ClanID, Size: 10, Speed: 1},
			{ID: "raiders", Name: "raiders", HeroID: "", ClanID: "looters", Size: 5, Speed: 1},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := client.LoadWorld(raw); err != nil {
		t.Fatal(err)
	}

	if !client.IsShadow(remote.PartyID) {
		t.Fatalf("shadow lost on load")
	}
	if h, ok := client.Hero(remote.HeroID); !ok || h.PartyID != remote.PartyID || h.ClanID != remote.ClanID {
		t.Fatalf("shadow hero overwritten: %+v", h)
	}

	hp, ok := client.parties.Get(client.partyIDs["host_party"])
	if !ok {
		t.Fatalf("loaded party missing")
	}
	if hp.HeroID == remote.HeroID || hp.ClanID == remote.ClanID {
		t.Fatalf("loaded party still points at shadow ids: %+v", hp)
	}
	h, ok := client.Hero(hp.HeroID)
	if !ok || h.Name != "Host" || h.PartyID != "host_party" || h.ClanID != hp.ClanID {
		t.Fatalf("renamed hero = %+v, %v", h, ok)
	}
	if _, ok := client.clanIDs[hp.ClanID]; !ok {
		t.Fatalf("renamed clan %s missing", hp.ClanID)
	}

	n := 0
	client.clans.Each(func(_ ecs.EntityID, c *component.Clan) {
		if c.ID == "looters" {
			n++
		}
	})
	if n != 1 {
		t.Fatalf("placeholder clan looters stored %d times", n)
	}
	if rp, _ := client.parties.Get(client.partyIDs["raiders"]); rp.ClanID != "looters" {
		t.Fatalf("raiders clan = %q", rp.ClanID)
	}
}

func TestDestroyPartyReleasesEntities(t *testing.T) {
	m := newTestMemory(t)
	id, err := m.CreatePartyAt(PartySpec{Faction: "bandits"})
	if err != nil {
		t.Fatal(err)
	}
	// placeholder clan, leader hero, party
	if m.EntityCount() != 3 {
		t.Fatalf("entities = %d, want 3", m.EntityCount())
	}
	if err := m.DestroyParty(id); err != nil {
		t.Fatal(err)
	}
	if n := m.Flush(); n != 2 {
		t.Fatalf("flushed %d, want 2", n)
	}
	if m.EntityCount() != 1 || m.PartyExists(id) {
		t.Fatalf("party survived flush, entities = %d", m.EntityCount())
	}
	if err := m.DestroyParty(id); !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("second destroy: %v", err)
	}
}
