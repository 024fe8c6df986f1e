package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coopmap/server/internal/config"
	"github.com/coopmap/server/internal/session"
	"github.com/coopmap/server/internal/world"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// inline runs posted work immediately, standing in for the game loop.
type inline struct{ refuse bool }

func (i inline) Post(fn func()) bool {
	if i.refuse {
		return false
	}
	fn()
	return true
}

type fakeKicker struct {
	state  *world.State
	kicked []int
	reason string
}

func (k *fakeKicker) KickPlayer(id int, reason string) error {
	if _, ok := k.state.Players.Remove(id); !ok {
		return fmt.Errorf("kick %d: %w", id, session.ErrUnknownPlayer)
	}
	k.kicked = append(k.kicked, id)
	k.reason = reason
	return nil
}

func newTestServer(t *testing.T, token string, post Poster) (*Server, *fakeKicker) {
	t.Helper()
	state := world.NewState()
	state.Players.Add(world.Player{NetworkID: 0, Name: "Host", IsHost: true})
	state.Players.Add(world.Player{NetworkID: 1, Name: "Ann", PeerID: 7, MapPosition: world.Vec2{X: 3, Y: 4}})
	state.StartBattle(1, world.Vec2{X: 3, Y: 4}, world.Attacker)
	k := &fakeKicker{state: state}
	s := NewServer(Deps{
		Config:   config.AdminConfig{Token: token},
		Role:     config.RoleHost,
		World:    state,
		Kicker:   k,
		Commands: post,
		Log:      zaptest.NewLogger(t),
	})
	return s, k
}

func do(s *Server, method, path, auth, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndRoster(t *testing.T) {
	s, _ := newTestServer(t, "", inline{})

	rec := do(s, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status %d", rec.Code)
	}
	var health map[string]any
	json.Unmarshal(rec.Body.Bytes(), &health)
	if health["players"] != float64(2) || health["battles"] != float64(1) || health["role"] != "host" {
		t.Fatalf("health = %v", health)
	}

	rec = do(s, http.MethodGet, "/api/players", "", "")
	var players []playerView
	if err := json.Unmarshal(rec.Body.Bytes(), &players); err != nil {
		t.Fatal(err)
	}
	if len(players) != 2 || players[1].Name != "Ann" || players[1].X != 3 {
		t.Fatalf("players = %+v", players)
	}

	rec = do(s, http.MethodGet, "/api/battles", "", "")
	var battles []battleView
	if err := json.Unmarshal(rec.Body.Bytes(), &battles); err != nil {
		t.Fatal(err)
	}
	if len(battles) != 1 || battles[0].Sides["1"] != "Attacker" {
		t.Fatalf("battles = %+v", battles)
	}
}

func TestKickRequiresToken(t *testing.T) {
	open, _ := newTestServer(t, "", inline{})
	if rec := do(open, http.MethodPost, "/api/players/1/kick", "Bearer x", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("kick without configured token: %d", rec.Code)
	}

	s, k := newTestServer(t, "secret", inline{})
	if rec := do(s, http.MethodPost, "/api/players/1/kick", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("kick without header: %d", rec.Code)
	}
	if rec := do(s, http.MethodPost, "/api/players/1/kick", "Bearer wrong", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("kick with wrong token: %d", rec.Code)
	}
	if len(k.kicked) != 0 {
		t.Fatalf("unauthorized kick went through")
	}
}

func TestKick(t *testing.T) {
	s, k := newTestServer(t, "secret", inline{})
	rec := do(s, http.MethodPost, "/api/players/1/kick", "Bearer secret", `{"reason":"afk"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("kick status %d: %s", rec.Code, rec.Body.String())
	}
	if len(k.kicked) != 1 || k.kicked[0] != 1 || k.reason != "afk" {
		t.Fatalf("kicked = %v reason %q", k.kicked, k.reason)
	}

	if rec := do(s, http.MethodPost, "/api/players/1/kick", "Bearer secret", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second kick: %d", rec.Code)
	}
	if rec := do(s, http.MethodPost, "/api/players/abc/kick", "Bearer secret", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: %d", rec.Code)
	}
}

func TestKickWhenLoopBusy(t *testing.T) {
	s, k := newTestServer(t, "secret", inline{refuse: true})
	if rec := do(s, http.MethodPost, "/api/players/1/kick", "Bearer secret", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("busy loop: %d", rec.Code)
	}
	if len(k.kicked) != 0 {
		t.Fatalf("kick ran despite refused post")
	}
}

func TestWebSocketRouteOptional(t *testing.T) {
	s, _ := newTestServer(t, "", inline{})
	if rec := do(s, http.MethodGet, "/ws", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("/ws without transport: %d", rec.Code)
	}
}
