// Package admin exposes a small HTTP API for operators of a hosting
// process: health, the live roster and battles, kicking players, and the
// websocket upgrade endpoint for the session transport.
package admin

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coopmap/server/internal/config"
	"github.com/coopmap/server/internal/session"
	"github.com/coopmap/server/internal/world"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const kickTimeout = 2 * time.Second

// Poster runs fn on the game loop.
type Poster interface {
	Post(fn func()) bool
}

// Kicker removes a player from the session. Game loop only.
type Kicker interface {
	KickPlayer(networkID int, reason string) error
}

// Deps holds what the admin API reads and mutates.
type Deps struct {
	Config    config.AdminConfig
	Role      config.Role
	World     *world.State
	Kicker    Kicker
	Commands  Poster
	WebSocket http.HandlerFunc // nil disables /ws
	Log       *zap.Logger
}

type Server struct {
	d         Deps
	engine    *gin.Engine
	http      *http.Server
	startedAt time.Time
}

func NewServer(d Deps) *Server {
	s := &Server{d: d, startedAt: time.Now()}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/health", s.health)
	if s.d.WebSocket != nil {
		r.GET("/ws", gin.WrapF(s.d.WebSocket))
	}

	api := r.Group("/api")
	{
		api.GET("/players", s.players)
		api.GET("/battles", s.battles)
		api.POST("/players/:id/kick", s.requireToken(), s.kick)
	}
	return r
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	s.http = &http.Server{
		Addr:              s.d.Config.BindAddress,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.d.Log.Error("管理介面停止", zap.Error(err))
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.d.Log.Debug("admin request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}

// requireToken guards mutating routes. With no token configured they are
// refused outright.
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		want := s.d.Config.Token
		if want == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin token not configured"})
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"role":           string(s.d.Role),
		"players":        s.d.World.Players.Count(),
		"battles":        s.d.World.Battles.Len(),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

type playerView struct {
	NetworkID int     `json:"network_id"`
	Name      string  `json:"name"`
	Host      bool    `json:"host"`
	State     string  `json:"state"`
	HeroID    string  `json:"hero_id,omitempty"`
	PartyID   string  `json:"party_id,omitempty"`
	Shadow    string  `json:"shadow_party_id,omitempty"`
	Battle    string  `json:"battle_id,omitempty"`
	Culture   string  `json:"culture,omitempty"`
	X         float32 `json:"x"`
	Y         float32 `json:"y"`
}

func (s *Server) players(c *gin.Context) {
	all := s.d.World.Players.All()
	out := make([]playerView, 0, len(all))
	for _, p := range all {
		out = append(out, playerView{
			NetworkID: p.NetworkID,
			Name:      p.Name,
			Host:      p.IsHost,
			State:     p.State.String(),
			HeroID:    p.HeroID,
			PartyID:   p.PartyID,
			Shadow:    p.ShadowPartyID,
			Battle:    p.CurrentBattleID,
			Culture:   p.Culture,
			X:         p.MapPosition.X,
			Y:         p.MapPosition.Y,
		})
	}
	c.JSON(http.StatusOK, out)
}

type battleView struct {
	BattleID  string            `json:"battle_id"`
	Initiator int               `json:"initiator"`
	X         float32           `json:"x"`
	Y         float32           `json:"y"`
	Sides     map[string]string `json:"sides"`
	StartedAt time.Time         `json:"started_at"`
}

func (s *Server) battles(c *gin.Context) {
	active := s.d.World.Battles.ActiveBattles()
	out := make([]battleView, 0, len(active))
	for _, b := range active {
		sides := make(map[string]string, len(b.PlayerSides))
		for id, side := range b.PlayerSides {
			sides[strconv.Itoa(id)] = side.String()
		}
		out = append(out, battleView{
			BattleID:  b.BattleID,
			Initiator: b.InitiatorPlayerID,
			X:         b.MapPosition.X,
			Y:         b.MapPosition.Y,
			Sides:     sides,
			StartedAt: b.StartedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

type kickRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) kick(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid player id"})
		return
	}
	var req kickRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	done := make(chan error, 1)
	if !s.d.Commands.Post(func() { done <- s.d.Kicker.KickPlayer(id, req.Reason) }) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "game loop busy"})
		return
	}

	select {
	case err := <-done:
		switch {
		case err == nil:
			s.d.Log.Info("管理介面踢出玩家", zap.Int("network_id", id), zap.String("reason", req.Reason))
			c.JSON(http.StatusOK, gin.H{"kicked": id})
		case errors.Is(err, session.ErrUnknownPlayer):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		}
	case <-time.After(kickTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "game loop did not respond"})
	case <-c.Request.Context().Done():
	}
}
