package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coopmap/server/internal/admin"
	"github.com/coopmap/server/internal/config"
	"github.com/coopmap/server/internal/core/event"
	coresys "github.com/coopmap/server/internal/core/system"
	"github.com/coopmap/server/internal/data"
	"github.com/coopmap/server/internal/handler"
	gonet "github.com/coopmap/server/internal/net"
	"github.com/coopmap/server/internal/net/packet"
	"github.com/coopmap/server/internal/persist"
	"github.com/coopmap/server/internal/protocol"
	"github.com/coopmap/server/internal/scripting"
	"github.com/coopmap/server/internal/session"
	"github.com/coopmap/server/internal/shadow"
	"github.com/coopmap/server/internal/sim"
	"github.com/coopmap/server/internal/statesync"
	"github.com/coopmap/server/internal/system"
	"github.com/coopmap/server/internal/transfer"
	"github.com/coopmap/server/internal/world"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		if err := hashPassword(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "hash-password: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// hashPassword prints the bcrypt hash to put in session.password_hash.
func hashPassword(args []string) error {
	if len(args) != 1 || args[0] == "" {
		return errors.New("usage: coopmap hash-password <password>")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	fmt.Println(string(hash))
	return nil
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(name string, role config.Role) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m              coopmap  v0.1.0              \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  │\033[0m        戰役地圖多人連線 · Go 伺服器       \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1m玩家:\033[0m %s \033[90m(角色: %s)\033[0m\n\n", name, role)
}

// displayWidth counts CJK characters as two columns.
func displayWidth(s string) int {
	w := 0
	for _, r := range s {
		if r > 0x7F {
			w += 2
		} else {
			w++
		}
	}
	return w
}

func printSection(title string) {
	lineLen := 46 - displayWidth(title) - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, count int) {
	numStr := fmt.Sprintf("%d", count)
	dotsLen := 42 - displayWidth(label) - len(numStr)
	if dotsLen < 3 {
		dotsLen = 3
	}
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", dotsLen), numStr)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// ── Main loop ─────────────────────────────────────────────────────

func run() error {
	// 1. Load config
	cfgPath := config.DefaultPath
	if p := os.Getenv("COOPMAP_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	printBanner(cfg.Server.Name, cfg.Server.Role)
	isHost := cfg.Server.Role == config.RoleHost

	// 3. Data tables and spawn script
	printSection("資料")
	tables, err := data.LoadSpawnTables(cfg.Data.Dir)
	if err != nil {
		return fmt.Errorf("load data: %w", err)
	}
	printStat("文化", tables.Cultures.Count())
	printStat("聚落", tables.Settlements.Count())

	scripts, err := scripting.NewEngine(cfg.Scripting.Dir, log)
	if err != nil {
		return fmt.Errorf("scripting: %w", err)
	}
	defer scripts.Close()
	printOK("Lua 出生點腳本已載入")

	// 4. Character mapping store (host only)
	var store persist.CharacterStore
	if isHost {
		printSection("資料庫")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		store, err = persist.Open(ctx, cfg.Store, log)
		cancel()
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()
		printOK(fmt.Sprintf("角色對應表已開啟 (%s)", cfg.Store.Driver))
		if known, err := listKnown(store); err == nil {
			printStat("已知角色", known)
		}
	}

	// 5. Simulation
	simulation := sim.NewMemory(tables, log)
	if isHost || cfg.Client.BringHero {
		start := startPos(tables, cfg.Client.Culture)
		if _, err := simulation.CreateCharacter(sim.CharacterSpec{
			Name:    cfg.Server.Name,
			Culture: cfg.Client.Culture,
			X:       start.X,
			Y:       start.Y,
			Main:    true,
		}); err != nil {
			return fmt.Errorf("create local hero: %w", err)
		}
	}

	// 6. Session layer
	worldState := world.NewState()
	sessions := gonet.NewSessionStore()
	bus := event.NewBus()

	shadows := shadow.NewManager(simulation, log)
	shadows.SetTransform(shadow.Transform{
		ScaleX:  cfg.Sync.TransformScaleX,
		ScaleY:  cfg.Sync.TransformScaleY,
		OffsetX: cfg.Sync.TransformOffsetX,
		OffsetY: cfg.Sync.TransformOffsetY,
	})

	syncRole := statesync.RoleClient
	if isHost {
		syncRole = statesync.RoleHost
	}
	broadcaster := statesync.New(syncRole, cfg.Sync, worldState, shadows, simulation, sessions, log)

	deps := session.Deps{
		Config:    cfg,
		World:     worldState,
		Shadows:   shadows,
		Sync:      broadcaster,
		Store:     store,
		Sim:       simulation,
		Scripts:   scripts,
		Transport: sessions,
		Bus:       bus,
		Log:       log,
	}
	var sender *transfer.Sender
	if isHost {
		sender = transfer.NewSender(cfg.Transfer, sessions, simulation, log)
		deps.Sender = sender
	} else {
		deps.Receiver = transfer.NewReceiver(cfg.Transfer.SaveDir, log)
	}
	mgr := session.NewManager(deps)

	pktReg := packet.NewRegistry(log)
	hd := &handler.Deps{Session: mgr, Config: cfg, Log: log}
	if isHost {
		handler.RegisterHost(pktReg, hd)
	} else {
		handler.RegisterClient(pktReg, hd)
	}

	stopCh := make(chan string, 1)
	subscribeEvents(bus, cfg, mgr, stopCh, log)

	// 7. Network
	opts := gonet.SessionOptions{
		InQueueSize:  cfg.Network.InQueueSize,
		OutQueueSize: cfg.Network.OutQueueSize,
		WriteTimeout: cfg.Network.WriteTimeout,
		ReadTimeout:  cfg.Network.ReadTimeout,
	}
	if cfg.RateLimit.Enabled {
		opts.PacketsPerSecond = cfg.RateLimit.PacketsPerSecond
	}
	bind := ""
	if isHost {
		bind = cfg.Network.BindAddress
	}
	netServer, err := gonet.NewServer(bind, opts, log)
	if err != nil {
		return fmt.Errorf("net server: %w", err)
	}
	defer netServer.Shutdown()
	go netServer.AcceptLoop()

	// 8. Systems
	commands := system.NewCommandSystem(32, log)
	runner := coresys.NewRunner(log)
	runner.Register(system.NewInputSystem(netServer, pktReg, sessions, mgr, cfg.Network.MaxPacketsPerTick, log))
	runner.Register(commands)
	runner.Register(system.NewEventSystem(bus))
	runner.Register(system.NewSessionSystem(mgr, cfg))
	runner.Register(system.NewSimulationSystem(simulation))
	runner.Register(system.NewSyncSystem(broadcaster))
	if sender != nil {
		runner.Register(system.NewTransferSystem(sender, log))
	}
	runner.Register(system.NewKeepaliveSystem(sessions, cfg.Session.KeepaliveInterval))
	runner.Register(system.NewOutputSystem(sessions))
	runner.Register(system.NewCleanupSystem(simulation))

	// 9. Admin API
	var adminSrv *admin.Server
	if isHost && cfg.Admin.Enabled {
		adminSrv = admin.NewServer(admin.Deps{
			Config:    cfg.Admin,
			Role:      cfg.Server.Role,
			World:     worldState,
			Kicker:    mgr,
			Commands:  commands,
			WebSocket: netServer.WebSocketHandler(),
			Log:       log,
		})
		adminSrv.Start()
	}

	// 10. Start the session
	printSection("連線")
	if isHost {
		mgr.StartHostSession(cfg.Server.Name)
		if addr := netServer.Addr(); addr != nil {
			printReady(fmt.Sprintf("監聽位址 %s", addr.String()))
		}
		if adminSrv != nil {
			printReady(fmt.Sprintf("管理介面 http://%s (websocket: /ws)", cfg.Admin.BindAddress))
		}
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Network.DialTimeout)
		conn, err := gonet.Dial(ctx, cfg.Client.HostAddress, cfg.Network.ReadTimeout)
		cancel()
		if err != nil {
			return fmt.Errorf("connect to host: %w", err)
		}
		netServer.Adopt(conn)
		printReady(fmt.Sprintf("已連線至主機 %s", cfg.Client.HostAddress))
	}
	printReady(fmt.Sprintf("遊戲迴圈啟動 (tick: %s, 系統: %d)", cfg.Network.TickRate, runner.Len()))
	fmt.Println()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.Network.TickRate)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runner.Tick(cfg.Network.TickRate)
		case sig := <-shutdownCh:
			log.Info("收到關閉信號", zap.String("signal", sig.String()))
			shutdown(adminSrv, sessions, log)
			return nil
		case reason := <-stopCh:
			log.Info("工作階段結束", zap.String("reason", reason))
			shutdown(adminSrv, sessions, log)
			return nil
		}
	}
}

// subscribeEvents connects session events to the console. A client builds
// its character from config when asked and stops once the host is gone.
func subscribeEvents(bus *event.Bus, cfg *config.Config, mgr *session.Manager, stopCh chan<- string, log *zap.Logger) {
	event.Subscribe(bus, func(e event.PlayerJoined) {
		log.Info("玩家加入", zap.Int("network_id", e.NetworkID), zap.String("name", e.Name))
	})
	event.Subscribe(bus, func(e event.PlayerLeft) {
		log.Info("玩家離開", zap.Int("network_id", e.NetworkID), zap.String("name", e.Name),
			zap.Bool("kicked", e.Kicked), zap.String("reason", e.Reason))
	})
	event.Subscribe(bus, func(e event.BattleChanged) {
		log.Debug("battle changed", zap.String("battle", e.BattleID), zap.String("kind", e.Kind))
	})
	if cfg.Server.Role == config.RoleHost {
		return
	}

	event.Subscribe(bus, func(e event.JoinRejected) {
		log.Warn("主機拒絕加入", zap.String("reason", e.Reason))
	})
	event.Subscribe(bus, func(e event.SaveFileReceived) {
		log.Info("已收到世界存檔", zap.String("path", e.Path), zap.Bool("checksum_ok", e.ChecksumMatch))
	})
	event.Subscribe(bus, func(e event.CharacterCreationRequired) {
		if e.Reason != "" {
			// config-driven creation would just fail again
			select {
			case stopCh <- "character creation failed: " + e.Reason:
			default:
			}
			return
		}
		mgr.SubmitCharacterCreation(&protocol.CharacterCreation{
			Name:    cfg.Server.Name,
			Culture: cfg.Client.Culture,
		})
	})
	event.Subscribe(bus, func(e event.SessionStateChanged) {
		if e.To == session.Disconnected.String() {
			select {
			case stopCh <- "disconnected from host":
			default:
			}
		}
	})
}

func shutdown(adminSrv *admin.Server, sessions *gonet.SessionStore, log *zap.Logger) {
	if adminSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := adminSrv.Shutdown(ctx); err != nil {
			log.Warn("管理介面關閉失敗", zap.Error(err))
		}
		cancel()
	}
	sessions.ForEach(func(s *gonet.Session) {
		s.CloseAfterFlush()
	})
	log.Info("伺服器已停止")
}

func listKnown(store persist.CharacterStore) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	recs, err := store.List(ctx)
	return len(recs), err
}

// startPos places the local hero at the first settlement of its culture.
func startPos(tables *data.SpawnTables, culture string) world.Vec2 {
	if tables == nil || tables.Settlements == nil {
		return world.Vec2{}
	}
	towns := tables.Settlements.ByCulture(culture)
	if len(towns) == 0 {
		return world.Vec2{}
	}
	return world.Vec2{X: towns[0].X, Y: towns[0].Y}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
