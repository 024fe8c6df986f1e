package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Role selects which side of the session this process plays.
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Session   SessionConfig   `toml:"session"`
	Client    ClientConfig    `toml:"client"`
	Sync      SyncConfig      `toml:"sync"`
	Transfer  TransferConfig  `toml:"transfer"`
	Network   NetworkConfig   `toml:"network"`
	Store     StoreConfig     `toml:"store"`
	Admin     AdminConfig     `toml:"admin"`
	Scripting ScriptingConfig `toml:"scripting"`
	Data      DataConfig      `toml:"data"`
	Logging   LoggingConfig   `toml:"logging"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

type ServerConfig struct {
	Name      string `toml:"name" env:"COOPMAP_NAME"` // local player name
	Role      Role   `toml:"role" env:"COOPMAP_ROLE"`
	StartTime int64  // set at boot, not from config
}

type SessionConfig struct {
	ProtocolVersion     string        `toml:"protocol_version"`
	MaxPlayers          int           `toml:"max_players" env:"COOPMAP_MAX_PLAYERS"`     // host included
	PasswordHash        string        `toml:"password_hash" env:"COOPMAP_PASSWORD_HASH"` // bcrypt; empty = open session
	JoinPollInterval    time.Duration `toml:"join_poll_interval"`
	HostLinkInterval    time.Duration `toml:"host_link_interval"`
	RequireSaveTransfer bool          `toml:"require_save_transfer"` // bootstrap clients without a world snapshot
	MaxNameLength       int           `toml:"max_name_length"`
	KeepaliveInterval   time.Duration `toml:"keepalive_interval"`
}

type ClientConfig struct {
	HostAddress   string        `toml:"host_address" env:"COOPMAP_HOST_ADDRESS"` // host:port or ws://host:port/ws
	Password      string        `toml:"password" env:"COOPMAP_PASSWORD"`
	Culture       string        `toml:"culture" env:"COOPMAP_CULTURE"`
	BringHero     bool          `toml:"bring_hero"` // export the local main hero on join
	Reclaim       bool          `toml:"reclaim"`    // expect the host to hold a character for this name
	HasWorld      bool          `toml:"has_world"`  // local world snapshot already present
	ReadyInterval time.Duration `toml:"ready_interval"`
}

type SyncConfig struct {
	Interval          time.Duration `toml:"interval"`
	KeyframeEvery     int           `toml:"keyframe_every"` // ticks between unconditional sends
	MinTimeMultiplier float32       `toml:"min_time_multiplier"`
	TransformScaleX   float32       `toml:"transform_scale_x"`
	TransformScaleY   float32       `toml:"transform_scale_y"`
	TransformOffsetX  float32       `toml:"transform_offset_x"`
	TransformOffsetY  float32       `toml:"transform_offset_y"`
}

type TransferConfig struct {
	ChunkSize int    `toml:"chunk_size"`
	PaceEvery int    `toml:"pace_every"` // chunks per tick per transfer
	SaveName  string `toml:"save_name"`
	SaveDir   string `toml:"save_dir" env:"COOPMAP_SAVE_DIR"`
}

type NetworkConfig struct {
	BindAddress       string        `toml:"bind_address" env:"COOPMAP_BIND_ADDRESS"` // empty = websocket only
	TickRate          time.Duration `toml:"tick_rate"`
	InQueueSize       int           `toml:"in_queue_size"`
	OutQueueSize      int           `toml:"out_queue_size"`
	MaxPacketsPerTick int           `toml:"max_packets_per_tick"`
	WriteTimeout      time.Duration `toml:"write_timeout"`
	ReadTimeout       time.Duration `toml:"read_timeout"`
	DialTimeout       time.Duration `toml:"dial_timeout"`
}

type StoreConfig struct {
	Driver          string        `toml:"driver" env:"COOPMAP_STORE_DRIVER"` // postgres, sqlite or memory
	DSN             string        `toml:"dsn" env:"COOPMAP_STORE_DSN"`
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
}

type AdminConfig struct {
	Enabled     bool   `toml:"enabled" env:"COOPMAP_ADMIN_ENABLED"`
	BindAddress string `toml:"bind_address" env:"COOPMAP_ADMIN_ADDRESS"`
	Token       string `toml:"token" env:"COOPMAP_ADMIN_TOKEN"` // bearer token for mutating routes
}

type ScriptingConfig struct {
	Dir string `toml:"dir"`
}

type DataConfig struct {
	Dir string `toml:"dir"`
}

type LoggingConfig struct {
	Level  string `toml:"level" env:"COOPMAP_LOG_LEVEL"`
	Format string `toml:"format"` // "json" or "console"
}

type RateLimitConfig struct {
	Enabled          bool `toml:"enabled"`
	PacketsPerSecond int  `toml:"packets_per_second"`
}

// Load reads the TOML file over defaults, then applies COOPMAP_* environment
// overrides and validates the result. A missing file is not an error when
// the path is the default one; environment and defaults still apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Server.StartTime = time.Now().Unix()
	return cfg, nil
}

// DefaultPath is used when COOPMAP_CONFIG is unset.
const DefaultPath = "config/server.toml"

// Validate rejects settings the session cannot run with.
func (c *Config) Validate() error {
	c.Server.Role = Role(strings.ToLower(string(c.Server.Role)))
	switch c.Server.Role {
	case RoleHost, RoleClient:
	default:
		return fmt.Errorf("config: server.role must be host or client, got %q", c.Server.Role)
	}
	if strings.TrimSpace(c.Server.Name) == "" {
		return errors.New("config: server.name is required")
	}
	if c.Session.ProtocolVersion == "" {
		return errors.New("config: session.protocol_version is required")
	}
	if c.Session.MaxPlayers < 1 {
		return fmt.Errorf("config: session.max_players must be >= 1, got %d", c.Session.MaxPlayers)
	}
	if c.Sync.Interval < 10*time.Millisecond {
		return fmt.Errorf("config: sync.interval %s below 10ms", c.Sync.Interval)
	}
	if c.Transfer.ChunkSize <= 0 || c.Transfer.PaceEvery <= 0 {
		return errors.New("config: transfer.chunk_size and transfer.pace_every must be positive")
	}
	switch c.Store.Driver {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("config: store.driver must be postgres, sqlite or memory, got %q", c.Store.Driver)
	}
	if c.Server.Role == RoleClient && c.Client.HostAddress == "" {
		return errors.New("config: client.host_address is required for clients")
	}
	return nil
}

// Default returns the built-in settings Load starts from.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name: "Host",
			Role: RoleHost,
		},
		Session: SessionConfig{
			ProtocolVersion:     "1.0.0",
			MaxPlayers:          4,
			JoinPollInterval:    500 * time.Millisecond,
			HostLinkInterval:    time.Second,
			RequireSaveTransfer: true,
			MaxNameLength:       32,
			KeepaliveInterval:   15 * time.Second,
		},
		Client: ClientConfig{
			Culture:       "empire",
			Reclaim:       true,
			ReadyInterval: 500 * time.Millisecond,
		},
		Sync: SyncConfig{
			Interval:          100 * time.Millisecond,
			KeyframeEvery:     20,
			MinTimeMultiplier: 0.1,
		},
		Transfer: TransferConfig{
			ChunkSize: 16 * 1024,
			PaceEvery: 10,
			SaveName:  "coop_world.sav",
			SaveDir:   "saves",
		},
		Network: NetworkConfig{
			BindAddress:       "0.0.0.0:7201",
			TickRate:          50 * time.Millisecond,
			InQueueSize:       128,
			OutQueueSize:      1024,
			MaxPacketsPerTick: 64,
			WriteTimeout:      10 * time.Second,
			ReadTimeout:       60 * time.Second,
			DialTimeout:       10 * time.Second,
		},
		Store: StoreConfig{
			Driver:          "sqlite",
			DSN:             "coopmap.db",
			MaxOpenConns:    4,
			MaxIdleConns:    1,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Admin: AdminConfig{
			Enabled:     false,
			BindAddress: "127.0.0.1:7280",
		},
		Scripting: ScriptingConfig{Dir: "scripts"},
		Data:      DataConfig{Dir: "data/yaml"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		RateLimit: RateLimitConfig{
			Enabled:          true,
			PacketsPerSecond: 400,
		},
	}
}
