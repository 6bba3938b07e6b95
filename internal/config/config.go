package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sidekeep/sidekeep/internal/logger"
	"github.com/spf13/viper"
)

// DefaultPort is the fixed loopback port the sidecar listens on.
const DefaultPort = 27272

// Sidecar describes the helper process this instance supervises.
type Sidecar struct {
	// ExecPath is the sidecar executable to spawn.
	ExecPath string `toml:"exec_path" mapstructure:"exec_path"`
	// Port is the loopback port for handshake, health and websocket traffic.
	Port int `toml:"port" mapstructure:"port"`
	// Version is the sidecar version this client expects, compared
	// byte-for-byte against the /version endpoint on first contact.
	Version string `toml:"version" mapstructure:"version"`
	// StateDir holds the handle file, the stderr capture and, by default,
	// the secrets directory and the sidecar log file.
	StateDir string `toml:"state_dir" mapstructure:"state_dir"`
	// LogFile is the sidecar's own log file (tailed after spawn). Defaults
	// to StateDir/sidecar.log.
	LogFile string `toml:"log_file" mapstructure:"log_file"`
}

// Supervisor bounds and pacing for the acquire loop.
type Supervisor struct {
	HandshakeAttempts   int           `toml:"handshake_attempts" mapstructure:"handshake_attempts"`
	HealthcheckAttempts int           `toml:"healthcheck_attempts" mapstructure:"healthcheck_attempts"`
	RetryPause          time.Duration `toml:"retry_pause" mapstructure:"retry_pause"`
	KillPause           time.Duration `toml:"kill_pause" mapstructure:"kill_pause"`
	TermWait            time.Duration `toml:"term_wait" mapstructure:"term_wait"`
	KillWait            time.Duration `toml:"kill_wait" mapstructure:"kill_wait"`
	HTTPTimeout         time.Duration `toml:"http_timeout" mapstructure:"http_timeout"`
}

// Channel tuning for the websocket event channel.
type Channel struct {
	PeerAnnounceInterval time.Duration `toml:"peer_announce_interval" mapstructure:"peer_announce_interval"`
	SendBuffer           int           `toml:"send_buffer" mapstructure:"send_buffer"`
}

// Secrets selects the shared secret store backend.
type Secrets struct {
	// Backend is "file" or "sqlite".
	Backend string `toml:"backend" mapstructure:"backend"`
	// Path is the directory for the file backend or the database file for
	// the sqlite backend. Defaults under StateDir.
	Path string `toml:"path" mapstructure:"path"`
}

// Diag selects the diagnostics sink backend.
type Diag struct {
	// Backend is "log", "sqlite", "postgres" or "clickhouse".
	Backend  string `toml:"backend" mapstructure:"backend"`
	Path     string `toml:"path" mapstructure:"path"`         // sqlite file
	DSN      string `toml:"dsn" mapstructure:"dsn"`           // postgres
	Addr     string `toml:"addr" mapstructure:"addr"`         // clickhouse host:port
	Database string `toml:"database" mapstructure:"database"` // clickhouse
	Username string `toml:"username" mapstructure:"username"` // clickhouse
	Password string `toml:"password" mapstructure:"password"` // clickhouse
	Table    string `toml:"table" mapstructure:"table"`
}

// Notifications gates user-facing surfacing of sidecar log errors.
type Notifications struct {
	SurfaceLogErrors bool          `toml:"surface_log_errors" mapstructure:"surface_log_errors"`
	Cooldown         time.Duration `toml:"cooldown" mapstructure:"cooldown"`
}

// Server configures the optional loopback status/metrics API.
type Server struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// Config is the top-level TOML structure.
type Config struct {
	Sidecar       Sidecar       `toml:"sidecar" mapstructure:"sidecar"`
	Supervisor    Supervisor    `toml:"supervisor" mapstructure:"supervisor"`
	Channel       Channel       `toml:"channel" mapstructure:"channel"`
	Secrets       Secrets       `toml:"secrets" mapstructure:"secrets"`
	Diag          Diag          `toml:"diag" mapstructure:"diag"`
	Log           logger.Config `toml:"log" mapstructure:"log"`
	Notifications Notifications `toml:"notifications" mapstructure:"notifications"`
	Server        Server        `toml:"server" mapstructure:"server"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// Load reads a TOML config file, applies SIDEKEEP_* environment overrides,
// fills defaults and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("SIDEKEEP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ApplyDefaults fills zero fields in place.
func (c *Config) ApplyDefaults() {
	if c.Sidecar.Port == 0 {
		c.Sidecar.Port = DefaultPort
	}
	if c.Sidecar.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		c.Sidecar.StateDir = filepath.Join(home, ".sidekeep")
	}
	if c.Sidecar.LogFile == "" {
		c.Sidecar.LogFile = filepath.Join(c.Sidecar.StateDir, "sidecar.log")
	}
	if c.Supervisor.HandshakeAttempts == 0 {
		c.Supervisor.HandshakeAttempts = 10
	}
	if c.Supervisor.HealthcheckAttempts == 0 {
		c.Supervisor.HealthcheckAttempts = 10
	}
	if c.Supervisor.RetryPause == 0 {
		c.Supervisor.RetryPause = 500 * time.Millisecond
	}
	if c.Supervisor.KillPause == 0 {
		c.Supervisor.KillPause = time.Second
	}
	if c.Supervisor.TermWait == 0 {
		c.Supervisor.TermWait = 2 * time.Second
	}
	if c.Supervisor.KillWait == 0 {
		c.Supervisor.KillWait = 2 * time.Second
	}
	if c.Supervisor.HTTPTimeout == 0 {
		c.Supervisor.HTTPTimeout = 5 * time.Second
	}
	if c.Channel.PeerAnnounceInterval == 0 {
		c.Channel.PeerAnnounceInterval = 30 * time.Second
	}
	if c.Channel.SendBuffer == 0 {
		c.Channel.SendBuffer = 64
	}
	if c.Secrets.Backend == "" {
		c.Secrets.Backend = "file"
	}
	if c.Secrets.Path == "" {
		switch c.Secrets.Backend {
		case "sqlite":
			c.Secrets.Path = filepath.Join(c.Sidecar.StateDir, "secrets.db")
		default:
			c.Secrets.Path = filepath.Join(c.Sidecar.StateDir, "secrets")
		}
	}
	if c.Diag.Backend == "" {
		c.Diag.Backend = "log"
	}
	if c.Diag.Path == "" {
		c.Diag.Path = filepath.Join(c.Sidecar.StateDir, "diag.db")
	}
	if c.Diag.Table == "" {
		c.Diag.Table = "sidekeep_diag"
	}
	if c.Notifications.Cooldown == 0 {
		c.Notifications.Cooldown = 30 * time.Second
	}
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:9610"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/api"
	}
}

// Validate rejects values the rest of the system cannot work with.
func (c *Config) Validate() error {
	if c.Sidecar.Port < 1 || c.Sidecar.Port > 65535 {
		return fmt.Errorf("sidecar.port %d out of range", c.Sidecar.Port)
	}
	switch c.Secrets.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown secrets.backend %q", c.Secrets.Backend)
	}
	switch c.Diag.Backend {
	case "log", "sqlite", "postgres", "clickhouse":
	default:
		return fmt.Errorf("unknown diag.backend %q", c.Diag.Backend)
	}
	if c.Diag.Backend == "postgres" && c.Diag.DSN == "" {
		return fmt.Errorf("diag.backend postgres requires diag.dsn")
	}
	if c.Diag.Backend == "clickhouse" && c.Diag.Addr == "" {
		return fmt.Errorf("diag.backend clickhouse requires diag.addr")
	}
	if c.Supervisor.HandshakeAttempts < 1 || c.Supervisor.HealthcheckAttempts < 1 {
		return fmt.Errorf("supervisor attempt bounds must be positive")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// BaseURL is the sidecar's HTTP base.
func (c Config) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", c.Sidecar.Port)
}

// WSURL is the sidecar's websocket endpoint.
func (c Config) WSURL() string {
	return fmt.Sprintf("ws://127.0.0.1:%d/gateway/v1/ws", c.Sidecar.Port)
}
