// Package config handles configuration loading, validation, and persistence
// for the lockstepd transport daemon.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"

	"github.com/lockstep-project/lockstep/internal/session"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "lockstepd.json"
	DefaultTCPAddr    = ":7000"
	DefaultUDPAddr    = ":7001"
	DefaultAPIAddr    = "127.0.0.1:5080"
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Server    ServerConfig    `json:"server" toml:"server"`
	Transport TransportConfig `json:"transport" toml:"transport"`
	KCP       KCPConfig       `json:"kcp" toml:"kcp"`
	API       APIConfig       `json:"api" toml:"api"`
	MQTT      MQTTConfig      `json:"mqtt" toml:"mqtt"`
	Store     StoreConfig     `json:"store" toml:"store"`
	Logging   LoggingConfig   `json:"logging" toml:"logging"`
	Health    HealthConfig    `json:"health" toml:"health"`
}

// ServerConfig controls the acceptors.
type ServerConfig struct {
	TCPAddr          string `json:"tcp_addr" toml:"tcp_addr"`
	UDPAddr          string `json:"udp_addr" toml:"udp_addr"`
	MaxSessions      int    `json:"max_sessions" toml:"max_sessions"`
	AcceptRatePerSec int    `json:"accept_rate_per_sec" toml:"accept_rate_per_sec"`
	Echo             bool   `json:"echo" toml:"echo"`
	// TraceFrames publishes a frame_received event per routed frame.
	TraceFrames bool `json:"trace_frames" toml:"trace_frames"`
}

// TransportConfig holds session timing.
type TransportConfig struct {
	TickIntervalMS       int `json:"tick_interval_ms" toml:"tick_interval_ms"`
	HeartbeatTimeoutMS   int `json:"heartbeat_timeout_ms" toml:"heartbeat_timeout_ms"`
	SendFailureLimit     int `json:"send_failure_limit" toml:"send_failure_limit"`
	WriteTimeoutMS       int `json:"write_timeout_ms" toml:"write_timeout_ms"`
	StreamIdleTimeoutSec int `json:"stream_idle_timeout_sec" toml:"stream_idle_timeout_sec"`
}

// KCPConfig is the ARQ engine configuration shared by every reliable session.
type KCPConfig struct {
	Conv         uint32 `json:"conv" toml:"conv"`
	SendWindow   int    `json:"snd_wnd" toml:"snd_wnd"`
	RecvWindow   int    `json:"rcv_wnd" toml:"rcv_wnd"`
	MTU          int    `json:"mtu" toml:"mtu"`
	NoDelay      bool   `json:"nodelay" toml:"nodelay"`
	IntervalMS   int    `json:"interval_ms" toml:"interval_ms"`
	Resend       int    `json:"resend" toml:"resend"`
	NoCongestion bool   `json:"no_congestion" toml:"no_congestion"`
}

// APIConfig controls the admin HTTP API.
type APIConfig struct {
	Enabled        bool     `json:"enabled" toml:"enabled"`
	Addr           string   `json:"addr" toml:"addr"`
	AllowedOrigins []string `json:"allowed_origins" toml:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps" toml:"rate_limit_rps"`
	// Token, when set, is required as a bearer token on every route but ping.
	Token string `json:"token" toml:"token"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled" toml:"enabled"`
	Broker      string `json:"broker" toml:"broker"`
	ClientID    string `json:"client_id" toml:"client_id"`
	TopicPrefix string `json:"topic_prefix" toml:"topic_prefix"`
	Username    string `json:"username" toml:"username"`
	Password    string `json:"password" toml:"password"`
}

// StoreConfig points at the session history database.
type StoreConfig struct {
	Enabled bool   `json:"enabled" toml:"enabled"`
	Path    string `json:"path" toml:"path"`
	// RetentionDays prunes closed sessions older than this. Zero keeps all.
	RetentionDays int `json:"retention_days" toml:"retention_days"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `json:"level" toml:"level"`
	Directory string `json:"directory" toml:"directory"`
	Console   bool   `json:"console" toml:"console"`
}

// HealthConfig controls periodic sweeps.
type HealthConfig struct {
	SweepIntervalSec int `json:"sweep_interval_sec" toml:"sweep_interval_sec"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	engine := session.DefaultEngineConfig()
	return &Config{
		Server: ServerConfig{
			TCPAddr:          DefaultTCPAddr,
			UDPAddr:          DefaultUDPAddr,
			MaxSessions:      1024,
			AcceptRatePerSec: 10,
		},
		Transport: TransportConfig{
			TickIntervalMS:     int(session.DefaultTickInterval / time.Millisecond),
			HeartbeatTimeoutMS: int(session.DefaultHeartbeatTimeout / time.Millisecond),
			SendFailureLimit:   session.DefaultSendFailureLimit,
			WriteTimeoutMS:     int(session.DefaultWriteTimeout / time.Millisecond),
		},
		KCP: KCPConfig{
			Conv:         engine.Conv,
			SendWindow:   engine.SendWindow,
			RecvWindow:   engine.RecvWindow,
			MTU:          engine.MTU,
			NoDelay:      engine.NoDelay,
			IntervalMS:   int(engine.Interval / time.Millisecond),
			Resend:       engine.Resend,
			NoCongestion: engine.NoCongestion,
		},
		API: APIConfig{
			Enabled:        true,
			Addr:           DefaultAPIAddr,
			AllowedOrigins: []string{"http://localhost:3000"},
			RateLimitRPS:   50,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://127.0.0.1:1883",
			ClientID:    "lockstepd",
			TopicPrefix: "lockstep",
		},
		Store: StoreConfig{
			Enabled:       true,
			Path:          filepath.Join("data", "sessions.db"),
			RetentionDays: 30,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Directory: "logs",
			Console:   true,
		},
		Health: HealthConfig{
			SweepIntervalSec: 30,
		},
	}
}

// Load reads configuration from path, overlaying it on the defaults. A
// ".toml" extension selects TOML, anything else JSON. A missing file is
// created with the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", path).Msg("config file not found, creating default")
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if isTOML(path) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	log.Info().Str("path", path).Msg("configuration loaded")
	return cfg, nil
}

// Save writes the configuration to its path in the format its extension
// selects.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	if isTOML(c.path) {
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
	} else {
		data, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		buf.Write(data)
	}

	if err := os.WriteFile(c.path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// SetPath changes where Save writes.
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// GetServer returns a copy of the acceptor settings.
func (c *Config) GetServer() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// SessionOptions builds session options from the transport and KCP sections.
func (c *Config) SessionOptions() session.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, k := c.Transport, c.KCP
	heartbeat := time.Duration(t.HeartbeatTimeoutMS) * time.Millisecond
	if t.HeartbeatTimeoutMS < 0 {
		heartbeat = -1
	}
	return session.Options{
		TickInterval:     time.Duration(t.TickIntervalMS) * time.Millisecond,
		HeartbeatTimeout: heartbeat,
		SendFailureLimit: t.SendFailureLimit,
		WriteTimeout:     time.Duration(t.WriteTimeoutMS) * time.Millisecond,
		Engine: session.EngineConfig{
			Conv:         k.Conv,
			SendWindow:   k.SendWindow,
			RecvWindow:   k.RecvWindow,
			MTU:          k.MTU,
			NoDelay:      k.NoDelay,
			Interval:     time.Duration(k.IntervalMS) * time.Millisecond,
			Resend:       k.Resend,
			NoCongestion: k.NoCongestion,
		},
	}
}

// StreamIdleTimeout is how long a stream session may stay silent before the
// health sweep closes it. Zero disables the sweep.
func (c *Config) StreamIdleTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Transport.StreamIdleTimeoutSec) * time.Second
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}
