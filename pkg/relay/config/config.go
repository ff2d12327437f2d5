// Package config loads the relayd server configuration from an HCL
// file. All settings have working defaults; a missing file yields the
// default configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the top-level server configuration.
type Config struct {
	// ListenAddr is the HTTP listen address for the WebSocket endpoint
	// and health check.
	ListenAddr string `hcl:"listen_addr,optional"`

	Redis     *RedisConfig     `hcl:"redis,block"`
	WebSocket *WebSocketConfig `hcl:"websocket,block"`
	Heartbeat *HeartbeatConfig `hcl:"heartbeat,block"`
}

// RedisConfig configures the broadcast bus connection.
type RedisConfig struct {
	Addr     string `hcl:"addr,optional"`
	Password string `hcl:"password,optional"`
	DB       int    `hcl:"db,optional"`

	// Channel is the shared pub/sub channel all server processes
	// publish domain events on.
	Channel string `hcl:"channel,optional"`
}

// WebSocketConfig tunes per-connection limits. Timeouts are duration
// strings ("90s", "1m30s").
type WebSocketConfig struct {
	ReadTimeout  string `hcl:"read_timeout,optional"`
	WriteTimeout string `hcl:"write_timeout,optional"`
	ReadLimit    int64  `hcl:"read_limit,optional"`

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// HeartbeatConfig controls the server-side heartbeat broadcast.
type HeartbeatConfig struct {
	// Schedule is a cron expression or @every interval. Empty disables
	// the heartbeat.
	Schedule string `hcl:"schedule,optional"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates an HCL configuration file. An empty path
// returns Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}

	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.Redis == nil {
		c.Redis = &RedisConfig{}
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "chat.events"
	}
	if c.WebSocket == nil {
		c.WebSocket = &WebSocketConfig{}
	}
	if c.WebSocket.ReadTimeout == "" {
		c.WebSocket.ReadTimeout = "90s"
	}
	if c.WebSocket.WriteTimeout == "" {
		c.WebSocket.WriteTimeout = "10s"
	}
	if c.WebSocket.ReadLimit == 0 {
		c.WebSocket.ReadLimit = 32 * 1024
	}
	if c.Heartbeat == nil {
		c.Heartbeat = &HeartbeatConfig{Schedule: "@every 30s"}
	}
}

// Validate parses the duration strings and checks bounds.
func (c *Config) Validate() error {
	var err error
	if c.WebSocket.readTimeout, err = time.ParseDuration(c.WebSocket.ReadTimeout); err != nil {
		return fmt.Errorf("websocket.read_timeout: %w", err)
	}
	if c.WebSocket.writeTimeout, err = time.ParseDuration(c.WebSocket.WriteTimeout); err != nil {
		return fmt.Errorf("websocket.write_timeout: %w", err)
	}
	if c.WebSocket.writeTimeout <= 0 {
		return fmt.Errorf("websocket.write_timeout must be positive")
	}
	if c.WebSocket.ReadLimit < 0 {
		return fmt.Errorf("websocket.read_limit must not be negative")
	}
	return nil
}

// ReadTimeoutDuration returns the parsed read timeout. Valid only
// after Validate (Load and Default both validate).
func (w *WebSocketConfig) ReadTimeoutDuration() time.Duration {
	if w.readTimeout == 0 && w.ReadTimeout != "" {
		w.readTimeout, _ = time.ParseDuration(w.ReadTimeout)
	}
	return w.readTimeout
}

// WriteTimeoutDuration returns the parsed write timeout.
func (w *WebSocketConfig) WriteTimeoutDuration() time.Duration {
	if w.writeTimeout == 0 && w.WriteTimeout != "" {
		w.writeTimeout, _ = time.ParseDuration(w.WriteTimeout)
	}
	return w.writeTimeout
}
