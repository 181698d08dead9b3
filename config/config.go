// Package config carries the gateway's tunables. Values resolve in three
// layers: baked-in defaults, environment variables, then an optional YAML
// file overlay. The file can additionally be watched for live updates.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config for the streaming gateway. Defaults can be loaded via envdecode.
type Config struct {
	// ListenAddr is the address the HTTP server binds. ENV: LISTEN_ADDR
	ListenAddr string `env:"LISTEN_ADDR,default=:8080" yaml:"listenAddr"`
	// PublicEndpoint is the externally visible base URL, used to build
	// result URLs for deferred jobs. ENV: PUBLIC_ENDPOINT
	PublicEndpoint string `env:"PUBLIC_ENDPOINT,default=http://localhost:8080" yaml:"publicEndpoint"`

	// FirstByteTimeout is the watchdog budget for live push streams. Zero
	// disables the watchdog. ENV: FIRST_BYTE_TIMEOUT
	FirstByteTimeout time.Duration `env:"FIRST_BYTE_TIMEOUT,default=1s" yaml:"firstByteTimeout"`
	// IdleTimeout fails a stream whose upstream stops producing. ENV: IDLE_TIMEOUT
	IdleTimeout time.Duration `env:"IDLE_TIMEOUT,default=5m" yaml:"idleTimeout"`
	// HeartbeatInterval enables periodic keepalive tokens on push
	// transports when positive. ENV: HEARTBEAT_INTERVAL
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=0" yaml:"heartbeatInterval"`

	// MaxTextTokens caps buffered text tokens per session. ENV: BUFFER_MAX_TEXT_TOKENS
	MaxTextTokens int `env:"BUFFER_MAX_TEXT_TOKENS,default=10000" yaml:"maxTextTokens"`
	// MaxTextBytes caps buffered text bytes per session. ENV: BUFFER_MAX_TEXT_BYTES
	MaxTextBytes int `env:"BUFFER_MAX_TEXT_BYTES,default=4194304" yaml:"maxTextBytes"`

	// ReplayRetention is how long finished deferred-job buffers stay
	// queryable. ENV: REPLAY_RETENTION
	ReplayRetention time.Duration `env:"REPLAY_RETENTION,default=1h" yaml:"replayRetention"`
	// Workers bounds concurrently running upstream fetches. ENV: WORKERS
	Workers int64 `env:"WORKERS,default=1024" yaml:"workers"`

	// RedisAddr selects the Redis replay store when non-empty; otherwise
	// the in-process store is used. ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR" yaml:"redisAddr"`
}

// Default returns the baked-in configuration.
func Default() Config {
	return Config{
		ListenAddr:       ":8080",
		PublicEndpoint:   "http://localhost:8080",
		FirstByteTimeout: time.Second,
		IdleTimeout:      5 * time.Minute,
		MaxTextTokens:    10000,
		MaxTextBytes:     4 << 20,
		ReplayRetention:  time.Hour,
		Workers:          1024,
	}
}

// FromEnv populates a Config from environment variables, falling back to
// the struct tag defaults.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	return cfg, nil
}

// Load resolves the full configuration: environment first, then the YAML
// file at path layered on top. An empty path skips the file layer. Keys
// absent from the file keep their environment-resolved values.
func Load(path string) (Config, error) {
	cfg, err := FromEnv()
	if err != nil {
		return Config{}, err
	}
	if path == "" {
		return cfg, cfg.Validate()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the gateway cannot run with.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listenAddr is required")
	}
	if c.PublicEndpoint == "" {
		return fmt.Errorf("publicEndpoint is required")
	}
	if c.FirstByteTimeout < 0 {
		return fmt.Errorf("firstByteTimeout must not be negative")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idleTimeout must be positive")
	}
	if c.MaxTextTokens <= 0 {
		return fmt.Errorf("maxTextTokens must be positive")
	}
	if c.MaxTextBytes <= 0 {
		return fmt.Errorf("maxTextBytes must be positive")
	}
	if c.ReplayRetention <= 0 {
		return fmt.Errorf("replayRetention must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	return nil
}
