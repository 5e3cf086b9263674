// Package config loads docwire settings from a TOML file and the
// environment.
//
// The file is optional; every setting has a default. Environment variables
// named DOCWIRE_<SECTION>_<KEY> override the file:
//
//	endpoint = "ws://localhost:8080/channel"
//
//	[server]
//	addr = ":8080"
//
//	[metrics]
//	addr = ""            # empty serves /metrics on the server address
//
//	[transaction]
//	timeout = "5s"
//	max_attempts = 5
//	retry_failed_steps = false   # serve: rerun steps whose handler failed
//
//	[websocket]
//	write_timeout = "10s"
//	ping_interval = "30s"
//	pong_timeout = "60s"
//	max_message_bytes = 16777216
//
//	[log]
//	level = "info"       # debug, info, warn, error
//	format = "pretty"    # pretty, json
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vango-dev/docwire/pkg/transport"
	"github.com/vango-dev/docwire/pkg/txn"
)

const (
	// ConfigFileName is the file Load looks for.
	ConfigFileName = "docwire.toml"

	// DefaultAddr is the default listen address of docwire serve.
	DefaultAddr = ":8080"

	// DefaultEndpoint is the default channel URL for client commands.
	DefaultEndpoint = "ws://localhost:8080/channel"

	envPrefix = "DOCWIRE_"
)

// Duration is a time.Duration written as a string such as "5s" or "250ms".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the complete docwire.toml configuration.
type Config struct {
	// Endpoint is the channel URL client commands dial.
	Endpoint string `toml:"endpoint"`

	Server      ServerConfig      `toml:"server"`
	Metrics     MetricsConfig     `toml:"metrics"`
	Transaction TransactionConfig `toml:"transaction"`
	WebSocket   WebSocketConfig   `toml:"websocket"`
	Log         LogConfig         `toml:"log"`

	path string
}

// ServerConfig configures docwire serve.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr serves /metrics on a separate listener. Empty serves it on the
	// server address.
	Addr string `toml:"addr"`
}

// TransactionConfig bounds store-driven transactions.
type TransactionConfig struct {
	Timeout     Duration `toml:"timeout"`
	MaxAttempts int      `toml:"max_attempts"`

	// RetryFailedSteps makes the served store rerun a transaction whose
	// handler failed, up to MaxAttempts, instead of aborting at once.
	RetryFailedSteps bool `toml:"retry_failed_steps"`
}

// WebSocketConfig configures the WebSocket transport.
type WebSocketConfig struct {
	WriteTimeout    Duration `toml:"write_timeout"`
	PingInterval    Duration `toml:"ping_interval"`
	PongTimeout     Duration `toml:"pong_timeout"`
	MaxMessageBytes int64    `toml:"max_message_bytes"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// New returns a Config with default values.
func New() *Config {
	ws := transport.DefaultWebSocketConfig()
	return &Config{
		Endpoint: DefaultEndpoint,
		Server:   ServerConfig{Addr: DefaultAddr},
		Transaction: TransactionConfig{
			Timeout:     Duration{txn.DefaultTimeout},
			MaxAttempts: txn.MaxAttempts,
		},
		WebSocket: WebSocketConfig{
			WriteTimeout:    Duration{ws.WriteTimeout},
			PingInterval:    Duration{ws.PingInterval},
			PongTimeout:     Duration{ws.PongTimeout},
			MaxMessageBytes: ws.MaxMessageSize,
		},
		Log: LogConfig{Level: "info", Format: "pretty"},
	}
}

// Load reads ConfigFileName from dir if it exists, then applies the
// environment. A missing file is not an error.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, ConfigFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := New()
		if err := cfg.applyEnv(os.LookupEnv); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return LoadFile(path)
}

// LoadFile reads the configuration at path, then applies the environment.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.path = path
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the config was loaded from, if any.
func (c *Config) Path() string {
	return c.path
}

// applyEnv overrides settings from DOCWIRE_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *Duration) error {
		v, ok := lookup(envPrefix + key)
		if !ok {
			return nil
		}
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
		}
		return nil
	}
	flag := func(key string, dst *bool) error {
		v, ok := lookup(envPrefix + key)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
		}
		*dst = b
		return nil
	}
	num := func(key string, dst *int64) error {
		v, ok := lookup(envPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
		}
		*dst = n
		return nil
	}

	str("ENDPOINT", &c.Endpoint)
	str("SERVER_ADDR", &c.Server.Addr)
	str("METRICS_ADDR", &c.Metrics.Addr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	attempts := int64(c.Transaction.MaxAttempts)
	for _, err := range []error{
		dur("TRANSACTION_TIMEOUT", &c.Transaction.Timeout),
		num("TRANSACTION_MAX_ATTEMPTS", &attempts),
		flag("TRANSACTION_RETRY_FAILED_STEPS", &c.Transaction.RetryFailedSteps),
		dur("WEBSOCKET_WRITE_TIMEOUT", &c.WebSocket.WriteTimeout),
		dur("WEBSOCKET_PING_INTERVAL", &c.WebSocket.PingInterval),
		dur("WEBSOCKET_PONG_TIMEOUT", &c.WebSocket.PongTimeout),
		num("WEBSOCKET_MAX_MESSAGE_BYTES", &c.WebSocket.MaxMessageBytes),
	} {
		if err != nil {
			return err
		}
	}
	c.Transaction.MaxAttempts = int(attempts)
	return nil
}

// Validate checks the configuration for values the components reject.
func (c *Config) Validate() error {
	if c.Transaction.Timeout.Duration <= 0 {
		return fmt.Errorf("config: transaction.timeout must be positive, got %v", c.Transaction.Timeout.Duration)
	}
	if c.Transaction.MaxAttempts < 1 {
		return fmt.Errorf("config: transaction.max_attempts must be at least 1, got %d", c.Transaction.MaxAttempts)
	}
	if c.WebSocket.MaxMessageBytes <= 0 {
		return fmt.Errorf("config: websocket.max_message_bytes must be positive, got %d", c.WebSocket.MaxMessageBytes)
	}
	if c.WebSocket.PongTimeout.Duration < c.WebSocket.PingInterval.Duration {
		return fmt.Errorf("config: websocket.pong_timeout (%v) is shorter than ping_interval (%v)",
			c.WebSocket.PongTimeout.Duration, c.WebSocket.PingInterval.Duration)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "pretty", "json":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config: server.addr is empty")
	}
	return nil
}

// TransportConfig returns the WebSocket transport settings.
func (c *Config) TransportConfig() transport.WebSocketConfig {
	cfg := transport.DefaultWebSocketConfig()
	cfg.WriteTimeout = c.WebSocket.WriteTimeout.Duration
	cfg.PingInterval = c.WebSocket.PingInterval.Duration
	cfg.PongTimeout = c.WebSocket.PongTimeout.Duration
	cfg.MaxMessageSize = c.WebSocket.MaxMessageBytes
	return cfg
}

// Encode returns the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("config: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// SaveTo writes the configuration to path.
func (c *Config) SaveTo(path string) error {
	data, err := c.Encode()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	c.path = path
	return nil
}
