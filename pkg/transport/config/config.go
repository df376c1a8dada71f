package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggingConfig controls how logs are emitted.
type LoggingConfig struct {
	// Level is one of: "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Components is an optional list of components to include:
	// "transport", "registry", "engine", "pingpong".
	// If empty, all components are logged.
	Components []string `yaml:"components"`
	// Format controls the formatter: "text" or "json".
	// Defaults to "text".
	Format string `yaml:"format"`
	// File, if set, sends logs to a rotating file instead of stderr.
	File     string         `yaml:"file"`
	Rotation RotationConfig `yaml:"rotation"`
}

// RotationConfig controls rotation of the log file.
type RotationConfig struct {
	MaxSizeMB  int  `yaml:"maxSizeMB"`
	MaxBackups int  `yaml:"maxBackups"`
	MaxAgeDays int  `yaml:"maxAgeDays"`
	Compress   bool `yaml:"compress"`
}

// EngineConfig tunes the QUIC engine. Zero values fall back to defaults.
type EngineConfig struct {
	IdleTimeout      time.Duration `yaml:"idleTimeout"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	KeepAlivePeriod  time.Duration `yaml:"keepAlivePeriod"`
	PingInterval     time.Duration `yaml:"pingInterval"`
	// EventBuffer is the capacity of a host's native event queue.
	EventBuffer int `yaml:"eventBuffer"`
	// SendQueue is the capacity of each peer's outgoing queue.
	SendQueue int `yaml:"sendQueue"`
	// TrafficClass is written to the IP TOS / traffic class field when non-zero.
	TrafficClass int `yaml:"trafficClass"`
	// SocketBuffer sets SO_RCVBUF and SO_SNDBUF when non-zero.
	SocketBuffer int `yaml:"socketBuffer"`
}

// EndpointConfig holds the settings both ends of a connection must agree on,
// plus the addresses used by the example binaries.
type EndpointConfig struct {
	ChannelCount    int    `yaml:"channelCount"`
	DeliveryMapping string `yaml:"deliveryMapping"`
	MaxConnections  int    `yaml:"maxConnections"`
	Address         string `yaml:"address"`
	Port            int    `yaml:"port"`
}

// Config is the top-level YAML configuration structure.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Engine   EngineConfig   `yaml:"engine"`
	Endpoint EndpointConfig `yaml:"endpoint"`
}

var global *Config

func SetGlobalConfig(cfg *Config) {
	global = cfg
}

// GlobalConfig returns the config set with SetGlobalConfig, or the defaults.
func GlobalConfig() *Config {
	if global == nil {
		return Default()
	}
	return global
}

const (
	DefaultChannelCount    = 4
	DefaultDeliveryMapping = "fixed"
	DefaultMaxConnections  = 32
	DefaultPort            = 7777

	defaultIdleTimeout      = 10 * time.Second
	defaultHandshakeTimeout = 5 * time.Second
	defaultKeepAlivePeriod  = 2 * time.Second
	defaultPingInterval     = 500 * time.Millisecond
	defaultEventBuffer      = 1024
	defaultSendQueue        = 256
)

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:      "info",
		Components: []string{"transport", "registry", "engine", "pingpong"},
		Format:     "text",
	}
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in any zero-valued fields with sensible defaults.
func (c *Config) applyDefaults() {
	def := defaultLoggingConfig()
	if c.Logging.Level == "" {
		c.Logging.Level = def.Level
	}
	if len(c.Logging.Components) == 0 {
		c.Logging.Components = def.Components
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Format
	}
	c.Engine.applyDefaults()

	if c.Endpoint.ChannelCount == 0 {
		c.Endpoint.ChannelCount = DefaultChannelCount
	}
	if c.Endpoint.DeliveryMapping == "" {
		c.Endpoint.DeliveryMapping = DefaultDeliveryMapping
	}
	if c.Endpoint.MaxConnections == 0 {
		c.Endpoint.MaxConnections = DefaultMaxConnections
	}
	if c.Endpoint.Address == "" {
		c.Endpoint.Address = "127.0.0.1"
	}
	if c.Endpoint.Port == 0 {
		c.Endpoint.Port = DefaultPort
	}
}

func (e *EngineConfig) applyDefaults() {
	if e.IdleTimeout == 0 {
		e.IdleTimeout = defaultIdleTimeout
	}
	if e.HandshakeTimeout == 0 {
		e.HandshakeTimeout = defaultHandshakeTimeout
	}
	if e.KeepAlivePeriod == 0 {
		e.KeepAlivePeriod = defaultKeepAlivePeriod
	}
	if e.PingInterval == 0 {
		e.PingInterval = defaultPingInterval
	}
	if e.EventBuffer == 0 {
		e.EventBuffer = defaultEventBuffer
	}
	if e.SendQueue == 0 {
		e.SendQueue = defaultSendQueue
	}
}

// WithDefaults returns a copy of e with zero fields replaced by defaults.
func (e EngineConfig) WithDefaults() EngineConfig {
	e.applyDefaults()
	return e
}

// Validate rejects settings no endpoint can run with.
func (c *Config) Validate() error {
	if c.Endpoint.ChannelCount < 1 || c.Endpoint.ChannelCount > 255 {
		return fmt.Errorf("endpoint.channelCount must be in [1, 255], got %d", c.Endpoint.ChannelCount)
	}
	if c.Endpoint.MaxConnections < 1 {
		return fmt.Errorf("endpoint.maxConnections must be positive, got %d", c.Endpoint.MaxConnections)
	}
	if c.Endpoint.Port < 0 || c.Endpoint.Port > 65535 {
		return fmt.Errorf("endpoint.port out of range: %d", c.Endpoint.Port)
	}
	if c.Engine.EventBuffer < 0 || c.Engine.SendQueue < 0 {
		return fmt.Errorf("engine buffers must not be negative")
	}
	return nil
}

// Parse decodes YAML data into a Config with defaults applied.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads a YAML configuration file from path and returns the
// populated Config with defaults applied.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}
