// Package config loads process configuration from YAML and turns it into
// the option structs of the connection, relay and store packages.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rmacdonaldsmith/wearlink-go/internal/connection"
	"github.com/rmacdonaldsmith/wearlink-go/internal/latest"
	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

var (
	ErrConfigRead       = errors.New("failed to read config file")
	ErrConfigParse      = errors.New("failed to parse config file")
	ErrConfigWrite      = errors.New("failed to write config file")
	ErrInvalidConfig    = errors.New("configuration validation failed")
	ErrUnknownStore     = errors.New("unknown store driver")
	ErrStorePathMissing = errors.New("store path is required for sqlite")
)

// Config represents the process configuration
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Connection ConnectionConfig `yaml:"connection"`
	Policy     PolicyConfig     `yaml:"policy"`
	Pending    PendingConfig    `yaml:"pending"`
	Relay      RelayConfig      `yaml:"relay"`
	Store      StoreConfig      `yaml:"store"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`    // "console" or "json"
	FilePath  string `yaml:"file_path"` // JSON lines are appended here when set
	Console   bool   `yaml:"console"`
	Component string `yaml:"component"`
}

// ConnectionConfig identifies the local connection
type ConnectionConfig struct {
	ID        string `yaml:"id"`
	AppID     string `yaml:"app_id"`
	Namespace string `yaml:"namespace"`
	Transport string `yaml:"transport"` // message-bus, session or context-sync
}

// PolicyConfig mirrors wear.ConnectionPolicy
type PolicyConfig struct {
	AutoReconnect        bool            `yaml:"auto_reconnect"`
	MaxReconnectAttempts int             `yaml:"max_reconnect_attempts"`
	Backoff              []time.Duration `yaml:"backoff"`
	ScanTimeout          time.Duration   `yaml:"scan_timeout"`
	ConnectTimeout       time.Duration   `yaml:"connect_timeout"`
	AckTimeout           time.Duration   `yaml:"ack_timeout"`
}

// PendingConfig bounds unanswered inbound requests
type PendingConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	Capacity int           `yaml:"capacity"`
}

// RelayConfig configures both ends of the relay transport
type RelayConfig struct {
	Listen    string        `yaml:"listen"`  // server bind address
	Address   string        `yaml:"address"` // client dial address
	Secret    string        `yaml:"secret"`
	Token     string        `yaml:"token"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	QueueSize int           `yaml:"queue_size"`
}

// StoreConfig selects the latest-value store
type StoreConfig struct {
	Driver string `yaml:"driver"` // memory or sqlite
	Path   string `yaml:"path"`
}

// LoadDefaultConfig returns a default configuration
func LoadDefaultConfig() *Config {
	policy := wear.DefaultPolicy()
	return &Config{
		Log: LogConfig{
			Level:     "info",
			Format:    "console",
			Console:   true,
			Component: "wearlink",
		},
		Connection: ConnectionConfig{
			ID:        "default",
			Namespace: wear.DefaultNamespace,
			Transport: wear.TransportMessageBus.String(),
		},
		Policy: PolicyConfig{
			AutoReconnect:        policy.AutoReconnect,
			MaxReconnectAttempts: policy.MaxReconnectAttempts,
			Backoff:              policy.Backoff,
			ScanTimeout:          policy.ScanTimeout,
			ConnectTimeout:       policy.ConnectTimeout,
			AckTimeout:           policy.AckTimeout,
		},
		Pending: PendingConfig{
			TTL:      30 * time.Second,
			Capacity: 256,
		},
		Relay: RelayConfig{
			Listen:    ":7443",
			Address:   "localhost:7443",
			TokenTTL:  30 * 24 * time.Hour,
			QueueSize: 64,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
	}
}

// LoadConfig loads configuration from a file. Fields the file omits keep
// their default values.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigRead, err)
	}

	cfg := LoadDefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigParse, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig saves configuration to a file
func SaveConfig(cfg *Config, filename string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigWrite, err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigWrite, err)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	cc := c.ConnectionConfig()
	if err := cc.Validate(); err != nil {
		return fmt.Errorf("%w: connection: %v", ErrInvalidConfig, err)
	}
	if _, err := c.TransportType(); err != nil {
		return fmt.Errorf("%w: connection: %v", ErrInvalidConfig, err)
	}
	policy := c.ConnectionPolicy()
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("%w: policy: %v", ErrInvalidConfig, err)
	}
	if c.Pending.TTL < 0 || c.Pending.Capacity < 0 {
		return fmt.Errorf("%w: pending: ttl and capacity cannot be negative", ErrInvalidConfig)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("%w: store: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ConnectionConfig returns the connection identity with defaults applied.
func (c *Config) ConnectionConfig() wear.ConnectionConfig {
	cc := wear.ConnectionConfig{
		ID:        wear.ConnectionID(c.Connection.ID),
		AppID:     c.Connection.AppID,
		Namespace: c.Connection.Namespace,
	}
	cc.SetDefaults()
	return cc
}

// TransportType parses the configured connection variant.
func (c *Config) TransportType() (wear.TransportType, error) {
	return wear.ParseTransportType(c.Connection.Transport)
}

// ConnectionPolicy returns the policy with defaults applied.
func (c *Config) ConnectionPolicy() wear.ConnectionPolicy {
	p := wear.ConnectionPolicy{
		AutoReconnect:        c.Policy.AutoReconnect,
		MaxReconnectAttempts: c.Policy.MaxReconnectAttempts,
		Backoff:              append([]time.Duration(nil), c.Policy.Backoff...),
		ScanTimeout:          c.Policy.ScanTimeout,
		ConnectTimeout:       c.Policy.ConnectTimeout,
		AckTimeout:           c.Policy.AckTimeout,
	}
	p.SetDefaults()
	return p
}

// ConnectionOptions returns connection options for t.
func (c *Config) ConnectionOptions(t wear.Transport) connection.Options {
	return connection.Options{
		Config:          c.ConnectionConfig(),
		Transport:       t,
		PendingTTL:      c.Pending.TTL,
		PendingCapacity: c.Pending.Capacity,
	}
}

// Validate validates the store configuration
func (s StoreConfig) Validate() error {
	switch s.Driver {
	case "", "memory":
		return nil
	case "sqlite":
		if s.Path == "" {
			return ErrStorePathMissing
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStore, s.Driver)
	}
}

// Open creates the configured store.
func (s StoreConfig) Open() (latest.Store, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Driver == "sqlite" {
		return latest.OpenSQLite(s.Path)
	}
	return latest.NewMemoryStore(), nil
}
