package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dokzlo13/radiosync/internal/receiver"
)

// ErrInvalid is returned by Validate when a required setting is missing or out of range.
var ErrInvalid = errors.New("invalid configuration")

// Defaults for settings where zero is meaningful
const (
	DefaultVolume     = 20
	DefaultRetryDelay = 500 * time.Millisecond
)

// Config represents the application configuration
type Config struct {
	Receiver        ReceiverConfig    `yaml:"receiver"`
	Raumfeld        RaumfeldConfig    `yaml:"raumfeld"`
	Streaming       StreamingConfig   `yaml:"streaming"`
	Sync            SyncConfig        `yaml:"sync"`
	Retry           RetryConfig       `yaml:"retry"`
	Log             LogConfig         `yaml:"log"`
	Ledger          LedgerConfig      `yaml:"ledger"`
	MQTT            MQTTConfig        `yaml:"mqtt"`
	Healthcheck     HealthcheckConfig `yaml:"healthcheck"`
	EventBus        EventBusConfig    `yaml:"eventbus"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// ReceiverConfig contains the FSAPI receiver connection settings
type ReceiverConfig struct {
	Host       string   `yaml:"host"`
	Port       int      `yaml:"port"`
	PIN        string   `yaml:"pin"`
	Timeout    Duration `yaml:"timeout"`     // Per-request timeout
	WriteDelay Duration `yaml:"write_delay"` // Pause between field writes
}

// RaumfeldConfig contains multi-room host settings
type RaumfeldConfig struct {
	Host             string   `yaml:"host"` // Empty = SSDP discovery
	Port             int      `yaml:"port"`
	Room             string   `yaml:"room"`
	Timeout          Duration `yaml:"timeout"`
	DiscoveryTimeout Duration `yaml:"discovery_timeout"`

	// Topology watcher settings
	MinBackoff  Duration `yaml:"min_backoff"`
	MaxBackoff  Duration `yaml:"max_backoff"`
	RefreshRate float64  `yaml:"refresh_rate"` // Max zone refreshes per second
}

// StreamingConfig is the receiver profile applied while the zone plays
type StreamingConfig struct {
	Volume int    `yaml:"volume"`
	Mode   string `yaml:"mode"`
}

// SyncConfig contains controller loop timings
type SyncConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	SettleDelay  Duration `yaml:"settle_delay"`
}

// RetryConfig bounds remote operation retries
type RetryConfig struct {
	Attempts int      `yaml:"attempts"`
	Delay    Duration `yaml:"delay"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Colors bool   `yaml:"colors"`
	JSON   bool   `yaml:"json"`
}

// LedgerConfig contains transition ledger settings
type LedgerConfig struct {
	Path            string   `yaml:"path"` // Empty = disabled
	Retention       Duration `yaml:"retention"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// Enabled reports whether the ledger should be opened.
func (c *LedgerConfig) Enabled() bool {
	return c.Path != ""
}

// MQTTConfig contains transition publisher settings
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // Empty = disabled, e.g. tcp://localhost:1883
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// Enabled reports whether a broker is configured.
func (c *MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

// HealthcheckConfig contains health check server settings
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 2)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 16)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 2
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 16
	}
	return c.QueueSize
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse expands environment variables in data, decodes it and applies defaults
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	// Zero is a valid setting for these, so they are preset instead of defaulted after decoding
	cfg := Config{
		Streaming: StreamingConfig{Volume: DefaultVolume},
		Retry:     RetryConfig{Delay: Duration(DefaultRetryDelay)},
	}
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	// Receiver defaults
	if cfg.Receiver.Port == 0 {
		cfg.Receiver.Port = 80
	}
	if cfg.Receiver.PIN == "" {
		cfg.Receiver.PIN = "1234"
	}
	if cfg.Receiver.Timeout == 0 {
		cfg.Receiver.Timeout = Duration(3 * time.Second)
	}
	if cfg.Receiver.WriteDelay == 0 {
		cfg.Receiver.WriteDelay = Duration(receiver.DefaultWriteDelay)
	}

	// Raumfeld defaults
	if cfg.Raumfeld.Port == 0 {
		cfg.Raumfeld.Port = 47365
	}
	if cfg.Raumfeld.Timeout == 0 {
		cfg.Raumfeld.Timeout = Duration(3 * time.Second)
	}
	if cfg.Raumfeld.DiscoveryTimeout == 0 {
		cfg.Raumfeld.DiscoveryTimeout = Duration(3 * time.Second)
	}
	if cfg.Raumfeld.MinBackoff == 0 {
		cfg.Raumfeld.MinBackoff = Duration(1 * time.Second)
	}
	if cfg.Raumfeld.MaxBackoff == 0 {
		cfg.Raumfeld.MaxBackoff = Duration(1 * time.Minute)
	}
	if cfg.Raumfeld.RefreshRate == 0 {
		cfg.Raumfeld.RefreshRate = 1.0
	}

	// Streaming profile defaults
	if cfg.Streaming.Mode == "" {
		cfg.Streaming.Mode = "AUX in"
	}

	// Loop defaults
	if cfg.Sync.PollInterval == 0 {
		cfg.Sync.PollInterval = Duration(1 * time.Second)
	}
	if cfg.Sync.SettleDelay == 0 {
		cfg.Sync.SettleDelay = Duration(1 * time.Second)
	}

	if cfg.Retry.Attempts == 0 {
		cfg.Retry.Attempts = 5
	}

	// Ledger defaults (only used if a path is set)
	if cfg.Ledger.Retention == 0 {
		cfg.Ledger.Retention = Duration(30 * 24 * time.Hour)
	}
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}

	// MQTT defaults (only used if a broker is set)
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "radiosync"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "radiosync"
	}

	// Healthcheck defaults
	if cfg.Healthcheck.Port == 0 {
		cfg.Healthcheck.Port = 9090
	}
	if cfg.Healthcheck.Host == "" {
		cfg.Healthcheck.Host = "0.0.0.0"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate checks required settings
func (cfg *Config) Validate() error {
	var errs []error

	if cfg.Receiver.Host == "" {
		errs = append(errs, fmt.Errorf("%w: receiver.host is required", ErrInvalid))
	}
	if strings.TrimSpace(cfg.Raumfeld.Room) == "" {
		errs = append(errs, fmt.Errorf("%w: raumfeld.room is required", ErrInvalid))
	}
	if cfg.Streaming.Volume < 0 {
		errs = append(errs, fmt.Errorf("%w: streaming.volume must not be negative", ErrInvalid))
	}
	if cfg.Retry.Attempts < 1 {
		errs = append(errs, fmt.Errorf("%w: retry.attempts must be at least 1", ErrInvalid))
	}
	if cfg.Raumfeld.MinBackoff > cfg.Raumfeld.MaxBackoff {
		errs = append(errs, fmt.Errorf("%w: raumfeld.min_backoff exceeds max_backoff", ErrInvalid))
	}

	return errors.Join(errs...)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
