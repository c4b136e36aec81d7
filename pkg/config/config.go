package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/payid/internal/discovery"
	"github.com/srg/payid/internal/sensor"
)

// Config holds application configuration
type Config struct {
	LogLevel  string              `yaml:"log_level" default:"info"`
	Discovery DiscoveryConfig     `yaml:"discovery"`
	Session   SessionConfig       `yaml:"session"`
	Bridge    BridgeConfig        `yaml:"bridge"`
	Sensors   []sensor.Descriptor `yaml:"sensors,omitempty"`
	MQTT      MQTTConfig          `yaml:"mqtt"`
	Web       WebConfig           `yaml:"web"`
}

// DiscoveryConfig controls which advertisements become candidate devices.
type DiscoveryConfig struct {
	NamePrefix string        `yaml:"name_prefix" default:"Payid"`
	MinRSSI    int           `yaml:"min_rssi" default:"-60"`
	ScanWindow time.Duration `yaml:"scan_window" default:"5s"`
}

// SessionConfig holds link timing. A negative operation timeout disables it.
type SessionConfig struct {
	OperationTimeout time.Duration `yaml:"operation_timeout" default:"10s"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"30s"`
}

type BridgeConfig struct {
	Capacity uint32 `yaml:"capacity" default:"256"`
}

// MQTTConfig enables the MQTT sink when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic" default:"payid"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

// WebConfig enables the websocket feed when Listen is set.
type WebConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path" default:"/events"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file. Fields left out keep their defaults;
// explicit zero values in the file are kept as written.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.Bridge.Capacity == 0 {
		return fmt.Errorf("bridge.capacity must be > 0")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if _, err := c.SensorTable(); err != nil {
		return fmt.Errorf("sensors: %w", err)
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (logrus.Level, error) {
	switch c.LogLevel {
	case "debug":
		return logrus.DebugLevel, nil
	case "info", "":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := c.Level()
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// SensorTable returns the configured sensors, or the default table when
// none are configured.
func (c *Config) SensorTable() (sensor.Table, error) {
	if len(c.Sensors) == 0 {
		return sensor.DefaultTable(), nil
	}
	return sensor.NewTable(c.Sensors...)
}

func (c *Config) FilterOptions() discovery.FilterOptions {
	return discovery.FilterOptions{
		NamePrefix: c.Discovery.NamePrefix,
		MinRSSI:    c.Discovery.MinRSSI,
	}
}

func (c *Config) DiscovererOptions() discovery.DiscovererOptions {
	opts := discovery.DefaultDiscovererOptions()
	opts.ScanWindow = c.Discovery.ScanWindow
	return opts
}
