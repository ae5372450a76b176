// Package config loads the framebrokerd YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete broker daemon configuration
type Config struct {
	InstanceID       string         `yaml:"instance_id"`
	ShutdownTimeoutS int            `yaml:"shutdown_timeout_s"` // graceful shutdown timeout in seconds (default: 5)
	Broker           BrokerConfig   `yaml:"broker"`
	Provider         ProviderConfig `yaml:"provider"`
	Control          ControlConfig  `yaml:"control"`
	Health           HealthConfig   `yaml:"health"`
	Log              LogConfig      `yaml:"log"`
}

// BrokerConfig contains the broker core settings
type BrokerConfig struct {
	ReceiverName string        `yaml:"receiver_name"` // name registered with the provider (default: vfm_grabber)
	SlotCapacity int           `yaml:"slot_capacity"` // frame slot table size (default: 64)
	GrabTimeout  time.Duration `yaml:"grab_timeout"`  // default grab timeout for transports (default: 1s)
}

// ProviderConfig selects and sizes the frame provider
type ProviderConfig struct {
	Kind     string  `yaml:"kind"`     // synthetic, gstreamer
	Source   string  `yaml:"source"`   // gstreamer: test, rtsp
	URL      string  `yaml:"url"`      // gstreamer rtsp location
	Pipeline string  `yaml:"pipeline"` // gstreamer custom head, overrides source
	Slots    int     `yaml:"slots"`    // ring size (default: 4)
	Width    int     `yaml:"width"`
	Height   int     `yaml:"height"`
	FPS      float64 `yaml:"fps"`
	Format   string  `yaml:"format"` // nv12, nv21, yuv420 (default: yuv420)
}

// ControlConfig contains the control transports
type ControlConfig struct {
	SocketPath string     `yaml:"socket_path"` // unix socket for local consumers (empty disables)
	MQTT       MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig contains MQTT control settings
type MQTTConfig struct {
	Enabled  bool       `yaml:"enabled"`
	Broker   string     `yaml:"broker"`
	ClientID string     `yaml:"client_id"`
	Topics   MQTTTopics `yaml:"topics"`
	QoS      byte       `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Request  string `yaml:"request"`
	Response string `yaml:"response"`
}

// HealthConfig contains the HTTP health endpoint settings
type HealthConfig struct {
	Addr string `yaml:"addr"` // listen address (empty disables)
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
	Format string `yaml:"format"` // json, text (default: json)
	File   string `yaml:"file"`   // write logs here instead of stdout
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration bytes
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ShutdownTimeout returns the shutdown timeout as a duration
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}
