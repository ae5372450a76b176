package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/vframe"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Defaults
const (
	DefaultReceiverName = "vfm_grabber"
	DefaultSlotCapacity = 64
	DefaultGrabTimeout  = time.Second
	DefaultSlots        = 4
	DefaultFormat       = "yuv420"
	DefaultShutdownS    = 5
)

// Validate checks the configuration and fills defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = DefaultShutdownS
	}

	if err := validateBroker(&cfg.Broker); err != nil {
		return err
	}
	if err := validateProvider(&cfg.Provider); err != nil {
		return err
	}
	if err := validateMQTT(&cfg.Control.MQTT, cfg.InstanceID); err != nil {
		return err
	}
	return validateLog(&cfg.Log)
}

func validateBroker(b *BrokerConfig) error {
	if b.ReceiverName == "" {
		b.ReceiverName = DefaultReceiverName
	}
	if b.SlotCapacity == 0 {
		b.SlotCapacity = DefaultSlotCapacity
	}
	if b.SlotCapacity < 0 {
		return fmt.Errorf("broker.slot_capacity must be > 0")
	}
	if b.GrabTimeout == 0 {
		b.GrabTimeout = DefaultGrabTimeout
	}
	if b.GrabTimeout < 0 {
		return fmt.Errorf("broker.grab_timeout must be > 0")
	}
	return nil
}

func validateProvider(p *ProviderConfig) error {
	switch p.Kind {
	case "":
		p.Kind = "synthetic"
	case "synthetic", "gstreamer":
	default:
		return fmt.Errorf("provider.kind %q unknown (must be synthetic or gstreamer)", p.Kind)
	}

	if p.Kind == "gstreamer" && p.Pipeline == "" {
		switch p.Source {
		case "":
			p.Source = "test"
		case "test":
		case "rtsp":
			if p.URL == "" {
				return fmt.Errorf("provider.url is required for rtsp source")
			}
		default:
			return fmt.Errorf("provider.source %q unknown (must be test or rtsp)", p.Source)
		}
	}

	if p.Slots == 0 {
		p.Slots = DefaultSlots
	}
	if p.Slots < 0 {
		return fmt.Errorf("provider.slots must be > 0")
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("provider.width and provider.height must be > 0")
	}
	if p.FPS <= 0 {
		return fmt.Errorf("provider.fps must be > 0")
	}
	if p.Format == "" {
		p.Format = DefaultFormat
	}
	if _, err := vframe.ParseFormat(p.Format); err != nil {
		return fmt.Errorf("provider.format: %w", err)
	}
	return nil
}

func validateMQTT(m *MQTTConfig, instanceID string) error {
	if !m.Enabled {
		return nil
	}
	if m.Broker == "" {
		return fmt.Errorf("control.mqtt.broker is required when mqtt is enabled")
	}
	if m.ClientID == "" {
		m.ClientID = fmt.Sprintf("framebroker-%s", instanceID)
	}
	if m.Topics.Request == "" {
		m.Topics.Request = fmt.Sprintf("care/framebroker/%s/request", instanceID)
	}
	if m.Topics.Response == "" {
		m.Topics.Response = fmt.Sprintf("care/framebroker/%s/response", instanceID)
	}
	if m.QoS > 2 {
		return fmt.Errorf("control.mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

func validateLog(l *LogConfig) error {
	switch l.Level {
	case "":
		l.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q unknown (must be debug, info, warn or error)", l.Level)
	}
	switch l.Format {
	case "":
		l.Format = "json"
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q unknown (must be json or text)", l.Format)
	}
	return nil
}
