// Package mqtt is the remote control channel: JSON commands arrive on a
// request topic and answers go out on a response topic. It offers the same
// operations as the local socket, minus descriptor passing; remote consumers
// see handles by ID and physical address only.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// ClientConfig configures the broker connection.
type ClientConfig struct {
	// Broker is host:port; tcp:// is implied.
	Broker   string
	ClientID string
}

// Connect dials the MQTT broker with auto-reconnect enabled.
func Connect(ctx context.Context, cfg ClientConfig) (paho.Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker address is required")
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c paho.Client) {
		slog.Info("mqtt: connection established",
			"broker", cfg.Broker,
			"client_id", cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(c paho.Client, err error) {
		slog.Warn("mqtt: connection lost, will auto-reconnect",
			"error", err,
			"broker", cfg.Broker,
		)
	}

	client := paho.NewClient(opts)

	slog.Info("mqtt: connecting", "broker", cfg.Broker)

	token := client.Connect()
	select {
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, ctx.Err()
	case <-token.Done():
	case <-time.After(5 * time.Second):
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt: connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connection failed: %w", err)
	}

	return client, nil
}
