//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/arena"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/broker"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/health"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/provider"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/provider/gstreamer"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/provider/synthetic"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/transport/ipc"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/transport/mqtt"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/vframe"
)

// service owns every component of the daemon.
//
// Startup order: arena → ring → source → broker → transports → health.
// Shutdown runs in reverse, so consumers are disconnected (returning their
// frames) before the broker closes and the arena unmaps.
type service struct {
	cfg *config.Config

	arena  *arena.Arena
	ring   *provider.Ring
	source provider.Source
	broker *broker.Broker

	ipc        *ipc.Server
	mqttClient paho.Client
	mqtt       *mqtt.Handler
	health     *health.Server
}

func newService(cfg *config.Config) (*service, error) {
	format, err := vframe.ParseFormat(cfg.Provider.Format)
	if err != nil {
		return nil, err
	}

	s := &service{cfg: cfg, arena: arena.New("framebroker-" + cfg.InstanceID)}

	s.ring, err = provider.NewRing(provider.RingConfig{
		Name:   cfg.Provider.Kind,
		Slots:  cfg.Provider.Slots,
		Format: format,
		Width:  cfg.Provider.Width,
		Height: cfg.Provider.Height,
	}, s.arena)
	if err != nil {
		s.arena.Close()
		return nil, fmt.Errorf("failed to create slot ring: %w", err)
	}

	switch cfg.Provider.Kind {
	case "gstreamer":
		s.source, err = gstreamer.New(s.ring, gstreamer.Config{
			Source:    cfg.Provider.Source,
			URL:       cfg.Provider.URL,
			Pipeline:  cfg.Provider.Pipeline,
			Width:     cfg.Provider.Width,
			Height:    cfg.Provider.Height,
			FPS:       cfg.Provider.FPS,
			Format:    format,
			Reconnect: gstreamer.DefaultReconnectConfig(),
		})
	default:
		s.source, err = synthetic.New(s.ring, synthetic.Config{FPS: cfg.Provider.FPS})
	}
	if err != nil {
		s.ring.Close()
		s.arena.Close()
		return nil, fmt.Errorf("failed to create %s source: %w", cfg.Provider.Kind, err)
	}

	s.broker, err = broker.New(broker.Options{
		ReceiverName: cfg.Broker.ReceiverName,
		SlotCapacity: cfg.Broker.SlotCapacity,
	}, s.ring, s.arena, s.arena)
	if err != nil {
		s.ring.Close()
		s.arena.Close()
		return nil, err
	}

	if cfg.Control.SocketPath != "" {
		s.ipc, err = ipc.NewServer(ipc.ServerConfig{
			SocketPath:  cfg.Control.SocketPath,
			GrabTimeout: cfg.Broker.GrabTimeout,
		}, s.broker, s.arena)
		if err != nil {
			s.broker.Close()
			s.ring.Close()
			s.arena.Close()
			return nil, err
		}
	}

	return s, nil
}

// Start brings the components up. On error, Shutdown releases whatever
// already started.
func (s *service) Start(ctx context.Context) error {
	// The broker registers first so no FrameReady is missed.
	if err := s.broker.Start(ctx); err != nil {
		return err
	}
	if err := s.source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start source: %w", err)
	}

	if s.ipc != nil {
		if err := s.ipc.Start(ctx); err != nil {
			return err
		}
	}

	if m := s.cfg.Control.MQTT; m.Enabled {
		client, err := mqtt.Connect(ctx, mqtt.ClientConfig{Broker: m.Broker, ClientID: m.ClientID})
		if err != nil {
			return err
		}
		s.mqttClient = client
		s.mqtt = mqtt.NewHandler(mqtt.HandlerConfig{
			RequestTopic:  m.Topics.Request,
			ResponseTopic: m.Topics.Response,
			QoS:           m.QoS,
			GrabTimeout:   s.cfg.Broker.GrabTimeout,
		}, client, s.broker)
		if err := s.mqtt.Start(ctx); err != nil {
			return err
		}
	}

	if s.cfg.Health.Addr != "" {
		sources := health.Sources{
			Broker: s.broker.Stats,
			Ring:   s.ring.Stats,
		}
		if gs, ok := s.source.(*gstreamer.Source); ok {
			sources.LastFrameAt = gs.LastFrameAt
		}
		if s.ipc != nil {
			sources.Sessions = s.ipc.Sessions
		}
		if s.mqttClient != nil {
			sources.MQTTConnected = s.mqttClient.IsConnected
		}

		hs, err := health.New(health.Config{Addr: s.cfg.Health.Addr, InstanceID: s.cfg.InstanceID}, sources)
		if err != nil {
			return err
		}
		if err := hs.Start(); err != nil {
			return err
		}
		s.health = hs
	}

	slog.Info("framebroker service started",
		"provider", s.cfg.Provider.Kind,
		"format", s.cfg.Provider.Format,
		"width", s.cfg.Provider.Width,
		"height", s.cfg.Provider.Height,
		"socket", s.cfg.Control.SocketPath,
		"mqtt", s.cfg.Control.MQTT.Enabled,
		"health", s.cfg.Health.Addr,
	)
	return nil
}

// Shutdown stops components in reverse order. Every step runs even if an
// earlier one failed; errors are joined.
func (s *service) Shutdown(ctx context.Context) error {
	var errs []error

	if s.health != nil {
		errs = append(errs, s.health.Stop(ctx))
	}
	if s.mqtt != nil {
		errs = append(errs, s.mqtt.Stop())
	}
	if s.mqttClient != nil {
		s.mqttClient.Disconnect(250)
	}
	if s.ipc != nil {
		errs = append(errs, s.ipc.Stop())
	}

	done := make(chan error, 1)
	go func() { done <- s.source.Stop() }()
	select {
	case err := <-done:
		errs = append(errs, err)
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("source stop: %w", ctx.Err()))
	}

	errs = append(errs, s.broker.Close())
	// Also covers a source that failed to stop: once the ring is closed no
	// producer writes slot memory, so the arena can be unmapped.
	s.ring.Close()

	st := s.arena.Stats()
	if st.Retained > 0 {
		slog.Warn("arena regions still retained at shutdown", "retained", st.Retained)
	}
	errs = append(errs, s.arena.Close())

	slog.Info("framebroker service shut down",
		"grace", time.Duration(s.cfg.ShutdownTimeoutS)*time.Second,
	)
	return errors.Join(errs...)
}
