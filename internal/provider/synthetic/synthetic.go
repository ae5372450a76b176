// Package synthetic is a test-pattern frame provider: moving luma bars and a
// slowly rotating chroma tint, published into the slot ring at a fixed rate.
package synthetic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/provider"
)

// Config for the synthetic source.
type Config struct {
	FPS float64
}

// Source generates synthetic frames.
type Source struct {
	*provider.Ring

	interval time.Duration

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
	tick      uint64
}

var _ provider.Source = (*Source)(nil)

// New creates a synthetic source publishing into ring.
func New(ring *provider.Ring, cfg Config) (*Source, error) {
	if ring == nil {
		return nil, fmt.Errorf("synthetic: ring is required")
	}
	if cfg.FPS <= 0 || cfg.FPS > 240 {
		return nil, fmt.Errorf("synthetic: invalid FPS %.2f (must be 0-240)", cfg.FPS)
	}
	return &Source{
		Ring:     ring,
		interval: time.Duration(float64(time.Second) / cfg.FPS),
	}, nil
}

// Start begins generating frames. Receivers get ProviderStarted first.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("synthetic: source already started")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.startedAt = time.Now()
	s.Ring.Start()

	cfg := s.Ring.Config()
	slog.Info("synthetic: source starting",
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"format", cfg.Format.String(),
		"interval", s.interval,
	)

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Stop halts generation. Idempotent.
func (s *Source) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	s.wg.Wait()

	stats := s.Ring.Stats()
	slog.Info("synthetic: source stopped",
		"published", stats.Published,
		"dropped", stats.Dropped,
		"duration", time.Since(s.startedAt),
	)
	return nil
}

func (s *Source) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick++
			pts := time.Duration(s.tick) * s.interval
			s.Ring.Publish(provider.Meta{PTS: pts}, s.pattern(s.tick))
		}
	}
}

func (s *Source) pattern(tick uint64) provider.FillFunc {
	cfg := s.Ring.Config()
	return func(planes [][]byte) error {
		Fill(planes, cfg.Width, cfg.Height, tick)
		return nil
	}
}

// Fill draws frame number tick of the test pattern into planes.
// Luma holds diagonal bars that shift one pixel per frame; every chroma
// sample carries the same tint, rotating with tick.
func Fill(planes [][]byte, width, height int, tick uint64) {
	if len(planes) == 0 {
		return
	}

	y := planes[0]
	for row := 0; row < height; row++ {
		line := y[row*width : (row+1)*width]
		for col := range line {
			line[col] = byte((col + row + int(tick)) & 0xff)
		}
	}

	tint := byte(128 + int(tick%64) - 32)
	for _, c := range planes[1:] {
		for i := range c {
			c[i] = tint
		}
	}
}
