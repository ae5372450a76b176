// Package gstreamer is the decoding frame provider: a GStreamer pipeline whose
// appsink output is converted to 4:2:0 and copied into the slot ring.
//
// Pipeline:
//
//	source (videotestsrc | rtspsrc → depay → decode | custom) →
//	videoconvert → videoscale → videorate → capsfilter → appsink
//
// On a pipeline error the ring is reset (receivers get ProviderReset), the
// pipeline is torn down and rebuilt with exponential backoff.
package gstreamer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/provider"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/vframe"
)

// Source kinds.
const (
	SourceTest = "test"
	SourceRTSP = "rtsp"
)

// Config for the GStreamer source.
type Config struct {
	// Source selects a built-in head: "test" or "rtsp".
	Source string
	// URL is the RTSP location when Source is "rtsp".
	URL string
	// Pipeline, when set, replaces the built-in head with a launch description
	// that must produce raw video.
	Pipeline string

	Width  int
	Height int
	FPS    float64
	Format vframe.Format

	Reconnect ReconnectConfig
}

// ErrorStats counts bus errors per category.
type ErrorStats struct {
	Network  uint64
	Codec    uint64
	Resource uint64
	Unknown  uint64
}

// Source is the GStreamer frame provider.
type Source struct {
	*provider.Ring

	cfg Config

	mu       sync.Mutex
	elements *pipelineElements
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// halted makes appsink callbacks drop samples; set by Stop.
	halted      atomic.Bool
	stopTimeout time.Duration

	startedAt   time.Time
	lastFrameAt atomic.Int64
	bytesRead   atomic.Uint64
	restarts    atomic.Uint32

	errNetwork  atomic.Uint64
	errCodec    atomic.Uint64
	errResource atomic.Uint64
	errUnknown  atomic.Uint64
}

var _ provider.Source = (*Source)(nil)

// New validates cfg against the ring and checks GStreamer is usable.
func New(ring *provider.Ring, cfg Config) (*Source, error) {
	if ring == nil {
		return nil, fmt.Errorf("gstreamer: ring is required")
	}
	rc := ring.Config()
	if cfg.Width == 0 && cfg.Height == 0 {
		cfg.Width, cfg.Height, cfg.Format = rc.Width, rc.Height, rc.Format
	}
	if cfg.Width != rc.Width || cfg.Height != rc.Height || cfg.Format != rc.Format {
		return nil, fmt.Errorf("gstreamer: config %dx%d %s does not match ring %dx%d %s",
			cfg.Width, cfg.Height, cfg.Format, rc.Width, rc.Height, rc.Format)
	}
	// Tight strides for every plane.
	if cfg.Width%8 != 0 || cfg.Height%2 != 0 {
		return nil, fmt.Errorf("gstreamer: width must be a multiple of 8 and height even, got %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS < 0.1 || cfg.FPS > 120 {
		return nil, fmt.Errorf("gstreamer: invalid FPS %.2f (must be 0.1-120)", cfg.FPS)
	}
	if _, err := buildLaunch(cfg); err != nil {
		return nil, err
	}
	if cfg.Reconnect.MaxRetries == 0 {
		cfg.Reconnect = DefaultReconnectConfig()
	}

	if err := checkAvailable(); err != nil {
		return nil, fmt.Errorf("gstreamer: %w", err)
	}

	slog.Info("gstreamer: source created",
		"source", cfg.Source,
		"url", cfg.URL,
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"format", cfg.Format.String(),
		"target_fps", cfg.FPS,
	)

	return &Source{Ring: ring, cfg: cfg, stopTimeout: 3 * time.Second}, nil
}

// Start builds and plays the pipeline, then supervises it in the background.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("gstreamer: source already started")
	}

	s.startedAt = time.Now()
	s.halted.Store(false)
	s.Ring.Start()

	if err := s.play(); err != nil {
		return err
	}

	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.supervise(ctx)

	slog.Info("gstreamer: source started", "note", "frames arrive once the pipeline reaches PLAYING")
	return nil
}

// play expects s.mu held.
func (s *Source) play() error {
	elements, err := createPipeline(s.cfg)
	if err != nil {
		return err
	}

	elements.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	if err := elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		_ = destroyPipeline(elements)
		return fmt.Errorf("gstreamer: failed to start pipeline: %w", err)
	}

	s.elements = elements
	return nil
}

// supervise monitors the bus and rebuilds the pipeline after failures.
func (s *Source) supervise(ctx context.Context) {
	defer s.wg.Done()

	attempt := 0
	for {
		s.mu.Lock()
		elements := s.elements
		s.mu.Unlock()

		err := s.monitor(ctx, elements, func() { attempt = 0 })
		if ctx.Err() != nil {
			return
		}

		attempt++
		if attempt > s.cfg.Reconnect.MaxRetries {
			slog.Error("gstreamer: pipeline stopped after reconnection failure",
				"error", err,
				"attempts", attempt-1,
				"uptime", time.Since(s.startedAt),
				"frames_published", s.Ring.Stats().Published,
			)
			return
		}

		// Queued frames belong to the dead pipeline.
		s.Ring.Reset()

		delay := backoff(attempt, s.cfg.Reconnect)
		slog.Warn("gstreamer: restarting pipeline",
			"error", err,
			"attempt", attempt,
			"max_retries", s.cfg.Reconnect.MaxRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		s.mu.Lock()
		_ = destroyPipeline(s.elements)
		s.elements = nil
		if err := s.play(); err != nil {
			slog.Error("gstreamer: pipeline rebuild failed", "error", err)
		}
		s.mu.Unlock()
		s.restarts.Add(1)
	}
}

// Stop tears the pipeline down. Idempotent.
//
// Samples are no longer published once Stop begins, even when the supervisor
// fails to exit within the stop timeout.
func (s *Source) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	s.halted.Store(true)
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.stopTimeout):
		// The supervisor may be holding mu inside a rebuild.
		if s.mu.TryLock() {
			_ = destroyPipeline(s.elements)
			s.elements = nil
			s.mu.Unlock()
		}
		slog.Error("gstreamer: supervisor did not exit, pipeline halted",
			"timeout", s.stopTimeout,
			"frames_published", s.Ring.Stats().Published,
		)
		return fmt.Errorf("gstreamer: stop timeout exceeded (%v)", s.stopTimeout)
	}

	s.mu.Lock()
	err := destroyPipeline(s.elements)
	s.elements = nil
	s.mu.Unlock()

	slog.Info("gstreamer: source stopped",
		"uptime", time.Since(s.startedAt),
		"bytes_read", s.bytesRead.Load(),
		"restarts", s.restarts.Load(),
	)
	return err
}

// Errors returns the bus error counters.
func (s *Source) Errors() ErrorStats {
	return ErrorStats{
		Network:  s.errNetwork.Load(),
		Codec:    s.errCodec.Load(),
		Resource: s.errResource.Load(),
		Unknown:  s.errUnknown.Load(),
	}
}

// LastFrameAt is the wall clock time of the last published frame.
func (s *Source) LastFrameAt() time.Time {
	n := s.lastFrameAt.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
