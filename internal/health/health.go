// Package health serves liveness, readiness and plain-text metrics over HTTP.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/broker"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/provider"
)

// DefaultStaleAfter is how long without a new frame before readiness degrades.
const DefaultStaleAfter = 5 * time.Second

// Sources collects the live state. Broker and Ring are required; the rest
// are optional and skipped when nil.
type Sources struct {
	Broker        func() broker.Stats
	Ring          func() provider.RingStats
	LastFrameAt   func() time.Time
	MQTTConnected func() bool
	Sessions      func() int
}

// Config configures the health server.
type Config struct {
	Addr       string
	InstanceID string
	StaleAfter time.Duration
}

// Status is the readiness report.
type Status struct {
	Status          string   `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds   int64    `json:"uptime_seconds"`
	BrokerStarted   bool     `json:"broker_started"`
	FramesDecoded   int64    `json:"frames_decoded"`
	FramesReady     int64    `json:"frames_ready"`
	FramesDropped   uint64   `json:"frames_dropped"`
	FPS             float64  `json:"fps"`
	LiveHandles     int64    `json:"live_handles"`
	Outstanding     int      `json:"outstanding_frames"`
	LastFrameAgeMS  int64    `json:"last_frame_age_ms,omitempty"`
	MQTTConnected   *bool    `json:"mqtt_connected,omitempty"`
	Sessions        int      `json:"ipc_sessions"`
	DegradedReasons []string `json:"degraded_reasons,omitempty"`
}

// Server is the HTTP health endpoint.
type Server struct {
	cfg     Config
	sources Sources
	started time.Time
	server  *http.Server
}

// New validates the sources and creates a server.
func New(cfg Config, sources Sources) (*Server, error) {
	if sources.Broker == nil || sources.Ring == nil {
		return nil, errors.New("health: broker and ring sources are required")
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &Server{cfg: cfg, sources: sources, started: time.Now()}, nil
}

// Check builds the current status.
func (s *Server) Check() Status {
	bs := s.sources.Broker()
	rs := s.sources.Ring()

	st := Status{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		BrokerStarted: bs.Started,
		FramesDecoded: bs.Engine.Decoded,
		FramesReady:   bs.Engine.Ready,
		FramesDropped: rs.Dropped,
		FPS:           bs.Engine.FPS,
		LiveHandles:   bs.Registry.Live,
		Outstanding:   bs.Control.Outstanding,
	}

	if s.sources.Sessions != nil {
		st.Sessions = s.sources.Sessions()
	}

	if s.sources.LastFrameAt != nil {
		if last := s.sources.LastFrameAt(); !last.IsZero() {
			age := time.Since(last)
			st.LastFrameAgeMS = age.Milliseconds()
			if age > s.cfg.StaleAfter {
				st.DegradedReasons = append(st.DegradedReasons, "stale_frames")
			}
		}
	}

	if s.sources.MQTTConnected != nil {
		connected := s.sources.MQTTConnected()
		st.MQTTConnected = &connected
		if !connected {
			st.DegradedReasons = append(st.DegradedReasons, "mqtt_disconnected")
		}
	}

	switch {
	case !bs.Started:
		st.Status = "unhealthy"
	case len(st.DegradedReasons) > 0:
		st.Status = "degraded"
	}
	return st
}

// Handler returns the mux with /health, /readiness and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.liveness)
	mux.HandleFunc("/readiness", s.readiness)
	mux.HandleFunc("/metrics", s.metrics)
	return mux
}

// liveness returns 200 as long as the process can answer.
func (s *Server) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// readiness returns 503 only when unhealthy; degraded is still ready.
func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	st := s.Check()

	code := http.StatusOK
	if st.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(st)
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	bs := s.sources.Broker()
	rs := s.sources.Ring()
	label := fmt.Sprintf("{instance=%q}", s.cfg.InstanceID)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)

	write := func(name, kind string, value interface{}) {
		fmt.Fprintf(w, "# TYPE %s %s\n%s%s %v\n", name, kind, name, label, value)
	}
	write("framebroker_uptime_seconds", "gauge", int64(time.Since(s.started).Seconds()))
	write("framebroker_frames_decoded", "gauge", bs.Engine.Decoded)
	write("framebroker_frames_ready", "gauge", bs.Engine.Ready)
	write("framebroker_fps", "gauge", bs.Engine.FPS)
	write("framebroker_grabs_total", "counter", bs.Control.Grabs)
	write("framebroker_puts_total", "counter", bs.Control.Puts)
	write("framebroker_rejected_puts_total", "counter", bs.Control.RejectedPuts)
	write("framebroker_grab_timeouts_total", "counter", bs.Control.Timeouts)
	write("framebroker_outstanding_frames", "gauge", bs.Control.Outstanding)
	write("framebroker_handles_live", "gauge", bs.Registry.Live)
	write("framebroker_handles_created_total", "counter", bs.Registry.Created)
	write("framebroker_handles_destroyed_total", "counter", bs.Registry.Destroyed)
	write("framebroker_registry_generation", "gauge", bs.Registry.Generation)
	write("framebroker_provider_published_total", "counter", rs.Published)
	write("framebroker_provider_dropped_total", "counter", rs.Dropped)
	write("framebroker_provider_slots_free", "gauge", rs.Free)
	write("framebroker_provider_slots_held", "gauge", rs.Held)
}

// Start listens on cfg.Addr and serves in the background. Listen errors are
// returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("health: listen on %s: %w", s.cfg.Addr, err)
	}

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("health: server started",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/readiness", "/metrics"},
	)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health: server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
