package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/broker"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/engine"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/provider"
)

func sources(started bool) Sources {
	return Sources{
		Broker: func() broker.Stats {
			return broker.Stats{
				Started: started,
				Engine:  engine.Stats{Counters: engine.Counters{Decoded: 12, Ready: 2}, FPS: 30},
			}
		},
		Ring: func() provider.RingStats { return provider.RingStats{Published: 12, Dropped: 1} },
	}
}

func TestNew_RequiresSources(t *testing.T) {
	_, err := New(Config{}, Sources{})
	assert.Error(t, err)
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Sources)
		started bool
		want    string
		reasons []string
	}{
		{"healthy", nil, true, "healthy", nil},
		{"not started", nil, false, "unhealthy", nil},
		{"mqtt down", func(p *Sources) { p.MQTTConnected = func() bool { return false } }, true, "degraded", []string{"mqtt_disconnected"}},
		{"stale frames", func(p *Sources) {
			p.LastFrameAt = func() time.Time { return time.Now().Add(-time.Minute) }
		}, true, "degraded", []string{"stale_frames"}},
		{"fresh frames", func(p *Sources) {
			p.LastFrameAt = func() time.Time { return time.Now() }
		}, true, "healthy", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := sources(tt.started)
			if tt.mutate != nil {
				tt.mutate(&p)
			}
			s, err := New(Config{InstanceID: "test"}, p)
			require.NoError(t, err)

			st := s.Check()
			assert.Equal(t, tt.want, st.Status)
			assert.Equal(t, tt.reasons, st.DegradedReasons)
			assert.Equal(t, int64(12), st.FramesDecoded)
			assert.Equal(t, uint64(1), st.FramesDropped)
		})
	}
}

func TestReadiness_StatusCodes(t *testing.T) {
	for _, started := range []bool{true, false} {
		s, err := New(Config{}, sources(started))
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))

		want := http.StatusOK
		if !started {
			want = http.StatusServiceUnavailable
		}
		assert.Equal(t, want, rec.Code)

		var st Status
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
		assert.Equal(t, started, st.BrokerStarted)
	}
}

func TestLiveness(t *testing.T) {
	s, err := New(Config{}, sources(false))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"alive"`)
}

func TestMetrics(t *testing.T) {
	s, err := New(Config{InstanceID: "cam1"}, sources(true))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, `framebroker_frames_decoded{instance="cam1"} 12`)
	assert.Contains(t, body, `framebroker_provider_dropped_total{instance="cam1"} 1`)
	assert.Contains(t, body, "# TYPE framebroker_grabs_total counter")
}
