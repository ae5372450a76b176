package gstreamer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/provider"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/vframe"
)

// copyPlanes splits a tightly packed 4:2:0 buffer into the slot's planes.
//
//	I420:      Y (w×h) | U (w×h/4) | V (w×h/4)
//	NV12/NV21: Y (w×h) | UV (w×h/2)
func copyPlanes(planes [][]byte, data []byte, format vframe.Format, width, height int) error {
	luma := width * height
	want := luma + luma/2
	if len(data) < want {
		return fmt.Errorf("gstreamer: short buffer %d bytes, want %d", len(data), want)
	}
	if len(planes) != format.PlaneCount() {
		return fmt.Errorf("gstreamer: %d planes for format %s", len(planes), format)
	}

	copy(planes[0], data[:luma])
	switch format {
	case vframe.FormatYUV420:
		q := luma / 4
		copy(planes[1], data[luma:luma+q])
		copy(planes[2], data[luma+q:luma+2*q])
	default:
		copy(planes[1], data[luma:want])
	}
	return nil
}

// onNewSample pulls one sample from the appsink and publishes it into the ring.
// A bad sample is skipped rather than failing the stream.
func (s *Source) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstreamer: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstreamer: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	defer buffer.Unmap()

	if len(data) == 0 {
		slog.Warn("gstreamer: empty buffer received")
		return gst.FlowOK
	}

	if !s.publishSample(data) && s.halted.Load() {
		return gst.FlowEOS
	}
	return gst.FlowOK
}

// publishSample copies one decoded buffer into the ring. Nothing is published
// once the source is halted.
func (s *Source) publishSample(data []byte) bool {
	if s.halted.Load() {
		return false
	}
	s.bytesRead.Add(uint64(len(data)))

	pts := time.Since(s.startedAt)
	ok := s.Ring.Publish(provider.Meta{PTS: pts}, func(planes [][]byte) error {
		return copyPlanes(planes, data, s.cfg.Format, s.cfg.Width, s.cfg.Height)
	})
	if ok {
		s.lastFrameAt.Store(time.Now().UnixNano())
	}
	return ok
}
