package gstreamer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

// monitor polls the pipeline bus until EOS, an error, or ctx cancellation.
// onPlaying runs every time the pipeline reaches PLAYING.
//
// Returns nil on cancellation, an error otherwise.
func (s *Source) monitor(ctx context.Context, elements *pipelineElements, onPlaying func()) error {
	if elements == nil || elements.Pipeline == nil {
		// Rebuild failed; let the caller back off and retry.
		select {
		case <-ctx.Done():
			return nil
		default:
			return fmt.Errorf("pipeline not initialized")
		}
	}

	pipeline := elements.Pipeline
	bus := pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("gstreamer: context cancelled, stopping pipeline monitor")
			return nil
		default:
		}

		// Short timeout for responsive shutdown.
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("gstreamer: end of stream received",
				"uptime", time.Since(s.startedAt),
				"frames_published", s.Ring.Stats().Published,
			)
			return fmt.Errorf("end of stream")

		case gst.MessageError:
			gerr := msg.ParseError()
			category := classifyGError(gerr)
			s.countError(category)

			slog.Error("gstreamer: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"uptime", time.Since(s.startedAt),
				"restarts", s.restarts.Load(),
			)
			return fmt.Errorf("pipeline error [%s]: %s", category, gerr.Error())

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				old, new := msg.ParseStateChanged()
				slog.Debug("gstreamer: pipeline state changed", "from", old, "to", new)
				if new == gst.StatePlaying {
					onPlaying()
				}
			}
		}
	}
}

func (s *Source) countError(c ErrorCategory) {
	switch c {
	case ErrCategoryNetwork:
		s.errNetwork.Add(1)
	case ErrCategoryCodec:
		s.errCodec.Add(1)
	case ErrCategoryResource:
		s.errResource.Add(1)
	default:
		s.errUnknown.Add(1)
	}
}
