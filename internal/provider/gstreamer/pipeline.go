package gstreamer

import (
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/vframe"
)

const sinkName = "framebroker_sink"

// pipelineElements holds the references needed for callbacks and teardown.
type pipelineElements struct {
	Pipeline *gst.Pipeline
	AppSink  *app.Sink
}

// capsFormat maps a frame format to its GStreamer raw video format name.
func capsFormat(f vframe.Format) (string, error) {
	switch f {
	case vframe.FormatYUV420:
		return "I420", nil
	case vframe.FormatNV12:
		return "NV12", nil
	case vframe.FormatNV21:
		return "NV21", nil
	default:
		return "", fmt.Errorf("gstreamer: no raw caps for format %s", f)
	}
}

// buildCaps builds the appsink caps string.
//
// Fractional rates: fps >= 1 → N/1, fps < 1 → 1/round(1/fps).
func buildCaps(format string, width, height int, fps float64) string {
	num, den := 1, 1
	if fps < 1.0 {
		den = int(1.0/fps + 0.5)
	} else {
		num = int(fps)
	}
	return fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d,framerate=%d/%d",
		format, width, height, num, den)
}

// sourceDescription returns the launch description of the decoding head.
func sourceDescription(cfg Config) (string, error) {
	if cfg.Pipeline != "" {
		return cfg.Pipeline, nil
	}
	switch cfg.Source {
	case SourceTest:
		return "videotestsrc is-live=true pattern=ball", nil
	case SourceRTSP:
		if cfg.URL == "" {
			return "", fmt.Errorf("gstreamer: rtsp source requires a URL")
		}
		// protocols=4 forces TCP.
		return fmt.Sprintf("rtspsrc location=%s protocols=4 latency=200 ! rtph264depay ! h264parse ! avdec_h264", cfg.URL), nil
	default:
		return "", fmt.Errorf("gstreamer: unknown source %q", cfg.Source)
	}
}

// buildLaunch appends the conversion tail to the source head:
//
//	head → videoconvert → videoscale → videorate → capsfilter → appsink
func buildLaunch(cfg Config) (string, error) {
	head, err := sourceDescription(cfg)
	if err != nil {
		return "", err
	}
	format, err := capsFormat(cfg.Format)
	if err != nil {
		return "", err
	}
	caps := buildCaps(format, cfg.Width, cfg.Height, cfg.FPS)

	return fmt.Sprintf(
		"%s ! videoconvert ! videoscale ! videorate drop-only=true skip-to-first=true ! "+
			"capsfilter caps=%q ! appsink name=%s sync=false max-buffers=1 drop=true",
		head, caps, sinkName,
	), nil
}

// createPipeline parses the launch description and looks up the appsink.
// The pipeline is NOT started.
func createPipeline(cfg Config) (*pipelineElements, error) {
	gst.Init(nil)

	launch, err := buildLaunch(cfg)
	if err != nil {
		return nil, err
	}
	slog.Debug("gstreamer: creating pipeline", "launch", launch)

	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return nil, fmt.Errorf("gstreamer: failed to create pipeline: %w", err)
	}

	elem, err := pipeline.GetElementByName(sinkName)
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("gstreamer: appsink not found: %w", err)
	}

	return &pipelineElements{
		Pipeline: pipeline,
		AppSink:  app.SinkFromElement(elem),
	}, nil
}

// destroyPipeline sets the pipeline to NULL. Safe on nil.
func destroyPipeline(elements *pipelineElements) error {
	if elements == nil || elements.Pipeline == nil {
		return nil
	}
	if err := elements.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstreamer: failed to set pipeline to NULL: %w", err)
	}
	return nil
}

// checkAvailable verifies GStreamer can create elements.
func checkAvailable() error {
	gst.Init(nil)

	elem, err := gst.NewElement("fakesrc")
	if err != nil {
		return fmt.Errorf("GStreamer not available or not properly installed: %w", err)
	}
	elem.SetState(gst.StateNull)
	return nil
}
