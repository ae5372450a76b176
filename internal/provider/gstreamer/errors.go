package gstreamer

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory classifies pipeline errors for telemetry.
type ErrorCategory int

const (
	// ErrCategoryNetwork covers connection, timeout and DNS failures.
	ErrCategoryNetwork ErrorCategory = iota
	// ErrCategoryCodec covers decode and caps negotiation failures.
	ErrCategoryCodec
	// ErrCategoryResource covers missing elements and device failures.
	ErrCategoryResource
	// ErrCategoryUnknown is everything else.
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryResource:
		return "resource"
	default:
		return "unknown"
	}
}

var categoryKeywords = []struct {
	category ErrorCategory
	keywords []string
}{
	{ErrCategoryCodec, []string{"codec", "decode", "not negotiated", "negotiation", "caps", "h264", "format", "missing plugin"}},
	{ErrCategoryResource, []string{"no such element", "could not open", "resource", "device", "permission", "busy"}},
	{ErrCategoryNetwork, []string{"connection", "timeout", "unreachable", "network", "dns", "resolve", "socket", "tcp", "rtsp", "could not connect"}},
}

// classify matches the error text and debug string against keyword lists,
// most specific category first.
func classify(msg, debug string) ErrorCategory {
	combined := strings.ToLower(msg + " " + debug)
	for _, c := range categoryKeywords {
		for _, kw := range c.keywords {
			if strings.Contains(combined, kw) {
				return c.category
			}
		}
	}
	return ErrCategoryUnknown
}

// classifyGError classifies a bus error. go-gst's GError exposes no domain,
// so classification is text based.
func classifyGError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return classify(gerr.Error(), gerr.DebugString())
}
