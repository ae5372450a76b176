// Package vframe defines the contracts between the broker and the frame provider:
// frame descriptors, pixel formats, lifecycle events and the region table.
//
// Nothing in this package owns memory. A Frame only references regions by ID;
// the region table resolves an ID to an address and a geometry.
package vframe

import (
	"fmt"
	"time"
)

// MaxPlanes is the maximum number of planes a frame can reference
// (luma plus up to two chroma planes).
const MaxPlanes = 3

// RegionID identifies a memory region in the region table.
// Zero is never a valid region.
type RegionID uint32

// Format is the pixel layout tag carried by a frame descriptor.
type Format int

const (
	// FormatNV12 is 4:2:0 semi-planar: Y plane + interleaved UV plane.
	FormatNV12 Format = iota
	// FormatNV21 is 4:2:0 semi-planar: Y plane + interleaved VU plane.
	FormatNV21
	// FormatYUV420 is 4:2:0 planar: Y, U and V in three separate planes.
	FormatYUV420
)

// PlaneCount returns how many planes a frame of this format references.
func (f Format) PlaneCount() int {
	switch f {
	case FormatYUV420:
		return 3
	case FormatNV12, FormatNV21:
		return 2
	default:
		return 0
	}
}

// String returns the lowercase format name used in configuration and on the wire.
func (f Format) String() string {
	switch f {
	case FormatNV12:
		return "nv12"
	case FormatNV21:
		return "nv21"
	case FormatYUV420:
		return "yuv420"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ParseFormat parses a format name as produced by Format.String.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "nv12", "NV12":
		return FormatNV12, nil
	case "nv21", "NV21":
		return FormatNV21, nil
	case "yuv420", "YUV420", "i420", "I420":
		return FormatYUV420, nil
	default:
		return 0, fmt.Errorf("vframe: unknown format %q (must be nv12, nv21 or yuv420)", s)
	}
}

// Frame is a frame descriptor emitted by the provider.
//
// Ownership: the provider owns the descriptor. A consumer obtains it through
// Provider.Acquire and MUST hand it back through Provider.Return. The broker
// reads it but never mutates it.
type Frame struct {
	// Index is the physical slot the provider stores this frame in.
	// Providers reuse a small ring of slots.
	Index int

	// Canvas holds one region reference per plane. Entries past
	// Format.PlaneCount() are zero.
	Canvas [MaxPlanes]RegionID

	// Format selects the plane layout.
	Format Format

	// Width and Height are the visible (cropped) dimensions in pixels.
	// Full buffer dimensions come from the plane 0 region.
	Width  int
	Height int

	// PTS is the presentation timestamp relative to stream start.
	PTS time.Duration

	// Timestamp is the wall clock time the provider produced the frame.
	Timestamp time.Time

	// Seq is the provider's monotonically increasing frame counter.
	Seq uint64

	// TraceID identifies the frame across logs.
	TraceID string
}
