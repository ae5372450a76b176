// Package ipc is the local control channel: a unix stream socket carrying
// length-prefixed msgpack messages, with plane memory passed to consumers as
// file descriptors (SCM_RIGHTS).
//
// Wire format (both directions):
//
//	[4 bytes big-endian length][msgpack body]
//
// Descriptors ride on the first byte of the response that announces them;
// Response.FDs tells the reader how many to take from the socket.
package ipc

import (
	"errors"
	"fmt"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/control"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/engine"
)

// MaxMessageSize bounds a single message body.
const MaxMessageSize = 1 << 20

// Operations.
const (
	OpGrabFrame     = "grab_frame"
	OpGetInfo       = "get_info"
	OpPutFrame      = "put_frame"
	OpReleaseHandle = "release_handle"
	OpReleaseSlot   = "release_slot"
	OpGetStats      = "get_stats"
)

// Response statuses.
const (
	StatusOK      = "ok"
	StatusTimeout = "timeout"
	StatusNoFrame = "no_frame"
	StatusClosed  = "closed"
	StatusError   = "error"
)

// ErrProtocol is returned for malformed or oversized messages.
var ErrProtocol = errors.New("ipc: protocol error")

// Request is one client command.
type Request struct {
	ID        uint64 `msgpack:"id"`
	Op        string `msgpack:"op"`
	TimeoutMS int64  `msgpack:"timeout_ms,omitempty"`
	Token     uint64 `msgpack:"token,omitempty"`
	HandleID  string `msgpack:"handle_id,omitempty"`
	Slot      int    `msgpack:"slot,omitempty"`
}

// Response answers the request with the same ID.
type Response struct {
	ID       uint64        `msgpack:"id"`
	Status   string        `msgpack:"status"`
	Error    string        `msgpack:"error,omitempty"`
	FDs      int           `msgpack:"fds,omitempty"`
	Accepted bool          `msgpack:"accepted,omitempty"`
	Frame    *FrameInfo    `msgpack:"frame,omitempty"`
	Info     *InfoPayload  `msgpack:"info,omitempty"`
	Stats    *StatsPayload `msgpack:"stats,omitempty"`
}

// FrameInfo describes a grabbed frame.
type FrameInfo struct {
	Token      uint64      `msgpack:"token"`
	Slot       int         `msgpack:"slot"`
	Format     string      `msgpack:"format"`
	Width      int         `msgpack:"width"`
	Height     int         `msgpack:"height"`
	Stride     int         `msgpack:"stride"`
	CropWidth  int         `msgpack:"crop_width"`
	CropHeight int         `msgpack:"crop_height"`
	PTSNanos   int64       `msgpack:"pts_ns"`
	UnixNanos  int64       `msgpack:"timestamp_ns"`
	Seq        uint64      `msgpack:"seq"`
	TraceID    string      `msgpack:"trace_id"`
	Size       int         `msgpack:"size"`
	Planes     []PlaneInfo `msgpack:"planes"`
}

// PlaneInfo describes one exported plane. FDIndex is the position of the
// plane's descriptor among the response's FDs, or -1 when the session
// already received it for this handle.
type PlaneInfo struct {
	HandleID string `msgpack:"handle_id"`
	Plane    int    `msgpack:"plane"`
	Addr     uint64 `msgpack:"addr"`
	Width    int    `msgpack:"width"`
	Height   int    `msgpack:"height"`
	Stride   int    `msgpack:"stride"`
	Length   int    `msgpack:"length"`
	FDIndex  int    `msgpack:"fd_index"`
}

// InfoPayload carries the frame counters.
type InfoPayload struct {
	Decoded int64 `msgpack:"decoded"`
	Ready   int64 `msgpack:"ready"`
}

// StatsPayload is a flattened broker snapshot.
type StatsPayload struct {
	Decoded       int64   `msgpack:"decoded"`
	Ready         int64   `msgpack:"ready"`
	FPS           float64 `msgpack:"fps"`
	LiveHandles   int64   `msgpack:"live_handles"`
	Generation    uint64  `msgpack:"generation"`
	Grabs         uint64  `msgpack:"grabs"`
	Puts          uint64  `msgpack:"puts"`
	RejectedPuts  uint64  `msgpack:"rejected_puts"`
	Outstanding   int     `msgpack:"outstanding"`
	Sessions      int     `msgpack:"sessions"`
	SessionHandle int     `msgpack:"session_handles"`
}

// statusFor maps a broker error to a response status.
func statusFor(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, engine.ErrTimeout):
		return StatusTimeout
	case errors.Is(err, control.ErrNoFrameAvailable):
		return StatusNoFrame
	case errors.Is(err, engine.ErrClosed):
		return StatusClosed
	default:
		return StatusError
	}
}

// errorFor maps a response back to a sentinel error on the client side.
func errorFor(resp *Response) error {
	switch resp.Status {
	case StatusOK:
		return nil
	case StatusTimeout:
		return fmt.Errorf("%w: %s", engine.ErrTimeout, resp.Error)
	case StatusNoFrame:
		return control.ErrNoFrameAvailable
	case StatusClosed:
		return engine.ErrClosed
	default:
		return fmt.Errorf("ipc: %s", resp.Error)
	}
}
