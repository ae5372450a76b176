//go:build linux

package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/control"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/registry"
)

// session is one connected consumer.
//
// It owns two kinds of state on behalf of the peer:
//   - tokens grabbed and not yet put back (returned on disconnect)
//   - one cross-boundary reference per handle whose descriptor it sent
//     (dropped on release_handle or disconnect)
type session struct {
	id     string
	server *Server
	conn   *conn

	mu      sync.Mutex
	handles map[string]*registry.Handle
	tokens  map[uint64]struct{}
}

func newSession(s *Server, c *conn) *session {
	return &session{
		id:      uuid.NewString(),
		server:  s,
		conn:    c,
		handles: make(map[string]*registry.Handle),
		tokens:  make(map[uint64]struct{}),
	}
}

func (s *session) handleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// interrupt unblocks a pending read. Safe from any goroutine.
func (s *session) interrupt() {
	_ = s.conn.c.Close()
}

func (s *session) serve(ctx context.Context) {
	slog.Info("ipc: session opened", "session_id", s.id)
	defer s.cleanup()

	for {
		var req Request
		if err := s.conn.receive(&req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Warn("ipc: session read failed", "session_id", s.id, "error", err)
			}
			return
		}

		resp, files := s.handle(ctx, &req)
		err := s.conn.send(resp, files)
		for _, f := range files {
			f.Close()
		}
		if err != nil {
			slog.Warn("ipc: session write failed", "session_id", s.id, "op", req.Op, "error", err)
			return
		}
	}
}

func (s *session) handle(ctx context.Context, req *Request) (*Response, []*os.File) {
	resp := &Response{ID: req.ID, Status: StatusOK}

	switch req.Op {
	case OpGrabFrame:
		return s.grab(ctx, req)

	case OpGetInfo:
		c := s.server.broker.Info()
		resp.Info = &InfoPayload{Decoded: c.Decoded, Ready: c.Ready}

	case OpPutFrame:
		resp.Accepted = s.put(req.Token)

	case OpReleaseHandle:
		resp.Accepted = s.releaseHandle(req.HandleID)

	case OpReleaseSlot:
		if err := s.server.broker.InvalidateSlot(req.Slot); err != nil {
			resp.Status = StatusError
			resp.Error = err.Error()
		}

	case OpGetStats:
		st := s.server.broker.Stats()
		resp.Stats = &StatsPayload{
			Decoded:       st.Engine.Decoded,
			Ready:         st.Engine.Ready,
			FPS:           st.Engine.FPS,
			LiveHandles:   st.Registry.Live,
			Generation:    st.Registry.Generation,
			Grabs:         st.Control.Grabs,
			Puts:          st.Control.Puts,
			RejectedPuts:  st.Control.RejectedPuts,
			Outstanding:   st.Control.Outstanding,
			Sessions:      s.server.Sessions(),
			SessionHandle: s.server.sessionHandles(),
		}

	default:
		resp.Status = StatusError
		resp.Error = fmt.Sprintf("unknown op %q", req.Op)
	}

	return resp, nil
}

func (s *session) grab(ctx context.Context, req *Request) (*Response, []*os.File) {
	resp := &Response{ID: req.ID}

	timeout := s.server.cfg.GrabTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	set, err := s.server.broker.Grab(ctx, timeout)
	if err != nil {
		resp.Status = statusFor(err)
		resp.Error = err.Error()
		return resp, nil
	}

	info, files, err := s.export(set)
	if err != nil {
		for _, f := range files {
			f.Close()
		}
		s.server.broker.Put(set.Token)
		slog.Warn("ipc: export failed, frame returned",
			"session_id", s.id,
			"slot", set.Slot,
			"error", err,
		)
		resp.Status = StatusError
		resp.Error = err.Error()
		return resp, nil
	}

	s.mu.Lock()
	s.tokens[set.Token] = struct{}{}
	s.mu.Unlock()

	resp.Status = StatusOK
	resp.Frame = info
	resp.FDs = len(files)
	return resp, files
}

// export describes set and collects descriptors for handles this session has
// not seen yet, taking the session's reference on each.
func (s *session) export(set *control.FrameHandleSet) (*FrameInfo, []*os.File, error) {
	info := &FrameInfo{
		Token:      set.Token,
		Slot:       set.Slot,
		Format:     set.Format.String(),
		Width:      set.Width,
		Height:     set.Height,
		Stride:     set.Stride,
		CropWidth:  set.CropWidth,
		CropHeight: set.CropHeight,
		PTSNanos:   int64(set.PTS),
		UnixNanos:  set.Timestamp.UnixNano(),
		Seq:        set.Seq,
		TraceID:    set.TraceID,
		Size:       set.Size,
		Planes:     make([]PlaneInfo, 0, len(set.Planes)),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		files    []*os.File
		acquired []*registry.Handle
	)
	rollback := func() {
		for _, h := range acquired {
			delete(s.handles, h.ID())
			h.Release()
		}
	}

	for p, ph := range set.Planes {
		pi := PlaneInfo{
			HandleID: ph.Handle.ID(),
			Plane:    p,
			Addr:     ph.Region.Addr,
			Width:    ph.Region.Width,
			Height:   ph.Region.Height,
			Stride:   ph.Region.Stride,
			Length:   ph.Region.Length,
			FDIndex:  -1,
		}

		if _, seen := s.handles[ph.Handle.ID()]; !seen {
			if !ph.Handle.Acquire() {
				rollback()
				return nil, files, fmt.Errorf("handle %s released during export", ph.Handle.ID())
			}
			f, err := s.server.exporter.Export(ph.Region.ID)
			if err != nil {
				ph.Handle.Release()
				rollback()
				return nil, files, fmt.Errorf("export plane %d: %w", p, err)
			}
			s.handles[ph.Handle.ID()] = ph.Handle
			acquired = append(acquired, ph.Handle)
			pi.FDIndex = len(files)
			files = append(files, f)
		}

		info.Planes = append(info.Planes, pi)
	}

	return info, files, nil
}

// put forwards only tokens this session grabbed.
func (s *session) put(token uint64) bool {
	s.mu.Lock()
	_, owned := s.tokens[token]
	delete(s.tokens, token)
	s.mu.Unlock()

	if !owned {
		slog.Warn("ipc: put of token not owned by session ignored",
			"session_id", s.id,
			"token", token,
		)
		return false
	}
	return s.server.broker.Put(token)
}

func (s *session) releaseHandle(id string) bool {
	s.mu.Lock()
	h, ok := s.handles[id]
	delete(s.handles, id)
	s.mu.Unlock()

	if !ok {
		return false
	}
	h.Release()
	return true
}

func (s *session) cleanup() {
	s.mu.Lock()
	tokens := s.tokens
	handles := s.handles
	s.tokens = make(map[uint64]struct{})
	s.handles = make(map[string]*registry.Handle)
	s.mu.Unlock()

	for token := range tokens {
		s.server.broker.Put(token)
	}
	for _, h := range handles {
		h.Release()
	}
	_ = s.conn.close()

	slog.Info("ipc: session closed",
		"session_id", s.id,
		"frames_returned", len(tokens),
		"handles_released", len(handles),
	)
}
