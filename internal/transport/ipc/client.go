//go:build linux

package ipc

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Frame is a grabbed frame as seen by a client. Planes alias shared memory
// mapped from the broker; they stay valid until the plane's handle is
// released or the client is closed, not only until PutFrame.
type Frame struct {
	Info   FrameInfo
	Planes [][]byte
}

type mapping struct {
	data  []byte
	slot  int
	plane int
}

// Client is a consumer connection to a Server.
//
// Not for concurrent grabs: requests are serialized.
type Client struct {
	mu     sync.Mutex
	conn   *conn
	nextID uint64

	maps map[string]*mapping
	// Current handle per (slot, plane), to release superseded ones.
	current map[[2]int]string
}

// Dial connects to the server socket.
func Dial(socketPath string) (*Client, error) {
	c, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: socketPath, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", socketPath, err)
	}
	return &Client{
		conn:    newConn(c),
		maps:    make(map[string]*mapping),
		current: make(map[[2]int]string),
	}, nil
}

func (c *Client) roundTrip(req Request) (*Response, error) {
	c.nextID++
	req.ID = c.nextID

	if err := c.conn.send(&req, nil); err != nil {
		return nil, fmt.Errorf("ipc: send %s: %w", req.Op, err)
	}

	var resp Response
	if err := c.conn.receive(&resp); err != nil {
		return nil, fmt.Errorf("ipc: receive %s: %w", req.Op, err)
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("%w: response id %d for request %d", ErrProtocol, resp.ID, req.ID)
	}
	return &resp, nil
}

// GrabFrame requests a frame, waiting up to timeout on the broker side.
func (c *Client) GrabFrame(timeout time.Duration) (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.roundTrip(Request{Op: OpGrabFrame, TimeoutMS: timeout.Milliseconds()})
	if err != nil {
		return nil, err
	}
	if err := errorFor(resp); err != nil {
		return nil, err
	}
	if resp.Frame == nil {
		return nil, fmt.Errorf("%w: grab response without frame", ErrProtocol)
	}

	files, err := c.conn.takeFiles(resp.FDs)
	if err != nil {
		return nil, err
	}
	defer func() {
		// The mapping outlives the descriptor.
		for _, f := range files {
			f.Close()
		}
	}()

	frame := &Frame{Info: *resp.Frame, Planes: make([][]byte, len(resp.Frame.Planes))}
	var superseded []string

	for i, p := range resp.Frame.Planes {
		if p.FDIndex >= 0 {
			if p.FDIndex >= len(files) {
				return nil, fmt.Errorf("%w: fd index %d out of %d", ErrProtocol, p.FDIndex, len(files))
			}
			data, err := unix.Mmap(int(files[p.FDIndex].Fd()), 0, p.Length, unix.PROT_READ, unix.MAP_SHARED)
			if err != nil {
				return nil, fmt.Errorf("ipc: mmap plane %d: %w", p.Plane, err)
			}
			c.maps[p.HandleID] = &mapping{data: data, slot: resp.Frame.Slot, plane: p.Plane}
		}

		m, ok := c.maps[p.HandleID]
		if !ok {
			return nil, fmt.Errorf("%w: no mapping for handle %s", ErrProtocol, p.HandleID)
		}
		frame.Planes[i] = m.data[:p.Length]

		key := [2]int{resp.Frame.Slot, p.Plane}
		if prev, ok := c.current[key]; ok && prev != p.HandleID {
			superseded = append(superseded, prev)
		}
		c.current[key] = p.HandleID
	}

	for _, id := range superseded {
		_ = c.releaseLocked(id)
	}
	return frame, nil
}

// PutFrame hands the frame back. Returns false when the broker did not
// recognize the token.
func (c *Client) PutFrame(token uint64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.roundTrip(Request{Op: OpPutFrame, Token: token})
	if err != nil {
		return false, err
	}
	return resp.Accepted, errorFor(resp)
}

// ReleaseHandle unmaps a handle and drops the session's reference to it.
func (c *Client) ReleaseHandle(handleID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releaseLocked(handleID)
}

func (c *Client) releaseLocked(handleID string) error {
	if m, ok := c.maps[handleID]; ok {
		delete(c.maps, handleID)
		key := [2]int{m.slot, m.plane}
		if c.current[key] == handleID {
			delete(c.current, key)
		}
		if err := unix.Munmap(m.data); err != nil {
			return fmt.Errorf("ipc: munmap handle %s: %w", handleID, err)
		}
	}

	resp, err := c.roundTrip(Request{Op: OpReleaseHandle, HandleID: handleID})
	if err != nil {
		return err
	}
	return errorFor(resp)
}

// ReleaseSlot asks the broker to invalidate the handles of a slot.
func (c *Client) ReleaseSlot(slot int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.roundTrip(Request{Op: OpReleaseSlot, Slot: slot})
	if err != nil {
		return err
	}
	return errorFor(resp)
}

// Info returns the broker's frame counters.
func (c *Client) Info() (InfoPayload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.roundTrip(Request{Op: OpGetInfo})
	if err != nil {
		return InfoPayload{}, err
	}
	if err := errorFor(resp); err != nil {
		return InfoPayload{}, err
	}
	if resp.Info == nil {
		return InfoPayload{}, fmt.Errorf("%w: info response without payload", ErrProtocol)
	}
	return *resp.Info, nil
}

// Stats returns a broker snapshot.
func (c *Client) Stats() (StatsPayload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.roundTrip(Request{Op: OpGetStats})
	if err != nil {
		return StatsPayload{}, err
	}
	if err := errorFor(resp); err != nil {
		return StatsPayload{}, err
	}
	if resp.Stats == nil {
		return StatsPayload{}, fmt.Errorf("%w: stats response without payload", ErrProtocol)
	}
	return *resp.Stats, nil
}

// Close unmaps every plane and disconnects. The server returns any frames
// still held by this session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for id, m := range c.maps {
		if err := unix.Munmap(m.data); err != nil {
			errs = append(errs, err)
		}
		delete(c.maps, id)
	}
	c.current = make(map[[2]int]string)
	errs = append(errs, c.conn.close())
	return errors.Join(errs...)
}
