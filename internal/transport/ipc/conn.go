//go:build linux

package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sys/unix"
)

const (
	readChunk = 64 << 10
	// Room for a few SCM_RIGHTS messages of up to 16 descriptors.
	maxFDsPerRead = 64
)

// conn frames messages over a unix stream socket and collects descriptors
// received alongside them.
type conn struct {
	c *net.UnixConn

	wmu sync.Mutex

	// Read side, single reader.
	pending []byte
	fds     []int
	chunk   []byte
	oob     []byte
}

func newConn(c *net.UnixConn) *conn {
	return &conn{
		c:     c,
		chunk: make([]byte, readChunk),
		oob:   make([]byte, unix.CmsgSpace(4*maxFDsPerRead)),
	}
}

// send writes one message. files, when present, are attached to the same
// sendmsg call; the caller keeps ownership of them.
func (c *conn) send(v any, files []*os.File) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}
	if len(body) > MaxMessageSize {
		return fmt.Errorf("%w: message of %d bytes exceeds %d", ErrProtocol, len(body), MaxMessageSize)
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if len(files) == 0 {
		_, err := c.c.Write(buf)
		return err
	}

	fds := make([]int, len(files))
	for i, f := range files {
		fds[i] = int(f.Fd())
	}
	n, _, err := c.c.WriteMsgUnix(buf, unix.UnixRights(fds...), nil)
	if err != nil {
		return err
	}
	if n < len(buf) {
		// Descriptors went with the first chunk; finish the payload.
		if _, err := c.c.Write(buf[n:]); err != nil {
			return err
		}
	}
	return nil
}

// receive reads the next message into v.
func (c *conn) receive(v any) error {
	for {
		if len(c.pending) >= 4 {
			size := binary.BigEndian.Uint32(c.pending)
			if size > MaxMessageSize {
				return fmt.Errorf("%w: message of %d bytes exceeds %d", ErrProtocol, size, MaxMessageSize)
			}
			if len(c.pending) >= 4+int(size) {
				body := c.pending[4 : 4+size]
				err := msgpack.Unmarshal(body, v)
				c.pending = c.pending[4+size:]
				if err != nil {
					return fmt.Errorf("%w: %v", ErrProtocol, err)
				}
				return nil
			}
		}

		if err := c.fill(); err != nil {
			return err
		}
	}
}

func (c *conn) fill() error {
	n, oobn, _, _, err := c.c.ReadMsgUnix(c.chunk, c.oob)
	if oobn > 0 {
		if perr := c.collectFDs(c.oob[:oobn]); perr != nil && err == nil {
			err = perr
		}
	}
	if n > 0 {
		c.pending = append(c.pending, c.chunk[:n]...)
		return nil
	}
	if err == nil && oobn == 0 {
		// Zero-byte read on a stream socket: peer closed.
		return io.EOF
	}
	return err
}

func (c *conn) collectFDs(oob []byte) error {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return fmt.Errorf("ipc: parse control message: %w", err)
	}
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
		}
		c.fds = append(c.fds, fds...)
	}
	return nil
}

// takeFiles pops n received descriptors, in arrival order.
func (c *conn) takeFiles(n int) ([]*os.File, error) {
	if n > len(c.fds) {
		return nil, fmt.Errorf("%w: expected %d descriptors, have %d", ErrProtocol, n, len(c.fds))
	}
	files := make([]*os.File, n)
	for i, fd := range c.fds[:n] {
		files[i] = os.NewFile(uintptr(fd), fmt.Sprintf("plane-fd-%d", fd))
	}
	c.fds = c.fds[n:]
	return files, nil
}

// close closes the socket and any descriptors nobody claimed.
func (c *conn) close() error {
	for _, fd := range c.fds {
		unix.Close(fd)
	}
	c.fds = nil
	return c.c.Close()
}
