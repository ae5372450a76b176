//go:build linux

package ipc

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/arena"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/broker"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/engine"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/provider"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/provider/synthetic"
	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/vframe"
)

const (
	testWidth  = 64
	testHeight = 48
)

type fixture struct {
	arena  *arena.Arena
	ring   *provider.Ring
	broker *broker.Broker
	server *Server
	socket string
}

func newFixture(t *testing.T, slots int) *fixture {
	t.Helper()

	// Unix socket paths are length-limited; keep it short.
	dir, err := os.MkdirTemp("", "fbipc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	a := arena.New("ipc-test")
	ring, err := provider.NewRing(provider.RingConfig{
		Name: "test", Slots: slots, Format: vframe.FormatYUV420, Width: testWidth, Height: testHeight,
	}, a)
	require.NoError(t, err)

	b, err := broker.New(broker.Options{SlotCapacity: 8}, ring, a, a)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	socket := filepath.Join(dir, "fb.sock")
	srv, err := NewServer(ServerConfig{SocketPath: socket, GrabTimeout: 200 * time.Millisecond}, b, a)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))

	t.Cleanup(func() {
		_ = srv.Stop()
		_ = b.Close()
		_ = a.Close()
	})
	return &fixture{arena: a, ring: ring, broker: b, server: srv, socket: socket}
}

func (f *fixture) publish(t *testing.T, tick uint64) {
	t.Helper()
	ok := f.ring.Publish(provider.Meta{}, func(planes [][]byte) error {
		synthetic.Fill(planes, testWidth, testHeight, tick)
		return nil
	})
	require.True(t, ok, "ring full")
}

func (f *fixture) dial(t *testing.T) *Client {
	t.Helper()
	c, err := Dial(f.socket)
	require.NoError(t, err)
	return c
}

func TestNewServer_Validation(t *testing.T) {
	a := arena.New("x")
	defer a.Close()

	_, err := NewServer(ServerConfig{}, nil, a)
	assert.Error(t, err)
	_, err = NewServer(ServerConfig{SocketPath: "/tmp/x.sock"}, nil, a)
	assert.Error(t, err)
}

func TestGrabFrame_MapsPlaneMemory(t *testing.T) {
	f := newFixture(t, 2)
	f.publish(t, 7)

	c := f.dial(t)
	defer c.Close()

	frame, err := c.GrabFrame(time.Second)
	require.NoError(t, err)

	require.Len(t, frame.Planes, 3)
	assert.Equal(t, testWidth*testHeight, len(frame.Planes[0]))
	assert.Equal(t, testWidth*testHeight/2, len(frame.Planes[1]))
	assert.Equal(t, byte(7), frame.Planes[0][0], "luma pattern visible through the mapping")
	assert.Equal(t, "yuv420", frame.Info.Format)
	assert.Equal(t, uint64(1), frame.Info.Seq)
	assert.NotEmpty(t, frame.Info.TraceID)
	for _, p := range frame.Info.Planes {
		assert.GreaterOrEqual(t, p.FDIndex, 0, "first sighting carries a descriptor")
	}

	accepted, err := c.PutFrame(frame.Info.Token)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, 0, f.ring.Stats().Held)
}

func TestGrabFrame_ReusesMappingOnSecondGrab(t *testing.T) {
	f := newFixture(t, 1)
	c := f.dial(t)
	defer c.Close()

	f.publish(t, 1)
	first, err := c.GrabFrame(time.Second)
	require.NoError(t, err)
	_, err = c.PutFrame(first.Info.Token)
	require.NoError(t, err)

	f.publish(t, 2)
	second, err := c.GrabFrame(time.Second)
	require.NoError(t, err)

	for i, p := range second.Info.Planes {
		assert.Equal(t, -1, p.FDIndex, "descriptor not resent")
		assert.Equal(t, first.Info.Planes[i].HandleID, p.HandleID)
	}
	assert.Equal(t, byte(2), second.Planes[0][0])
	assert.Equal(t, 3, f.server.sessionHandles())
}

func TestGrabFrame_Timeout(t *testing.T) {
	f := newFixture(t, 1)
	c := f.dial(t)
	defer c.Close()

	start := time.Now()
	_, err := c.GrabFrame(100 * time.Millisecond)
	assert.ErrorIs(t, err, engine.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestPutFrame_ForeignTokenRejected(t *testing.T) {
	f := newFixture(t, 2)
	f.publish(t, 1)

	owner := f.dial(t)
	defer owner.Close()
	other := f.dial(t)
	defer other.Close()

	frame, err := owner.GrabFrame(time.Second)
	require.NoError(t, err)

	accepted, err := other.PutFrame(frame.Info.Token)
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, 1, f.ring.Stats().Held, "frame still held by its owner")

	accepted, err = owner.PutFrame(frame.Info.Token)
	require.NoError(t, err)
	assert.True(t, accepted)
}

func TestDisconnect_ReturnsFramesAndReleasesHandles(t *testing.T) {
	f := newFixture(t, 2)
	f.publish(t, 1)

	c := f.dial(t)
	_, err := c.GrabFrame(time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, f.ring.Stats().Held)

	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		return f.ring.Stats().Held == 0 && f.server.Sessions() == 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.server.sessionHandles())
}

func TestReleaseSlot_HandleSurvivesUntilReleased(t *testing.T) {
	f := newFixture(t, 1)
	c := f.dial(t)
	defer c.Close()

	f.publish(t, 1)
	frame, err := c.GrabFrame(time.Second)
	require.NoError(t, err)
	_, err = c.PutFrame(frame.Info.Token)
	require.NoError(t, err)

	require.NoError(t, c.ReleaseSlot(frame.Info.Slot))
	assert.Equal(t, int64(3), f.broker.Stats().Registry.Live, "session references keep handles alive")

	for _, p := range frame.Info.Planes {
		require.NoError(t, c.ReleaseHandle(p.HandleID))
	}
	assert.Equal(t, int64(0), f.broker.Stats().Registry.Live)

	assert.Error(t, c.ReleaseSlot(99))
}

func TestInfoAndStats(t *testing.T) {
	f := newFixture(t, 4)
	f.publish(t, 1)
	f.publish(t, 2)

	c := f.dial(t)
	defer c.Close()

	info, err := c.Info()
	require.NoError(t, err)
	assert.Equal(t, InfoPayload{Decoded: 2, Ready: 2}, info)

	_, err = c.GrabFrame(time.Second)
	require.NoError(t, err)

	st, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Ready)
	assert.Equal(t, uint64(1), st.Grabs)
	assert.Equal(t, 1, st.Outstanding)
	assert.Equal(t, 1, st.Sessions)
	assert.Equal(t, 3, st.SessionHandle)
}

func TestUnknownOp(t *testing.T) {
	f := newFixture(t, 1)

	raw, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: f.socket, Net: "unix"})
	require.NoError(t, err)
	c := newConn(raw)
	defer c.close()

	require.NoError(t, c.send(&Request{ID: 9, Op: "explode"}, nil))
	var resp Response
	require.NoError(t, c.receive(&resp))
	assert.Equal(t, uint64(9), resp.ID)
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Error, "explode")
}

func TestStop_ClosesSessions(t *testing.T) {
	f := newFixture(t, 1)
	f.publish(t, 1)

	c := f.dial(t)
	defer c.Close()
	_, err := c.GrabFrame(time.Second)
	require.NoError(t, err)

	require.NoError(t, f.server.Stop())
	assert.Equal(t, 0, f.ring.Stats().Held)
	assert.Equal(t, 0, f.server.Sessions())

	_, err = os.Stat(f.socket)
	assert.True(t, os.IsNotExist(err), "socket removed")
}
