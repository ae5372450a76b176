//go:build linux

// Package arena is the reserved memory behind frame planes: one memfd per
// region, mapped shared into this process and exportable to consumers as a
// file descriptor.
//
// Each region gets a page-aligned base address in a private address space so
// that plane descriptors can carry a stable "physical" address the way a
// hardware canvas table would.
package arena

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/vframe"
)

// BaseAddr is the first address handed out.
const BaseAddr uint64 = 0x1000_0000

var (
	// ErrUnknownRegion is returned for a region ID the arena never allocated
	// or already freed.
	ErrUnknownRegion = errors.New("arena: unknown region")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("arena: closed")
)

type region struct {
	info   vframe.RegionInfo
	length int
	fd     int
	mem    []byte
	refs   int
}

// Stats is a snapshot of arena usage.
type Stats struct {
	Regions  int
	Bytes    int64
	Retained int
}

// Arena allocates and owns plane regions.
type Arena struct {
	name     string
	pageSize uint64

	mu       sync.RWMutex
	regions  map[vframe.RegionID]*region
	nextID   vframe.RegionID
	nextAddr uint64
	closed   bool
}

// New creates an empty arena. name labels the memfds (visible in /proc/<pid>/fd).
func New(name string) *Arena {
	if name == "" {
		name = "framebroker"
	}
	return &Arena{
		name:     name,
		pageSize: uint64(os.Getpagesize()),
		regions:  make(map[vframe.RegionID]*region),
		nextID:   1,
		nextAddr: BaseAddr,
	}
}

// Allocate reserves length bytes registered with the given plane geometry.
func (a *Arena) Allocate(width, height, length int) (vframe.RegionID, error) {
	if width <= 0 || height <= 0 || length <= 0 {
		return 0, fmt.Errorf("arena: invalid geometry %dx%d length %d", width, height, length)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, ErrClosed
	}

	id := a.nextID
	fd, err := unix.MemfdCreate(fmt.Sprintf("%s-%d", a.name, id), unix.MFD_CLOEXEC)
	if err != nil {
		return 0, fmt.Errorf("arena: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(length)); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("arena: ftruncate region %d: %w", id, err)
	}
	mem, err := unix.Mmap(fd, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("arena: mmap region %d: %w", id, err)
	}

	addr := a.nextAddr
	a.nextAddr += (uint64(length) + a.pageSize - 1) &^ (a.pageSize - 1)
	a.nextID++

	a.regions[id] = &region{
		info:   vframe.RegionInfo{ID: id, Addr: addr, Width: width, Height: height},
		length: length,
		fd:     fd,
		mem:    mem,
	}

	slog.Debug("arena: region allocated",
		"region", id,
		"addr", fmt.Sprintf("%#x", addr),
		"width", width,
		"height", height,
		"length", length,
	)

	return id, nil
}

// Lookup implements vframe.RegionTable.
func (a *Arena) Lookup(id vframe.RegionID) (vframe.RegionInfo, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	r, ok := a.regions[id]
	if !ok {
		return vframe.RegionInfo{}, false
	}
	return r.info, true
}

// Bytes returns the writable mapping of a region. The slice stays valid until
// Close.
func (a *Arena) Bytes(id vframe.RegionID) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	r, err := a.get(id)
	if err != nil {
		return nil, err
	}
	return r.mem, nil
}

// Retain pins a region for an exported handle (implements registry.Backing).
func (a *Arena) Retain(id vframe.RegionID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, err := a.get(id)
	if err != nil {
		return err
	}
	r.refs++
	return nil
}

// Release drops a pin taken with Retain. Unknown regions are ignored.
func (a *Arena) Release(id vframe.RegionID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if r, ok := a.regions[id]; ok && r.refs > 0 {
		r.refs--
	}
}

// Export returns a duplicate of the region's memfd. The caller owns the file.
func (a *Arena) Export(id vframe.RegionID) (*os.File, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	r, err := a.get(id)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Dup(r.fd)
	if err != nil {
		return nil, fmt.Errorf("arena: dup region %d: %w", id, err)
	}
	unix.CloseOnExec(fd)
	return os.NewFile(uintptr(fd), fmt.Sprintf("%s-%d", a.name, id)), nil
}

// Length returns the allocated size of a region, or 0 if unknown.
func (a *Arena) Length(id vframe.RegionID) int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if r, ok := a.regions[id]; ok {
		return r.length
	}
	return 0
}

// Stats returns a snapshot of arena usage.
func (a *Arena) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var s Stats
	for _, r := range a.regions {
		s.Regions++
		s.Bytes += int64(r.length)
		if r.refs > 0 {
			s.Retained++
		}
	}
	return s
}

// Close unmaps and closes every region. Regions still retained are logged;
// exported descriptors held by consumers keep their memory alive on their side.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	for id, r := range a.regions {
		if r.refs > 0 {
			slog.Warn("arena: closing retained region", "region", id, "refs", r.refs)
		}
		if err := unix.Munmap(r.mem); err != nil {
			errs = append(errs, fmt.Errorf("arena: munmap region %d: %w", id, err))
		}
		if err := unix.Close(r.fd); err != nil {
			errs = append(errs, fmt.Errorf("arena: close region %d: %w", id, err))
		}
	}
	a.regions = make(map[vframe.RegionID]*region)

	return errors.Join(errs...)
}

// get expects a.mu held.
func (a *Arena) get(id vframe.RegionID) (*region, error) {
	if a.closed {
		return nil, ErrClosed
	}
	r, ok := a.regions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRegion, id)
	}
	return r, nil
}
