// Package plane resolves a frame's plane references to physical memory regions.
//
// Geometry rules (4:2:0):
//   - plane 0 (luma): one byte per pixel, length = width × height
//   - plane 1, plane 2 (chroma): length = width × height / 2 each
//
// Width and height are the geometry registered for that plane's region, not the
// frame's cropped size. Plane 2 only exists for planar formats; semi-planar
// formats carry both chroma components interleaved in plane 1.
package plane

import (
	"errors"
	"fmt"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/vframe"
)

// ErrInvalidPlane is returned for an out-of-range plane index, a plane the
// frame's format does not carry, or a region the table cannot resolve.
var ErrInvalidPlane = errors.New("framebroker: invalid plane")

// Region is the resolved physical location of one plane of one frame.
type Region struct {
	// ID is the region reference used for invalidation and export.
	ID vframe.RegionID
	// Addr is the base address of the plane.
	Addr uint64
	// Width, Height and Stride describe the plane geometry (one byte per sample).
	Width  int
	Height int
	Stride int
	// Length is the plane size in bytes.
	Length int
}

// Resolve looks up plane index p of frame f in table.
//
// Pure function: no state, no side effects.
func Resolve(table vframe.RegionTable, f *vframe.Frame, p int) (Region, error) {
	if p < 0 || p >= vframe.MaxPlanes || p >= f.Format.PlaneCount() {
		return Region{}, fmt.Errorf("%w: plane %d not present for format %s", ErrInvalidPlane, p, f.Format)
	}

	id := f.Canvas[p]
	info, ok := table.Lookup(id)
	if !ok {
		return Region{}, fmt.Errorf("%w: region %d for plane %d not found", ErrInvalidPlane, id, p)
	}

	length := info.Width * info.Height
	if p > 0 {
		length /= 2
	}

	return Region{
		ID:     id,
		Addr:   info.Addr,
		Width:  info.Width,
		Height: info.Height,
		Stride: info.Width,
		Length: length,
	}, nil
}

// ResolveAll resolves every plane the frame's format carries.
func ResolveAll(table vframe.RegionTable, f *vframe.Frame) ([]Region, error) {
	n := f.Format.PlaneCount()
	if n == 0 {
		return nil, fmt.Errorf("%w: unknown format %s", ErrInvalidPlane, f.Format)
	}

	regions := make([]Region, 0, n)
	for p := 0; p < n; p++ {
		r, err := Resolve(table, f, p)
		if err != nil {
			return nil, err
		}
		regions = append(regions, r)
	}
	return regions, nil
}

// FrameSize returns the total byte size of a frame: luma plus chroma.
// Returns 0 when the frame cannot be resolved.
func FrameSize(table vframe.RegionTable, f *vframe.Frame) int {
	regions, err := ResolveAll(table, f)
	if err != nil {
		return 0
	}

	total := 0
	for _, r := range regions {
		total += r.Length
	}
	return total
}
