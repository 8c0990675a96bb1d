package gauss

import (
	"errors"
	"fmt"

	"github.com/gogpu/scalespace/device"
)

// Thread block size of every pipeline kernel. Each thread produces one
// sample; a block covers a BlockWidth x BlockHeight tile of a plane.
const (
	BlockWidth  = 32
	BlockHeight = 8
)

// ErrInvalidGeometry is returned for non-positive launch dimensions.
var ErrInvalidGeometry = errors.New("gauss: invalid launch geometry")

// Geometry maps the logical image size of an octave to kernel launches.
//
// WGridDivider and HGridDivider are the number of blocks needed to cover a
// plane horizontally and vertically. They depend only on the fields above
// them and are recomputed by NewGeometry.
type Geometry struct {
	Width      int
	Height     int
	Levels     int
	GaussGroup int

	WGridDivider int
	HGridDivider int
}

// NewGeometry computes the launch geometry of a width x height octave with
// the given level count and batching factor.
func NewGeometry(width, height, levels, gaussGroup int) (Geometry, error) {
	if width <= 0 || height <= 0 {
		return Geometry{}, fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, width, height)
	}
	if levels < 1 {
		return Geometry{}, fmt.Errorf("%w: %d levels", ErrInvalidGeometry, levels)
	}
	if gaussGroup < 1 {
		return Geometry{}, fmt.Errorf("%w: gauss group %d", ErrInvalidGeometry, gaussGroup)
	}
	return Geometry{
		Width:        width,
		Height:       height,
		Levels:       levels,
		GaussGroup:   gaussGroup,
		WGridDivider: ceilDiv(width, BlockWidth),
		HGridDivider: ceilDiv(height, BlockHeight),
	}, nil
}

// Groups returns the number of level groups a batch of n levels folds into.
func (g Geometry) Groups(n int) int {
	return ceilDiv(n, g.GaussGroup)
}

func (g Geometry) block() device.Dim3 {
	return device.Dim3{X: BlockWidth, Y: BlockHeight, Z: 1}
}

// PlaneLaunch covers one plane.
func (g Geometry) PlaneLaunch(name string) device.LaunchConfig {
	return device.LaunchConfig{
		Name:  name,
		Grid:  device.Dim3{X: g.WGridDivider, Y: g.HGridDivider, Z: 1},
		Block: g.block(),
	}
}

// BatchLaunch covers n levels in groups of GaussGroup. Grid row r handles
// block row r%HGridDivider of level group r/HGridDivider.
func (g Geometry) BatchLaunch(name string, n int) device.LaunchConfig {
	return device.LaunchConfig{
		Name:  name,
		Grid:  device.Dim3{X: g.WGridDivider, Y: g.HGridDivider * g.Groups(n), Z: 1},
		Block: g.block(),
	}
}

// LayerLaunch covers the same tile of planes layers, one per grid slice.
func (g Geometry) LayerLaunch(name string, planes int) device.LaunchConfig {
	return device.LaunchConfig{
		Name:  name,
		Grid:  device.Dim3{X: g.WGridDivider, Y: g.HGridDivider, Z: planes},
		Block: g.block(),
	}
}

// tile returns the sample rectangle [x0,x1) x [y0,y1) covered by block
// column bx and block row by, cut to the logical size.
func (g Geometry) tile(bx, by int) (x0, y0, x1, y1 int) {
	x0 = bx * BlockWidth
	y0 = by * BlockHeight
	x1 = min(x0+BlockWidth, g.Width)
	y1 = min(y0+BlockHeight, g.Height)
	return x0, y0, x1, y1
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
