package device

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
)

// Resource IDs
//
// These opaque IDs represent device resources. A backend maintains the
// mapping between IDs and its own storage.

// Ptr is an opaque handle to a linear device or host allocation.
type Ptr uint64

// ArrayID is an opaque handle to a layered image array.
type ArrayID uint64

// SurfaceID is an opaque handle to an exact read/write view of an array.
type SurfaceID uint64

// TextureID is an opaque handle to a filtered read-only view of an array.
type TextureID uint64

// StreamID is an opaque handle to an in-order execution stream.
type StreamID uint64

// EventID is an opaque handle to a stream checkpoint.
type EventID uint64

// InvalidID is the zero value, representing an invalid/null resource.
const InvalidID = 0

// Device errors.
var (
	// ErrOutOfMemory is returned when an allocation exceeds the memory budget.
	ErrOutOfMemory = errors.New("device: out of memory")

	// ErrInvalidSize is returned for zero, negative or overflowing sizes.
	ErrInvalidSize = errors.New("device: invalid size")

	// ErrInvalidHandle is returned when a handle does not name a live resource.
	ErrInvalidHandle = errors.New("device: invalid handle")

	// ErrArrayInUse is returned when an array is freed while views remain.
	ErrArrayInUse = errors.New("device: array still has live views")

	// ErrUnsupportedFormat is returned for sample formats the backend cannot store.
	ErrUnsupportedFormat = errors.New("device: unsupported sample format")

	// ErrUnsupportedSampler is returned for filter or address modes the backend cannot emulate.
	ErrUnsupportedSampler = errors.New("device: unsupported sampler mode")

	// ErrOutOfRange is returned when a copy region exceeds an allocation.
	ErrOutOfRange = errors.New("device: region out of range")

	// ErrWrongMemoryKind is returned when a copy direction does not match its operands.
	ErrWrongMemoryKind = errors.New("device: copy direction does not match memory kind")

	// ErrNotReady is returned when an elapsed time is queried before both events completed.
	ErrNotReady = errors.New("device: event not ready")

	// ErrInvalidLaunch is returned for empty grids, empty blocks or nil kernels.
	ErrInvalidLaunch = errors.New("device: invalid launch configuration")

	// ErrKernelFault is the sticky error left behind by a faulting kernel.
	ErrKernelFault = errors.New("device: kernel execution fault")

	// ErrClosed is returned after the backend has been closed.
	ErrClosed = errors.New("device: backend closed")

	// ErrInjected is returned by a Tracker when an injected failure fires.
	ErrInjected = errors.New("device: injected failure")
)

// CopyKind is the direction of a linear memory copy.
type CopyKind int

const (
	// CopyHostToHost copies between two host allocations.
	CopyHostToHost CopyKind = iota

	// CopyHostToDevice uploads a host allocation to device memory.
	CopyHostToDevice

	// CopyDeviceToHost downloads device memory to a host allocation.
	CopyDeviceToHost

	// CopyDeviceToDevice copies between two device allocations.
	CopyDeviceToDevice
)

// String returns the string representation of CopyKind.
func (k CopyKind) String() string {
	switch k {
	case CopyHostToHost:
		return "HostToHost"
	case CopyHostToDevice:
		return "HostToDevice"
	case CopyDeviceToHost:
		return "DeviceToHost"
	case CopyDeviceToDevice:
		return "DeviceToDevice"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Region selects the top-left Width x Height rectangle of one array layer.
type Region struct {
	Layer  int
	Width  int
	Height int
}

// TextureDesc describes a filtered view of an array.
type TextureDesc struct {
	// Filter selects nearest (point) or linear (sub-pixel) sampling.
	Filter gputypes.FilterMode

	// Address is the border mode. Only clamp-to-edge is supported.
	Address gputypes.AddressMode

	// Label is an optional debug label.
	Label string
}

// Dim3 is a three-dimensional launch extent or index.
type Dim3 struct {
	X, Y, Z int
}

// Count returns X*Y*Z.
func (d Dim3) Count() int {
	return d.X * d.Y * d.Z
}

// LaunchConfig is the geometry of one kernel dispatch.
type LaunchConfig struct {
	// Name identifies the kernel in diagnostics.
	Name string

	// Grid is the number of blocks in each dimension.
	Grid Dim3

	// Block is the number of threads per block in each dimension.
	Block Dim3
}

// Block identifies one thread block of a running dispatch.
type Block struct {
	Idx  Dim3
	Dim  Dim3
	Grid Dim3
}

// Kernel executes every thread of one block. Blocks of the same dispatch
// run concurrently and must write disjoint samples.
type Kernel func(b Block)

func (c LaunchConfig) validate() error {
	if c.Grid.X <= 0 || c.Grid.Y <= 0 || c.Grid.Z <= 0 {
		return fmt.Errorf("%w: %s grid %+v", ErrInvalidLaunch, c.Name, c.Grid)
	}
	if c.Block.X <= 0 || c.Block.Y <= 0 || c.Block.Z <= 0 {
		return fmt.Errorf("%w: %s block %+v", ErrInvalidLaunch, c.Name, c.Block)
	}
	return nil
}
