package device

import (
	"time"

	"github.com/gogpu/gputypes"
)

// Backend is the raw device layer. Operations return errors; use [Checked]
// to turn them into fail-fast calls.
//
// Asynchronous operations take a stream and execute in issue order on it.
// Their arguments are validated when they are issued.
type Backend interface {
	// Name returns a short backend identifier.
	Name() string

	// MallocDevice allocates size bytes of device memory.
	MallocDevice(size int) (Ptr, error)
	// MallocHost allocates size bytes of host-visible memory.
	MallocHost(size int) (Ptr, error)
	// FreeDevice releases device memory.
	FreeDevice(p Ptr) error
	// FreeHost releases host memory.
	FreeHost(p Ptr) error
	// HostBytes returns the bytes of a host allocation.
	HostBytes(p Ptr) ([]byte, error)

	// Copy copies size bytes from src to dst synchronously.
	Copy(dst, src Ptr, size int, kind CopyKind) error
	// CopyAsync copies size bytes from src to dst on stream s.
	CopyAsync(dst, src Ptr, size int, kind CopyKind, s StreamID) error
	// Fill sets size bytes of p to value synchronously.
	Fill(p Ptr, value byte, size int) error
	// FillAsync sets size bytes of p to value on stream s.
	FillAsync(p Ptr, value byte, size int, s StreamID) error

	// MallocArray allocates a layered image array. Dimensions are fixed for
	// the lifetime of the array.
	MallocArray(format gputypes.TextureFormat, extent gputypes.Extent3D) (ArrayID, error)
	// FreeArray releases an array. All views must have been destroyed.
	FreeArray(a ArrayID) error
	// ArrayInfo returns the format and extent of an array.
	ArrayInfo(a ArrayID) (gputypes.TextureFormat, gputypes.Extent3D, error)
	// CopyArrayToHost packs region r of array a into host allocation dst.
	CopyArrayToHost(dst Ptr, a ArrayID, r Region) error
	// CopyArrayToHostAsync is CopyArrayToHost issued on stream s.
	CopyArrayToHostAsync(dst Ptr, a ArrayID, r Region, s StreamID) error
	// CopyHostToArray unpacks host allocation src into region r of array a.
	CopyHostToArray(a ArrayID, src Ptr, r Region) error
	// CopyHostToArrayAsync is CopyHostToArray issued on stream s.
	CopyHostToArrayAsync(a ArrayID, src Ptr, r Region, s StreamID) error

	// CreateSurface creates an exact read/write view of an array.
	CreateSurface(a ArrayID) (SurfaceID, error)
	// DestroySurface destroys a surface view.
	DestroySurface(s SurfaceID) error
	// CreateTexture creates a filtered read-only view of an array.
	CreateTexture(a ArrayID, desc TextureDesc) (TextureID, error)
	// DestroyTexture destroys a texture view.
	DestroyTexture(t TextureID) error
	// Surface resolves a surface handle for use inside a kernel.
	Surface(s SurfaceID) (SurfaceView, error)
	// Texture resolves a texture handle for use inside a kernel.
	Texture(t TextureID) (TextureView, error)

	// CreateStream creates an in-order execution stream.
	CreateStream() (StreamID, error)
	// DestroyStream waits for outstanding work and destroys the stream.
	DestroyStream(s StreamID) error
	// SynchronizeStream blocks until all work issued on s has completed.
	SynchronizeStream(s StreamID) error

	// CreateEvent creates an event.
	CreateEvent() (EventID, error)
	// DestroyEvent destroys an event.
	DestroyEvent(e EventID) error
	// RecordEvent marks the current end of stream s; e completes when s
	// reaches that point.
	RecordEvent(e EventID, s StreamID) error
	// WaitEvent makes work issued on s after this call wait for the most
	// recent record of e. Waiting on a never-recorded event is a no-op.
	WaitEvent(e EventID, s StreamID) error
	// SynchronizeEvent blocks until the most recent record of e completed.
	SynchronizeEvent(e EventID) error
	// ElapsedTime returns the time between the completion of two events.
	ElapsedTime(from, to EventID) (time.Duration, error)

	// Launch issues kernel k with geometry cfg on stream s.
	Launch(s StreamID, cfg LaunchConfig, k Kernel) error
	// LastError returns and clears the sticky kernel fault, if any.
	LastError() error
}
