package device

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gogpu/gputypes"
)

// FaultKind classifies a failed checked call.
type FaultKind int

const (
	// FaultDevice is any backend failure not covered by another kind.
	FaultDevice FaultKind = iota

	// FaultAllocation is device or host memory exhaustion or an invalid size.
	FaultAllocation

	// FaultInvalidHandle is a null or released handle passed to an operation.
	FaultInvalidHandle

	// FaultKernelLaunch is a rejected launch or a device-side execution fault.
	FaultKernelLaunch

	// FaultInvalidArgument is a precondition rejected before reaching the device.
	FaultInvalidArgument
)

// String returns the kind name.
func (k FaultKind) String() string {
	switch k {
	case FaultDevice:
		return "device"
	case FaultAllocation:
		return "allocation"
	case FaultInvalidHandle:
		return "invalid handle"
	case FaultKernelLaunch:
		return "kernel launch"
	case FaultInvalidArgument:
		return "invalid argument"
	default:
		return fmt.Sprintf("FaultKind(%d)", int(k))
	}
}

// Location is a source position.
type Location struct {
	File string
	Line int
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// Caller returns the location of the function skip frames above the caller
// of Caller. Caller(0) is the line calling Caller.
func Caller(skip int) Location {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return Location{File: "???"}
	}
	return Location{File: filepath.Base(file), Line: line}
}

// Fault is the tagged result of a failed checked call.
type Fault struct {
	Kind FaultKind
	Op   string
	Loc  Location
	Err  error
}

// Error renders the location on the first line and the description indented
// below it.
func (f *Fault) Error() string {
	return fmt.Sprintf("%s\n    %s: %s: %v", f.Loc, f.Op, f.Kind, f.Err)
}

// Unwrap returns the backend error.
func (f *Fault) Unwrap() error { return f.Err }

// ExitCode returns the process status for this fault, the negated source
// line truncated to a status byte. It is never zero.
func (f *Fault) ExitCode() int {
	code := (-f.Loc.Line) & 0xff
	if code == 0 {
		code = 1
	}
	return code
}

// FatalHandler receives the fault of a failing top-level operation.
type FatalHandler func(f *Fault)

// ExitHandler writes the diagnostic to stderr and terminates the process
// with the fault's exit code.
func ExitHandler(f *Fault) {
	fmt.Fprintln(os.Stderr, f.Error())
	os.Exit(f.ExitCode())
}

// CheckPolicy selects when kernel execution faults are detected.
type CheckPolicy int

const (
	// CheckLazy reports a kernel fault at the next checked call.
	CheckLazy CheckPolicy = iota

	// CheckAfterLaunch synchronizes the stream after every launch and
	// reports a fault from that launch immediately.
	CheckAfterLaunch
)

// Checked is the fail-fast front of a Backend.
//
// Every operation captures the location of its caller and converts a
// backend failure into a *Fault. A kernel fault left behind by an earlier
// launch is reported by the next operation. Faults are returned to the
// caller, which unwinds what it acquired and hands the fault to Fatal. No
// operation retries.
type Checked struct {
	b      Backend
	fatal  FatalHandler
	policy CheckPolicy
}

// NewChecked wraps b.
func NewChecked(b Backend, opts ...CheckedOption) *Checked {
	o := checkedOptions{fatal: ExitHandler, policy: CheckLazy}
	for _, opt := range opts {
		opt(&o)
	}
	return &Checked{b: b, fatal: o.fatal, policy: o.policy}
}

// Backend returns the wrapped backend.
func (c *Checked) Backend() Backend { return c.b }

// Policy returns the kernel fault detection policy.
func (c *Checked) Policy() CheckPolicy { return c.policy }

// Fatal hands err to the fatal handler. Errors that are not already a
// *Fault are tagged with the caller's location. Fatal does nothing for a
// nil error.
func (c *Checked) Fatal(err error) {
	if err == nil {
		return
	}
	var f *Fault
	if !errors.As(err, &f) {
		f = &Fault{Kind: FaultDevice, Op: "fatal", Loc: Caller(1), Err: err}
	}
	slogger().Error("device: fatal", "location", f.Loc.String(), "op", f.Op, "kind", f.Kind.String(), "err", f.Err)
	c.fatal(f)
}

// Reject returns an invalid-argument fault for op at the caller's location.
func (c *Checked) Reject(op string, err error) error {
	return &Fault{Kind: FaultInvalidArgument, Op: op, Loc: Caller(1), Err: err}
}

func classify(err error) FaultKind {
	switch {
	case errors.Is(err, ErrOutOfMemory), errors.Is(err, ErrInvalidSize), errors.Is(err, ErrInjected):
		return FaultAllocation
	case errors.Is(err, ErrInvalidHandle):
		return FaultInvalidHandle
	case errors.Is(err, ErrKernelFault), errors.Is(err, ErrInvalidLaunch):
		return FaultKernelLaunch
	default:
		return FaultDevice
	}
}

// pending reports a sticky kernel fault left by an earlier launch.
func (c *Checked) pending(op string, loc Location) error {
	if err := c.b.LastError(); err != nil {
		return &Fault{Kind: FaultKernelLaunch, Op: op, Loc: loc, Err: err}
	}
	return nil
}

// call0 runs fn as the checked operation op. loc is the caller of the
// exported method.
func (c *Checked) call0(op string, fn func() error) error {
	loc := Caller(2)
	if err := c.pending(op, loc); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return &Fault{Kind: classify(err), Op: op, Loc: loc, Err: err}
	}
	return nil
}

// call1 is call0 for operations returning a value.
func call1[T any](c *Checked, op string, fn func() (T, error)) (T, error) {
	loc := Caller(2)
	var zero T
	if err := c.pending(op, loc); err != nil {
		return zero, err
	}
	v, err := fn()
	if err != nil {
		return zero, &Fault{Kind: classify(err), Op: op, Loc: loc, Err: err}
	}
	return v, nil
}

// =============================================================================
// Linear memory
// =============================================================================

// MallocDevice allocates size bytes of device memory.
func (c *Checked) MallocDevice(size int) (Ptr, error) {
	return call1(c, "MallocDevice", func() (Ptr, error) { return c.b.MallocDevice(size) })
}

// MallocHost allocates size bytes of host memory.
func (c *Checked) MallocHost(size int) (Ptr, error) {
	return call1(c, "MallocHost", func() (Ptr, error) { return c.b.MallocHost(size) })
}

// FreeDevice releases device memory.
func (c *Checked) FreeDevice(p Ptr) error {
	return c.call0("FreeDevice", func() error { return c.b.FreeDevice(p) })
}

// FreeHost releases host memory.
func (c *Checked) FreeHost(p Ptr) error {
	return c.call0("FreeHost", func() error { return c.b.FreeHost(p) })
}

// HostBytes returns the bytes of a host allocation.
func (c *Checked) HostBytes(p Ptr) ([]byte, error) {
	return call1(c, "HostBytes", func() ([]byte, error) { return c.b.HostBytes(p) })
}

// Copy copies size bytes synchronously.
func (c *Checked) Copy(dst, src Ptr, size int, kind CopyKind) error {
	return c.call0("Copy", func() error { return c.b.Copy(dst, src, size, kind) })
}

// CopyAsync copies size bytes on stream s.
func (c *Checked) CopyAsync(dst, src Ptr, size int, kind CopyKind, s StreamID) error {
	return c.call0("CopyAsync", func() error { return c.b.CopyAsync(dst, src, size, kind, s) })
}

// Fill sets size bytes of p to value synchronously.
func (c *Checked) Fill(p Ptr, value byte, size int) error {
	return c.call0("Fill", func() error { return c.b.Fill(p, value, size) })
}

// FillAsync sets size bytes of p to value on stream s.
func (c *Checked) FillAsync(p Ptr, value byte, size int, s StreamID) error {
	return c.call0("FillAsync", func() error { return c.b.FillAsync(p, value, size, s) })
}

// =============================================================================
// Arrays and views
// =============================================================================

// MallocArray allocates a layered image array.
func (c *Checked) MallocArray(format gputypes.TextureFormat, ext gputypes.Extent3D) (ArrayID, error) {
	return call1(c, "MallocArray", func() (ArrayID, error) { return c.b.MallocArray(format, ext) })
}

// FreeArray releases an array.
func (c *Checked) FreeArray(a ArrayID) error {
	return c.call0("FreeArray", func() error { return c.b.FreeArray(a) })
}

// CopyArrayToHost packs region r of array a into dst.
func (c *Checked) CopyArrayToHost(dst Ptr, a ArrayID, r Region) error {
	return c.call0("CopyArrayToHost", func() error { return c.b.CopyArrayToHost(dst, a, r) })
}

// CopyArrayToHostAsync packs region r of array a into dst on stream s.
func (c *Checked) CopyArrayToHostAsync(dst Ptr, a ArrayID, r Region, s StreamID) error {
	return c.call0("CopyArrayToHostAsync", func() error { return c.b.CopyArrayToHostAsync(dst, a, r, s) })
}

// CopyHostToArray unpacks src into region r of array a.
func (c *Checked) CopyHostToArray(a ArrayID, src Ptr, r Region) error {
	return c.call0("CopyHostToArray", func() error { return c.b.CopyHostToArray(a, src, r) })
}

// CopyHostToArrayAsync unpacks src into region r of array a on stream s.
func (c *Checked) CopyHostToArrayAsync(a ArrayID, src Ptr, r Region, s StreamID) error {
	return c.call0("CopyHostToArrayAsync", func() error { return c.b.CopyHostToArrayAsync(a, src, r, s) })
}

// CreateSurface creates an exact read/write view.
func (c *Checked) CreateSurface(a ArrayID) (SurfaceID, error) {
	return call1(c, "CreateSurface", func() (SurfaceID, error) { return c.b.CreateSurface(a) })
}

// DestroySurface destroys a surface view.
func (c *Checked) DestroySurface(s SurfaceID) error {
	return c.call0("DestroySurface", func() error { return c.b.DestroySurface(s) })
}

// CreateTexture creates a filtered read-only view.
func (c *Checked) CreateTexture(a ArrayID, desc TextureDesc) (TextureID, error) {
	return call1(c, "CreateTexture", func() (TextureID, error) { return c.b.CreateTexture(a, desc) })
}

// DestroyTexture destroys a texture view.
func (c *Checked) DestroyTexture(t TextureID) error {
	return c.call0("DestroyTexture", func() error { return c.b.DestroyTexture(t) })
}

// Surface resolves a surface handle.
func (c *Checked) Surface(s SurfaceID) (SurfaceView, error) {
	return call1(c, "Surface", func() (SurfaceView, error) { return c.b.Surface(s) })
}

// Texture resolves a texture handle.
func (c *Checked) Texture(t TextureID) (TextureView, error) {
	return call1(c, "Texture", func() (TextureView, error) { return c.b.Texture(t) })
}

// =============================================================================
// Streams, events and kernels
// =============================================================================

// CreateStream creates an execution stream.
func (c *Checked) CreateStream() (StreamID, error) {
	return call1(c, "CreateStream", c.b.CreateStream)
}

// DestroyStream drains and destroys a stream.
func (c *Checked) DestroyStream(s StreamID) error {
	return c.call0("DestroyStream", func() error { return c.b.DestroyStream(s) })
}

// SynchronizeStream blocks until all work issued on s has completed.
func (c *Checked) SynchronizeStream(s StreamID) error {
	return c.call0("SynchronizeStream", func() error { return c.b.SynchronizeStream(s) })
}

// CreateEvent creates an event.
func (c *Checked) CreateEvent() (EventID, error) {
	return call1(c, "CreateEvent", c.b.CreateEvent)
}

// DestroyEvent destroys an event.
func (c *Checked) DestroyEvent(e EventID) error {
	return c.call0("DestroyEvent", func() error { return c.b.DestroyEvent(e) })
}

// RecordEvent records e at the current end of s.
func (c *Checked) RecordEvent(e EventID, s StreamID) error {
	return c.call0("RecordEvent", func() error { return c.b.RecordEvent(e, s) })
}

// WaitEvent makes later work on s wait for the current record of e.
func (c *Checked) WaitEvent(e EventID, s StreamID) error {
	return c.call0("WaitEvent", func() error { return c.b.WaitEvent(e, s) })
}

// SynchronizeEvent blocks until the current record of e completed.
func (c *Checked) SynchronizeEvent(e EventID) error {
	return c.call0("SynchronizeEvent", func() error { return c.b.SynchronizeEvent(e) })
}

// ElapsedTime returns the time between two completed events.
func (c *Checked) ElapsedTime(from, to EventID) (time.Duration, error) {
	return call1(c, "ElapsedTime", func() (time.Duration, error) { return c.b.ElapsedTime(from, to) })
}

// Launch issues kernel k on stream s. Under CheckAfterLaunch the stream is
// synchronized and a fault raised by this launch is returned.
func (c *Checked) Launch(s StreamID, cfg LaunchConfig, k Kernel) error {
	return c.call0("Launch "+cfg.Name, func() error {
		if err := c.b.Launch(s, cfg, k); err != nil {
			return err
		}
		slogger().Debug("device: launch", "kernel", cfg.Name, "grid", cfg.Grid, "block", cfg.Block)
		if c.policy != CheckAfterLaunch {
			return nil
		}
		if err := c.b.SynchronizeStream(s); err != nil {
			return err
		}
		return c.b.LastError()
	})
}
