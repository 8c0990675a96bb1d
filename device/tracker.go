package device

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
)

// LiveCounts is the number of live resources of every kind.
// LiveCounts is comparable; equal values mean the same resources are held.
type LiveCounts struct {
	DeviceAllocs int
	HostAllocs   int
	Arrays       int
	Surfaces     int
	Textures     int
	Streams      int
	Events       int

	// DeviceBytes is the size of live linear device allocations.
	DeviceBytes int64

	// ArrayBytes is the size of live arrays.
	ArrayBytes int64
}

// ResourceStats contains resource accounting of a Tracker.
type ResourceStats struct {
	Live LiveCounts

	// Acquired is the total number of successful acquiring calls.
	Acquired uint64

	// Released is the total number of successful releasing calls.
	Released uint64
}

// String returns a human-readable summary.
func (s ResourceStats) String() string {
	l := s.Live
	return fmt.Sprintf("Resources[%d device (%d B), %d host, %d arrays (%d B), %d surfaces, %d textures, %d streams, %d events; %d acquired, %d released]",
		l.DeviceAllocs, l.DeviceBytes, l.HostAllocs,
		l.Arrays, l.ArrayBytes, l.Surfaces, l.Textures,
		l.Streams, l.Events, s.Acquired, s.Released)
}

// Tracker is a Backend decorator that accounts for every resource and can
// fail an upcoming acquiring call on demand.
//
// Acquiring calls are MallocDevice, MallocHost, MallocArray, CreateSurface,
// CreateTexture, CreateStream and CreateEvent.
type Tracker struct {
	Backend

	mu        sync.Mutex
	stats     ResourceStats
	sizes     map[uint64]int64
	failAfter int
}

// NewTracker wraps b.
func NewTracker(b Backend) *Tracker {
	return &Tracker{Backend: b, sizes: make(map[uint64]int64)}
}

// Stats returns a snapshot of the accounting.
func (t *Tracker) Stats() ResourceStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// InjectFailure makes the n-th next acquiring call fail with ErrInjected
// without reaching the backend. n <= 0 cancels a pending injection.
func (t *Tracker) InjectFailure(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failAfter = max(n, 0)
}

// acquire consumes one step of a pending injection.
func (t *Tracker) acquire(op string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failAfter == 0 {
		return nil
	}
	t.failAfter--
	if t.failAfter == 0 {
		slogger().Debug("device: injected failure", "op", op)
		return fmt.Errorf("%w: %s", ErrInjected, op)
	}
	return nil
}

// count applies delta to one live counter and the lifetime totals.
func (t *Tracker) count(field *int, delta int) {
	*field += delta
	if delta > 0 {
		t.stats.Acquired++
	} else {
		t.stats.Released++
	}
}

// =============================================================================
// Acquiring calls
// =============================================================================

// MallocDevice allocates device memory.
func (t *Tracker) MallocDevice(size int) (Ptr, error) {
	if err := t.acquire("MallocDevice"); err != nil {
		return InvalidID, err
	}
	p, err := t.Backend.MallocDevice(size)
	if err != nil {
		return p, err
	}
	t.mu.Lock()
	t.count(&t.stats.Live.DeviceAllocs, 1)
	t.stats.Live.DeviceBytes += int64(size)
	t.sizes[uint64(p)] = int64(size)
	t.mu.Unlock()
	return p, nil
}

// MallocHost allocates host memory.
func (t *Tracker) MallocHost(size int) (Ptr, error) {
	if err := t.acquire("MallocHost"); err != nil {
		return InvalidID, err
	}
	p, err := t.Backend.MallocHost(size)
	if err != nil {
		return p, err
	}
	t.mu.Lock()
	t.count(&t.stats.Live.HostAllocs, 1)
	t.mu.Unlock()
	return p, nil
}

// MallocArray allocates an array.
func (t *Tracker) MallocArray(format gputypes.TextureFormat, ext gputypes.Extent3D) (ArrayID, error) {
	if err := t.acquire("MallocArray"); err != nil {
		return InvalidID, err
	}
	a, err := t.Backend.MallocArray(format, ext)
	if err != nil {
		return a, err
	}
	bps, _ := BytesPerSample(format)
	size := int64(ext.Width) * int64(ext.Height) * int64(ext.DepthOrArrayLayers) * int64(bps)
	t.mu.Lock()
	t.count(&t.stats.Live.Arrays, 1)
	t.stats.Live.ArrayBytes += size
	t.sizes[uint64(a)] = size
	t.mu.Unlock()
	return a, nil
}

// CreateSurface creates a surface view.
func (t *Tracker) CreateSurface(a ArrayID) (SurfaceID, error) {
	if err := t.acquire("CreateSurface"); err != nil {
		return InvalidID, err
	}
	s, err := t.Backend.CreateSurface(a)
	if err != nil {
		return s, err
	}
	t.mu.Lock()
	t.count(&t.stats.Live.Surfaces, 1)
	t.mu.Unlock()
	return s, nil
}

// CreateTexture creates a texture view.
func (t *Tracker) CreateTexture(a ArrayID, desc TextureDesc) (TextureID, error) {
	if err := t.acquire("CreateTexture"); err != nil {
		return InvalidID, err
	}
	id, err := t.Backend.CreateTexture(a, desc)
	if err != nil {
		return id, err
	}
	t.mu.Lock()
	t.count(&t.stats.Live.Textures, 1)
	t.mu.Unlock()
	return id, nil
}

// CreateStream creates a stream.
func (t *Tracker) CreateStream() (StreamID, error) {
	if err := t.acquire("CreateStream"); err != nil {
		return InvalidID, err
	}
	s, err := t.Backend.CreateStream()
	if err != nil {
		return s, err
	}
	t.mu.Lock()
	t.count(&t.stats.Live.Streams, 1)
	t.mu.Unlock()
	return s, nil
}

// CreateEvent creates an event.
func (t *Tracker) CreateEvent() (EventID, error) {
	if err := t.acquire("CreateEvent"); err != nil {
		return InvalidID, err
	}
	e, err := t.Backend.CreateEvent()
	if err != nil {
		return e, err
	}
	t.mu.Lock()
	t.count(&t.stats.Live.Events, 1)
	t.mu.Unlock()
	return e, nil
}

// =============================================================================
// Releasing calls
// =============================================================================

// FreeDevice releases device memory.
func (t *Tracker) FreeDevice(p Ptr) error {
	if err := t.Backend.FreeDevice(p); err != nil {
		return err
	}
	t.mu.Lock()
	t.count(&t.stats.Live.DeviceAllocs, -1)
	t.stats.Live.DeviceBytes -= t.sizes[uint64(p)]
	delete(t.sizes, uint64(p))
	t.mu.Unlock()
	return nil
}

// FreeHost releases host memory.
func (t *Tracker) FreeHost(p Ptr) error {
	if err := t.Backend.FreeHost(p); err != nil {
		return err
	}
	t.mu.Lock()
	t.count(&t.stats.Live.HostAllocs, -1)
	t.mu.Unlock()
	return nil
}

// FreeArray releases an array.
func (t *Tracker) FreeArray(a ArrayID) error {
	if err := t.Backend.FreeArray(a); err != nil {
		return err
	}
	t.mu.Lock()
	t.count(&t.stats.Live.Arrays, -1)
	t.stats.Live.ArrayBytes -= t.sizes[uint64(a)]
	delete(t.sizes, uint64(a))
	t.mu.Unlock()
	return nil
}

// DestroySurface destroys a surface view.
func (t *Tracker) DestroySurface(s SurfaceID) error {
	if err := t.Backend.DestroySurface(s); err != nil {
		return err
	}
	t.mu.Lock()
	t.count(&t.stats.Live.Surfaces, -1)
	t.mu.Unlock()
	return nil
}

// DestroyTexture destroys a texture view.
func (t *Tracker) DestroyTexture(id TextureID) error {
	if err := t.Backend.DestroyTexture(id); err != nil {
		return err
	}
	t.mu.Lock()
	t.count(&t.stats.Live.Textures, -1)
	t.mu.Unlock()
	return nil
}

// DestroyStream destroys a stream.
func (t *Tracker) DestroyStream(s StreamID) error {
	if err := t.Backend.DestroyStream(s); err != nil {
		return err
	}
	t.mu.Lock()
	t.count(&t.stats.Live.Streams, -1)
	t.mu.Unlock()
	return nil
}

// DestroyEvent destroys an event.
func (t *Tracker) DestroyEvent(e EventID) error {
	if err := t.Backend.DestroyEvent(e); err != nil {
		return err
	}
	t.mu.Lock()
	t.count(&t.stats.Live.Events, -1)
	t.mu.Unlock()
	return nil
}

var _ Backend = (*Tracker)(nil)
