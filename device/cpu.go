package device

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/scalespace/internal/parallel"
)

// linearAlloc is one linear memory allocation.
type linearAlloc struct {
	host bool
	data []byte
}

// textureObj is a texture view together with the array it samples.
type textureObj struct {
	array ArrayID
	view  TextureView
}

// surfaceObj is a surface view together with the array it exposes.
type surfaceObj struct {
	array ArrayID
	view  SurfaceView
}

// CPU is a reference Backend executing kernels on goroutines.
//
// Device memory is ordinary Go memory accounted against a budget. Each
// stream owns one goroutine that runs its operations in issue order. Kernel
// blocks of a dispatch run on a shared worker pool.
//
// CPU is safe for concurrent use.
type CPU struct {
	mu sync.Mutex

	nextID uint64

	memoryLimit int64
	deviceBytes int64

	linear   map[Ptr]*linearAlloc
	arrays   map[ArrayID]*storage
	surfaces map[SurfaceID]surfaceObj
	textures map[TextureID]textureObj
	streams  map[StreamID]*stream
	events   map[EventID]*event

	pool *parallel.WorkerPool

	errMu   sync.Mutex
	lastErr error

	closed bool
}

// NewCPU creates a CPU backend.
func NewCPU(opts ...CPUOption) *CPU {
	o := defaultCPUOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &CPU{
		memoryLimit: o.memoryLimit,
		linear:      make(map[Ptr]*linearAlloc),
		arrays:      make(map[ArrayID]*storage),
		surfaces:    make(map[SurfaceID]surfaceObj),
		textures:    make(map[TextureID]textureObj),
		streams:     make(map[StreamID]*stream),
		events:      make(map[EventID]*event),
		pool:        parallel.NewWorkerPool(o.workers),
	}
}

// Name returns "cpu".
func (c *CPU) Name() string { return "cpu" }

// Close drains and destroys all remaining streams and stops the worker
// pool. Resources still allocated are dropped.
func (c *CPU) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	streams := make([]*stream, 0, len(c.streams))
	for id, st := range c.streams {
		streams = append(streams, st)
		delete(c.streams, id)
	}
	c.mu.Unlock()

	for _, st := range streams {
		st.close()
	}
	c.pool.Close()
	return nil
}

// DeviceBytes returns the number of device bytes currently allocated.
func (c *CPU) DeviceBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceBytes
}

// newIDLocked returns a fresh nonzero handle value. Caller holds c.mu.
func (c *CPU) newIDLocked() uint64 {
	c.nextID++
	return c.nextID
}

// reserveLocked charges size bytes against the budget. Caller holds c.mu.
func (c *CPU) reserveLocked(size int64) error {
	if c.closed {
		return ErrClosed
	}
	if c.deviceBytes+size > c.memoryLimit {
		return fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			ErrOutOfMemory, size, c.deviceBytes, c.memoryLimit)
	}
	c.deviceBytes += size
	return nil
}

// =============================================================================
// Linear memory
// =============================================================================

// MallocDevice allocates size bytes of device memory.
func (c *CPU) MallocDevice(size int) (Ptr, error) {
	return c.malloc(size, false)
}

// MallocHost allocates size bytes of host-visible memory.
func (c *CPU) MallocHost(size int) (Ptr, error) {
	return c.malloc(size, true)
}

func (c *CPU) malloc(size int, host bool) (Ptr, error) {
	if size <= 0 {
		return InvalidID, fmt.Errorf("%w: %d bytes", ErrInvalidSize, size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return InvalidID, ErrClosed
	}
	if !host {
		if err := c.reserveLocked(int64(size)); err != nil {
			return InvalidID, err
		}
	}
	p := Ptr(c.newIDLocked())
	c.linear[p] = &linearAlloc{host: host, data: make([]byte, size)}
	slogger().Debug("device: malloc", "ptr", uint64(p), "bytes", size, "host", host)
	return p, nil
}

// FreeDevice releases device memory.
func (c *CPU) FreeDevice(p Ptr) error {
	return c.free(p, false)
}

// FreeHost releases host memory.
func (c *CPU) FreeHost(p Ptr) error {
	return c.free(p, true)
}

func (c *CPU) free(p Ptr, host bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.linear[p]
	if !ok || a.host != host {
		return fmt.Errorf("%w: ptr %d", ErrInvalidHandle, uint64(p))
	}
	if !host {
		c.deviceBytes -= int64(len(a.data))
	}
	delete(c.linear, p)
	return nil
}

// HostBytes returns the bytes of a host allocation.
func (c *CPU) HostBytes(p Ptr) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.linear[p]
	if !ok || !a.host {
		return nil, fmt.Errorf("%w: host ptr %d", ErrInvalidHandle, uint64(p))
	}
	return a.data, nil
}

// copyOperands resolves and validates the operands of a linear copy.
func (c *CPU) copyOperands(dst, src Ptr, size int, kind CopyKind) (d, s []byte, err error) {
	if size <= 0 {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrInvalidSize, size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	da, ok := c.linear[dst]
	if !ok {
		return nil, nil, fmt.Errorf("%w: dst ptr %d", ErrInvalidHandle, uint64(dst))
	}
	sa, ok := c.linear[src]
	if !ok {
		return nil, nil, fmt.Errorf("%w: src ptr %d", ErrInvalidHandle, uint64(src))
	}

	wantSrcHost := kind == CopyHostToHost || kind == CopyHostToDevice
	wantDstHost := kind == CopyHostToHost || kind == CopyDeviceToHost
	if sa.host != wantSrcHost || da.host != wantDstHost {
		return nil, nil, fmt.Errorf("%w: %v", ErrWrongMemoryKind, kind)
	}
	if size > len(da.data) || size > len(sa.data) {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrOutOfRange, size)
	}
	return da.data[:size], sa.data[:size], nil
}

// Copy copies size bytes from src to dst synchronously.
func (c *CPU) Copy(dst, src Ptr, size int, kind CopyKind) error {
	d, s, err := c.copyOperands(dst, src, size, kind)
	if err != nil {
		return err
	}
	copy(d, s)
	return nil
}

// CopyAsync copies size bytes from src to dst on stream s.
func (c *CPU) CopyAsync(dst, src Ptr, size int, kind CopyKind, sid StreamID) error {
	d, s, err := c.copyOperands(dst, src, size, kind)
	if err != nil {
		return err
	}
	return c.enqueue(sid, func() { copy(d, s) })
}

func (c *CPU) fillTarget(p Ptr, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSize, size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.linear[p]
	if !ok {
		return nil, fmt.Errorf("%w: ptr %d", ErrInvalidHandle, uint64(p))
	}
	if size > len(a.data) {
		return nil, fmt.Errorf("%w: %d bytes", ErrOutOfRange, size)
	}
	return a.data[:size], nil
}

func fillBytes(b []byte, value byte) {
	for i := range b {
		b[i] = value
	}
}

// Fill sets size bytes of p to value synchronously.
func (c *CPU) Fill(p Ptr, value byte, size int) error {
	b, err := c.fillTarget(p, size)
	if err != nil {
		return err
	}
	fillBytes(b, value)
	return nil
}

// FillAsync sets size bytes of p to value on stream s.
func (c *CPU) FillAsync(p Ptr, value byte, size int, sid StreamID) error {
	b, err := c.fillTarget(p, size)
	if err != nil {
		return err
	}
	return c.enqueue(sid, func() { fillBytes(b, value) })
}

// =============================================================================
// Arrays and views
// =============================================================================

// MallocArray allocates a layered image array.
func (c *CPU) MallocArray(format gputypes.TextureFormat, ext gputypes.Extent3D) (ArrayID, error) {
	if ext.Width == 0 || ext.Height == 0 || ext.DepthOrArrayLayers == 0 {
		return InvalidID, fmt.Errorf("%w: extent %dx%dx%d",
			ErrInvalidSize, ext.Width, ext.Height, ext.DepthOrArrayLayers)
	}
	bps, err := BytesPerSample(format)
	if err != nil {
		return InvalidID, err
	}
	size := int64(ext.Width) * int64(ext.Height) * int64(ext.DepthOrArrayLayers) * int64(bps)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.reserveLocked(size); err != nil {
		return InvalidID, err
	}
	s, err := newStorage(format, ext)
	if err != nil {
		c.deviceBytes -= size
		return InvalidID, err
	}
	id := ArrayID(c.newIDLocked())
	c.arrays[id] = s
	slogger().Debug("device: malloc array", "array", uint64(id),
		"width", ext.Width, "height", ext.Height, "layers", ext.DepthOrArrayLayers, "bytes", size)
	return id, nil
}

// FreeArray releases an array.
func (c *CPU) FreeArray(a ArrayID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.arrays[a]
	if !ok {
		return fmt.Errorf("%w: array %d", ErrInvalidHandle, uint64(a))
	}
	if s.views > 0 {
		return fmt.Errorf("%w: array %d has %d views", ErrArrayInUse, uint64(a), s.views)
	}
	bps, _ := BytesPerSample(s.format)
	c.deviceBytes -= int64(s.samples() * bps)
	delete(c.arrays, a)
	return nil
}

// ArrayInfo returns the format and extent of an array.
func (c *CPU) ArrayInfo(a ArrayID) (gputypes.TextureFormat, gputypes.Extent3D, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.arrays[a]
	if !ok {
		return gputypes.TextureFormatUndefined, gputypes.Extent3D{}, fmt.Errorf("%w: array %d", ErrInvalidHandle, uint64(a))
	}
	return s.format, s.extent(), nil
}

// arrayTransfer resolves the operands of an array <-> host transfer.
func (c *CPU) arrayTransfer(hostPtr Ptr, a ArrayID, r Region) (*storage, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.arrays[a]
	if !ok {
		return nil, nil, fmt.Errorf("%w: array %d", ErrInvalidHandle, uint64(a))
	}
	h, ok := c.linear[hostPtr]
	if !ok || !h.host {
		return nil, nil, fmt.Errorf("%w: host ptr %d", ErrInvalidHandle, uint64(hostPtr))
	}
	if !s.inRegion(r) {
		return nil, nil, fmt.Errorf("%w: region %+v of %dx%dx%d", ErrOutOfRange, r, s.width, s.height, s.layers)
	}
	bps, _ := BytesPerSample(s.format)
	if need := r.Width * r.Height * bps; need > len(h.data) {
		return nil, nil, fmt.Errorf("%w: region needs %d bytes, host buffer has %d", ErrOutOfRange, need, len(h.data))
	}
	return s, h.data, nil
}

func packRegion(s *storage, r Region, dst []byte) {
	row := make([]float32, r.Width)
	bps, _ := BytesPerSample(s.format)
	for y := 0; y < r.Height; y++ {
		base := s.index(0, y, r.Layer)
		for x := range row {
			row[x] = s.load(base + x)
		}
		// Cannot fail: size was validated by arrayTransfer.
		_ = EncodeSamples(s.format, row, dst[y*r.Width*bps:])
	}
}

func unpackRegion(s *storage, r Region, src []byte) {
	bps, _ := BytesPerSample(s.format)
	for y := 0; y < r.Height; y++ {
		row, _ := DecodeSamples(s.format, src[y*r.Width*bps:], r.Width)
		base := s.index(0, y, r.Layer)
		for x, v := range row {
			s.store(base+x, v)
		}
	}
}

// CopyArrayToHost packs region r of array a into host allocation dst.
func (c *CPU) CopyArrayToHost(dst Ptr, a ArrayID, r Region) error {
	s, buf, err := c.arrayTransfer(dst, a, r)
	if err != nil {
		return err
	}
	packRegion(s, r, buf)
	return nil
}

// CopyArrayToHostAsync packs region r of array a into dst on stream sid.
func (c *CPU) CopyArrayToHostAsync(dst Ptr, a ArrayID, r Region, sid StreamID) error {
	s, buf, err := c.arrayTransfer(dst, a, r)
	if err != nil {
		return err
	}
	return c.enqueue(sid, func() { packRegion(s, r, buf) })
}

// CopyHostToArray unpacks host allocation src into region r of array a.
func (c *CPU) CopyHostToArray(a ArrayID, src Ptr, r Region) error {
	s, buf, err := c.arrayTransfer(src, a, r)
	if err != nil {
		return err
	}
	unpackRegion(s, r, buf)
	return nil
}

// CopyHostToArrayAsync unpacks src into region r of array a on stream sid.
func (c *CPU) CopyHostToArrayAsync(a ArrayID, src Ptr, r Region, sid StreamID) error {
	s, buf, err := c.arrayTransfer(src, a, r)
	if err != nil {
		return err
	}
	return c.enqueue(sid, func() { unpackRegion(s, r, buf) })
}

// CreateSurface creates an exact read/write view of an array.
func (c *CPU) CreateSurface(a ArrayID) (SurfaceID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return InvalidID, ErrClosed
	}
	s, ok := c.arrays[a]
	if !ok {
		return InvalidID, fmt.Errorf("%w: array %d", ErrInvalidHandle, uint64(a))
	}
	id := SurfaceID(c.newIDLocked())
	c.surfaces[id] = surfaceObj{array: a, view: SurfaceView{s: s}}
	s.views++
	return id, nil
}

// DestroySurface destroys a surface view.
func (c *CPU) DestroySurface(id SurfaceID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.surfaces[id]
	if !ok {
		return fmt.Errorf("%w: surface %d", ErrInvalidHandle, uint64(id))
	}
	obj.view.s.views--
	delete(c.surfaces, id)
	return nil
}

// CreateTexture creates a filtered read-only view of an array.
func (c *CPU) CreateTexture(a ArrayID, desc TextureDesc) (TextureID, error) {
	if desc.Filter != gputypes.FilterModeNearest && desc.Filter != gputypes.FilterModeLinear {
		return InvalidID, fmt.Errorf("%w: filter %v", ErrUnsupportedSampler, desc.Filter)
	}
	if desc.Address != gputypes.AddressModeClampToEdge {
		return InvalidID, fmt.Errorf("%w: address mode %v", ErrUnsupportedSampler, desc.Address)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return InvalidID, ErrClosed
	}
	s, ok := c.arrays[a]
	if !ok {
		return InvalidID, fmt.Errorf("%w: array %d", ErrInvalidHandle, uint64(a))
	}
	id := TextureID(c.newIDLocked())
	c.textures[id] = textureObj{
		array: a,
		view:  TextureView{s: s, filter: desc.Filter, w: s.width, h: s.height},
	}
	s.views++
	return id, nil
}

// DestroyTexture destroys a texture view.
func (c *CPU) DestroyTexture(id TextureID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.textures[id]
	if !ok {
		return fmt.Errorf("%w: texture %d", ErrInvalidHandle, uint64(id))
	}
	obj.view.s.views--
	delete(c.textures, id)
	return nil
}

// Surface resolves a surface handle.
func (c *CPU) Surface(id SurfaceID) (SurfaceView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.surfaces[id]
	if !ok {
		return SurfaceView{}, fmt.Errorf("%w: surface %d", ErrInvalidHandle, uint64(id))
	}
	return obj.view, nil
}

// Texture resolves a texture handle.
func (c *CPU) Texture(id TextureID) (TextureView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.textures[id]
	if !ok {
		return TextureView{}, fmt.Errorf("%w: texture %d", ErrInvalidHandle, uint64(id))
	}
	return obj.view, nil
}
