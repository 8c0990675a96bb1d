package device

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
)

func newTestCPU(t *testing.T, opts ...CPUOption) *CPU {
	t.Helper()
	c := NewCPU(append([]CPUOption{WithWorkers(4)}, opts...)...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func mustStream(t *testing.T, c *CPU) StreamID {
	t.Helper()
	s, err := c.CreateStream()
	if err != nil {
		t.Fatalf("CreateStream() error = %v", err)
	}
	return s
}

func single(name string) LaunchConfig {
	return LaunchConfig{Name: name, Grid: Dim3{1, 1, 1}, Block: Dim3{1, 1, 1}}
}

// =============================================================================
// Linear memory
// =============================================================================

func TestMallocDeviceAndFree(t *testing.T) {
	c := newTestCPU(t)

	p, err := c.MallocDevice(64)
	if err != nil {
		t.Fatalf("MallocDevice() error = %v", err)
	}
	if p == InvalidID {
		t.Fatal("MallocDevice() returned InvalidID")
	}
	if got := c.DeviceBytes(); got != 64 {
		t.Errorf("DeviceBytes() = %d, want 64", got)
	}

	if err := c.FreeHost(p); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("FreeHost(device ptr) error = %v, want ErrInvalidHandle", err)
	}
	if err := c.FreeDevice(p); err != nil {
		t.Fatalf("FreeDevice() error = %v", err)
	}
	if got := c.DeviceBytes(); got != 0 {
		t.Errorf("DeviceBytes() after free = %d, want 0", got)
	}
	if err := c.FreeDevice(p); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("double FreeDevice() error = %v, want ErrInvalidHandle", err)
	}
}

func TestMallocInvalidSize(t *testing.T) {
	c := newTestCPU(t)

	for _, size := range []int{0, -1} {
		if _, err := c.MallocDevice(size); !errors.Is(err, ErrInvalidSize) {
			t.Errorf("MallocDevice(%d) error = %v, want ErrInvalidSize", size, err)
		}
	}
	ext := gputypes.Extent3D{Width: 4, Height: 0, DepthOrArrayLayers: 1}
	if _, err := c.MallocArray(gputypes.TextureFormatR32Float, ext); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("MallocArray(zero height) error = %v, want ErrInvalidSize", err)
	}
}

func TestMemoryLimit(t *testing.T) {
	c := newTestCPU(t, WithMemoryLimit(100))

	if _, err := c.MallocDevice(64); err != nil {
		t.Fatalf("MallocDevice(64) error = %v", err)
	}
	if _, err := c.MallocDevice(64); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("MallocDevice over budget error = %v, want ErrOutOfMemory", err)
	}
	ext := gputypes.Extent3D{Width: 4, Height: 4, DepthOrArrayLayers: 2}
	if _, err := c.MallocArray(gputypes.TextureFormatR32Float, ext); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("MallocArray over budget error = %v, want ErrOutOfMemory", err)
	}
	// Host memory is not part of the device budget.
	if _, err := c.MallocHost(1024); err != nil {
		t.Errorf("MallocHost() error = %v", err)
	}
}

func TestCopyRoundTrip(t *testing.T) {
	c := newTestCPU(t)
	s := mustStream(t, c)

	src, _ := c.MallocHost(8)
	dev, _ := c.MallocDevice(8)
	dst, _ := c.MallocHost(8)

	b, err := c.HostBytes(src)
	if err != nil {
		t.Fatalf("HostBytes() error = %v", err)
	}
	copy(b, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	if err := c.CopyAsync(dev, src, 8, CopyHostToDevice, s); err != nil {
		t.Fatalf("CopyAsync() error = %v", err)
	}
	if err := c.FillAsync(dev, 0xEE, 2, s); err != nil {
		t.Fatalf("FillAsync() error = %v", err)
	}
	if err := c.CopyAsync(dst, dev, 8, CopyDeviceToHost, s); err != nil {
		t.Fatalf("CopyAsync() error = %v", err)
	}
	if err := c.SynchronizeStream(s); err != nil {
		t.Fatalf("SynchronizeStream() error = %v", err)
	}

	got, _ := c.HostBytes(dst)
	want := []byte{0xEE, 0xEE, 3, 4, 5, 6, 7, 8}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("byte %d = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestCopyWrongKind(t *testing.T) {
	c := newTestCPU(t)

	h, _ := c.MallocHost(4)
	d, _ := c.MallocDevice(4)

	if err := c.Copy(d, h, 4, CopyDeviceToHost); !errors.Is(err, ErrWrongMemoryKind) {
		t.Errorf("Copy(wrong kind) error = %v, want ErrWrongMemoryKind", err)
	}
	if err := c.Copy(d, h, 8, CopyHostToDevice); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Copy(oversize) error = %v, want ErrOutOfRange", err)
	}
}

// =============================================================================
// Arrays and views
// =============================================================================

func TestArrayHostRoundTrip(t *testing.T) {
	c := newTestCPU(t)

	ext := gputypes.Extent3D{Width: 3, Height: 2, DepthOrArrayLayers: 2}
	a, err := c.MallocArray(gputypes.TextureFormatR32Float, ext)
	if err != nil {
		t.Fatalf("MallocArray() error = %v", err)
	}

	in, _ := c.MallocHost(3 * 2 * 4)
	out, _ := c.MallocHost(3 * 2 * 4)
	b, _ := c.HostBytes(in)
	want := []float32{1.5, -2, 3, 0.25, 5, 6}
	if err := EncodeSamples(gputypes.TextureFormatR32Float, want, b); err != nil {
		t.Fatalf("EncodeSamples() error = %v", err)
	}

	r := Region{Layer: 1, Width: 3, Height: 2}
	if err := c.CopyHostToArray(a, in, r); err != nil {
		t.Fatalf("CopyHostToArray() error = %v", err)
	}
	if err := c.CopyArrayToHost(out, a, r); err != nil {
		t.Fatalf("CopyArrayToHost() error = %v", err)
	}

	ob, _ := c.HostBytes(out)
	got, _ := DecodeSamples(gputypes.TextureFormatR32Float, ob, len(want))
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}

	f, e, err := c.ArrayInfo(a)
	if err != nil {
		t.Fatalf("ArrayInfo() error = %v", err)
	}
	if f != gputypes.TextureFormatR32Float || e != ext {
		t.Errorf("ArrayInfo() = %v %+v, want %v %+v", f, e, gputypes.TextureFormatR32Float, ext)
	}

	if err := c.CopyArrayToHost(out, a, Region{Layer: 2, Width: 3, Height: 2}); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("CopyArrayToHost(bad layer) error = %v, want ErrOutOfRange", err)
	}
}

func TestFreeArrayWithViews(t *testing.T) {
	c := newTestCPU(t)

	a, _ := c.MallocArray(gputypes.TextureFormatR8Unorm, gputypes.Extent3D{Width: 2, Height: 2, DepthOrArrayLayers: 1})
	s, err := c.CreateSurface(a)
	if err != nil {
		t.Fatalf("CreateSurface() error = %v", err)
	}
	if err := c.FreeArray(a); !errors.Is(err, ErrArrayInUse) {
		t.Errorf("FreeArray(with view) error = %v, want ErrArrayInUse", err)
	}
	if err := c.DestroySurface(s); err != nil {
		t.Fatalf("DestroySurface() error = %v", err)
	}
	if err := c.FreeArray(a); err != nil {
		t.Errorf("FreeArray() error = %v", err)
	}
	if got := c.DeviceBytes(); got != 0 {
		t.Errorf("DeviceBytes() = %d, want 0", got)
	}
}

func TestCreateTextureUnsupportedSampler(t *testing.T) {
	c := newTestCPU(t)

	a, _ := c.MallocArray(gputypes.TextureFormatR32Float, gputypes.Extent3D{Width: 2, Height: 2, DepthOrArrayLayers: 1})
	_, err := c.CreateTexture(a, TextureDesc{Filter: gputypes.FilterModeLinear, Address: gputypes.AddressModeRepeat})
	if !errors.Is(err, ErrUnsupportedSampler) {
		t.Errorf("CreateTexture(repeat) error = %v, want ErrUnsupportedSampler", err)
	}
}

// =============================================================================
// Streams, events and kernels
// =============================================================================

func TestStreamFIFO(t *testing.T) {
	c := newTestCPU(t)
	s := mustStream(t, c)

	var mu sync.Mutex
	var order []int
	for i := range 50 {
		err := c.Launch(s, single("append"), func(Block) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("Launch() error = %v", err)
		}
	}
	if err := c.SynchronizeStream(s); err != nil {
		t.Fatalf("SynchronizeStream() error = %v", err)
	}

	if len(order) != 50 {
		t.Fatalf("len(order) = %d, want 50", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestLaunchCoversGrid(t *testing.T) {
	c := newTestCPU(t)
	s := mustStream(t, c)

	grid := Dim3{3, 2, 2}
	var hits [12]atomic.Int32
	cfg := LaunchConfig{Name: "grid", Grid: grid, Block: Dim3{32, 8, 1}}
	err := c.Launch(s, cfg, func(b Block) {
		if b.Grid != grid || b.Dim != cfg.Block {
			panic("unexpected launch geometry")
		}
		hits[b.Idx.X+grid.X*(b.Idx.Y+grid.Y*b.Idx.Z)].Add(1)
	})
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if err := c.SynchronizeStream(s); err != nil {
		t.Fatalf("SynchronizeStream() error = %v", err)
	}
	if err := c.LastError(); err != nil {
		t.Fatalf("LastError() = %v", err)
	}

	for i := range hits {
		if got := hits[i].Load(); got != 1 {
			t.Errorf("block %d ran %d times, want 1", i, got)
		}
	}
}

func TestLaunchInvalidConfig(t *testing.T) {
	c := newTestCPU(t)
	s := mustStream(t, c)

	tests := []struct {
		name string
		cfg  LaunchConfig
		k    Kernel
	}{
		{"empty grid", LaunchConfig{Grid: Dim3{0, 1, 1}, Block: Dim3{1, 1, 1}}, func(Block) {}},
		{"empty block", LaunchConfig{Grid: Dim3{1, 1, 1}, Block: Dim3{1, 0, 1}}, func(Block) {}},
		{"nil kernel", single("nil"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Launch(s, tt.cfg, tt.k); !errors.Is(err, ErrInvalidLaunch) {
				t.Errorf("Launch() error = %v, want ErrInvalidLaunch", err)
			}
		})
	}
}

func TestKernelFaultIsSticky(t *testing.T) {
	c := newTestCPU(t)
	s := mustStream(t, c)

	if err := c.Launch(s, single("boom"), func(Block) { panic("boom") }); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if err := c.SynchronizeStream(s); err != nil {
		t.Fatalf("SynchronizeStream() error = %v", err)
	}
	if err := c.LastError(); !errors.Is(err, ErrKernelFault) {
		t.Errorf("LastError() = %v, want ErrKernelFault", err)
	}
	if err := c.LastError(); err != nil {
		t.Errorf("second LastError() = %v, want nil", err)
	}
}

func TestEventOrdersStreams(t *testing.T) {
	c := newTestCPU(t)
	producer := mustStream(t, c)
	consumer := mustStream(t, c)

	const w, h = 8, 4
	a, _ := c.MallocArray(gputypes.TextureFormatR32Float, gputypes.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1})
	sid, _ := c.CreateSurface(a)
	surf, _ := c.Surface(sid)
	e, _ := c.CreateEvent()

	err := c.Launch(producer, single("write"), func(Block) {
		time.Sleep(20 * time.Millisecond)
		for y := range h {
			for x := range w {
				surf.Write(x, y, 0, float32(x*10+y))
			}
		}
	})
	if err != nil {
		t.Fatalf("Launch(write) error = %v", err)
	}
	if err := c.RecordEvent(e, producer); err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
	if err := c.WaitEvent(e, consumer); err != nil {
		t.Fatalf("WaitEvent() error = %v", err)
	}

	got := make([]float32, w*h)
	err = c.Launch(consumer, single("read"), func(Block) {
		for y := range h {
			for x := range w {
				got[y*w+x] = surf.Read(x, y, 0)
			}
		}
	})
	if err != nil {
		t.Fatalf("Launch(read) error = %v", err)
	}
	if err := c.SynchronizeStream(consumer); err != nil {
		t.Fatalf("SynchronizeStream() error = %v", err)
	}

	for y := range h {
		for x := range w {
			if want := float32(x*10 + y); got[y*w+x] != want {
				t.Fatalf("sample (%d,%d) = %v, want %v", x, y, got[y*w+x], want)
			}
		}
	}
}

func TestWaitNeverRecordedEvent(t *testing.T) {
	c := newTestCPU(t)
	s := mustStream(t, c)
	e, _ := c.CreateEvent()

	if err := c.WaitEvent(e, s); err != nil {
		t.Fatalf("WaitEvent() error = %v", err)
	}
	if err := c.SynchronizeStream(s); err != nil {
		t.Errorf("SynchronizeStream() error = %v", err)
	}
	if err := c.SynchronizeEvent(e); err != nil {
		t.Errorf("SynchronizeEvent() error = %v", err)
	}
}

func TestRecordOnDyingStreamNeverHangs(t *testing.T) {
	c := newTestCPU(t)
	e, err := c.CreateEvent()
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}

	for i := range 200 {
		s := mustStream(t, c)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = c.DestroyStream(s)
		}()
		go func() {
			defer wg.Done()
			_ = c.RecordEvent(e, s)
		}()
		wg.Wait()

		done := make(chan error, 1)
		go func() { done <- c.SynchronizeEvent(e) }()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("iteration %d: SynchronizeEvent() error = %v", i, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("iteration %d: SynchronizeEvent() blocked after a record raced DestroyStream", i)
		}
	}
}

func TestElapsedTime(t *testing.T) {
	c := newTestCPU(t)
	s := mustStream(t, c)
	start, _ := c.CreateEvent()
	stop, _ := c.CreateEvent()

	if _, err := c.ElapsedTime(start, stop); !errors.Is(err, ErrNotReady) {
		t.Errorf("ElapsedTime(unrecorded) error = %v, want ErrNotReady", err)
	}

	_ = c.RecordEvent(start, s)
	_ = c.Launch(s, single("sleep"), func(Block) { time.Sleep(5 * time.Millisecond) })
	_ = c.RecordEvent(stop, s)
	if err := c.SynchronizeEvent(stop); err != nil {
		t.Fatalf("SynchronizeEvent() error = %v", err)
	}

	d, err := c.ElapsedTime(start, stop)
	if err != nil {
		t.Fatalf("ElapsedTime() error = %v", err)
	}
	if d < 5*time.Millisecond {
		t.Errorf("ElapsedTime() = %v, want >= 5ms", d)
	}
}

func TestDestroyStreamDrains(t *testing.T) {
	c := newTestCPU(t)
	s := mustStream(t, c)

	var ran atomic.Bool
	_ = c.Launch(s, single("slow"), func(Block) {
		time.Sleep(5 * time.Millisecond)
		ran.Store(true)
	})
	if err := c.DestroyStream(s); err != nil {
		t.Fatalf("DestroyStream() error = %v", err)
	}
	if !ran.Load() {
		t.Error("DestroyStream() returned before queued work ran")
	}
	if err := c.SynchronizeStream(s); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("SynchronizeStream(destroyed) error = %v, want ErrInvalidHandle", err)
	}
}

func TestClosedBackend(t *testing.T) {
	c := NewCPU()
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := c.MallocDevice(4); !errors.Is(err, ErrClosed) {
		t.Errorf("MallocDevice() after Close error = %v, want ErrClosed", err)
	}
}
