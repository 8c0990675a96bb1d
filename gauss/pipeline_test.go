package gauss

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/scalespace/device"
)

// stack is one test array with its views.
type stack struct {
	array   device.ArrayID
	surface device.SurfaceID
	point   device.TextureID
	linear  device.TextureID
	view    device.SurfaceView
}

// rig is a minimal octave: data, scratch and difference stacks on one stream.
type rig struct {
	t       *testing.T
	dev     *device.Checked
	stream  device.StreamID
	data    stack
	scratch stack
	dog     stack
	pipe    *Pipeline
	w, h    int
	levels  int

	mu         sync.Mutex
	faults     []*device.Fault
	wantFaults bool
}

func newStack(t *testing.T, dev *device.Checked, f gputypes.TextureFormat, w, h, planes int) stack {
	t.Helper()
	a, err := dev.MallocArray(f, gputypes.Extent3D{Width: uint32(w), Height: uint32(h), DepthOrArrayLayers: uint32(planes)})
	if err != nil {
		t.Fatalf("MallocArray() error = %v", err)
	}
	s := stack{array: a}
	if s.surface, err = dev.CreateSurface(a); err != nil {
		t.Fatalf("CreateSurface() error = %v", err)
	}
	if s.point, err = dev.CreateTexture(a, device.TextureDesc{Filter: gputypes.FilterModeNearest, Address: gputypes.AddressModeClampToEdge}); err != nil {
		t.Fatalf("CreateTexture(point) error = %v", err)
	}
	if s.linear, err = dev.CreateTexture(a, device.TextureDesc{Filter: gputypes.FilterModeLinear, Address: gputypes.AddressModeClampToEdge}); err != nil {
		t.Fatalf("CreateTexture(linear) error = %v", err)
	}
	if s.view, err = dev.Surface(s.surface); err != nil {
		t.Fatalf("Surface() error = %v", err)
	}
	return s
}

func newRig(t *testing.T, f gputypes.TextureFormat, w, h, levels, group int, sigma func(int) float64) *rig {
	t.Helper()
	cpu := device.NewCPU(device.WithWorkers(4))
	t.Cleanup(func() { _ = cpu.Close() })
	r := &rig{t: t, w: w, h: h, levels: levels}
	dev := device.NewChecked(cpu, device.WithFatalHandler(r.record))
	t.Cleanup(func() {
		if n := r.faultCount(); n > 0 && !r.wantFaults {
			t.Errorf("%d unexpected fatal faults, last: %v", n, r.faults[n-1])
		}
	})

	stream, err := dev.CreateStream()
	if err != nil {
		t.Fatalf("CreateStream() error = %v", err)
	}
	r.dev = dev
	r.stream = stream
	r.data = newStack(t, dev, f, w, h, levels)
	r.scratch = newStack(t, dev, f, w, h, 1)
	r.dog = newStack(t, dev, gputypes.TextureFormatR32Float, w, h, max(levels-1, 1))

	geo, err := NewGeometry(w, h, levels, group)
	if err != nil {
		t.Fatalf("NewGeometry() error = %v", err)
	}
	table, err := NewTable(levels, DefaultMaxSpan, sigma)
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}
	r.pipe, err = NewPipeline(dev, stream, geo, table, Scratch{Surface: r.scratch.surface, Texture: r.scratch.linear})
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}

	for y := range h {
		for x := range w {
			r.data.view.Write(x, y, 0, pattern(x, y))
		}
	}
	return r
}

func (r *rig) record(f *device.Fault) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults = append(r.faults, f)
}

func (r *rig) faultCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.faults)
}

// pattern is a deterministic test image in [0, 1] with edges and gradients.
func pattern(x, y int) float32 {
	return float32((x*7+y*13)%17) / 16
}

func (r *rig) ok(err error) {
	r.t.Helper()
	if err != nil {
		r.t.Fatalf("unexpected error: %v", err)
	}
}

func (r *rig) sync() {
	r.t.Helper()
	r.ok(r.dev.SynchronizeStream(r.stream))
	if err := r.dev.Backend().LastError(); err != nil {
		r.t.Fatalf("kernel fault: %v", err)
	}
}

// perLevel issues the unbatched sequence for levels [start, last].
func (r *rig) perLevel(start, last int) {
	for l := max(start, 1); l <= last; l++ {
		r.ok(r.pipe.Horiz(r.data.linear, r.scratch.surface, l))
		r.ok(r.pipe.Vert(r.scratch.linear, r.data.surface, l))
	}
	if start == 0 {
		r.ok(r.pipe.Horiz(r.data.linear, r.scratch.surface, 0))
		r.ok(r.pipe.VertBase(r.scratch.linear, r.data.surface, 0))
	}
}

func (r *rig) plane(s stack, layer int) []float32 {
	out := make([]float32, r.w*r.h)
	for y := range r.h {
		for x := range r.w {
			out[y*r.w+x] = s.view.Read(x, y, layer)
		}
	}
	return out
}

// referenceBlur blurs the pattern with f in float64, clamping at the edges.
func referenceBlur(f *Filter, w, h int) []float64 {
	clamp := func(v, hi int) int { return min(max(v, 0), hi) }
	horiz := make([]float64, w*h)
	for y := range h {
		for x := range w {
			var s float64
			for k := -f.Span; k <= f.Span; k++ {
				s += float64(f.Coeffs[abs(k)]) * float64(pattern(clamp(x+k, w-1), y))
			}
			horiz[y*w+x] = s
		}
	}
	out := make([]float64, w*h)
	for y := range h {
		for x := range w {
			var s float64
			for k := -f.Span; k <= f.Span; k++ {
				s += float64(f.Coeffs[abs(k)]) * horiz[clamp(y+k, h-1)*w+x]
			}
			out[y*w+x] = s
		}
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func ladder(base float64) func(int) float64 {
	return func(l int) float64 { return base * math.Pow(1.3, float64(l)) }
}

// =============================================================================
// Kernels
// =============================================================================

func TestHorizVertMatchReference(t *testing.T) {
	const w, h, levels = 45, 23, 4
	r := newRig(t, gputypes.TextureFormatR32Float, w, h, levels, 1, ladder(0.8))

	r.perLevel(0, levels-1)
	r.sync()

	for l := range levels {
		want := referenceBlur(r.pipe.Table().Filter(l), w, h)
		got := r.plane(r.data, l)
		for i := range want {
			if math.Abs(float64(got[i])-want[i]) > 1e-5 {
				t.Fatalf("level %d sample (%d,%d) = %v, want %v", l, i%w, i/w, got[i], want[i])
			}
		}
	}
}

func TestVertAllBaseBitIdentical(t *testing.T) {
	formats := []gputypes.TextureFormat{gputypes.TextureFormatR32Float, gputypes.TextureFormatR8Unorm}
	sigmas := map[string]func(int) float64{
		"identity base": func(l int) float64 { return 0.9 * float64(l) },
		"blurred base":  ladder(0.6),
	}

	for _, format := range formats {
		for name, sigma := range sigmas {
			for _, group := range []int{1, 2, 3} {
				t.Run(fmt.Sprintf("%v/%s/group%d", format, name, group), func(t *testing.T) {
					const w, h, levels = 40, 21, 5
					want := newRig(t, format, w, h, levels, group, sigma)
					got := newRig(t, format, w, h, levels, group, sigma)

					want.perLevel(0, levels-1)
					want.sync()
					got.ok(got.pipe.VertAllBase(got.data.linear, got.data.surface, 0, levels-1))
					got.sync()

					for l := range levels {
						a, b := want.plane(want.data, l), got.plane(got.data, l)
						for i := range a {
							if math.Float32bits(a[i]) != math.Float32bits(b[i]) {
								t.Fatalf("level %d sample (%d,%d): batched %v, per-level %v", l, i%w, i/w, b[i], a[i])
							}
						}
					}
				})
			}
		}
	}
}

func TestVertAllBasePartialRange(t *testing.T) {
	const w, h, levels = 33, 17, 5
	want := newRig(t, gputypes.TextureFormatR32Float, w, h, levels, 2, ladder(1))
	got := newRig(t, gputypes.TextureFormatR32Float, w, h, levels, 2, ladder(1))

	want.perLevel(2, 3)
	want.sync()
	got.ok(got.pipe.VertAllBase(got.data.linear, got.data.surface, 2, 3))
	got.sync()

	for l := range levels {
		a, b := want.plane(want.data, l), got.plane(got.data, l)
		for i := range a {
			if math.Float32bits(a[i]) != math.Float32bits(b[i]) {
				t.Fatalf("level %d sample %d: batched %v, per-level %v", l, i, b[i], a[i])
			}
		}
	}
	// Levels outside the range stay untouched.
	if got.plane(got.data, 4)[5] != 0 {
		t.Error("level 4 was written by a [2, 3] batch")
	}
}

func TestVertBaseIdentity(t *testing.T) {
	const w, h = 16, 16
	r := newRig(t, gputypes.TextureFormatR32Float, w, h, 3, 1, func(l int) float64 { return float64(l) })

	r.ok(r.pipe.VertBase(r.scratch.linear, r.data.surface, 0))
	r.sync()

	got := r.plane(r.data, 0)
	for y := range h {
		for x := range w {
			if got[y*w+x] != pattern(x, y) {
				t.Fatalf("reference changed at (%d,%d): %v, want %v", x, y, got[y*w+x], pattern(x, y))
			}
		}
	}
}

func TestDoG(t *testing.T) {
	const w, h, levels = 40, 12, 5
	r := newRig(t, gputypes.TextureFormatR32Float, w, h, levels, 1, ladder(0.7))

	r.ok(r.pipe.VertAllBase(r.data.linear, r.data.surface, 0, levels-1))
	r.ok(r.pipe.DoG(r.data.point, r.dog.surface, levels-1))
	r.sync()

	for k := range levels - 1 {
		a, b, d := r.plane(r.data, k), r.plane(r.data, k+1), r.plane(r.dog, k)
		for i := range d {
			if d[i] != b[i]-a[i] {
				t.Fatalf("plane %d sample %d = %v, want %v", k, i, d[i], b[i]-a[i])
			}
		}
	}
}

func TestLevelValidation(t *testing.T) {
	r := newRig(t, gputypes.TextureFormatR32Float, 8, 8, 3, 1, ladder(1))
	r.wantFaults = true

	tests := []struct {
		name string
		call func() error
	}{
		{"horiz past end", func() error { return r.pipe.Horiz(r.data.linear, r.scratch.surface, 3) }},
		{"vert level 0", func() error { return r.pipe.Vert(r.scratch.linear, r.data.surface, 0) }},
		{"vert base level 1", func() error { return r.pipe.VertBase(r.scratch.linear, r.data.surface, 1) }},
		{"batch reversed", func() error { return r.pipe.VertAllBase(r.data.linear, r.data.surface, 2, 1) }},
		{"batch past end", func() error { return r.pipe.VertAllBase(r.data.linear, r.data.surface, 0, 3) }},
		{"dog too many planes", func() error { return r.pipe.DoG(r.data.point, r.dog.surface, 3) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := r.faultCount()
			err := tt.call()
			if got := r.faultCount() - before; got != 1 {
				t.Errorf("fatal handler called %d times, want 1", got)
			}
			var f *device.Fault
			if !errors.As(err, &f) || f.Kind != device.FaultInvalidArgument {
				t.Fatalf("error = %v, want invalid argument fault", err)
			}
			if !errors.Is(err, ErrInvalidLevel) {
				t.Errorf("errors.Is(err, ErrInvalidLevel) = false for %v", err)
			}
		})
	}
}

func TestInvalidHandle(t *testing.T) {
	r := newRig(t, gputypes.TextureFormatR32Float, 8, 8, 2, 1, ladder(1))
	r.wantFaults = true

	tests := []struct {
		name string
		call func() error
	}{
		{"horiz texture", func() error { return r.pipe.Horiz(device.TextureID(9999), r.scratch.surface, 1) }},
		{"vert texture", func() error { return r.pipe.Vert(device.InvalidID, r.data.surface, 1) }},
		{"vert base surface", func() error { return r.pipe.VertBase(r.scratch.linear, device.InvalidID, 0) }},
		{"batch surface", func() error { return r.pipe.VertAllBase(r.data.linear, device.InvalidID, 1, 1) }},
		{"dog texture", func() error { return r.pipe.DoG(device.InvalidID, r.dog.surface, 1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := r.faultCount()
			err := tt.call()
			var f *device.Fault
			if !errors.As(err, &f) || f.Kind != device.FaultInvalidHandle {
				t.Errorf("error = %v, want invalid handle fault", err)
			}
			if got := r.faultCount() - before; got != 1 {
				t.Errorf("fatal handler called %d times, want 1", got)
			}
		})
	}
}

func TestNewPipelineShortTableIsFatal(t *testing.T) {
	r := newRig(t, gputypes.TextureFormatR32Float, 8, 8, 3, 1, ladder(1))
	r.wantFaults = true

	short, err := NewTable(2, DefaultMaxSpan, ladder(1))
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}
	geo := r.pipe.Geometry()
	if _, err := NewPipeline(r.dev, r.stream, geo, short, Scratch{}); !errors.Is(err, ErrInvalidTable) {
		t.Errorf("NewPipeline() error = %v, want ErrInvalidTable", err)
	}
	if r.faultCount() != 1 {
		t.Errorf("fatal handler called %d times, want 1", r.faultCount())
	}
}
