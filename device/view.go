package device

import (
	"math"

	"github.com/gogpu/gputypes"
)

// storage is the backing memory of one layered array.
type storage struct {
	format gputypes.TextureFormat
	width  int
	height int
	layers int

	f32 []float32
	u8  []uint8

	// views counts live surfaces and textures. Guarded by the backend mutex.
	views int
}

func newStorage(format gputypes.TextureFormat, ext gputypes.Extent3D) (*storage, error) {
	if _, err := BytesPerSample(format); err != nil {
		return nil, err
	}
	s := &storage{
		format: format,
		width:  int(ext.Width),
		height: int(ext.Height),
		layers: int(ext.DepthOrArrayLayers),
	}
	n := s.width * s.height * s.layers
	if format == gputypes.TextureFormatR32Float {
		s.f32 = make([]float32, n)
	} else {
		s.u8 = make([]uint8, n)
	}
	return s, nil
}

func (s *storage) extent() gputypes.Extent3D {
	return gputypes.Extent3D{
		Width:              uint32(s.width),
		Height:             uint32(s.height),
		DepthOrArrayLayers: uint32(s.layers),
	}
}

func (s *storage) samples() int {
	return s.width * s.height * s.layers
}

func (s *storage) index(x, y, layer int) int {
	return (layer*s.height+y)*s.width + x
}

func (s *storage) load(i int) float32 {
	if s.f32 != nil {
		return s.f32[i]
	}
	return DecodeUnorm8(s.u8[i])
}

func (s *storage) store(i int, v float32) {
	if s.f32 != nil {
		s.f32[i] = v
		return
	}
	s.u8[i] = EncodeUnorm8(v)
}

func (s *storage) inRegion(r Region) bool {
	return r.Layer >= 0 && r.Layer < s.layers &&
		r.Width > 0 && r.Width <= s.width &&
		r.Height > 0 && r.Height <= s.height
}

// SurfaceView is an exact, arbitrary-index view of an array.
//
// Reads outside the array return 0 and writes outside it are dropped.
// A zero SurfaceView is invalid; use Valid before touching it.
type SurfaceView struct {
	s *storage
}

// Valid reports whether the view refers to storage.
func (v SurfaceView) Valid() bool {
	return v.s != nil
}

// Format returns the sample format of the underlying array.
func (v SurfaceView) Format() gputypes.TextureFormat {
	return v.s.format
}

// Extent returns the allocated extent of the underlying array.
func (v SurfaceView) Extent() gputypes.Extent3D {
	return v.s.extent()
}

// Read returns the sample at (x, y) of the given layer.
func (v SurfaceView) Read(x, y, layer int) float32 {
	s := v.s
	if x < 0 || y < 0 || layer < 0 || x >= s.width || y >= s.height || layer >= s.layers {
		return 0
	}
	return s.load(s.index(x, y, layer))
}

// Write stores val at (x, y) of the given layer, rounding once for
// integer formats.
func (v SurfaceView) Write(x, y, layer int, val float32) {
	s := v.s
	if x < 0 || y < 0 || layer < 0 || x >= s.width || y >= s.height || layer >= s.layers {
		return
	}
	s.store(s.index(x, y, layer), val)
}

// TextureView is a filtered, read-only view of an array.
//
// Coordinates are unnormalized: texel i covers [i, i+1) and its centre is
// i+0.5. Sampling clamps to the edge of the bound region, which is the full
// array until Bind narrows it to a logical image size.
type TextureView struct {
	s      *storage
	filter gputypes.FilterMode
	w, h   int
}

// Valid reports whether the view refers to storage.
func (t TextureView) Valid() bool {
	return t.s != nil
}

// Filter returns the filtering mode of the view.
func (t TextureView) Filter() gputypes.FilterMode {
	return t.filter
}

// Format returns the sample format of the underlying array.
func (t TextureView) Format() gputypes.TextureFormat {
	return t.s.format
}

// Bind returns a copy of the view whose clamp region is the top-left
// w x h rectangle of each layer. Sizes are limited to the array extent.
func (t TextureView) Bind(w, h int) TextureView {
	t.w = min(max(w, 1), t.s.width)
	t.h = min(max(h, 1), t.s.height)
	return t
}

// Sample returns the filtered value at (u, v) of the given layer. Layer
// indices are clamped to the array, like layered hardware textures.
func (t TextureView) Sample(u, v float32, layer int) float32 {
	layer = min(max(layer, 0), t.s.layers-1)

	if t.filter != gputypes.FilterModeLinear {
		return t.fetch(int(math.Floor(float64(u))), int(math.Floor(float64(v))), layer)
	}

	x := u - 0.5
	y := v - 0.5
	fx := float32(math.Floor(float64(x)))
	fy := float32(math.Floor(float64(y)))
	ax := x - fx
	ay := y - fy
	x0 := int(fx)
	y0 := int(fy)

	t00 := t.fetch(x0, y0, layer)
	t10 := t.fetch(x0+1, y0, layer)
	t01 := t.fetch(x0, y0+1, layer)
	t11 := t.fetch(x0+1, y0+1, layer)

	// Rounded products keep the result independent of FMA contraction.
	top := t00 + float32(ax*(t10-t00))
	bottom := t01 + float32(ax*(t11-t01))
	return top + float32(ay*(bottom-top))
}

// fetch reads texel (x, y) with clamp-to-edge addressing.
func (t TextureView) fetch(x, y, layer int) float32 {
	x = min(max(x, 0), t.w-1)
	y = min(max(y, 0), t.h-1)
	return t.s.load(t.s.index(x, y, layer))
}
