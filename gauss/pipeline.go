package gauss

import (
	"errors"
	"fmt"

	"github.com/gogpu/scalespace/device"
)

// ErrInvalidLevel is returned when an entry point is given a level it does
// not handle.
var ErrInvalidLevel = errors.New("gauss: invalid level")

// Scratch is the single-plane intermediate of the horizontal pass: a surface
// the horizontal pass writes and a linear texture the vertical pass reads.
type Scratch struct {
	Surface device.SurfaceID
	Texture device.TextureID
}

// Pipeline issues the blur kernels of one octave on its stream.
//
// Every level is blurred directly from the reference plane, layer 0 of the
// data stack, with the absolute filter of that level. Level 0 is the
// boundary of that recurrence: with an identity filter it is the reference
// itself and needs no kernel.
//
// Entry points only issue work. Results are visible to later work on the
// same stream, and to other streams after an event. A failed entry point
// hands its fault to the fatal handler of the device and then returns it.
type Pipeline struct {
	dev     *device.Checked
	stream  device.StreamID
	geo     Geometry
	table   *Table
	scratch Scratch
}

// NewPipeline binds the kernels to a stream, a geometry, a filter table and
// the scratch plane. The table must cover geo.Levels levels.
func NewPipeline(dev *device.Checked, stream device.StreamID, geo Geometry, table *Table, scratch Scratch) (*Pipeline, error) {
	if table == nil || table.Levels() < geo.Levels {
		err := dev.Reject("NewPipeline", fmt.Errorf("%w: table does not cover %d levels", ErrInvalidTable, geo.Levels))
		dev.Fatal(err)
		return nil, err
	}
	return &Pipeline{dev: dev, stream: stream, geo: geo, table: table, scratch: scratch}, nil
}

// Geometry returns the launch geometry.
func (p *Pipeline) Geometry() Geometry { return p.geo }

// Table returns the filter table.
func (p *Pipeline) Table() *Table { return p.table }

// fail hands err to the fatal handler and returns it.
func (p *Pipeline) fail(err error) error {
	p.dev.Fatal(err)
	return err
}

func (p *Pipeline) checkLevel(op string, level, lo int) error {
	if level < lo || level >= p.geo.Levels {
		return p.dev.Reject(op, fmt.Errorf("%w: %d not in [%d, %d)", ErrInvalidLevel, level, lo, p.geo.Levels))
	}
	return nil
}

// horizontalAt is the horizontal pass at sample (x, y) of the reference.
func horizontalAt(ref device.TextureView, f *Filter, x, y int) float32 {
	v := float32(y) + 0.5
	return accumulate(f, func(off int) float32 {
		return ref.Sample(float32(x+off)+0.5, v, 0)
	})
}

// Horiz blurs the reference plane horizontally with the filter of level and
// writes the result to the scratch plane dst. src is a linear texture of the
// data stack.
func (p *Pipeline) Horiz(src device.TextureID, dst device.SurfaceID, level int) error {
	if err := p.checkLevel("Horiz", level, 0); err != nil {
		return p.fail(err)
	}
	return p.fail(p.horiz(src, dst, level))
}

func (p *Pipeline) horiz(src device.TextureID, dst device.SurfaceID, level int) error {
	tex, err := p.dev.Texture(src)
	if err != nil {
		return err
	}
	surf, err := p.dev.Surface(dst)
	if err != nil {
		return err
	}

	geo := p.geo
	f := p.table.Filter(level)
	ref := tex.Bind(geo.Width, geo.Height)
	return p.dev.Launch(p.stream, geo.PlaneLaunch("horiz"), func(b device.Block) {
		x0, y0, x1, y1 := geo.tile(b.Idx.X, b.Idx.Y)
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				surf.Write(x, y, 0, horizontalAt(ref, f, x, y))
			}
		}
	})
}

// vertical issues the vertical pass of level from the scratch texture src
// into layer level of dst.
func (p *Pipeline) vertical(name string, src device.TextureID, dst device.SurfaceID, level int) error {
	tex, err := p.dev.Texture(src)
	if err != nil {
		return err
	}
	surf, err := p.dev.Surface(dst)
	if err != nil {
		return err
	}

	geo := p.geo
	f := p.table.Filter(level)
	scratch := tex.Bind(geo.Width, geo.Height)
	return p.dev.Launch(p.stream, geo.PlaneLaunch(name), func(b device.Block) {
		x0, y0, x1, y1 := geo.tile(b.Idx.X, b.Idx.Y)
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				u := float32(x) + 0.5
				out := accumulate(f, func(off int) float32 {
					return scratch.Sample(u, float32(y+off)+0.5, 0)
				})
				surf.Write(x, y, level, out)
			}
		}
	})
}

// Vert blurs the scratch plane vertically with the filter of level and
// writes plane level of the data stack. Level must be at least 1.
func (p *Pipeline) Vert(src device.TextureID, dst device.SurfaceID, level int) error {
	if err := p.checkLevel("Vert", level, 1); err != nil {
		return p.fail(err)
	}
	return p.fail(p.vertical("vert", src, dst, level))
}

// VertBase is Vert for level 0, which overwrites the reference plane. It
// must be issued after every pass that samples the reference. With an
// identity level 0 filter the reference already is level 0 and nothing is
// launched.
func (p *Pipeline) VertBase(src device.TextureID, dst device.SurfaceID, level int) error {
	if level != 0 {
		return p.fail(p.dev.Reject("VertBase", fmt.Errorf("%w: %d, want 0", ErrInvalidLevel, level)))
	}
	return p.fail(p.vertBase(src, dst))
}

func (p *Pipeline) vertBase(src device.TextureID, dst device.SurfaceID) error {
	if p.table.Filter(0).IsIdentity() {
		return nil
	}
	return p.vertical("vert_abs0", src, dst, 0)
}

// VertAllBase computes every level in [startLevel, maxLevel] in one dispatch of both
// passes, reading the reference through the linear texture src. Each block
// keeps its horizontal intermediate in private memory, rounded exactly as
// a scratch plane write, so the planes are bit-identical to Horiz followed
// by Vert or VertBase for each level.
//
// Level 0, when in range and not the identity, rewrites the reference in
// place and is issued afterwards as Horiz plus VertBase through the
// scratch plane.
func (p *Pipeline) VertAllBase(src device.TextureID, dst device.SurfaceID, startLevel, maxLevel int) error {
	if startLevel < 0 || maxLevel >= p.geo.Levels || startLevel > maxLevel {
		return p.fail(p.dev.Reject("VertAllBase", fmt.Errorf("%w: range [%d, %d] of %d levels", ErrInvalidLevel, startLevel, maxLevel, p.geo.Levels)))
	}
	return p.fail(p.vertAllBase(src, dst, startLevel, maxLevel))
}

func (p *Pipeline) vertAllBase(src device.TextureID, dst device.SurfaceID, startLevel, maxLevel int) error {
	if first := max(startLevel, 1); first <= maxLevel {
		if err := p.batch(src, dst, first, maxLevel); err != nil {
			return err
		}
	}
	if startLevel == 0 && !p.table.Filter(0).IsIdentity() {
		if err := p.horiz(src, p.scratch.Surface, 0); err != nil {
			return err
		}
		return p.vertBase(p.scratch.Texture, dst)
	}
	return nil
}

func (p *Pipeline) batch(src device.TextureID, dst device.SurfaceID, first, last int) error {
	tex, err := p.dev.Texture(src)
	if err != nil {
		return err
	}
	surf, err := p.dev.Surface(dst)
	if err != nil {
		return err
	}
	format := surf.Format()

	geo := p.geo
	table := p.table
	group := geo.GaussGroup
	ref := tex.Bind(geo.Width, geo.Height)
	n := last - first + 1
	return p.dev.Launch(p.stream, geo.BatchLaunch("vert_all_abs0", n), func(b device.Block) {
		levelGroup := b.Idx.Y / geo.HGridDivider
		x0, y0, x1, y1 := geo.tile(b.Idx.X, b.Idx.Y%geo.HGridDivider)

		for j := range group {
			level := first + levelGroup*group + j
			if level > last {
				return
			}
			f := table.Filter(level)

			// Horizontal pass over the tile plus a halo of Span rows,
			// clamped to the image like the scratch texture would be.
			r0 := max(y0-f.Span, 0)
			r1 := min(y1+f.Span, geo.Height)
			cols := x1 - x0
			rows := make([]float32, (r1-r0)*cols)
			for r := r0; r < r1; r++ {
				for x := x0; x < x1; x++ {
					rows[(r-r0)*cols+x-x0] = device.Quantize(format, horizontalAt(ref, f, x, r))
				}
			}

			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					out := accumulate(f, func(off int) float32 {
						r := min(max(y+off, 0), geo.Height-1)
						return rows[(r-r0)*cols+x-x0]
					})
					surf.Write(x, y, level, out)
				}
			}
		}
	})
}

// DoG writes plane k of dst as plane k+1 minus plane k of the data stack for
// k in [0, planes). src is a point texture of the data stack.
func (p *Pipeline) DoG(src device.TextureID, dst device.SurfaceID, planes int) error {
	if planes < 0 || planes >= p.geo.Levels {
		return p.fail(p.dev.Reject("DoG", fmt.Errorf("%w: %d planes of %d levels", ErrInvalidLevel, planes, p.geo.Levels)))
	}
	return p.fail(p.dog(src, dst, planes))
}

func (p *Pipeline) dog(src device.TextureID, dst device.SurfaceID, planes int) error {
	if planes == 0 {
		return nil
	}
	tex, err := p.dev.Texture(src)
	if err != nil {
		return err
	}
	surf, err := p.dev.Surface(dst)
	if err != nil {
		return err
	}

	geo := p.geo
	data := tex.Bind(geo.Width, geo.Height)
	return p.dev.Launch(p.stream, geo.LayerLaunch("dog", planes), func(b device.Block) {
		k := b.Idx.Z
		x0, y0, x1, y1 := geo.tile(b.Idx.X, b.Idx.Y)
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				u, v := float32(x)+0.5, float32(y)+0.5
				surf.Write(x, y, k, data.Sample(u, v, k+1)-data.Sample(u, v, k))
			}
		}
	})
}
