package scalespace

import (
	"errors"
	"fmt"

	"github.com/gogpu/scalespace/device"
	"github.com/gogpu/scalespace/gauss"
)

// ErrSizeMismatch is returned when host data does not match the logical
// size of the octave.
var ErrSizeMismatch = errors.New("scalespace: size mismatch")

// Pipeline returns the blur kernels bound to this octave's stream,
// geometry, filters and scratch plane.
func (o *Octave) Pipeline() (*gauss.Pipeline, error) {
	if !o.allocated {
		return nil, o.fail(o.dev.Reject("Pipeline", ErrNotAllocated))
	}
	return gauss.NewPipeline(o.dev, o.stream, o.geo, o.table, gauss.Scratch{
		Surface: o.interm.surface,
		Texture: o.interm.texLinear,
	})
}

// UploadBase copies a width x height row-major plane into the reference
// plane, layer 0 of the data stack. It returns once the copy is done.
func (o *Octave) UploadBase(pixels []float32) error {
	if !o.allocated {
		return o.fail(o.dev.Reject("UploadBase", ErrNotAllocated))
	}
	if len(pixels) != o.w*o.h {
		return o.fail(o.dev.Reject("UploadBase", fmt.Errorf("%w: %d samples for %dx%d", ErrSizeMismatch, len(pixels), o.w, o.h)))
	}
	if err := o.transfer(o.data, 0, func(buf []byte) error {
		return device.EncodeSamples(o.data.format, pixels, buf)
	}, true); err != nil {
		return o.fail(err)
	}
	return nil
}

// transfer stages one plane of s through a temporary host buffer. With
// upload set, fill encodes the host side before the copy to the device;
// otherwise fill reads it after the copy from the device.
func (o *Octave) transfer(s imageStack, layer int, fill func(buf []byte) error, upload bool) (err error) {
	bps, err := device.BytesPerSample(s.format)
	if err != nil {
		return o.dev.Reject("transfer", err)
	}
	host, err := o.dev.MallocHost(o.w * o.h * bps)
	if err != nil {
		return err
	}
	defer func() {
		if ferr := o.dev.FreeHost(host); err == nil {
			err = ferr
		}
	}()

	buf, err := o.dev.HostBytes(host)
	if err != nil {
		return err
	}
	r := device.Region{Layer: layer, Width: o.w, Height: o.h}

	if upload {
		if err := fill(buf); err != nil {
			return o.dev.Reject("transfer", err)
		}
		if err := o.dev.CopyHostToArrayAsync(s.array, host, r, o.stream); err != nil {
			return err
		}
		return o.dev.SynchronizeStream(o.stream)
	}

	if err := o.dev.CopyArrayToHostAsync(host, s.array, r, o.stream); err != nil {
		return err
	}
	if err := o.dev.SynchronizeStream(o.stream); err != nil {
		return err
	}
	return fill(buf)
}

// BuildScaleSpace issues the kernels that fill the data and difference
// stacks from the reference plane and records MilestoneScaleBuilt after
// them. Levels 1 and up are blurred first, with the batched kernel when
// GaussGroup is above 1; level 0 comes last because it rewrites the
// reference in place. The call does not wait for the device.
//
// The kernels report their own faults to the fatal handler, so a failed
// build reaches it exactly once.
func (o *Octave) BuildScaleSpace() error {
	p, err := o.Pipeline()
	if err != nil {
		return err
	}
	if err := o.buildLevels(p); err != nil {
		return err
	}
	if err := p.DoG(o.data.texPoint, o.dog.surface, o.dog.planes()); err != nil {
		return err
	}
	return o.RecordMilestone(MilestoneScaleBuilt)
}

func (o *Octave) buildLevels(p *gauss.Pipeline) error {
	last := o.cfg.Levels - 1
	if o.cfg.GaussGroup > 1 {
		return p.VertAllBase(o.data.texLinear, o.data.surface, 0, last)
	}

	for l := 1; l <= last; l++ {
		if err := p.Horiz(o.data.texLinear, o.interm.surface, l); err != nil {
			return err
		}
		if err := p.Vert(o.interm.texLinear, o.data.surface, l); err != nil {
			return err
		}
	}
	if !o.table.Filter(0).IsIdentity() {
		if err := p.Horiz(o.data.texLinear, o.interm.surface, 0); err != nil {
			return err
		}
	}
	return p.VertBase(o.interm.texLinear, o.data.surface, 0)
}

// DownloadLevel waits for the octave stream and returns data level l as
// width x height row-major samples.
func (o *Octave) DownloadLevel(l int) ([]float32, error) {
	return o.download("DownloadLevel", o.data, l)
}

// DownloadDoG waits for the octave stream and returns difference plane k.
func (o *Octave) DownloadDoG(k int) ([]float32, error) {
	return o.download("DownloadDoG", o.dog, k)
}

func (o *Octave) download(op string, s imageStack, layer int) ([]float32, error) {
	if !o.allocated {
		return nil, o.fail(o.dev.Reject(op, ErrNotAllocated))
	}
	if layer < 0 || layer >= s.planes() {
		return nil, o.fail(o.dev.Reject(op, fmt.Errorf("%w: plane %d of %d", device.ErrOutOfRange, layer, s.planes())))
	}

	var out []float32
	err := o.transfer(s, layer, func(buf []byte) error {
		var err error
		out, err = device.DecodeSamples(s.format, buf, o.w*o.h)
		return err
	}, false)
	if err != nil {
		return nil, o.fail(err)
	}
	return out, nil
}
