package scalespace

import (
	"errors"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/scalespace/device"
	"github.com/gogpu/scalespace/gauss"
)

var (
	// ErrNotAllocated is returned when an operation needs device resources
	// and the octave holds none.
	ErrNotAllocated = errors.New("scalespace: octave not allocated")

	// ErrInvalidDimensions is returned for non-positive image sizes.
	ErrInvalidDimensions = errors.New("scalespace: invalid dimensions")
)

// Octave owns the device resources of one octave of a scale-space: the data
// stack of blurred levels, the single-plane scratch stack of the horizontal
// pass, the difference stack, an execution stream and one event per
// milestone.
//
// All work of an octave is issued on its stream. Other octaves order
// themselves against it with WaitMilestone, never by synchronizing the
// device.
//
// Operations that fail hand the fault to the device's fatal handler and
// then return it; with the default handler they do not return.
//
// An Octave is not safe for concurrent use. Distinct octaves may be used
// from distinct goroutines.
type Octave struct {
	dev *device.Checked
	cfg Config

	// Logical size and allocated capacity.
	w, h       int
	maxW, maxH int

	geo   gauss.Geometry
	table *gauss.Table

	debugOctave int

	data   imageStack
	interm imageStack
	dog    imageStack

	stream device.StreamID
	events [numMilestones]device.EventID

	allocated bool
}

// NewOctave returns an empty octave using dev for every device operation.
func NewOctave(dev *device.Checked) *Octave {
	return &Octave{dev: dev}
}

// fail hands err to the fatal handler and returns it.
func (o *Octave) fail(err error) error {
	o.dev.Fatal(err)
	return err
}

// Alloc releases any current resources and allocates the octave for a
// width x height image with the given level count and batching factor,
// which override those of cfg. The requested size becomes the capacity.
//
// Either every resource is acquired or, after releasing what was acquired,
// the failure goes to the fatal handler.
func (o *Octave) Alloc(cfg Config, width, height, levels, gaussGroup int) error {
	if err := o.Free(); err != nil {
		return err
	}

	cfg.Levels = levels
	cfg.GaussGroup = gaussGroup
	geo, table, err := o.layout(cfg, width, height)
	if err != nil {
		return o.fail(err)
	}

	var (
		g                 guard
		data, interm, dog imageStack
		stream            device.StreamID
		events            [numMilestones]device.EventID
	)
	abort := func(err error) error {
		if uerr := g.unwind(); uerr != nil {
			logger().Warn("scalespace: release after failed allocation", "octave", o.debugOctave, "err", uerr)
		}
		return o.fail(err)
	}

	if data, err = allocStack(o.dev, "data", cfg.Format, width, height, levels); err != nil {
		return abort(err)
	}
	g.push(func() error { return data.free(o.dev) })

	if interm, err = allocStack(o.dev, "intermediate", cfg.Format, width, height, 1); err != nil {
		return abort(err)
	}
	g.push(func() error { return interm.free(o.dev) })

	if dog, err = allocStack(o.dev, "dog", gputypes.TextureFormatR32Float, width, height, levels-1); err != nil {
		return abort(err)
	}
	g.push(func() error { return dog.free(o.dev) })

	if stream, err = o.dev.CreateStream(); err != nil {
		return abort(err)
	}
	g.push(func() error { return o.dev.DestroyStream(stream) })

	for i := range events {
		if events[i], err = o.dev.CreateEvent(); err != nil {
			return abort(err)
		}
		e := events[i]
		g.push(func() error { return o.dev.DestroyEvent(e) })
	}
	g.disarm()

	o.cfg = cfg
	o.w, o.h = width, height
	o.maxW, o.maxH = width, height
	o.geo, o.table = geo, table
	o.data, o.interm, o.dog = data, interm, dog
	o.stream = stream
	o.events = events
	o.allocated = true

	logger().Info("scalespace: octave allocated", "octave", o.debugOctave,
		"width", width, "height", height, "levels", levels, "gauss_group", gaussGroup)
	return nil
}

// layout validates a size and config and derives the launch geometry and
// level filters.
func (o *Octave) layout(cfg Config, width, height int) (gauss.Geometry, *gauss.Table, error) {
	// Device extents are 32-bit.
	if width <= 0 || height <= 0 || int64(width) > math.MaxUint32 || int64(height) > math.MaxUint32 {
		return gauss.Geometry{}, nil, o.dev.Reject("layout", fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height))
	}
	if err := cfg.Validate(); err != nil {
		return gauss.Geometry{}, nil, o.dev.Reject("layout", err)
	}
	geo, err := gauss.NewGeometry(width, height, cfg.Levels, cfg.GaussGroup)
	if err != nil {
		return gauss.Geometry{}, nil, o.dev.Reject("layout", err)
	}
	table, err := cfg.table()
	if err != nil {
		return gauss.Geometry{}, nil, o.dev.Reject("layout", err)
	}
	return geo, table, nil
}

// ResetDimensions sets the logical size to width x height. Storage is
// reused when it is large enough and the level count and sample format are
// unchanged; otherwise the octave is reallocated with the new size as its
// capacity. The grid dividers and level filters always follow cfg.
func (o *Octave) ResetDimensions(cfg Config, width, height int) error {
	if !o.allocated || width > o.maxW || height > o.maxH ||
		cfg.Levels != o.cfg.Levels || cfg.Format != o.cfg.Format {
		return o.Alloc(cfg, width, height, cfg.Levels, cfg.GaussGroup)
	}

	geo, table, err := o.layout(cfg, width, height)
	if err != nil {
		return o.fail(err)
	}
	o.cfg = cfg
	o.w, o.h = width, height
	o.geo, o.table = geo, table

	logger().Debug("scalespace: octave resized in place", "octave", o.debugOctave,
		"width", width, "height", height, "max_width", o.maxW, "max_height", o.maxH)
	return nil
}

// Free releases the events, the stream, then the difference, scratch and
// data stacks. Queued work finishes first. Free on an empty octave does
// nothing.
func (o *Octave) Free() error {
	if !o.allocated {
		return nil
	}

	var errs []error
	for i := range o.events {
		errs = append(errs, o.dev.DestroyEvent(o.events[i]))
	}
	errs = append(errs, o.dev.DestroyStream(o.stream))
	errs = append(errs, o.dog.free(o.dev))
	errs = append(errs, o.interm.free(o.dev))
	errs = append(errs, o.data.free(o.dev))

	o.events = [numMilestones]device.EventID{}
	o.stream = device.InvalidID
	o.allocated = false
	o.w, o.h, o.maxW, o.maxH = 0, 0, 0, 0

	if err := errors.Join(errs...); err != nil {
		return o.fail(err)
	}
	logger().Debug("scalespace: octave freed", "octave", o.debugOctave)
	return nil
}

// DebugSetOctave sets the index of this octave in log output.
func (o *Octave) DebugSetOctave(id int) { o.debugOctave = id }

// DebugOctave returns the index set by DebugSetOctave.
func (o *Octave) DebugOctave() int { return o.debugOctave }

// Allocated reports whether the octave holds device resources.
func (o *Octave) Allocated() bool { return o.allocated }

// Config returns the config of the last Alloc or ResetDimensions.
func (o *Octave) Config() Config { return o.cfg }

// Levels returns the number of data levels.
func (o *Octave) Levels() int { return o.cfg.Levels }

// GaussGroup returns the batching factor.
func (o *Octave) GaussGroup() int { return o.cfg.GaussGroup }

// Width returns the logical width.
func (o *Octave) Width() int { return o.w }

// Height returns the logical height.
func (o *Octave) Height() int { return o.h }

// MaxWidth returns the allocated width.
func (o *Octave) MaxWidth() int { return o.maxW }

// MaxHeight returns the allocated height.
func (o *Octave) MaxHeight() int { return o.maxH }

// WGridDivider returns the number of blocks covering a row of a plane.
func (o *Octave) WGridDivider() int { return o.geo.WGridDivider }

// HGridDivider returns the number of blocks covering a column of a plane.
func (o *Octave) HGridDivider() int { return o.geo.HGridDivider }

// Geometry returns the launch geometry of the logical size.
func (o *Octave) Geometry() gauss.Geometry { return o.geo }

// Table returns the level filters.
func (o *Octave) Table() *gauss.Table { return o.table }

// Stream returns the execution stream.
func (o *Octave) Stream() device.StreamID { return o.stream }

// Format returns the sample format of the data stack.
func (o *Octave) Format() gputypes.TextureFormat { return o.data.format }

// DataArray returns the storage of the data stack.
func (o *Octave) DataArray() device.ArrayID { return o.data.array }

// DataSurface returns the read/write view of the data stack.
func (o *Octave) DataSurface() device.SurfaceID { return o.data.surface }

// DataTexturePoint returns the nearest-filtered view of the data stack.
func (o *Octave) DataTexturePoint() device.TextureID { return o.data.texPoint }

// DataTextureLinear returns the linear-filtered view of the data stack.
func (o *Octave) DataTextureLinear() device.TextureID { return o.data.texLinear }

// IntermediateSurface returns the write view of the scratch plane.
func (o *Octave) IntermediateSurface() device.SurfaceID { return o.interm.surface }

// IntermediateTexturePoint returns the nearest-filtered view of the
// scratch plane.
func (o *Octave) IntermediateTexturePoint() device.TextureID { return o.interm.texPoint }

// IntermediateTextureLinear returns the linear-filtered view of the
// scratch plane.
func (o *Octave) IntermediateTextureLinear() device.TextureID { return o.interm.texLinear }

// DogArray returns the storage of the difference stack.
func (o *Octave) DogArray() device.ArrayID { return o.dog.array }

// DogSurface returns the read/write view of the difference stack.
func (o *Octave) DogSurface() device.SurfaceID { return o.dog.surface }

// DogTexturePoint returns the nearest-filtered view of the difference stack.
func (o *Octave) DogTexturePoint() device.TextureID { return o.dog.texPoint }

// DogTextureLinear returns the linear-filtered view of the difference stack.
func (o *Octave) DogTextureLinear() device.TextureID { return o.dog.texLinear }

// DogPlanes returns the number of difference planes, Levels()-1.
func (o *Octave) DogPlanes() int { return o.dog.planes() }
