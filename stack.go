package scalespace

import (
	"errors"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/scalespace/device"
)

// guard collects release steps while a resource group is acquired. If the
// group is not completed the steps run in reverse order.
type guard struct {
	undo []func() error
}

func (g *guard) push(fn func() error) {
	g.undo = append(g.undo, fn)
}

// unwind releases everything pushed so far, last first, and disarms.
func (g *guard) unwind() error {
	var errs []error
	for i := len(g.undo) - 1; i >= 0; i-- {
		if err := g.undo[i](); err != nil {
			errs = append(errs, err)
		}
	}
	g.undo = nil
	return errors.Join(errs...)
}

// disarm keeps everything pushed so far.
func (g *guard) disarm() {
	g.undo = nil
}

// imageStack owns a layered array and its views. The zero value is an
// empty stack; its handles are all InvalidID.
type imageStack struct {
	array  device.ArrayID
	format gputypes.TextureFormat
	extent gputypes.Extent3D

	surface   device.SurfaceID
	texPoint  device.TextureID
	texLinear device.TextureID
}

// empty reports whether the stack holds no storage.
func (s *imageStack) empty() bool {
	return s.array == device.InvalidID
}

// planes returns the number of layers.
func (s *imageStack) planes() int {
	return int(s.extent.DepthOrArrayLayers)
}

// allocStack allocates a width x height x planes stack with a surface and
// point and linear texture views. Either every handle is created or none is left behind.
// planes == 0 yields the empty stack.
func allocStack(dev *device.Checked, label string, format gputypes.TextureFormat, width, height, planes int) (imageStack, error) {
	if planes == 0 {
		return imageStack{}, nil
	}

	s := imageStack{
		format: format,
		extent: gputypes.Extent3D{
			Width:              uint32(width),
			Height:             uint32(height),
			DepthOrArrayLayers: uint32(planes),
		},
	}

	var g guard
	fail := func(err error) (imageStack, error) {
		if uerr := g.unwind(); uerr != nil {
			logger().Warn("scalespace: release after failed allocation", "stack", label, "err", uerr)
		}
		return imageStack{}, err
	}

	var err error
	if s.array, err = dev.MallocArray(format, s.extent); err != nil {
		return fail(err)
	}
	array := s.array
	g.push(func() error { return dev.FreeArray(array) })

	if s.surface, err = dev.CreateSurface(array); err != nil {
		return fail(err)
	}
	surface := s.surface
	g.push(func() error { return dev.DestroySurface(surface) })

	desc := device.TextureDesc{
		Filter:  gputypes.FilterModeNearest,
		Address: gputypes.AddressModeClampToEdge,
		Label:   label + " point",
	}
	if s.texPoint, err = dev.CreateTexture(array, desc); err != nil {
		return fail(err)
	}
	point := s.texPoint
	g.push(func() error { return dev.DestroyTexture(point) })

	desc = device.TextureDesc{
		Filter:  gputypes.FilterModeLinear,
		Address: gputypes.AddressModeClampToEdge,
		Label:   label + " linear",
	}
	if s.texLinear, err = dev.CreateTexture(array, desc); err != nil {
		return fail(err)
	}

	g.disarm()
	logger().Debug("scalespace: stack allocated", "stack", label,
		"width", width, "height", height, "planes", planes)
	return s, nil
}

// free destroys the views and then the array. It keeps going after a
// failed step and returns every failure. The stack is empty afterwards.
func (s *imageStack) free(dev *device.Checked) error {
	if s.empty() {
		return nil
	}
	var errs []error
	if s.texLinear != device.InvalidID {
		errs = append(errs, dev.DestroyTexture(s.texLinear))
	}
	if s.texPoint != device.InvalidID {
		errs = append(errs, dev.DestroyTexture(s.texPoint))
	}
	if s.surface != device.InvalidID {
		errs = append(errs, dev.DestroySurface(s.surface))
	}
	errs = append(errs, dev.FreeArray(s.array))
	*s = imageStack{}
	return errors.Join(errs...)
}
