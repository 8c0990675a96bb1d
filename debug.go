package scalespace

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/scalespace/device"
	"github.com/gogpu/scalespace/internal/imageio"
)

// plane is one read-back plane waiting to be written.
type plane struct {
	path    string
	float   bool
	samples []float32
}

// levelPath names the file of data level l of octave.
func levelPath(basename string, octave, level int, float bool) string {
	ext := "tiff"
	if float {
		ext = "pfm"
	}
	return fmt.Sprintf("%s-o%d-l%d.%s", basename, octave, level, ext)
}

// dogPath names the file of difference plane k of octave.
func dogPath(basename string, octave, k int) string {
	return fmt.Sprintf("%s-o%d-dog%d.pfm", basename, octave, k)
}

// DownloadAndSaveLevel waits for the octave stream, reads back data level
// level and writes it to a file named after basename and octave. Float
// levels are written as PFM and 8-bit levels as greyscale TIFF, both
// without loss. It returns the path written.
//
// Device failures go to the fatal handler; file errors are returned.
func (o *Octave) DownloadAndSaveLevel(basename string, octave, level int) (string, error) {
	samples, err := o.DownloadLevel(level)
	if err != nil {
		return "", err
	}
	p := plane{
		path:    levelPath(basename, octave, level, device.IsFloatFormat(o.data.format)),
		float:   device.IsFloatFormat(o.data.format),
		samples: samples,
	}
	if err := o.save(p); err != nil {
		return "", err
	}
	return p.path, nil
}

// DownloadAndSaveArray writes every data level and every difference plane
// of the octave, in that order, and returns the paths written. Planes are
// read back one after another and encoded concurrently.
func (o *Octave) DownloadAndSaveArray(basename string, octave int) ([]string, error) {
	if !o.allocated {
		return nil, o.fail(o.dev.Reject("DownloadAndSaveArray", ErrNotAllocated))
	}

	float := device.IsFloatFormat(o.data.format)
	planes := make([]plane, 0, o.data.planes()+o.dog.planes())
	for l := range o.data.planes() {
		samples, err := o.DownloadLevel(l)
		if err != nil {
			return nil, err
		}
		planes = append(planes, plane{path: levelPath(basename, octave, l, float), float: float, samples: samples})
	}
	for k := range o.dog.planes() {
		samples, err := o.DownloadDoG(k)
		if err != nil {
			return nil, err
		}
		planes = append(planes, plane{path: dogPath(basename, octave, k), float: true, samples: samples})
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, p := range planes {
		g.Go(func() error { return o.save(p) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	paths := make([]string, len(planes))
	for i, p := range planes {
		paths[i] = p.path
	}
	logger().Debug("scalespace: octave dumped", "octave", octave, "files", len(paths))
	return paths, nil
}

func (o *Octave) save(p plane) error {
	if p.float {
		return imageio.SavePFM(p.path, o.w, o.h, p.samples)
	}
	pix := make([]uint8, len(p.samples))
	for i, v := range p.samples {
		pix[i] = device.EncodeUnorm8(v)
	}
	return imageio.SaveGray8TIFF(p.path, o.w, o.h, pix)
}
