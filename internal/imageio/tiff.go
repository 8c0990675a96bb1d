package imageio

import (
	"fmt"
	"image"
	"io"

	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
)

// WriteGray8TIFF writes a width x height row-major 8-bit plane as a
// Deflate-compressed greyscale TIFF.
func WriteGray8TIFF(w io.Writer, width, height int, samples []uint8) error {
	if width <= 0 || height <= 0 || len(samples) != width*height {
		return fmt.Errorf("%w: %d samples for %dx%d", ErrSizeMismatch, len(samples), width, height)
	}
	img := &image.Gray{
		Pix:    samples,
		Stride: width,
		Rect:   image.Rect(0, 0, width, height),
	}
	if err := tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		return fmt.Errorf("imageio: encode TIFF: %w", err)
	}
	return nil
}

// ReadGray8TIFF reads a TIFF and returns its size and 8-bit grey samples.
// Images that are not greyscale are converted.
func ReadGray8TIFF(r io.Reader) (width, height int, samples []uint8, err error) {
	img, err := tiff.Decode(r)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("imageio: decode TIFF: %w", err)
	}
	g := ToGray(img)
	return g.Rect.Dx(), g.Rect.Dy(), g.Pix, nil
}

// ToGray returns img as a tightly packed greyscale image with its origin at
// (0, 0). A packed *image.Gray is returned as is.
func ToGray(img image.Image) *image.Gray {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) && g.Stride == b.Dx() {
		return g
	}
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Rect, img, b.Min, draw.Src)
	return g
}
