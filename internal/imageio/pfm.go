package imageio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// I/O errors.
var (
	// ErrInvalidPFM is returned when a stream is not a greyscale PFM.
	ErrInvalidPFM = errors.New("imageio: invalid PFM data")

	// ErrSizeMismatch is returned when a plane does not hold width*height samples.
	ErrSizeMismatch = errors.New("imageio: sample count does not match size")
)

// WritePFM writes a width x height row-major plane as greyscale PFM. The
// scale field is -1, meaning little-endian samples. Rows are stored bottom
// first, as the format requires.
func WritePFM(w io.Writer, width, height int, samples []float32) error {
	if width <= 0 || height <= 0 || len(samples) != width*height {
		return fmt.Errorf("%w: %d samples for %dx%d", ErrSizeMismatch, len(samples), width, height)
	}

	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "Pf\n%d %d\n-1.0\n", width, height); err != nil {
		return fmt.Errorf("imageio: write PFM header: %w", err)
	}
	row := make([]byte, 4*width)
	for y := height - 1; y >= 0; y-- {
		for x, v := range samples[y*width : (y+1)*width] {
			binary.LittleEndian.PutUint32(row[4*x:], math.Float32bits(v))
		}
		if _, err := bw.Write(row); err != nil {
			return fmt.Errorf("imageio: write PFM row: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("imageio: write PFM: %w", err)
	}
	return nil
}

// ReadPFM reads a greyscale PFM written in either byte order and returns
// its size and row-major samples, top row first.
func ReadPFM(r io.Reader) (width, height int, samples []float32, err error) {
	br := bufio.NewReader(r)

	var magic string
	var scale float64
	if _, err := fmt.Fscan(br, &magic, &width, &height, &scale); err != nil {
		return 0, 0, nil, fmt.Errorf("%w: header: %w", ErrInvalidPFM, err)
	}
	if magic != "Pf" {
		return 0, 0, nil, fmt.Errorf("%w: magic %q", ErrInvalidPFM, magic)
	}
	if width <= 0 || height <= 0 || scale == 0 {
		return 0, 0, nil, fmt.Errorf("%w: size %dx%d scale %v", ErrInvalidPFM, width, height, scale)
	}
	// Exactly one whitespace byte separates the header from the samples.
	if _, err := br.ReadByte(); err != nil {
		return 0, 0, nil, fmt.Errorf("%w: header: %w", ErrInvalidPFM, err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if scale > 0 {
		order = binary.BigEndian
	}

	samples = make([]float32, width*height)
	row := make([]byte, 4*width)
	for y := height - 1; y >= 0; y-- {
		if _, err := io.ReadFull(br, row); err != nil {
			return 0, 0, nil, fmt.Errorf("%w: row %d: %w", ErrInvalidPFM, y, err)
		}
		for x := range width {
			samples[y*width+x] = math.Float32frombits(order.Uint32(row[4*x:]))
		}
	}
	return width, height, samples, nil
}
