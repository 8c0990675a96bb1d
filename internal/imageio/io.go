package imageio

import (
	"fmt"
	"image"
	_ "image/jpeg" // register JPEG
	_ "image/png"  // register PNG
	"io"
	"os"
	"path/filepath"

	_ "golang.org/x/image/bmp" // register BMP
)

// SavePFM writes a float plane to path.
func SavePFM(path string, width, height int, samples []float32) error {
	return save(path, func(w io.Writer) error { return WritePFM(w, width, height, samples) })
}

// SaveGray8TIFF writes an 8-bit plane to path.
func SaveGray8TIFF(path string, width, height int, samples []uint8) error {
	return save(path, func(w io.Writer) error { return WriteGray8TIFF(w, width, height, samples) })
}

func save(path string, encode func(io.Writer) error) error {
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("imageio: create file: %w", err)
	}
	if err := encode(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// LoadPFM reads a float plane from path.
func LoadPFM(path string) (width, height int, samples []float32, err error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return 0, 0, nil, fmt.Errorf("imageio: open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return ReadPFM(f)
}

// LoadGray8TIFF reads an 8-bit plane from path.
func LoadGray8TIFF(path string) (width, height int, samples []uint8, err error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return 0, 0, nil, fmt.Errorf("imageio: open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return ReadGray8TIFF(f)
}

// LoadGray decodes a PNG, JPEG, BMP or TIFF file and converts it to grey.
func LoadGray(path string) (*image.Gray, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("imageio: open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("imageio: decode: %w", err)
	}
	return ToGray(img), nil
}
