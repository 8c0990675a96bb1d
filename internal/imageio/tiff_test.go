package imageio

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func TestGray8TIFFRoundTrip(t *testing.T) {
	const w, h = 7, 4
	samples := make([]uint8, w*h)
	for i := range samples {
		samples[i] = uint8(i * 9)
	}
	want := append([]uint8(nil), samples...)

	var buf bytes.Buffer
	if err := WriteGray8TIFF(&buf, w, h, samples); err != nil {
		t.Fatalf("WriteGray8TIFF() error = %v", err)
	}
	gw, gh, got, err := ReadGray8TIFF(&buf)
	if err != nil {
		t.Fatalf("ReadGray8TIFF() error = %v", err)
	}
	if gw != w || gh != h {
		t.Fatalf("size = %dx%d, want %dx%d", gw, gh, w, h)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("samples = %v, want %v", got, want)
	}
}

func TestWriteGray8TIFFSizeMismatch(t *testing.T) {
	err := WriteGray8TIFF(&bytes.Buffer{}, 3, 3, make([]uint8, 8))
	if !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("WriteGray8TIFF() error = %v, want ErrSizeMismatch", err)
	}
}

func TestToGray(t *testing.T) {
	rgba := image.NewRGBA(image.Rect(2, 3, 6, 5))
	rgba.Set(3, 4, color.RGBA{R: 200, G: 200, B: 200, A: 255})

	g := ToGray(rgba)
	if g.Rect != image.Rect(0, 0, 4, 2) {
		t.Fatalf("Rect = %v, want (0,0)-(4,2)", g.Rect)
	}
	if got := g.GrayAt(1, 1).Y; got != 200 {
		t.Errorf("GrayAt(1, 1) = %d, want 200", got)
	}

	packed := image.NewGray(image.Rect(0, 0, 3, 3))
	if ToGray(packed) != packed {
		t.Error("ToGray() copied an already packed grey image")
	}
}

func TestLoadGray(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 3, 2))
	src.SetGray(2, 1, color.Gray{Y: 77})

	path := filepath.Join(t.TempDir(), "in.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := png.Encode(f, src); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	_ = f.Close()

	g, err := LoadGray(path)
	if err != nil {
		t.Fatalf("LoadGray() error = %v", err)
	}
	if got := g.GrayAt(2, 1).Y; got != 77 {
		t.Errorf("GrayAt(2, 1) = %d, want 77", got)
	}
}

func TestSaveLoadGray8TIFF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plane.tiff")
	want := []uint8{0, 128, 255, 1}
	if err := SaveGray8TIFF(path, 2, 2, want); err != nil {
		t.Fatalf("SaveGray8TIFF() error = %v", err)
	}
	_, _, got, err := LoadGray8TIFF(path)
	if err != nil {
		t.Fatalf("LoadGray8TIFF() error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("samples = %v, want %v", got, want)
	}
}
