package device

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"
)

// BytesPerSample returns the storage size of one sample of format f.
//
// Supported formats are single-channel: 32-bit float and 8-bit normalized
// unsigned integer.
func BytesPerSample(f gputypes.TextureFormat) (int, error) {
	switch f {
	case gputypes.TextureFormatR32Float:
		return 4, nil
	case gputypes.TextureFormatR8Unorm:
		return 1, nil
	default:
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedFormat, f)
	}
}

// IsFloatFormat reports whether samples of format f are stored as floats.
func IsFloatFormat(f gputypes.TextureFormat) bool {
	return f == gputypes.TextureFormatR32Float
}

// EncodeUnorm8 converts a normalized value to its 8-bit storage code,
// rounding to nearest and clamping to [0, 1]. NaN encodes as 0.
func EncodeUnorm8(v float32) uint8 {
	if !(v > 0) {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(float32(v*255) + 0.5)
}

// DecodeUnorm8 converts an 8-bit storage code to its normalized value.
func DecodeUnorm8(b uint8) float32 {
	return float32(b) / 255
}

// Quantize returns the value a texture of format f reads back after v has
// been written through a surface. This is the single rounding step of a
// kernel pass.
func Quantize(f gputypes.TextureFormat, v float32) float32 {
	if f == gputypes.TextureFormatR8Unorm {
		return DecodeUnorm8(EncodeUnorm8(v))
	}
	return v
}

// EncodeSamples packs samples into dst using the storage layout of format f.
// dst must hold len(samples)*BytesPerSample(f) bytes.
func EncodeSamples(f gputypes.TextureFormat, samples []float32, dst []byte) error {
	bps, err := BytesPerSample(f)
	if err != nil {
		return err
	}
	if len(dst) < len(samples)*bps {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrOutOfRange, len(samples)*bps, len(dst))
	}
	switch f {
	case gputypes.TextureFormatR32Float:
		for i, v := range samples {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
		}
	case gputypes.TextureFormatR8Unorm:
		for i, v := range samples {
			dst[i] = EncodeUnorm8(v)
		}
	}
	return nil
}

// DecodeSamples unpacks n samples of format f from src.
func DecodeSamples(f gputypes.TextureFormat, src []byte, n int) ([]float32, error) {
	bps, err := BytesPerSample(f)
	if err != nil {
		return nil, err
	}
	if len(src) < n*bps {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrOutOfRange, n*bps, len(src))
	}
	out := make([]float32, n)
	switch f {
	case gputypes.TextureFormatR32Float:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		}
	case gputypes.TextureFormatR8Unorm:
		for i := range out {
			out[i] = DecodeUnorm8(src[i])
		}
	}
	return out, nil
}
