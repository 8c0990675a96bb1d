package scalespace

import (
	"errors"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/scalespace/device"
	"github.com/gogpu/scalespace/gauss"
)

// ErrInvalidConfig is returned when a Config cannot describe an octave.
var ErrInvalidConfig = errors.New("scalespace: invalid config")

// SigmaFunc returns the absolute blur of level relative to the reference
// plane of an octave. It must be a pure function of its arguments. A
// result <= 0 means the level equals the reference.
type SigmaFunc func(level int, cfg Config) float64

// Config holds the pyramid parameters an octave is built with. The octave
// reads a Config and never modifies it.
type Config struct {
	// Levels is the number of blurred planes per octave.
	Levels int

	// GaussGroup is the number of levels one batched dispatch computes
	// together. 1 selects the per-level Horiz/Vert sequence.
	GaussGroup int

	// Format is the sample format of the data and scratch stacks:
	// TextureFormatR32Float or TextureFormatR8Unorm. The difference stack
	// is always R32Float.
	Format gputypes.TextureFormat

	// MaxSpan caps the half width of every level filter.
	MaxSpan int

	// Sigma supplies the absolute blur of each level.
	Sigma SigmaFunc
}

// DefaultConfig returns a config for six float levels processed one at a
// time. Sigma is left unset; the caller provides it, for example with
// SIFTSigma.
func DefaultConfig() Config {
	return Config{
		Levels:     6,
		GaussGroup: 1,
		Format:     gputypes.TextureFormatR32Float,
		MaxSpan:    gauss.DefaultMaxSpan,
	}
}

// Validate reports whether the config describes a buildable octave.
func (c Config) Validate() error {
	if c.Levels < 1 {
		return fmt.Errorf("%w: %d levels", ErrInvalidConfig, c.Levels)
	}
	if c.GaussGroup < 1 {
		return fmt.Errorf("%w: gauss group %d", ErrInvalidConfig, c.GaussGroup)
	}
	if _, err := device.BytesPerSample(c.Format); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.MaxSpan < 0 {
		return fmt.Errorf("%w: max span %d", ErrInvalidConfig, c.MaxSpan)
	}
	if c.Sigma == nil {
		return fmt.Errorf("%w: no sigma function", ErrInvalidConfig)
	}
	return nil
}

// table builds the level filters of c.
func (c Config) table() (*gauss.Table, error) {
	return gauss.NewTable(c.Levels, c.MaxSpan, func(level int) float64 {
		return c.Sigma(level, c)
	})
}

// SIFTSigma returns the conventional absolute ladder for an octave whose
// reference plane already carries blur sigma0: level l reaches
// sigma0 * 2^(l/scales), so the filter applied to the reference has
// sigma sqrt((sigma0 * 2^(l/scales))^2 - sigma0^2). Level 0 is the identity.
func SIFTSigma(sigma0 float64, scales int) SigmaFunc {
	k := math.Pow(2, 1/float64(scales))
	return func(level int, _ Config) float64 {
		s := sigma0 * math.Pow(k, float64(level))
		return math.Sqrt(max(s*s-sigma0*sigma0, 0))
	}
}
