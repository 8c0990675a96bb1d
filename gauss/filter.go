package gauss

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// DefaultMaxSpan is the default cap on the half width of a filter.
const DefaultMaxSpan = 24

// ErrInvalidTable is returned for an empty level range or a missing sigma
// function.
var ErrInvalidTable = errors.New("gauss: invalid filter table")

// Filter is a symmetric, normalized discrete Gaussian stored as a half
// kernel. Coeffs[0] weights the centre tap and Coeffs[k] weights both taps
// at distance k, so Coeffs[0] + 2*(Coeffs[1] + ... + Coeffs[Span]) is 1.
//
// Filters returned by NewFilter are shared and must not be modified.
type Filter struct {
	Sigma  float64
	Span   int
	Coeffs []float32
}

// IsIdentity reports whether the filter passes its input through unchanged.
func (f *Filter) IsIdentity() bool {
	return f.Span == 0
}

// Taps returns the full kernel of 2*Span+1 coefficients, leftmost first.
func (f *Filter) Taps() []float32 {
	taps := make([]float32, 2*f.Span+1)
	for k := 0; k <= f.Span; k++ {
		taps[f.Span-k] = f.Coeffs[k]
		taps[f.Span+k] = f.Coeffs[k]
	}
	return taps
}

// NewFilter returns the filter for sigma with its span capped at maxSpan.
// The span covers three standard deviations. Sigma <= 0 gives the identity.
// maxSpan <= 0 uses DefaultMaxSpan.
func NewFilter(sigma float64, maxSpan int) *Filter {
	if maxSpan <= 0 {
		maxSpan = DefaultMaxSpan
	}
	return defaultFilterCache.get(sigma, maxSpan)
}

func computeFilter(sigma float64, maxSpan int) *Filter {
	if !(sigma > 0) {
		return &Filter{Sigma: 0, Span: 0, Coeffs: []float32{1}}
	}

	// Capped in float64 so a huge sigma cannot overflow the conversion.
	span := maxSpan
	if s := math.Ceil(sigma * 3); s < float64(maxSpan) {
		span = int(s)
	}
	weights := make([]float64, span+1)
	twoSigmaSq := 2 * sigma * sigma
	sum := 0.0
	for k := range weights {
		x := float64(k)
		weights[k] = math.Exp(-(x * x) / twoSigmaSq)
		if k == 0 {
			sum += weights[k]
		} else {
			sum += 2 * weights[k]
		}
	}

	coeffs := make([]float32, span+1)
	for k, w := range weights {
		coeffs[k] = float32(w / sum)
	}
	return &Filter{Sigma: sigma, Span: span, Coeffs: coeffs}
}

// filterKey identifies a filter exactly; filters for nearby sigmas are not
// interchangeable when levels must be reproducible.
type filterKey struct {
	sigmaBits uint64
	maxSpan   int
}

// filterCache caches computed filters.
type filterCache struct {
	mu     sync.RWMutex
	cache  map[filterKey]*Filter
	maxLen int
}

var defaultFilterCache = newFilterCache(64)

func newFilterCache(maxLen int) *filterCache {
	return &filterCache{
		cache:  make(map[filterKey]*Filter),
		maxLen: maxLen,
	}
}

// get retrieves a filter from the cache or computes and caches it.
func (c *filterCache) get(sigma float64, maxSpan int) *Filter {
	key := filterKey{sigmaBits: math.Float64bits(sigma), maxSpan: maxSpan}

	c.mu.RLock()
	if f, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return f
	}
	c.mu.RUnlock()

	f := computeFilter(sigma, maxSpan)

	c.mu.Lock()
	if len(c.cache) >= c.maxLen {
		// Evict half.
		count := 0
		for k := range c.cache {
			delete(c.cache, k)
			count++
			if count >= c.maxLen/2 {
				break
			}
		}
	}
	c.cache[key] = f
	c.mu.Unlock()

	return f
}

// Table holds the absolute filter of every level of an octave. The filter
// of level l blurs the reference plane directly to the scale of level l.
type Table struct {
	maxSpan int
	filters []*Filter
}

// NewTable builds the filters for levels 0..levels-1 from sigma.
func NewTable(levels, maxSpan int, sigma func(level int) float64) (*Table, error) {
	if levels < 1 {
		return nil, fmt.Errorf("%w: %d levels", ErrInvalidTable, levels)
	}
	if sigma == nil {
		return nil, fmt.Errorf("%w: no sigma function", ErrInvalidTable)
	}
	if maxSpan <= 0 {
		maxSpan = DefaultMaxSpan
	}

	t := &Table{maxSpan: maxSpan, filters: make([]*Filter, levels)}
	for l := range t.filters {
		s := sigma(l)
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return nil, fmt.Errorf("%w: sigma(%d) = %v", ErrInvalidTable, l, s)
		}
		t.filters[l] = NewFilter(s, maxSpan)
		slogger().Debug("gauss: level filter", "level", l, "sigma", s, "span", t.filters[l].Span)
	}
	return t, nil
}

// Levels returns the number of levels.
func (t *Table) Levels() int { return len(t.filters) }

// MaxSpan returns the span cap the table was built with.
func (t *Table) MaxSpan() int { return t.maxSpan }

// Filter returns the filter of level l. It panics if l is out of range.
func (t *Table) Filter(l int) *Filter { return t.filters[l] }

// accumulate applies f to the taps returned by tap, where tap(k) is the
// sample at offset k from the output position. Taps are summed outermost
// pair first and the centre last. Every product is rounded to float32 on
// its own so that no path may fuse it into the sum.
func accumulate(f *Filter, tap func(off int) float32) float32 {
	var out float32
	for off := f.Span; off > 0; off-- {
		out += float32((tap(-off) + tap(off)) * f.Coeffs[off])
	}
	out += float32(tap(0) * f.Coeffs[0])
	return out
}
