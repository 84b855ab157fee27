package prior

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/joejenb/VQVAE/tensor"
)

// Option configures a Categorical prior.
type Option func(*Categorical)

// WithRandSource sets the random source used by Sample.
func WithRandSource(src rand.Source) Option {
	return func(c *Categorical) { c.rng = rand.New(src) }
}

// WithAlpha sets the Laplace smoothing constant applied to observed counts.
func WithAlpha(alpha float64) Option {
	return func(c *Categorical) { c.alpha = alpha }
}

// Categorical is a counting prior: it models every grid location as an
// independent categorical distribution over the K codebook entries,
// estimated from observed index grids with Laplace smoothing.
//
// It is deliberately simple - enough structure to exercise every
// orchestrator path (sampling, denoising, likelihood scoring)
// deterministically under a fixed seed. Richer autoregressive priors plug
// in behind the same Prior interface.
type Categorical struct {
	h, w, k int
	alpha   float64
	rng     *rand.Rand

	counts []float64 // H*W*K observed assignment counts
	seen   int       // number of fitted grids
}

var _ Prior = (*Categorical)(nil)

// NewCategorical creates an unfitted categorical prior over h×w grids of
// indices in [0, k).
func NewCategorical(h, w, k int, opts ...Option) *Categorical {
	c := &Categorical{
		h:      h,
		w:      w,
		k:      k,
		alpha:  1,
		rng:    rand.New(rand.NewSource(1)), // nolint gosec
		counts: make([]float64, h*w*k),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Categorical) checkShape(indices *tensor.IndexGrid) error {
	if indices.H != c.h || indices.W != c.w {
		return fmt.Errorf("%w: expected %dx%d, got %dx%d", ErrShapeMismatch, c.h, c.w, indices.H, indices.W)
	}
	return nil
}

// Fit accumulates the observed index grids into the per-location counts.
func (c *Categorical) Fit(grids ...*tensor.IndexGrid) error {
	for _, g := range grids {
		if err := c.checkShape(g); err != nil {
			return err
		}
		for loc, k := range g.Indices {
			if k < 0 || int(k) >= c.k {
				return fmt.Errorf("prior: observed index %d out of range [0, %d)", k, c.k)
			}
			c.counts[loc*c.k+int(k)]++
		}
		c.seen++
	}
	return nil
}

// probs returns the smoothed categorical distribution at loc.
func (c *Categorical) probs(loc int) []float64 {
	row := c.counts[loc*c.k : (loc+1)*c.k]
	out := make([]float64, c.k)

	var total float64
	for _, n := range row {
		total += n
	}
	denom := total + c.alpha*float64(c.k)
	for i, n := range row {
		out[i] = (n + c.alpha) / denom
	}

	return out
}

// Sample draws an index grid location by location from the smoothed
// per-location distributions. An unfitted prior samples uniformly.
func (c *Categorical) Sample() (*tensor.IndexGrid, error) {
	out := tensor.NewIndexGrid(c.h, c.w)
	for loc := 0; loc < c.h*c.w; loc++ {
		p := c.probs(loc)
		target := c.rng.Float64()
		var cum float64
		chosen := c.k - 1
		for i, pi := range p {
			cum += pi
			if target < cum {
				chosen = i
				break
			}
		}
		out.Indices[loc] = int32(chosen)
	}
	return out, nil
}

// Reconstruct denoises a grid: any location whose index has never been
// observed there is replaced by that location's most frequent entry.
// Observed indices pass through unchanged, so a grid drawn from the fitted
// distribution is a fixed point.
func (c *Categorical) Reconstruct(indices *tensor.IndexGrid) (*tensor.IndexGrid, error) {
	if err := c.checkShape(indices); err != nil {
		return nil, err
	}
	if c.seen == 0 {
		return nil, ErrNotFitted
	}

	out := indices.Clone()
	for loc, k := range indices.Indices {
		if k < 0 || int(k) >= c.k {
			return nil, fmt.Errorf("prior: index %d out of range [0, %d)", k, c.k)
		}
		row := c.counts[loc*c.k : (loc+1)*c.k]
		if row[k] > 0 {
			continue
		}

		mode := 0
		for i, n := range row {
			if n > row[mode] {
				mode = i
			}
		}
		out.Indices[loc] = int32(mode)
	}
	return out, nil
}

// Predict returns per-location log-frequency scores. The input grid only
// fixes the expected shape; the categorical model conditions on position,
// not on neighboring indices.
func (c *Categorical) Predict(indices *tensor.IndexGrid) (*Logits, error) {
	if err := c.checkShape(indices); err != nil {
		return nil, err
	}

	out := NewLogits(c.h, c.w, c.k)
	for loc := 0; loc < c.h*c.w; loc++ {
		scores := out.At(loc)
		for i, p := range c.probs(loc) {
			scores[i] = float32(math.Log(p))
		}
	}
	return out, nil
}
