// Package prior defines the autoregressive prior capability over discrete
// index grids: unconditional sampling, denoising and per-location predictive
// scoring. The VQ-VAE orchestrator consumes priors only through the Prior
// interface; it never inspects concrete types.
package prior

import (
	"errors"
	"fmt"
	"math"

	"github.com/joejenb/VQVAE/tensor"
)

// Prior generates and regularizes discrete index grids.
type Prior interface {
	// Sample draws an unconditional index grid.
	Sample() (*tensor.IndexGrid, error)

	// Reconstruct denoises an index grid, returning a revised grid of the
	// same shape.
	Reconstruct(indices *tensor.IndexGrid) (*tensor.IndexGrid, error)

	// Predict returns the per-location predictive distribution over the
	// codebook, used to score an observed grid.
	Predict(indices *tensor.IndexGrid) (*Logits, error)
}

var (
	// ErrShapeMismatch is returned when an index grid does not match the
	// prior's configured spatial shape.
	ErrShapeMismatch = errors.New("prior: index grid shape mismatch")

	// ErrNotFitted is returned by operations that require observed data
	// before any grid has been fitted.
	ErrNotFitted = errors.New("prior: not fitted")
)

// Logits holds per-location unnormalized scores over K codebook entries,
// flattened row-major with the K axis innermost.
type Logits struct {
	H, W, K int
	Scores  []float32
}

// NewLogits allocates a zero-valued score grid.
func NewLogits(h, w, k int) *Logits {
	return &Logits{
		H:      h,
		W:      w,
		K:      k,
		Scores: make([]float32, h*w*k),
	}
}

// At returns the K scores at flat location loc, aliasing internal storage.
func (l *Logits) At(loc int) []float32 {
	off := loc * l.K
	return l.Scores[off : off+l.K]
}

// CrossEntropy returns the mean negative log-likelihood (in nats per
// location) of the target indices under the log-softmax of the scores.
func (l *Logits) CrossEntropy(target *tensor.IndexGrid) (float32, error) {
	if target.H != l.H || target.W != l.W {
		return 0, fmt.Errorf("%w: logits %dx%d vs target %dx%d", ErrShapeMismatch, l.H, l.W, target.H, target.W)
	}

	var total float64
	locations := l.H * l.W
	for loc := 0; loc < locations; loc++ {
		scores := l.At(loc)
		k := target.Indices[loc]
		if k < 0 || int(k) >= l.K {
			return 0, fmt.Errorf("prior: target index %d out of range [0, %d)", k, l.K)
		}

		// log-sum-exp with max subtraction for stability.
		maxScore := scores[0]
		for _, s := range scores[1:] {
			if s > maxScore {
				maxScore = s
			}
		}
		var sumExp float64
		for _, s := range scores {
			sumExp += math.Exp(float64(s - maxScore))
		}
		logProb := float64(scores[k]-maxScore) - math.Log(sumExp)
		total -= logProb
	}

	return float32(total / float64(locations)), nil
}
