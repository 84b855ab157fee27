package quantizer

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/joejenb/VQVAE/internal/kmeans"
	"github.com/joejenb/VQVAE/internal/math32"
	"github.com/joejenb/VQVAE/tensor"
)

const (
	// DefaultCommitmentCost weights the commitment loss term.
	DefaultCommitmentCost = 0.25
	// DefaultDecay is the EMA smoothing factor for codebook statistics.
	DefaultDecay = 0.99
	// DefaultEpsilon is the Laplace smoothing constant that keeps every
	// cluster size strictly positive.
	DefaultEpsilon = 1e-5
)

// Result holds the outputs of a single Quantize call.
type Result struct {
	// Quantized is the looked-up grid: every location holds an exact copy
	// of one codebook entry.
	Quantized *tensor.Grid

	// Indices is the discrete latent representation, one codebook index
	// per spatial location.
	Indices *tensor.IndexGrid

	// CommitmentLoss is commitmentCost times the mean (over locations)
	// squared distance between the latent grid and its quantization. The
	// quantized side is a constant with respect to gradients.
	CommitmentLoss float32

	// Perplexity is exp of the entropy of the batch's codebook usage
	// distribution. K means uniform usage; 1 means a single entry took
	// every location.
	Perplexity float32
}

// Option configures an EMAQuantizer.
type Option func(*EMAQuantizer)

// WithCommitmentCost sets the commitment loss weight.
func WithCommitmentCost(cost float32) Option {
	return func(q *EMAQuantizer) { q.commitmentCost = cost }
}

// WithDecay sets the EMA decay rate.
func WithDecay(decay float32) Option {
	return func(q *EMAQuantizer) { q.decay = decay }
}

// WithEpsilon sets the Laplace smoothing constant.
func WithEpsilon(epsilon float32) Option {
	return func(q *EMAQuantizer) { q.epsilon = epsilon }
}

// WithRandSource sets the random source used for codebook initialization.
func WithRandSource(src rand.Source) Option {
	return func(q *EMAQuantizer) { q.rng = rand.New(src) }
}

// EMAQuantizer maps continuous feature grids onto a learned codebook of
// numEmbeddings entries of dimension embeddingDim, maintaining the codebook
// with exponential moving averages of batch statistics instead of gradient
// descent.
type EMAQuantizer struct {
	numEmbeddings  int // K
	embeddingDim   int // D
	commitmentCost float32
	decay          float32
	epsilon        float32
	rng            *rand.Rand

	mu          sync.RWMutex
	codebook    []float32 // K*D, flattened
	clusterSize []float32 // K, EMA of per-entry assignment counts
	emaSum      []float32 // K*D, EMA of per-entry latent sums
	norms       []float32 // K, cached squared norms of codebook entries
	usage       *roaring.Bitmap
}

// New creates an EMA quantizer with numEmbeddings entries of dimension
// embeddingDim. The codebook is initialized from a standard normal
// distribution; the EMA sum accumulator starts as a copy of the codebook so
// the first update pulls entries toward observed data rather than zero.
func New(numEmbeddings, embeddingDim int, opts ...Option) (*EMAQuantizer, error) {
	if numEmbeddings <= 0 {
		return nil, errors.New("numEmbeddings must be positive")
	}
	if embeddingDim <= 0 {
		return nil, errors.New("embeddingDim must be positive")
	}

	q := &EMAQuantizer{
		numEmbeddings:  numEmbeddings,
		embeddingDim:   embeddingDim,
		commitmentCost: DefaultCommitmentCost,
		decay:          DefaultDecay,
		epsilon:        DefaultEpsilon,
		rng:            rand.New(rand.NewSource(1)), // nolint gosec
		codebook:       make([]float32, numEmbeddings*embeddingDim),
		clusterSize:    make([]float32, numEmbeddings),
		emaSum:         make([]float32, numEmbeddings*embeddingDim),
		norms:          make([]float32, numEmbeddings),
		usage:          roaring.New(),
	}

	for _, opt := range opts {
		opt(q)
	}

	for i := range q.codebook {
		q.codebook[i] = float32(q.rng.NormFloat64())
	}
	copy(q.emaSum, q.codebook)
	q.refreshNorms()

	return q, nil
}

// NumEmbeddings returns the codebook size K.
func (q *EMAQuantizer) NumEmbeddings() int { return q.numEmbeddings }

// EmbeddingDim returns the embedding dimension D.
func (q *EMAQuantizer) EmbeddingDim() int { return q.embeddingDim }

// CommitmentCost returns the commitment loss weight.
func (q *EMAQuantizer) CommitmentCost() float32 { return q.commitmentCost }

// Entry returns a copy of codebook entry k.
func (q *EMAQuantizer) Entry(k int) ([]float32, error) {
	if k < 0 || k >= q.numEmbeddings {
		return nil, &ErrInvalidIndex{Index: k, Limit: q.numEmbeddings}
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]float32, q.embeddingDim)
	copy(out, q.entry(k))
	return out, nil
}

// entry returns the k-th codebook vector, aliasing internal storage.
// Callers must hold q.mu.
func (q *EMAQuantizer) entry(k int) []float32 {
	return q.codebook[k*q.embeddingDim : (k+1)*q.embeddingDim]
}

// SetCodebook replaces the codebook entries and re-seeds the EMA sum
// accumulator from them. Entry count and dimension must match the
// construction-time configuration.
func (q *EMAQuantizer) SetCodebook(entries [][]float32) error {
	if len(entries) != q.numEmbeddings {
		return &ErrDimensionMismatch{Expected: q.numEmbeddings, Actual: len(entries)}
	}
	for _, e := range entries {
		if len(e) != q.embeddingDim {
			return &ErrDimensionMismatch{Expected: q.embeddingDim, Actual: len(e)}
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for k, e := range entries {
		copy(q.entry(k), e)
	}
	copy(q.emaSum, q.codebook)
	clear(q.clusterSize)
	q.refreshNorms()

	return nil
}

// InitFromSamples seeds the codebook by k-means clustering the locations of
// the given latent grids, replacing the random initialization with
// data-dependent centroids. The EMA accumulators are re-seeded from the new
// table. The grids must together hold at least K locations.
func (q *EMAQuantizer) InitFromSamples(grids []*tensor.Grid, maxIter int) error {
	var flat []float32
	for _, g := range grids {
		if g.D != q.embeddingDim {
			return &ErrDimensionMismatch{Expected: q.embeddingDim, Actual: g.D}
		}
		flat = append(flat, g.Data...)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	centroids := kmeans.Train(flat, q.embeddingDim, q.numEmbeddings, maxIter, q.rng)
	if centroids == nil {
		return fmt.Errorf("quantizer: need at least %d sample locations, got %d", q.numEmbeddings, len(flat)/q.embeddingDim)
	}

	copy(q.codebook, centroids)
	copy(q.emaSum, q.codebook)
	clear(q.clusterSize)
	q.refreshNorms()

	return nil
}

// refreshNorms recomputes the cached squared norms. Callers must hold q.mu.
func (q *EMAQuantizer) refreshNorms() {
	for k := 0; k < q.numEmbeddings; k++ {
		q.norms[k] = math32.SquaredNorm(q.entry(k))
	}
}

// assign finds the nearest codebook entry for v using the expansion
// ||v||² - 2·v·c + ||c||². Ties resolve to the lowest index: the scan keeps
// the first entry and only replaces it on a strictly smaller distance.
// Callers must hold q.mu for reading.
func (q *EMAQuantizer) assign(v []float32) (int32, float32) {
	vNorm := math32.SquaredNorm(v)

	best := int32(0)
	bestDist := float32(math.MaxFloat32)
	for k := 0; k < q.numEmbeddings; k++ {
		d := vNorm - 2*math32.Dot(v, q.entry(k)) + q.norms[k]
		if d < bestDist {
			bestDist = d
			best = int32(k)
		}
	}

	return best, bestDist
}

// batchStats holds the per-entry assignment statistics of one batch.
type batchStats struct {
	counts []float32 // K
	sums   []float32 // K*D
}

func (q *EMAQuantizer) newBatchStats() *batchStats {
	return &batchStats{
		counts: make([]float32, q.numEmbeddings),
		sums:   make([]float32, q.numEmbeddings*q.embeddingDim),
	}
}

func (s *batchStats) merge(o *batchStats) {
	for k := range s.counts {
		s.counts[k] += o.counts[k]
	}
	for i := range s.sums {
		s.sums[i] += o.sums[i]
	}
}

// quantizeLocked computes assignments, the quantized grid and the commitment
// loss for one grid against the current codebook snapshot, accumulating
// batch statistics into stats when it is non-nil. Callers must hold q.mu
// for reading.
func (q *EMAQuantizer) quantizeLocked(g *tensor.Grid, stats *batchStats) (*Result, error) {
	if g.D != q.embeddingDim {
		return nil, &ErrDimensionMismatch{Expected: q.embeddingDim, Actual: g.D}
	}

	quantized := tensor.NewGrid(g.H, g.W, g.D)
	indices := tensor.NewIndexGrid(g.H, g.W)
	locations := g.Shape().Locations()

	var lossSum float32
	for loc := 0; loc < locations; loc++ {
		v := g.Vector(loc)
		k, _ := q.assign(v)
		indices.Indices[loc] = k

		entry := q.entry(int(k))
		copy(quantized.Vector(loc), entry)

		// The expansion form is used only to pick the winner; the loss
		// uses the direct difference for numerical robustness.
		lossSum += math32.SquaredL2(v, entry)

		if stats != nil {
			stats.counts[k]++
			math32.AxpyInPlace(stats.sums[int(k)*q.embeddingDim:(int(k)+1)*q.embeddingDim], 1, v)
		}
	}

	return &Result{
		Quantized:      quantized,
		Indices:        indices,
		CommitmentLoss: q.commitmentCost * lossSum / float32(locations),
		Perplexity:     perplexity(indices, q.numEmbeddings),
	}, nil
}

// perplexity computes exp(entropy) of the usage distribution of one batch.
func perplexity(indices *tensor.IndexGrid, numEmbeddings int) float32 {
	counts := make([]float64, numEmbeddings)
	for _, k := range indices.Indices {
		counts[k]++
	}

	n := float64(indices.Locations())
	var entropy float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := c / n
		entropy -= p * math.Log(p)
	}

	return float32(math.Exp(entropy))
}

// applyUpdate folds one batch's statistics into the EMA accumulators and
// rebuilds the codebook from them, as a single atomic state transition.
// Callers must NOT hold q.mu.
func (q *EMAQuantizer) applyUpdate(stats *batchStats) {
	q.mu.Lock()
	defer q.mu.Unlock()

	math32.LerpInPlace(q.clusterSize, q.decay, stats.counts)
	math32.LerpInPlace(q.emaSum, q.decay, stats.sums)

	var total float32
	for _, n := range q.clusterSize {
		total += n
	}

	// Laplace smoothing keeps every smoothed size strictly positive so the
	// division below can never produce a non-finite entry.
	denom := total + float32(q.numEmbeddings)*q.epsilon
	for k := 0; k < q.numEmbeddings; k++ {
		smoothed := (q.clusterSize[k] + q.epsilon) / denom * total
		entry := q.entry(k)
		sum := q.emaSum[k*q.embeddingDim : (k+1)*q.embeddingDim]
		for d := range entry {
			entry[d] = sum[d] / smoothed
		}
		if stats.counts[k] > 0 {
			q.usage.Add(uint32(k))
		}
	}
	q.refreshNorms()
}

// Quantize maps every location of g onto its nearest codebook entry.
//
// It returns the quantized grid (exact codebook copies), the index grid and
// the commitment loss. When training is true, the call additionally folds
// the batch's assignment statistics into the EMA accumulators and rebuilds
// the codebook; assignments are always computed against the codebook state
// from before this call's update. On error no statistics are touched.
func (q *EMAQuantizer) Quantize(g *tensor.Grid, training bool) (*Result, error) {
	var stats *batchStats
	if training {
		stats = q.newBatchStats()
	}

	q.mu.RLock()
	res, err := q.quantizeLocked(g, stats)
	q.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	if training {
		q.applyUpdate(stats)
	}

	return res, nil
}

// QuantizeBatch quantizes several grids against the same codebook snapshot,
// computing assignments concurrently. When training is true the combined
// statistics of all grids are applied as one atomic EMA transition, exactly
// as if the grids had been one batch.
func (q *EMAQuantizer) QuantizeBatch(grids []*tensor.Grid, training bool) ([]*Result, error) {
	results := make([]*Result, len(grids))
	stats := make([]*batchStats, len(grids))

	q.mu.RLock()
	var group errgroup.Group
	for i, g := range grids {
		i, g := i, g
		group.Go(func() error {
			var s *batchStats
			if training {
				s = q.newBatchStats()
				stats[i] = s
			}
			res, err := q.quantizeLocked(g, s)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	err := group.Wait()
	q.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	if training && len(grids) > 0 {
		merged := stats[0]
		for _, s := range stats[1:] {
			merged.merge(s)
		}
		q.applyUpdate(merged)
	}

	return results, nil
}

// BackwardStraightThrough routes the gradient sitting on the quantized grid
// back to the latent grid unchanged, treating the assignment as the
// identity. The commitment-loss gradient is a separate term; see
// AccumulateCommitmentGrad.
func (q *EMAQuantizer) BackwardStraightThrough(latent *tensor.Grid, res *Result) error {
	if !latent.Shape().Equal(res.Quantized.Shape()) {
		return &ErrDimensionMismatch{Expected: latent.D, Actual: res.Quantized.D}
	}

	math32.AxpyInPlace(latent.Grad, 1, res.Quantized.Grad)
	return nil
}

// AccumulateCommitmentGrad adds the commitment-loss gradient
// 2·cost·(latent−quantized)/locations into the latent grid's gradient
// buffer. The quantized side is constant, so no gradient reaches the
// codebook through this term.
func (q *EMAQuantizer) AccumulateCommitmentGrad(latent *tensor.Grid, res *Result) error {
	if !latent.Shape().Equal(res.Quantized.Shape()) {
		return &ErrDimensionMismatch{Expected: latent.D, Actual: res.Quantized.D}
	}

	scale := 2 * q.commitmentCost / float32(latent.Shape().Locations())
	for i := range latent.Grad {
		latent.Grad[i] += scale * (latent.Data[i] - res.Quantized.Data[i])
	}
	return nil
}

// Gather reconstitutes a quantized grid from an externally supplied index
// grid via direct table lookup. Every index is validated against [0, K);
// an out-of-range value aborts the call with ErrInvalidIndex before any
// output is produced.
func (q *EMAQuantizer) Gather(indices *tensor.IndexGrid) (*tensor.Grid, error) {
	for _, k := range indices.Indices {
		if k < 0 || int(k) >= q.numEmbeddings {
			return nil, &ErrInvalidIndex{Index: int(k), Limit: q.numEmbeddings}
		}
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	out := tensor.NewGrid(indices.H, indices.W, q.embeddingDim)
	for loc, k := range indices.Indices {
		copy(out.Vector(loc), q.entry(int(k)))
	}

	return out, nil
}

// Usage returns the set of codebook entries that received at least one
// assignment during a training update since the last ResetUsage.
func (q *EMAQuantizer) Usage() *roaring.Bitmap {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.usage.Clone()
}

// ResetUsage clears the usage bitmap, typically at epoch boundaries.
func (q *EMAQuantizer) ResetUsage() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.usage.Clear()
}

// DeadCodes counts entries whose smoothed cluster size sits below
// threshold. A persistently high count indicates dead codes; this is an
// observable signal, never an error.
func (q *EMAQuantizer) DeadCodes(threshold float32) int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	dead := 0
	for _, n := range q.clusterSize {
		if n < threshold {
			dead++
		}
	}

	return dead
}

// State is a deep copy of the quantizer's mutable state: the codebook and
// both EMA accumulators. The three sections form one consistent snapshot
// and must be persisted and restored together.
type State struct {
	NumEmbeddings int
	EmbeddingDim  int
	Codebook      []float32
	ClusterSize   []float32
	EMASum        []float32
}

// Snapshot returns a consistent deep copy of the mutable state.
func (q *EMAQuantizer) Snapshot() *State {
	q.mu.RLock()
	defer q.mu.RUnlock()

	s := &State{
		NumEmbeddings: q.numEmbeddings,
		EmbeddingDim:  q.embeddingDim,
		Codebook:      make([]float32, len(q.codebook)),
		ClusterSize:   make([]float32, len(q.clusterSize)),
		EMASum:        make([]float32, len(q.emaSum)),
	}
	copy(s.Codebook, q.codebook)
	copy(s.ClusterSize, q.clusterSize)
	copy(s.EMASum, q.emaSum)
	return s
}

// Restore replaces the quantizer's mutable state with a snapshot taken from
// a quantizer of identical configuration. All three sections are swapped in
// together under the write lock.
func (q *EMAQuantizer) Restore(s *State) error {
	if s.NumEmbeddings != q.numEmbeddings {
		return &ErrDimensionMismatch{Expected: q.numEmbeddings, Actual: s.NumEmbeddings}
	}
	if s.EmbeddingDim != q.embeddingDim {
		return &ErrDimensionMismatch{Expected: q.embeddingDim, Actual: s.EmbeddingDim}
	}
	if len(s.Codebook) != len(q.codebook) || len(s.ClusterSize) != len(q.clusterSize) || len(s.EMASum) != len(q.emaSum) {
		return errors.New("quantizer: snapshot section length mismatch")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	copy(q.codebook, s.Codebook)
	copy(q.clusterSize, s.ClusterSize)
	copy(q.emaSum, s.EMASum)
	q.refreshNorms()

	return nil
}
