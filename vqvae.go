// Package vqvae implements the discrete-latent bottleneck of a
// Vector-Quantized Variational Autoencoder and the pipeline around it.
//
// Continuous feature grids are mapped onto a learned finite codebook by the
// quantizer package, reconstructed through an external decoder, and modeled
// discretely by an autoregressive prior over the index grid. The Model in
// this package is the orchestrator: it threads features through projection,
// quantization and decoding on the reconstruction path, and reconstitutes
// quantized grids from prior-supplied indices on the generation and
// interpolation paths.
//
// # Quick Start
//
//	m, err := vqvae.New(vqvae.DefaultConfig(),
//	    vqvae.WithDecoder(myDecoder),
//	    vqvae.WithPrior(myPrior),
//	)
//	if err != nil {
//	    panic(err)
//	}
//
//	m.Train(true)
//	res, err := m.Forward(features)   // res.Reconstruction, res.QuantLoss
//
//	m.SetFitPrior(true)
//	res, err = m.Forward(features)    // res.PriorLoss in bits per symbol
//
//	out, err := m.Sample()            // prior -> codebook gather -> decode
//	mix, err := m.Interpolate(x, y)   // blended codes, denoised by the prior
//
// The codebook and its EMA accumulators are owned exclusively by the
// quantizer; the Model reaches them only through Quantize and Gather. Use
// the checkpoint package to persist them.
package vqvae

import (
	"context"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/joejenb/VQVAE/prior"
	"github.com/joejenb/VQVAE/quantizer"
	"github.com/joejenb/VQVAE/tensor"
)

// deadCodeThreshold is the smoothed-cluster-size floor below which an entry
// counts as dead for the health metric.
const deadCodeThreshold = 1e-3

// Encoder extracts a continuous feature grid from raw input.
// It is an external collaborator: the model composes it but does not
// prescribe its architecture.
type Encoder interface {
	Encode(x *tensor.Grid) (*tensor.Grid, error)
}

// Decoder reconstructs output from a quantized grid. It must accept exactly
// the grid layout the quantizer emits (row-major, depth innermost).
type Decoder interface {
	Decode(quantized *tensor.Grid) (*tensor.Grid, error)
}

// PassthroughEncoder returns its input unchanged. It suits callers whose
// features are precomputed and already spatially arranged.
type PassthroughEncoder struct{}

// Encode implements Encoder.
func (PassthroughEncoder) Encode(x *tensor.Grid) (*tensor.Grid, error) { return x, nil }

// PassthroughDecoder returns the quantized grid unchanged.
type PassthroughDecoder struct{}

// Decode implements Decoder.
func (PassthroughDecoder) Decode(q *tensor.Grid) (*tensor.Grid, error) { return q, nil }

// ForwardResult holds the outputs of one forward pass.
type ForwardResult struct {
	// Reconstruction is the decoder's output.
	Reconstruction *tensor.Grid

	// QuantLoss is the commitment loss of the quantization step.
	QuantLoss float32

	// PriorLoss is the prior's mean cross-entropy over the observed index
	// grid in bits per symbol. It is exactly zero when prior fitting is
	// disabled; the zero is a genuine term of the combined loss, not an
	// absent value.
	PriorLoss float32

	// Perplexity is the batch's codebook usage perplexity.
	Perplexity float32

	// Indices is the discrete latent representation of the input.
	Indices *tensor.IndexGrid

	// latent and quant are retained for Backward.
	features *tensor.Grid
	latent   *tensor.Grid
	quant    *quantizer.Result
}

// Model composes Encoder, projection, Quantizer, Decoder and Prior.
//
// Mode flags: Train gates the quantizer's EMA update; SetFitPrior switches
// the forward pass between reconstruction fitting and prior fitting. The
// two signals are decoupled: when fitting the prior, the index grid is a
// detached observation and no gradient flows toward the reconstruction
// path.
type Model struct {
	cfg Config

	encoder    Encoder
	decoder    Decoder
	prior      prior.Prior
	projection *Projection
	quantizer  *quantizer.EMAQuantizer

	training atomic.Bool
	fitPrior atomic.Bool

	rng     *rand.Rand
	logger  *Logger
	metrics MetricsCollector
}

// New creates a Model from cfg. Collaborators default to pass-through
// encoder/decoder and a positionwise categorical prior; override them with
// options.
func New(cfg Config, opts ...Option) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Model{
		cfg:     cfg,
		encoder: PassthroughEncoder{},
		decoder: PassthroughDecoder{},
		rng:     rand.New(rand.NewSource(1)), // nolint gosec
		logger:  NoopLogger(),
		metrics: NoopMetricsCollector{},
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.prior == nil {
		m.prior = prior.NewCategorical(cfg.RepresentationDim, cfg.RepresentationDim, cfg.NumEmbeddings,
			prior.WithRandSource(rand.NewSource(m.rng.Int63())))
	}

	q, err := quantizer.New(cfg.NumEmbeddings, cfg.EmbeddingDim,
		quantizer.WithCommitmentCost(cfg.CommitmentCost),
		quantizer.WithDecay(cfg.Decay),
		quantizer.WithEpsilon(cfg.Epsilon),
		quantizer.WithRandSource(rand.NewSource(m.rng.Int63())),
	)
	if err != nil {
		return nil, err
	}
	m.quantizer = q
	m.projection = NewProjection(cfg.NumFilters, cfg.EmbeddingDim, m.rng)

	m.logger = m.logger.WithCodebook(cfg.NumEmbeddings, cfg.EmbeddingDim)

	return m, nil
}

// Config returns the model configuration.
func (m *Model) Config() Config { return m.cfg }

// Quantizer returns the model's quantizer, e.g. for checkpointing.
func (m *Model) Quantizer() *quantizer.EMAQuantizer { return m.quantizer }

// Projection returns the pre-quantization projection layer.
func (m *Model) Projection() *Projection { return m.projection }

// Train toggles training mode: EMA codebook updates happen only while
// training.
func (m *Model) Train(on bool) { m.training.Store(on) }

// Training reports whether the model is in training mode.
func (m *Model) Training() bool { return m.training.Load() }

// SetFitPrior toggles prior fitting on the forward pass.
func (m *Model) SetFitPrior(on bool) { m.fitPrior.Store(on) }

// FitPrior reports whether prior fitting is enabled.
func (m *Model) FitPrior() bool { return m.fitPrior.Load() }

// Forward runs the reconstruction path: encode, project, quantize, decode.
//
// With prior fitting enabled it additionally scores the observed index grid
// under the prior and reports the mean cross-entropy in bits per symbol.
// The index grid handed to the prior is detached: prior fitting and
// reconstruction fitting are separate optimization signals.
func (m *Model) Forward(x *tensor.Grid) (*ForwardResult, error) {
	start := time.Now()
	res, err := m.forward(x)
	m.metrics.RecordForward(time.Since(start), err)
	if err != nil {
		m.logger.LogForward(context.Background(), 0, 0, 0, err)
		return nil, err
	}

	m.logger.LogForward(context.Background(), res.QuantLoss, res.PriorLoss, res.Perplexity, nil)
	return res, nil
}

func (m *Model) forward(x *tensor.Grid) (*ForwardResult, error) {
	features, err := m.encoder.Encode(x)
	if err != nil {
		return nil, err
	}

	latent, err := m.projection.Forward(features)
	if err != nil {
		return nil, err
	}

	training := m.training.Load()
	quant, err := m.quantizer.Quantize(latent, training)
	if err != nil {
		return nil, translateError(err)
	}

	if training {
		dead := m.quantizer.DeadCodes(deadCodeThreshold)
		m.metrics.RecordCodebookHealth(dead, quant.Perplexity)
		m.logger.LogCodebookHealth(context.Background(), dead, quant.Perplexity)
	}

	res := &ForwardResult{
		QuantLoss:  quant.CommitmentLoss,
		Perplexity: quant.Perplexity,
		Indices:    quant.Indices,
		features:   features,
		latent:     latent,
		quant:      quant,
	}

	if m.fitPrior.Load() {
		// The prior observes a detached copy of the indices; nothing it
		// does can reach the reconstruction path.
		logits, err := m.prior.Predict(quant.Indices.Clone())
		if err != nil {
			return nil, err
		}
		nats, err := logits.CrossEntropy(quant.Indices)
		if err != nil {
			return nil, err
		}
		res.PriorLoss = nats * float32(math.Log2E)
	}

	reconstruction, err := m.decoder.Decode(quant.Quantized)
	if err != nil {
		return nil, err
	}
	res.Reconstruction = reconstruction

	return res, nil
}

// Reconstruct is an alias for Forward.
func (m *Model) Reconstruct(x *tensor.Grid) (*ForwardResult, error) {
	return m.Forward(x)
}

// Backward routes gradients of a previous Forward call back through the
// quantization bottleneck into the projection layer: the gradient sitting
// on the quantized grid passes through the assignment unchanged
// (straight-through), the commitment-loss gradient is added on the latent
// side, and the projection accumulates its weight gradients, leaving the
// encoder's gradient on the feature grid.
func (m *Model) Backward(res *ForwardResult) error {
	if res.latent == nil || res.quant == nil {
		return nil
	}

	if err := m.quantizer.BackwardStraightThrough(res.latent, res.quant); err != nil {
		return translateError(err)
	}
	if err := m.quantizer.AccumulateCommitmentGrad(res.latent, res.quant); err != nil {
		return translateError(err)
	}

	return m.projection.Backward(res.features, res.latent)
}

// Sample draws an index grid from the prior, gathers the corresponding
// codebook vectors and decodes them. The encoder is never involved.
func (m *Model) Sample() (*tensor.Grid, error) {
	start := time.Now()
	out, err := m.sample()
	m.metrics.RecordSample(time.Since(start), err)
	m.logger.LogSample(context.Background(), err)
	return out, err
}

func (m *Model) sample() (*tensor.Grid, error) {
	if m.prior == nil {
		return nil, ErrNoPrior
	}

	indices, err := m.prior.Sample()
	if err != nil {
		return nil, err
	}

	quantized, err := m.quantizer.Gather(indices)
	if err != nil {
		return nil, translateError(err)
	}

	return m.decoder.Decode(quantized)
}

// Interpolate blends two inputs in latent space: their projected encodings
// are averaged, quantized without updating the codebook, denoised by the
// prior, and decoded.
//
// The inputs must have identical shapes; a mismatch is an error, never a
// silent pass-through.
func (m *Model) Interpolate(x, y *tensor.Grid) (*tensor.Grid, error) {
	start := time.Now()
	out, err := m.interpolate(x, y)
	m.metrics.RecordInterpolate(time.Since(start), err)
	m.logger.LogInterpolate(context.Background(), err)
	return out, err
}

func (m *Model) interpolate(x, y *tensor.Grid) (*tensor.Grid, error) {
	if !x.Shape().Equal(y.Shape()) {
		return nil, &ErrShapeMismatch{Want: x.Shape().String(), Got: y.Shape().String()}
	}

	zx, err := m.encoder.Encode(x)
	if err != nil {
		return nil, err
	}
	zx, err = m.projection.Forward(zx)
	if err != nil {
		return nil, err
	}

	zy, err := m.encoder.Encode(y)
	if err != nil {
		return nil, err
	}
	zy, err = m.projection.Forward(zy)
	if err != nil {
		return nil, err
	}

	blended, err := tensor.Mean2(zx, zy)
	if err != nil {
		return nil, err
	}

	quant, err := m.quantizer.Quantize(blended, false)
	if err != nil {
		return nil, translateError(err)
	}

	denoised, err := m.prior.Reconstruct(quant.Indices)
	if err != nil {
		return nil, err
	}

	quantized, err := m.quantizer.Gather(denoised)
	if err != nil {
		return nil, translateError(err)
	}

	return m.decoder.Decode(quantized)
}
