package vqvae

import (
	"math/rand"

	"github.com/joejenb/VQVAE/prior"
)

// Option configures a Model at construction time.
type Option func(*Model)

// WithEncoder sets the feature extractor in front of the projection.
// The default is a pass-through encoder for callers that precompute
// features.
func WithEncoder(e Encoder) Option {
	return func(m *Model) {
		if e != nil {
			m.encoder = e
		}
	}
}

// WithDecoder sets the decoder behind the quantizer.
// The default is a pass-through decoder.
func WithDecoder(d Decoder) Option {
	return func(m *Model) {
		if d != nil {
			m.decoder = d
		}
	}
}

// WithPrior sets the autoregressive prior over the index grid.
// The default is a positionwise categorical prior.
func WithPrior(p prior.Prior) Option {
	return func(m *Model) {
		if p != nil {
			m.prior = p
		}
	}
}

// WithLogger sets the logger. The default discards all output.
func WithLogger(l *Logger) Option {
	return func(m *Model) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics sets the metrics collector. The default is a no-op.
func WithMetrics(c MetricsCollector) Option {
	return func(m *Model) {
		if c != nil {
			m.metrics = c
		}
	}
}

// WithRandSource sets the random source for codebook and projection
// initialization, for reproducible runs.
func WithRandSource(src rand.Source) Option {
	return func(m *Model) {
		m.rng = rand.New(src)
	}
}
