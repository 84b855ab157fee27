// Package quantizer implements the discrete-latent bottleneck of the VQ-VAE:
// nearest-codebook assignment over a feature grid, exponential-moving-average
// codebook maintenance, commitment-loss computation, and the straight-through
// gradient routing that makes the non-differentiable assignment trainable.
//
// The codebook and its EMA accumulators are the only mutable state. They are
// owned exclusively by the EMAQuantizer: lookups read a stable snapshot under
// a read lock, and each training update is a single atomic transition under a
// single writer. Entries are never added or removed after construction.
//
// # Usage
//
//	q, err := quantizer.New(512, 64)
//	if err != nil { ... }
//	res, err := q.Quantize(latent, true)
//	// res.Quantized, res.Indices, res.CommitmentLoss
//
// Decoding an externally supplied index grid (e.g. from an autoregressive
// prior) goes through Gather, which validates every index against the
// codebook size.
package quantizer
