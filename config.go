package vqvae

import "fmt"

// Config is the immutable model configuration, fixed at construction.
type Config struct {
	// NumEmbeddings is the codebook size K.
	NumEmbeddings int

	// EmbeddingDim is the dimensionality D of codebook entries and of the
	// latent grid's depth axis.
	EmbeddingDim int

	// RepresentationDim is the spatial side length of the index grid
	// (H = W = RepresentationDim).
	RepresentationDim int

	// NumFilters is the channel count the encoder delivers; the projection
	// maps it to EmbeddingDim.
	NumFilters int

	// CommitmentCost weights the commitment loss term.
	CommitmentCost float32

	// Decay is the EMA smoothing factor for codebook statistics.
	Decay float32

	// Epsilon is the Laplace smoothing constant that keeps cluster sizes
	// strictly positive.
	Epsilon float32
}

// DefaultConfig returns the configuration used for 64x64 face modeling:
// a 512-entry codebook of 64-dimensional embeddings over a 17x17 grid.
func DefaultConfig() Config {
	return Config{
		NumEmbeddings:     512,
		EmbeddingDim:      64,
		RepresentationDim: 17,
		NumFilters:        64,
		CommitmentCost:    0.25,
		Decay:             0.99,
		Epsilon:           1e-5,
	}
}

// Validate checks the configuration for construction-time errors.
func (c Config) Validate() error {
	if c.NumEmbeddings <= 0 {
		return fmt.Errorf("config: NumEmbeddings must be positive, got %d", c.NumEmbeddings)
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("config: EmbeddingDim must be positive, got %d", c.EmbeddingDim)
	}
	if c.RepresentationDim <= 0 {
		return fmt.Errorf("config: RepresentationDim must be positive, got %d", c.RepresentationDim)
	}
	if c.NumFilters <= 0 {
		return fmt.Errorf("config: NumFilters must be positive, got %d", c.NumFilters)
	}
	if c.CommitmentCost < 0 {
		return fmt.Errorf("config: CommitmentCost must be non-negative, got %v", c.CommitmentCost)
	}
	if c.Decay < 0 || c.Decay >= 1 {
		return fmt.Errorf("config: Decay must be in [0, 1), got %v", c.Decay)
	}
	if c.Epsilon <= 0 {
		return fmt.Errorf("config: Epsilon must be positive, got %v", c.Epsilon)
	}
	return nil
}
