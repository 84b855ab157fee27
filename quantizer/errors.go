package quantizer

import "fmt"

// ErrDimensionMismatch indicates a latent grid whose depth does not match
// the codebook's embedding dimension.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrInvalidIndex indicates an externally supplied codebook index outside
// [0, Limit). It signals a prior/quantizer configuration mismatch and is
// never clamped or wrapped.
type ErrInvalidIndex struct {
	Index int
	Limit int
}

func (e *ErrInvalidIndex) Error() string {
	return fmt.Sprintf("invalid codebook index %d: must be in [0, %d)", e.Index, e.Limit)
}
