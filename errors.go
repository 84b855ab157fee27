package vqvae

import (
	"errors"
	"fmt"

	"github.com/joejenb/VQVAE/quantizer"
)

var (
	// ErrNoPrior is returned by operations that need a prior when none is
	// configured.
	ErrNoPrior = errors.New("no prior configured")

	// ErrNoDecoder is returned by operations that need a decoder when none
	// is configured.
	ErrNoDecoder = errors.New("no decoder configured")
)

// ErrShapeMismatch indicates a tensor shape violation: a feature grid whose
// depth does not match the configured embedding path, or interpolation
// inputs of different shapes.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrShapeMismatch struct {
	Want  string
	Got   string
	cause error
}

func (e *ErrShapeMismatch) Error() string {
	return fmt.Sprintf("shape mismatch: want %s, got %s", e.Want, e.Got)
}

func (e *ErrShapeMismatch) Unwrap() error { return e.cause }

// ErrInvalidIndex indicates a prior-supplied codebook index outside [0, K).
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrInvalidIndex struct {
	Index int
	Limit int
	cause error
}

func (e *ErrInvalidIndex) Error() string {
	return fmt.Sprintf("invalid codebook index %d: must be in [0, %d)", e.Index, e.Limit)
}

func (e *ErrInvalidIndex) Unwrap() error { return e.cause }

// translateError normalizes errors from inner packages into the root
// taxonomy so callers only match against vqvae error types.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var dm *quantizer.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return &ErrShapeMismatch{
			Want:  fmt.Sprintf("embedding dimension %d", dm.Expected),
			Got:   fmt.Sprintf("%d", dm.Actual),
			cause: err,
		}
	}

	var ii *quantizer.ErrInvalidIndex
	if errors.As(err, &ii) {
		return &ErrInvalidIndex{Index: ii.Index, Limit: ii.Limit, cause: err}
	}

	return err
}
