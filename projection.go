package vqvae

import (
	"math"
	"math/rand"

	"github.com/joejenb/VQVAE/internal/math32"
	"github.com/joejenb/VQVAE/tensor"
)

// Projection is the per-location linear map between the encoder's channel
// count and the codebook's embedding dimension (the 1x1 convolution sitting
// in front of the quantizer). Weights are trained by gradient descent, so
// the layer carries explicit gradient accumulators.
type Projection struct {
	inDim  int
	outDim int

	weight []float32 // outDim*inDim, row-major
	bias   []float32 // outDim
	gradW  []float32
	gradB  []float32
}

// NewProjection creates a projection with weights drawn from a normal
// distribution scaled by 1/sqrt(inDim).
func NewProjection(inDim, outDim int, rng *rand.Rand) *Projection {
	p := &Projection{
		inDim:  inDim,
		outDim: outDim,
		weight: make([]float32, outDim*inDim),
		bias:   make([]float32, outDim),
		gradW:  make([]float32, outDim*inDim),
		gradB:  make([]float32, outDim),
	}

	scale := 1 / math.Sqrt(float64(inDim))
	for i := range p.weight {
		p.weight[i] = float32(rng.NormFloat64() * scale)
	}

	return p
}

// Forward maps every location's inDim-vector to an outDim-vector.
func (p *Projection) Forward(g *tensor.Grid) (*tensor.Grid, error) {
	if g.D != p.inDim {
		return nil, &ErrShapeMismatch{
			Want: (tensor.Shape{H: g.H, W: g.W, D: p.inDim}).String(),
			Got:  g.Shape().String(),
		}
	}

	out := tensor.NewGrid(g.H, g.W, p.outDim)
	for loc := 0; loc < g.Shape().Locations(); loc++ {
		in := g.Vector(loc)
		o := out.Vector(loc)
		for r := 0; r < p.outDim; r++ {
			o[r] = math32.Dot(p.weight[r*p.inDim:(r+1)*p.inDim], in) + p.bias[r]
		}
	}

	return out, nil
}

// Backward accumulates weight and bias gradients from the gradient sitting
// on output, and routes the input gradient into input.Grad. input and
// output must be the pair a previous Forward call produced.
func (p *Projection) Backward(input, output *tensor.Grid) error {
	if input.D != p.inDim {
		return &ErrShapeMismatch{
			Want: (tensor.Shape{H: input.H, W: input.W, D: p.inDim}).String(),
			Got:  input.Shape().String(),
		}
	}
	if output.D != p.outDim {
		return &ErrShapeMismatch{
			Want: (tensor.Shape{H: output.H, W: output.W, D: p.outDim}).String(),
			Got:  output.Shape().String(),
		}
	}

	for loc := 0; loc < input.Shape().Locations(); loc++ {
		in := input.Vector(loc)
		inGrad := input.GradVector(loc)
		outGrad := output.GradVector(loc)
		for r := 0; r < p.outDim; r++ {
			g := outGrad[r]
			if g == 0 {
				continue
			}
			p.gradB[r] += g
			row := p.weight[r*p.inDim : (r+1)*p.inDim]
			gradRow := p.gradW[r*p.inDim : (r+1)*p.inDim]
			math32.AxpyInPlace(gradRow, g, in)
			math32.AxpyInPlace(inGrad, g, row)
		}
	}

	return nil
}

// Step applies accumulated gradients with the given learning rate and
// clears them.
func (p *Projection) Step(lr float32) {
	math32.AxpyInPlace(p.weight, -lr, p.gradW)
	math32.AxpyInPlace(p.bias, -lr, p.gradB)
	p.ZeroGrad()
}

// ZeroGrad clears the accumulated gradients.
func (p *Projection) ZeroGrad() {
	clear(p.gradW)
	clear(p.gradB)
}
