// Package tensor provides the grid types flowing through the VQ-VAE core:
// continuous feature grids with explicit gradient storage, and the discrete
// index grids produced by quantization.
//
// Grids are stored flat (row-major, depth innermost) so the quantizer can
// hand out contiguous per-location vectors without copying. Gradients live
// in a parallel buffer rather than inside a framework graph; backward rules
// (such as straight-through routing) write into it explicitly.
package tensor

import "fmt"

// Shape describes the dimensions of a grid.
type Shape struct {
	H, W, D int
}

// String returns a string representation of the Shape.
func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.H, s.W, s.D)
}

// Locations returns the number of spatial locations (H*W).
func (s Shape) Locations() int {
	return s.H * s.W
}

// Size returns the total number of scalar elements (H*W*D).
func (s Shape) Size() int {
	return s.H * s.W * s.D
}

// Equal reports whether two shapes match in every dimension.
func (s Shape) Equal(o Shape) bool {
	return s == o
}

// Grid is a H×W×D float32 feature grid with a parallel gradient buffer.
//
// Data and Grad are flat, row-major with depth innermost:
// element (h, w, d) lives at index (h*W+w)*D + d.
type Grid struct {
	H, W, D int
	Data    []float32
	Grad    []float32
}

// NewGrid allocates a zero-valued grid with a zero gradient buffer.
func NewGrid(h, w, d int) *Grid {
	return &Grid{
		H:    h,
		W:    w,
		D:    d,
		Data: make([]float32, h*w*d),
		Grad: make([]float32, h*w*d),
	}
}

// NewGridFrom wraps existing data in a grid. The slice length must be h*w*d.
func NewGridFrom(h, w, d int, data []float32) (*Grid, error) {
	if len(data) != h*w*d {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %dx%dx%d", len(data), h, w, d)
	}
	return &Grid{
		H:    h,
		W:    w,
		D:    d,
		Data: data,
		Grad: make([]float32, h*w*d),
	}, nil
}

// Shape returns the grid's shape.
func (g *Grid) Shape() Shape {
	return Shape{H: g.H, W: g.W, D: g.D}
}

// At returns the D-vector at spatial location (h, w).
// The returned slice aliases the grid's storage.
func (g *Grid) At(h, w int) []float32 {
	off := (h*g.W + w) * g.D
	return g.Data[off : off+g.D]
}

// GradAt returns the gradient D-vector at spatial location (h, w).
// The returned slice aliases the grid's gradient storage.
func (g *Grid) GradAt(h, w int) []float32 {
	off := (h*g.W + w) * g.D
	return g.Grad[off : off+g.D]
}

// Vector returns the D-vector at flat location index loc (loc = h*W+w).
func (g *Grid) Vector(loc int) []float32 {
	off := loc * g.D
	return g.Data[off : off+g.D]
}

// GradVector returns the gradient D-vector at flat location index loc.
func (g *Grid) GradVector(loc int) []float32 {
	off := loc * g.D
	return g.Grad[off : off+g.D]
}

// Clone returns a deep copy of the grid, including gradients.
func (g *Grid) Clone() *Grid {
	c := &Grid{
		H:    g.H,
		W:    g.W,
		D:    g.D,
		Data: make([]float32, len(g.Data)),
		Grad: make([]float32, len(g.Grad)),
	}
	copy(c.Data, g.Data)
	copy(c.Grad, g.Grad)
	return c
}

// ZeroGrad resets the gradient buffer to zero.
func (g *Grid) ZeroGrad() {
	clear(g.Grad)
}

// Mean2 returns the elementwise average of two grids of identical shape.
// The result has a fresh zero gradient buffer.
func Mean2(a, b *Grid) (*Grid, error) {
	if !a.Shape().Equal(b.Shape()) {
		return nil, fmt.Errorf("tensor: shape mismatch %s vs %s", a.Shape(), b.Shape())
	}
	out := NewGrid(a.H, a.W, a.D)
	for i := range a.Data {
		out.Data[i] = (a.Data[i] + b.Data[i]) / 2
	}
	return out, nil
}

// IndexGrid is a H×W grid of codebook assignments.
type IndexGrid struct {
	H, W    int
	Indices []int32
}

// NewIndexGrid allocates a zero-valued index grid.
func NewIndexGrid(h, w int) *IndexGrid {
	return &IndexGrid{
		H:       h,
		W:       w,
		Indices: make([]int32, h*w),
	}
}

// At returns the index at spatial location (h, w).
func (ig *IndexGrid) At(h, w int) int32 {
	return ig.Indices[h*ig.W+w]
}

// Set assigns the index at spatial location (h, w).
func (ig *IndexGrid) Set(h, w int, idx int32) {
	ig.Indices[h*ig.W+w] = idx
}

// Locations returns the number of spatial locations (H*W).
func (ig *IndexGrid) Locations() int {
	return ig.H * ig.W
}

// Clone returns a deep copy of the index grid.
func (ig *IndexGrid) Clone() *IndexGrid {
	c := NewIndexGrid(ig.H, ig.W)
	copy(c.Indices, ig.Indices)
	return c
}
