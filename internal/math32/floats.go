// Package math32 provides float32 vector kernels shared by the quantizer
// and the projection layer. This is an internal package - external users
// should go through the quantizer package.
package math32

// Dot calculates the dot product of two vectors.
func Dot(a, b []float32) float32 {
	var ret float32
	for i := range a {
		ret += a[i] * b[i]
	}

	return ret
}

// SquaredL2 calculates the squared L2 distance between two vectors.
func SquaredL2(a, b []float32) float32 {
	var distance float32
	for i := range a {
		distance += (a[i] - b[i]) * (a[i] - b[i])
	}

	return distance
}

// SquaredNorm calculates the squared L2 norm of a vector.
func SquaredNorm(a []float32) float32 {
	var norm float32
	for _, v := range a {
		norm += v * v
	}

	return norm
}

// ScaleInPlace multiplies all elements of a by scalar.
func ScaleInPlace(a []float32, scalar float32) {
	for i := range a {
		a[i] *= scalar
	}
}

// AxpyInPlace computes a[i] += alpha * x[i] for all i.
//
// Used by the EMA accumulator update and gradient accumulation.
func AxpyInPlace(a []float32, alpha float32, x []float32) {
	for i := range a {
		a[i] += alpha * x[i]
	}
}

// LerpInPlace computes a[i] = decay*a[i] + (1-decay)*x[i] for all i.
//
// This is the exponential-moving-average smoothing step: new batch
// statistics are folded into the running accumulator, never swapped in.
func LerpInPlace(a []float32, decay float32, x []float32) {
	for i := range a {
		a[i] = decay*a[i] + (1-decay)*x[i]
	}
}
