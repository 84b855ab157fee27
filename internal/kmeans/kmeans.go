// Package kmeans implements Lloyd's algorithm over flattened float32
// vectors. It is used to seed the codebook from sample latents instead of
// random noise.
package kmeans

import (
	"math"
	"math/rand"

	"github.com/joejenb/VQVAE/internal/math32"
)

// Train clusters the given vectors (flattened, n*dim) into k centroids and
// returns them flattened (k*dim). Returns nil when there are fewer vectors
// than clusters. Deterministic for a fixed rng.
func Train(vectors []float32, dim, k, maxIter int, rng *rand.Rand) []float32 {
	n := len(vectors) / dim
	if n < k {
		return nil
	}

	centroids := make([]float32, k*dim)

	// Initialize centroids from distinct data points.
	perm := rng.Perm(n)
	for i := 0; i < k; i++ {
		copy(centroids[i*dim:(i+1)*dim], vectors[perm[i]*dim:(perm[i]+1)*dim])
	}

	assignments := make([]int, n)
	counts := make([]int, k)
	sums := make([]float32, k*dim)

	for iter := 0; iter < maxIter; iter++ {
		changed := false

		// Assignment step
		for i := 0; i < n; i++ {
			vec := vectors[i*dim : (i+1)*dim]
			best := Assign(vec, centroids, dim)
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}

		if !changed {
			break
		}

		// Update step
		clear(sums)
		clear(counts)

		for i := 0; i < n; i++ {
			cluster := assignments[i]
			math32.AxpyInPlace(sums[cluster*dim:(cluster+1)*dim], 1, vectors[i*dim:(i+1)*dim])
			counts[cluster]++
		}

		for j := 0; j < k; j++ {
			if counts[j] > 0 {
				scale := 1.0 / float32(counts[j])
				for d := 0; d < dim; d++ {
					centroids[j*dim+d] = sums[j*dim+d] * scale
				}
			} else {
				// Re-seed empty cluster with a random point to avoid
				// dead centroids.
				idx := rng.Intn(n)
				copy(centroids[j*dim:(j+1)*dim], vectors[idx*dim:(idx+1)*dim])
			}
		}
	}

	return centroids
}

// Assign finds the closest centroid for a vector. Ties resolve to the
// lowest index.
func Assign(vec []float32, centroids []float32, dim int) int {
	k := len(centroids) / dim

	best := 0
	minDist := float32(math.MaxFloat32)
	for j := 0; j < k; j++ {
		d := math32.SquaredL2(vec, centroids[j*dim:(j+1)*dim])
		if d < minDist {
			minDist = d
			best = j
		}
	}

	return best
}
