package quantizer

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/joejenb/VQVAE/internal/math32"
	"github.com/joejenb/VQVAE/tensor"
)

func mustNew(t *testing.T, k, d int, opts ...Option) *EMAQuantizer {
	t.Helper()

	q, err := New(k, d, opts...)
	if err != nil {
		t.Fatalf("New(%d, %d) failed: %v", k, d, err)
	}
	return q
}

func randomGrid(h, w, d int, rng *rand.Rand) *tensor.Grid {
	g := tensor.NewGrid(h, w, d)
	for i := range g.Data {
		g.Data[i] = float32(rng.NormFloat64())
	}
	return g
}

func TestQuantizeScenario(t *testing.T) {
	q := mustNew(t, 4, 2)
	if err := q.SetCodebook([][]float32{{0, 0}, {10, 0}, {0, 10}, {10, 10}}); err != nil {
		t.Fatalf("SetCodebook failed: %v", err)
	}

	g, err := tensor.NewGridFrom(1, 1, 2, []float32{1, 1})
	if err != nil {
		t.Fatalf("NewGridFrom failed: %v", err)
	}

	res, err := q.Quantize(g, false)
	if err != nil {
		t.Fatalf("Quantize failed: %v", err)
	}

	if got := res.Indices.At(0, 0); got != 0 {
		t.Errorf("expected assignment 0, got %d", got)
	}
	if v := res.Quantized.At(0, 0); v[0] != 0 || v[1] != 0 {
		t.Errorf("expected quantized [0 0], got %v", v)
	}
	if want := float32(0.25 * 2); res.CommitmentLoss != want {
		t.Errorf("expected commitment loss %v, got %v", want, res.CommitmentLoss)
	}
}

func TestQuantizeDeterminism(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	q := mustNew(t, 16, 4)
	g := randomGrid(5, 5, 4, rng)

	first, err := q.Quantize(g, false)
	if err != nil {
		t.Fatalf("Quantize failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		res, err := q.Quantize(g, false)
		if err != nil {
			t.Fatalf("Quantize failed: %v", err)
		}
		for loc, k := range res.Indices.Indices {
			if k != first.Indices.Indices[loc] {
				t.Fatalf("run %d: index at %d changed: %d vs %d", i, loc, k, first.Indices.Indices[loc])
			}
		}
		for j, v := range res.Quantized.Data {
			if v != first.Quantized.Data[j] {
				t.Fatalf("run %d: quantized value at %d changed", i, j)
			}
		}
	}
}

func TestQuantizeExactness(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	q := mustNew(t, 8, 3)
	g := randomGrid(4, 4, 3, rng)

	res, err := q.Quantize(g, false)
	if err != nil {
		t.Fatalf("Quantize failed: %v", err)
	}

	for loc, k := range res.Indices.Indices {
		entry, err := q.Entry(int(k))
		if err != nil {
			t.Fatalf("Entry(%d) failed: %v", k, err)
		}
		got := res.Quantized.Vector(loc)
		for d := range entry {
			if got[d] != entry[d] {
				t.Errorf("location %d: quantized vector is not an exact codebook copy", loc)
				break
			}
		}
	}
}

func TestQuantizeNearestNeighbor(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	q := mustNew(t, 32, 6)
	g := randomGrid(6, 6, 6, rng)

	res, err := q.Quantize(g, false)
	if err != nil {
		t.Fatalf("Quantize failed: %v", err)
	}

	for loc, chosen := range res.Indices.Indices {
		v := g.Vector(loc)
		chosenDist := math32.SquaredL2(v, res.Quantized.Vector(loc))
		for k := 0; k < q.NumEmbeddings(); k++ {
			entry, _ := q.Entry(k)
			// Allow for float32 rounding between the expansion form used
			// during assignment and the direct difference used here.
			if d := math32.SquaredL2(v, entry); d < chosenDist-1e-3 {
				t.Errorf("location %d: entry %d at distance %v beats chosen %d at %v", loc, k, d, chosen, chosenDist)
			}
		}
	}
}

func TestQuantizeTieBreaksToLowestIndex(t *testing.T) {
	q := mustNew(t, 6, 1)
	if err := q.SetCodebook([][]float32{{3}, {5}, {1}, {7}, {9}, {-1}}); err != nil {
		t.Fatalf("SetCodebook failed: %v", err)
	}

	g, err := tensor.NewGridFrom(1, 1, 1, []float32{0})
	if err != nil {
		t.Fatalf("NewGridFrom failed: %v", err)
	}

	// Entries 2 and 5 are both at squared distance 1; the lower index wins.
	res, err := q.Quantize(g, false)
	if err != nil {
		t.Fatalf("Quantize failed: %v", err)
	}
	if got := res.Indices.At(0, 0); got != 2 {
		t.Errorf("expected tie to break to index 2, got %d", got)
	}
}

func TestStraightThroughGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	q := mustNew(t, 8, 4)
	g := randomGrid(3, 3, 4, rng)

	res, err := q.Quantize(g, false)
	if err != nil {
		t.Fatalf("Quantize failed: %v", err)
	}

	for i := range res.Quantized.Grad {
		res.Quantized.Grad[i] = 1
	}
	g.ZeroGrad()

	if err := q.BackwardStraightThrough(g, res); err != nil {
		t.Fatalf("BackwardStraightThrough failed: %v", err)
	}

	for i, grad := range g.Grad {
		if grad != 1 {
			t.Fatalf("gradient at %d is %v, want exactly 1", i, grad)
		}
	}
}

func TestCommitmentGradient(t *testing.T) {
	q := mustNew(t, 4, 2, WithCommitmentCost(0.5))
	if err := q.SetCodebook([][]float32{{0, 0}, {10, 0}, {0, 10}, {10, 10}}); err != nil {
		t.Fatalf("SetCodebook failed: %v", err)
	}

	g, err := tensor.NewGridFrom(1, 1, 2, []float32{1, 2})
	if err != nil {
		t.Fatalf("NewGridFrom failed: %v", err)
	}

	res, err := q.Quantize(g, false)
	if err != nil {
		t.Fatalf("Quantize failed: %v", err)
	}
	if err := q.AccumulateCommitmentGrad(g, res); err != nil {
		t.Fatalf("AccumulateCommitmentGrad failed: %v", err)
	}

	// d/dl [0.5 * ((l0-0)^2 + (l1-0)^2) / 1] = 2*0.5*l
	if g.Grad[0] != 1 || g.Grad[1] != 2 {
		t.Errorf("expected commitment gradient [1 2], got %v", g.Grad)
	}
}

func TestEMAMassConservation(t *testing.T) {
	q := mustNew(t, 4, 2, WithDecay(0.99), WithEpsilon(1e-5))
	if err := q.SetCodebook([][]float32{{0, 0}, {10, 0}, {0, 10}, {10, 10}}); err != nil {
		t.Fatalf("SetCodebook failed: %v", err)
	}

	// Seed running sizes so total mass matches the batch size (4 locations).
	seed := q.Snapshot()
	for k := range seed.ClusterSize {
		seed.ClusterSize[k] = 1
	}
	if err := q.Restore(seed); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	// Every location lands on entry 0.
	g, err := tensor.NewGridFrom(2, 2, 2, []float32{
		1, 1, 0.5, 0.5, -1, -1, 0.25, 0.25,
	})
	if err != nil {
		t.Fatalf("NewGridFrom failed: %v", err)
	}

	before := q.Snapshot()
	if _, err := q.Quantize(g, true); err != nil {
		t.Fatalf("Quantize failed: %v", err)
	}
	after := q.Snapshot()

	if after.ClusterSize[0] <= before.ClusterSize[0] {
		t.Errorf("cluster size of the assigned entry must strictly increase: %v -> %v", before.ClusterSize[0], after.ClusterSize[0])
	}
	var beforeTotal, afterTotal float64
	for k := 1; k < 4; k++ {
		if after.ClusterSize[k] >= before.ClusterSize[k] {
			t.Errorf("cluster size of unassigned entry %d must strictly decrease: %v -> %v", k, before.ClusterSize[k], after.ClusterSize[k])
		}
	}
	for k := 0; k < 4; k++ {
		beforeTotal += float64(before.ClusterSize[k])
		afterTotal += float64(after.ClusterSize[k])
	}
	if math.Abs(beforeTotal-afterTotal) > 1e-4 {
		t.Errorf("total mass drifted: %v -> %v", beforeTotal, afterTotal)
	}
}

func TestEMAPullsCodebookTowardData(t *testing.T) {
	q := mustNew(t, 2, 1, WithDecay(0.5))
	if err := q.SetCodebook([][]float32{{0}, {100}}); err != nil {
		t.Fatalf("SetCodebook failed: %v", err)
	}

	g, err := tensor.NewGridFrom(1, 2, 1, []float32{4, 4})
	if err != nil {
		t.Fatalf("NewGridFrom failed: %v", err)
	}

	before, _ := q.Entry(0)
	for i := 0; i < 20; i++ {
		if _, err := q.Quantize(g, true); err != nil {
			t.Fatalf("Quantize failed: %v", err)
		}
	}
	after, _ := q.Entry(0)

	if math.Abs(float64(after[0]-4)) >= math.Abs(float64(before[0]-4)) {
		t.Errorf("entry 0 did not move toward the data: %v -> %v", before[0], after[0])
	}
}

func TestQuantizeDimensionMismatchLeavesStateUntouched(t *testing.T) {
	q := mustNew(t, 8, 4)
	before := q.Snapshot()

	g := tensor.NewGrid(2, 2, 3)
	_, err := q.Quantize(g, true)
	if err == nil {
		t.Fatal("expected dimension mismatch error")
	}
	var dm *ErrDimensionMismatch
	if !errors.As(err, &dm) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if dm.Expected != 4 || dm.Actual != 3 {
		t.Errorf("unexpected error fields: %+v", dm)
	}

	after := q.Snapshot()
	for i := range before.Codebook {
		if before.Codebook[i] != after.Codebook[i] {
			t.Fatal("codebook mutated by a failed call")
		}
	}
	for i := range before.ClusterSize {
		if before.ClusterSize[i] != after.ClusterSize[i] {
			t.Fatal("cluster sizes mutated by a failed call")
		}
	}
}

func TestGather(t *testing.T) {
	q := mustNew(t, 4, 2)
	if err := q.SetCodebook([][]float32{{0, 0}, {1, 0}, {0, 1}, {1, 1}}); err != nil {
		t.Fatalf("SetCodebook failed: %v", err)
	}

	idx := tensor.NewIndexGrid(2, 2)
	idx.Set(0, 0, 3)
	idx.Set(0, 1, 1)
	idx.Set(1, 0, 0)
	idx.Set(1, 1, 2)

	out, err := q.Gather(idx)
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if v := out.At(0, 0); v[0] != 1 || v[1] != 1 {
		t.Errorf("expected [1 1] at (0,0), got %v", v)
	}
	if v := out.At(1, 1); v[0] != 0 || v[1] != 1 {
		t.Errorf("expected [0 1] at (1,1), got %v", v)
	}
}

func TestGatherInvalidIndex(t *testing.T) {
	q := mustNew(t, 4, 2)

	idx := tensor.NewIndexGrid(1, 2)
	idx.Set(0, 1, 4) // one past the last entry

	_, err := q.Gather(idx)
	if err == nil {
		t.Fatal("expected invalid index error")
	}
	var ii *ErrInvalidIndex
	if !errors.As(err, &ii) {
		t.Fatalf("expected ErrInvalidIndex, got %v", err)
	}
	if ii.Index != 4 || ii.Limit != 4 {
		t.Errorf("unexpected error fields: %+v", ii)
	}
}

func TestQuantizeBatchMatchesSequential(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	grids := []*tensor.Grid{
		randomGrid(3, 3, 4, rng),
		randomGrid(3, 3, 4, rng),
		randomGrid(3, 3, 4, rng),
	}

	q := mustNew(t, 16, 4)
	batch, err := q.QuantizeBatch(grids, false)
	if err != nil {
		t.Fatalf("QuantizeBatch failed: %v", err)
	}

	for i, g := range grids {
		single, err := q.Quantize(g, false)
		if err != nil {
			t.Fatalf("Quantize failed: %v", err)
		}
		for loc := range single.Indices.Indices {
			if batch[i].Indices.Indices[loc] != single.Indices.Indices[loc] {
				t.Fatalf("grid %d location %d: batch and sequential assignments differ", i, loc)
			}
		}
		if batch[i].CommitmentLoss != single.CommitmentLoss {
			t.Errorf("grid %d: commitment loss differs: %v vs %v", i, batch[i].CommitmentLoss, single.CommitmentLoss)
		}
	}
}

func TestQuantizeBatchTrainingMatchesStackedBatch(t *testing.T) {
	rng := rand.New(rand.NewSource(29))
	a := randomGrid(2, 3, 4, rng)
	b := randomGrid(2, 3, 4, rng)

	stacked := tensor.NewGrid(4, 3, 4)
	copy(stacked.Data[:len(a.Data)], a.Data)
	copy(stacked.Data[len(a.Data):], b.Data)

	q1 := mustNew(t, 8, 4, WithRandSource(rand.NewSource(1)))
	q2 := mustNew(t, 8, 4, WithRandSource(rand.NewSource(1)))

	if _, err := q1.QuantizeBatch([]*tensor.Grid{a, b}, true); err != nil {
		t.Fatalf("QuantizeBatch failed: %v", err)
	}
	if _, err := q2.Quantize(stacked, true); err != nil {
		t.Fatalf("Quantize failed: %v", err)
	}

	s1, s2 := q1.Snapshot(), q2.Snapshot()
	for k := range s1.ClusterSize {
		if diff := math.Abs(float64(s1.ClusterSize[k] - s2.ClusterSize[k])); diff > 1e-5 {
			t.Errorf("cluster size %d differs between batched and stacked update: %v vs %v", k, s1.ClusterSize[k], s2.ClusterSize[k])
		}
	}
}

func TestUsageAndDeadCodes(t *testing.T) {
	q := mustNew(t, 4, 2)
	if err := q.SetCodebook([][]float32{{0, 0}, {10, 0}, {0, 10}, {10, 10}}); err != nil {
		t.Fatalf("SetCodebook failed: %v", err)
	}

	g, err := tensor.NewGridFrom(1, 2, 2, []float32{0, 0, 10, 10})
	if err != nil {
		t.Fatalf("NewGridFrom failed: %v", err)
	}
	if _, err := q.Quantize(g, true); err != nil {
		t.Fatalf("Quantize failed: %v", err)
	}

	usage := q.Usage()
	if !usage.Contains(0) || !usage.Contains(3) {
		t.Errorf("expected entries 0 and 3 in usage bitmap, got %v", usage.ToArray())
	}
	if usage.Contains(1) || usage.Contains(2) {
		t.Errorf("entries 1 and 2 were never assigned, got %v", usage.ToArray())
	}

	// The two entries that received no mass stay near the smoothing floor.
	if dead := q.DeadCodes(0.005); dead != 2 {
		t.Errorf("expected 2 dead codes, got %d", dead)
	}

	q.ResetUsage()
	if !q.Usage().IsEmpty() {
		t.Error("expected empty usage bitmap after reset")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(31))
	q := mustNew(t, 8, 4, WithRandSource(rand.NewSource(5)))

	for i := 0; i < 5; i++ {
		if _, err := q.Quantize(randomGrid(3, 3, 4, rng), true); err != nil {
			t.Fatalf("Quantize failed: %v", err)
		}
	}
	snap := q.Snapshot()

	other := mustNew(t, 8, 4, WithRandSource(rand.NewSource(99)))
	if err := other.Restore(snap); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	g := randomGrid(3, 3, 4, rng)
	a, err := q.Quantize(g, false)
	if err != nil {
		t.Fatalf("Quantize failed: %v", err)
	}
	b, err := other.Quantize(g, false)
	if err != nil {
		t.Fatalf("Quantize failed: %v", err)
	}
	for loc := range a.Indices.Indices {
		if a.Indices.Indices[loc] != b.Indices.Indices[loc] {
			t.Fatal("restored quantizer disagrees with the original")
		}
	}

	bad := q.Snapshot()
	bad.NumEmbeddings = 16
	if err := other.Restore(bad); err == nil {
		t.Error("expected Restore to reject a mismatched snapshot")
	}
}

func TestInitFromSamples(t *testing.T) {
	rng := rand.New(rand.NewSource(37))
	q := mustNew(t, 4, 2)

	// Two tight clusters far apart; k-means centroids land inside them.
	g := tensor.NewGrid(4, 2, 2)
	for loc := 0; loc < 8; loc++ {
		base := float32(0)
		if loc%2 == 1 {
			base = 100
		}
		v := g.Vector(loc)
		v[0] = base + float32(rng.NormFloat64())*0.1
		v[1] = base + float32(rng.NormFloat64())*0.1
	}

	if err := q.InitFromSamples([]*tensor.Grid{g}, 50); err != nil {
		t.Fatalf("InitFromSamples failed: %v", err)
	}

	res, err := q.Quantize(g, false)
	if err != nil {
		t.Fatalf("Quantize failed: %v", err)
	}
	// Every location sits close to its centroid after data-dependent init.
	if res.CommitmentLoss > 1 {
		t.Errorf("expected tight fit after k-means init, commitment loss %v", res.CommitmentLoss)
	}

	// Too few sample locations to seed the table.
	small := mustNew(t, 16, 2)
	if err := small.InitFromSamples([]*tensor.Grid{tensor.NewGrid(2, 2, 2)}, 10); err == nil {
		t.Error("expected error when samples are fewer than codebook entries")
	}

	if err := q.InitFromSamples([]*tensor.Grid{tensor.NewGrid(2, 2, 3)}, 10); err == nil {
		t.Error("expected dimension mismatch error")
	}
}

func TestPerplexityBounds(t *testing.T) {
	q := mustNew(t, 4, 2)
	if err := q.SetCodebook([][]float32{{0, 0}, {10, 0}, {0, 10}, {10, 10}}); err != nil {
		t.Fatalf("SetCodebook failed: %v", err)
	}

	// All locations on one entry: perplexity 1.
	uniformOne, err := tensor.NewGridFrom(1, 2, 2, []float32{0, 0, 1, 1})
	if err != nil {
		t.Fatalf("NewGridFrom failed: %v", err)
	}
	res, err := q.Quantize(uniformOne, false)
	if err != nil {
		t.Fatalf("Quantize failed: %v", err)
	}
	if math.Abs(float64(res.Perplexity-1)) > 1e-5 {
		t.Errorf("expected perplexity 1, got %v", res.Perplexity)
	}

	// One location per entry: perplexity K.
	spread, err := tensor.NewGridFrom(2, 2, 2, []float32{0, 0, 10, 0, 0, 10, 10, 10})
	if err != nil {
		t.Fatalf("NewGridFrom failed: %v", err)
	}
	res, err = q.Quantize(spread, false)
	if err != nil {
		t.Fatalf("Quantize failed: %v", err)
	}
	if math.Abs(float64(res.Perplexity-4)) > 1e-4 {
		t.Errorf("expected perplexity 4, got %v", res.Perplexity)
	}
}
