package lsm

// AliasTable implements Walker's alias method: O(1) weighted sampling from
// a discrete distribution after an O(n) build. Grounded directly on
// include/ds/walker.hpp and src/ds/walker.cpp from the original
// implementation this engine is modeled on — the overfull/underfull bucket
// balancing loop below is the same construction, adapted to Go slices
// instead of raw arrays.
//
// It backs two call sites: per-run weighted sampling (spec §9's "orthogonal
// capability selectable at build time", Config.WeightedSampling) and the
// top-level RangeSample's per-source range selection (weights are candidate
// range lengths, spec §4.5 step 3).
type AliasTable struct {
	probability []float64
	alias       []int
	n           int
}

// NewAliasTable builds an alias table over weights. Weights need not sum to
// 1; they are normalized internally. A nil or empty weights slice
// produces an empty table (Len() is 0 and Draw returns -1; callers must
// check Len() first, mirroring the original's refusal to sample from an
// empty range set). An all-zero weights slice is treated as uniform: the
// table keeps Len() == len(weights) and every index is drawable.
func NewAliasTable(weights []float64) *AliasTable {
	n := len(weights)
	t := &AliasTable{
		probability: make([]float64, n),
		alias:       make([]int, n),
		n:           n,
	}
	if n == 0 {
		return t
	}

	var total float64
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		// Degenerate: treat as uniform so Draw still returns valid indices.
		for i := range t.probability {
			t.probability[i] = 1
		}
		return t
	}

	scaled := make([]float64, n)
	for i, w := range weights {
		scaled[i] = w * float64(n) / total
	}

	small := make([]int, 0, n)
	large := make([]int, 0, n)
	for i, s := range scaled {
		if s < 1 {
			small = append(small, i)
		} else {
			large = append(large, i)
		}
	}

	for len(small) > 0 && len(large) > 0 {
		l := small[len(small)-1]
		small = small[:len(small)-1]
		g := large[len(large)-1]
		large = large[:len(large)-1]

		t.probability[l] = scaled[l]
		t.alias[l] = g

		scaled[g] = scaled[g] + scaled[l] - 1
		if scaled[g] < 1 {
			small = append(small, g)
		} else {
			large = append(large, g)
		}
	}

	for _, g := range large {
		t.probability[g] = 1
	}
	for _, l := range small {
		// Only reachable through floating-point rounding at the margins;
		// the original treats these as fully-probable slots too.
		t.probability[l] = 1
	}

	return t
}

// Len returns the number of entries the table was built over.
func (t *AliasTable) Len() int { return t.n }

// Draw returns an index in [0, Len()), chosen in proportion to the
// weights the table was built over, using two draws
// from rng, exactly as walker.cpp's get(): pick a bucket uniformly, then a
// coin flip decides between the bucket's own index and its alias.
func (t *AliasTable) Draw(rng Rng) int {
	if t.n == 0 {
		return -1
	}
	i := int(rng.Float64() * float64(t.n))
	if i >= t.n {
		i = t.n - 1
	}
	if rng.Float64() < t.probability[i] {
		return i
	}
	return t.alias[i]
}
