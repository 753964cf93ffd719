package lsm

import "math/rand"

// Rng is the pseudo-random source injected into every component that draws
// samples: each SampleRange's Draw (memtable and run ranges), AliasTable.Draw,
// and the top-level LSMTree.RangeSample. Nothing in this
// package calls the global math/rand functions; every draw flows through an
// explicit Rng so that tests (and callers who need reproducible sampling)
// can supply a fixed seed instead of depending on process-global state.
//
// No ecosystem PRNG (Mersenne Twister, PCG) library appears anywhere in the
// retrieved reference pack, and the source this spec was distilled from
// treats its RNG the same way: an opaque injected dependency, not a
// mandated algorithm. A seeded *rand.Rand satisfies the contract.
type Rng interface {
	// Intn returns a pseudo-random int in [0, n).
	Intn(n int) int
	// Float64 returns a pseudo-random float64 in [0, 1).
	Float64() float64
}

// NewRng wraps a seeded math/rand source. Passing the same seed always
// reproduces the same draw sequence, which is what the end-to-end scenarios
// in spec §8 (fixed seed s=0) require.
func NewRng(seed int64) Rng {
	return rand.New(rand.NewSource(seed))
}
