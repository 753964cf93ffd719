package lsm

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// newPropertyTestTree builds a fresh tree seeded with n sequential records,
// mirroring the teacher's newPropertyTestStorage helper.
func newPropertyTestTree(t *testing.T, n int) *LSMTree {
	t.Helper()
	tree := newTestTree(t, func(c *Config) { c.MemtableCapacity = 8 })
	for i := 0; i < n; i++ {
		if err := tree.Insert(keyN(i), []byte("value-00"), 1, false); err != nil {
			t.Fatalf("seed insert failed: %v", err)
		}
	}
	if err := tree.Flush(); err != nil {
		t.Fatalf("seed flush failed: %v", err)
	}
	return tree
}

// TestRangeSampleInvariants uses property-based testing to verify that
// independent range sampling's invariants (spec §4.5, §8) hold for any
// population size and any draw count, not just the handful of cases
// exercised by the TestRangeSample_* tests in sample_test.go.
func TestRangeSampleInvariants(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping property-based test in short mode")
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20

	properties := gopter.NewProperties(parameters)

	// Property 1: a successful draw of k records always returns exactly k,
	// and every key returned falls within [lo, hi].
	properties.Property("draws stay within the requested range and count", prop.ForAll(
		func(n, k int) bool {
			tree := newPropertyTestTree(t, n)
			recs, err := tree.RangeSample(keyN(0), keyN(n-1), k)
			if err != nil {
				return false
			}
			if len(recs) != k {
				return false
			}
			for _, rec := range recs {
				if string(rec.Key) < string(keyN(0)) || string(rec.Key) > string(keyN(n-1)) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 50),
		gen.IntRange(1, 30),
	))

	// Property 2: deleting every record in a population makes the same
	// range sample request return ErrEmpty — a dead population never
	// silently yields live-looking records.
	properties.Property("fully deleted populations always sample empty", prop.ForAll(
		func(n int) bool {
			tree := newPropertyTestTree(t, n)
			for i := 0; i < n; i++ {
				if err := tree.Delete(keyN(i), []byte("value-00")); err != nil {
					return false
				}
			}
			_, err := tree.RangeSample(keyN(0), keyN(n-1), 3)
			return err == ErrEmpty
		},
		gen.IntRange(1, 40),
	))

	// Property 3: narrowing the range to a single surviving key means
	// every draw returns that key, regardless of how many other records
	// were deleted around it.
	properties.Property("narrowing to one live key returns only that key", prop.ForAll(
		func(n, survivor int) bool {
			if survivor >= n {
				survivor = n - 1
			}
			tree := newPropertyTestTree(t, n)
			for i := 0; i < n; i++ {
				if i == survivor {
					continue
				}
				if err := tree.Delete(keyN(i), []byte("value-00")); err != nil {
					return false
				}
			}
			recs, err := tree.RangeSample(keyN(0), keyN(n-1), 10)
			if err != nil {
				return false
			}
			for _, rec := range recs {
				if string(rec.Key) != string(keyN(survivor)) {
					return false
				}
			}
			return true
		},
		gen.IntRange(2, 30),
		gen.IntRange(0, 29),
	))

	properties.TestingRun(t)
}

// TestAliasTableInvariants checks that weighted draws never land outside
// the source population regardless of the weight distribution shape.
func TestAliasTableInvariants(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping property-based test in short mode")
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("alias draws are always valid indices", prop.ForAll(
		func(weights []float64) bool {
			positive := false
			for i, w := range weights {
				if w < 0 {
					weights[i] = -w
				}
				if weights[i] > 0 {
					positive = true
				}
			}
			table := NewAliasTable(weights)
			if !positive {
				return table.Len() == len(weights)
			}
			rng := NewRng(1)
			for i := 0; i < 200; i++ {
				idx := table.Draw(rng)
				if idx < 0 || idx >= len(weights) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(10, gen.Float64Range(-5, 50)),
	))

	properties.TestingRun(t)
}
