package lsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeSample_InvalidRangeIsRejected(t *testing.T) {
	tree := newTestTree(t, nil)
	_, err := tree.RangeSample(keyN(9), keyN(1), 3)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestRangeSample_ZeroKReturnsEmptySlice(t *testing.T) {
	tree := newTestTree(t, nil)
	require.NoError(t, tree.Insert(keyN(1), []byte("value-01"), 1, false))

	recs, err := tree.RangeSample(keyN(0), keyN(9), 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRangeSample_NoRangesIsEmpty(t *testing.T) {
	tree := newTestTree(t, nil)
	_, err := tree.RangeSample(keyN(0), keyN(9), 3)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestRangeSample_AllOutOfRangeStarves(t *testing.T) {
	tree := newTestTree(t, nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, tree.Insert(keyN(i), []byte("value-00"), 1, false))
	}
	_, err := tree.RangeSample(keyN(500), keyN(600), 3)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestRangeSample_TombstonedRecordsNeverDrawn(t *testing.T) {
	tree := newTestTree(t, nil)
	require.NoError(t, tree.Insert(keyN(1), []byte("value-01"), 1, false))
	require.NoError(t, tree.Delete(keyN(1), []byte("value-01")))

	_, err := tree.RangeSample(keyN(0), keyN(9), 3)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestRangeSample_DrawsOnlyWithinBounds(t *testing.T) {
	tree := newTestTree(t, nil)
	for i := 0; i < 10; i++ {
		require.NoError(t, tree.Insert(keyN(i), []byte("value-00"), 1, false))
	}

	recs, err := tree.RangeSample(keyN(3), keyN(6), 200)
	require.NoError(t, err)
	require.Len(t, recs, 200)
	for _, rec := range recs {
		assert.GreaterOrEqual(t, string(rec.Key), string(keyN(3)))
		assert.LessOrEqual(t, string(rec.Key), string(keyN(6)))
	}
}

func TestRangeSample_SamplesAcrossMemtableAndFlushedLevels(t *testing.T) {
	tree := newTestTree(t, func(c *Config) { c.MemtableCapacity = 4 })
	for i := 0; i < 40; i++ {
		require.NoError(t, tree.Insert(keyN(i), []byte("value-00"), 1, false))
	}
	require.NoError(t, tree.Flush())

	recs, err := tree.RangeSample(keyN(0), keyN(39), 500)
	require.NoError(t, err)
	require.Len(t, recs, 500)

	seen := make(map[string]bool)
	for _, rec := range recs {
		seen[string(rec.Key)] = true
	}
	assert.Greater(t, len(seen), 1, "500 draws over 40 keys should hit more than one distinct key")
}

func TestRangeSample_SingleLiveKeyAmongManyDeletedStillFound(t *testing.T) {
	tree := newTestTree(t, nil)
	for i := 0; i < 20; i++ {
		require.NoError(t, tree.Insert(keyN(i), []byte("value-00"), 1, false))
	}
	for i := 0; i < 19; i++ {
		require.NoError(t, tree.Delete(keyN(i), []byte("value-00")))
	}

	recs, err := tree.RangeSample(keyN(0), keyN(19), 5)
	require.NoError(t, err)
	for _, rec := range recs {
		assert.Equal(t, keyN(19), rec.Key)
	}
}

func TestRangeSampleDetailed_ReportsAttemptsAndAccepted(t *testing.T) {
	tree := newTestTree(t, nil)
	for i := 0; i < 10; i++ {
		require.NoError(t, tree.Insert(keyN(i), []byte("value-00"), 1, false))
	}

	recs, stats, err := tree.RangeSampleDetailed(keyN(0), keyN(9), 7)
	require.NoError(t, err)
	assert.Len(t, recs, 7)
	assert.Equal(t, 7, stats.Accepted)
	assert.GreaterOrEqual(t, stats.Attempts, stats.Accepted)
	assert.Greater(t, stats.RangesConsidered, 0)
}

func TestRangeSample_WeightedSamplingFavorsHigherWeight(t *testing.T) {
	tree := newTestTree(t, func(c *Config) {
		c.WeightedSampling = true
		c.MemtableCapacity = 4
	})
	require.NoError(t, tree.Insert(keyN(1), []byte("value-01"), 1, false))
	require.NoError(t, tree.Insert(keyN(2), []byte("value-02"), 99, false))
	require.NoError(t, tree.Flush())

	counts := map[string]int{}
	recs, err := tree.RangeSample(keyN(0), keyN(9), 500)
	require.NoError(t, err)
	for _, rec := range recs {
		counts[string(rec.Key)]++
	}
	assert.Greater(t, counts[string(keyN(2))], counts[string(keyN(1))]*5,
		"weight=99 key should be drawn far more often than weight=1 key")
}
