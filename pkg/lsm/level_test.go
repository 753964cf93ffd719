package lsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLevel(t *testing.T, policy Policy, runCapacity, recordCapacity int, isBottom bool) (*Level, *PageStore) {
	t.Helper()
	store := NewPageStore(128)
	lvl := NewLevel(policy, runCapacity, recordCapacity, isBottom, 0.5, t.TempDir(), store, testSchema(), RunOptions{BloomEnabled: true, BloomFPR: 0.01})
	return lvl, store
}

func TestLevel_TieringAppendsRunsUpToCapacity(t *testing.T) {
	lvl, store := newTestLevel(t, PolicyTiering, 3, 1000, false)

	for i := 0; i < 3; i++ {
		assert.True(t, lvl.CanEmplaceRun())
		run, err := BuildRun(store, t.TempDir(), testSchema(), manyRecords(10), RunOptions{})
		require.NoError(t, err)
		require.NoError(t, lvl.MergeWith(run))
	}

	assert.False(t, lvl.CanEmplaceRun())
	assert.Equal(t, 3, lvl.RunCount())
}

func TestLevel_LevelingKeepsSingleMergedRun(t *testing.T) {
	lvl, store := newTestLevel(t, PolicyLeveling, 1, 1000, false)

	run1, err := BuildRun(store, t.TempDir(), testSchema(), manyRecords(10), RunOptions{})
	require.NoError(t, err)
	require.NoError(t, lvl.MergeWith(run1))
	assert.Equal(t, 1, lvl.RunCount())
	assert.Equal(t, 10, lvl.RecordCount())

	run2, err := BuildRun(store, t.TempDir(), testSchema(), manyRecords(10), RunOptions{})
	require.NoError(t, err)
	require.NoError(t, lvl.MergeWith(run2))

	// Leveling merges the incoming run with the resident one and dedups;
	// identical keys (both runs cover keyN(0..9)) collapse to one copy each.
	assert.Equal(t, 1, lvl.RunCount())
	assert.Equal(t, 10, lvl.RecordCount())
}

func TestLevel_CanMergeWithRespectsCapacity(t *testing.T) {
	lvl, _ := newTestLevel(t, PolicyLeveling, 1, 20, false)
	assert.True(t, lvl.CanMergeWith(15), "empty level, no resident run yet")

	store := NewPageStore(64)
	run, err := BuildRun(store, t.TempDir(), testSchema(), manyRecords(15), RunOptions{})
	require.NoError(t, err)
	lvl2, _ := newTestLevel(t, PolicyLeveling, 1, 20, false)
	require.NoError(t, lvl2.MergeWith(run))

	assert.True(t, lvl2.CanMergeWith(5))
	assert.False(t, lvl2.CanMergeWith(10))
}

func TestLevel_DeletionProportionTriggersCompaction(t *testing.T) {
	lvl, store := newTestLevel(t, PolicyTiering, 5, 1000, true)

	records := []Record{
		{Key: keyN(1), Value: []byte("value-01"), Timestamp: 1},
		{Key: keyN(2), Value: []byte("value-01"), Timestamp: 1, Tombstone: true},
		{Key: keyN(3), Value: []byte("value-01"), Timestamp: 1, Tombstone: true},
	}
	run, err := BuildRun(store, t.TempDir(), testSchema(), records, RunOptions{})
	require.NoError(t, err)
	require.NoError(t, lvl.MergeWith(run))

	// 2/3 tombstones exceeds the 0.5 max_deleted_proportion configured above,
	// so the level should have compacted down to a single rewritten run.
	assert.Equal(t, 1, lvl.RunCount())
}

func TestLevel_GetByKeyScansNewestRunFirst(t *testing.T) {
	lvl, store := newTestLevel(t, PolicyTiering, 5, 1000, false)

	run1, err := BuildRun(store, t.TempDir(), testSchema(), []Record{{Key: keyN(1), Value: []byte("value-01"), Timestamp: 1}}, RunOptions{})
	require.NoError(t, err)
	require.NoError(t, lvl.MergeWith(run1))

	run2, err := BuildRun(store, t.TempDir(), testSchema(), []Record{{Key: keyN(1), Value: []byte("value-02"), Timestamp: 2}}, RunOptions{})
	require.NoError(t, err)
	require.NoError(t, lvl.MergeWith(run2))

	rec, found, err := lvl.GetByKey(keyN(1), maxTimestamp())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("value-02"), rec.Value, "newest run (appended last) must be scanned first")
}

func TestLevel_TruncateClosesAllRuns(t *testing.T) {
	lvl, store := newTestLevel(t, PolicyTiering, 5, 1000, false)
	run, err := BuildRun(store, t.TempDir(), testSchema(), manyRecords(5), RunOptions{})
	require.NoError(t, err)
	require.NoError(t, lvl.MergeWith(run))

	require.NoError(t, lvl.Truncate())
	assert.Equal(t, 0, lvl.RunCount())
}
