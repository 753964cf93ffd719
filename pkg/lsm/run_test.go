package lsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestRun(t *testing.T, store *PageStore, records []Record, opts RunOptions) *Run {
	t.Helper()
	run, err := BuildRun(store, t.TempDir(), testSchema(), records, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = run.Close() })
	return run
}

func manyRecords(n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = Record{Key: keyN(i), Value: []byte("value-00"), Timestamp: int64(i)}
	}
	return out
}

func TestBuildRun_RoundTripsAllRecords(t *testing.T) {
	store := NewPageStore(64)
	run := buildTestRun(t, store, manyRecords(50), RunOptions{BloomEnabled: true, BloomFPR: 0.01})

	assert.Equal(t, 50, run.RecordCount())
	scanned, err := run.Scan()
	require.NoError(t, err)
	require.Len(t, scanned, 50)
	for i, rec := range scanned {
		assert.Equal(t, keyN(i), rec.Key)
	}
}

func TestBuildRun_EmptyRecordsIsLegal(t *testing.T) {
	store := NewPageStore(8)
	run := buildTestRun(t, store, nil, RunOptions{})
	assert.Equal(t, 0, run.RecordCount())
	assert.False(t, run.Intersects(keyN(0), keyN(10)))
}

func TestRun_GetByKeyFindsExistingRecord(t *testing.T) {
	store := NewPageStore(64)
	run := buildTestRun(t, store, manyRecords(200), RunOptions{BloomEnabled: true, BloomFPR: 0.01})

	rec, found, err := run.GetByKey(keyN(150), maxTimestamp())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, keyN(150), rec.Key)

	_, found, err = run.GetByKey(keyN(99999), maxTimestamp())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRun_TombstoneHasTombstoneAndMaskingSemantics(t *testing.T) {
	store := NewPageStore(64)
	value := []byte("value-01")
	records := []Record{
		{Key: keyN(1), Value: value, Timestamp: 1},
		{Key: keyN(1), Value: value, Timestamp: 5, Tombstone: true},
	}
	run := buildTestRun(t, store, records, RunOptions{BloomEnabled: true, BloomFPR: 0.01})

	found, err := run.HasTombstone(keyN(1), value, 10)
	require.NoError(t, err)
	assert.True(t, found)

	found, err = run.HasTombstone(keyN(1), value, 2)
	require.NoError(t, err)
	assert.False(t, found, "tombstone at ts=5 must not mask a read as of ts=2")

	masked, err := run.HasMaskingTombstone(keyN(1), value, 5)
	require.NoError(t, err)
	assert.True(t, masked)

	masked, err = run.HasMaskingTombstone(keyN(1), value, 6)
	require.NoError(t, err)
	assert.False(t, masked, "a record at ts=6 cannot be masked by a tombstone at ts=5")
}

func TestRun_TombstoneBloomOnlyBuiltWithoutTagging(t *testing.T) {
	store := NewPageStore(64)
	records := []Record{{Key: keyN(1), Value: []byte("value-01"), Timestamp: 1, Tombstone: true}}

	withTombstones := buildTestRun(t, store, records, RunOptions{BloomEnabled: true, BloomFPR: 0.01, DeleteTagging: false})
	assert.NotNil(t, withTombstones.tombstoneBloom)

	tagging := buildTestRun(t, store, records, RunOptions{BloomEnabled: true, BloomFPR: 0.01, DeleteTagging: true})
	assert.Nil(t, tagging.tombstoneBloom)
}

func TestRun_GetSampleRangeCoversOnlyIntersectingPages(t *testing.T) {
	store := NewPageStore(64)
	run := buildTestRun(t, store, manyRecords(500), RunOptions{BloomEnabled: true, BloomFPR: 0.01})

	sr := run.GetSampleRange(keyN(100), keyN(110))
	require.NotNil(t, sr)
	assert.False(t, sr.IsMemoryResident())
	assert.Greater(t, sr.Length(), 0)

	assert.Nil(t, run.GetSampleRange(keyN(99999), keyN(99999999)))
}

func TestRun_WeightedSamplingBuildsAliasTable(t *testing.T) {
	store := NewPageStore(64)
	records := manyRecords(20)
	for i := range records {
		records[i].Weight = float64(i + 1)
	}
	run := buildTestRun(t, store, records, RunOptions{WeightedSampling: true})
	assert.NotNil(t, run.alias)
	assert.Equal(t, 20, run.alias.Len())
}
