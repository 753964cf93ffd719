package lsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTree(t *testing.T, mutate func(*Config)) *LSMTree {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.KeySize = 8
	cfg.ValueSize = 8
	cfg.MemtableCapacity = 16
	cfg.ScaleFactor = 2
	if mutate != nil {
		mutate(&cfg)
	}
	tree, err := NewLSMTree(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tree.Close() })
	return tree
}

func TestLSMTree_InsertThenGet(t *testing.T) {
	tree := newTestTree(t, nil)
	require.NoError(t, tree.Insert(keyN(1), []byte("value-01"), 1, false))

	rec, found, err := tree.Get(keyN(1), maxTimestamp())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("value-01"), rec.Value)
}

func TestLSMTree_DeleteTombstoneModeHidesRecord(t *testing.T) {
	tree := newTestTree(t, nil)
	require.NoError(t, tree.Insert(keyN(1), []byte("value-01"), 1, false))
	require.NoError(t, tree.Delete(keyN(1), []byte("value-01")))

	_, found, err := tree.Get(keyN(1), maxTimestamp())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLSMTree_UpdateReplacesValue(t *testing.T) {
	tree := newTestTree(t, nil)
	require.NoError(t, tree.Insert(keyN(1), []byte("value-01"), 1, false))
	require.NoError(t, tree.Update(keyN(1), []byte("value-01"), []byte("value-02")))

	rec, found, err := tree.Get(keyN(1), maxTimestamp())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("value-02"), rec.Value)
}

func TestLSMTree_UpdateOnMissingKeyStillInserts(t *testing.T) {
	tree := newTestTree(t, nil)
	err := tree.Update(keyN(1), []byte("value-01"), []byte("value-02"))
	require.NoError(t, err)

	rec, found, err := tree.Get(keyN(1), maxTimestamp())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("value-02"), rec.Value)
}

func TestLSMTree_RotatesAndCascadesOnOverflow(t *testing.T) {
	tree := newTestTree(t, func(c *Config) { c.MemtableCapacity = 4 })

	for i := 0; i < 20; i++ {
		require.NoError(t, tree.Insert(keyN(i), []byte("value-00"), 1, false))
	}
	require.NoError(t, tree.Flush())

	assert.Greater(t, tree.Depth(), 0, "overflow should have grown at least one level")
	assert.Equal(t, 20, tree.RecordCount())
}

func TestLSMTree_GetAfterCascadeStillFindsRecords(t *testing.T) {
	tree := newTestTree(t, func(c *Config) { c.MemtableCapacity = 4 })
	for i := 0; i < 40; i++ {
		require.NoError(t, tree.Insert(keyN(i), []byte("value-00"), 1, false))
	}
	require.NoError(t, tree.Flush())

	for i := 0; i < 40; i++ {
		_, found, err := tree.Get(keyN(i), maxTimestamp())
		require.NoError(t, err)
		assert.True(t, found, "key %d should still be retrievable after cascade", i)
	}
}

func TestLSMTree_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MemtableCapacity = 0
	_, err := NewLSMTree(cfg, nil)
	assert.ErrorIs(t, err, ErrInvariantViolation)

	cfg2 := DefaultConfig()
	cfg2.ScaleFactor = 1
	_, err = NewLSMTree(cfg2, nil)
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestLSMTree_TaggingModeFallsBackToTombstoneForFlushedRecords(t *testing.T) {
	tree := newTestTree(t, func(c *Config) {
		c.DeleteTagging = true
		c.MemtableCapacity = 4
	})
	for i := 0; i < 8; i++ {
		require.NoError(t, tree.Insert(keyN(i), []byte("value-00"), 1, false))
	}
	require.NoError(t, tree.Flush())

	require.NoError(t, tree.Delete(keyN(2), []byte("value-00")))

	_, found, err := tree.Get(keyN(2), maxTimestamp())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLSMTree_DeleteMissingKeyIsNotFound(t *testing.T) {
	tree := newTestTree(t, func(c *Config) { c.DeleteTagging = true })
	err := tree.Delete(keyN(1), []byte("value-01"))
	assert.ErrorIs(t, err, ErrNotFound)
}
