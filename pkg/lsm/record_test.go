package lsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() Schema {
	return Schema{KeySize: 8, ValueSize: 8, WeightSize: 0}
}

func TestSchema_EncodeDecodeRoundTrip(t *testing.T) {
	s := testSchema()
	rec := Record{
		Key:       []byte("key-0001"),
		Value:     []byte("value-01"),
		Timestamp: 42,
		Tombstone: true,
	}
	buf, err := s.Encode(rec)
	require.NoError(t, err)
	assert.Len(t, buf, s.RecordSize())

	decoded, err := s.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, rec.Key, decoded.Key)
	assert.Equal(t, rec.Value, decoded.Value)
	assert.Equal(t, rec.Timestamp, decoded.Timestamp)
	assert.True(t, decoded.Tombstone)
	assert.False(t, decoded.Deleted)
}

func TestSchema_EncodeDecodeRoundTripWithWeight(t *testing.T) {
	s := Schema{KeySize: 4, ValueSize: 4, WeightSize: 8}
	rec := Record{Key: []byte("abcd"), Value: []byte("wxyz"), Timestamp: 7, Weight: 3.5}

	buf, err := s.Encode(rec)
	require.NoError(t, err)

	decoded, err := s.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, 3.5, decoded.Weight)
}

func TestSchema_EncodeRejectsWrongWidths(t *testing.T) {
	s := testSchema()
	_, err := s.Encode(Record{Key: []byte("short"), Value: []byte("value-01")})
	assert.Error(t, err)
}

func TestSchema_DecodeRejectsWrongBufferLength(t *testing.T) {
	s := testSchema()
	_, err := s.Decode(make([]byte, 3))
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestRecord_LiveAndValid(t *testing.T) {
	zero := Record{}
	assert.False(t, zero.IsValid())
	assert.False(t, zero.Live())

	live := Record{Key: []byte("k")}
	assert.True(t, live.IsValid())
	assert.True(t, live.Live())

	tombstoned := Record{Key: []byte("k"), Tombstone: true}
	assert.False(t, tombstoned.Live())

	deleted := Record{Key: []byte("k"), Deleted: true}
	assert.False(t, deleted.Live())
}

func TestSchema_CompareRecordsNewestTimestampFirst(t *testing.T) {
	s := testSchema()
	older := Record{Key: []byte("key-0001"), Timestamp: 1}
	newer := Record{Key: []byte("key-0001"), Timestamp: 2}
	assert.Negative(t, s.CompareRecords(newer, older))
	assert.Positive(t, s.CompareRecords(older, newer))
	assert.Zero(t, s.CompareRecords(older, older))
}

func TestCompareBytes_Ordering(t *testing.T) {
	assert.Negative(t, CompareBytes([]byte("a"), []byte("b")))
	assert.Positive(t, CompareBytes([]byte("b"), []byte("a")))
	assert.Zero(t, CompareBytes([]byte("a"), []byte("a")))
	assert.Negative(t, CompareBytes([]byte("a"), []byte("ab")))
}
