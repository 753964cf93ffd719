package lsm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// recordFlagTombstone marks a record as a tombstone: it cancels a prior
// (key, value) pair when visited first during a scan or point lookup.
const recordFlagTombstone = byte(1 << 0)

// recordFlagDeleted marks a record as tag-deleted in place, used only when
// Config.DeleteTagging is enabled.
const recordFlagDeleted = byte(1 << 1)

// headerSize is timestamp (8 bytes) + flags (1 byte). Weight, when present,
// follows as a further WeightSize bytes (see Schema.RecordSize).
const headerSize = 9

// KeyComparator supplies the caller's total order over fixed-width key
// bytes. It must behave like bytes.Compare: negative if a < b, zero if
// equal, positive if a > b.
type KeyComparator func(a, b []byte) int

// CompareBytes is the default KeyComparator, a lexicographic comparison
// over raw key bytes.
func CompareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Schema describes the process-wide fixed-width record layout: a header
// (timestamp, flags, optional weight) followed by key_size key bytes and
// value_size value bytes. Records are self-describing only insofar as a
// single Schema governs every record handled by one LSMTree.
type Schema struct {
	KeySize    int
	ValueSize  int
	WeightSize int // 0 disables weighted sampling; otherwise must be 8 (float64)
	Compare    KeyComparator
}

// RecordSize returns the total encoded length of one record under this
// schema.
func (s Schema) RecordSize() int {
	return headerSize + s.WeightSize + s.KeySize + s.ValueSize
}

func (s Schema) cmp(a, b []byte) int {
	if s.Compare != nil {
		return s.Compare(a, b)
	}
	return CompareBytes(a, b)
}

// Record is a decoded, self-contained view of one fixed-width record: a
// timestamp, tombstone/deleted flags, an optional sampling weight, and the
// fixed key and value byte slices.
type Record struct {
	Key       []byte
	Value     []byte
	Timestamp int64
	Tombstone bool
	Deleted   bool
	Weight    float64
}

// IsValid reports whether r names an actual record, as opposed to the zero
// Record returned by lookups that found nothing (the Go analogue of the
// original's default-constructed, "invalid" io::Record).
func (r Record) IsValid() bool {
	return r.Key != nil
}

// Live reports whether r should be visible to a reader: not a tombstone and
// not tag-deleted.
func (r Record) Live() bool {
	return r.IsValid() && !r.Tombstone && !r.Deleted
}

// Encode serializes r into raw bytes per schema s.
func (s Schema) Encode(r Record) ([]byte, error) {
	if len(r.Key) != s.KeySize {
		return nil, fmt.Errorf("lsm: key length %d != schema key_size %d", len(r.Key), s.KeySize)
	}
	if len(r.Value) != s.ValueSize {
		return nil, fmt.Errorf("lsm: value length %d != schema value_size %d", len(r.Value), s.ValueSize)
	}

	buf := make([]byte, s.RecordSize())
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.Timestamp))

	var flags byte
	if r.Tombstone {
		flags |= recordFlagTombstone
	}
	if r.Deleted {
		flags |= recordFlagDeleted
	}
	buf[8] = flags

	off := headerSize
	if s.WeightSize > 0 {
		binary.LittleEndian.PutUint64(buf[off:off+8], math.Float64bits(r.Weight))
		off += s.WeightSize
	}

	copy(buf[off:off+s.KeySize], r.Key)
	off += s.KeySize
	copy(buf[off:off+s.ValueSize], r.Value)

	return buf, nil
}

// Decode parses raw bytes encoded by Encode back into a Record. The
// returned Key/Value slices alias buf; callers that retain the Record past
// a mutation of buf must copy.
func (s Schema) Decode(buf []byte) (Record, error) {
	if len(buf) != s.RecordSize() {
		return Record{}, fmt.Errorf("%w: record buffer %d bytes, want %d", ErrCorrupted, len(buf), s.RecordSize())
	}

	ts := int64(binary.LittleEndian.Uint64(buf[0:8]))
	flags := buf[8]

	off := headerSize
	var weight float64 = 1
	if s.WeightSize > 0 {
		weight = math.Float64frombits(binary.LittleEndian.Uint64(buf[off : off+8]))
		off += s.WeightSize
	}

	key := buf[off : off+s.KeySize]
	off += s.KeySize
	value := buf[off : off+s.ValueSize]

	return Record{
		Key:       key,
		Value:     value,
		Timestamp: ts,
		Tombstone: flags&recordFlagTombstone != 0,
		Deleted:   flags&recordFlagDeleted != 0,
		Weight:    weight,
	}, nil
}

// CompareRecords orders two records by (key, timestamp), the sort order
// every run must maintain per spec §3's Run invariant. Newer timestamps
// sort first so that a newest-wins scan simply takes the first match.
func (s Schema) CompareRecords(a, b Record) int {
	if c := s.cmp(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.Timestamp > b.Timestamp:
		return -1
	case a.Timestamp < b.Timestamp:
		return 1
	default:
		return 0
	}
}
