package lsm

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/google/uuid"
)

const pageHeaderSize = 16

// indexEntry is one sparse-index entry: the last key of a leaf page, per
// spec §4.3 ("the last key of each page becomes a sparse-index entry").
type indexEntry struct {
	Key     []byte
	PageNum uint64
}

// RunOptions configures Run construction.
type RunOptions struct {
	BloomEnabled    bool
	BloomFPR        float64
	DeleteTagging   bool // if false, a separate tombstone bloom filter is built
	WeightedSampling bool
}

// Run is an immutable, sorted, page-oriented array of records (spec §4.3):
// an ISAM-style structure with a sparse index supporting lower_bound /
// upper_bound in O(log n), an optional Bloom filter, and — when weighted
// sampling is enabled — an alias table over per-record weights. Grounded on
// the teacher's SSTable/MappedSSTable pair (pkg/lsm/sstable*.go), adapted
// from a generic KV store's variable-length entries to this schema's
// fixed-width records and from "offset within file" addressing to
// page+slot addressing per spec §4.1/§4.3.
type Run struct {
	ID     uuid.UUID
	path   string
	schema Schema
	store  *PageStore

	recordCount    int
	tombstoneCount int
	leafPageCount  int
	recordsPerPage int
	lastPageSlots  int // slot count of the final (possibly partial) leaf page

	minKey, maxKey []byte

	index          []indexEntry
	bloom          *BloomFilter
	tombstoneBloom *BloomFilter // non-nil only when !DeleteTagging
	alias          *AliasTable  // non-nil only when WeightedSampling
}

func recordsPerPage(recordSize int) int {
	n := (PageSize - pageHeaderSize) / recordSize
	if n < 1 {
		n = 1
	}
	return n
}

// BuildRun materializes records (already ordered by the caller —
// Level.MergeWith / Level.MergeWithLevel, or LSMTree.cascade's memtable
// drain; BuildRun itself neither sorts nor deduplicates) into a new run file
// under dir, named by a fresh UUID, and opens it for reads.
func BuildRun(store *PageStore, dir string, schema Schema, records []Record, opts RunOptions) (*Run, error) {
	id := uuid.New()
	path := fmt.Sprintf("%s/run-%s.dat", dir, id.String())

	recSize := schema.RecordSize()
	perPage := recordsPerPage(recSize)

	r := &Run{
		ID:             id,
		path:           path,
		schema:         schema,
		store:          store,
		recordsPerPage: perPage,
	}

	if len(records) == 0 {
		// An empty run is legal (e.g. a compaction that tombstone-dropped
		// everything at the bottom level); it just never gets queried.
		if _, err := store.CreateFile(path); err != nil {
			return nil, err
		}
		if err := store.FinalizeFile(path); err != nil {
			return nil, err
		}
		r.bloom = NewBloomFilter(1, 0.01)
		return r, nil
	}

	if _, err := store.CreateFile(path); err != nil {
		return nil, err
	}

	var weights []float64
	if opts.WeightedSampling {
		weights = make([]float64, 0, len(records))
	}

	bloomFPR := opts.BloomFPR
	if bloomFPR <= 0 {
		bloomFPR = 0.01
	}
	if opts.BloomEnabled {
		r.bloom = NewBloomFilter(len(records), bloomFPR)
		if !opts.DeleteTagging {
			r.tombstoneBloom = NewBloomFilter(len(records), bloomFPR)
		}
	}

	pageBuf := make([]byte, PageSize)
	slotInPage := 0
	pageNum := uint64(0)

	flushPage := func() error {
		if slotInPage == 0 {
			return nil
		}
		writePageHeader(pageBuf, slotInPage, perPage)
		if err := store.WritePage(path, pageNum, pageBuf); err != nil {
			return err
		}
		// Sparse index: last key written to this page.
		lastOff := pageHeaderSize + (slotInPage-1)*recSize
		rec, err := schema.Decode(pageBuf[lastOff : lastOff+recSize])
		if err != nil {
			return err
		}
		r.index = append(r.index, indexEntry{Key: append([]byte(nil), rec.Key...), PageNum: pageNum})
		r.lastPageSlots = slotInPage
		pageNum++
		slotInPage = 0
		pageBuf = make([]byte, PageSize)
		return nil
	}

	for _, rec := range records {
		buf, err := schema.Encode(rec)
		if err != nil {
			return nil, err
		}
		off := pageHeaderSize + slotInPage*recSize
		copy(pageBuf[off:off+recSize], buf)
		slotInPage++
		r.recordCount++
		if rec.Tombstone {
			r.tombstoneCount++
		}
		if r.minKey == nil || schema.cmp(rec.Key, r.minKey) < 0 {
			r.minKey = append([]byte(nil), rec.Key...)
		}
		if r.maxKey == nil || schema.cmp(rec.Key, r.maxKey) > 0 {
			r.maxKey = append([]byte(nil), rec.Key...)
		}

		if r.bloom != nil {
			if rec.Tombstone && r.tombstoneBloom != nil {
				r.tombstoneBloom.Insert(rec.Key)
			} else if !rec.Tombstone {
				r.bloom.Insert(rec.Key)
			}
		}
		if opts.WeightedSampling {
			w := rec.Weight
			if w <= 0 {
				w = 1
			}
			weights = append(weights, w)
		}

		if slotInPage == perPage {
			if err := flushPage(); err != nil {
				return nil, err
			}
		}
	}
	if err := flushPage(); err != nil {
		return nil, err
	}

	r.leafPageCount = int(pageNum)

	if opts.WeightedSampling {
		r.alias = NewAliasTable(weights)
	}

	if err := store.FinalizeFile(path); err != nil {
		return nil, err
	}

	return r, nil
}

func writePageHeader(buf []byte, slotCount, maxSlot int) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(slotCount))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(maxSlot))
	// Checksum covers the record payload region only; computed after the
	// header's own checksum field is zeroed.
	binary.LittleEndian.PutUint32(buf[4:8], 0)
	binary.LittleEndian.PutUint32(buf[8:12], 0) // flags, unused
	crc := crc32.ChecksumIEEE(buf[pageHeaderSize:])
	binary.LittleEndian.PutUint32(buf[4:8], crc)
}

func verifyPageChecksum(buf []byte) error {
	want := binary.LittleEndian.Uint32(buf[4:8])
	tmp := append([]byte(nil), buf...)
	binary.LittleEndian.PutUint32(tmp[4:8], 0)
	got := crc32.ChecksumIEEE(tmp[pageHeaderSize:])
	if got != want {
		return fmt.Errorf("%w: page checksum mismatch", ErrCorrupted)
	}
	return nil
}

func pageSlotCount(buf []byte) int {
	return int(binary.LittleEndian.Uint16(buf[0:2]))
}

// RecordCount returns the number of records (including tombstones) in the
// run.
func (r *Run) RecordCount() int { return r.recordCount }

// TombstoneCount returns the number of tombstone records in the run.
func (r *Run) TombstoneCount() int { return r.tombstoneCount }

// MinKey and MaxKey return the run's key bounds, used to decide whether a
// run intersects a sample range.
func (r *Run) MinKey() []byte { return r.minKey }
func (r *Run) MaxKey() []byte { return r.maxKey }

// Intersects reports whether [lo, hi] overlaps [r.minKey, r.maxKey].
func (r *Run) Intersects(lo, hi []byte) bool {
	if r.recordCount == 0 {
		return false
	}
	return r.schema.cmp(lo, r.maxKey) <= 0 && r.schema.cmp(hi, r.minKey) >= 0
}

// MaybeContains delegates to the run's Bloom filter (or reports true, a
// degenerate pass-through, if Bloom filters are disabled).
func (r *Run) MaybeContains(key []byte) bool {
	if r.bloom == nil {
		return true
	}
	return r.bloom.MaybeContains(key)
}

// lowerBoundPage returns the page number of the first leaf page whose last
// key is >= key, via binary search over the sparse index (spec §4.3).
func (r *Run) lowerBoundPage(key []byte) int {
	n := sort.Search(len(r.index), func(i int) bool {
		return r.schema.cmp(r.index[i].Key, key) >= 0
	})
	if n >= len(r.index) {
		return len(r.index) - 1
	}
	return n
}

// upperBoundPage returns the page number of the first leaf page whose last
// key is > hi.
func (r *Run) upperBoundPage(hi []byte) int {
	n := sort.Search(len(r.index), func(i int) bool {
		return r.schema.cmp(r.index[i].Key, hi) > 0
	})
	if n >= len(r.index) {
		return len(r.index) - 1
	}
	return n
}

// GetByKey scans newest-first for the first record matching key with
// timestamp <= t, per Level.get_by_key's page-local scan (spec §4.4). The
// record may be a tombstone or tag-deleted; liveness is not checked here.
func (r *Run) GetByKey(key []byte, t int64) (Record, bool, error) {
	if r.recordCount == 0 || !r.MaybeContains(key) {
		return Record{}, false, nil
	}
	start := r.lowerBoundPage(key)
	stop := r.upperBoundPage(key)

	for p := start; p <= stop; p++ {
		frame, err := r.store.Read(PageID{File: r.path, Num: uint64(p)})
		if err != nil {
			return Record{}, false, err
		}
		rec, found, err := r.scanPageForKey(frame.Data, key, t)
		frame.Unpin()
		if err != nil {
			return Record{}, false, err
		}
		if found {
			return rec, true, nil
		}
	}
	return Record{}, false, nil
}

func (r *Run) scanPageForKey(buf []byte, key []byte, t int64) (Record, bool, error) {
	if err := verifyPageChecksum(buf); err != nil {
		return Record{}, false, err
	}
	recSize := r.schema.RecordSize()
	slots := pageSlotCount(buf)
	for s := 0; s < slots; s++ {
		off := pageHeaderSize + s*recSize
		rec, err := r.schema.Decode(buf[off : off+recSize])
		if err != nil {
			return Record{}, false, err
		}
		if r.schema.cmp(rec.Key, key) == 0 && rec.Timestamp <= t {
			return rec, true, nil
		}
	}
	return Record{}, false, nil
}

// HasTombstone reports whether a tombstone for (key, value) with
// timestamp <= t exists in this run.
func (r *Run) HasTombstone(key, value []byte, t int64) (bool, error) {
	if r.recordCount == 0 {
		return false, nil
	}
	if r.tombstoneBloom != nil && !r.tombstoneBloom.MaybeContains(key) {
		return false, nil
	}
	start := r.lowerBoundPage(key)
	stop := r.upperBoundPage(key)
	recSize := r.schema.RecordSize()

	for p := start; p <= stop; p++ {
		frame, err := r.store.Read(PageID{File: r.path, Num: uint64(p)})
		if err != nil {
			return false, err
		}
		if err := verifyPageChecksum(frame.Data); err != nil {
			frame.Unpin()
			return false, err
		}
		slots := pageSlotCount(frame.Data)
		for s := 0; s < slots; s++ {
			off := pageHeaderSize + s*recSize
			rec, err := r.schema.Decode(frame.Data[off : off+recSize])
			if err != nil {
				frame.Unpin()
				return false, err
			}
			if rec.Tombstone && rec.Timestamp <= t && r.schema.cmp(rec.Key, key) == 0 && bytesEqual(rec.Value, value) {
				frame.Unpin()
				return true, nil
			}
		}
		frame.Unpin()
	}
	return false, nil
}

// HasMaskingTombstone reports whether this run holds a tombstone for
// (key, value) with timestamp >= minTs — used by RangeSample's rejection
// step to detect a record masked by a tombstone written at or after it.
func (r *Run) HasMaskingTombstone(key, value []byte, minTs int64) (bool, error) {
	if r.recordCount == 0 {
		return false, nil
	}
	if r.tombstoneBloom != nil && !r.tombstoneBloom.MaybeContains(key) {
		return false, nil
	}
	start := r.lowerBoundPage(key)
	stop := r.upperBoundPage(key)
	recSize := r.schema.RecordSize()

	for p := start; p <= stop; p++ {
		frame, err := r.store.Read(PageID{File: r.path, Num: uint64(p)})
		if err != nil {
			return false, err
		}
		if err := verifyPageChecksum(frame.Data); err != nil {
			frame.Unpin()
			return false, err
		}
		slots := pageSlotCount(frame.Data)
		for s := 0; s < slots; s++ {
			off := pageHeaderSize + s*recSize
			rec, err := r.schema.Decode(frame.Data[off : off+recSize])
			if err != nil {
				frame.Unpin()
				return false, err
			}
			if rec.Tombstone && rec.Timestamp >= minTs && r.schema.cmp(rec.Key, key) == 0 && bytesEqual(rec.Value, value) {
				frame.Unpin()
				return true, nil
			}
		}
		frame.Unpin()
	}
	return false, nil
}

// RecordAt decodes the record at slot within an already-pinned frame, the
// "sample_record" primitive of spec §4.3.
func (r *Run) RecordAt(frame *PinnedFrame, slot int) (Record, error) {
	return decodeRecordAt(r.schema, frame, slot)
}

// pageSlotForIndex maps a global record index (0-based, insertion order —
// the same order the alias table's weights were built from in BuildRun)
// to its (page, slot) address. Pages before the last are always full
// (recordsPerPage slots), so the mapping is a plain div/mod.
func (r *Run) pageSlotForIndex(idx int) (uint64, int) {
	page := idx / r.recordsPerPage
	slot := idx % r.recordsPerPage
	return uint64(page), slot
}

// decodeRecordAt decodes the record at slot within an already-pinned
// frame. It only needs a Schema, not a *Run, since any disk SampleRange
// candidate is addressed by (PageID, slot) and every run under one
// LSMTree shares the same schema.
func decodeRecordAt(schema Schema, frame *PinnedFrame, slot int) (Record, error) {
	if err := verifyPageChecksum(frame.Data); err != nil {
		return Record{}, err
	}
	recSize := schema.RecordSize()
	off := pageHeaderSize + slot*recSize
	if off+recSize > len(frame.Data) {
		return Record{}, fmt.Errorf("%w: slot %d out of page bounds", ErrCorrupted, slot)
	}
	return schema.Decode(frame.Data[off : off+recSize])
}

// Scan decodes every record in the run in order, used to feed a
// MergeIterator during compaction (grounded on MappedSSTable.Iterator in
// sstable_mmap.go).
func (r *Run) Scan() ([]Record, error) {
	out := make([]Record, 0, r.recordCount)
	recSize := r.schema.RecordSize()
	for p := 0; p < r.leafPageCount; p++ {
		frame, err := r.store.Read(PageID{File: r.path, Num: uint64(p)})
		if err != nil {
			return nil, err
		}
		if err := verifyPageChecksum(frame.Data); err != nil {
			frame.Unpin()
			return nil, err
		}
		slots := pageSlotCount(frame.Data)
		for s := 0; s < slots; s++ {
			off := pageHeaderSize + s*recSize
			rec, err := r.schema.Decode(frame.Data[off : off+recSize])
			if err != nil {
				frame.Unpin()
				return nil, err
			}
			out = append(out, rec)
		}
		frame.Unpin()
	}
	return out, nil
}

// GetSampleRange returns a disk-backed SampleRange covering every leaf page
// that could hold a key in [lo, hi], or nil if the run doesn't intersect.
func (r *Run) GetSampleRange(lo, hi []byte) SampleRange {
	if !r.Intersects(lo, hi) {
		return nil
	}
	start := r.lowerBoundPage(lo)
	stop := r.upperBoundPage(hi)
	if stop < start {
		return nil
	}

	slotCounts := make([]int, stop-start+1)
	total := 0
	for i := range slotCounts {
		pageNum := start + i
		if pageNum == r.leafPageCount-1 {
			slotCounts[i] = r.lastPageSlots
		} else {
			slotCounts[i] = r.recordsPerPage
		}
		total += slotCounts[i]
	}

	return &diskSampleRange{
		run:        r,
		startPage:  uint64(start),
		slotCounts: slotCounts,
		total:      total,
	}
}

// diskSampleRange is a candidate band of leaf pages in one run. Length
// counts raw slot positions, which may include tombstones, tag-deleted, or
// (at the band's edges) out-of-range records — exactly the "may exceed
// valid-record count" contract of spec §4.6.
type diskSampleRange struct {
	run        *Run
	startPage  uint64
	slotCounts []int
	total      int
}

func (d *diskSampleRange) Length() int { return d.total }

func (d *diskSampleRange) Draw(rng Rng) Candidate {
	if d.total == 0 {
		return Candidate{}
	}
	if d.run.alias != nil {
		// Weighted sampling: draw a record index in proportion to its
		// weight over the whole run, not a uniform slot within this
		// band. A draw landing outside [lo, hi] is caught by the usual
		// key-bounds rejection in resolveCandidate, the same way an
		// out-of-range slot at a band's edge already is.
		idx := d.run.alias.Draw(rng)
		page, slot := d.run.pageSlotForIndex(idx)
		return Candidate{
			MemoryResident: false,
			Page:           PageID{File: d.run.path, Num: page},
			Slot:           slot,
		}
	}
	idx := rng.Intn(d.total)
	for i, count := range d.slotCounts {
		if idx < count {
			return Candidate{
				MemoryResident: false,
				Page:           PageID{File: d.run.path, Num: d.startPage + uint64(i)},
				Slot:           idx,
			}
		}
		idx -= count
	}
	// Unreachable given total == sum(slotCounts).
	return Candidate{}
}

func (d *diskSampleRange) IsMemoryResident() bool { return false }

// MemoryUtilization reports the auxiliary (non-record) memory this run
// holds: sparse index, Bloom filter(s), and alias table, per the original's
// memory_utilization() (lsmtree.cpp) supplemented into spec §9.
func (r *Run) MemoryUtilization() int {
	n := 0
	for _, e := range r.index {
		n += len(e.Key) + 8
	}
	if r.bloom != nil {
		n += r.bloom.MemoryUsage()
	}
	if r.tombstoneBloom != nil {
		n += r.tombstoneBloom.MemoryUsage()
	}
	if r.alias != nil {
		n += r.alias.Len() * 16
	}
	return n
}

// Close releases the run's backing mmap reader, called once its containing
// level has been truncated and no reader holds a pin.
func (r *Run) Close() error {
	return r.store.CloseFile(r.path)
}
