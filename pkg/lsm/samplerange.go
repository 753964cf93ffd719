package lsm

// Candidate is what SampleRange.Draw returns: either a memory-resident
// record (already fetched) or a disk page id plus an in-page slot, left
// unfetched so the caller can batch-pin many candidates in one round
// (spec §4.5 step 5), matching the original's "(PageId | RecordRef)"
// union return type.
type Candidate struct {
	MemoryResident bool
	Record         Record
	Page           PageID
	Slot           int
}

// SampleRange is a lightweight, stateless-per-draw handle naming where to
// sample from (spec §4.6): a contiguous index interval of a single source
// (a memtable subset or a run's [start_page..stop_page] band) and how many
// candidate positions it contains. Length may exceed the number of live,
// in-range records — callers reject invalid draws and redraw, which is what
// makes the weighting in spec §4.5 step 2 exact.
type SampleRange interface {
	Length() int
	Draw(rng Rng) Candidate
	IsMemoryResident() bool
}

// memSampleRange draws uniformly from an already-materialized slice of
// records: the sorted memtable's [lower_bound, upper_bound) interval, or
// the unsorted memtable's filter-mode in-range subset.
type memSampleRange struct {
	records []Record
}

func (r *memSampleRange) Length() int { return len(r.records) }

func (r *memSampleRange) Draw(rng Rng) Candidate {
	if len(r.records) == 0 {
		return Candidate{MemoryResident: true}
	}
	idx := rng.Intn(len(r.records))
	return Candidate{MemoryResident: true, Record: r.records[idx]}
}

func (r *memSampleRange) IsMemoryResident() bool { return true }

// rejectionSampleRange is the unsorted memtable's rejection-mode range: it
// samples a raw index into [0, tailIdx] and defers all filtering
// (tombstone, deleted, out-of-range) to draw time, exactly as
// original_source/src/sampling/unsortedrejection_samplerange.cpp's
// get()/get_random_record(). An invalid Candidate.Record (IsValid() ==
// false) signals the draw was rejected and the caller should redraw.
type rejectionSampleRange struct {
	table   *unsortedMemTable
	tailIdx int
	lo, hi  []byte
	schema  Schema
}

func (r *rejectionSampleRange) Length() int { return r.tailIdx + 1 }

func (r *rejectionSampleRange) Draw(rng Rng) Candidate {
	if r.Length() <= 0 {
		return Candidate{MemoryResident: true}
	}
	idx := rng.Intn(r.Length())
	rec := r.table.get(idx)

	if !rec.IsValid() {
		return Candidate{MemoryResident: true}
	}
	if rec.Tombstone || rec.Deleted {
		return Candidate{MemoryResident: true}
	}
	if r.schema.cmp(rec.Key, r.lo) < 0 || r.schema.cmp(rec.Key, r.hi) > 0 {
		return Candidate{MemoryResident: true}
	}
	return Candidate{MemoryResident: true, Record: rec}
}

func (r *rejectionSampleRange) IsMemoryResident() bool { return true }
