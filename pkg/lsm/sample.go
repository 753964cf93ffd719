package lsm

import "time"

// starvationMultiplier is the "5k" anti-starvation cap from spec §4.5 step
// 7: if every attempt in the first 5*k draws has been rejected, the
// effective population is treated as empty.
const starvationMultiplier = 5

// hardAttemptCeiling bounds total draw attempts once at least one record
// has been accepted, guarding against a pathological range where only a
// handful of live records exist among a much larger dead/out-of-range
// population — sampling with replacement will eventually fill k, but this
// keeps a single request from running unboundedly long. Not part of the
// spec; a pragmatic addition recorded in DESIGN.md.
const hardAttemptCeiling = 2_000_000

// RangeSample draws k records uniformly (with replacement) from the live
// records whose keys fall in [lo, hi] (spec §4.5, the engine's hot path).
func (t *LSMTree) RangeSample(lo, hi []byte, k int) ([]Record, error) {
	recs, _, err := t.rangeSample(lo, hi, k)
	return recs, err
}

// RangeSampleDetailed is RangeSample plus the per-phase timing/count
// breakdown the original exposes via range_sample_bench (supplemented into
// SPEC_FULL.md).
func (t *LSMTree) RangeSampleDetailed(lo, hi []byte, k int) ([]Record, SampleStats, error) {
	return t.rangeSample(lo, hi, k)
}

func (t *LSMTree) rangeSample(lo, hi []byte, k int) ([]Record, SampleStats, error) {
	start := time.Now()
	var stats SampleStats
	defer func() {
		stats.Total = time.Since(start)
		t.metrics.ObserveSample(stats)
	}()

	if t.schema.cmp(lo, hi) > 0 {
		return nil, stats, ErrInvalidRange
	}
	if k == 0 {
		return []Record{}, stats, nil
	}

	buildStart := time.Now()

	t.mu.RLock()
	pool := append([]MemTable(nil), t.memtables...)
	active := t.activeIdx
	levels := append([]*Level(nil), t.levels...)
	t.mu.RUnlock()

	ordered := orderedPool(pool, active)
	for _, mt := range ordered {
		mt.Pin()
	}
	defer func() {
		for _, mt := range ordered {
			t.releaseMemtable(mt)
		}
	}()

	var ranges []SampleRange
	for _, mt := range ordered {
		if sr := mt.GetSampleRange(lo, hi); sr != nil {
			ranges = append(ranges, sr)
		}
	}
	for _, lvl := range levels {
		ranges = append(ranges, lvl.GetSampleRanges(lo, hi)...)
	}
	stats.RangesConsidered = len(ranges)
	stats.BuildRangesDuration = time.Since(buildStart)

	if len(ranges) == 0 {
		return nil, stats, ErrEmpty
	}

	aliasStart := time.Now()
	weights := make([]float64, len(ranges))
	for i, r := range ranges {
		weights[i] = float64(r.Length())
	}
	rangeAlias := NewAliasTable(weights)
	stats.AliasBuildDuration = time.Since(aliasStart)

	if rangeAlias.Len() == 0 {
		return nil, stats, ErrEmpty
	}

	drawStart := time.Now()
	result := make([]Record, 0, k)
	rng := t.drawRng()

	for len(result) < k {
		stats.Attempts++

		srcIdx := rangeAlias.Draw(rng)
		cand := ranges[srcIdx].Draw(rng)

		rec, accepted, err := t.resolveCandidate(cand, lo, hi)
		if err != nil {
			return nil, stats, err
		}

		if accepted {
			result = append(result, rec)
			stats.Accepted++
		} else {
			stats.Rejected++
		}

		if len(result) == 0 && stats.Attempts >= starvationMultiplier*k {
			stats.DrawDuration = time.Since(drawStart)
			return nil, stats, ErrEmpty
		}
		if stats.Attempts >= hardAttemptCeiling {
			break
		}
	}
	stats.DrawDuration = time.Since(drawStart)

	return result, stats, nil
}

// resolveCandidate fetches (for disk candidates) and validates one draw,
// applying the rejection rules of spec §4.5 step 6: invalid, tombstone,
// out-of-range, or masked by a newer tombstone.
func (t *LSMTree) resolveCandidate(cand Candidate, lo, hi []byte) (Record, bool, error) {
	var rec Record
	if cand.MemoryResident {
		rec = cand.Record
	} else {
		frame, err := t.store.Read(cand.Page)
		if err != nil {
			return Record{}, false, err
		}
		decoded, err := decodeRecordAt(t.schema, frame, cand.Slot)
		frame.Unpin()
		if err != nil {
			return Record{}, false, err
		}
		rec = decoded
	}

	if !rec.IsValid() {
		return Record{}, false, nil
	}
	if rec.Tombstone || rec.Deleted {
		return Record{}, false, nil
	}
	if t.schema.cmp(rec.Key, lo) < 0 || t.schema.cmp(rec.Key, hi) > 0 {
		return Record{}, false, nil
	}

	masked, err := t.isMasked(rec.Key, rec.Value, rec.Timestamp)
	if err != nil {
		return Record{}, false, err
	}
	if masked {
		return Record{}, false, nil
	}

	return rec, true, nil
}

// isMasked reports whether a newer tombstone for (key, value) exists
// anywhere in the tree, searching memtables then levels (spec §4.5 step
// 6's "verified by searching the tree for a masking tombstone from newer
// levels via has_tombstone").
func (t *LSMTree) isMasked(key, value []byte, recordTs int64) (bool, error) {
	t.mu.RLock()
	pool := append([]MemTable(nil), t.memtables...)
	levels := append([]*Level(nil), t.levels...)
	t.mu.RUnlock()

	for _, mt := range pool {
		masker, ok := mt.(interface {
			HasMaskingTombstone(key, value []byte, minTs int64) bool
		})
		if ok && masker.HasMaskingTombstone(key, value, recordTs) {
			return true, nil
		}
	}
	for _, lvl := range levels {
		found, err := lvl.HasMaskingTombstone(key, value, recordTs)
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}
