package lsm

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the engine's operational parameters, spec §6's
// "Configuration (enumerated options)" table. The teacher's analogue is
// LSMOptions/DefaultLSMOptions in pkg/lsm/lsm_types.go; pkg/config wraps a
// copy of these fields with go-playground/validator struct tags and YAML
// loading on top.
type Config struct {
	DataDir string

	MemtableCapacity     int
	ScaleFactor          int
	Policy               Policy
	MaxDeletedProportion float64
	MemoryLevels         int
	BloomFilters         bool
	BloomFPR             float64
	DeleteTagging        bool
	MemtableType         MemTableKind
	WeightedSampling     bool

	KeySize    int
	ValueSize  int
	WeightSize int

	PageCacheCapacity int
	RngSeed           int64

	Compare KeyComparator
}

// DefaultConfig returns sane defaults mirroring the teacher's
// DefaultLSMOptions pattern.
func DefaultConfig() Config {
	return Config{
		MemtableCapacity:     1000,
		ScaleFactor:          10,
		Policy:               PolicyTiering,
		MaxDeletedProportion: 0.2,
		MemoryLevels:         0,
		BloomFilters:         true,
		BloomFPR:             0.01,
		DeleteTagging:        false,
		MemtableType:         MemTableKindSorted,
		WeightedSampling:     false,
		KeySize:              8,
		ValueSize:            8,
		WeightSize:           0,
		PageCacheCapacity:    1024,
		RngSeed:              0,
	}
}

func (c Config) schema() Schema {
	return Schema{KeySize: c.KeySize, ValueSize: c.ValueSize, WeightSize: c.WeightSize, Compare: c.Compare}
}

func (c Config) runOptions() RunOptions {
	return RunOptions{
		BloomEnabled:     c.BloomFilters,
		BloomFPR:         c.BloomFPR,
		DeleteTagging:    c.DeleteTagging,
		WeightedSampling: c.WeightedSampling,
	}
}

// SampleStats reports the timing/count breakdown of one RangeSampleDetailed
// call, the Go analogue of the original's range_sample_bench (supplemented
// into SPEC_FULL.md since spec.md's distillation dropped it).
type SampleStats struct {
	RangesConsidered int
	Attempts         int
	Accepted         int
	Rejected         int

	BuildRangesDuration time.Duration
	AliasBuildDuration  time.Duration
	DrawDuration        time.Duration
	Total               time.Duration
}

// LSMTree is the top-level coordinator (spec §4.5): the active memtable,
// the vector of levels, the merge policy, and the range-sample algorithm.
// Grounded on the teacher's LSMStorage (pkg/lsm/lsm_types.go + lsm.go):
// same division of responsibility (memtable + immutable-table-in-flight +
// levels + background worker), generalized from a generic KV store's
// Put/Get/flush-on-size into the spec's fixed-width-record, sampling-first
// domain.
type LSMTree struct {
	cfg    Config
	schema Schema
	store  *PageStore
	rng    Rng
	rngMu  sync.Mutex

	metrics MetricsRecorder

	mu         sync.RWMutex // protects memtables/activeIdx/levels per spec §5
	memtables  []MemTable
	activeIdx  int
	levels     []*Level
	mergeMu    sync.Mutex // serializes background merges (spec §9's merge lock)
	mergeWG    sync.WaitGroup

	nextTimestamp int64 // atomic
	closed        int32
}

// MetricsRecorder is the narrow interface LSMTree needs from pkg/metrics,
// kept here to avoid an import cycle; pkg/metrics.Metrics implements it.
type MetricsRecorder interface {
	ObserveInsert()
	ObserveDelete()
	ObserveGet(hit bool)
	ObserveSample(stats SampleStats)
	ObserveMerge(d time.Duration)
	ObserveOverload()
}

// noopMetrics discards every observation; used when NewLSMTree is called
// with a nil MetricsRecorder.
type noopMetrics struct{}

func (noopMetrics) ObserveInsert()              {}
func (noopMetrics) ObserveDelete()              {}
func (noopMetrics) ObserveGet(hit bool)         {}
func (noopMetrics) ObserveSample(s SampleStats) {}
func (noopMetrics) ObserveMerge(d time.Duration) {}
func (noopMetrics) ObserveOverload()            {}

// NewLSMTree constructs an engine instance rooted at cfg.DataDir, starting
// with a single empty ACTIVE memtable and no levels.
func NewLSMTree(cfg Config, metrics MetricsRecorder) (*LSMTree, error) {
	if cfg.MemtableCapacity <= 0 {
		return nil, fmt.Errorf("%w: memtable_capacity must be > 0", ErrInvariantViolation)
	}
	if cfg.ScaleFactor < 2 {
		return nil, fmt.Errorf("%w: scale_factor must be >= 2", ErrInvariantViolation)
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	t := &LSMTree{
		cfg:     cfg,
		schema:  cfg.schema(),
		store:   NewPageStore(cfg.PageCacheCapacity),
		rng:     NewRng(cfg.RngSeed),
		metrics: metrics,
	}

	active := NewMemTable(cfg.MemtableType, t.schema, cfg.MemtableCapacity)
	active.SetStatus(MemTableActive)
	t.memtables = []MemTable{active}
	t.activeIdx = 0

	return t, nil
}

func (t *LSMTree) drawRng() Rng {
	// Rng implementations (math/rand.Rand) are not safe for concurrent use;
	// every draw site goes through this serialized accessor.
	return &lockedRng{t: t}
}

type lockedRng struct{ t *LSMTree }

func (l *lockedRng) Intn(n int) int {
	l.t.rngMu.Lock()
	defer l.t.rngMu.Unlock()
	return l.t.rng.Intn(n)
}
func (l *lockedRng) Float64() float64 {
	l.t.rngMu.Lock()
	defer l.t.rngMu.Unlock()
	return l.t.rng.Float64()
}

// maxInsertAttempts bounds Insert's retry loop. Each attempt either
// succeeds, finds a concurrently-rotated table (retry for free), or
// triggers a rotation itself; a fresh memtable always accepts at least
// one record, so legitimate contention resolves in a handful of
// attempts. Exceeding the bound means rotation itself is failing to make
// progress, which ErrOverloaded is reserved for.
const maxInsertAttempts = 8

// Insert assigns the next timestamp and writes a record into the active
// memtable, rotating it into the background-merge pipeline on overflow
// (spec §4.5 Insert). Multiple goroutines may call Insert concurrently
// against the same ACTIVE memtable (spec §5); the table named by
// activeTable() can be rotated to MERGING by another inserter between
// that read and the Insert call below, so an ErrInvariantViolation here
// means "retry against whatever is active now", not a real failure.
func (t *LSMTree) Insert(key, value []byte, weight float64, tombstone bool) error {
	ts := atomic.AddInt64(&t.nextTimestamp, 1)
	if weight <= 0 {
		weight = 1
	}
	rec := Record{Key: key, Value: value, Timestamp: ts, Tombstone: tombstone, Weight: weight}

	for attempt := 0; attempt < maxInsertAttempts; attempt++ {
		mt := t.activeTable()
		ok, err := mt.Insert(rec)
		if err != nil {
			if errors.Is(err, ErrInvariantViolation) {
				// mt was rotated to MERGING by another inserter between
				// activeTable() and Insert(); retry against whatever is
				// active now rather than surfacing a spurious failure.
				continue
			}
			return err
		}
		if ok {
			if t.metrics != nil {
				t.metrics.ObserveInsert()
			}
			return nil
		}

		// mt is full. Try to rotate it out; if another goroutine beat us
		// to it, rotateActive's caller-visible effect is just "there is
		// now a fresh active table", so looping back picks it up either
		// way.
		if err := t.rotateActive(); err != nil {
			return err
		}
	}

	if t.metrics != nil {
		t.metrics.ObserveOverload()
	}
	return ErrOverloaded
}

// Delete removes a (key, value) pair. In tombstone mode (the default, per
// SPEC_FULL's Open Question resolution) this writes a new tombstone
// record. In tagging mode it flips the live record's deleted flag in
// place when that record is still memtable-resident; a record already
// flushed into an immutable run cannot be mutated in place, so tagging
// mode falls back to a tombstone write for those — runs are immutable
// after publication (spec §3), so true in-place tagging can only ever
// reach the memtable layer.
func (t *LSMTree) Delete(key, value []byte) error {
	if !t.cfg.DeleteTagging {
		return t.Insert(key, value, 1, true)
	}

	found, err := t.tagDeleteInMemtables(key, value)
	if err != nil {
		return err
	}
	if found {
		if t.metrics != nil {
			t.metrics.ObserveDelete()
		}
		return nil
	}

	if _, ok, err := t.getFromLevels(key, maxTimestamp()); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	if err := t.Insert(key, value, 1, true); err != nil {
		return err
	}
	if t.metrics != nil {
		t.metrics.ObserveDelete()
	}
	return nil
}

// Update composes delete-then-insert (original_source/include/sampling/lsmtree.hpp
// exposes this directly; spec.md's API table omits it, but SPEC_FULL.md
// restores it as a supplemental feature).
func (t *LSMTree) Update(key, oldValue, newValue []byte) error {
	if err := t.Delete(key, oldValue); err != nil && err != ErrNotFound {
		return err
	}
	return t.Insert(key, newValue, 1, false)
}

func maxTimestamp() int64 { return int64(^uint64(0) >> 1) }

// Get returns the newest live record for key with timestamp <= at (pass
// maxTimestamp() for "latest").
func (t *LSMTree) Get(key []byte, at int64) (Record, bool, error) {
	t.mu.RLock()
	pool := append([]MemTable(nil), t.memtables...)
	active := t.activeIdx
	t.mu.RUnlock()

	ordered := orderedPool(pool, active)
	for _, mt := range ordered {
		if rec, ok := mt.Get(key, at); ok {
			hit := rec.Live()
			if t.metrics != nil {
				t.metrics.ObserveGet(hit)
			}
			if !hit {
				return Record{}, false, nil
			}
			return rec, true, nil
		}
	}

	rec, ok, err := t.getFromLevels(key, at)
	if err != nil {
		return Record{}, false, err
	}
	if t.metrics != nil {
		t.metrics.ObserveGet(ok && rec.Live())
	}
	if !ok || !rec.Live() {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (t *LSMTree) getFromLevels(key []byte, at int64) (Record, bool, error) {
	t.mu.RLock()
	levels := append([]*Level(nil), t.levels...)
	t.mu.RUnlock()

	for _, lvl := range levels {
		rec, ok, err := lvl.GetByKey(key, at)
		if err != nil {
			return Record{}, false, err
		}
		if ok {
			return rec, true, nil
		}
	}
	return Record{}, false, nil
}

func orderedPool(pool []MemTable, activeIdx int) []MemTable {
	out := make([]MemTable, 0, len(pool))
	if activeIdx >= 0 && activeIdx < len(pool) {
		out = append(out, pool[activeIdx])
	}
	for i := len(pool) - 1; i >= 0; i-- {
		if i == activeIdx {
			continue
		}
		out = append(out, pool[i])
	}
	return out
}

func (t *LSMTree) activeTable() MemTable {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.memtables[t.activeIdx]
}

func (t *LSMTree) tagDeleteInMemtables(key, value []byte) (bool, error) {
	t.mu.RLock()
	pool := append([]MemTable(nil), t.memtables...)
	active := t.activeIdx
	t.mu.RUnlock()

	for _, mt := range orderedPool(pool, active) {
		tagger, ok := mt.(interface {
			TagDeleted(key, value []byte) (bool, error)
		})
		if !ok {
			continue
		}
		found, err := tagger.TagDeleted(key, value)
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

// rotateActive switches the full ACTIVE memtable to MERGING, promotes (or
// creates) an EMPTY table as the new ACTIVE, and launches the background
// drain-and-cascade task — spec §4.5 Insert's overflow handling and the
// ACTIVE/MERGING/EMPTY/RETAINED state machine.
func (t *LSMTree) rotateActive() error {
	t.mu.Lock()
	oldIdx := t.activeIdx
	old := t.memtables[oldIdx]
	old.SetStatus(MemTableMerging)

	newIdx := -1
	for i, mt := range t.memtables {
		if i != oldIdx && mt.Status() == MemTableEmpty {
			newIdx = i
			break
		}
	}
	if newIdx == -1 {
		fresh := NewMemTable(t.cfg.MemtableType, t.schema, t.cfg.MemtableCapacity)
		t.memtables = append(t.memtables, fresh)
		newIdx = len(t.memtables) - 1
	}
	t.memtables[newIdx].SetStatus(MemTableActive)
	t.activeIdx = newIdx
	t.mu.Unlock()

	t.mergeWG.Add(1)
	go t.backgroundMerge(old)
	return nil
}

func (t *LSMTree) backgroundMerge(mt MemTable) {
	defer t.mergeWG.Done()
	t.mergeMu.Lock()
	defer t.mergeMu.Unlock()

	start := time.Now()
	records := mt.Scan()
	if err := t.cascade(records); err != nil {
		log.Printf("lsm: background merge failed, source memtable left untouched: %v", err)
		// Failure semantics (spec §4.5): merge failure leaves source
		// untouched. The table stays MERGING with its records still
		// readable through Get and RangeSample; no later rotation drains
		// it again, and it is neither truncated nor marked RETAINED.
	} else {
		if err := mt.Truncate(); err == nil {
			mt.SetStatus(MemTableEmpty)
		} else {
			mt.SetStatus(MemTableRetained)
		}
	}
	if t.metrics != nil {
		t.metrics.ObserveMerge(time.Since(start))
	}
}

// releaseMemtable drops a pin previously taken (e.g. by a RangeSample call)
// on a memtable; if it was RETAINED and this was the last pin, it
// transitions to EMPTY now that truncation can proceed.
func (t *LSMTree) releaseMemtable(mt MemTable) {
	mt.Unpin()
	if mt.Status() == MemTableRetained && mt.PinCount() == 0 {
		if err := mt.Truncate(); err == nil {
			mt.SetStatus(MemTableEmpty)
		}
	}
}

// cascade implements spec §4.5's cascade rule for draining a full memtable
// into the level hierarchy.
func (t *LSMTree) cascade(records []Record) error {
	if len(records) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	incoming := len(records)

	if len(t.levels) == 0 || !t.levels[0].CanMergeWith(incoming) {
		i := 1
		for i < len(t.levels) && !t.levels[i].CanMergeWith(incoming) {
			i++
		}
		if i >= len(t.levels) {
			t.growLevelLocked()
			i = len(t.levels) - 1
		}
		for j := i; j >= 1; j-- {
			if err := t.levels[j].MergeWithLevel(t.levels[j-1]); err != nil {
				return err
			}
			if err := t.levels[j-1].Truncate(); err != nil {
				return err
			}
		}
	}

	incomingRun, err := BuildRun(t.store, t.cfg.DataDir, t.schema, records, t.cfg.runOptions())
	if err != nil {
		return err
	}
	return t.levels[0].MergeWith(incomingRun)
}

func (t *LSMTree) growLevelLocked() {
	runCap := t.cfg.ScaleFactor
	if t.cfg.Policy == PolicyLeveling {
		runCap = 1
	}

	// Each level holds scale-factor-times more records than the one above
	// it (spec §3); L0's capacity is the memtable's capacity times one
	// scale factor, L1 is L0's times another, and so on.
	recordCap := t.cfg.MemtableCapacity
	for i := 0; i <= len(t.levels); i++ {
		recordCap *= t.cfg.ScaleFactor
	}

	for _, lvl := range t.levels {
		lvl.setIsBottom(false)
	}

	lvl := NewLevel(t.cfg.Policy, runCap, recordCap, true, t.cfg.MaxDeletedProportion, t.cfg.DataDir, t.store, t.schema, t.cfg.runOptions())
	t.levels = append(t.levels, lvl)
}

// Depth returns the number of levels currently grown.
func (t *LSMTree) Depth() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.levels)
}

// RecordCount returns the total record count across every memtable and
// level.
func (t *LSMTree) RecordCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, mt := range t.memtables {
		n += mt.Len()
	}
	for _, lvl := range t.levels {
		n += lvl.RecordCount()
	}
	return n
}

// MemoryUtilization reports per-level auxiliary-structure memory (Bloom
// filters + alias tables), the original's memory_utilization(), added back
// by SPEC_FULL.md.
func (t *LSMTree) MemoryUtilization() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, lvl := range t.levels {
		n += lvl.MemoryUtilization()
	}
	return n
}

// Flush synchronously rotates and drains the active memtable, waiting for
// the resulting background merge to complete. Useful for tests and for the
// benchmark harness's warmup phase.
func (t *LSMTree) Flush() error {
	if t.activeTable().Len() == 0 {
		return nil
	}
	if err := t.rotateActive(); err != nil {
		return err
	}
	t.mergeWG.Wait()
	return nil
}

// Close marks the tree closed and waits for any in-flight background merge
// to finish. It does not close run files or clear the page cache.
func (t *LSMTree) Close() error {
	atomic.StoreInt32(&t.closed, 1)
	t.mergeWG.Wait()
	return nil
}
