package lsm

import (
	"container/list"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/exp/mmap"
)

// PageSize is the fixed page size used for every run's backing file,
// matching spec §4.1/§6 (4 KiB pages).
const PageSize = 4096

// SectorSize is the alignment boundary pages are padded to, per spec §4.1.
const SectorSize = 512

// PageID identifies one page within one backing file: the file path plus a
// monotonically assigned page number, mirroring the "per-file identifier"
// the page store's black-box contract (spec §4.1) calls for.
type PageID struct {
	File string
	Num  uint64
}

// PinnedFrame is a scoped handle on one cached page. Every PinnedFrame
// returned by PageStore.Read/PinBatch must be released via Unpin exactly
// once; an unpaired pin is the InvariantViolation spec §5's pinning
// contract calls fatal.
type PinnedFrame struct {
	store *PageStore
	id    PageID
	Data  []byte
	fr    *frame
}

// Unpin releases this handle's hold on the underlying cache frame.
func (f *PinnedFrame) Unpin() {
	if f == nil || f.store == nil {
		return
	}
	f.store.unpin(f.fr)
	f.store = nil
}

type frame struct {
	id     PageID
	data   []byte
	pins   int32
	elem   *list.Element // present in lru list iff pins == 0
	listed bool
}

// PageStore is the paged-file abstraction spec §4.1 treats as a black box:
// fixed-size pages, an LRU cache of pinned/unpinned frames, and a miss
// counter plus cumulative I/O time for instrumentation. It is grounded on
// the teacher's BlockCache (container/list LRU) combined with its
// MappedSSTable's use of golang.org/x/exp/mmap for read-only page access to
// immutable, published run files.
//
// Mutation (allocate/write) only happens against a run under construction,
// before it is published; once a run is finalized its file is reopened
// read-only via mmap and never written again, matching the Run invariant
// "immutable after publication".
type PageStore struct {
	mu       sync.Mutex
	capacity int
	frames   map[PageID]*frame
	lru      *list.List // of *frame, unpinned only, front = most recently used

	readers map[string]*mmap.ReaderAt
	writers map[string]*os.File

	missCount int64
	ioTime    time.Duration
}

// NewPageStore creates a page cache that evicts least-recently-used
// unpinned pages once it holds more than capacity pages. Pinned pages are
// never evicted, so the cache can exceed capacity while many are pinned.
func NewPageStore(capacity int) *PageStore {
	if capacity < 1 {
		capacity = 1
	}
	return &PageStore{
		capacity: capacity,
		frames:   make(map[PageID]*frame),
		lru:      list.New(),
		readers:  make(map[string]*mmap.ReaderAt),
		writers:  make(map[string]*os.File),
	}
}

// CreateFile opens path for sequential page writes during run construction.
func (ps *PageStore) CreateFile(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrIoError, path, err)
	}
	ps.mu.Lock()
	ps.writers[path] = f
	ps.mu.Unlock()
	return f, nil
}

// WritePage writes one PAGE_SIZE page at the given page number, appending
// or overwriting whatever is already at that offset.
func (ps *PageStore) WritePage(path string, num uint64, data []byte) error {
	if len(data) != PageSize {
		return fmt.Errorf("%w: page payload %d bytes, want %d", ErrInvariantViolation, len(data), PageSize)
	}
	ps.mu.Lock()
	f, ok := ps.writers[path]
	ps.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s not open for writing", ErrIoError, path)
	}

	start := time.Now()
	_, err := f.WriteAt(data, int64(num)*PageSize)
	ps.mu.Lock()
	ps.ioTime += time.Since(start)
	ps.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: write page %d of %s: %v", ErrIoError, num, path, err)
	}
	return nil
}

// FinalizeFile syncs and closes the write handle, then opens the file
// read-only via mmap so Read/PinBatch can serve pages from it.
func (ps *PageStore) FinalizeFile(path string) error {
	ps.mu.Lock()
	f, ok := ps.writers[path]
	delete(ps.writers, path)
	ps.mu.Unlock()
	if ok {
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("%w: sync %s: %v", ErrIoError, path, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("%w: close %s: %v", ErrIoError, path, err)
		}
	}

	r, err := mmap.Open(path)
	if err != nil {
		return fmt.Errorf("%w: mmap open %s: %v", ErrIoError, path, err)
	}
	ps.mu.Lock()
	ps.readers[path] = r
	ps.mu.Unlock()
	return nil
}

// OpenFile mmap-opens an already-finalized run file for reading, without
// going through CreateFile/WritePage/FinalizeFile. Used when reopening a
// persisted tree: the run's data file was fully written in a prior process,
// so it only needs a read-only mapping this time.
func (ps *PageStore) OpenFile(path string) error {
	r, err := mmap.Open(path)
	if err != nil {
		return fmt.Errorf("%w: mmap open %s: %v", ErrIoError, path, err)
	}
	ps.mu.Lock()
	ps.readers[path] = r
	ps.mu.Unlock()
	return nil
}

// CloseFile releases the mmap reader for a file whose containing level has
// been truncated.
func (ps *PageStore) CloseFile(path string) error {
	ps.mu.Lock()
	r, ok := ps.readers[path]
	delete(ps.readers, path)
	ps.mu.Unlock()
	if !ok {
		return nil
	}
	return r.Close()
}

// Read pins and returns one page, pulling from the LRU cache on a hit or
// from the mmap'd file (incrementing missCount and ioTime) on a miss.
func (ps *PageStore) Read(id PageID) (*PinnedFrame, error) {
	ps.mu.Lock()
	if fr, ok := ps.frames[id]; ok {
		ps.pinLocked(fr)
		ps.mu.Unlock()
		return &PinnedFrame{store: ps, id: id, Data: fr.data, fr: fr}, nil
	}
	reader, ok := ps.readers[id.File]
	ps.missCount++
	ps.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s not open for reading", ErrIoError, id.File)
	}

	buf := make([]byte, PageSize)
	start := time.Now()
	n, err := reader.ReadAt(buf, int64(id.Num)*PageSize)
	elapsed := time.Since(start)

	ps.mu.Lock()
	ps.ioTime += elapsed
	ps.mu.Unlock()

	if err != nil && n != PageSize {
		return nil, fmt.Errorf("%w: read page %d of %s: %v", ErrIoError, id.Num, id.File, err)
	}

	fr := &frame{id: id, data: buf, pins: 0}
	ps.mu.Lock()
	ps.frames[id] = fr
	ps.pinLocked(fr)
	ps.evictIfNeededLocked()
	ps.mu.Unlock()

	return &PinnedFrame{store: ps, id: id, Data: buf, fr: fr}, nil
}

// PinBatch pins a set of pages in one round, the batch-pin step of the
// range-sample algorithm (spec §4.5 step 5).
func (ps *PageStore) PinBatch(ids []PageID) ([]*PinnedFrame, error) {
	out := make([]*PinnedFrame, 0, len(ids))
	for _, id := range ids {
		fr, err := ps.Read(id)
		if err != nil {
			for _, done := range out {
				done.Unpin()
			}
			return nil, err
		}
		out = append(out, fr)
	}
	return out, nil
}

func (ps *PageStore) pinLocked(fr *frame) {
	if fr.listed {
		ps.lru.Remove(fr.elem)
		fr.listed = false
	}
	fr.pins++
}

func (ps *PageStore) unpin(fr *frame) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	fr.pins--
	if fr.pins < 0 {
		// Fatal per spec §5: every pin must be paired with exactly one unpin.
		panic(fmt.Errorf("%w: unpin without matching pin on page %v", ErrInvariantViolation, fr.id))
	}
	if fr.pins == 0 {
		fr.elem = ps.lru.PushFront(fr)
		fr.listed = true
		ps.evictIfNeededLocked()
	}
}

func (ps *PageStore) evictIfNeededLocked() {
	for len(ps.frames) > ps.capacity && ps.lru.Len() > 0 {
		back := ps.lru.Back()
		fr := back.Value.(*frame)
		ps.lru.Remove(back)
		delete(ps.frames, fr.id)
	}
}

// MissCount returns the cumulative number of cache misses since the last
// ResetStats.
func (ps *PageStore) MissCount() int64 {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.missCount
}

// IoTime returns cumulative time spent in blocking I/O since the last
// ResetStats.
func (ps *PageStore) IoTime() time.Duration {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.ioTime
}

// ResetStats zeroes the miss counter and I/O timer, per spec §4.1 ("exposed
// for resets").
func (ps *PageStore) ResetStats() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.missCount = 0
	ps.ioTime = 0
}
