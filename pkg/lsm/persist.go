package lsm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/google/uuid"
)

// manifestFileName is the JSON manifest written alongside a tree's run
// files on Persist, read back by Reopen. Run data files themselves are
// already durable (each is fsync'd in PageStore.FinalizeFile when built) —
// the manifest only needs to record the level/run *structure* plus each
// run's auxiliary in-memory indexes (sparse index, Bloom filters), which
// otherwise would have to be rebuilt by rescanning every page.
const manifestFileName = "manifest.json"

type manifestRun struct {
	ID             string      `json:"id"`
	Path           string      `json:"path"`
	RecordCount    int         `json:"record_count"`
	TombstoneCount int         `json:"tombstone_count"`
	LeafPageCount  int         `json:"leaf_page_count"`
	RecordsPerPage int         `json:"records_per_page"`
	LastPageSlots  int         `json:"last_page_slots"`
	MinKey         []byte      `json:"min_key"`
	MaxKey         []byte      `json:"max_key"`
	Index          []indexEntry `json:"index"`

	// BloomSidecar/TombstoneBloomSidecar are file names (relative to the
	// manifest) of snappy-compressed BloomFilter.MarshalBinary() payloads,
	// empty when the corresponding filter wasn't built.
	BloomSidecar          string `json:"bloom_sidecar,omitempty"`
	TombstoneBloomSidecar string `json:"tombstone_bloom_sidecar,omitempty"`
}

type manifestLevel struct {
	RunCapacity    int           `json:"run_capacity"`
	RecordCapacity int           `json:"record_capacity"`
	IsBottom       bool          `json:"is_bottom"`
	Runs           []manifestRun `json:"runs"`
}

type manifestDoc struct {
	Policy Policy          `json:"policy"`
	Levels []manifestLevel `json:"levels"`
}

// Persist durably records the tree's level/run structure to DataDir,
// writing one snappy-compressed sidecar file per run-level Bloom filter.
// It does not persist memtable contents (spec §6 treats the memtable as
// volatile write buffering; only published runs survive a restart) nor
// per-run alias tables (Reopen does not rebuild them — see reopenRun).
func (t *LSMTree) Persist() error {
	if err := t.Flush(); err != nil {
		return err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	doc := manifestDoc{Policy: t.cfg.Policy}
	for _, lvl := range t.levels {
		lvl.mu.RLock()
		ml := manifestLevel{
			RunCapacity:    lvl.runCapacity,
			RecordCapacity: lvl.recordCapacity,
			IsBottom:       lvl.isBottom,
		}
		for _, r := range lvl.runs {
			mr := manifestRun{
				ID:             r.ID.String(),
				Path:           r.path,
				RecordCount:    r.recordCount,
				TombstoneCount: r.tombstoneCount,
				LeafPageCount:  r.leafPageCount,
				RecordsPerPage: r.recordsPerPage,
				LastPageSlots:  r.lastPageSlots,
				MinKey:         r.minKey,
				MaxKey:         r.maxKey,
				Index:          r.index,
			}
			if r.bloom != nil {
				name := fmt.Sprintf("run-%s.bloom.sz", r.ID.String())
				if err := writeSidecar(t.cfg.DataDir, name, r.bloom.MarshalBinary()); err != nil {
					lvl.mu.RUnlock()
					return err
				}
				mr.BloomSidecar = name
			}
			if r.tombstoneBloom != nil {
				name := fmt.Sprintf("run-%s.tsbloom.sz", r.ID.String())
				if err := writeSidecar(t.cfg.DataDir, name, r.tombstoneBloom.MarshalBinary()); err != nil {
					lvl.mu.RUnlock()
					return err
				}
				mr.TombstoneBloomSidecar = name
			}
			ml.Runs = append(ml.Runs, mr)
		}
		lvl.mu.RUnlock()
		doc.Levels = append(doc.Levels, ml)
	}

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal manifest: %v", ErrIoError, err)
	}
	manifestPath := filepath.Join(t.cfg.DataDir, manifestFileName)
	if err := os.WriteFile(manifestPath, raw, 0o644); err != nil {
		return fmt.Errorf("%w: write manifest %s: %v", ErrIoError, manifestPath, err)
	}
	return nil
}

func writeSidecar(dir, name string, payload []byte) error {
	path := filepath.Join(dir, name)
	compressed := snappy.Encode(nil, payload)
	if err := os.WriteFile(path, compressed, 0o644); err != nil {
		return fmt.Errorf("%w: write sidecar %s: %v", ErrIoError, path, err)
	}
	return nil
}

func readSidecar(dir, name string) ([]byte, error) {
	path := filepath.Join(dir, name)
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read sidecar %s: %v", ErrIoError, path, err)
	}
	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress sidecar %s: %v", ErrCorrupted, path, err)
	}
	return payload, nil
}

// Reopen reconstructs an LSMTree from a manifest previously written by
// Persist, remapping every run's data file read-only via the page store
// (spec §6's "reopen(path)"). The active memtable starts empty; any writes
// buffered in memory at the time of a crash (rather than a clean Persist)
// are lost, matching spec §9's acknowledged durability boundary.
func Reopen(cfg Config, metrics MetricsRecorder) (*LSMTree, error) {
	manifestPath := filepath.Join(cfg.DataDir, manifestFileName)
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read manifest %s: %v", ErrIoError, manifestPath, err)
	}
	var doc manifestDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse manifest %s: %v", ErrCorrupted, manifestPath, err)
	}

	cfg.Policy = doc.Policy
	t, err := NewLSMTree(cfg, metrics)
	if err != nil {
		return nil, err
	}

	opts := cfg.runOptions()
	levels := make([]*Level, 0, len(doc.Levels))
	for _, ml := range doc.Levels {
		lvl := NewLevel(cfg.Policy, ml.RunCapacity, ml.RecordCapacity, ml.IsBottom, cfg.MaxDeletedProportion, cfg.DataDir, t.store, t.schema, opts)
		for _, mr := range ml.Runs {
			run, err := reopenRun(t.store, t.schema, mr)
			if err != nil {
				return nil, err
			}
			lvl.runs = append(lvl.runs, run)
		}
		levels = append(levels, lvl)
	}

	t.mu.Lock()
	t.levels = levels
	t.mu.Unlock()

	return t, nil
}

func reopenRun(store *PageStore, schema Schema, mr manifestRun) (*Run, error) {
	id, err := uuid.Parse(mr.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: run id %q: %v", ErrCorrupted, mr.ID, err)
	}
	if err := store.OpenFile(mr.Path); err != nil {
		return nil, err
	}

	r := &Run{
		ID:             id,
		path:           mr.Path,
		schema:         schema,
		store:          store,
		recordCount:    mr.RecordCount,
		tombstoneCount: mr.TombstoneCount,
		leafPageCount:  mr.LeafPageCount,
		recordsPerPage: mr.RecordsPerPage,
		lastPageSlots:  mr.LastPageSlots,
		minKey:         mr.MinKey,
		maxKey:         mr.MaxKey,
		index:          mr.Index,
	}

	dir := filepath.Dir(mr.Path)
	if mr.BloomSidecar != "" {
		payload, err := readSidecar(dir, mr.BloomSidecar)
		if err != nil {
			return nil, err
		}
		bf := &BloomFilter{}
		if err := bf.UnmarshalBinary(payload); err != nil {
			return nil, err
		}
		r.bloom = bf
	}
	if mr.TombstoneBloomSidecar != "" {
		payload, err := readSidecar(dir, mr.TombstoneBloomSidecar)
		if err != nil {
			return nil, err
		}
		bf := &BloomFilter{}
		if err := bf.UnmarshalBinary(payload); err != nil {
			return nil, err
		}
		r.tombstoneBloom = bf
	}

	// Alias tables (weighted sampling) are not persisted and are not
	// rebuilt here. A reopened tree with
	// WeightedSampling enabled samples unweighted from existing runs until
	// those runs are superseded by a fresh merge.
	return r, nil
}
