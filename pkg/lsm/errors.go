package lsm

import "errors"

// Sentinel errors forming the engine's error taxonomy. Call sites wrap these
// with fmt.Errorf("...: %w", ...) to attach context, the same way the
// teacher's SSTable and cache code wraps os/io failures.
var (
	// ErrIoError is returned when an OS-level I/O operation against a paged
	// file fails (open, read, write, sync, mmap).
	ErrIoError = errors.New("lsm: io error")

	// ErrCorrupted is returned when a page or run header is inconsistent
	// with its expected layout (page checksum mismatch, wrong record or
	// Bloom payload length, undecodable manifest or sidecar).
	ErrCorrupted = errors.New("lsm: corrupted data")

	// ErrCapacityExceeded is returned when a level cannot accept a merge
	// and no deeper level can be grown.
	ErrCapacityExceeded = errors.New("lsm: capacity exceeded")

	// ErrOverloaded is returned when the active memtable is full and no
	// empty slot is available; callers should back off and retry.
	ErrOverloaded = errors.New("lsm: overloaded, retry after backoff")

	// ErrEmpty is returned when a sample request's effective population is
	// zero (every candidate rejected, or no sources intersect the range).
	ErrEmpty = errors.New("lsm: empty sample population")

	// ErrInvariantViolation marks a contract breach (e.g. an unpaired pin).
	// Callers that observe this should treat the engine instance as
	// unusable.
	ErrInvariantViolation = errors.New("lsm: invariant violation")

	// ErrNotFound is returned by Delete in tagging mode when no live
	// record matches the given key/value.
	ErrNotFound = errors.New("lsm: record not found")

	// ErrInvalidRange is returned by RangeSample when lo > hi.
	ErrInvalidRange = errors.New("lsm: invalid range, lo > hi")

	// ErrPinned is returned by MemTable.Truncate when the memtable still
	// has outstanding pins; the caller should retry shortly.
	ErrPinned = errors.New("lsm: pinned, try again later")
)
