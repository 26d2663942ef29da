// Package lfs implements the log-structured storage core of spec.md §4.4:
// per-segment live-byte accounting, the cleaner, and checkpoint plumbing.
// It is grounded in the teacher's internal/iomeshage queueing and transfer
// accounting (a bounded set of in-flight resources tracked by index, moved
// between "queued"/"in-flight"/"done" states) generalized here to segment
// clean/dirty/full classification, and in phenix's bbolt-backed persisted
// state for the descriptor map (descmap.go).
package lfs

import (
	"container/list"
	"sync"

	"github.com/pkg/errors"
)

// Errors surfaced by this package (spec.md §7). ErrInternalInconsistency is
// wrapped with github.com/pkg/errors so a fatal invariant violation carries
// a stack trace for the operator (SPEC_FULL §2); ordinary transport/value
// errors elsewhere in the module stay plain errors.New/fmt.Errorf.
var (
	ErrInvalidSegment        = errors.New("lfs: invalid segment index")
	ErrNoCleanSegments       = errors.New("lfs: out of resources: no clean segments")
	ErrInternalInconsistency = errors.New("lfs: internal inconsistency")
)

// Entry is the per-segment accounting record of spec.md §3 (Segment Usage
// Entry): live bytes and a clean/dirty/neither classification. The
// intrusive prev/next link fields spec.md describes are reimplemented as
// container/list membership (Design Notes §9: "do not attempt to reproduce
// intrusive-link arithmetic") rather than index fields on Entry itself.
type Entry struct {
	ActiveBytes int64
	Clean       bool
	Dirty       bool
}

// full reports whether the entry is neither clean nor dirty.
func (e Entry) full() bool { return !e.Clean && !e.Dirty }

// Table is the segment-usage array of spec.md §4.4/§5: one mutex per file
// system, guarding the array, the two lists, and the running counters.
// Long operations (segment I/O) never hold this mutex (spec.md §5).
type Table struct {
	mu sync.Mutex

	entries []Entry

	cleanList *list.List
	dirtyList *list.List
	cleanElem map[int]*list.Element
	dirtyElem map[int]*list.Element

	dirtyThreshold int64
	segmentSize    int64
	blockSize      int64

	current    int
	numClean   int
	numDirty   int
	freeBlocks int64
}

// NewTable builds a Table for a file system with segmentCount segments of
// segmentSize bytes, blockSize-byte blocks, and the given absolute dirty
// threshold. Every segment starts clean.
func NewTable(segmentCount int, segmentSize, blockSize, dirtyThreshold int64) *Table {
	t := &Table{
		entries:        make([]Entry, segmentCount),
		cleanList:      list.New(),
		dirtyList:      list.New(),
		cleanElem:      make(map[int]*list.Element),
		dirtyElem:      make(map[int]*list.Element),
		dirtyThreshold: dirtyThreshold,
		segmentSize:    segmentSize,
		blockSize:      blockSize,
		current:        -1,
	}
	for i := range t.entries {
		t.entries[i] = Entry{Clean: true}
		t.cleanElem[i] = t.cleanList.PushBack(i)
	}
	t.numClean = segmentCount
	t.freeBlocks = int64(segmentCount) * blocksPerSegment(segmentSize, blockSize)
	return t
}

func blocksPerSegment(segmentSize, blockSize int64) int64 {
	if blockSize == 0 {
		return 0
	}
	return segmentSize / blockSize
}

// roundBlocks converts a byte delta to a block-quantum delta, rounding to
// nearest, per spec.md §4.4 ("(delta + blockSize/2) / blockSize").
func roundBlocks(delta, blockSize int64) int64 {
	if blockSize == 0 {
		return 0
	}
	if delta >= 0 {
		return (delta + blockSize/2) / blockSize
	}
	return -((-delta + blockSize/2) / blockSize)
}

// Get returns a copy of segment seg's usage entry.
func (t *Table) Get(seg int) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seg < 0 || seg >= len(t.entries) {
		return Entry{}, ErrInvalidSegment
	}
	return t.entries[seg], nil
}

// Counters reports the current numClean, numDirty, freeBlocks triple.
func (t *Table) Counters() (numClean, numDirty int, freeBlocks int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numClean, t.numDirty, t.freeBlocks
}

// CurrentSegment returns the head-of-log segment, or -1 if none has been
// allocated yet.
func (t *Table) CurrentSegment() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// FreeBlocks implements spec.md §4.4's free_blocks(seg, size, addrs[]): for
// each non-sentinel address, locate its segment and reduce its active
// bytes by size, clamped at 1 from below (it never reaches 0 via this
// path — only SetUsage(seg, 0) produces clean, per the quirk spec.md §9
// calls out to preserve). addrs carries raw byte addresses; -1 is the
// sentinel for "no block here".
func (t *Table) FreeBlocks(addrs []int64, size int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, addr := range addrs {
		if addr < 0 {
			continue
		}
		seg := int(addr / t.segmentSize)
		if seg < 0 || seg >= len(t.entries) {
			return ErrInvalidSegment
		}
		e := &t.entries[seg]
		newActive := e.ActiveBytes - size
		if newActive < 1 {
			newActive = 1
		}
		delta := newActive - e.ActiveBytes
		t.freeBlocks -= roundBlocks(delta, t.blockSize)
		e.ActiveBytes = newActive
	}
	return nil
}

// SetUsage implements spec.md §4.4's set_usage(seg, newActive). newActive
// == 0 cleans the segment; newActive < 0 is a relative decrement floored
// at 1; otherwise it is the new absolute active-byte count. The segment is
// then reclassified onto the clean, dirty, or neither (full) list.
func (t *Table) SetUsage(seg int, newActive int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setUsageLocked(seg, newActive)
}

func (t *Table) setUsageLocked(seg int, newActive int64) error {
	if seg < 0 || seg >= len(t.entries) {
		return ErrInvalidSegment
	}
	e := &t.entries[seg]

	var target int64
	switch {
	case newActive == 0:
		target = 0
	case newActive < 0:
		target = e.ActiveBytes + newActive
		if target < 1 {
			target = 1
		}
	default:
		target = newActive
	}

	delta := target - e.ActiveBytes
	t.freeBlocks -= roundBlocks(delta, t.blockSize)
	e.ActiveBytes = target

	t.unlink(seg)
	switch {
	case target == 0:
		e.Clean = true
		e.Dirty = false
		t.cleanElem[seg] = t.cleanList.PushBack(seg)
		t.numClean++
	case target <= t.dirtyThreshold && seg != t.current:
		e.Clean = false
		e.Dirty = true
		t.dirtyElem[seg] = t.dirtyList.PushBack(seg)
		t.numDirty++
	default:
		e.Clean = false
		e.Dirty = false
	}
	return nil
}

// unlink removes seg from whichever list it currently occupies and
// decrements the matching counter. Must be called with t.mu held.
func (t *Table) unlink(seg int) {
	e := &t.entries[seg]
	if e.Clean {
		if el, ok := t.cleanElem[seg]; ok {
			t.cleanList.Remove(el)
			delete(t.cleanElem, seg)
			t.numClean--
		}
	}
	if e.Dirty {
		if el, ok := t.dirtyElem[seg]; ok {
			t.dirtyList.Remove(el)
			delete(t.dirtyElem, seg)
			t.numDirty--
		}
	}
}

// SetDirtyThreshold implements spec.md §4.4's set_dirty_threshold(dT'): it
// updates dT and reclassifies every segment that is currently neither
// clean nor dirty (full) but whose active bytes now fall at or below the
// new threshold. The current head-of-log segment is skipped.
func (t *Table) SetDirtyThreshold(newThreshold int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dirtyThreshold = newThreshold
	for seg := range t.entries {
		e := t.entries[seg]
		if e.full() && seg != t.current && e.ActiveBytes <= newThreshold {
			if err := t.setUsageLocked(seg, e.ActiveBytes); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetCleanSegment implements spec.md §4.4's get_clean_segment(): pops the
// head of the clean list, makes it the new head-of-log, and marks it full
// (neither clean nor dirty) while it is being written. It returns the
// previous head-of-log, the newly allocated segment, and the next clean
// segment in line so the writer can chain log pointers.
func (t *Table) GetCleanSegment() (prev, current, nextClean int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	front := t.cleanList.Front()
	if front == nil {
		return 0, 0, -1, ErrNoCleanSegments
	}
	seg := front.Value.(int)

	prev = t.current
	t.unlink(seg)
	e := &t.entries[seg]
	e.Clean = false
	e.Dirty = false
	e.ActiveBytes = t.segmentSize
	t.freeBlocks -= blocksPerSegment(t.segmentSize, t.blockSize)
	t.current = seg

	nextClean = -1
	if nf := t.cleanList.Front(); nf != nil {
		nextClean = nf.Value.(int)
	}
	return prev, seg, nextClean, nil
}

// GetSegmentsToClean implements spec.md §4.4's get_segments_to_clean(maxOut):
// walks the dirty list in head order, including segments whose active
// bytes exceed cleanRangeLow, stopping once maxOut are collected.
func (t *Table) GetSegmentsToClean(maxOut int, cleanRangeLow int64) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []int
	for el := t.dirtyList.Front(); el != nil && len(out) < maxOut; el = el.Next() {
		seg := el.Value.(int)
		if t.entries[seg].ActiveBytes > cleanRangeLow {
			out = append(out, seg)
		}
	}
	return out
}

// CheckInvariants verifies spec.md §3's segment-usage invariants and §8's
// quantified invariant over the usage table. A violation is fatal per
// spec.md §7 ("Segment-usage invariant violations are fatal"); callers
// that want that behavior should wrap the returned error with corelog.Fatal
// or similar rather than this package panicking directly.
func (t *Table) CheckInvariants() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	numClean, numDirty := 0, 0
	for i, e := range t.entries {
		if e.Clean && e.Dirty {
			return fatalf("segment %d is both clean and dirty", i)
		}
		if e.Clean && e.ActiveBytes != 0 {
			return fatalf("segment %d marked clean with %d active bytes", i, e.ActiveBytes)
		}
		if e.Clean && i == t.current {
			return fatalf("segment %d marked clean but is the current head-of-log", i)
		}
		if e.Dirty {
			if e.ActiveBytes <= 0 || e.ActiveBytes > t.dirtyThreshold {
				return fatalf("segment %d marked dirty with %d active bytes (threshold %d)", i, e.ActiveBytes, t.dirtyThreshold)
			}
			if i == t.current {
				return fatalf("segment %d marked dirty but is the current head-of-log", i)
			}
		}
		if e.Clean {
			numClean++
		}
		if e.Dirty {
			numDirty++
		}
	}
	if numClean != t.numClean {
		return fatalf("numClean counter %d disagrees with %d actual clean segments", t.numClean, numClean)
	}
	if numDirty != t.numDirty {
		return fatalf("numDirty counter %d disagrees with %d actual dirty segments", t.numDirty, numDirty)
	}
	return nil
}

func fatalf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInternalInconsistency, format, args...)
}
