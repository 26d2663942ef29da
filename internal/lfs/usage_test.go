package lfs

import "testing"

const (
	testSegmentSize = int64(1000)
	testBlockSize   = int64(100)
)

// TestSegmentCleanerReclaim mirrors spec.md scenario 5: five segments with
// activeBytes [0, 100, 2000, segmentSize, 50] and dirtyThreshold 500.
func TestSegmentCleanerReclaim(t *testing.T) {
	table := NewTable(5, testSegmentSize, testBlockSize, 500)

	// Segment 0 starts clean by construction (activeBytes 0). Drive the
	// others to the scenario's starting active-byte values via SetUsage,
	// which is the only path that can raise a segment above the
	// construction-time default of clean.
	if err := table.SetUsage(1, 100); err != nil {
		t.Fatalf("SetUsage(1): %v", err)
	}
	if err := table.SetUsage(2, 2000); err != nil {
		t.Fatalf("SetUsage(2): %v", err)
	}
	if err := table.SetUsage(3, testSegmentSize); err != nil {
		t.Fatalf("SetUsage(3): %v", err)
	}
	if err := table.SetUsage(4, 50); err != nil {
		t.Fatalf("SetUsage(4): %v", err)
	}

	numClean, numDirty, _ := table.Counters()
	if numClean != 1 {
		t.Fatalf("expected numClean=1, got %d", numClean)
	}
	if numDirty != 2 {
		t.Fatalf("expected numDirty=2 (segments 1 and 4), got %d", numDirty)
	}

	_, _, freeBefore := table.Counters()

	if err := table.SetUsage(3, 0); err != nil {
		t.Fatalf("SetUsage(3, 0): %v", err)
	}

	numClean, numDirty, freeAfter := table.Counters()
	if numClean != 2 {
		t.Fatalf("expected numClean=2 after cleaning segment 3, got %d", numClean)
	}
	if numDirty != 2 {
		t.Fatalf("expected numDirty unchanged at 2, got %d", numDirty)
	}
	wantFreed := blocksPerSegment(testSegmentSize, testBlockSize)
	if freeAfter-freeBefore != wantFreed {
		t.Fatalf("expected freeBlocks to increase by %d, got %d", wantFreed, freeAfter-freeBefore)
	}

	if err := table.CheckInvariants(); err != nil {
		t.Fatalf("invariants violated: %v", err)
	}
}

func TestSetUsageZeroIdempotent(t *testing.T) {
	table := NewTable(3, testSegmentSize, testBlockSize, 500)
	if err := table.SetUsage(1, 300); err != nil {
		t.Fatalf("SetUsage: %v", err)
	}
	if err := table.SetUsage(1, 0); err != nil {
		t.Fatalf("SetUsage(1, 0): %v", err)
	}
	if err := table.SetUsage(1, 0); err != nil {
		t.Fatalf("SetUsage(1, 0) again: %v", err)
	}
	e, err := table.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !e.Clean || e.ActiveBytes != 0 {
		t.Fatalf("expected segment 1 clean with 0 active bytes, got %+v", e)
	}
}

// TestSetUsageRelativeDecrementFloorsAtOne preserves the quirk documented
// in spec.md §9: a relative decrement never reaches clean on its own.
func TestSetUsageRelativeDecrementFloorsAtOne(t *testing.T) {
	table := NewTable(2, testSegmentSize, testBlockSize, 500)
	if err := table.SetUsage(0, 5); err != nil {
		t.Fatalf("SetUsage: %v", err)
	}
	if err := table.SetUsage(0, -100); err != nil {
		t.Fatalf("SetUsage relative: %v", err)
	}
	e, err := table.Get(0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.ActiveBytes != 1 {
		t.Fatalf("expected relative decrement floored at 1, got %d", e.ActiveBytes)
	}
	if e.Clean {
		t.Fatalf("expected segment to remain non-clean after relative decrement")
	}
}

func TestFreeBlocksSkipsSentinel(t *testing.T) {
	table := NewTable(2, testSegmentSize, testBlockSize, 500)
	if err := table.SetUsage(0, 500); err != nil {
		t.Fatalf("SetUsage: %v", err)
	}
	if err := table.FreeBlocks([]int64{-1, 0}, 100); err != nil {
		t.Fatalf("FreeBlocks: %v", err)
	}
	e, err := table.Get(0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.ActiveBytes != 400 {
		t.Fatalf("expected 400 active bytes after freeing 100 from 500, got %d", e.ActiveBytes)
	}
}

func TestGetCleanSegmentAllocatesNewHead(t *testing.T) {
	table := NewTable(3, testSegmentSize, testBlockSize, 500)

	prev, current, _, err := table.GetCleanSegment()
	if err != nil {
		t.Fatalf("GetCleanSegment: %v", err)
	}
	if prev != -1 {
		t.Fatalf("expected no previous head-of-log, got %d", prev)
	}

	e, err := table.Get(current)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Clean || e.Dirty {
		t.Fatalf("expected allocated segment to be neither clean nor dirty while being written, got %+v", e)
	}
	if table.CurrentSegment() != current {
		t.Fatalf("expected CurrentSegment to report %d, got %d", current, table.CurrentSegment())
	}
}

func TestGetCleanSegmentExhausted(t *testing.T) {
	table := NewTable(1, testSegmentSize, testBlockSize, 500)
	if _, _, _, err := table.GetCleanSegment(); err != nil {
		t.Fatalf("first GetCleanSegment: %v", err)
	}
	if _, _, _, err := table.GetCleanSegment(); err != ErrNoCleanSegments {
		t.Fatalf("expected ErrNoCleanSegments, got %v", err)
	}
}

func TestGetSegmentsToCleanRespectsCleanRangeLow(t *testing.T) {
	table := NewTable(4, testSegmentSize, testBlockSize, 500)
	for i, active := range []int64{200, 10, 300} {
		if err := table.SetUsage(i+1, active); err != nil {
			t.Fatalf("SetUsage(%d): %v", i+1, err)
		}
	}

	segs := table.GetSegmentsToClean(10, 50)
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments above cleanRangeLow=50, got %v", segs)
	}
	for _, s := range segs {
		if s == 2 {
			t.Fatalf("segment 2 has only 10 active bytes, should be excluded by cleanRangeLow")
		}
	}
}

func TestSetDirtyThresholdReclassifiesFullSegments(t *testing.T) {
	table := NewTable(2, testSegmentSize, testBlockSize, 100)
	if err := table.SetUsage(0, 300); err != nil {
		t.Fatalf("SetUsage: %v", err)
	}
	e, _ := table.Get(0)
	if e.Dirty {
		t.Fatalf("expected segment 0 to be full (above threshold), got dirty")
	}

	if err := table.SetDirtyThreshold(400); err != nil {
		t.Fatalf("SetDirtyThreshold: %v", err)
	}
	e, _ = table.Get(0)
	if !e.Dirty {
		t.Fatalf("expected segment 0 reclassified dirty after threshold raised above its active bytes")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	table := NewTable(4, testSegmentSize, testBlockSize, 500)
	if err := table.SetUsage(1, 200); err != nil {
		t.Fatalf("SetUsage: %v", err)
	}
	if _, _, _, err := table.GetCleanSegment(); err != nil {
		t.Fatalf("GetCleanSegment: %v", err)
	}

	img := table.Snapshot()

	var appended []byte
	appender := appenderFunc(func(data []byte) error {
		appended = data
		return nil
	})
	if err := table.Save(appender); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadTable(testSegmentSize, testBlockSize, appended)
	if err != nil {
		t.Fatalf("LoadTable: %v", err)
	}

	got := loaded.Snapshot()
	if got.CurrentSegment != img.CurrentSegment {
		t.Fatalf("CurrentSegment mismatch: %d vs %d", got.CurrentSegment, img.CurrentSegment)
	}
	if got.NumClean != img.NumClean || got.NumDirty != img.NumDirty {
		t.Fatalf("counters mismatch: %+v vs %+v", got, img)
	}
	if got.FreeBlocks != img.FreeBlocks {
		t.Fatalf("freeBlocks mismatch: %d vs %d", got.FreeBlocks, img.FreeBlocks)
	}
	for i := range table.entries {
		if loaded.entries[i] != table.entries[i] {
			t.Fatalf("entry %d mismatch: %+v vs %+v", i, loaded.entries[i], table.entries[i])
		}
	}
}

type appenderFunc func([]byte) error

func (f appenderFunc) AppendCheckpointRecord(data []byte) error { return f(data) }
