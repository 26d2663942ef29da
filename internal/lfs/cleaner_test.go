package lfs

import (
	"context"
	"testing"
)

type fakeReader struct {
	blocks map[int][]LiveBlock
}

func (f *fakeReader) LiveBlocksIn(ctx context.Context, segment int) ([]LiveBlock, error) {
	return f.blocks[segment], nil
}

type fakeDevice struct {
	reads   map[int64][]byte
	written []int64
	next    int64
}

func (f *fakeDevice) ReadBlock(ctx context.Context, addr int64) ([]byte, error) {
	return f.reads[addr], nil
}

func (f *fakeDevice) AppendBlock(ctx context.Context, segment int, data []byte) (int64, error) {
	f.next++
	f.written = append(f.written, f.next)
	return f.next, nil
}

type fakeRelocator struct {
	relocations map[uint64][2]int64
}

func (f *fakeRelocator) Relocate(fileNo uint64, oldAddr, newAddr int64) error {
	if f.relocations == nil {
		f.relocations = make(map[uint64][2]int64)
	}
	f.relocations[fileNo] = [2]int64{oldAddr, newAddr}
	return nil
}

func TestCleanerRelocatesLiveBlocksAndCleansSegment(t *testing.T) {
	table := NewTable(3, testSegmentSize, testBlockSize, 500)
	if err := table.SetUsage(1, 300); err != nil {
		t.Fatalf("SetUsage: %v", err)
	}

	reader := &fakeReader{blocks: map[int][]LiveBlock{
		1: {{Addr: 10, FileNo: 1, Size: 100}, {Addr: 20, FileNo: 2, Size: 100}},
	}}
	device := &fakeDevice{reads: map[int64][]byte{10: []byte("a"), 20: []byte("b")}}
	reloc := &fakeRelocator{}

	c := &Cleaner{Table: table, Reader: reader, Device: device, DescMap: reloc}
	if err := c.Clean(context.Background(), []int{1}, 2); err != nil {
		t.Fatalf("Clean: %v", err)
	}

	e, err := table.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !e.Clean {
		t.Fatalf("expected segment 1 clean after cleaning, got %+v", e)
	}
	if len(device.written) != 2 {
		t.Fatalf("expected 2 blocks appended, got %d", len(device.written))
	}
	if len(reloc.relocations) != 2 {
		t.Fatalf("expected 2 descriptor relocations, got %d", len(reloc.relocations))
	}
}

func TestCleanerStopsBetweenSegmentsOnCancel(t *testing.T) {
	table := NewTable(3, testSegmentSize, testBlockSize, 500)
	reader := &fakeReader{blocks: map[int][]LiveBlock{}}
	device := &fakeDevice{}
	reloc := &fakeRelocator{}
	c := &Cleaner{Table: table, Reader: reader, Device: device, DescMap: reloc}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.Clean(ctx, []int{0, 1}, 2); err == nil {
		t.Fatalf("expected cancellation error")
	}
}
