package lfs

import (
	"context"

	"github.com/sprited/sprited/internal/corelog"
)

// BlockDevice is the out-of-scope storage collaborator (spec.md §1: "the
// RAID striping engine ... per-device drivers" are specified only at the
// interface). The cleaner reads live blocks through it and appends them to
// the currently writable segment.
type BlockDevice interface {
	ReadBlock(ctx context.Context, addr int64) ([]byte, error)
	AppendBlock(ctx context.Context, segment int, data []byte) (addr int64, err error)
}

// LiveBlock is one block the cleaner considers for relocation: its current
// address and the file number whose descriptor currently points at it.
type LiveBlock struct {
	Addr     int64
	FileNo   uint64
	Size     int64
}

// SegmentReader enumerates the blocks recorded as live in a dirty segment.
// Determining liveness from the descriptor map and per-block liveness test
// is outside this subsystem (spec.md §4.4: "determined by the descriptor
// map and per-block liveness test, which is outside this subsystem");
// SegmentReader is where that collaborator plugs in.
type SegmentReader interface {
	LiveBlocksIn(ctx context.Context, segment int) ([]LiveBlock, error)
}

// DescriptorRelocator updates a file's descriptor pointer atomically with
// the cleaner's rewrite of its block, per spec.md §4.4 ("updating
// descriptor-map pointers atomically with the write").
type DescriptorRelocator interface {
	Relocate(fileNo uint64, oldAddr, newAddr int64) error
}

// Cleaner implements the cleaner protocol of spec.md §4.4: for each chosen
// dirty segment, read it, relocate every live block to the current
// writable segment updating descriptor pointers as it goes, then mark the
// segment clean. It is cancellable between segments, never mid-segment
// (spec.md §5).
type Cleaner struct {
	Table    *Table
	Reader   SegmentReader
	Device   BlockDevice
	DescMap  DescriptorRelocator
}

// Clean processes segs in order, writing live blocks into dstSegment (the
// current head-of-log, from Table.GetCleanSegment). It returns after the
// first segment boundary at which ctx is done, having fully finished the
// segment already in progress.
func (c *Cleaner) Clean(ctx context.Context, segs []int, dstSegment int) error {
	for _, seg := range segs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.cleanOne(ctx, seg, dstSegment); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cleaner) cleanOne(ctx context.Context, seg, dstSegment int) error {
	live, err := c.Reader.LiveBlocksIn(ctx, seg)
	if err != nil {
		return err
	}

	for _, blk := range live {
		data, err := c.Device.ReadBlock(ctx, blk.Addr)
		if err != nil {
			return err
		}
		newAddr, err := c.Device.AppendBlock(ctx, dstSegment, data)
		if err != nil {
			return err
		}
		if err := c.DescMap.Relocate(blk.FileNo, blk.Addr, newAddr); err != nil {
			return err
		}
	}

	if err := c.Table.SetUsage(seg, 0); err != nil {
		return err
	}
	corelog.Debug("lfs: cleaned segment %d (%d blocks relocated)", seg, len(live))
	return nil
}
