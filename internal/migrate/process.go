package migrate

import (
	"context"

	"github.com/sprited/sprited/internal/wire"
)

// StreamSlot is one open-file-table slot in a process encapsulation
// (spec.md §4.3 "Process-level encapsulation"): either empty (Present
// false) or carrying the slot's index and the stream's envelope.
type StreamSlot struct {
	Present  bool
	Index    int
	Envelope *wire.MigrationEnvelope
}

// ProcessEnvelope packages a migrating process's file state (spec.md
// §4.3): group IDs, file-mode mask, number of streams, per-stream flags,
// the encapsulated current-working-directory stream, and the open-slot
// table.
type ProcessEnvelope struct {
	GroupIDs     []int
	FileModeMask uint32
	NumStreams   int
	StreamFlags  []wire.StreamFlags
	Cwd          *wire.MigrationEnvelope
	Slots        []StreamSlot
}

// PrefixOpener re-resolves a process's current-working-directory prefix on
// the receiving host, ensuring it is installed before any stream slots are
// restored (spec.md §4.3: "the cwd prefix is re-resolved via an open call
// to ensure the prefix is installed before any streams are restored").
type PrefixOpener interface {
	OpenPrefix(ctx context.Context, cwd *wire.MigrationEnvelope) error
}

// RestoreProcess reconstructs a process's file state on the target host.
// It re-resolves the cwd prefix first, then deencapsulates every occupied
// slot in index order, backing out everything it opened if any slot fails.
func RestoreProcess(
	ctx context.Context,
	pe *ProcessEnvelope,
	selfHost, ioServerHost int,
	opener PrefixOpener,
	store StreamStore,
	ioClient IOServerClient,
	materializers map[wire.FileIDType]HandleMaterializer,
	resolver NameResolver,
) ([]*Stream, error) {
	if err := opener.OpenPrefix(ctx, pe.Cwd); err != nil {
		return nil, err
	}

	restored := make([]*Stream, 0, len(pe.Slots))
	for _, slot := range pe.Slots {
		if !slot.Present {
			continue
		}
		s, err := Deencapsulate(ctx, slot.Envelope, selfHost, ioServerHost, store, ioClient, materializers, resolver)
		if err != nil {
			for _, done := range restored {
				store.Release(done.ID)
			}
			return nil, err
		}
		restored = append(restored, s)
	}
	return restored, nil
}
