// Package migrate implements Stream Migration (spec.md §4.3): the
// encapsulate/deencapsulate protocol that moves an open stream between
// clients, and the I/O server's reconciliation of I/O-handle use counts.
// It is grounded in the teacher's internal/iomeshage, which moves a
// different kind of handle (an in-flight file transfer) between mesh nodes
// using the same origin/target/queued-request shape; the three-role split
// here (origin, target, I/O server) generalizes iomeshage's two-role
// (requester, holder) transfer protocol to the spec's reference-counted
// sharing semantics.
package migrate

import (
	"context"
	"sync"

	"github.com/sprited/sprited/internal/wire"
)

// Stream is the local representation of an open stream (spec.md §3): a
// stream ID, a reference to an I/O handle, an offset, a flags word, and an
// optional name-info block. Encapsulate takes mu while reading the fields
// below it (spec.md §5: "per-stream lock held during encapsulation").
type Stream struct {
	mu sync.Mutex

	ID       int64
	HandleID wire.FileID
	Offset   int64
	Flags    wire.StreamFlags
	Name     *NameInfo
}

// RmtShared reports whether the stream's flags carry FS_RMT_SHARED, the
// invariant of spec.md §3 ("flags include FS_RMT_SHARED iff more than one
// client currently holds a reference to the same underlying I/O handle").
func (s *Stream) RmtShared() bool { return s.Flags.Has(wire.FSRmtShared) }

// NameInfo is the optional name-info block carried by a Stream and by a
// Migration Envelope: the file ID of the name entry, the root ID for "..",
// a prefix pointer, and a domain-type hint (spec.md §3).
type NameInfo struct {
	FileID      wire.FileID
	RootID      wire.FileID
	Prefix      string
	LocalDomain bool
}

// Translate records whether the name info belongs to the local domain
// (spec.md §4.3 step 3); Deencapsulate passes true when the name entry's
// server is this host. It only sets the LocalDomain hint: the type tags of
// FileID and RootID are left unchanged.
func (n *NameInfo) Translate(localDomain bool) {
	if n == nil {
		return
	}
	n.LocalDomain = localDomain
}

// StreamStore is the target's local bookkeeping for streams and for which
// I/O handles this host already holds a reference to (spec.md §4.3 step 2:
// "recording whether this was the first reference on this target").
type StreamStore interface {
	// Lookup finds a stream already known on this host by ID (used for the
	// origin-is-self short circuit).
	Lookup(id int64) (*Stream, bool)

	// HasHandleRef reports whether this host already holds a local
	// reference to handleID, prior to creating the new stream for id.
	HasHandleRef(handleID wire.FileID) bool

	// Create allocates a target-side stream object for id.
	Create(id int64, handleID wire.FileID, offset int64, flags wire.StreamFlags) *Stream

	// Release destroys a stream previously created with Create. Used on
	// migration failure to back out (spec.md §4.3: "if the target had no
	// prior reference, destroy it").
	Release(id int64)
}

// IOServerClient issues the FS_MIGRATE RPC to the authoritative I/O server
// for a migration envelope's handle (spec.md §4.3 step 4).
type IOServerClient interface {
	Migrate(ctx context.Context, serverHost int, env *wire.MigrationEnvelope) (*wire.MigrationEnvelope, error)
}

// HandleMaterializer is a type-tagged migration handler's mig_end step
// (spec.md §4.3 step 5): it materializes the local I/O handle from the
// opaque blob the I/O server returned. Selected by the envelope's
// HandleID.Type, mirroring iomeshage's Transfer dispatch by filename.
type HandleMaterializer interface {
	MigEnd(ctx context.Context, streamID int64, handleID wire.FileID, opaque []byte) error
}

// NameResolver reconstitutes name-info on the target when the envelope
// carries one but the target has none locally yet (spec.md §4.3 step 3).
type NameResolver interface {
	Resolve(ctx context.Context, nameInfoID, rootID wire.FileID) (*NameInfo, error)
}
