// Package wire holds the gob-encoded types that cross the network between
// cores: the RPC header lives in internal/rpc (it is private to that
// transport), while the Migration Envelope of spec.md §4.3/§6 lives here
// since both internal/migrate and internal/rpc's FS_MIGRATE call need a
// shared definition that neither package owns.
package wire

// FileIDType distinguishes a sentinel (no file) from a real file ID, and
// tags which migration handler owns a handle (spec.md §3: "type tag
// selecting a migration handler").
type FileIDType int32

// NoFileID is the wire sentinel for "no name-info/root present" (spec.md §6:
// "name ID (or sentinel type = -1)").
const NoFileID FileIDType = -1

// FileID identifies a file or I/O handle across the cluster: the server
// that owns it, a type tag, and a (major, minor) number pair, matching
// spec.md §6's "{serverID, type, major, minor}".
type FileID struct {
	ServerID int
	Type     FileIDType
	Major    uint32
	Minor    uint32
}

func (f FileID) IsNil() bool { return f.Type == NoFileID }

// StreamFlags is the use-flags bitfield of spec.md §3/§4.3.
type StreamFlags uint32

const (
	FSRead StreamFlags = 1 << iota
	FSWrite
	FSExecute
	FSNewStream
	FSRmtShared
)

func (f StreamFlags) Has(bit StreamFlags) bool { return f&bit != 0 }

// MigrationEnvelope is transferred between hosts during a stream migration
// (spec.md §3 Migration Envelope, §6 wire layout). It is ephemeral: built by
// Encapsulate, consumed by Deencapsulate and Reconcile, and never persisted.
type MigrationEnvelope struct {
	StreamID int64

	HandleID FileID // I/O-handle file ID, with type tag selecting the handler

	NameInfoID FileID // NoFileID sentinel when absent
	RootID     FileID // NoFileID sentinel when absent

	Offset int64
	Flags  StreamFlags

	SourceHostID int

	// Opaque is server-produced payload threaded back to the target's
	// mig_end step (spec.md §4.3 step 4: "an opaque blob used by the
	// I/O-handle creation step"). Its shape is handler-specific.
	Opaque []byte
}
