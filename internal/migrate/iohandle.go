package migrate

import (
	"sync"

	"github.com/sprited/sprited/internal/corelog"
	"github.com/sprited/sprited/internal/wire"
)

// UseCounts is the (ref, write, exec) triple of spec.md §3 recording how
// many distinct client streams on distinct hosts reference an I/O handle.
type UseCounts struct {
	Ref   int
	Write int
	Exec  int
}

// IOHandle is the authoritative server-side record of who has an object
// open and in what mode (GLOSSARY). Mutated only through Reconcile, per
// spec.md §3 ("Mutated only by the I/O server, solely through the
// migration reconciliation rules in §4.3").
type IOHandle struct {
	ID  wire.FileID
	Use UseCounts

	mu      sync.Mutex
	clients map[int]bool // host -> holds a reference
}

// NewIOHandle constructs an empty-use-count handle record.
func NewIOHandle(id wire.FileID) *IOHandle {
	return &IOHandle{ID: id, clients: make(map[int]bool)}
}

// HandleTable is the I/O server's map from handle ID to its authoritative
// record, looked up by every Reconcile call.
type HandleTable interface {
	GetOrCreate(id wire.FileID) *IOHandle
}

// Reconcile applies spec.md §4.3's use-count delta rules for one migration
// arriving at the I/O server, and returns the flags to hand back to the
// target (with FS_RMT_SHARED set/cleared per the table below).
//
//	NEW_STREAM  closeSrcClient  action
//	yes         no              ref+=1; write/exec+=1 per flag; set RMT_SHARED
//	no          yes             symmetric decrements; clear RMT_SHARED
//	yes         yes             no change (pure move of sole reference)
//	no          no              no change (reference moved between shares)
//
// Afterward: if closeSrcClient, originHost is removed from the client list
// (logged if absent, per spec.md "whose entry must exist"); if NEW_STREAM,
// targetHost is added (idempotent).
func Reconcile(h *IOHandle, flags wire.StreamFlags, closeSrcClient bool, originHost, targetHost int) wire.StreamFlags {
	h.mu.Lock()
	defer h.mu.Unlock()

	newStream := flags.Has(wire.FSNewStream)

	switch {
	case newStream && !closeSrcClient:
		h.Use.Ref++
		if flags.Has(wire.FSWrite) {
			h.Use.Write++
		}
		if flags.Has(wire.FSExecute) {
			h.Use.Exec++
		}
		flags |= wire.FSRmtShared

	case !newStream && closeSrcClient:
		h.Use.Ref--
		if flags.Has(wire.FSWrite) {
			h.Use.Write--
		}
		if flags.Has(wire.FSExecute) {
			h.Use.Exec--
		}
		flags &^= wire.FSRmtShared

	case newStream && closeSrcClient:
		// pure move of the sole reference: no count change.

	default:
		// reference moved between two existing shares: no count change.
	}

	if closeSrcClient {
		if !h.clients[originHost] {
			corelog.Error("migrate: reconcile close for handle %+v: origin host %d has no client entry", h.ID, originHost)
		}
		delete(h.clients, originHost)
	}
	if newStream {
		h.clients[targetHost] = true
	}

	return flags
}

// ClientCount returns the number of distinct hosts currently holding a
// reference to h, the count the §8 quantified invariant "h.use.ref =
// number of distinct (host, stream-on-host) referencing h" compares
// against.
func (h *IOHandle) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HasClient reports whether host currently holds a reference to h.
func (h *IOHandle) HasClient(host int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[host]
}
