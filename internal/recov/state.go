// Package recov is the peer registry: per-peer liveness tracking with crash
// and reboot callbacks, adapted from Sprite's recovery.c and from the
// mutex/goroutine concurrency idioms of the teacher's internal/meshage
// (one lock guarding shared maps, long-running work done with the lock
// released).
package recov

import (
	"sync"
	"time"
)

// Liveness is a peer's current liveness state (spec.md §3).
type Liveness int

const (
	Unknown Liveness = iota
	Alive
	Dead
)

func (l Liveness) String() string {
	switch l {
	case Alive:
		return "alive"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// SyncMode selects whether NoteAlive blocks for a pending crash-callback
// phase on the same peer (spec.md §4.1).
type SyncMode int

const (
	Async SyncMode = iota
	Sync
)

// When selects which phase a registered callback runs on.
type When int

const (
	OnDown When = iota
	OnReboot
	Both
)

// Status is the result of IsDead.
type Status int

const (
	Up Status = iota
	Down
	ServiceDisabled
)

func (s Status) String() string {
	switch s {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "service-disabled"
	}
}

// Callback matches Sprite's Recov_HostNotify signature: (peer, clientData,
// when). Panics are recovered and logged by the dispatcher so one bad
// registrant can never block another's callback from running.
type Callback func(peer int, data interface{}, when When)

type callbackEntry struct {
	fn   Callback
	data interface{}
	when When
}

// peerState is the per-peer record described in spec.md §3. It is never
// destroyed once created (peers are cheap, small-integer-keyed records).
type peerState struct {
	liveness Liveness
	bootGen  uint64
	lastSeen time.Time

	clientState uint32

	crashRunning  bool
	rebootRunning bool

	// cond is broadcast whenever liveness or the two running flags change,
	// waking WaitFor callers and synchronous NoteAlive callers.
	cond *sync.Cond

	pingerArmed bool
	stopPinger  chan struct{}

	trace *traceRing
}

func newPeerState(mu *sync.Mutex) *peerState {
	return &peerState{
		liveness: Unknown,
		cond:     sync.NewCond(mu),
		trace:    newTraceRing(32),
	}
}
