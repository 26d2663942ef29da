package recov

import (
	"context"
	"sync"
	"time"

	"github.com/sprited/sprited/internal/config"
	"github.com/sprited/sprited/internal/corelog"
)

// Registry is the peer registry described in spec.md §4.1. A single mutex
// protects the host table and callback list (spec.md §5); callbacks are
// dispatched outside the lock by copying the relevant slice under it first,
// the same discipline the teacher's internal/meshage uses for its client
// map (copy-then-iterate instead of holding the lock across I/O).
type Registry struct {
	mu    sync.Mutex
	peers map[int]*peerState

	callbacks []callbackEntry

	tunables config.Tunables
	pinger   Pinger
}

// NewRegistry constructs a Registry. pinger may be nil in tests that never
// call IsDead/WaitFor with arming enabled.
func NewRegistry(tunables config.Tunables, pinger Pinger) *Registry {
	return &Registry{
		peers:    make(map[int]*peerState),
		tunables: tunables,
		pinger:   pinger,
	}
}

// SetPinger installs (or replaces) the transport hook used by IsDead,
// WaitFor, and the background pinger. It exists so a Pinger that itself
// depends on the Registry (e.g. Core's RPC-backed pinger) can be wired in
// after construction, without a circular constructor dependency.
func (r *Registry) SetPinger(p Pinger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pinger = p
}

func (r *Registry) get(peer int) *peerState {
	p, ok := r.peers[peer]
	if !ok {
		p = newPeerState(&r.mu)
		r.peers[peer] = p
	}
	return p
}

// NoteAlive is the inbound-message side effect (spec.md §4.1). It updates
// last-seen, classifies reboot/undetected-crash transitions, and schedules
// the appropriate callback phases. When sync is Sync, it blocks until any
// crash-callback phase it schedules (or finds already running) for this
// peer completes; a peer with no prior record has no crash phase to wait
// for.
func (r *Registry) NoteAlive(peer int, bootGen uint64, sync_ SyncMode) {
	r.mu.Lock()

	p := r.get(peer)
	p.lastSeen = time.Now()

	switch p.liveness {
	case Unknown:
		p.liveness = Alive
		p.bootGen = bootGen
		p.trace.add(TraceRecord{Peer: peer, Liveness: Alive, Cause: CauseInit, At: p.lastSeen})
		p.cond.Broadcast()
		r.mu.Unlock()
		return

	case Dead:
		p.liveness = Alive
		p.bootGen = bootGen
		p.trace.add(TraceRecord{Peer: peer, Liveness: Alive, Cause: CauseReboot, At: p.lastSeen})
		r.disarmPinger(p)
		r.scheduleReboot(peer, p, r.tunables.RebootSettle)
		p.cond.Broadcast()
		if sync_ == Sync {
			for p.crashRunning {
				p.cond.Wait()
			}
		}
		r.mu.Unlock()
		return

	case Alive:
		if bootGen == p.bootGen {
			// ordinary traffic, no transition
			if sync_ == Sync {
				for p.crashRunning {
					p.cond.Wait()
				}
			}
			r.mu.Unlock()
			return
		}

		// undetected crash: the peer rebooted without us ever observing it
		// go down. Crash callbacks run first, then reboot callbacks.
		p.trace.add(TraceRecord{Peer: peer, Liveness: Dead, Cause: CauseCrash, At: p.lastSeen})
		r.scheduleCrash(peer, p)
		p.liveness = Alive
		p.bootGen = bootGen
		p.trace.add(TraceRecord{Peer: peer, Liveness: Alive, Cause: CauseReboot, At: p.lastSeen})
		r.scheduleRebootAfterCrash(peer, p)

		if sync_ == Sync {
			for p.crashRunning {
				p.cond.Wait()
			}
		}
		r.mu.Unlock()
		return
	}

	r.mu.Unlock()
}

// NoteDead is the outbound-timeout side effect (spec.md §4.1). Idempotent
// against repeated dead reports.
func (r *Registry) NoteDead(peer int) {
	r.mu.Lock()
	p := r.get(peer)

	if p.liveness == Dead {
		r.mu.Unlock()
		return
	}

	p.liveness = Dead
	p.trace.add(TraceRecord{Peer: peer, Liveness: Dead, Cause: CauseCrash, At: time.Now()})
	r.scheduleCrash(peer, p)
	r.mu.Unlock()
}

// IsDead queries the liveness of peer, per spec.md §4.1.
func (r *Registry) IsDead(ctx context.Context, peer int, armPinger bool) Status {
	r.mu.Lock()
	p := r.get(peer)

	if time.Since(p.lastSeen) < r.tunables.RecentTrafficWindow {
		r.mu.Unlock()
		return Up
	}
	r.mu.Unlock()

	status, bootGen, err := r.probe(ctx, peer)
	if err == nil {
		r.NoteAlive(peer, bootGen, Async)
		return Up
	}

	r.mu.Lock()
	p.trace.add(TraceRecord{Peer: peer, Liveness: p.liveness, Cause: CausePingCheck, At: time.Now()})
	if armPinger && status == Down {
		r.armPinger(peer, p)
	}
	r.mu.Unlock()

	return status
}

func (r *Registry) probe(ctx context.Context, peer int) (Status, uint64, error) {
	if r.pinger == nil {
		return Down, 0, ErrServiceDisabled
	}
	bootGen, err := r.pinger.Ping(ctx, peer)
	if err == nil {
		return Up, bootGen, nil
	}
	if err == ErrServiceDisabled {
		return ServiceDisabled, 0, err
	}
	return Down, 0, err
}

// WaitFor blocks the caller until peer transitions to Alive, or the context
// is cancelled (spec.md: "cancellable by signal"). It arms the pinger.
func (r *Registry) WaitFor(ctx context.Context, peer int) error {
	r.mu.Lock()
	p := r.get(peer)
	p.trace.add(TraceRecord{Peer: peer, Liveness: p.liveness, Cause: CauseWait, At: time.Now()})
	r.armPinger(peer, p)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			p.cond.Broadcast()
			r.mu.Unlock()
		case <-done:
		}
	}()

	for p.liveness != Alive && ctx.Err() == nil {
		p.cond.Wait()
	}
	close(done)

	alive := p.liveness == Alive
	if alive {
		p.trace.add(TraceRecord{Peer: peer, Liveness: Alive, Cause: CauseWakeup, At: time.Now()})
	}
	r.mu.Unlock()

	if !alive {
		return ctx.Err()
	}
	return nil
}

// RegisterCallback appends to the callback list (spec.md §4.1), immutable
// after registration, invoked in insertion order.
func (r *Registry) RegisterCallback(fn Callback, data interface{}, when When) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, callbackEntry{fn: fn, data: data, when: when})
}

// GetClientState returns the opaque per-peer state bits, or 0 if the peer
// has no record (spec.md §4.1).
func (r *Registry) GetClientState(peer int) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peer]
	if !ok {
		return 0
	}
	return p.clientState
}

// SetClientState sets bits in the opaque per-peer state word.
func (r *Registry) SetClientState(peer int, bits uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(peer).clientState |= bits
}

// ClearClientState clears bits in the opaque per-peer state word.
func (r *Registry) ClearClientState(peer int, bits uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(peer).clientState &^= bits
}

// RecovTrace returns the recorded state transitions for peer, oldest first.
func (r *Registry) RecovTrace(peer int) []TraceRecord {
	r.mu.Lock()
	p, ok := r.peers[peer]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return p.trace.dump()
}

// Liveness returns the current liveness of peer without side effects.
func (r *Registry) Liveness(peer int) Liveness {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peer]
	if !ok {
		return Unknown
	}
	return p.liveness
}

func (r *Registry) snapshotCallbacks(when When) []callbackEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []callbackEntry
	for _, c := range r.callbacks {
		if c.when == when || c.when == Both {
			out = append(out, c)
		}
	}
	return out
}

// dispatch runs cbs in insertion order, outside the registry lock (spec.md
// §3 "invoked in insertion order", §5 "the dispatcher copies the list under
// the lock, then iterates"). A panicking callback is recovered and logged
// so it can never prevent a later callback from running (spec.md §7:
// "callback failures are logged and swallowed").
func dispatch(cbs []callbackEntry, peer int, when When) {
	for _, c := range cbs {
		func(c callbackEntry) {
			defer func() {
				if rec := recover(); rec != nil {
					corelog.Error("recov: callback for peer %d panicked: %v", peer, rec)
				}
			}()
			c.fn(peer, c.data, when)
		}(c)
	}
}
