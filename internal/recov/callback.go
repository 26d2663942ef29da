package recov

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/sprited/sprited/internal/corelog"
)

// scheduleCrash starts the crash-callback phase for peer if one is not
// already running (spec.md §4.1 invariant: at most one crash-callback
// sequence active per peer at a time). Must be called with r.mu held.
func (r *Registry) scheduleCrash(peer int, p *peerState) {
	if p.crashRunning {
		return
	}
	p.crashRunning = true

	go func() {
		cbs := r.snapshotCallbacks(OnDown)
		dispatch(cbs, peer, OnDown)

		r.mu.Lock()
		p.crashRunning = false
		p.trace.add(TraceRecord{Peer: peer, Liveness: p.liveness, Cause: CauseDone, At: time.Now()})
		p.cond.Broadcast()
		r.mu.Unlock()
	}()
}

// scheduleReboot starts the reboot-callback phase after settle, used when a
// peer returns from Dead (spec.md §4.1: "schedule reboot callbacks after a
// configurable settle delay to let the peer finish booting"). Must be
// called with r.mu held.
func (r *Registry) scheduleReboot(peer int, p *peerState, settle time.Duration) {
	r.scheduleRebootCore(peer, p, settle, false)
}

// scheduleRebootAfterCrash starts the reboot-callback phase for an
// undetected-crash transition: it waits for the crash phase to finish
// first, then proceeds without an additional settle delay since the peer
// has already answered (spec.md §4.1, scenario 2). Must be called with
// r.mu held.
func (r *Registry) scheduleRebootAfterCrash(peer int, p *peerState) {
	r.scheduleRebootCore(peer, p, 0, true)
}

// scheduleRebootCore is shared by both reboot-scheduling paths. Must be
// called with r.mu held.
func (r *Registry) scheduleRebootCore(peer int, p *peerState, settle time.Duration, waitForCrash bool) {
	if p.rebootRunning {
		return
	}
	p.rebootRunning = true

	go func() {
		if waitForCrash {
			r.mu.Lock()
			for p.crashRunning {
				p.cond.Wait()
			}
			r.mu.Unlock()
		}
		if settle > 0 {
			time.Sleep(settle)
		}

		// Ping with a bounded retry, rescheduling itself on
		// service-disabled or timeout (spec.md §4.1); only invoke the
		// reboot callbacks once the peer actually answers.
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.tunables.PingInterval

		_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
			status, _, err := r.probe(context.Background(), peer)
			if err != nil {
				corelog.Debug("recov: reboot probe for peer %d: %v (%v)", peer, err, status)
				return struct{}{}, err
			}
			return struct{}{}, nil
		}, backoff.WithBackOff(b))

		r.mu.Lock()
		p.rebootRunning = false
		r.mu.Unlock()

		if err != nil {
			corelog.Error("recov: giving up on reboot probe for peer %d: %v", peer, err)
			return
		}

		cbs := r.snapshotCallbacks(OnReboot)
		dispatch(cbs, peer, OnReboot)

		r.mu.Lock()
		p.trace.add(TraceRecord{Peer: peer, Liveness: p.liveness, Cause: CauseDone, At: time.Now()})
		r.mu.Unlock()
	}()
}

// armPinger ensures a background pinger will probe peer every PingInterval
// until it responds (spec.md §4.1 IsDead(peer, arm_pinger=true)). Must be
// called with r.mu held.
func (r *Registry) armPinger(peer int, p *peerState) {
	if p.pingerArmed {
		return
	}
	p.pingerArmed = true
	p.stopPinger = make(chan struct{})
	stop := p.stopPinger

	go r.backgroundPing(peer, p, stop)
}

// disarmPinger stops the background pinger for peer, if one is running.
// Must be called with r.mu held.
func (r *Registry) disarmPinger(p *peerState) {
	if !p.pingerArmed {
		return
	}
	p.pingerArmed = false
	close(p.stopPinger)
	p.stopPinger = nil
}

func (r *Registry) backgroundPing(peer int, p *peerState, stop chan struct{}) {
	ticker := time.NewTicker(r.tunables.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			p.trace.add(TraceRecord{Peer: peer, Liveness: p.liveness, Cause: CausePingAsk, At: time.Now()})
			r.mu.Unlock()

			status, bootGen, err := r.probe(context.Background(), peer)
			if err == nil && status == Up {
				r.mu.Lock()
				r.disarmPinger(p)
				r.mu.Unlock()
				r.NoteAlive(peer, bootGen, Async)
				return
			}
		}
	}
}
