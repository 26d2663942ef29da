package rpc

import (
	"testing"
	"time"
)

// TestAllocateStep2PrefersSamePeerFreeChannel covers step 2 of the
// allocation policy (spec.md §4.2): a free channel last associated with
// peer is preferred over a never-used one.
func TestAllocateStep2PrefersSamePeerFreeChannel(t *testing.T) {
	p := newPool(3)

	c1 := p.allocate(7, time.Second, ProfileLAN)
	p.release(c1)

	c2 := p.allocate(7, time.Second, ProfileLAN)
	if c2 != c1 {
		t.Fatalf("expected the channel last used by peer 7 to be reused, got idx %d want %d", c2.idx, c1.idx)
	}
}

// TestAllocateStep3PicksNeverUsedChannel covers step 3: with no free channel
// previously bound to this peer, a never-used channel is picked over
// stealing one from another peer.
func TestAllocateStep3PicksNeverUsedChannel(t *testing.T) {
	p := newPool(2)

	other := p.allocate(1, time.Second, ProfileLAN)
	p.release(other) // now free but bound to peer 1

	c := p.allocate(2, time.Second, ProfileLAN)
	if c == other {
		t.Fatalf("expected a never-used channel for peer 2, got the one bound to peer 1")
	}
	if c.idx != 1 || c.peer != 2 {
		t.Fatalf("expected never-used channel 1 bound to peer 2, got idx %d peer %d", c.idx, c.peer)
	}
}

// TestAllocateStep4StealsFreeChannel covers step 4: once every channel has
// been used at least once, a free channel bound to a different peer is
// stolen rather than blocking.
func TestAllocateStep4StealsFreeChannel(t *testing.T) {
	p := newPool(1)

	c1 := p.allocate(1, time.Second, ProfileLAN)
	p.release(c1)

	c2 := p.allocate(2, time.Second, ProfileLAN)
	if c2 != c1 {
		t.Fatalf("expected the sole channel to be stolen for peer 2")
	}
	if c2.peer != 2 {
		t.Fatalf("expected stolen channel rebound to peer 2, got %d", c2.peer)
	}
}

// TestAllocateStep5BlocksUntilRelease covers step 5: when every channel is
// busy, allocate blocks until one is released.
func TestAllocateStep5BlocksUntilRelease(t *testing.T) {
	p := newPool(1)
	c := p.allocate(1, time.Second, ProfileLAN)

	done := make(chan *channel, 1)
	go func() {
		done <- p.allocate(2, time.Second, ProfileLAN)
	}()

	select {
	case <-done:
		t.Fatalf("expected allocate for peer 2 to block while the only channel is busy")
	case <-time.After(50 * time.Millisecond):
	}

	p.release(c)

	select {
	case got := <-done:
		if got.peer != 2 {
			t.Fatalf("expected the released channel allocated to peer 2, got %d", got.peer)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected allocate to unblock after release")
	}
}

// TestAllocateStep1CongestionRestrictsToOneChannel covers spec.md §8
// scenario 3 ("channel congestion ramp-down"): once a peer has been marked
// congested, allocate restricts it to the single channel already bound to
// it (if any), rather than handing out a second one.
func TestAllocateStep1CongestionRestrictsToOneChannel(t *testing.T) {
	p := newPool(2)

	bound := p.allocate(9, time.Second, ProfileLAN)
	p.release(bound)
	p.markCongested(9)

	p.mu.Lock()
	c := p.tryAllocateLocked(9, time.Minute, ProfileLAN)
	p.mu.Unlock()
	if c == nil {
		t.Fatalf("expected the channel already bound to the congested peer to be handed out")
	}
	if c.idx != bound.idx {
		t.Fatalf("expected congested peer restricted to its existing channel %d, got %d", bound.idx, c.idx)
	}
}

// TestAllocateCongestionExpiresAfterInterval covers the ramp-down half of
// scenario 3: once congestionInterval has elapsed, the peer is no longer
// restricted and ordinary allocation resumes.
func TestAllocateCongestionExpiresAfterInterval(t *testing.T) {
	p := newPool(2)
	p.markCongested(9)

	if !p.isCongested(9, time.Hour) {
		t.Fatalf("expected peer to be congested immediately after markCongested")
	}

	time.Sleep(2 * time.Millisecond)
	if p.isCongested(9, time.Millisecond) {
		t.Fatalf("expected congestion to expire after the interval elapses")
	}

	c := p.allocate(9, time.Millisecond, ProfileLAN)
	if c == nil {
		t.Fatalf("expected allocation to succeed once congestion has expired")
	}
}

// TestAllocateCongestedPeerWithNoBoundChannelFallsThrough covers the case
// where a congested peer has never held a channel: step 1 finds nothing to
// restrict it to, so allocation falls through to steps 2-4 instead of
// blocking forever.
func TestAllocateCongestedPeerWithNoBoundChannelFallsThrough(t *testing.T) {
	p := newPool(1)
	p.markCongested(9)

	c := p.allocate(9, time.Hour, ProfileLAN)
	if c == nil {
		t.Fatalf("expected allocation to succeed for a congested peer with no bound channel")
	}
}

// TestFreeBusyInvariant covers spec.md §8's "|free channels| + |busy
// channels| = numChannels" invariant across allocate/release churn.
func TestFreeBusyInvariant(t *testing.T) {
	const n = 5
	p := newPool(n)

	check := func() {
		free, busy := 0, 0
		for _, c := range p.channels {
			if c.state == chanFree {
				free++
			} else {
				busy++
			}
		}
		if free+busy != n {
			t.Fatalf("free(%d)+busy(%d) != numChannels(%d)", free, busy, n)
		}
	}

	check()
	var held []*channel
	for i := 0; i < n; i++ {
		held = append(held, p.allocate(i, time.Second, ProfileLAN))
		check()
	}
	for _, c := range held {
		p.release(c)
		check()
	}
}

// TestAccumulateReassemblesInOrder covers fragment reassembly: fragments
// arriving out of FragOffset order are still joined into the right byte
// sequence once every fragment has arrived.
func TestAccumulateReassemblesInOrder(t *testing.T) {
	p := newPool(1)
	c := p.channels[0]

	header := Header{FragTotal: 3}

	m1 := &Message{Header: header, Params: []byte("b")}
	m1.Header.FragOffset = 1
	m0 := &Message{Header: header, Params: []byte("a")}
	m0.Header.FragOffset = 0
	m2 := &Message{Header: header, Params: []byte("c")}
	m2.Header.FragOffset = 2

	if _, complete := p.accumulate(c, m1); complete {
		t.Fatalf("expected incomplete after 1 of 3 fragments")
	}
	if _, complete := p.accumulate(c, m0); complete {
		t.Fatalf("expected incomplete after 2 of 3 fragments")
	}
	joined, complete := p.accumulate(c, m2)
	if !complete {
		t.Fatalf("expected complete after all 3 fragments")
	}
	if string(joined.Params) != "abc" {
		t.Fatalf("expected joined params %q, got %q", "abc", joined.Params)
	}
}

// TestAccumulateDropsDuplicateFragment covers duplicate-fragment handling: a duplicate
// fragment offset received after the reassembly has already accepted that
// offset is silently dropped rather than corrupting the joined message.
func TestAccumulateDropsDuplicateFragment(t *testing.T) {
	p := newPool(1)
	c := p.channels[0]

	header := Header{FragTotal: 2}
	m0 := &Message{Header: header, Params: []byte("x")}
	m0.Header.FragOffset = 0

	if _, complete := p.accumulate(c, m0); complete {
		t.Fatalf("expected incomplete after 1 of 2 fragments")
	}

	dup := &Message{Header: header, Params: []byte("zzzz")}
	dup.Header.FragOffset = 0
	if _, complete := p.accumulate(c, dup); complete {
		t.Fatalf("expected duplicate fragment to be dropped, not counted toward completion")
	}

	m1 := &Message{Header: header, Params: []byte("y")}
	m1.Header.FragOffset = 1
	joined, complete := p.accumulate(c, m1)
	if !complete {
		t.Fatalf("expected complete after the real second fragment arrives")
	}
	if string(joined.Params) != "xy" {
		t.Fatalf("expected duplicate fragment's payload discarded, got %q", joined.Params)
	}
}

// TestReserveForAckSkipsBusyChannel covers the "interrupt level" ack path:
// reserveForAck must not hand out a channel that is already busy.
func TestReserveForAckSkipsBusyChannel(t *testing.T) {
	p := newPool(1)
	c := p.allocate(3, time.Second, ProfileLAN)

	if got := p.reserveForAck(3); got != nil {
		t.Fatalf("expected no channel reserved while the only channel bound to peer 3 is busy")
	}
	p.release(c)

	if got := p.reserveForAck(3); got == nil {
		t.Fatalf("expected a channel reserved once the bound channel is free")
	}
}
