package rpc

import (
	"sync"
	"time"
)

type channelState int

const (
	chanFree channelState = iota
	chanBusy
)

// channel is one slot of the fixed-size pool (spec.md §3). last-associated
// peer is cached so that reuse acts as an implicit acknowledgement of the
// previous transaction, exactly as the teacher's meshage client caches the
// last host it sent to.
type channel struct {
	idx int

	state   channelState
	peer    int
	hasPeer bool

	// in-progress fragment reassembly state, reset on each Request build.
	fragsSeen  map[int]bool
	fragParams map[int][]byte
	fragData   map[int][]byte
	fragHeader Header

	profile Profile
}

// pool is the channel pool plus the congestion map, guarded by a single
// mutex with a condition variable broadcast on any zero-to-nonzero
// transition of the free count (spec.md §5).
type pool struct {
	mu         sync.Mutex
	freeCond   *sync.Cond
	channels   []*channel
	congestion map[int]time.Time // peer -> time of last NACK
}

func newPool(n int) *pool {
	p := &pool{
		channels:   make([]*channel, n),
		congestion: make(map[int]time.Time),
	}
	p.freeCond = sync.NewCond(&p.mu)
	for i := range p.channels {
		p.channels[i] = &channel{idx: i, state: chanFree}
	}
	return p
}

func (p *pool) freeCount() int {
	n := 0
	for _, c := range p.channels {
		if c.state == chanFree {
			n++
		}
	}
	return n
}

// markCongested records a NACK from peer (spec.md §4.2).
func (p *pool) markCongested(peer int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.congestion[peer] = time.Now()
}

func (p *pool) isCongested(peer int, interval time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.congestion[peer]
	if !ok {
		return false
	}
	if time.Since(t) >= interval {
		delete(p.congestion, peer)
		return false
	}
	return true
}

// allocate implements the channel allocation policy of spec.md §4.2. It
// blocks on the free-channel condition variable until a channel is
// available and the policy picks one. release wakes every waiter with a
// broadcast; the order in which woken waiters obtain a channel is not
// defined.
func (p *pool) allocate(peer int, congestionInterval time.Duration, profile Profile) *channel {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if c := p.tryAllocateLocked(peer, congestionInterval, profile); c != nil {
			return c
		}
		p.freeCond.Wait()
	}
}

// tryAllocateLocked must be called with p.mu held.
func (p *pool) tryAllocateLocked(peer int, congestionInterval time.Duration, profile Profile) *channel {
	congested := false
	if t, ok := p.congestion[peer]; ok {
		if time.Since(t) < congestionInterval {
			congested = true
		} else {
			delete(p.congestion, peer)
		}
	}

	// Step 1: congested peers are restricted to a single channel.
	if congested {
		var bound *channel
		for _, c := range p.channels {
			if c.hasPeer && c.peer == peer {
				bound = c
				break
			}
		}
		if bound != nil {
			if bound.state == chanFree {
				return p.takeLocked(bound, peer, profile)
			}
			// busy channel bound to this peer exists: caller must wait for
			// it specifically, so don't hand out anything else.
			return nil
		}
		// no channel bound to this peer yet: fall through to step 2.
	}

	// Step 2: prefer a free channel last associated with this peer.
	for _, c := range p.channels {
		if c.state == chanFree && c.hasPeer && c.peer == peer {
			return p.takeLocked(c, peer, profile)
		}
	}

	// Step 3: first never-used channel.
	for _, c := range p.channels {
		if c.state == chanFree && !c.hasPeer {
			return p.takeLocked(c, peer, profile)
		}
	}

	// Step 4: first free channel associated with any other peer (steal).
	for _, c := range p.channels {
		if c.state == chanFree {
			return p.takeLocked(c, peer, profile)
		}
	}

	// Step 5: none available, wait.
	return nil
}

func (p *pool) takeLocked(c *channel, peer int, profile Profile) *channel {
	c.state = chanBusy
	c.peer = peer
	c.hasPeer = true
	c.profile = profile
	c.fragsSeen = nil
	c.fragParams = nil
	c.fragData = nil
	return c
}

// release returns c to the free list and wakes any allocate waiters.
func (p *pool) release(c *channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c.state = chanFree
	p.freeCond.Broadcast()
}

// channelByIdx returns the channel at idx, or nil if out of range. Used by
// the reassembly path to find a channel's in-progress fragment state by the
// index carried on the wire.
func (p *pool) channelByIdx(idx int) *channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.channels) {
		return nil
	}
	return p.channels[idx]
}

// accumulate folds fragment m into c's in-progress reassembly, returning the
// joined Message once every fragment (by FragTotal) has arrived. Duplicate
// fragment offsets are dropped silently.
func (p *pool) accumulate(c *channel, m *Message) (*Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.fragsSeen == nil {
		c.fragsSeen = make(map[int]bool)
		c.fragParams = make(map[int][]byte)
		c.fragData = make(map[int][]byte)
	}
	if c.fragsSeen[m.Header.FragOffset] {
		return nil, false
	}
	c.fragsSeen[m.Header.FragOffset] = true
	c.fragParams[m.Header.FragOffset] = m.Params
	c.fragData[m.Header.FragOffset] = m.Data
	c.fragHeader = m.Header

	if len(c.fragsSeen) < m.Header.FragTotal {
		return nil, false
	}

	joined := &Message{Header: c.fragHeader}
	for i := 0; i < m.Header.FragTotal; i++ {
		joined.Params = append(joined.Params, c.fragParams[i]...)
		joined.Data = append(joined.Data, c.fragData[i]...)
	}
	return joined, true
}

// reserveForAck briefly reserves an idle channel bound to peer at the
// "interrupt level" described in spec.md §4.2 (Close/ack), returning nil if
// the channel is concurrently allocated (in which case the in-flight
// request serves as the implicit ack).
func (p *pool) reserveForAck(peer int) *channel {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.channels {
		if c.hasPeer && c.peer == peer {
			if c.state == chanBusy {
				return nil
			}
			c.state = chanBusy
			return c
		}
	}
	return nil
}
