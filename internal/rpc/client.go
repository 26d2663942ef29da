package rpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sprited/sprited/internal/config"
	"github.com/sprited/sprited/internal/corelog"
	"github.com/sprited/sprited/internal/recov"
)

// waiter is a caller blocked in Call, parked on the channel index it was
// allocated. The inbound pump delivers replies by channel index, the same
// demultiplexing key the teacher's iomeshage uses for transaction IDs.
type waiter struct {
	txID uint64
	ch   chan *Message
}

// Client is the RPC Client of spec.md §4.2: a fixed channel pool, a
// Transport, and a Peer Registry whose NoteAlive/NoteDead it drives as a
// side effect of every call's outcome.
type Client struct {
	pool      *pool
	transport Transport
	registry  *recov.Registry
	tunables  config.Tunables

	selfHost int
	bootGen  uint64

	txCounter uint64

	mu      sync.Mutex
	waiters map[int]*waiter // channel idx -> waiter

	routes   map[int]Profile
	routesMu sync.Mutex

	ackTemplate Header

	stop chan struct{}
}

// NewClient constructs a Client with a pool sized from tunables.NumChannels.
func NewClient(selfHost int, bootGen uint64, transport Transport, registry *recov.Registry, tunables config.Tunables) *Client {
	c := &Client{
		pool:      newPool(tunables.NumChannels),
		transport: transport,
		registry:  registry,
		tunables:  tunables,
		selfHost:  selfHost,
		bootGen:   bootGen,
		waiters:   make(map[int]*waiter),
		routes:    make(map[int]Profile),
		stop:      make(chan struct{}),
	}
	go c.pump()
	return c
}

// Close stops the inbound pump. It does not close the underlying Transport.
func (c *Client) Close() {
	close(c.stop)
}

// Stats is a point-in-time snapshot of channel pool occupancy, for the
// operator CLI's rpc-stats subcommand (spec.md §6, §8: "|free channels| +
// |busy channels| = numChannels").
type Stats struct {
	NumChannels int
	Free        int
	Busy        int
}

// Stats reports the current channel pool occupancy.
func (c *Client) Stats() Stats {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	free := 0
	for _, ch := range c.pool.channels {
		if ch.state == chanFree {
			free++
		}
	}
	return Stats{NumChannels: len(c.pool.channels), Free: free, Busy: len(c.pool.channels) - free}
}

// SetRoute assigns a transport profile to a peer (spec.md §4.2: "select a
// transport profile by peer route"). Peers with no explicit route use
// ProfileLAN.
func (c *Client) SetRoute(peer int, profile Profile) {
	c.routesMu.Lock()
	defer c.routesMu.Unlock()
	c.routes[peer] = profile
}

func (c *Client) routeFor(peer int) Profile {
	c.routesMu.Lock()
	defer c.routesMu.Unlock()
	if p, ok := c.routes[peer]; ok {
		return p
	}
	return ProfileLAN
}

func (c *Client) nextTxID() uint64 {
	return atomic.AddUint64(&c.txCounter, 1)
}

// Call issues a request to peer and blocks for the reply, retrying on
// timeout with doubling backoff up to the route's MaxRetries, and on NACK
// by reallocating a channel up to tunables.NACKRetryCap times (spec.md
// §4.2, §7). On completion it drives the Peer Registry: a normal reply
// notes the peer alive (async); a timeout or unreachable transport error
// notes it dead.
func (c *Client) Call(ctx context.Context, peer int, command int, params, data []byte) (*Message, error) {
	if peer == BroadcastServer {
		return nil, ErrInvalidArgument
	}

	profile := c.routeFor(peer)
	nackRetries := 0
	timeoutAttempt := 0

	for {
		ch := c.pool.allocate(peer, c.tunables.CongestionInterval, profile)

		reply, err := c.roundTrip(ctx, ch, peer, command, params, data, timeoutAttempt, profile)
		c.pool.release(ch)

		switch {
		case err == nil:
			if reply.Header.ReplyStatus == StatusNACK {
				c.pool.markCongested(peer)
				nackRetries++
				if nackRetries > c.tunables.NACKRetryCap {
					return nil, ErrNACKRetryExhausted
				}
				continue
			}
			c.registry.NoteAlive(peer, reply.Header.BootGen, recov.Async)
			if reply.Header.ReplyStatus != StatusOK {
				return reply, &ServerError{Status: int(reply.Header.ReplyStatus)}
			}
			return reply, nil

		case err == ErrTimeout:
			timeoutAttempt++
			if timeoutAttempt > profile.MaxRetries {
				c.registry.NoteDead(peer)
				return nil, ErrTimeout
			}
			continue

		case ctx.Err() != nil:
			// The caller gave up waiting; this says nothing about whether
			// peer is actually reachable, so the registry is left alone.
			return nil, err

		default:
			c.registry.NoteDead(peer)
			return nil, err
		}
	}
}

// roundTrip sends one request on ch and waits for its reply or ctx's
// timeout, whichever comes first.
func (c *Client) roundTrip(ctx context.Context, ch *channel, peer, command int, params, data []byte, attempt int, profile Profile) (*Message, error) {
	txID := c.nextTxID()

	w := &waiter{txID: txID, ch: make(chan *Message, 1)}
	c.mu.Lock()
	c.waiters[ch.idx] = w
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, ch.idx)
		c.mu.Unlock()
	}()

	req := &Message{
		Header: Header{
			Flags:         FlagRequest | FlagServer,
			ClientID:      c.selfHost,
			ServerID:      peer,
			BootGen:       c.bootGen,
			ChannelID:     ch.idx,
			TransactionID: txID,
			Command:       command,
			ParamSize:     len(params),
			DataSize:      len(data),
			FragTotal:     1,
		},
		Params: params,
		Data:   data,
	}

	if err := c.transport.Send(ctx, peer, req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	timeout := profile.nextTimeout(attempt)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-w.ch:
		return reply, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Broadcast sends command to every known peer and returns the first reply,
// per spec.md §4.2 ("first-reply-wins, never retried"). Only commands that
// are legal to broadcast may be passed; that legality check is the caller's
// (Core's) responsibility since the legal set is domain-specific.
func (c *Client) Broadcast(ctx context.Context, command int, params, data []byte) (*Message, error) {
	ch := c.pool.allocate(BroadcastServer, 0, ProfileLAN)
	defer c.pool.release(ch)

	txID := c.nextTxID()
	w := &waiter{txID: txID, ch: make(chan *Message, 1)}
	c.mu.Lock()
	c.waiters[ch.idx] = w
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, ch.idx)
		c.mu.Unlock()
	}()

	req := &Message{
		Header: Header{
			Flags:         FlagRequest | FlagServer,
			ClientID:      c.selfHost,
			ServerID:      BroadcastServer,
			BootGen:       c.bootGen,
			ChannelID:     ch.idx,
			TransactionID: txID,
			Command:       command,
			ParamSize:     len(params),
			DataSize:      len(data),
			FragTotal:     1,
		},
		Params: params,
		Data:   data,
	}

	if err := c.transport.Send(ctx, BroadcastServer, req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	select {
	case reply := <-w.ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pump consumes the Transport's inbound channel, routing replies to waiters
// and acking unsolicited closes. It mirrors the teacher's meshage client
// loop: decode, look up the recipient under the lock, dispatch outside it.
func (c *Client) pump() {
	for {
		select {
		case <-c.stop:
			return
		case m, ok := <-c.transport.Inbound():
			if !ok {
				return
			}
			c.handleInbound(m)
		}
	}
}

func (c *Client) handleInbound(m *Message) {
	if m.Header.Flags&FlagClose != 0 {
		c.handleClose(m)
		return
	}

	if m.Header.Flags&FlagReply == 0 {
		// Request dispatch belongs to the I/O server, out of scope here.
		return
	}

	if m, complete := c.reassemble(m); complete {
		c.mu.Lock()
		w, ok := c.waiters[m.Header.ChannelID]
		c.mu.Unlock()
		if !ok || w.txID != m.Header.TransactionID {
			return
		}
		select {
		case w.ch <- m:
		default:
		}
	}
}

// reassemble accumulates fragments of the reply addressed to m's channel,
// returning the completed Message once the last fragment arrives. Single-
// fragment replies (FragTotal<=1) pass through unchanged. Duplicate
// fragments past completion are silently dropped.
func (c *Client) reassemble(m *Message) (*Message, bool) {
	if m.Header.FragTotal <= 1 {
		return m, true
	}

	// Channels track per-reassembly progress in the pool's channel struct so
	// that concurrent reuse after release can reset it; look it up fresh.
	ch := c.pool.channelByIdx(m.Header.ChannelID)
	if ch == nil {
		return nil, false
	}
	return c.pool.accumulate(ch, m)
}

// handleClose processes an unsolicited close notification by acking it
// through a briefly reserved channel, per spec.md §4.2's "interrupt level"
// ack path.
func (c *Client) handleClose(m *Message) {
	ack := c.pool.reserveForAck(m.Header.ClientID)
	if ack == nil {
		return
	}
	defer c.pool.release(ack)

	reply := &Message{Header: c.ackTemplate}
	reply.Header.Flags = FlagAck
	reply.Header.ClientID = c.selfHost
	reply.Header.ServerID = m.Header.ClientID
	reply.Header.ChannelID = ack.idx
	reply.Header.TransactionID = m.Header.TransactionID

	if err := c.transport.Send(context.Background(), m.Header.ClientID, reply); err != nil {
		corelog.Error("rpc: ack close to peer %d: %v", m.Header.ClientID, err)
	}
}
