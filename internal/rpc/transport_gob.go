package rpc

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sprited/sprited/internal/corelog"
)

// peerConn is one persistent connection to a peer, adapted directly from
// the teacher's internal/meshage client: a gob.Encoder/Decoder pair over a
// net.Conn, guarded by a send lock, with a goroutine pumping decoded
// Messages into a shared inbound channel.
type peerConn struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
	lock sync.Mutex
}

// Dialer resolves a peer ID to a dialable address. Address resolution
// (DNS, cluster membership) is outside the RPC Client's scope (spec.md §1).
type Dialer func(peer int) (string, error)

// GobTransport is a Transport backed by one TCP connection per peer,
// gob-encoding Messages across it.
type GobTransport struct {
	dial Dialer

	mu    sync.Mutex
	conns map[int]*peerConn

	inbound chan *Message
}

func NewGobTransport(dial Dialer) *GobTransport {
	return &GobTransport{
		dial:    dial,
		conns:   make(map[int]*peerConn),
		inbound: make(chan *Message, 1024),
	}
}

func (t *GobTransport) Inbound() <-chan *Message { return t.inbound }

func (t *GobTransport) getConn(peer int) (*peerConn, error) {
	t.mu.Lock()
	if c, ok := t.conns[peer]; ok {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	addr, err := t.dial(peer)
	if err != nil {
		return nil, fmt.Errorf("rpc: resolve peer %d: %w", peer, err)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial peer %d: %w", peer, err)
	}

	pc := &peerConn{
		conn: conn,
		enc:  gob.NewEncoder(conn),
		dec:  gob.NewDecoder(conn),
	}

	t.mu.Lock()
	if existing, ok := t.conns[peer]; ok {
		// Another Send raced this one and already dialed peer; keep that
		// connection and discard ours rather than losing track of one.
		t.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	t.conns[peer] = pc
	t.mu.Unlock()

	go t.receiveLoop(peer, pc)

	return pc, nil
}

func (t *GobTransport) receiveLoop(peer int, pc *peerConn) {
	for {
		var m Message
		if err := pc.dec.Decode(&m); err != nil {
			if err != io.EOF {
				corelog.Error("rpc: peer %d decode: %v", peer, err)
			}
			break
		}
		t.inbound <- &m
	}

	t.mu.Lock()
	delete(t.conns, peer)
	t.mu.Unlock()
	pc.conn.Close()
}

func (t *GobTransport) Send(ctx context.Context, peer int, m *Message) error {
	pc, err := t.getConn(peer)
	if err != nil {
		return err
	}

	pc.lock.Lock()
	defer pc.lock.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		pc.conn.SetWriteDeadline(dl)
	}

	if err := pc.enc.Encode(m); err != nil {
		pc.conn.Close()
		return fmt.Errorf("rpc: encode to peer %d: %w", peer, err)
	}
	return nil
}
