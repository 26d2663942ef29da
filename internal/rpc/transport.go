package rpc

import "context"

// Transport is the network hook the Client sends Messages through and
// receives them from. A concrete implementation (transport_gob.go's
// GobTransport) keeps one persistent connection per peer and gob-encodes
// Messages across it, exactly like the teacher's internal/meshage client;
// spec.md's Non-goals explicitly exclude reproducing the exact wire
// format, so the concrete encoding is an implementation choice.
type Transport interface {
	// Send transmits m to peer.
	Send(ctx context.Context, peer int, m *Message) error

	// Inbound delivers messages arriving from any peer: replies to our
	// requests, unsolicited closes, and (if the local host also acts as a
	// server) requests. The RPC Client component only consumes replies and
	// closes; request dispatch is the I/O server's concern and out of
	// scope here (spec.md §1).
	Inbound() <-chan *Message
}
