// Package rpc implements the RPC Client described in spec.md §4.2: a
// request/reply transport multiplexed over a fixed pool of channels, with
// retransmission, fragmentation, and NACK-driven back-pressure. The header
// carries a ServerHint field, but the client neither sets nor caches it.
// It is grounded in the teacher's internal/meshage (gob
// encoding over a persistent per-peer net.Conn, one goroutine pumping
// decoded messages into a channel) and internal/iomeshage (the
// transaction-ID -> waiting-channel map used to route replies back to the
// caller that is blocked on them).
package rpc

import (
	"errors"
	"fmt"
	"time"
)

// Flags is the RPC wire header's transport flags bitfield (spec.md §6).
type Flags uint8

const (
	FlagRequest Flags = 1 << iota
	FlagReply
	FlagAck
	FlagClose
	FlagEcho
	FlagServer
)

// Header is the abstract RPC wire header of spec.md §6. Byte order and
// on-the-wire layout are left to gob, matching the teacher's meshage.Message
// (spec.md's Non-goals explicitly exclude reproducing the exact wire
// format).
type Header struct {
	Flags         Flags
	ClientID      int
	ServerID      int
	BootGen       uint64
	ChannelID     int
	TransactionID uint64
	Command       int
	ServerHint    int64 // advisory: last-known handle position
	ParamSize     int
	DataSize      int
	FragOffset    int
	FragTotal     int

	// ReplyStatus is only meaningful on replies (StatusOK or StatusNACK).
	ReplyStatus Status
}

// Message is the payload that crosses the wire: a header plus the
// scatter/gather parameter and data payloads (spec.md §3 Channel: "two
// scatter/gather buffer specs").
type Message struct {
	Header Header
	Params []byte
	Data   []byte
}

// BroadcastServer is the distinguished server ID that triggers a broadcast
// RPC (spec.md §4.2).
const BroadcastServer = -1

// Command codes. CmdPing is the distinguished RPC command of spec.md §6
// ("a distinguished RPC command whose success updates note_alive with the
// remote's boot-generation; no payload"). CmdMigrate is the FS_MIGRATE call
// Stream Migration's Deencapsulate issues to the I/O server (spec.md
// §4.3 step 4). Commands below CmdUserBase are reserved for the core;
// domain code built on top of Core should number its own commands from
// CmdUserBase up.
const (
	CmdPing = iota
	CmdMigrate
	CmdUserBase = 1000
)

// Status is a server-supplied reply status, distinct from transport-level
// errors.
type Status int

const (
	StatusOK Status = iota
	StatusNACK
)

// Profile is a transport profile: the per-route timeout/retry constants
// spec.md §4.2 calls for ("select a transport profile by peer route").
// Grounded in rpcCall.c's per-route timeout table (SPEC_FULL §4).
type Profile struct {
	Name          string
	InitialTimeout time.Duration
	MaxTimeout    time.Duration // doubling is capped here
	MaxRetries    int
}

// ProfileLAN and ProfileWAN are the two built-in route profiles. A peer is
// given one with Client.SetRoute; peers with no route use ProfileLAN.
var (
	ProfileLAN = Profile{Name: "lan", InitialTimeout: 200 * time.Millisecond, MaxTimeout: 2 * time.Second, MaxRetries: 5}
	ProfileWAN = Profile{Name: "wan", InitialTimeout: 2 * time.Second, MaxTimeout: 20 * time.Second, MaxRetries: 5}
)

func (p Profile) nextTimeout(attempt int) time.Duration {
	d := p.InitialTimeout
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > p.MaxTimeout {
			return p.MaxTimeout
		}
	}
	return d
}

// Error kinds (spec.md §7).
var (
	ErrTimeout            = errors.New("rpc: timeout")
	ErrUnreachable        = errors.New("rpc: unreachable")
	ErrStaleHandle        = errors.New("rpc: stale handle")
	ErrNACKRetryExhausted = errors.New("rpc: nack retry exhausted")
	ErrInvalidArgument    = errors.New("rpc: invalid argument")
	ErrOutOfResources     = errors.New("rpc: out of resources")
)

// ServerError wraps a pass-through server-supplied status (spec.md §7).
type ServerError struct {
	Status int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("rpc: server error: status %d", e.Status)
}
