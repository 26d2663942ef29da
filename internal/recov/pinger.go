package recov

import (
	"context"
	"errors"
)

// ErrServiceDisabled is returned by a Pinger when the peer answered but
// explicitly refused service (Sprite's RPC_SERVICE_DISABLED status) — this
// is distinct from a plain timeout/unreachable failure and is surfaced to
// IsDead callers as Status ServiceDisabled instead of Down.
var ErrServiceDisabled = errors.New("recov: service disabled")

// Pinger is the transport hook the registry calls to actively probe a peer.
// The registry has no transport of its own (spec.md §1 scopes RPC as a
// separate, upward-depending component) so Core supplies this, backed by
// the RPC Client's ping command.
type Pinger interface {
	// Ping probes peer and returns its current boot generation on success.
	Ping(ctx context.Context, peer int) (bootGen uint64, err error)
}
