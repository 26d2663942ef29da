package main

import (
	"errors"

	"github.com/sprited/sprited/internal/lfs"
	"github.com/sprited/sprited/internal/migrate"
	"github.com/sprited/sprited/internal/rpc"
)

// exitCodeFor maps an error kind from spec.md §7 to a process exit code,
// per spec.md §6 ("Exit codes: 0 ok, non-zero ≡ the error kind in §7").
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, rpc.ErrTimeout):
		return 2
	case errors.Is(err, rpc.ErrUnreachable):
		return 3
	case errors.Is(err, rpc.ErrStaleHandle), errors.Is(err, migrate.ErrStaleHandle):
		return 4
	case errors.Is(err, rpc.ErrInvalidArgument), errors.Is(err, migrate.ErrInvalidArg):
		return 5
	case errors.Is(err, migrate.ErrNoSuchFile):
		return 6
	case errors.Is(err, migrate.ErrDomainUnavailable):
		return 7
	case errors.Is(err, rpc.ErrNACKRetryExhausted):
		return 8
	case errors.Is(err, lfs.ErrInternalInconsistency):
		return 9
	case errors.Is(err, rpc.ErrOutOfResources), errors.Is(err, lfs.ErrNoCleanSegments):
		return 10
	default:
		return 1
	}
}
