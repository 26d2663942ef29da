package migrate

import "errors"

// Error kinds from spec.md §7 that are specific to migration's failure
// paths; transport-level errors (timeout, unreachable, ...) surface from
// internal/rpc verbatim instead of being re-wrapped here.
var (
	ErrStaleHandle  = errors.New("migrate: stale handle")
	ErrNoSuchFile   = errors.New("migrate: no such file")
	ErrInvalidArg   = errors.New("migrate: invalid argument")
	ErrDomainUnavailable = errors.New("migrate: domain unavailable")
)
