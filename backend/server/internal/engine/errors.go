// Package engine implements the session and device-binding engine: it
// decides whether a connection attempt is admitted, routes it to the
// least-loaded server, serializes all state transitions per user, and feeds
// closed sessions into the daily usage rollup.
package engine

import "errors"

var (
	// Policy violations. Surfaced verbatim to the caller, never retried.
	ErrDeviceLocked       = errors.New("account is locked by an administrator")
	ErrBoundToOtherDevice = errors.New("account is already bound to another device")

	// Capacity exhaustion. The caller may retry with backoff or a different
	// protocol filter.
	ErrNoCapacity    = errors.New("no server capacity available")
	ErrNoneAvailable = errors.New("no servers available")

	ErrNoActiveSession = errors.New("no active session")
)
