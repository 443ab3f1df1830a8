package pool

import "errors"

// Caller-facing errors returned by the pool.
var (
	// ErrPoolExhausted is returned when a tenant's capacity is saturated
	// and the acquisition deadline elapsed while queued.
	ErrPoolExhausted = errors.New("tenant pool exhausted")

	// ErrPoolClosed is returned for acquisitions after Shutdown started.
	ErrPoolClosed = errors.New("pool closed")

	// ErrStaleRelease is returned when releasing a lease that was already
	// released or whose session was destroyed. It signals a caller bug or
	// a benign shutdown race, never a pool fault.
	ErrStaleRelease = errors.New("stale lease release")
)
