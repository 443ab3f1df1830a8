// Package timeutil abstracts the clock so that time-dependent pool logic,
// idle ages, probe staleness, and lease timing, can be tested against a
// controlled time source.
package timeutil

import "time"

// Provider is the clock the pool reads.
type Provider interface {
	// Now returns the current time.
	Now() time.Time
}

// RealProvider reads the system clock.
type RealProvider struct{}

// Now returns the current time in UTC.
func (RealProvider) Now() time.Time { return time.Now().UTC() }

// Mock is a Provider for tests; the returned time is whatever the test set.
type Mock struct{ CurrentTime time.Time }

// Now returns the preset time.
func (m Mock) Now() time.Time { return m.CurrentTime }

// SetNow replaces the current time.
func (m *Mock) SetNow(t time.Time) { m.CurrentTime = t }

// Advance moves the mock time forward by d.
func (m *Mock) Advance(d time.Duration) { m.CurrentTime = m.CurrentTime.Add(d) }

// Default returns the system-clock provider.
func Default() Provider { return RealProvider{} }

// NewMock creates a mock provider fixed at t.
func NewMock(t time.Time) *Mock { return &Mock{CurrentTime: t} }
