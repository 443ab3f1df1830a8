package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/towerstats/transferpool/internal/domain/tenant"
)

// Common errors that can be returned by session operations.
var (
	ErrAuthFailed         = errors.New("authentication rejected by remote host")
	ErrInvalidTransition  = errors.New("invalid session state transition")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// State represents the lifecycle state of a transport session.
// A session is in exactly one state at any instant.
type State string

// Predefined session states.
const (
	StateIdle         State = "idle"
	StateLeased       State = "leased"
	StateProbing      State = "probing"
	StateReconnecting State = "reconnecting"
	StateUnhealthy    State = "unhealthy"
	StateClosed       State = "closed"
)

// String returns the string representation of the state.
func (s State) String() string { return string(s) }

// validTransitions encodes the reconnection state machine. Closed is
// terminal and reachable from every state so that shutdown and eviction can
// always complete.
var validTransitions = map[State][]State{
	StateIdle:         {StateLeased, StateProbing, StateClosed},
	StateLeased:       {StateIdle, StateUnhealthy, StateClosed},
	StateProbing:      {StateIdle, StateUnhealthy, StateClosed},
	StateUnhealthy:    {StateReconnecting, StateClosed},
	StateReconnecting: {StateIdle, StateUnhealthy, StateClosed},
	StateClosed:       {},
}

// Transport is a live connection to one tenant's remote host. The pool only
// exercises Ping and Close; the file operations are for the leaseholder.
type Transport interface {
	// Ping issues a lightweight liveness probe on the transport.
	Ping(ctx context.Context) error

	// List returns directory entries at path on the remote host.
	List(ctx context.Context, path string) ([]os.FileInfo, error)

	// Open opens a remote file for reading.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Close releases the underlying network handle.
	Close() error
}

// Dialer establishes new transport sessions from tenant credentials.
// Implementations return ErrAuthFailed (wrapped) when the remote host
// rejects the credential; such failures are never retried.
type Dialer interface {
	Dial(ctx context.Context, cred *tenant.Credential) (Transport, error)
}

// Session wraps a Transport with the bookkeeping the pool needs. All fields
// are guarded by the owning tenant pool's lock; Session itself carries no
// synchronization.
type Session struct {
	id        string
	tenantID  tenant.ID
	transport Transport
	state     State

	createdAt  time.Time
	lastUsed   time.Time
	lastProbed time.Time

	// failures counts consecutive probe/reconnect failures. Reset on any
	// successful reconnection or probe.
	failures int
}

// New creates an Idle session owned by the given tenant.
func New(tenantID tenant.ID, transport Transport, now time.Time) *Session {
	return &Session{
		id:         uuid.NewString(),
		tenantID:   tenantID,
		transport:  transport,
		state:      StateIdle,
		createdAt:  now,
		lastUsed:   now,
		lastProbed: now,
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// TenantID returns the owning tenant.
func (s *Session) TenantID() tenant.ID { return s.tenantID }

// Transport returns the underlying transport.
func (s *Session) Transport() Transport { return s.transport }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// CreatedAt returns when the session was established.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Transition moves the session to the target state, enforcing the state
// machine. The caller must hold the owning pool's lock.
func (s *Session) Transition(to State) error {
	for _, allowed := range validTransitions[s.state] {
		if allowed == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
}

// SwapTransport replaces the transport after a successful reconnection.
func (s *Session) SwapTransport(t Transport) { s.transport = t }

// TouchUsed records that the session was just used by a leaseholder.
func (s *Session) TouchUsed(now time.Time) { s.lastUsed = now }

// TouchProbed records a completed liveness probe.
func (s *Session) TouchProbed(now time.Time) { s.lastProbed = now }

// IdleFor reports how long the session has been unused.
func (s *Session) IdleFor(now time.Time) time.Duration { return now.Sub(s.lastUsed) }

// ProbeAge reports the time since the last completed probe.
func (s *Session) ProbeAge(now time.Time) time.Duration { return now.Sub(s.lastProbed) }

// RecordFailure increments and returns the consecutive-failure counter.
func (s *Session) RecordFailure() int {
	s.failures++
	return s.failures
}

// Failures returns the consecutive-failure counter.
func (s *Session) Failures() int { return s.failures }

// ResetFailures clears the consecutive-failure counter.
func (s *Session) ResetFailures() { s.failures = 0 }

// CloseTransport transitions the session to Closed and releases the network
// handle. The state change and the handle close happen in the same step so a
// Closed session never holds a live handle. Safe to call on an already
// closed session.
func (s *Session) CloseTransport() error {
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	if s.transport == nil {
		return nil
	}
	return s.transport.Close()
}
