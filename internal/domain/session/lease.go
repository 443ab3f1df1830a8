package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/towerstats/transferpool/internal/domain/tenant"
)

// Lease binds a caller to one leased session. It must be released exactly
// once through the pool; a second release is reported as a stale release and
// otherwise ignored.
type Lease struct {
	id         string
	tenantID   tenant.ID
	session    *Session
	acquiredAt time.Time
	released   bool
}

// NewLease creates a lease for a session that has just transitioned to
// Leased.
func NewLease(s *Session, now time.Time) *Lease {
	return &Lease{
		id:         uuid.NewString(),
		tenantID:   s.TenantID(),
		session:    s,
		acquiredAt: now,
	}
}

// ID returns the lease's unique identifier.
func (l *Lease) ID() string { return l.id }

// TenantID returns the tenant the lease belongs to.
func (l *Lease) TenantID() tenant.ID { return l.tenantID }

// AcquiredAt returns when the lease was granted.
func (l *Lease) AcquiredAt() time.Time { return l.acquiredAt }

// Session returns the leased session.
func (l *Lease) Session() *Session { return l.session }

// Transport returns the leased session's transport for issuing file
// operations.
func (l *Lease) Transport() Transport { return l.session.Transport() }

// MarkReleased flips the lease to released. It returns false if the lease
// was already released. The caller must hold the owning pool's lock.
func (l *Lease) MarkReleased() bool {
	if l.released {
		return false
	}
	l.released = true
	return true
}
