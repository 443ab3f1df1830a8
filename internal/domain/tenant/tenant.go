package tenant

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrCredentialNotFound = errors.New("tenant credential not found")
	ErrInvalidCredential  = errors.New("invalid tenant credential")
	ErrUnknownTier        = errors.New("unknown tenant tier")
)

// ID identifies a tenant (a guild with its own remote host and quota).
type ID string

// String returns the string representation of the tenant id.
func (id ID) String() string { return string(id) }

// Tier represents a tenant's subscription tier.
type Tier string

// Predefined tier levels
const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// IsValid checks if the tier is one of the predefined levels.
func (t Tier) IsValid() bool {
	switch t {
	case TierFree, TierPro, TierEnterprise:
		return true
	default:
		return false
	}
}

// String returns the string representation of the tier.
func (t Tier) String() string { return string(t) }

// ParseTier converts a string to a Tier with validation.
// Unknown tier labels are a configuration fault, never silently defaulted.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
	return t, nil
}

// Credential holds the connection parameters for one tenant's remote host.
// It is immutable once loaded; the pool keeps a read-only copy per tenant.
type Credential struct {
	TenantID ID
	Host     string
	Port     int
	Username string
	// Password is the shared-secret credential. Empty when key auth is used.
	Password string
	// PrivateKeyPEM holds PEM-encoded key material for public-key auth.
	PrivateKeyPEM []byte
	Tier          Tier
}

// Addr returns the host:port dial address for the credential.
func (c *Credential) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// Validate checks the credential has everything needed to open a session.
func (c *Credential) Validate() error {
	if c.TenantID == "" {
		return fmt.Errorf("%w: missing tenant id", ErrInvalidCredential)
	}
	if c.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidCredential)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidCredential, c.Port)
	}
	if c.Username == "" {
		return fmt.Errorf("%w: missing username", ErrInvalidCredential)
	}
	if c.Password == "" && len(c.PrivateKeyPEM) == 0 {
		return fmt.Errorf("%w: no password or private key", ErrInvalidCredential)
	}
	if !c.Tier.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownTier, c.Tier)
	}
	return nil
}
