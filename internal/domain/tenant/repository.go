package tenant

import "context"

// CredentialStore defines read-only access to per-tenant connection
// parameters. This interface abstracts the underlying storage mechanism to
// allow for different implementations (database, in-memory, etc.).
type CredentialStore interface {
	// GetCredential retrieves the connection parameters for a tenant.
	// Returns ErrCredentialNotFound when the tenant has no stored credential.
	GetCredential(ctx context.Context, tenantID ID) (*Credential, error)
}

// TierSource supplies the current tier label for a tenant. Reads are
// eventually consistent; the pool tolerates a stale tier and applies changes
// lazily on the next acquisition or eviction cycle.
type TierSource interface {
	GetTier(ctx context.Context, tenantID ID) (Tier, error)
}
