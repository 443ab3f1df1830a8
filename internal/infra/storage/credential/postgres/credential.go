// Package postgres persists tenant transfer credentials. It backs both the
// credential store and the tier source the pool consumes.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/towerstats/transferpool/internal/domain/tenant"
	"github.com/towerstats/transferpool/internal/infra/storage"
)

var (
	_ tenant.CredentialStore = (*credentialStore)(nil)
	_ tenant.TierSource      = (*credentialStore)(nil)
)

type credentialStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewCredentialStore creates a credential store backed by PostgreSQL.
func NewCredentialStore(pool *pgxpool.Pool, tracer trace.Tracer) *credentialStore {
	return &credentialStore{pool: pool, tracer: tracer}
}

func tenantAttrs(id tenant.ID) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String("tenant_id", id.String())}
}

const getCredentialQuery = `
SELECT tenant_id, host, port, username, password, private_key_pem, tier
FROM tenant_credentials
WHERE tenant_id = $1`

// GetCredential retrieves the tenant's connection credential.
// Returns tenant.ErrCredentialNotFound when the tenant has none.
func (s *credentialStore) GetCredential(ctx context.Context, id tenant.ID) (*tenant.Credential, error) {
	var cred tenant.Credential

	err := storage.ExecuteAndTrace(ctx, s.tracer, "credentialStore.GetCredential", tenantAttrs(id),
		func(ctx context.Context) error {
			var tierRaw string
			err := s.pool.QueryRow(ctx, getCredentialQuery, id.String()).Scan(
				&cred.TenantID,
				&cred.Host,
				&cred.Port,
				&cred.Username,
				&cred.Password,
				&cred.PrivateKeyPEM,
				&tierRaw,
			)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return tenant.ErrCredentialNotFound
				}
				return fmt.Errorf("querying credential for tenant %s: %w", id, err)
			}

			tier, err := tenant.ParseTier(tierRaw)
			if err != nil {
				return fmt.Errorf("tenant %s: %w", id, err)
			}
			cred.Tier = tier
			return nil
		})
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

const getTierQuery = `
SELECT tier
FROM tenant_credentials
WHERE tenant_id = $1`

// GetTier retrieves just the tenant's tier, used for runtime tier refresh.
// Returns tenant.ErrCredentialNotFound when the tenant has none.
func (s *credentialStore) GetTier(ctx context.Context, id tenant.ID) (tenant.Tier, error) {
	var tier tenant.Tier

	err := storage.ExecuteAndTrace(ctx, s.tracer, "credentialStore.GetTier", tenantAttrs(id),
		func(ctx context.Context) error {
			var tierRaw string
			if err := s.pool.QueryRow(ctx, getTierQuery, id.String()).Scan(&tierRaw); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return tenant.ErrCredentialNotFound
				}
				return fmt.Errorf("querying tier for tenant %s: %w", id, err)
			}

			var perr error
			tier, perr = tenant.ParseTier(tierRaw)
			return perr
		})
	if err != nil {
		return "", err
	}
	return tier, nil
}

const upsertCredentialQuery = `
INSERT INTO tenant_credentials (tenant_id, host, port, username, password, private_key_pem, tier)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (tenant_id) DO UPDATE SET
	host = EXCLUDED.host,
	port = EXCLUDED.port,
	username = EXCLUDED.username,
	password = EXCLUDED.password,
	private_key_pem = EXCLUDED.private_key_pem,
	tier = EXCLUDED.tier,
	updated_at = now()`

// UpsertCredential stores or replaces a tenant's credential.
func (s *credentialStore) UpsertCredential(ctx context.Context, cred *tenant.Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}

	// The column is NOT NULL; a credential without key material stores an
	// empty value.
	key := cred.PrivateKeyPEM
	if key == nil {
		key = []byte{}
	}

	return storage.ExecuteAndTrace(ctx, s.tracer, "credentialStore.UpsertCredential", tenantAttrs(cred.TenantID),
		func(ctx context.Context) error {
			_, err := s.pool.Exec(ctx, upsertCredentialQuery,
				cred.TenantID.String(),
				cred.Host,
				cred.Port,
				cred.Username,
				cred.Password,
				key,
				cred.Tier.String(),
			)
			if err != nil {
				return fmt.Errorf("upserting credential for tenant %s: %w", cred.TenantID, err)
			}
			return nil
		})
}

const deleteCredentialQuery = `
DELETE FROM tenant_credentials
WHERE tenant_id = $1`

// DeleteCredential removes a tenant's credential.
// Returns tenant.ErrCredentialNotFound when the tenant had none.
func (s *credentialStore) DeleteCredential(ctx context.Context, id tenant.ID) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "credentialStore.DeleteCredential", tenantAttrs(id),
		func(ctx context.Context) error {
			tag, err := s.pool.Exec(ctx, deleteCredentialQuery, id.String())
			if err != nil {
				return fmt.Errorf("deleting credential for tenant %s: %w", id, err)
			}
			if tag.RowsAffected() == 0 {
				return tenant.ErrCredentialNotFound
			}
			return nil
		})
}
