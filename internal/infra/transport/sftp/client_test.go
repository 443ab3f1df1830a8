package sftp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/towerstats/transferpool/internal/domain/session"
	"github.com/towerstats/transferpool/internal/domain/tenant"
)

func TestAuthMethods(t *testing.T) {
	tests := []struct {
		name    string
		cred    *tenant.Credential
		want    int
		wantErr error
	}{
		{
			name: "password only",
			cred: &tenant.Credential{Username: "gamesvc", Password: "secret"},
			want: 1,
		},
		{
			name:    "no secret",
			cred:    &tenant.Credential{Username: "gamesvc"},
			wantErr: tenant.ErrInvalidCredential,
		},
		{
			name: "garbage key material",
			cred: &tenant.Credential{
				Username:      "gamesvc",
				PrivateKeyPEM: []byte("not a key"),
			},
			wantErr: tenant.ErrInvalidCredential,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			auths, err := authMethods(tc.cred)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, auths, tc.want)
		})
	}
}

func TestIsAuthError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "handshake rejection",
			err:      errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"),
			expected: true,
		},
		{
			name:     "permission denied",
			err:      errors.New("ssh: permission denied (publickey)"),
			expected: true,
		},
		{
			name:     "connection refused",
			err:      errors.New("dial tcp 10.0.0.1:22: connect: connection refused"),
			expected: false,
		},
		{
			name:     "timeout",
			err:      errors.New("dial tcp 10.0.0.1:22: i/o timeout"),
			expected: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, isAuthError(tc.err))
		})
	}
}

func TestDial_UnreachableHostIsNotAuthError(t *testing.T) {
	d := NewDialer()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := d.Dial(ctx, &tenant.Credential{
		TenantID: "guild-1",
		Host:     "127.0.0.1",
		Port:     1, // nothing listens here
		Username: "gamesvc",
		Password: "secret",
		Tier:     tenant.TierFree,
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, session.ErrAuthFailed)
}

func TestWithDeadline_HonorsCancelledContext(t *testing.T) {
	tr := &transport{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tr.withDeadline(ctx, func() error {
		t.Fatal("should not run with a cancelled context")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
