// Package sftp provides the SFTP transport used by the session pool. It
// speaks SSH with password or private-key authentication and exposes the
// small file-access surface leaseholders need.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	sftpclient "github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/towerstats/transferpool/internal/domain/session"
	"github.com/towerstats/transferpool/internal/domain/tenant"
)

// Dialer establishes SFTP transports from tenant credentials. It implements
// session.Dialer.
type Dialer struct {
	// HandshakeTimeout bounds the SSH handshake itself, independent of the
	// caller's context.
	HandshakeTimeout time.Duration

	// HostKeyCallback validates the remote host key. Defaults to accepting
	// any key, matching the trust model for tenant-supplied game servers.
	HostKeyCallback ssh.HostKeyCallback
}

// NewDialer returns a Dialer with sane defaults.
func NewDialer() *Dialer {
	return &Dialer{
		HandshakeTimeout: 15 * time.Second,
		HostKeyCallback:  ssh.InsecureIgnoreHostKey(),
	}
}

// Dial opens an SSH connection and an SFTP subsystem on top of it. A remote
// credential rejection is reported as session.ErrAuthFailed so the pool
// never retries it.
func (d *Dialer) Dial(ctx context.Context, cred *tenant.Credential) (session.Transport, error) {
	auths, err := authMethods(cred)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            auths,
		HostKeyCallback: d.HostKeyCallback,
		Timeout:         d.HandshakeTimeout,
	}
	if cfg.HostKeyCallback == nil {
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	addr := cred.Addr()

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if isAuthError(err) {
			return nil, fmt.Errorf("%w: %s@%s", session.ErrAuthFailed, cred.Username, addr)
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	client, err := sftpclient.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("opening sftp subsystem on %s: %w", addr, err)
	}

	return &transport{ssh: sshClient, sftp: client}, nil
}

// authMethods builds the SSH auth chain: private key when present, password
// otherwise, both when the credential carries both.
func authMethods(cred *tenant.Credential) ([]ssh.AuthMethod, error) {
	var auths []ssh.AuthMethod
	if len(cred.PrivateKeyPEM) > 0 {
		signer, err := ssh.ParsePrivateKey(cred.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing private key: %v", tenant.ErrInvalidCredential, err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if cred.Password != "" {
		auths = append(auths, ssh.Password(cred.Password))
	}
	if len(auths) == 0 {
		return nil, fmt.Errorf("%w: no password or private key", tenant.ErrInvalidCredential)
	}
	return auths, nil
}

// isAuthError distinguishes a credential rejection from transport faults.
// x/crypto/ssh reports rejections as an "unable to authenticate" handshake
// error rather than a typed one.
func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "permission denied")
}

// transport adapts an SFTP client to session.Transport.
type transport struct {
	ssh  *ssh.Client
	sftp *sftpclient.Client
}

var _ session.Transport = (*transport)(nil)

// Ping checks liveness with a working-directory request, the cheapest
// round-trip the protocol offers.
func (t *transport) Ping(ctx context.Context) error {
	return t.withDeadline(ctx, func() error {
		_, err := t.sftp.Getwd()
		return err
	})
}

func (t *transport) List(ctx context.Context, path string) ([]os.FileInfo, error) {
	var infos []os.FileInfo
	err := t.withDeadline(ctx, func() error {
		var lerr error
		infos, lerr = t.sftp.ReadDir(path)
		return lerr
	})
	return infos, err
}

func (t *transport) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	var f *sftpclient.File
	err := t.withDeadline(ctx, func() error {
		var oerr error
		f, oerr = t.sftp.Open(path)
		return oerr
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Close tears down the subsystem and the SSH connection underneath it.
func (t *transport) Close() error {
	serr := t.sftp.Close()
	cerr := t.ssh.Close()
	return errors.Join(serr, cerr)
}

// withDeadline runs an SFTP call that has no context plumbing of its own,
// honoring ctx by abandoning the wait. The underlying request may still
// complete on the wire; the session is treated as broken afterwards, so the
// stray reply is never misattributed.
func (t *transport) withDeadline(ctx context.Context, fn func() error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
