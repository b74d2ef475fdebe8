package storage

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/skeema/knownhosts"
	"golang.org/x/crypto/ssh"

	"github.com/emre/mediadock-paas/internal/core/domain"
)

// runner executes one command on the remote storage host. Transport
// failures (dial, handshake, timeout) come back wrapping
// domain.ErrStorageUnreachable; any other error means the host was
// reached but the command failed.
type runner interface {
	run(ctx context.Context, cmd string) ([]byte, error)
}

// sshRunner dials a fresh session per call. No connection pooling: the
// manager tolerates sequential reconnects, and a dedicated session per
// command keeps failure handling simple.
type sshRunner struct {
	addr        string
	clientCfg   *ssh.ClientConfig
	dialTimeout time.Duration
}

// SSHConfig describes how to reach the remote storage host.
type SSHConfig struct {
	Host            string
	Port            int
	User            string
	KeyFile         string
	KnownHostsFile  string
	InsecureHostKey bool
	DialTimeout     time.Duration
}

func newSSHRunner(cfg SSHConfig) (*sshRunner, error) {
	keyData, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read ssh key %s: %w", cfg.KeyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", cfg.KeyFile, err)
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	clientCfg := &ssh.ClientConfig{
		User:    cfg.User,
		Auth:    []ssh.AuthMethod{ssh.PublicKeys(signer)},
		Timeout: cfg.DialTimeout,
	}

	if cfg.InsecureHostKey {
		clientCfg.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		db, err := knownhosts.NewDB(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts %s: %w", cfg.KnownHostsFile, err)
		}
		clientCfg.HostKeyCallback = db.HostKeyCallback()
		clientCfg.HostKeyAlgorithms = db.HostKeyAlgorithms(addr)
	}

	return &sshRunner{addr: addr, clientCfg: clientCfg, dialTimeout: cfg.DialTimeout}, nil
}

func (r *sshRunner) run(ctx context.Context, cmd string) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", r.addr, r.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrStorageUnreachable, r.addr, err)
	}

	// The ssh client has no context support; close the raw connection
	// when the caller's deadline hits so every call below unblocks. The
	// watchdog must be in place before the handshake, which otherwise
	// hangs on a host that accepts TCP but never speaks SSH.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	// ClientConfig.Timeout only bounds ssh.Dial, not NewClientConn; put
	// a deadline on the socket for the handshake itself.
	var handshakeDeadline time.Time
	if r.dialTimeout > 0 {
		handshakeDeadline = time.Now().Add(r.dialTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (handshakeDeadline.IsZero() || d.Before(handshakeDeadline)) {
		handshakeDeadline = d
	}
	if !handshakeDeadline.IsZero() {
		conn.SetDeadline(handshakeDeadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, r.addr, r.clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: handshake with %s: %v", domain.ErrStorageUnreachable, r.addr, err)
	}
	conn.SetDeadline(time.Time{})
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: open session on %s: %v", domain.ErrStorageUnreachable, r.addr, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Run(cmd); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: command timed out on %s", domain.ErrStorageUnreachable, r.addr)
		}
		return stdout.Bytes(), fmt.Errorf("remote command failed: %v (stderr: %s)", err, truncate(stderr.String(), 256))
	}
	return stdout.Bytes(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
