// Package storage implements ports.StorageService against a remote
// storage host reachable over SSH. Every customer owns one directory
// under a configured base dir; all paths derive from the sanitized
// customer ID, so operations for different customers never collide.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/sirupsen/logrus"

	"github.com/emre/mediadock-paas/internal/core/domain"
)

const (
	retryAttempts = 3
	retryDelay    = 2 * time.Second
)

var customerIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Config holds the manager's remote layout.
type Config struct {
	SSH       SSHConfig
	BaseDir   string // per-customer directories live here
	BackupDir string // compressed archives live here
}

// Manager implements ports.StorageService.
type Manager struct {
	run       runner
	baseDir   string
	backupDir string
	clk       clock.Clock
	log       *logrus.Logger
}

func NewManager(cfg Config, log *logrus.Logger) (*Manager, error) {
	r, err := newSSHRunner(cfg.SSH)
	if err != nil {
		return nil, err
	}
	return &Manager{
		run:       r,
		baseDir:   cfg.BaseDir,
		backupDir: cfg.BackupDir,
		clk:       clock.WallClock,
		log:       log,
	}, nil
}

// CreateStorage idempotently ensures the customer's directory exists.
func (m *Manager) CreateStorage(ctx context.Context, customerID string, quotaGB int64) (string, error) {
	dir, err := m.customerDir(customerID)
	if err != nil {
		return "", err
	}
	// mkdir -p is the idempotence guarantee: a second call with the same
	// customer ID is indistinguishable from the first.
	cmd := fmt.Sprintf("mkdir -p -m 0750 %s", shellQuote(dir))
	if _, err := m.exec(ctx, cmd); err != nil {
		return "", err
	}
	m.log.WithFields(logrus.Fields{"customer": customerID, "path": dir, "quota_gb": quotaGB}).
		Debug("storage ensured")
	return dir, nil
}

// Usage returns the recursive size of the customer's directory in bytes.
// Usage is advisory: any failure is logged and reported as zero rather
// than surfaced, so it can never block a caller.
func (m *Manager) Usage(ctx context.Context, customerID string) (int64, error) {
	dir, err := m.customerDir(customerID)
	if err != nil {
		return 0, nil
	}
	out, err := m.exec(ctx, fmt.Sprintf("du -sb %s", shellQuote(dir)))
	if err != nil {
		m.log.WithField("customer", customerID).WithError(err).Warn("usage query failed, reporting zero")
		return 0, nil
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return 0, nil
	}
	bytes, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		m.log.WithField("customer", customerID).WithError(err).Warn("unparseable du output, reporting zero")
		return 0, nil
	}
	return bytes, nil
}

// DeleteStorage idempotently removes the customer's directory tree.
func (m *Manager) DeleteStorage(ctx context.Context, customerID string) error {
	dir, err := m.customerDir(customerID)
	if err != nil {
		return err
	}
	if _, err := m.exec(ctx, fmt.Sprintf("rm -rf %s", shellQuote(dir))); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"customer": customerID, "path": dir}).Info("storage deleted")
	return nil
}

// CreateBackup snapshots the customer directory into a timestamped
// compressed archive on the same host.
func (m *Manager) CreateBackup(ctx context.Context, customerID, label string) (string, error) {
	if _, err := m.customerDir(customerID); err != nil {
		return "", err
	}
	if label == "" {
		label = "backup"
	}
	if !customerIDPattern.MatchString(label) {
		return "", fmt.Errorf("%w: invalid backup label %q", domain.ErrStorageOperationFailed, label)
	}

	stamp := m.clk.Now().UTC().Format("20060102T150405Z")
	archive := path.Join(m.backupDir, fmt.Sprintf("%s-%s-%s.tar.gz", customerID, label, stamp))
	cmd := fmt.Sprintf("mkdir -p %s && tar -czf %s -C %s %s",
		shellQuote(m.backupDir), shellQuote(archive), shellQuote(m.baseDir), shellQuote(customerID))
	if _, err := m.exec(ctx, cmd); err != nil {
		return "", err
	}
	m.log.WithFields(logrus.Fields{"customer": customerID, "archive": archive}).Info("backup created")
	return archive, nil
}

// exec runs one remote command, retrying transport failures a bounded
// number of times with doubling backoff. Command failures (non-zero exit)
// are not retried; they surface as ErrStorageOperationFailed.
func (m *Manager) exec(ctx context.Context, cmd string) ([]byte, error) {
	var out []byte
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			out, err = m.run.run(ctx, cmd)
			return err
		},
		IsFatalError: func(err error) bool {
			return !isTransient(err)
		},
		NotifyFunc: func(err error, attempt int) {
			m.log.WithError(err).Warnf("storage host unreachable, attempt %d", attempt)
		},
		Attempts:    retryAttempts,
		Delay:       retryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       m.clk,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return out, nil
	}
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		err = retry.LastError(err)
	}
	if isTransient(err) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %v", domain.ErrStorageOperationFailed, err)
}

func isTransient(err error) bool {
	return errors.Is(err, domain.ErrStorageUnreachable)
}

func (m *Manager) customerDir(customerID string) (string, error) {
	if !customerIDPattern.MatchString(customerID) {
		return "", fmt.Errorf("%w: invalid customer id %q", domain.ErrStorageOperationFailed, customerID)
	}
	return path.Join(m.baseDir, customerID), nil
}

// shellQuote single-quotes a path for the remote shell. Inputs are
// already restricted to safe characters; this keeps spaces in configured
// base dirs harmless.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
