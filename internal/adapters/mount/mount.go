// Package mount implements ports.MountService by bridging a customer's
// remote storage directory into a local path with sshfs. The component
// owns no persisted state: whether a path is mounted is read from the
// kernel's mount table on every call, which is what makes Mount and
// Unmount idempotent.
package mount

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/emre/mediadock-paas/internal/core/domain"
)

var customerIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// execRunner runs one local command to completion, returning combined
// output. Indirection exists so tests can fake the sshfs and fusermount
// binaries.
type execRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func defaultRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Config describes the sshfs bridge.
type Config struct {
	// Remote is the sshfs remote prefix, e.g. "media@storage01".
	Remote string
	// BaseDir is where per-customer mount points are created locally.
	BaseDir string
	// Options are passed through as a single -o value.
	Options string
}

// Manager implements ports.MountService.
type Manager struct {
	cfg        Config
	run        execRunner
	mountsFile string
	log        *logrus.Logger
}

func NewManager(cfg Config, log *logrus.Logger) *Manager {
	if cfg.Options == "" {
		cfg.Options = "reconnect,ServerAliveInterval=15,ServerAliveCountMax=3"
	}
	return &Manager{
		cfg:        cfg,
		run:        defaultRunner,
		mountsFile: "/proc/mounts",
		log:        log,
	}
}

// Mount binds remotePath to the customer's local mount point. Calling it
// on an already-mounted path is a no-op success.
func (m *Manager) Mount(ctx context.Context, customerID, remotePath string) (string, error) {
	local, err := m.localPath(customerID)
	if err != nil {
		return "", err
	}

	mounted, err := m.isMounted(local)
	if err != nil {
		return "", fmt.Errorf("%w: check mount table: %v", domain.ErrMountFailed, err)
	}
	if mounted {
		return local, nil
	}

	if err := os.MkdirAll(local, 0o750); err != nil {
		return "", fmt.Errorf("%w: create mount point: %v", domain.ErrMountFailed, err)
	}

	target := fmt.Sprintf("%s:%s", m.cfg.Remote, remotePath)
	out, err := m.run(ctx, "sshfs", target, local, "-o", m.cfg.Options)
	if err != nil {
		return "", fmt.Errorf("%w: sshfs %s: %v (%s)", domain.ErrMountFailed, target, err, truncate(string(out), 256))
	}

	m.log.WithFields(logrus.Fields{"customer": customerID, "remote": target, "local": local}).Info("mounted")
	return local, nil
}

// Unmount reverses the bind. "Not mounted" is success.
func (m *Manager) Unmount(ctx context.Context, customerID string) error {
	local, err := m.localPath(customerID)
	if err != nil {
		return err
	}

	mounted, err := m.isMounted(local)
	if err != nil {
		return fmt.Errorf("%w: check mount table: %v", domain.ErrMountFailed, err)
	}
	if !mounted {
		return nil
	}

	out, err := m.run(ctx, "fusermount", "-u", local)
	if err != nil {
		// Busy mounts sometimes need the lazy fallback.
		if out2, err2 := m.run(ctx, "umount", "-l", local); err2 != nil {
			return fmt.Errorf("%w: fusermount: %v (%s); umount -l: %v (%s)",
				domain.ErrMountFailed, err, truncate(string(out), 128), err2, truncate(string(out2), 128))
		}
	}

	m.log.WithFields(logrus.Fields{"customer": customerID, "local": local}).Info("unmounted")
	return nil
}

func (m *Manager) localPath(customerID string) (string, error) {
	if !customerIDPattern.MatchString(customerID) {
		return "", fmt.Errorf("%w: invalid customer id %q", domain.ErrMountFailed, customerID)
	}
	return filepath.Join(m.cfg.BaseDir, customerID), nil
}

// isMounted scans the mount table for the path. Reading the table
// directly avoids spawning a process per check.
func (m *Manager) isMounted(local string) (bool, error) {
	f, err := os.Open(m.mountsFile)
	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[1] == local {
			return true, nil
		}
	}
	return false, scanner.Err()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
