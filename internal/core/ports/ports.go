// Package ports defines the interfaces the orchestration core consumes and
// exposes. Adapters (Docker, SSH storage, sshfs mounts, the gorm store)
// implement the consumed side; the HTTP layer depends only on the exposed
// InstanceService. This keeps the core testable against in-memory fakes.
package ports

import (
	"context"

	"github.com/emre/mediadock-paas/internal/core/domain"
)

// StorageService manages a customer's directory tree on the remote storage
// host. All operations are addressed by customerID; paths are derived
// deterministically so every call is safely repeatable.
type StorageService interface {
	// CreateStorage idempotently ensures the customer's directory exists
	// and returns its remote path.
	CreateStorage(ctx context.Context, customerID string, quotaGB int64) (string, error)

	// Usage returns the recursive size of the customer's directory in
	// bytes. Usage is advisory: implementations return 0 rather than an
	// error when the remote host cannot answer.
	Usage(ctx context.Context, customerID string) (int64, error)

	// DeleteStorage idempotently removes the customer's directory tree.
	DeleteStorage(ctx context.Context, customerID string) error

	// CreateBackup snapshots the customer directory into a compressed
	// archive on the same host and returns the archive path.
	CreateBackup(ctx context.Context, customerID, label string) (string, error)
}

// MountService binds a customer's remote storage directory into a local
// path the container runtime can use. It owns no persisted state.
type MountService interface {
	// Mount is idempotent: mounting an already-mounted path is a no-op
	// success returning the same local path.
	Mount(ctx context.Context, customerID, remotePath string) (string, error)

	// Unmount reverses the bind; "already unmounted" is success.
	Unmount(ctx context.Context, customerID string) error
}

// RuntimeService manages the single resource-limited container backing a
// customer instance. Start, Stop and Remove are idempotent: "already in the
// desired state" is success.
type RuntimeService interface {
	Create(ctx context.Context, spec domain.RuntimeSpec) (domain.RuntimeHandle, error)
	Start(ctx context.Context, instanceName string) error
	Stop(ctx context.Context, instanceName string) error
	Remove(ctx context.Context, instanceName string) error

	// Inspect returns nil (with a nil error) when the runtime has no
	// record of the instance.
	Inspect(ctx context.Context, instanceName string) (*domain.RuntimeState, error)

	Logs(ctx context.Context, instanceName string, tailLines int) (string, error)
}

// InstanceStore is the record store for CustomerInstance rows. Create
// returns domain.ErrConflict on a uniqueness violation, Get and Update
// return domain.ErrNotFound when no live record exists.
type InstanceStore interface {
	Create(ctx context.Context, inst *domain.CustomerInstance) error
	Get(ctx context.Context, customerID string) (*domain.CustomerInstance, error)
	GetBySubdomain(ctx context.Context, subdomain string) (*domain.CustomerInstance, error)
	Update(ctx context.Context, inst *domain.CustomerInstance) error
	Delete(ctx context.Context, customerID string) error
	List(ctx context.Context) ([]domain.CustomerInstance, error)

	// UpdateUsage writes only the storage-usage column. Status reads run
	// without the customer lock, so they must never write any other field.
	UpdateUsage(ctx context.Context, customerID string, usedGB float64) error
}

// ActivityLog is an append-only audit sink. Recording never fails the
// calling operation; implementations log and swallow their own errors.
type ActivityLog interface {
	Record(ctx context.Context, customerID, action, detail string)
}

// InstanceService is the orchestrator surface exposed to the HTTP layer
// and the billing event ingester.
type InstanceService interface {
	Create(ctx context.Context, customerID string, workload domain.WorkloadType, subdomain string) (*domain.CustomerInstance, error)
	Start(ctx context.Context, customerID string) error
	Stop(ctx context.Context, customerID string) error
	Suspend(ctx context.Context, customerID string) error
	Resume(ctx context.Context, customerID string) error
	Delete(ctx context.Context, customerID string) error
	Status(ctx context.Context, customerID string) (*domain.StatusSnapshot, error)
	Logs(ctx context.Context, customerID string, tailLines int) (string, error)
	Backup(ctx context.Context, customerID, label string) (string, error)
}
