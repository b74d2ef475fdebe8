package domain

import (
	"fmt"
	"regexp"
	"time"

	"gorm.io/gorm"
)

// LifecycleStatus is the orchestrator's view of a customer instance.
// DELETED is terminal and is represented by soft-deleting the record
// rather than by a persisted status value.
type LifecycleStatus string

const (
	StatusCreating  LifecycleStatus = "CREATING"
	StatusRunning   LifecycleStatus = "RUNNING"
	StatusStopped   LifecycleStatus = "STOPPED"
	StatusSuspended LifecycleStatus = "SUSPENDED"
	StatusError     LifecycleStatus = "ERROR"
)

// CustomerInstance is the persisted record for one customer's media-server
// instance: one container plus its storage binding. At most one non-deleted
// record exists per customer.
type CustomerInstance struct {
	CustomerID   string          `gorm:"primaryKey" json:"customer_id"`
	InstanceName string          `gorm:"uniqueIndex;not null" json:"instance_name"`
	Subdomain    string          `gorm:"uniqueIndex;not null" json:"subdomain"`
	WorkloadType WorkloadType    `gorm:"type:varchar(16);not null" json:"workload_type"`
	Status       LifecycleStatus `gorm:"type:varchar(16);not null;index" json:"status"`

	CPULimit      float64 `gorm:"not null" json:"cpu_limit"`
	MemoryLimitMB int64   `gorm:"not null" json:"memory_limit_mb"`

	StorageQuotaGB int64   `gorm:"not null" json:"storage_quota_gb"`
	StorageUsedGB  float64 `json:"storage_used_gb"`

	// RuntimeID and ExternalPort are set while a container exists for
	// this instance and cleared whenever the container is destroyed.
	RuntimeID    string `json:"runtime_id,omitempty"`
	ExternalPort int    `json:"external_port,omitempty"`

	RemoteStoragePath string `json:"remote_storage_path,omitempty"`
	LocalMountPath    string `json:"local_mount_path,omitempty"`

	// LastError is a customer-safe summary; raw remote error text stays
	// in the logs.
	LastError         string     `json:"last_error,omitempty"`
	LastHealthCheckAt *time.Time `json:"last_health_check_at,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// ActivityEntry is one row in the append-only activity log.
type ActivityEntry struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	CustomerID string    `gorm:"index;not null" json:"customer_id"`
	Action     string    `gorm:"not null" json:"action"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RuntimeSpec is what the orchestrator hands the container runtime adapter.
// The workload type selects the image and environment; the adapter never
// accepts an image reference from outside.
type RuntimeSpec struct {
	InstanceName  string
	Workload      WorkloadType
	CPULimit      float64
	MemoryLimitMB int64
	MountPath     string
}

// RuntimeHandle identifies a created container and its assigned host port.
type RuntimeHandle struct {
	ID       string
	HostPort int
}

// RuntimeState is a live snapshot from the container runtime. A nil
// *RuntimeState from Inspect means the runtime has no record of the
// instance, which is distinct from "present but not running".
type RuntimeState struct {
	ID        string     `json:"id"`
	Running   bool       `json:"running"`
	HostPort  int        `json:"host_port,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// StatusSnapshot combines the persisted record with the live runtime view.
type StatusSnapshot struct {
	Instance CustomerInstance `json:"instance"`
	Runtime  *RuntimeState    `json:"runtime,omitempty"`
}

var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,38}[a-z0-9])?$`)

// ValidateSubdomain enforces DNS-label shape on the customer-chosen slug.
func ValidateSubdomain(slug string) error {
	if !subdomainPattern.MatchString(slug) {
		return fmt.Errorf("%w: %q must be a lowercase DNS label", ErrInvalidSubdomain, slug)
	}
	return nil
}

// DeriveInstanceName builds the globally unique, immutable instance name
// used as both the container name and the storage directory name.
func DeriveInstanceName(customerID, subdomain string) string {
	return fmt.Sprintf("md-%s-%s", customerID, subdomain)
}
