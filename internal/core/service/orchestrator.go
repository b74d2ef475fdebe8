// Package service holds the lifecycle orchestration core: the state
// machine that sequences storage, mount and runtime calls for a customer
// instance and keeps the persisted record consistent with reality.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/emre/mediadock-paas/internal/core/domain"
	"github.com/emre/mediadock-paas/internal/core/ports"
)

// Timeouts bounds every blocking call the orchestrator makes. No
// operation may block indefinitely.
type Timeouts struct {
	Storage       time.Duration // metadata ops on the storage host
	Mount         time.Duration
	RuntimeCreate time.Duration // includes a possible image pull
	RuntimeOp     time.Duration // start/stop/remove
	Inspect       time.Duration
	Backup        time.Duration
}

// DefaultTimeouts mirrors the bounds the managers are designed for.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Storage:       10 * time.Second,
		Mount:         10 * time.Second,
		RuntimeCreate: 60 * time.Second,
		RuntimeOp:     30 * time.Second,
		Inspect:       2 * time.Second,
		Backup:        10 * time.Minute,
	}
}

// PlanLimits are the per-instance resource defaults applied at creation.
type PlanLimits struct {
	CPULimit       float64
	MemoryLimitMB  int64
	StorageQuotaGB int64
}

// Orchestrator implements ports.InstanceService. All mutating operations
// for one customer are mutually exclusive; operations for different
// customers run in parallel.
type Orchestrator struct {
	storage  ports.StorageService
	mounts   ports.MountService
	runtime  ports.RuntimeService
	store    ports.InstanceStore
	activity ports.ActivityLog

	locks    *customerLocks
	timeouts Timeouts
	plan     PlanLimits
	clk      clock.Clock
	log      *logrus.Logger
}

// NewOrchestrator wires the orchestration core. All collaborators are
// injected; the composition root owns their lifetimes.
func NewOrchestrator(
	storage ports.StorageService,
	mounts ports.MountService,
	runtime ports.RuntimeService,
	store ports.InstanceStore,
	activity ports.ActivityLog,
	timeouts Timeouts,
	plan PlanLimits,
	log *logrus.Logger,
) *Orchestrator {
	return &Orchestrator{
		storage:  storage,
		mounts:   mounts,
		runtime:  runtime,
		store:    store,
		activity: activity,
		locks:    newCustomerLocks(),
		timeouts: timeouts,
		plan:     plan,
		clk:      clock.WallClock,
		log:      log,
	}
}

var _ ports.InstanceService = (*Orchestrator)(nil)

// Create provisions a new instance: persist CREATING, allocate storage,
// bind the mount, create and start the container, persist RUNNING. Any
// step failure halts the sequence and leaves the record in ERROR; because
// storage and mount are idempotent, a retried Create resumes from there
// without manual cleanup.
func (o *Orchestrator) Create(ctx context.Context, customerID string, workload domain.WorkloadType, subdomain string) (*domain.CustomerInstance, error) {
	if _, err := domain.ParseWorkloadType(string(workload)); err != nil {
		return nil, err
	}
	if err := domain.ValidateSubdomain(subdomain); err != nil {
		return nil, err
	}
	if !o.locks.acquire(customerID) {
		return nil, fmt.Errorf("%w: operation in progress for customer %s", domain.ErrConflict, customerID)
	}
	defer o.locks.release(customerID)

	name := domain.DeriveInstanceName(customerID, subdomain)

	inst, err := o.store.Get(ctx, customerID)
	switch {
	case err == nil:
		// A live record exists. Only a crashed or failed creation may be
		// retried; anything else is a duplicate request.
		if inst.Status != domain.StatusCreating && inst.Status != domain.StatusError {
			return nil, fmt.Errorf("%w: customer %s already has an instance (%s)", domain.ErrConflict, customerID, inst.Status)
		}
		if inst.InstanceName != name {
			return nil, fmt.Errorf("%w: instance name %s is immutable", domain.ErrConflict, inst.InstanceName)
		}
	case errors.Is(err, domain.ErrNotFound):
		inst = &domain.CustomerInstance{
			CustomerID:     customerID,
			InstanceName:   name,
			Subdomain:      subdomain,
			WorkloadType:   workload,
			Status:         domain.StatusCreating,
			CPULimit:       o.plan.CPULimit,
			MemoryLimitMB:  o.plan.MemoryLimitMB,
			StorageQuotaGB: o.plan.StorageQuotaGB,
		}
		// The unique indexes on instance name and subdomain are the
		// race arbiter here; the loser surfaces as Conflict.
		if err := o.store.Create(ctx, inst); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if err := o.provision(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

func (o *Orchestrator) provision(ctx context.Context, inst *domain.CustomerInstance) error {
	log := o.log.WithField("customer", inst.CustomerID)

	remotePath, err := o.callStorage(ctx, func(ctx context.Context) (string, error) {
		return o.storage.CreateStorage(ctx, inst.CustomerID, inst.StorageQuotaGB)
	})
	if err != nil {
		o.fail(ctx, inst, "storage allocation failed", err)
		return err
	}
	inst.RemoteStoragePath = remotePath
	o.persist(ctx, inst)

	mctx, cancel := context.WithTimeout(ctx, o.timeouts.Mount)
	localPath, err := o.mounts.Mount(mctx, inst.CustomerID, remotePath)
	cancel()
	if err != nil {
		// Storage stays allocated: it is addressed deterministically by
		// customer ID and is reused when the create is retried.
		o.fail(ctx, inst, "storage mount failed", err)
		return err
	}
	inst.LocalMountPath = localPath
	o.persist(ctx, inst)

	cctx, cancel := context.WithTimeout(ctx, o.timeouts.RuntimeCreate)
	handle, err := o.runtime.Create(cctx, domain.RuntimeSpec{
		InstanceName:  inst.InstanceName,
		Workload:      inst.WorkloadType,
		CPULimit:      inst.CPULimit,
		MemoryLimitMB: inst.MemoryLimitMB,
		MountPath:     localPath,
	})
	cancel()
	if err != nil {
		o.fail(ctx, inst, "container creation failed", err)
		return err
	}

	now := o.clk.Now()
	inst.RuntimeID = handle.ID
	inst.ExternalPort = handle.HostPort
	inst.Status = domain.StatusRunning
	inst.LastError = ""
	inst.LastHealthCheckAt = &now
	if err := o.store.Update(ctx, inst); err != nil {
		// The container is up but the record is stale; the health
		// reconciler converges it on the next pass.
		log.WithError(err).Error("persist RUNNING failed")
		return err
	}

	o.activity.Record(ctx, inst.CustomerID, "instance.created",
		fmt.Sprintf("workload=%s name=%s port=%d", inst.WorkloadType, inst.InstanceName, inst.ExternalPort))
	log.WithFields(logrus.Fields{"name": inst.InstanceName, "port": inst.ExternalPort}).Info("instance running")
	return nil
}

// Start transitions STOPPED -> RUNNING. Storage and mount state are not
// touched. Starting an already-running instance is a no-op success.
func (o *Orchestrator) Start(ctx context.Context, customerID string) error {
	if !o.locks.acquire(customerID) {
		return fmt.Errorf("%w: operation in progress for customer %s", domain.ErrConflict, customerID)
	}
	defer o.locks.release(customerID)

	inst, err := o.store.Get(ctx, customerID)
	if err != nil {
		return err
	}
	switch inst.Status {
	case domain.StatusRunning:
		return nil
	case domain.StatusStopped:
	default:
		return fmt.Errorf("%w: cannot start instance in state %s", domain.ErrConflict, inst.Status)
	}

	rctx, cancel := context.WithTimeout(ctx, o.timeouts.RuntimeOp)
	err = o.runtime.Start(rctx, inst.InstanceName)
	cancel()
	if err != nil {
		inst.LastError = "container start failed"
		o.persist(ctx, inst)
		return err
	}

	o.refreshRuntime(ctx, inst)
	now := o.clk.Now()
	inst.Status = domain.StatusRunning
	inst.LastError = ""
	inst.LastHealthCheckAt = &now
	if err := o.store.Update(ctx, inst); err != nil {
		return err
	}
	o.activity.Record(ctx, customerID, "instance.started", inst.InstanceName)
	return nil
}

// Stop transitions RUNNING -> STOPPED. The container is kept so a later
// Start is cheap; the external port is released by the runtime and
// cleared from the record.
func (o *Orchestrator) Stop(ctx context.Context, customerID string) error {
	if !o.locks.acquire(customerID) {
		return fmt.Errorf("%w: operation in progress for customer %s", domain.ErrConflict, customerID)
	}
	defer o.locks.release(customerID)

	inst, err := o.store.Get(ctx, customerID)
	if err != nil {
		return err
	}
	switch inst.Status {
	case domain.StatusStopped:
		return nil
	case domain.StatusRunning:
	default:
		return fmt.Errorf("%w: cannot stop instance in state %s", domain.ErrConflict, inst.Status)
	}

	rctx, cancel := context.WithTimeout(ctx, o.timeouts.RuntimeOp)
	err = o.runtime.Stop(rctx, inst.InstanceName)
	cancel()
	if err != nil {
		inst.LastError = "container stop failed"
		o.persist(ctx, inst)
		return err
	}

	now := o.clk.Now()
	inst.Status = domain.StatusStopped
	inst.ExternalPort = 0
	inst.LastError = ""
	inst.LastHealthCheckAt = &now
	if err := o.store.Update(ctx, inst); err != nil {
		return err
	}
	o.activity.Record(ctx, customerID, "instance.stopped", inst.InstanceName)
	return nil
}

// Suspend stops the container best-effort and persists SUSPENDED. Storage
// and mount are left intact so Resume is cheap. A runtime error is logged
// but never blocks the transition.
func (o *Orchestrator) Suspend(ctx context.Context, customerID string) error {
	if !o.locks.acquire(customerID) {
		return fmt.Errorf("%w: operation in progress for customer %s", domain.ErrConflict, customerID)
	}
	defer o.locks.release(customerID)

	inst, err := o.store.Get(ctx, customerID)
	if err != nil {
		return err
	}
	if inst.Status == domain.StatusSuspended {
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, o.timeouts.RuntimeOp)
	if err := o.runtime.Stop(rctx, inst.InstanceName); err != nil {
		o.log.WithField("customer", customerID).WithError(err).Warn("suspend: container stop failed, suspending anyway")
	}
	cancel()

	inst.Status = domain.StatusSuspended
	inst.ExternalPort = 0
	if err := o.store.Update(ctx, inst); err != nil {
		return err
	}
	o.activity.Record(ctx, customerID, "instance.suspended", inst.InstanceName)
	return nil
}

// Resume transitions SUSPENDED -> RUNNING. If the runtime still has the
// container it is simply started; if it was lost, the container is
// recreated from the existing storage and mount, both of which survive
// suspension untouched.
func (o *Orchestrator) Resume(ctx context.Context, customerID string) error {
	if !o.locks.acquire(customerID) {
		return fmt.Errorf("%w: operation in progress for customer %s", domain.ErrConflict, customerID)
	}
	defer o.locks.release(customerID)

	inst, err := o.store.Get(ctx, customerID)
	if err != nil {
		return err
	}
	switch inst.Status {
	case domain.StatusRunning:
		return nil
	case domain.StatusSuspended:
	default:
		return fmt.Errorf("%w: cannot resume instance in state %s", domain.ErrConflict, inst.Status)
	}

	ictx, cancel := context.WithTimeout(ctx, o.timeouts.Inspect)
	state, err := o.runtime.Inspect(ictx, inst.InstanceName)
	cancel()
	if err != nil {
		return err
	}

	if state == nil {
		// Runtime lost the container (host reboot, manual prune).
		// The mount may be gone too; both re-ensure idempotently.
		return o.provision(ctx, inst)
	}

	rctx, cancel := context.WithTimeout(ctx, o.timeouts.RuntimeOp)
	err = o.runtime.Start(rctx, inst.InstanceName)
	cancel()
	if err != nil {
		inst.LastError = "container start failed"
		o.persist(ctx, inst)
		return err
	}

	o.refreshRuntime(ctx, inst)
	now := o.clk.Now()
	inst.Status = domain.StatusRunning
	inst.LastError = ""
	inst.LastHealthCheckAt = &now
	if err := o.store.Update(ctx, inst); err != nil {
		return err
	}
	o.activity.Record(ctx, customerID, "instance.resumed", inst.InstanceName)
	return nil
}

// Delete tears the instance down in reverse creation order: stop
// container, remove container, unmount, delete remote storage. Every step
// is attempted even when an earlier one fails; failures are logged and an
// operator-visible warning is recorded, since storage may stay orphaned.
// The record is removed once all steps were attempted.
func (o *Orchestrator) Delete(ctx context.Context, customerID string) error {
	if !o.locks.acquire(customerID) {
		return fmt.Errorf("%w: operation in progress for customer %s", domain.ErrConflict, customerID)
	}
	defer o.locks.release(customerID)

	inst, err := o.store.Get(ctx, customerID)
	if err != nil {
		return err
	}
	log := o.log.WithField("customer", customerID)

	var failed []string
	step := func(name string, d time.Duration, fn func(context.Context) error) {
		sctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		if err := fn(sctx); err != nil {
			log.WithError(err).Warnf("teardown step %s failed, continuing", name)
			failed = append(failed, name)
		}
	}

	step("stop", o.timeouts.RuntimeOp, func(ctx context.Context) error {
		return o.runtime.Stop(ctx, inst.InstanceName)
	})
	step("remove", o.timeouts.RuntimeOp, func(ctx context.Context) error {
		return o.runtime.Remove(ctx, inst.InstanceName)
	})
	step("unmount", o.timeouts.Mount, func(ctx context.Context) error {
		return o.mounts.Unmount(ctx, inst.CustomerID)
	})
	step("storage", o.timeouts.Storage, func(ctx context.Context) error {
		return o.storage.DeleteStorage(ctx, inst.CustomerID)
	})

	if len(failed) > 0 {
		o.activity.Record(ctx, customerID, "instance.delete.warning",
			fmt.Sprintf("teardown steps failed: %v; resources may be orphaned", failed))
	}
	if err := o.store.Delete(ctx, customerID); err != nil {
		return err
	}
	o.activity.Record(ctx, customerID, "instance.deleted", inst.InstanceName)
	log.Info("instance deleted")
	return nil
}

// Status returns the persisted record alongside a live runtime snapshot
// and an advisory storage-usage refresh. It takes no customer lock:
// reads must not be blocked by an in-flight transition.
func (o *Orchestrator) Status(ctx context.Context, customerID string) (*domain.StatusSnapshot, error) {
	inst, err := o.store.Get(ctx, customerID)
	if err != nil {
		return nil, err
	}

	snap := &domain.StatusSnapshot{Instance: *inst}

	ictx, cancel := context.WithTimeout(ctx, o.timeouts.Inspect)
	state, err := o.runtime.Inspect(ictx, inst.InstanceName)
	cancel()
	if err != nil {
		o.log.WithField("customer", customerID).WithError(err).Debug("status: runtime inspect failed")
	} else {
		snap.Runtime = state
	}

	sctx, cancel := context.WithTimeout(ctx, o.timeouts.Storage)
	used, err := o.storage.Usage(sctx, customerID)
	cancel()
	if err == nil && used > 0 {
		snap.Instance.StorageUsedGB = float64(used) / (1 << 30)
		// Status holds no customer lock and the usage query can take a
		// while; writing anything beyond the usage column here could
		// clobber a transition that completed in the meantime.
		if err := o.store.UpdateUsage(ctx, customerID, snap.Instance.StorageUsedGB); err != nil {
			o.log.WithField("customer", customerID).WithError(err).Debug("status: usage persist failed")
		}
	}
	return snap, nil
}

// Logs returns the tail of the instance's container log.
func (o *Orchestrator) Logs(ctx context.Context, customerID string, tailLines int) (string, error) {
	inst, err := o.store.Get(ctx, customerID)
	if err != nil {
		return "", err
	}
	rctx, cancel := context.WithTimeout(ctx, o.timeouts.RuntimeOp)
	defer cancel()
	return o.runtime.Logs(rctx, inst.InstanceName, tailLines)
}

// Backup snapshots the customer's storage directory on the remote host.
func (o *Orchestrator) Backup(ctx context.Context, customerID, label string) (string, error) {
	if !o.locks.acquire(customerID) {
		return "", fmt.Errorf("%w: operation in progress for customer %s", domain.ErrConflict, customerID)
	}
	defer o.locks.release(customerID)

	inst, err := o.store.Get(ctx, customerID)
	if err != nil {
		return "", err
	}
	bctx, cancel := context.WithTimeout(ctx, o.timeouts.Backup)
	defer cancel()
	path, err := o.storage.CreateBackup(bctx, customerID, label)
	if err != nil {
		return "", err
	}
	o.activity.Record(ctx, customerID, "instance.backup", fmt.Sprintf("name=%s path=%s", inst.InstanceName, path))
	return path, nil
}

// fail parks the instance in ERROR with a customer-safe summary. The raw
// error goes to the logs and the activity trail only.
func (o *Orchestrator) fail(ctx context.Context, inst *domain.CustomerInstance, summary string, cause error) {
	o.log.WithField("customer", inst.CustomerID).WithError(cause).Error(summary)
	inst.Status = domain.StatusError
	inst.LastError = summary
	o.persist(ctx, inst)
	o.activity.Record(ctx, inst.CustomerID, "instance.error", fmt.Sprintf("%s: %v", summary, cause))
}

// persist is a best-effort record update used for intermediate steps; a
// datastore hiccup here must not abort the sequence.
func (o *Orchestrator) persist(ctx context.Context, inst *domain.CustomerInstance) {
	if err := o.store.Update(ctx, inst); err != nil {
		o.log.WithField("customer", inst.CustomerID).WithError(err).Error("persist instance state failed")
	}
}

// refreshRuntime pulls the current container ID and host port into the
// record after a start, since the runtime may have rebound the port.
func (o *Orchestrator) refreshRuntime(ctx context.Context, inst *domain.CustomerInstance) {
	ictx, cancel := context.WithTimeout(ctx, o.timeouts.Inspect)
	defer cancel()
	state, err := o.runtime.Inspect(ictx, inst.InstanceName)
	if err != nil || state == nil {
		return
	}
	inst.RuntimeID = state.ID
	if state.HostPort != 0 {
		inst.ExternalPort = state.HostPort
	}
}

func (o *Orchestrator) callStorage(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, o.timeouts.Storage)
	defer cancel()
	return fn(sctx)
}
