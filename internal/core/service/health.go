package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/emre/mediadock-paas/internal/core/domain"
)

// Reconciler is the periodic health-check pass. The datastore row, the
// runtime and the mount can drift apart after a crash; the reconciler
// corrects the record toward what the runtime actually reports rather
// than trusting the datastore.
type Reconciler struct {
	orch     *Orchestrator
	interval time.Duration
	log      *logrus.Logger
}

func NewReconciler(orch *Orchestrator, interval time.Duration, log *logrus.Logger) *Reconciler {
	return &Reconciler{orch: orch, interval: interval, log: log}
}

// Run executes a pass every interval until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Pass(ctx)
		}
	}
}

// Pass checks every live instance once. Customers with an in-flight
// operation are skipped; they will be seen on the next pass.
func (r *Reconciler) Pass(ctx context.Context) {
	instances, err := r.orch.store.List(ctx)
	if err != nil {
		r.log.WithError(err).Error("health pass: list instances failed")
		return
	}
	for i := range instances {
		r.check(ctx, &instances[i])
	}
}

func (r *Reconciler) check(ctx context.Context, inst *domain.CustomerInstance) {
	if !r.orch.locks.acquire(inst.CustomerID) {
		return
	}
	defer r.orch.locks.release(inst.CustomerID)

	ictx, cancel := context.WithTimeout(ctx, r.orch.timeouts.Inspect)
	state, err := r.orch.runtime.Inspect(ictx, inst.InstanceName)
	cancel()
	if err != nil {
		r.log.WithField("customer", inst.CustomerID).WithError(err).Debug("health pass: inspect failed")
		return
	}

	log := r.log.WithFields(logrus.Fields{"customer": inst.CustomerID, "name": inst.InstanceName})
	now := r.orch.clk.Now()
	inst.LastHealthCheckAt = &now

	switch {
	case inst.Status == domain.StatusRunning && state == nil:
		// The runtime lost the container entirely. Operator attention
		// needed; a retried Create rebuilds it from the surviving storage.
		log.Warn("container missing from runtime, marking ERROR")
		inst.Status = domain.StatusError
		inst.LastError = "container missing from runtime"
		inst.RuntimeID = ""
		inst.ExternalPort = 0
		r.orch.activity.Record(ctx, inst.CustomerID, "health.drift",
			"persisted RUNNING but runtime has no container")

	case inst.Status == domain.StatusRunning && !state.Running:
		log.Warn("container exited outside orchestrator control, marking STOPPED")
		inst.Status = domain.StatusStopped
		inst.ExternalPort = 0
		r.orch.activity.Record(ctx, inst.CustomerID, "health.drift",
			"persisted RUNNING but container is not running")

	case inst.Status == domain.StatusRunning && state.HostPort != 0 && state.HostPort != inst.ExternalPort:
		log.WithField("port", state.HostPort).Info("host port changed, updating record")
		inst.ExternalPort = state.HostPort

	case inst.Status == domain.StatusStopped && state != nil && state.Running:
		log.Warn("container running despite persisted STOPPED, updating record")
		inst.Status = domain.StatusRunning
		inst.RuntimeID = state.ID
		inst.ExternalPort = state.HostPort
	}

	if err := r.orch.store.Update(ctx, inst); err != nil {
		log.WithError(err).Error("health pass: persist failed")
	}
}
