package service

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/emre/mediadock-paas/internal/core/domain"
)

func newHealthHarness() (*testHarness, *Reconciler) {
	h := newHarness()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return h, NewReconciler(h.orch, time.Minute, log)
}

func TestReconcilerMarksMissingContainerAsError(t *testing.T) {
	h, r := newHealthHarness()
	ctx := context.Background()

	if _, err := h.orch.Create(ctx, "c1", domain.WorkloadJellyfin, "movies"); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.runtime.drop("md-c1-movies")

	r.Pass(ctx)

	rec, _ := h.store.Get(ctx, "c1")
	if rec.Status != domain.StatusError {
		t.Errorf("status = %s, want ERROR", rec.Status)
	}
	if rec.RuntimeID != "" || rec.ExternalPort != 0 {
		t.Error("runtime handle not cleared for missing container")
	}
	if rec.LastHealthCheckAt == nil {
		t.Error("health check timestamp not set")
	}

	var drift bool
	for _, a := range h.activity.actions() {
		if a == "health.drift" {
			drift = true
		}
	}
	if !drift {
		t.Error("drift not recorded in activity log")
	}
}

func TestReconcilerMarksExitedContainerAsStopped(t *testing.T) {
	h, r := newHealthHarness()
	ctx := context.Background()

	if _, err := h.orch.Create(ctx, "c1", domain.WorkloadJellyfin, "movies"); err != nil {
		t.Fatalf("create: %v", err)
	}
	// The container exits behind the orchestrator's back.
	h.runtime.Stop(ctx, "md-c1-movies")

	r.Pass(ctx)

	rec, _ := h.store.Get(ctx, "c1")
	if rec.Status != domain.StatusStopped {
		t.Errorf("status = %s, want STOPPED", rec.Status)
	}
	if rec.ExternalPort != 0 {
		t.Errorf("external port = %d for exited container, want 0", rec.ExternalPort)
	}
}

func TestReconcilerAdoptsExternallyStartedContainer(t *testing.T) {
	h, r := newHealthHarness()
	ctx := context.Background()

	if _, err := h.orch.Create(ctx, "c1", domain.WorkloadJellyfin, "movies"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.orch.Stop(ctx, "c1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// Someone starts the container out of band.
	if err := h.runtime.Start(ctx, "md-c1-movies"); err != nil {
		t.Fatalf("out-of-band start: %v", err)
	}

	r.Pass(ctx)

	rec, _ := h.store.Get(ctx, "c1")
	if rec.Status != domain.StatusRunning {
		t.Errorf("status = %s, want RUNNING", rec.Status)
	}
	if rec.ExternalPort == 0 {
		t.Error("external port not adopted from runtime")
	}
}

func TestReconcilerSkipsCustomersWithInflightOperations(t *testing.T) {
	h, r := newHealthHarness()
	ctx := context.Background()

	if _, err := h.orch.Create(ctx, "c1", domain.WorkloadJellyfin, "movies"); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.runtime.drop("md-c1-movies")

	// An in-flight operation holds the lock; the pass must not touch
	// this customer.
	if !h.orch.locks.acquire("c1") {
		t.Fatal("could not take lock")
	}
	r.Pass(ctx)
	h.orch.locks.release("c1")

	if status, _ := h.store.status("c1"); status != domain.StatusRunning {
		t.Errorf("status = %s, locked customer should be untouched", status)
	}

	// Next pass converges it.
	r.Pass(ctx)
	if status, _ := h.store.status("c1"); status != domain.StatusError {
		t.Errorf("status = %s after unlocked pass, want ERROR", status)
	}
}
