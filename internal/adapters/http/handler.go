// Package http exposes the orchestrator over Fiber. Authentication lives
// upstream: the identity layer injects the customer ID and an admin role
// flag, and these handlers trust both.
package http

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/emre/mediadock-paas/internal/core/domain"
	"github.com/emre/mediadock-paas/internal/core/ports"
)

// adminRoleHeader is set by the identity layer for operator requests.
const adminRoleHeader = "X-Admin-Role"

type InstanceHandler struct {
	service ports.InstanceService
}

func NewInstanceHandler(service ports.InstanceService) *InstanceHandler {
	return &InstanceHandler{service: service}
}

type createInstanceRequest struct {
	CustomerID   string `json:"customer_id"`
	WorkloadType string `json:"workload_type"`
	Subdomain    string `json:"subdomain"`
}

func (h *InstanceHandler) CreateInstance(c *fiber.Ctx) error {
	var req createInstanceRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if req.CustomerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "customer_id is required",
		})
	}

	workload, err := domain.ParseWorkloadType(req.WorkloadType)
	if err != nil {
		return respondError(c, err)
	}

	inst, err := h.service.Create(c.Context(), req.CustomerID, workload, req.Subdomain)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(sanitize(inst, isAdmin(c)))
}

func (h *InstanceHandler) StartInstance(c *fiber.Ctx) error {
	return h.transition(c, h.service.Start)
}

func (h *InstanceHandler) StopInstance(c *fiber.Ctx) error {
	return h.transition(c, h.service.Stop)
}

func (h *InstanceHandler) SuspendInstance(c *fiber.Ctx) error {
	return h.transition(c, h.service.Suspend)
}

func (h *InstanceHandler) ResumeInstance(c *fiber.Ctx) error {
	return h.transition(c, h.service.Resume)
}

func (h *InstanceHandler) DeleteInstance(c *fiber.Ctx) error {
	return h.transition(c, h.service.Delete)
}

func (h *InstanceHandler) GetStatus(c *fiber.Ctx) error {
	customerID := c.Params("customerID")
	snap, err := h.service.Status(c.Context(), customerID)
	if err != nil {
		return respondError(c, err)
	}
	inst := snap.Instance
	return c.JSON(fiber.Map{
		"instance": sanitize(&inst, isAdmin(c)),
		"runtime":  snap.Runtime,
	})
}

func (h *InstanceHandler) GetLogs(c *fiber.Ctx) error {
	customerID := c.Params("customerID")
	tail, err := strconv.Atoi(c.Query("tail", "100"))
	if err != nil || tail <= 0 {
		tail = 100
	}
	logs, err := h.service.Logs(c.Context(), customerID, tail)
	if err != nil {
		return respondError(c, err)
	}
	c.Set("Content-Type", "text/plain")
	return c.SendString(logs)
}

type createBackupRequest struct {
	Label string `json:"label"`
}

func (h *InstanceHandler) CreateBackup(c *fiber.Ctx) error {
	if !isAdmin(c) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "admin role required",
		})
	}
	// Label is optional; an empty body is fine.
	var req createBackupRequest
	_ = c.BodyParser(&req)
	path, err := h.service.Backup(c.Context(), c.Params("customerID"), req.Label)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"backup_path": path,
	})
}

func (h *InstanceHandler) transition(c *fiber.Ctx, op func(ctx context.Context, customerID string) error) error {
	customerID := c.Params("customerID")
	if customerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "customer id is required",
		})
	}
	if err := op(c.Context(), customerID); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusOK)
}

func isAdmin(c *fiber.Ctx) bool {
	return c.Get(adminRoleHeader) == "admin"
}

// sanitize hides host-internal paths from non-admin callers.
func sanitize(inst *domain.CustomerInstance, admin bool) *domain.CustomerInstance {
	if admin {
		return inst
	}
	out := *inst
	out.RemoteStoragePath = ""
	out.LocalMountPath = ""
	return &out
}

// respondError maps the error taxonomy to status codes. Only the
// customer-safe summary ever reaches the response body.
func respondError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "instance not found"})
	case errors.Is(err, domain.ErrConflict):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "conflicting request for this customer"})
	case errors.Is(err, domain.ErrInvalidWorkloadType):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unsupported workload type"})
	case errors.Is(err, domain.ErrInvalidSubdomain):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid subdomain"})
	case errors.Is(err, domain.ErrStorageUnreachable),
		errors.Is(err, domain.ErrStorageOperationFailed),
		errors.Is(err, domain.ErrMountFailed),
		errors.Is(err, domain.ErrImagePullFailed),
		errors.Is(err, domain.ErrRuntimeCreateFailed):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "provisioning failed, instance is in ERROR state"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
}
