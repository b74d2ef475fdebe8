package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/emre/mediadock-paas/internal/core/service"
)

// WebhookHandler receives billing/subscription events. Signature
// validation happens in middleware upstream; by the time a request lands
// here it is trusted.
type WebhookHandler struct {
	ingestor *service.BillingIngestor
	log      *logrus.Logger
}

func NewWebhookHandler(ingestor *service.BillingIngestor, log *logrus.Logger) *WebhookHandler {
	return &WebhookHandler{ingestor: ingestor, log: log}
}

type billingEventRequest struct {
	CustomerID string `json:"customer_id"`
	Event      string `json:"event"`
}

// HandleBillingEvent applies one billing event. Delivery is
// at-least-once; the ingestor is idempotent, so replays return 200.
func (h *WebhookHandler) HandleBillingEvent(c *fiber.Ctx) error {
	var req billingEventRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if req.CustomerID == "" || req.Event == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "customer_id and event are required",
		})
	}

	if err := h.ingestor.OnBillingEvent(c.Context(), req.CustomerID, req.Event); err != nil {
		h.log.WithFields(logrus.Fields{"customer": req.CustomerID, "event": req.Event}).
			WithError(err).Error("billing event failed")
		// An unknown kind can never succeed; 400 tells the sender to
		// drop it instead of redelivering forever. Billing sources retry
		// on 5xx, so that is reserved for genuine failures.
		if errors.Is(err, service.ErrUnknownEvent) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "unknown event kind",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "event processing failed",
		})
	}
	return c.SendStatus(fiber.StatusOK)
}
