package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/emre/mediadock-paas/internal/core/domain"
	"github.com/emre/mediadock-paas/internal/core/ports"
)

// Billing event kinds delivered by the subscription webhook source.
// Delivery is at-least-once, so every handler below is idempotent.
const (
	BillingActivated = "activated"
	BillingPastDue   = "pastDue"
	BillingCancelled = "cancelled"
	BillingResumed   = "resumed"
)

// ErrUnknownEvent marks event kinds the ingestor does not recognize.
// They are permanently unprocessable; retrying delivery cannot help.
var ErrUnknownEvent = errors.New("unknown billing event kind")

// BillingIngestor translates billing events into lifecycle transitions.
type BillingIngestor struct {
	svc      ports.InstanceService
	activity ports.ActivityLog
	log      *logrus.Logger
}

func NewBillingIngestor(svc ports.InstanceService, activity ports.ActivityLog, log *logrus.Logger) *BillingIngestor {
	return &BillingIngestor{svc: svc, activity: activity, log: log}
}

// OnBillingEvent maps a billing event to a state-machine call.
//
//	activated, resumed -> resume
//	pastDue            -> no-op (grace period)
//	cancelled          -> suspend, then delete
//
// Re-delivered events for an already-settled or already-deleted instance
// are no-ops returning success.
func (b *BillingIngestor) OnBillingEvent(ctx context.Context, customerID, kind string) error {
	log := b.log.WithFields(logrus.Fields{"customer": customerID, "event": kind})

	switch kind {
	case BillingActivated, BillingResumed:
		err := b.svc.Resume(ctx, customerID)
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrConflict) {
			// No instance yet, or it is not suspended; nothing to resume.
			log.WithError(err).Info("resume event ignored")
			return nil
		}
		return err

	case BillingPastDue:
		// Grace period: the instance keeps running until the account is
		// cancelled or recovers.
		log.Info("payment past due, instance kept running")
		b.activity.Record(ctx, customerID, "billing.past_due", "grace period, no transition")
		return nil

	case BillingCancelled:
		if err := b.svc.Suspend(ctx, customerID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				log.Info("cancel event for unknown or deleted instance, ignoring")
				return nil
			}
			// Suspension is best-effort on the way to deletion.
			log.WithError(err).Warn("suspend before delete failed, deleting anyway")
		}
		err := b.svc.Delete(ctx, customerID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err

	default:
		return fmt.Errorf("%w: %q for customer %s", ErrUnknownEvent, kind, customerID)
	}
}
