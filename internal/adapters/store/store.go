// Package store persists CustomerInstance records and the append-only
// activity log in the relational datastore through gorm. The unique
// indexes on instance name and subdomain are the arbiter for creation
// races; violations surface to the core as domain.ErrConflict.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/emre/mediadock-paas/internal/core/domain"
)

// InstanceStore implements ports.InstanceStore.
type InstanceStore struct {
	db *gorm.DB
}

func NewInstanceStore(db *gorm.DB) *InstanceStore {
	return &InstanceStore{db: db}
}

// Migrate creates or updates the schema for both tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&domain.CustomerInstance{}, &domain.ActivityEntry{})
}

func (s *InstanceStore) Create(ctx context.Context, inst *domain.CustomerInstance) error {
	if err := s.db.WithContext(ctx).Create(inst).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: instance name or subdomain already taken", domain.ErrConflict)
		}
		return fmt.Errorf("create instance record: %w", err)
	}
	return nil
}

func (s *InstanceStore) Get(ctx context.Context, customerID string) (*domain.CustomerInstance, error) {
	var inst domain.CustomerInstance
	err := s.db.WithContext(ctx).First(&inst, "customer_id = ?", customerID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: customer %s", domain.ErrNotFound, customerID)
		}
		return nil, fmt.Errorf("load instance record: %w", err)
	}
	return &inst, nil
}

func (s *InstanceStore) GetBySubdomain(ctx context.Context, subdomain string) (*domain.CustomerInstance, error) {
	var inst domain.CustomerInstance
	err := s.db.WithContext(ctx).First(&inst, "subdomain = ?", subdomain).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: subdomain %s", domain.ErrNotFound, subdomain)
		}
		return nil, fmt.Errorf("load instance record: %w", err)
	}
	return &inst, nil
}

func (s *InstanceStore) Update(ctx context.Context, inst *domain.CustomerInstance) error {
	// Save writes every field; intermediate lifecycle steps rely on this
	// so a crash never leaves a partially written transition.
	res := s.db.WithContext(ctx).Save(inst)
	if res.Error != nil {
		return fmt.Errorf("update instance record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: customer %s", domain.ErrNotFound, inst.CustomerID)
	}
	return nil
}

func (s *InstanceStore) UpdateUsage(ctx context.Context, customerID string, usedGB float64) error {
	res := s.db.WithContext(ctx).Model(&domain.CustomerInstance{}).
		Where("customer_id = ?", customerID).
		Update("storage_used_gb", usedGB)
	if res.Error != nil {
		return fmt.Errorf("update storage usage: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: customer %s", domain.ErrNotFound, customerID)
	}
	return nil
}

func (s *InstanceStore) Delete(ctx context.Context, customerID string) error {
	// Soft delete: the row becomes the tombstone required once an
	// instance reaches its terminal state.
	err := s.db.WithContext(ctx).Delete(&domain.CustomerInstance{}, "customer_id = ?", customerID).Error
	if err != nil {
		return fmt.Errorf("delete instance record: %w", err)
	}
	return nil
}

func (s *InstanceStore) List(ctx context.Context) ([]domain.CustomerInstance, error) {
	var instances []domain.CustomerInstance
	if err := s.db.WithContext(ctx).Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("list instance records: %w", err)
	}
	return instances, nil
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// The postgres translator does not catch every constraint shape.
	return strings.Contains(err.Error(), "duplicate key")
}

// ActivityLog implements ports.ActivityLog. Failures are logged and
// swallowed: the audit trail must never fail an orchestration step.
type ActivityLog struct {
	db  *gorm.DB
	log *logrus.Logger
}

func NewActivityLog(db *gorm.DB, log *logrus.Logger) *ActivityLog {
	return &ActivityLog{db: db, log: log}
}

func (a *ActivityLog) Record(ctx context.Context, customerID, action, detail string) {
	entry := domain.ActivityEntry{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		Action:     action,
		Detail:     detail,
	}
	if err := a.db.WithContext(ctx).Create(&entry).Error; err != nil {
		a.log.WithFields(logrus.Fields{"customer": customerID, "action": action}).
			WithError(err).Error("activity log write failed")
	}
}
