package services

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/example/storefront/internal/models"
)

// AuditService keeps a best-effort trail of money-moving events next to the ledger.
type AuditService struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewAuditService(db *gorm.DB, log *zap.Logger) *AuditService {
	return &AuditService{db: db, log: log}
}

// Record stores event with details as its JSON payload. Failures are logged, never returned.
func (s *AuditService) Record(ctx context.Context, event models.AuditEvent, details any) {
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			s.log.Warn("audit payload not encodable", zap.String("kind", event.Kind), zap.Error(err))
		} else {
			event.Payload = datatypes.JSON(raw)
		}
	}

	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		s.log.Error("audit event not stored",
			zap.String("kind", event.Kind),
			zap.String("payment_id", event.PaymentID),
			zap.Error(err))
	}
}

// List returns audit events, newest first.
func (s *AuditService) List(ctx context.Context, kind string, limit, offset int) ([]models.AuditEvent, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.AuditEvent{})
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var events []models.AuditEvent
	if err := query.Order("created_at desc").Limit(limit).Offset(offset).Find(&events).Error; err != nil {
		return nil, 0, err
	}
	return events, total, nil
}
