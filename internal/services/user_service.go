package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/storefront/internal/models"
	"github.com/example/storefront/internal/utils"
)

// UserService manages storefront profiles keyed by Telegram account.
type UserService struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewUserService(db *gorm.DB, log *zap.Logger) *UserService {
	return &UserService{db: db, log: log}
}

// Launch creates the profile on the first verified launch and refreshes it on later ones.
// Balance and ban state are never touched here.
func (s *UserService) Launch(ctx context.Context, tg utils.TelegramUser) (*models.User, error) {
	now := time.Now().UTC()
	user := models.User{
		TelegramID:   tg.ID,
		Username:     tg.Username,
		FirstName:    tg.FirstName,
		LastName:     tg.LastName,
		LanguageCode: tg.LanguageCode,
		LastSeenAt:   &now,
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "telegram_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "first_name", "last_name", "language_code", "last_seen_at", "updated_at"}),
	}).Create(&user).Error
	if err != nil {
		return nil, err
	}

	// On conflict the generated id is not the stored one.
	return s.ByTelegramID(ctx, tg.ID)
}

// ByTelegramID returns the profile bound to a Telegram account.
func (s *UserService) ByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "telegram_id = ?", telegramID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// ByID returns a profile by its internal id.
func (s *UserService) ByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// SetBanned flags or unflags a user. Profiles are never deleted.
func (s *UserService) SetBanned(ctx context.Context, id uuid.UUID, banned bool) (*models.User, error) {
	res := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Update("is_banned", banned)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrUserNotFound
	}
	s.log.Info("user ban state changed", zap.String("user_id", id.String()), zap.Bool("banned", banned))
	return s.ByID(ctx, id)
}

// List returns users for the admin console, newest first.
func (s *UserService) List(ctx context.Context, search string, limit, offset int) ([]models.User, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.User{})
	if search != "" {
		like := "%" + search + "%"
		query = query.Where("username LIKE ? OR first_name LIKE ? OR last_name LIKE ?", like, like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var users []models.User
	if err := query.Order("created_at desc").Limit(limit).Offset(offset).Find(&users).Error; err != nil {
		return nil, 0, err
	}
	return users, total, nil
}
