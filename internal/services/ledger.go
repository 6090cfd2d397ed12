package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/storefront/internal/database"
	"github.com/example/storefront/internal/models"
)

// LedgerEntry describes one economic event before it is appended.
type LedgerEntry struct {
	Kind        string
	Amount      int64
	Description string
	PaymentID   *string
	OrderID     *uuid.UUID
}

// LedgerService owns user balances and the append-only transaction log.
// Balances change only through Append, always under the user's row lock.
type LedgerService struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewLedgerService(db *gorm.DB, log *zap.Logger) *LedgerService {
	return &LedgerService{db: db, log: log}
}

// lockUser loads the user row for update inside tx.
func lockUser(tx *gorm.DB, userID uuid.UUID) (*models.User, error) {
	var user models.User
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// HasPayment reports whether a ledger entry for this external payment already exists.
func (s *LedgerService) HasPayment(tx *gorm.DB, userID uuid.UUID, paymentID string) (bool, error) {
	var count int64
	err := tx.Model(&models.Transaction{}).
		Where("user_id = ? AND payment_id = ?", userID, paymentID).
		Count(&count).Error
	return count > 0, err
}

// Append writes entry for a user locked by lockUser in the same tx and moves the balance.
// user.Balance is updated in memory only after both writes succeed.
func (s *LedgerService) Append(tx *gorm.DB, user *models.User, entry LedgerEntry) (*models.Transaction, error) {
	if entry.Amount == 0 {
		return nil, ErrInvalidAmount
	}

	newBalance := user.Balance + entry.Amount
	if newBalance < 0 {
		return nil, ErrInsufficientBalance
	}

	var lastSeq int64
	if err := tx.Model(&models.Transaction{}).
		Where("user_id = ?", user.ID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&lastSeq).Error; err != nil {
		return nil, fmt.Errorf("read last ledger seq: %w", err)
	}

	txn := models.Transaction{
		UserID:       user.ID,
		Seq:          lastSeq + 1,
		Kind:         entry.Kind,
		Amount:       entry.Amount,
		BalanceAfter: newBalance,
		Description:  entry.Description,
		PaymentID:    entry.PaymentID,
		OrderID:      entry.OrderID,
	}
	if err := tx.Create(&txn).Error; err != nil {
		if entry.PaymentID != nil && database.IsUniqueViolation(err) {
			return nil, ErrDuplicatePayment
		}
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	res := tx.Model(&models.User{}).
		Where("id = ? AND balance = ?", user.ID, user.Balance).
		Update("balance", newBalance)
	if res.Error != nil {
		return nil, fmt.Errorf("update balance: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return nil, fmt.Errorf("balance of user %s changed outside its lock", user.ID)
	}

	user.Balance = newBalance
	return &txn, nil
}

// Grant appends a standalone entry (bonus or manual adjustment) in its own atomic unit.
func (s *LedgerService) Grant(ctx context.Context, userID uuid.UUID, entry LedgerEntry) (*models.Transaction, error) {
	var txn *models.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := lockUser(tx, userID)
		if err != nil {
			return err
		}
		txn, err = s.Append(tx, user, entry)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("ledger entry granted",
		zap.String("user_id", userID.String()),
		zap.String("kind", entry.Kind),
		zap.Int64("amount", entry.Amount),
		zap.Int64("balance_after", txn.BalanceAfter))
	return txn, nil
}

// History returns a user's ledger entries, newest first.
func (s *LedgerService) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Transaction, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Transaction{}).Where("user_id = ?", userID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var txns []models.Transaction
	if err := query.Order("seq desc").Limit(limit).Offset(offset).Find(&txns).Error; err != nil {
		return nil, 0, err
	}
	return txns, total, nil
}

// TransactionFilter narrows the admin ledger listing; zero fields match everything.
type TransactionFilter struct {
	UserID    uuid.UUID
	Kind      string
	PaymentID string
}

// List returns ledger entries across users, newest first.
func (s *LedgerService) List(ctx context.Context, f TransactionFilter, limit, offset int) ([]models.Transaction, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Transaction{})
	if f.UserID != uuid.Nil {
		query = query.Where("user_id = ?", f.UserID)
	}
	if f.Kind != "" {
		query = query.Where("kind = ?", f.Kind)
	}
	if f.PaymentID != "" {
		query = query.Where("payment_id = ?", f.PaymentID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var txns []models.Transaction
	if err := query.Order("created_at desc").Order("seq desc").Limit(limit).Offset(offset).Find(&txns).Error; err != nil {
		return nil, 0, err
	}
	return txns, total, nil
}

// ChainError describes the first entry that breaks the balance_after chain.
type ChainError struct {
	UserID   uuid.UUID
	Seq      int64
	Expected int64
	Actual   int64
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("ledger chain broken for user %s at seq %d: expected %d, got %d",
		e.UserID, e.Seq, e.Expected, e.Actual)
}

// VerifyChain replays a user's ledger and checks it against the stored balance.
// Seq 0 stands for the stored balance itself.
func (s *LedgerService) VerifyChain(ctx context.Context, userID uuid.UUID) error {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return err
	}

	var txns []models.Transaction
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("seq asc").
		Find(&txns).Error; err != nil {
		return err
	}

	var running int64
	for i, t := range txns {
		if t.Seq != int64(i+1) {
			return &ChainError{UserID: userID, Seq: t.Seq, Expected: int64(i + 1), Actual: t.Seq}
		}
		running += t.Amount
		if t.BalanceAfter != running {
			return &ChainError{UserID: userID, Seq: t.Seq, Expected: running, Actual: t.BalanceAfter}
		}
	}

	if running != user.Balance {
		return &ChainError{UserID: userID, Seq: 0, Expected: running, Actual: user.Balance}
	}
	return nil
}
