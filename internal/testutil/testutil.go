// Package testutil builds throwaway databases and fixtures for package tests.
package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/storefront/internal/database"
	"github.com/example/storefront/internal/models"
)

var dbCounter atomic.Int64

// NewDB returns a migrated in-memory SQLite database private to the test.
// A single connection serialises concurrent transactions the way row locks do on Postgres.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbCounter.Add(1))

	conn, err := database.Open(sqlite.Open(dsn), logger.Silent)
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(conn))
	return conn
}

// CreateUser stores a customer with the given Telegram id and balance in kopecks.
// A non-zero balance is seeded through a bonus ledger entry so the chain stays consistent.
func CreateUser(t *testing.T, db *gorm.DB, telegramID, balance int64) *models.User {
	t.Helper()

	user := &models.User{
		TelegramID: telegramID,
		Username:   fmt.Sprintf("user%d", telegramID),
		FirstName:  "Test",
	}
	require.NoError(t, db.Create(user).Error)

	if balance > 0 {
		require.NoError(t, db.Create(&models.Transaction{
			UserID:       user.ID,
			Seq:          1,
			Kind:         models.TransactionKindBonus,
			Amount:       balance,
			BalanceAfter: balance,
			Description:  "seed",
		}).Error)
		require.NoError(t, db.Model(user).Update("balance", balance).Error)
		user.Balance = balance
	}
	return user
}

// CreateProduct stores an active product. A nil stock means unlimited.
func CreateProduct(t *testing.T, db *gorm.DB, name string, price int64, stock *int) *models.Product {
	t.Helper()

	product := &models.Product{
		Name:     name,
		Price:    price,
		Stock:    stock,
		IsActive: true,
	}
	require.NoError(t, db.Create(product).Error)
	return product
}

// Stock reads the current stock of a product.
func Stock(t *testing.T, db *gorm.DB, productID uuid.UUID) *int {
	t.Helper()

	var product models.Product
	require.NoError(t, db.First(&product, "id = ?", productID).Error)
	return product.Stock
}

// Balance reads the stored balance of a user.
func Balance(t *testing.T, db *gorm.DB, userID uuid.UUID) int64 {
	t.Helper()

	var user models.User
	require.NoError(t, db.First(&user, "id = ?", userID).Error)
	return user.Balance
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
