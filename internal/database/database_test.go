package database

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/santamore/feeds/internal/models"
)

func TestOpenSQLiteMigratesSchema(t *testing.T) {
	conn, err := Open("sqlite:file:migrate_test?mode=memory&cache=shared", logger.Discard)
	require.NoError(t, err)

	for _, table := range []any{&models.User{}, &models.Order{}, &models.Payment{}, &models.PaymentPrompt{}, &models.PaymentCallback{}} {
		assert.True(t, conn.Migrator().HasTable(table))
	}
	assert.True(t, conn.Migrator().HasIndex(&models.Payment{}, "OrderID"))
	assert.True(t, conn.Migrator().HasIndex(&models.PaymentPrompt{}, "CheckoutRequestID"))
	assert.True(t, conn.Migrator().HasIndex(&models.Payment{}, "idx_payments_external_receipt"))
}

func TestReceiptIsUniqueOnceAssigned(t *testing.T) {
	conn, err := Open("sqlite:file:receipt_test?mode=memory&cache=shared", logger.Discard)
	require.NoError(t, err)

	user := models.User{Phone: "0712345678"}
	require.NoError(t, conn.Create(&user).Error)

	payment := func(receipt string) *models.Payment {
		order := models.Order{
			UserID:      user.ID,
			OrderNumber: uuid.NewString()[:8],
			Status:      models.OrderStatusPendingPayment,
			TotalAmount: decimal.NewFromInt(100),
		}
		require.NoError(t, conn.Create(&order).Error)
		return &models.Payment{
			OrderID:         order.ID,
			UserID:          user.ID,
			Amount:          decimal.NewFromInt(100),
			Status:          models.PaymentStatusPending,
			ExternalReceipt: receipt,
		}
	}

	// Unpaid rows share the empty receipt.
	require.NoError(t, conn.Create(payment("")).Error)
	require.NoError(t, conn.Create(payment("")).Error)

	require.NoError(t, conn.Create(payment("QAB1X2Y3")).Error)
	err = conn.Create(payment("QAB1X2Y3")).Error
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)
}

func TestEnsureDatabaseIgnoresNonPostgresDSN(t *testing.T) {
	assert.NoError(t, ensureDatabase("host=localhost user=postgres dbname=feeds"))
	assert.NoError(t, ensureDatabase("postgres://localhost:5432/"))
}
