// Package testutil provides an isolated database and fixtures for package tests.
package testutil

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/santamore/feeds/internal/database"
	"github.com/santamore/feeds/internal/models"
)

// NewDB opens a fresh in-memory SQLite database with the full schema.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("sqlite:file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := database.Open(dsn, logger.Discard)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := conn.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	return conn
}

// CreateUser inserts a customer with the given phone number.
func CreateUser(t testing.TB, db *gorm.DB, phone string) models.User {
	t.Helper()

	user := models.User{FirstName: "Test", LastName: "Farmer", Phone: phone}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

// CreateAdmin inserts an administrator.
func CreateAdmin(t testing.TB, db *gorm.DB) models.User {
	t.Helper()

	user := models.User{FirstName: "Shop", LastName: "Admin", Phone: "0700" + uuid.NewString()[:6], IsAdmin: true}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("create admin: %v", err)
	}
	return user
}

// CreateOrder inserts an order awaiting payment.
func CreateOrder(t testing.TB, db *gorm.DB, userID uuid.UUID, total int64) models.Order {
	t.Helper()

	order := models.Order{
		UserID:      userID,
		OrderNumber: strings.ToUpper(uuid.NewString()[:8]),
		Status:      models.OrderStatusPendingPayment,
		TotalAmount: decimal.NewFromInt(total),
	}
	if err := db.Create(&order).Error; err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}
