package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus tracks fulfilment progress of an order.
type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "PENDING_PAYMENT"
	OrderStatusPaid           OrderStatus = "PAID"
	OrderStatusDispatched     OrderStatus = "DISPATCHED"
	OrderStatusDelivered      OrderStatus = "DELIVERED"
)

// Order is written by the storefront; the payment core only reads it and marks it paid.
type Order struct {
	BaseModel
	UserID      uuid.UUID       `gorm:"type:uuid;index" json:"user_id"`
	User        *User           `json:"user,omitempty"`
	OrderNumber string          `gorm:"uniqueIndex" json:"order_number"`
	Status      OrderStatus     `gorm:"type:varchar(20);default:PENDING_PAYMENT;index" json:"status"`
	TotalAmount decimal.Decimal `gorm:"type:numeric(12,2)" json:"total_amount"`
	ZoneName    string          `json:"zone_name"`
}
