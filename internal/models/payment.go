package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus is the lifecycle state of a Payment.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
)

// CanTransition reports whether a payment may move from one status to another.
// Terminal states accept nothing.
func CanTransition(from, to PaymentStatus) bool {
	return from == PaymentStatusPending && (to == PaymentStatusCompleted || to == PaymentStatusFailed)
}

// Payment stores the M-Pesa payment for a single order.
type Payment struct {
	BaseModel
	OrderID          uuid.UUID       `gorm:"type:uuid;uniqueIndex" json:"order_id"`
	Order            *Order          `json:"order,omitempty"`
	UserID           uuid.UUID       `gorm:"type:uuid;index" json:"user_id"`
	PhoneNumber      string          `gorm:"size:20" json:"phone_number"`
	Amount           decimal.Decimal `gorm:"type:numeric(12,2)" json:"amount"`
	Status           PaymentStatus   `gorm:"type:varchar(20);index" json:"status"`
	ExternalReceipt  string          `gorm:"column:external_receipt;uniqueIndex:idx_payments_external_receipt,where:external_receipt <> ''" json:"external_receipt"`
	TransactionTime  *time.Time      `json:"transaction_time"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	AccountReference string          `json:"account_reference"`
}

// PaymentPrompt maps a gateway CheckoutRequestID back to the payment that requested it.
type PaymentPrompt struct {
	BaseModel
	PaymentID         uuid.UUID `gorm:"type:uuid;index" json:"payment_id"`
	CheckoutRequestID string    `gorm:"uniqueIndex" json:"checkout_request_id"`
	MerchantRequestID string    `json:"merchant_request_id"`
}

// CallbackOutcome records what the reconciler did with a callback.
type CallbackOutcome string

const (
	CallbackOutcomeCompleted CallbackOutcome = "completed"
	CallbackOutcomeDuplicate CallbackOutcome = "duplicate"
	CallbackOutcomeFailed    CallbackOutcome = "failed"
	CallbackOutcomeIgnored   CallbackOutcome = "ignored"
	CallbackOutcomeUnmatched CallbackOutcome = "unmatched"
	CallbackOutcomeMalformed CallbackOutcome = "malformed"
	CallbackOutcomeError     CallbackOutcome = "error"
)

// PaymentCallback is the audit trail of every callback the gateway delivered.
type PaymentCallback struct {
	BaseModel
	PaymentID         *uuid.UUID      `gorm:"type:uuid;index" json:"payment_id"`
	CheckoutRequestID string          `gorm:"index" json:"checkout_request_id"`
	ResultCode        *int            `json:"result_code"`
	ResultDesc        string          `json:"result_desc"`
	Receipt           string          `json:"receipt"`
	Outcome           CallbackOutcome `gorm:"type:varchar(20);index" json:"outcome"`
	Payload           string          `gorm:"type:text" json:"payload"`
}
