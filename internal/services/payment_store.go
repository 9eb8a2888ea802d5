package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/santamore/feeds/internal/models"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrPaymentNotPending = errors.New("payment is no longer pending")
	// ErrReceiptAlreadyApplied means another payment already carries the receipt.
	ErrReceiptAlreadyApplied = errors.New("receipt already applied to another payment")
)

// PaymentStore persists payments and performs their guarded state transitions.
// Complete and Fail only act on PENDING rows and report whether they applied.
type PaymentStore interface {
	FindOrderForUser(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error)
	GetOrCreatePayment(ctx context.Context, candidate *models.Payment) (*models.Payment, bool, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	FindPaymentByPrompt(ctx context.Context, checkoutRequestID string) (*models.Payment, error)
	FindPaymentByReceipt(ctx context.Context, receipt string) (*models.Payment, error)
	LatestPendingPayment(ctx context.Context) (*models.Payment, error)
	RecordPrompt(ctx context.Context, prompt *models.PaymentPrompt) error
	Complete(ctx context.Context, id uuid.UUID, receipt string, at time.Time) (bool, error)
	Fail(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	StalePending(ctx context.Context, createdBefore time.Time, limit int) ([]models.Payment, error)
	RecordCallback(ctx context.Context, cb *models.PaymentCallback) error
	ListPayments(ctx context.Context, filter PaymentFilter) ([]models.Payment, int64, error)
	ListCallbacks(ctx context.Context, outcome models.CallbackOutcome, limit, offset int) ([]models.PaymentCallback, int64, error)
}

// PaymentFilter narrows admin payment listings.
type PaymentFilter struct {
	Status models.PaymentStatus
	UserID *uuid.UUID
	Limit  int
	Offset int
}

// GormPaymentStore implements PaymentStore on GORM.
type GormPaymentStore struct {
	db *gorm.DB
}

func NewGormPaymentStore(db *gorm.DB) *GormPaymentStore {
	return &GormPaymentStore{db: db}
}

func (s *GormPaymentStore) FindOrderForUser(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := s.db.WithContext(ctx).
		Preload("User").
		Where("id = ? AND user_id = ?", orderID, userID).
		First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// GetOrCreatePayment inserts candidate unless its order already has a payment,
// then returns whichever row owns the order.
func (s *GormPaymentStore) GetOrCreatePayment(ctx context.Context, candidate *models.Payment) (*models.Payment, bool, error) {
	if candidate.ID == uuid.Nil {
		candidate.ID = uuid.New()
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "order_id"}}, DoNothing: true}).
		Create(candidate).Error; err != nil {
		return nil, false, err
	}

	var payment models.Payment
	if err := s.db.WithContext(ctx).
		Where("order_id = ?", candidate.OrderID).
		First(&payment).Error; err != nil {
		return nil, false, err
	}

	return &payment, payment.ID == candidate.ID, nil
}

func (s *GormPaymentStore) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	if err := s.db.WithContext(ctx).Preload("Order").First(&payment, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

func (s *GormPaymentStore) FindPaymentByPrompt(ctx context.Context, checkoutRequestID string) (*models.Payment, error) {
	var prompt models.PaymentPrompt
	if err := s.db.WithContext(ctx).
		Where("checkout_request_id = ?", checkoutRequestID).
		First(&prompt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return s.GetPayment(ctx, prompt.PaymentID)
}

func (s *GormPaymentStore) FindPaymentByReceipt(ctx context.Context, receipt string) (*models.Payment, error) {
	var payment models.Payment
	if err := s.db.WithContext(ctx).
		Where("external_receipt = ?", receipt).
		First(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// LatestPendingPayment returns the most recently created PENDING payment.
func (s *GormPaymentStore) LatestPendingPayment(ctx context.Context) (*models.Payment, error) {
	var payment models.Payment
	if err := s.db.WithContext(ctx).
		Where("status = ?", models.PaymentStatusPending).
		Order("created_at desc").
		First(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

func (s *GormPaymentStore) RecordPrompt(ctx context.Context, prompt *models.PaymentPrompt) error {
	return s.db.WithContext(ctx).Create(prompt).Error
}

// Complete moves a PENDING payment to COMPLETED and its order to PAID in one
// transaction. It returns false when the payment was not PENDING and
// ErrReceiptAlreadyApplied when another payment holds the receipt.
func (s *GormPaymentStore) Complete(ctx context.Context, id uuid.UUID, receipt string, at time.Time) (bool, error) {
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Payment{}).
			Where("id = ? AND status = ?", id, models.PaymentStatusPending).
			Updates(map[string]any{
				"status":           models.PaymentStatusCompleted,
				"external_receipt": receipt,
				"transaction_time": at,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true

		var payment models.Payment
		if err := tx.Select("order_id").First(&payment, "id = ?", id).Error; err != nil {
			return err
		}

		return tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", payment.OrderID, models.OrderStatusPendingPayment).
			Update("status", models.OrderStatusPaid).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, ErrReceiptAlreadyApplied
	}
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Fail moves a PENDING payment to FAILED. The order is left untouched.
func (s *GormPaymentStore) Fail(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("id = ? AND status = ?", id, models.PaymentStatusPending).
		Updates(map[string]any{
			"status":         models.PaymentStatusFailed,
			"failure_reason": reason,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormPaymentStore) StalePending(ctx context.Context, createdBefore time.Time, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.PaymentStatusPending, createdBefore).
		Order("created_at asc").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

func (s *GormPaymentStore) RecordCallback(ctx context.Context, cb *models.PaymentCallback) error {
	return s.db.WithContext(ctx).Create(cb).Error
}

func (s *GormPaymentStore) ListPayments(ctx context.Context, filter PaymentFilter) ([]models.Payment, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Payment{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var payments []models.Payment
	if err := query.
		Order("created_at desc").
		Limit(filter.Limit).
		Offset(filter.Offset).
		Find(&payments).Error; err != nil {
		return nil, 0, err
	}

	return payments, total, nil
}

func (s *GormPaymentStore) ListCallbacks(ctx context.Context, outcome models.CallbackOutcome, limit, offset int) ([]models.PaymentCallback, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.PaymentCallback{})
	if outcome != "" {
		query = query.Where("outcome = ?", outcome)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var callbacks []models.PaymentCallback
	if err := query.
		Order("created_at desc").
		Limit(limit).
		Offset(offset).
		Find(&callbacks).Error; err != nil {
		return nil, 0, err
	}

	return callbacks, total, nil
}
