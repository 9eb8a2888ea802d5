package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/santamore/feeds/internal/models"
)

const (
	expiredReason = "expired"

	accountReferencePrefix = "ORD"
	maxAccountReference    = 12
)

// PromptGateway submits payment prompts to the payer's handset.
type PromptGateway interface {
	RequestPrompt(ctx context.Context, prompt PromptRequest) (*PromptAck, error)
}

// PaymentNotifier tells shop staff about payment events.
type PaymentNotifier interface {
	NotifyPaymentSuccess(payment PaymentSuccessNotification) error
	NotifyUnmatchedCallback(cb UnmatchedCallbackNotification) error
}

// PaymentService drives a payment from request to confirmation.
type PaymentService struct {
	store      PaymentStore
	gateway    PromptGateway
	notifier   PaymentNotifier
	pendingTTL time.Duration
	now        func() time.Time
}

func NewPaymentService(store PaymentStore, gateway PromptGateway, notifier PaymentNotifier, pendingTTL time.Duration) *PaymentService {
	return &PaymentService{
		store:      store,
		gateway:    gateway,
		notifier:   notifier,
		pendingTTL: pendingTTL,
		now:        time.Now,
	}
}

// Initiate returns the payment for an order owned by userID, creating a
// PENDING one on first use. Repeated calls return the same row unchanged.
func (s *PaymentService) Initiate(ctx context.Context, userID, orderID uuid.UUID) (*models.Payment, error) {
	order, err := s.store.FindOrderForUser(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}

	phone := ""
	if order.User != nil {
		phone = order.User.Phone
	}

	payment, created, err := s.store.GetOrCreatePayment(ctx, &models.Payment{
		OrderID:          order.ID,
		UserID:           order.UserID,
		PhoneNumber:      phone,
		Amount:           order.TotalAmount,
		Status:           models.PaymentStatusPending,
		AccountReference: accountReference(order),
	})
	if err != nil {
		return nil, fmt.Errorf("get or create payment: %w", err)
	}

	if created {
		log.Printf("[M-Pesa] payment %s created for order %s, amount %s", payment.ID, order.ID, payment.Amount.StringFixed(2))
	}

	return payment, nil
}

// TriggerPrompt sends an STK push for a pending payment and records the
// gateway's CheckoutRequestID so the callback can be matched to it.
// Gateway failures leave the payment untouched. A payment past its TTL is
// expired instead of prompted.
func (s *PaymentService) TriggerPrompt(ctx context.Context, userID, paymentID uuid.UUID) (*models.Payment, *PromptAck, error) {
	payment, err := s.ownedPayment(ctx, userID, paymentID)
	if err != nil {
		return nil, nil, err
	}
	if payment, err = s.expireIfStale(ctx, payment); err != nil {
		return nil, nil, err
	}
	if payment.Status != models.PaymentStatusPending {
		return payment, nil, ErrPaymentNotPending
	}

	ack, err := s.gateway.RequestPrompt(ctx, PromptRequest{
		Phone:            payment.PhoneNumber,
		Amount:           payment.Amount.IntPart(),
		AccountReference: payment.AccountReference,
	})
	if err != nil {
		log.Printf("[M-Pesa] prompt for payment %s failed: %v", payment.ID, err)
		return payment, nil, err
	}

	if ack.CheckoutRequestID != "" {
		if err := s.store.RecordPrompt(ctx, &models.PaymentPrompt{
			PaymentID:         payment.ID,
			CheckoutRequestID: ack.CheckoutRequestID,
			MerchantRequestID: ack.MerchantRequestID,
		}); err != nil {
			// The prompt is already on the handset; the callback can still
			// fall back to the legacy match or land in the unmatched queue.
			log.Printf("[M-Pesa] failed to record prompt %s for payment %s: %v", ack.CheckoutRequestID, payment.ID, err)
		}
	}

	log.Printf("[M-Pesa] prompt %s delivered for payment %s", ack.CheckoutRequestID, payment.ID)
	return payment, ack, nil
}

// Get returns a payment owned by userID, expiring it first if it has been
// pending longer than the configured TTL.
func (s *PaymentService) Get(ctx context.Context, userID, paymentID uuid.UUID) (*models.Payment, error) {
	payment, err := s.ownedPayment(ctx, userID, paymentID)
	if err != nil {
		return nil, err
	}
	return s.expireIfStale(ctx, payment)
}

// ManualConfirm force-completes a payment with a synthetic receipt. It is a
// no-op for a payment that is already completed.
func (s *PaymentService) ManualConfirm(ctx context.Context, paymentID uuid.UUID) (*models.Payment, bool, error) {
	payment, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, false, err
	}

	if payment.Status == models.PaymentStatusCompleted {
		return payment, false, nil
	}
	if !models.CanTransition(payment.Status, models.PaymentStatusCompleted) {
		return payment, false, ErrPaymentNotPending
	}

	applied, err := s.store.Complete(ctx, payment.ID, demoReceipt(payment.ID), s.now())
	if err != nil {
		return nil, false, fmt.Errorf("complete payment: %w", err)
	}

	payment, err = s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, false, err
	}
	if !applied && payment.Status != models.PaymentStatusCompleted {
		return payment, false, ErrPaymentNotPending
	}

	if applied {
		log.Printf("[M-Pesa] payment %s manually confirmed with receipt %s", payment.ID, payment.ExternalReceipt)
		s.notifySuccess(payment)
	}

	return payment, applied, nil
}

// List returns payments for the admin view.
func (s *PaymentService) List(ctx context.Context, filter PaymentFilter) ([]models.Payment, int64, error) {
	return s.store.ListPayments(ctx, filter)
}

// UnmatchedCallbacks returns successful callbacks no payment could be found for.
func (s *PaymentService) UnmatchedCallbacks(ctx context.Context, limit, offset int) ([]models.PaymentCallback, int64, error) {
	return s.store.ListCallbacks(ctx, models.CallbackOutcomeUnmatched, limit, offset)
}

// ExpireStale fails PENDING payments older than the TTL and returns how many moved.
func (s *PaymentService) ExpireStale(ctx context.Context, batch int) (int, error) {
	if s.pendingTTL <= 0 {
		return 0, nil
	}

	stale, err := s.store.StalePending(ctx, s.now().Add(-s.pendingTTL), batch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, p := range stale {
		applied, err := s.store.Fail(ctx, p.ID, expiredReason)
		if err != nil {
			return expired, fmt.Errorf("expire payment %s: %w", p.ID, err)
		}
		if applied {
			expired++
			log.Printf("[M-Pesa] payment %s expired after %s pending", p.ID, s.pendingTTL)
		}
	}
	return expired, nil
}

func (s *PaymentService) expireIfStale(ctx context.Context, payment *models.Payment) (*models.Payment, error) {
	if s.pendingTTL <= 0 || !models.CanTransition(payment.Status, models.PaymentStatusFailed) {
		return payment, nil
	}
	if !payment.OlderThan(s.pendingTTL, s.now()) {
		return payment, nil
	}

	if _, err := s.store.Fail(ctx, payment.ID, expiredReason); err != nil {
		return nil, fmt.Errorf("expire payment: %w", err)
	}
	return s.store.GetPayment(ctx, payment.ID)
}

func (s *PaymentService) ownedPayment(ctx context.Context, userID, paymentID uuid.UUID) (*models.Payment, error) {
	payment, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.UserID != userID {
		return nil, ErrPaymentNotFound
	}
	return payment, nil
}

func (s *PaymentService) notifySuccess(payment *models.Payment) {
	if s.notifier == nil {
		return
	}
	notification := PaymentSuccessNotification{
		PaymentID: payment.ID.String(),
		OrderID:   payment.OrderID.String(),
		Receipt:   payment.ExternalReceipt,
		Amount:    payment.Amount.InexactFloat64(),
		Currency:  "KES",
	}
	if payment.Order != nil {
		notification.OrderNumber = payment.Order.OrderNumber
	}
	go func() {
		if err := s.notifier.NotifyPaymentSuccess(notification); err != nil {
			log.Printf("[M-Pesa] Telegram payment success notification failed: %v", err)
		}
	}()
}

// accountReference is "ORD" plus the order number, cut to the gateway's
// 12-character limit. Orders without a number use their id.
func accountReference(order *models.Order) string {
	ref := strings.TrimPrefix(order.OrderNumber, "#")
	if ref == "" {
		ref = strings.ToUpper(strings.ReplaceAll(order.ID.String(), "-", ""))
	}
	ref = accountReferencePrefix + ref
	if len(ref) > maxAccountReference {
		ref = ref[:maxAccountReference]
	}
	return ref
}

func demoReceipt(id uuid.UUID) string {
	return "DEMO" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:10])
}

// IsRetryable reports whether err came from the gateway and the user may try again.
func IsRetryable(err error) bool {
	var credErr *CredentialFetchError
	var netErr *GatewayUnreachableError
	var rejErr *PromptRejectedError
	return errors.As(err, &credErr) || errors.As(err, &netErr) || errors.As(err, &rejErr)
}
