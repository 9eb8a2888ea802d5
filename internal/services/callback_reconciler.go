package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/santamore/feeds/internal/models"
)

const (
	callbackResultSuccess = 0
	receiptItemName       = "MpesaReceiptNumber"
	amountItemName        = "Amount"
	phoneItemName         = "PhoneNumber"
)

// CallbackAck is the body the gateway expects back from every callback.
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

type stkCallbackEnvelope struct {
	Body *struct {
		StkCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type stkCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        *int   `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []callbackItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type callbackItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value"`
}

func (cb *stkCallback) item(name string) (string, bool) {
	if cb.CallbackMetadata == nil {
		return "", false
	}
	for _, it := range cb.CallbackMetadata.Item {
		if it.Name != name {
			continue
		}
		switch v := it.Value.(type) {
		case string:
			return v, v != ""
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		default:
			return "", false
		}
	}
	return "", false
}

// ReconcilerOptions selects the matching and failure policy.
type ReconcilerOptions struct {
	// LegacyMatching lets a successful callback without a known
	// CheckoutRequestID complete the most recently created PENDING payment.
	// This is only correct while at most one payment is in flight.
	LegacyMatching bool
	// FailOnErrorResult moves a correlated payment to FAILED on a non-zero
	// result code instead of only acknowledging it.
	FailOnErrorResult bool
}

// CallbackReconciler applies gateway callbacks to payments.
type CallbackReconciler struct {
	store    PaymentStore
	notifier PaymentNotifier
	opts     ReconcilerOptions
	now      func() time.Time

	// mu serialises the receipt check, match and transition of successful
	// callbacks within this process. Across processes the unique receipt
	// index on payments has the final say.
	mu sync.Mutex
}

func NewCallbackReconciler(store PaymentStore, notifier PaymentNotifier, opts ReconcilerOptions) *CallbackReconciler {
	return &CallbackReconciler{
		store:    store,
		notifier: notifier,
		opts:     opts,
		now:      time.Now,
	}
}

// HandleCallback processes one raw callback body. It never returns an error:
// every outcome is expressed in the acknowledgement and the callback log.
func (r *CallbackReconciler) HandleCallback(ctx context.Context, rawBody []byte) CallbackAck {
	record := &models.PaymentCallback{Payload: string(rawBody)}
	defer func() {
		if err := r.store.RecordCallback(ctx, record); err != nil {
			log.Printf("[Callback] failed to store callback log: %v", err)
		}
	}()

	cb, err := parseCallback(rawBody)
	if err != nil {
		log.Printf("[Callback] malformed callback: %v", err)
		record.Outcome = models.CallbackOutcomeMalformed
		return CallbackAck{ResultCode: 1, ResultDesc: err.Error()}
	}

	record.CheckoutRequestID = cb.CheckoutRequestID
	record.ResultCode = cb.ResultCode
	record.ResultDesc = cb.ResultDesc

	log.Printf("[Callback] received checkout=%s result=%d desc=%q", cb.CheckoutRequestID, *cb.ResultCode, cb.ResultDesc)

	if *cb.ResultCode == callbackResultSuccess {
		return r.handleSuccess(ctx, cb, record)
	}
	return r.handleFailure(ctx, cb, record)
}

func (r *CallbackReconciler) handleSuccess(ctx context.Context, cb *stkCallback, record *models.PaymentCallback) CallbackAck {
	receipt, ok := cb.item(receiptItemName)
	if !ok {
		log.Printf("[Callback] successful callback %s has no %s", cb.CheckoutRequestID, receiptItemName)
		record.Outcome = models.CallbackOutcomeMalformed
		return CallbackAck{ResultCode: 1, ResultDesc: "missing " + receiptItemName}
	}
	record.Receipt = receipt

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, err := r.store.FindPaymentByReceipt(ctx, receipt); err == nil {
		log.Printf("[Callback] receipt %s already applied to payment %s", receipt, existing.ID)
		record.PaymentID = &existing.ID
		record.Outcome = models.CallbackOutcomeDuplicate
		return acceptedAck()
	} else if !errors.Is(err, ErrPaymentNotFound) {
		return r.storeFailure(record, err)
	}

	payment, matchedBy, err := r.match(ctx, cb, true)
	if err != nil {
		return r.storeFailure(record, err)
	}
	if payment == nil {
		log.Printf("[Callback] ANOMALY: no pending payment for receipt %s (checkout %s); needs manual reconciliation", receipt, cb.CheckoutRequestID)
		record.Outcome = models.CallbackOutcomeUnmatched
		r.notifyUnmatched(cb, receipt)
		return acceptedAck()
	}
	record.PaymentID = &payment.ID

	if amount, ok := cb.item(amountItemName); ok {
		if paid, err := decimal.NewFromString(amount); err == nil && paid.IntPart() != payment.Amount.IntPart() {
			log.Printf("[Callback] amount mismatch on payment %s: expected %d, paid %s", payment.ID, payment.Amount.IntPart(), amount)
		}
	}

	if !models.CanTransition(payment.Status, models.PaymentStatusCompleted) {
		return r.handleStranded(cb, record, payment, receipt, matchedBy)
	}

	applied, err := r.store.Complete(ctx, payment.ID, receipt, r.now())
	if errors.Is(err, ErrReceiptAlreadyApplied) {
		log.Printf("[Callback] receipt %s already applied elsewhere; payment %s left pending", receipt, payment.ID)
		record.Outcome = models.CallbackOutcomeDuplicate
		return acceptedAck()
	}
	if err != nil {
		return r.storeFailure(record, err)
	}
	if !applied {
		current, err := r.store.GetPayment(ctx, payment.ID)
		if err != nil {
			return r.storeFailure(record, err)
		}
		return r.handleStranded(cb, record, current, receipt, matchedBy)
	}

	log.Printf("[Callback] payment %s completed with receipt %s (matched by %s)", payment.ID, receipt, matchedBy)
	record.Outcome = models.CallbackOutcomeCompleted
	r.notifyCompleted(payment, receipt)
	return acceptedAck()
}

// handleStranded deals with a successful callback whose payment can no longer
// complete. A payment already holding this receipt makes it a retry; anything
// else means money arrived for a closed payment and staff must reconcile it.
func (r *CallbackReconciler) handleStranded(cb *stkCallback, record *models.PaymentCallback, payment *models.Payment, receipt, matchedBy string) CallbackAck {
	if payment.ExternalReceipt == receipt {
		record.Outcome = models.CallbackOutcomeDuplicate
		return acceptedAck()
	}

	log.Printf("[Callback] ANOMALY: payment %s matched by %s is already %s; receipt %s needs manual reconciliation", payment.ID, matchedBy, payment.Status, receipt)
	record.Outcome = models.CallbackOutcomeUnmatched
	r.notifyUnmatched(cb, receipt)
	return acceptedAck()
}

func (r *CallbackReconciler) handleFailure(ctx context.Context, cb *stkCallback, record *models.PaymentCallback) CallbackAck {
	record.Outcome = models.CallbackOutcomeIgnored
	if !r.opts.FailOnErrorResult {
		return acceptedAck()
	}

	payment, _, err := r.match(ctx, cb, false)
	if err != nil {
		return r.storeFailure(record, err)
	}
	if payment == nil {
		return acceptedAck()
	}
	record.PaymentID = &payment.ID

	reason := cb.ResultDesc
	if reason == "" {
		reason = fmt.Sprintf("result code %d", *cb.ResultCode)
	}
	applied, err := r.store.Fail(ctx, payment.ID, reason)
	if err != nil {
		return r.storeFailure(record, err)
	}
	if applied {
		log.Printf("[Callback] payment %s failed: %s", payment.ID, reason)
		record.Outcome = models.CallbackOutcomeFailed
	}
	return acceptedAck()
}

// match resolves the payment a callback refers to. The CheckoutRequestID
// recorded at prompt time is authoritative; recency is only consulted for
// successful callbacks when legacy matching is on.
func (r *CallbackReconciler) match(ctx context.Context, cb *stkCallback, allowLegacy bool) (*models.Payment, string, error) {
	if cb.CheckoutRequestID != "" {
		payment, err := r.store.FindPaymentByPrompt(ctx, cb.CheckoutRequestID)
		if err == nil {
			return payment, "checkout request id", nil
		}
		if !errors.Is(err, ErrPaymentNotFound) {
			return nil, "", err
		}
	}

	if !allowLegacy || !r.opts.LegacyMatching {
		return nil, "", nil
	}

	payment, err := r.store.LatestPendingPayment(ctx)
	if errors.Is(err, ErrPaymentNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	log.Printf("[Callback] WARNING: checkout %q not correlated; falling back to most recent pending payment %s", cb.CheckoutRequestID, payment.ID)
	return payment, "recency", nil
}

func (r *CallbackReconciler) storeFailure(record *models.PaymentCallback, err error) CallbackAck {
	log.Printf("[Callback] store error: %v", err)
	record.Outcome = models.CallbackOutcomeError
	return CallbackAck{ResultCode: 1, ResultDesc: "temporary failure, retry"}
}

func (r *CallbackReconciler) notifyCompleted(payment *models.Payment, receipt string) {
	if r.notifier == nil {
		return
	}
	notification := PaymentSuccessNotification{
		PaymentID: payment.ID.String(),
		OrderID:   payment.OrderID.String(),
		Receipt:   receipt,
		Amount:    payment.Amount.InexactFloat64(),
		Currency:  "KES",
	}
	if payment.Order != nil {
		notification.OrderNumber = payment.Order.OrderNumber
	}
	go func() {
		if err := r.notifier.NotifyPaymentSuccess(notification); err != nil {
			log.Printf("[Callback] Telegram payment success notification failed: %v", err)
		}
	}()
}

func (r *CallbackReconciler) notifyUnmatched(cb *stkCallback, receipt string) {
	if r.notifier == nil {
		return
	}
	notification := UnmatchedCallbackNotification{
		CheckoutRequestID: cb.CheckoutRequestID,
		Receipt:           receipt,
	}
	notification.Amount, _ = cb.item(amountItemName)
	notification.Phone, _ = cb.item(phoneItemName)
	go func() {
		if err := r.notifier.NotifyUnmatchedCallback(notification); err != nil {
			log.Printf("[Callback] Telegram unmatched callback notification failed: %v", err)
		}
	}()
}

func parseCallback(raw []byte) (*stkCallback, error) {
	var env stkCallbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid callback body: %w", err)
	}
	if env.Body == nil || env.Body.StkCallback == nil {
		return nil, errors.New("missing Body.stkCallback")
	}
	if env.Body.StkCallback.ResultCode == nil {
		return nil, errors.New("missing Body.stkCallback.ResultCode")
	}
	return env.Body.StkCallback, nil
}

func acceptedAck() CallbackAck {
	return CallbackAck{ResultCode: 0, ResultDesc: "Accepted"}
}
