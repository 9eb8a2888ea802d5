package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/santamore/feeds/internal/middleware"
	"github.com/santamore/feeds/internal/models"
	"github.com/santamore/feeds/internal/services"
	"github.com/santamore/feeds/internal/utils"
)

// PaymentHandler manages M-Pesa payment endpoints.
type PaymentHandler struct {
	payments   *services.PaymentService
	reconciler *services.CallbackReconciler
}

func NewPaymentHandler(payments *services.PaymentService, reconciler *services.CallbackReconciler) *PaymentHandler {
	return &PaymentHandler{payments: payments, reconciler: reconciler}
}

// Initiate creates or returns the payment for one of the caller's orders.
func (h *PaymentHandler) Initiate(c *fiber.Ctx) error {
	userID, ok := middleware.GetCurrentUserID(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}

	orderID, err := uuid.Parse(c.Params("order_id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid order id")
	}

	payment, err := h.payments.Initiate(c.UserContext(), userID, orderID)
	if err != nil {
		return paymentError(err)
	}

	return c.JSON(fiber.Map{"success": true, "data": payment})
}

// STKPush sends the payment prompt to the payer's phone.
func (h *PaymentHandler) STKPush(c *fiber.Ctx) error {
	userID, ok := middleware.GetCurrentUserID(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}

	paymentID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid payment id")
	}

	payment, ack, err := h.payments.TriggerPrompt(c.UserContext(), userID, paymentID)
	if err != nil {
		return paymentError(err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Payment prompt sent to your phone. Please enter your M-Pesa PIN.",
		"data": fiber.Map{
			"payment":             payment,
			"checkout_request_id": ack.CheckoutRequestID,
			"customer_message":    ack.CustomerMessage,
		},
	})
}

// Status returns the caller's payment.
func (h *PaymentHandler) Status(c *fiber.Ctx) error {
	userID, ok := middleware.GetCurrentUserID(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}

	paymentID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid payment id")
	}

	payment, err := h.payments.Get(c.UserContext(), userID, paymentID)
	if err != nil {
		return paymentError(err)
	}

	return c.JSON(fiber.Map{"success": true, "data": payment})
}

// ManualConfirm force-completes a payment when callbacks are unavailable.
func (h *PaymentHandler) ManualConfirm(c *fiber.Ctx) error {
	paymentID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid payment id")
	}

	payment, applied, err := h.payments.ManualConfirm(c.UserContext(), paymentID)
	if err != nil {
		return paymentError(err)
	}

	message := "Payment confirmed (manual)."
	if !applied {
		message = "Payment was already confirmed."
	}

	return c.JSON(fiber.Map{"success": true, "message": message, "data": payment})
}

// Callback receives the asynchronous STK result from the gateway. It always
// answers 200 with the gateway's acknowledgement shape.
func (h *PaymentHandler) Callback(c *fiber.Ctx) error {
	ack := h.reconciler.HandleCallback(c.UserContext(), c.Body())
	return c.Status(fiber.StatusOK).JSON(ack)
}

// ListPayments returns payment history for admins, optionally filtered.
func (h *PaymentHandler) ListPayments(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)
	filter := services.PaymentFilter{Limit: pg.Limit, Offset: pg.Offset}

	if status := strings.ToUpper(strings.TrimSpace(c.Query("status"))); status != "" {
		switch models.PaymentStatus(status) {
		case models.PaymentStatusPending, models.PaymentStatusCompleted, models.PaymentStatusFailed:
			filter.Status = models.PaymentStatus(status)
		default:
			return fiber.NewError(fiber.StatusBadRequest, "invalid status")
		}
	}
	if userID := strings.TrimSpace(c.Query("user_id")); userID != "" {
		parsed, err := uuid.Parse(userID)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid user_id")
		}
		filter.UserID = &parsed
	}

	payments, total, err := h.payments.List(c.UserContext(), filter)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success":    true,
		"data":       payments,
		"pagination": pg.Meta(total),
	})
}

// ListUnmatchedCallbacks returns confirmed payments that need manual reconciliation.
func (h *PaymentHandler) ListUnmatchedCallbacks(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)

	callbacks, total, err := h.payments.UnmatchedCallbacks(c.UserContext(), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success":    true,
		"data":       callbacks,
		"pagination": pg.Meta(total),
	})
}

func paymentError(err error) error {
	var rejected *services.PromptRejectedError

	switch {
	case errors.Is(err, services.ErrOrderNotFound):
		return fiber.NewError(fiber.StatusNotFound, "order not found")
	case errors.Is(err, services.ErrPaymentNotFound):
		return fiber.NewError(fiber.StatusNotFound, "payment not found")
	case errors.Is(err, services.ErrPaymentNotPending):
		return fiber.NewError(fiber.StatusConflict, "payment is no longer pending")
	case errors.As(err, &rejected):
		return fiber.NewError(fiber.StatusUnprocessableEntity, "Payment failed: "+rejected.Reason)
	case services.IsRetryable(err):
		return fiber.NewError(fiber.StatusBadGateway, "M-Pesa is unavailable right now, please try again")
	default:
		return err
	}
}
