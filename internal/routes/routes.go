package routes

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/santamore/feeds/internal/config"
	"github.com/santamore/feeds/internal/handlers"
	"github.com/santamore/feeds/internal/middleware"
	"github.com/santamore/feeds/internal/services"
)

// Services bundles the payment core shared by the HTTP layer and background workers.
type Services struct {
	Payments   *services.PaymentService
	Reconciler *services.CallbackReconciler
}

// NewServices wires the payment core from configuration.
func NewServices(db *gorm.DB, cfg *config.Config, gateway services.PromptGateway) *Services {
	telegramService := services.NewTelegramService(cfg.TelegramBotToken, cfg.TelegramAdminChat)
	store := services.NewGormPaymentStore(db)

	return &Services{
		Payments: services.NewPaymentService(store, gateway, telegramService, cfg.Mpesa.PendingTTL),
		Reconciler: services.NewCallbackReconciler(store, telegramService, services.ReconcilerOptions{
			LegacyMatching:    cfg.Mpesa.LegacyMatching,
			FailOnErrorResult: cfg.Mpesa.FailOnErrorResult,
		}),
	}
}

// Register wires up all HTTP routes.
func Register(app *fiber.App, db *gorm.DB, cfg *config.Config, svc *Services) {
	paymentHandler := handlers.NewPaymentHandler(svc.Payments, svc.Reconciler)

	api := app.Group("/api")

	// Gateway callback, authenticated by shared token / IP allowlist only
	mpesa := api.Group("/mpesa")
	mpesa.Post("/callback", middleware.MpesaCallbackGuard(cfg.Mpesa), paymentHandler.Callback)

	protected := api.Group("", middleware.AuthMiddleware(cfg))
	adminOnly := middleware.AdminOnly(db)

	payments := protected.Group("/payments")
	payments.Post("/initiate/:order_id", paymentHandler.Initiate)
	payments.Post("/:id/stk-push", paymentHandler.STKPush)
	payments.Get("/:id", paymentHandler.Status)
	payments.Post("/:id/manual-confirm", adminOnly, paymentHandler.ManualConfirm)

	admin := protected.Group("/admin", adminOnly)
	admin.Get("/payments", paymentHandler.ListPayments)
	admin.Get("/payments/unmatched-callbacks", paymentHandler.ListUnmatchedCallbacks)
}
