package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/ridepay/internal/gateway"
	"github.com/congo-pay/ridepay/internal/reconcile"
	"github.com/congo-pay/ridepay/internal/transfer"
)

// RegisterPaymentRoutes wires passenger to driver payments.
func RegisterPaymentRoutes(r fiber.Router, h *transfer.Handler) {
	r.Post("/payments", h.Pay)
}

// RegisterDepositRoutes wires mobile money top-ups.
func RegisterDepositRoutes(r fiber.Router, h *gateway.Handler) {
	r.Post("/deposits", h.Deposit)
}

// RegisterWebhookRoutes wires gateway callbacks. They carry no bearer token.
func RegisterWebhookRoutes(app *fiber.App, h *reconcile.Handler) {
	app.Post("/webhooks/gateway", h.Receive)
}
