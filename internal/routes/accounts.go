package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/ridepay/internal/auth"
	"github.com/congo-pay/ridepay/internal/wallet"
)

// RegisterAccountRoutes wires wallet opening and QR resolution.
func RegisterAccountRoutes(r fiber.Router, h *wallet.Handler) {
	r.Post("/accounts", h.Open)
	r.Get("/accounts/resolve/:ref", h.Resolve)
}

// RegisterSessionRoutes wires PIN login.
func RegisterSessionRoutes(r fiber.Router, h *auth.Handler) {
	r.Post("/sessions", h.Login)
}

// RegisterWalletRoutes wires the authenticated account's wallet views.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler) {
	r.Get("/wallet", h.Balance)
	r.Get("/wallet/history", h.History)
}
