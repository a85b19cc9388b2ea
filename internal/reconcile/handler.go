package reconcile

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Webhook-Signature"

// Handler receives gateway callbacks.
type Handler struct {
	reconciler *Reconciler
	secret     string
	logger     *slog.Logger
}

// NewHandler constructs the webhook endpoint. An empty secret disables signature checks.
func NewHandler(reconciler *Reconciler, secret string, logger *slog.Logger) *Handler {
	return &Handler{reconciler: reconciler, secret: secret, logger: logger}
}

// Receive acknowledges every well-formed callback, including ones for unknown
// or already settled transactions, so the gateway stops redelivering them.
func (h *Handler) Receive(c *fiber.Ctx) error {
	body := c.Body()
	if h.secret != "" && !verifyHMAC(body, c.Get(SignatureHeader), h.secret) {
		h.logger.Warn("webhook signature verification failed", slog.String("ip", c.IP()))
		return c.Status(http.StatusUnauthorized).JSON(fiber.Map{"error": "invalid signature"})
	}

	res, err := h.reconciler.Handle(c.UserContext(), body)
	if errors.Is(err, ErrMalformedPayload) {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "malformed payload"})
	}
	if err != nil {
		h.logger.Error("reconcile webhook", slog.Any("error", err))
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "temporary failure"})
	}

	return c.Status(http.StatusOK).JSON(fiber.Map{
		"outcome":         res.Outcome,
		"idempotency_key": res.IdempotencyKey,
	})
}

func verifyHMAC(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
