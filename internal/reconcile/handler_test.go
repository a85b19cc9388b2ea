package reconcile

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/ridepay/internal/ledger"
	"github.com/congo-pay/ridepay/internal/logging"
	"github.com/congo-pay/ridepay/internal/metrics"
)

func sign(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func setupWebhookApp(r *Reconciler, secret string) *fiber.App {
	app := fiber.New()
	app.Post("/webhooks/gateway", NewHandler(r, secret, logging.Discard()).Receive)
	return app
}

func post(t *testing.T, app *fiber.App, body, signature string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, "/webhooks/gateway", strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestWebhookHTTPContract(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "r1", 500)
	app := setupWebhookApp(f.reconciler, "")

	code, out := post(t, app, `{"idempotencyKey":"r1","status":"successful","amount":500}`, "")
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, string(OutcomeSettled), out["outcome"])

	code, out = post(t, app, `{"idempotencyKey":"r1","status":"successful","amount":500}`, "")
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, string(OutcomeAlreadyProcessed), out["outcome"])

	code, _ = post(t, app, `{"idempotencyKey":"ghost","status":"successful"}`, "")
	assert.Equal(t, fiber.StatusOK, code)

	code, _ = post(t, app, `not json`, "")
	assert.Equal(t, fiber.StatusBadRequest, code)

	assert.Equal(t, int64(500), f.balance(t))
}

func TestWebhookSignature(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "r1", 500)
	app := setupWebhookApp(f.reconciler, "whsec")
	body := `{"idempotencyKey":"r1","status":"success"}`

	code, _ := post(t, app, body, "")
	assert.Equal(t, fiber.StatusUnauthorized, code)
	code, _ = post(t, app, body, sign(body, "other"))
	assert.Equal(t, fiber.StatusUnauthorized, code)
	assert.Zero(t, f.balance(t))

	code, _ = post(t, app, body, sign(body, "whsec"))
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, int64(500), f.balance(t))
}

func TestWebhookStoreFailureAsksForRetry(t *testing.T) {
	r := New(brokenStore{Store: ledger.NewInMemory()}, nil, metrics.New(), logging.Discard())
	app := setupWebhookApp(r, "")

	code, _ := post(t, app, `{"idempotencyKey":"r1","status":"success"}`, "")
	assert.Equal(t, fiber.StatusInternalServerError, code)
}
