package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/ridepay/internal/config"
	"github.com/congo-pay/ridepay/internal/logging"
	"github.com/congo-pay/ridepay/internal/routes"
)

const webhookSecret = "whsec_test"

func testConfig() config.Config {
	return config.Config{
		AppName:           "RidePay",
		AppEnv:            "test",
		Port:              "0",
		JWTSecret:         "test-secret",
		AccessTokenTTL:    time.Hour,
		WebhookSecret:     webhookSecret,
		IdempotencyTTL:    time.Hour,
		MinTransferAmount: 100,
		MinDepositAmount:  100,
		GatewayTimeout:    time.Second,
		PendingExpiry:     30 * time.Minute,
		SweepInterval:     time.Minute,
		PINMaxAttempts:    5,
		PINLockoutWindow:  15 * time.Minute,
	}
}

func newTestServer(t *testing.T) *fiber.App {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = cache.Close() })

	srv, err := NewWithDeps(routes.Deps{Cfg: testConfig(), Cache: cache, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv.App()
}

func do(t *testing.T, app *fiber.App, method, path, token string, body any, headers map[string]string) (int, map[string]any, http.Header) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, raw)
		}
	}
	return resp.StatusCode, out, resp.Header
}

func openAccount(t *testing.T, app *fiber.App, role, phone string) (id, shortCode, token string) {
	t.Helper()
	status, body, _ := do(t, app, fiber.MethodPost, "/api/v1/accounts", "", map[string]string{"role": role, "phone": phone, "pin": "1234"}, nil)
	if status != http.StatusCreated {
		t.Fatalf("open %s: status %d body %v", role, status, body)
	}
	return body["id"].(string), body["short_code"].(string), body["access_token"].(string)
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, app *fiber.App, payload map[string]any) (int, map[string]any) {
	t.Helper()
	raw, _ := json.Marshal(payload)
	req := httptest.NewRequest(fiber.MethodPost, "/webhooks/gateway", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", sign(raw))
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func balanceOf(t *testing.T, app *fiber.App, token string) int64 {
	t.Helper()
	status, body, _ := do(t, app, fiber.MethodGet, "/api/v1/wallet", token, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("balance: status %d body %v", status, body)
	}
	return int64(body["balance"].(float64))
}

func TestTopUpThenPayDriver(t *testing.T) {
	app := newTestServer(t)

	_, _, passengerToken := openAccount(t, app, "passenger", "+242060000001")
	driverID, driverCode, driverToken := openAccount(t, app, "driver", "+242060000002")

	status, dep, _ := do(t, app, fiber.MethodPost, "/api/v1/deposits", passengerToken,
		map[string]any{"amount": 5000, "phone": "+242 06 000 0001", "idempotency_key": "dep-1"}, nil)
	if status != http.StatusAccepted || dep["status"] != "pending" {
		t.Fatalf("deposit: status %d body %v", status, dep)
	}
	if got := balanceOf(t, app, passengerToken); got != 0 {
		t.Fatalf("pending deposit credited early: %d", got)
	}

	status, hook := postWebhook(t, app, map[string]any{"data": map[string]any{"externalId": "dep-1", "status": "SUCCESSFUL", "amount": 5000}})
	if status != http.StatusOK || hook["outcome"] != "settled" {
		t.Fatalf("webhook: status %d body %v", status, hook)
	}
	status, hook = postWebhook(t, app, map[string]any{"reference": "dep-1", "status": "success"})
	if status != http.StatusOK || hook["outcome"] != "already_processed" {
		t.Fatalf("redelivery: status %d body %v", status, hook)
	}
	if got := balanceOf(t, app, passengerToken); got != 5000 {
		t.Fatalf("expected 5000 after top-up, got %d", got)
	}

	status, resolved, _ := do(t, app, fiber.MethodGet, "/api/v1/accounts/resolve/RP-"+driverCode, "", nil, nil)
	if status != http.StatusOK || resolved["id"] != driverID {
		t.Fatalf("resolve: status %d body %v", status, resolved)
	}

	payment := map[string]any{"payee": "RP-" + driverCode, "amount": 1500, "pin": "1234", "idempotency_key": "ride-1"}
	status, paid, _ := do(t, app, fiber.MethodPost, "/api/v1/payments", passengerToken, payment, nil)
	if status != http.StatusCreated || int64(paid["balance"].(float64)) != 3500 {
		t.Fatalf("pay: status %d body %v", status, paid)
	}

	status, replay, headers := do(t, app, fiber.MethodPost, "/api/v1/payments", passengerToken, payment, nil)
	if status != http.StatusOK || headers.Get("Idempotent-Replay") != "true" || replay["transaction_id"] != paid["transaction_id"] {
		t.Fatalf("replay: status %d body %v", status, replay)
	}

	if got := balanceOf(t, app, passengerToken); got != 3500 {
		t.Fatalf("passenger balance %d", got)
	}
	if got := balanceOf(t, app, driverToken); got != 1500 {
		t.Fatalf("driver balance %d", got)
	}

	status, hist, _ := do(t, app, fiber.MethodGet, "/api/v1/wallet/history?limit=10", passengerToken, nil, nil)
	if status != http.StatusOK || len(hist["transactions"].([]any)) != 2 {
		t.Fatalf("history: status %d body %v", status, hist)
	}
}

func TestPaymentErrorsUseClosedSet(t *testing.T) {
	app := newTestServer(t)

	_, _, passengerToken := openAccount(t, app, "passenger", "+242060000003")
	_, driverCode, _ := openAccount(t, app, "driver", "+242060000004")

	status, body, _ := do(t, app, fiber.MethodPost, "/api/v1/payments", passengerToken,
		map[string]any{"payee": driverCode, "amount": 500, "pin": "1234"}, nil)
	if status != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d %v", status, body)
	}

	status, body, _ = do(t, app, fiber.MethodPost, "/api/v1/payments", passengerToken,
		map[string]any{"payee": driverCode, "amount": 50, "pin": "1234"}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %v", status, body)
	}

	status, body, _ = do(t, app, fiber.MethodPost, "/api/v1/payments", passengerToken,
		map[string]any{"payee": driverCode, "amount": 500, "pin": "9999"}, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %v", status, body)
	}

	status, _, _ = do(t, app, fiber.MethodPost, "/api/v1/payments", "", map[string]any{"payee": driverCode, "amount": 500}, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", status)
	}
}

func TestLoginIssuesToken(t *testing.T) {
	app := newTestServer(t)
	_, code, _ := openAccount(t, app, "passenger", "+242060000005")

	status, body, _ := do(t, app, fiber.MethodPost, "/api/v1/sessions", "", map[string]string{"account": code, "pin": "1234"}, nil)
	if status != http.StatusOK || body["access_token"] == "" {
		t.Fatalf("login: status %d body %v", status, body)
	}
	token := body["access_token"].(string)
	if got := balanceOf(t, app, token); got != 0 {
		t.Fatalf("unexpected balance %d", got)
	}

	status, _, _ = do(t, app, fiber.MethodPost, "/api/v1/sessions", "", map[string]string{"account": code, "pin": "0000"}, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong pin, got %d", status)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	app := newTestServer(t)
	req := httptest.NewRequest(fiber.MethodPost, "/webhooks/gateway", strings.NewReader(`{"reference":"x","status":"success"}`))
	req.Header.Set("X-Webhook-Signature", "deadbeef")
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	app := newTestServer(t)

	status, body, _ := do(t, app, fiber.MethodGet, "/healthz", "", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("healthz: status %d body %v", status, body)
	}

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/metrics", nil), -1)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), "go_goroutines") {
		t.Fatalf("metrics: status %d", resp.StatusCode)
	}
}

func TestProductionRequiresDatabase(t *testing.T) {
	cfg := testConfig()
	cfg.AppEnv = "production"
	if _, err := New(cfg, nil, nil, logging.Discard()); err == nil {
		t.Fatalf("expected error without database in production")
	}
}

func TestIdempotencyKeysStayWithTheirOwner(t *testing.T) {
	app := newTestServer(t)

	_, _, aliceToken := openAccount(t, app, "passenger", "+242060000006")
	_, _, bobToken := openAccount(t, app, "passenger", "+242060000007")
	_, driverCode, _ := openAccount(t, app, "driver", "+242060000008")

	status, dep, _ := do(t, app, fiber.MethodPost, "/api/v1/deposits", aliceToken,
		map[string]any{"amount": 5000, "phone": "+242060000006", "idempotency_key": "shared-1"}, nil)
	if status != http.StatusAccepted {
		t.Fatalf("deposit: status %d body %v", status, dep)
	}

	status, body, _ := do(t, app, fiber.MethodPost, "/api/v1/deposits", bobToken,
		map[string]any{"amount": 100, "phone": "+242060000007", "idempotency_key": "shared-1"}, nil)
	if status != http.StatusConflict {
		t.Fatalf("expected 409 for another account's key, got %d %v", status, body)
	}
	if _, leaked := body["transaction_id"]; leaked {
		t.Fatalf("conflict leaked the original record: %v", body)
	}

	status, body, _ = do(t, app, fiber.MethodPost, "/api/v1/payments", aliceToken,
		map[string]any{"payee": driverCode, "amount": 500, "pin": "1234", "idempotency_key": "body-key"},
		map[string]string{"Idempotency-Key": "header-key"})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for disagreeing keys, got %d %v", status, body)
	}
}
