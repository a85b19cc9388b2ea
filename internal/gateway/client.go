package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrRejected is returned when the gateway answers but declines the request.
var ErrRejected = errors.New("gateway rejected the request")

// DepositRequest asks the gateway to collect money from a mobile wallet.
type DepositRequest struct {
	IdempotencyKey string
	Phone          string
	Amount         int64
}

// DepositResponse carries the gateway's own reference for the collection.
type DepositResponse struct {
	GatewayTransactionID string
	Status               string
}

// Client represents the connector to the external payment gateway.
type Client interface {
	Deposit(ctx context.Context, req DepositRequest) (DepositResponse, error)
}

// HTTPClient talks JSON to the gateway's REST API.
type HTTPClient struct {
	baseURL     string
	apiKey      string
	callbackURL string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewHTTPClient builds a gateway client. The per-call deadline comes from the
// caller's context; timeout bounds the underlying transport as a backstop.
func NewHTTPClient(baseURL, apiKey, callbackURL string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		callbackURL: callbackURL,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

type depositPayload struct {
	Amount         int64  `json:"amount"`
	Phone          string `json:"phone"`
	IdempotencyKey string `json:"idempotencyKey"`
	CallbackURL    string `json:"callbackUrl,omitempty"`
}

type depositReply struct {
	ID            string `json:"id"`
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
}

// Deposit posts the collection request and returns the gateway reference.
func (c *HTTPClient) Deposit(ctx context.Context, req DepositRequest) (DepositResponse, error) {
	body, err := json.Marshal(depositPayload{
		Amount:         req.Amount,
		Phone:          req.Phone,
		IdempotencyKey: req.IdempotencyKey,
		CallbackURL:    c.callbackURL,
	})
	if err != nil {
		return DepositResponse{}, fmt.Errorf("deposit: marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/deposit", bytes.NewReader(body))
	if err != nil {
		return DepositResponse{}, fmt.Errorf("deposit: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return DepositResponse{}, fmt.Errorf("deposit: send: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Info("gateway response received",
		slog.String("idempotency_key", req.IdempotencyKey),
		slog.Int("status", resp.StatusCode),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return DepositResponse{}, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var reply depositReply
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&reply); err != nil {
		return DepositResponse{}, fmt.Errorf("deposit: decode reply: %w", err)
	}
	id := reply.ID
	if id == "" {
		id = reply.TransactionID
	}
	if id == "" {
		return DepositResponse{}, fmt.Errorf("%w: reply carries no transaction id", ErrRejected)
	}
	return DepositResponse{GatewayTransactionID: id, Status: reply.Status}, nil
}

// StaticClient accepts every deposit with a synthetic reference. Used in development.
type StaticClient struct{}

// Deposit approves the request.
func (StaticClient) Deposit(_ context.Context, _ DepositRequest) (DepositResponse, error) {
	return DepositResponse{GatewayTransactionID: uuid.NewString(), Status: "pending"}, nil
}
