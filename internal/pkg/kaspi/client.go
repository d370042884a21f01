package kaspi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gamemarket/gamemarket-api/internal/pkg/gateway"
)

// Config holds Kaspi API configuration
type Config struct {
	BaseURL          string
	MerchantID       string
	APIKey           string
	WebhookSecret    string
	ConnectTimeout   time.Duration
	Timeout          time.Duration
	WebhookTolerance time.Duration
}

// Client talks to the Kaspi merchant API.
type Client struct {
	httpClient *http.Client
	config     Config
}

type createPaymentRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	OrderID     string          `json:"order_id"`
	MerchantID  string          `json:"merchant_id"`
	Description string          `json:"description"`
	ReturnURL   string          `json:"return_url"`
	CallbackURL string          `json:"callback_url"`
}

type createPaymentResponse struct {
	PaymentID  string `json:"payment_id"`
	PaymentURL string `json:"payment_url"`
	Status     string `json:"status"`
}

type paymentStatusResponse struct {
	PaymentID string          `json:"payment_id"`
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
}

type transferRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Destination string          `json:"destination"`
	Reference   string          `json:"reference"`
	CallbackURL string          `json:"callback_url,omitempty"`
}

type transferResponse struct {
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
}

func NewClient(cfg Config) *Client {
	return &Client{
		httpClient: gateway.NewHTTPClient(cfg.ConnectTimeout, cfg.Timeout),
		config:     cfg,
	}
}

func (c *Client) checkConfig() error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("kaspi client is not initialized: %w", gateway.ErrConfigurationMissing)
	}
	if strings.TrimSpace(c.config.BaseURL) == "" {
		return fmt.Errorf("kaspi config error: base_url is empty: %w", gateway.ErrConfigurationMissing)
	}
	if strings.TrimSpace(c.config.MerchantID) == "" || strings.TrimSpace(c.config.APIKey) == "" {
		return fmt.Errorf("kaspi config error: merchant credentials are empty: %w", gateway.ErrConfigurationMissing)
	}
	return nil
}

func (c *Client) createPayment(ctx context.Context, req createPaymentRequest) (*createPaymentResponse, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("validation error: amount must be > 0")
	}
	if strings.TrimSpace(req.OrderID) == "" {
		return nil, fmt.Errorf("validation error: order_id must be non-empty")
	}
	req.MerchantID = c.config.MerchantID

	var out createPaymentResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/payments/create", "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) paymentStatus(ctx context.Context, paymentID string) (*paymentStatusResponse, error) {
	var out paymentStatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/payments/"+url.PathEscape(paymentID), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) transfer(ctx context.Context, idempotencyKey string, req transferRequest) (*transferResponse, error) {
	var out transferResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/transfers", idempotencyKey, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	if err := c.checkConfig(); err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode kaspi request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	endpoint := strings.TrimRight(c.config.BaseURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("kaspi api call failed: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return gateway.ClassifyRequestError(ctx, "kaspi", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gateway.ClassifyRequestError(ctx, "kaspi", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gateway.ClassifyStatus("kaspi", resp.StatusCode, raw)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse kaspi response: %w", err)
	}
	return nil
}
