package kaspi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gamemarket/gamemarket-api/internal/pkg/gateway"
	"github.com/gamemarket/gamemarket-api/internal/pkg/signature"
)

func newTestProvider(baseURL string) *Provider {
	return NewProvider(Config{
		BaseURL:        baseURL,
		MerchantID:     "merchant-1",
		APIKey:         "api-key",
		WebhookSecret:  "whsec",
		ConnectTimeout: time.Second,
		Timeout:        200 * time.Millisecond,
	}, "KZT")
}

func TestInitiatePayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/payments/create" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer api-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req createPaymentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if !req.Amount.Equal(decimal.RequireFromString("1500.50")) || req.MerchantID != "merchant-1" || req.Currency != "KZT" {
			t.Errorf("unexpected request %+v", req)
		}
		_ = json.NewEncoder(w).Encode(createPaymentResponse{PaymentID: "kp-1", PaymentURL: "https://pay.kaspi.kz/kp-1", Status: "created"})
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	session, err := p.InitiatePayment(context.Background(), gateway.PaymentRequest{
		OrderID: uuid.New(),
		Amount:  decimal.RequireFromString("1500.50"),
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if session.TransactionID != "kp-1" || session.RedirectURL == "" {
		t.Fatalf("unexpected session %+v", session)
	}
}

func TestTransfer_ErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr error
	}{
		{
			name: "server error is unavailable",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			wantErr: gateway.ErrProviderUnavailable,
		},
		{
			name: "timeout is unavailable",
			handler: func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(500 * time.Millisecond)
			},
			wantErr: gateway.ErrProviderUnavailable,
		},
		{
			name: "client error is rejected",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = w.Write([]byte(`{"error":"invalid destination"}`))
			},
			wantErr: gateway.ErrProviderRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := newTestProvider(srv.URL).Transfer(context.Background(), gateway.TransferRequest{
				IdempotencyKey: "01HX",
				Amount:         decimal.NewFromInt(100),
				Destination:    "KZ00",
			})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestTransfer_SendsIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Idempotency-Key") != "01HXKEY" {
			t.Errorf("missing idempotency key header")
		}
		_ = json.NewEncoder(w).Encode(transferResponse{TransferID: "tr-9", Status: "processing"})
	}))
	defer srv.Close()

	res, err := newTestProvider(srv.URL).Transfer(context.Background(), gateway.TransferRequest{
		IdempotencyKey: "01HXKEY",
		Amount:         decimal.NewFromInt(100),
		Destination:    "KZ00",
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.ProviderRef != "tr-9" || res.Status != gateway.StatusPending {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestMissingConfiguration(t *testing.T) {
	p := NewProvider(Config{}, "KZT")
	_, err := p.VerifyTransaction(context.Background(), "kp-1")
	if !errors.Is(err, gateway.ErrConfigurationMissing) {
		t.Fatalf("expected ErrConfigurationMissing, got %v", err)
	}

	body := []byte(`{}`)
	err = p.VerifySignature(http.Header{SignatureHeader: {signature.Sign([]byte("x"), 1, body)}}, body)
	if !errors.Is(err, gateway.ErrConfigurationMissing) {
		t.Fatalf("expected ErrConfigurationMissing for empty secret, got %v", err)
	}
}

func TestWebhookVerifyAndParse(t *testing.T) {
	p := newTestProvider("http://unused")
	body := []byte(`{"event":"payment.status","transaction_id":"kp-1","order_id":"o-1","amount":"1500.00","currency":"KZT","status":"PAID"}`)

	headers := http.Header{}
	headers.Set(SignatureHeader, signature.Sign([]byte("whsec"), time.Now().Unix(), body))
	if err := p.VerifySignature(headers, body); err != nil {
		t.Fatalf("verify: %v", err)
	}

	headers.Set(SignatureHeader, "t=1700000000,v1=")
	if err := p.VerifySignature(headers, body); !errors.Is(err, gateway.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	ev, err := p.ParseWebhook(nil, body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.TransactionID != "kp-1" || ev.Status != gateway.StatusCompleted || !ev.Amount.Equal(decimal.NewFromInt(1500)) {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestParseWebhook_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"malformed json", `{"transaction_id":`, gateway.ErrMalformedPayload},
		{"missing id", `{"status":"paid","amount":"1"}`, gateway.ErrMissingField},
		{"missing status", `{"transaction_id":"x","amount":"1"}`, gateway.ErrMissingField},
		{"missing amount", `{"transaction_id":"x","status":"paid"}`, gateway.ErrMissingField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseWebhook([]byte(tt.body)); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
