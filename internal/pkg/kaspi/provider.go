package kaspi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gamemarket/gamemarket-api/internal/pkg/gateway"
	"github.com/gamemarket/gamemarket-api/internal/pkg/signature"
)

// Provider implements gateway.PaymentProvider for Kaspi.
type Provider struct {
	client   *Client
	verifier *signature.Verifier
	currency string
}

func NewProvider(cfg Config, currency string) *Provider {
	return &Provider{
		client:   NewClient(cfg),
		verifier: signature.NewVerifier(cfg.WebhookSecret, cfg.WebhookTolerance),
		currency: currency,
	}
}

func (p *Provider) Name() string {
	return gateway.ProviderKaspi
}

func (p *Provider) VerifySignature(headers http.Header, body []byte) error {
	if err := p.verifier.Verify(body, headers.Get(SignatureHeader)); err != nil {
		if errors.Is(err, signature.ErrMissingSecret) {
			return fmt.Errorf("kaspi webhook secret: %w", gateway.ErrConfigurationMissing)
		}
		return err
	}
	return nil
}

func (p *Provider) ParseWebhook(_ http.Header, body []byte) (*gateway.WebhookEvent, error) {
	return parseWebhook(body)
}

func (p *Provider) NormalizeStatus(raw string) gateway.Status {
	return gateway.NormalizeStatus(raw)
}

func (p *Provider) VerifyTransaction(ctx context.Context, transactionID string) (*gateway.TransactionStatus, error) {
	resp, err := p.client.paymentStatus(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return &gateway.TransactionStatus{
		TransactionID: resp.PaymentID,
		Status:        p.NormalizeStatus(resp.Status),
		RawStatus:     resp.Status,
		Amount:        resp.Amount,
	}, nil
}

func (p *Provider) InitiatePayment(ctx context.Context, req gateway.PaymentRequest) (*gateway.PaymentSession, error) {
	currency := req.Currency
	if currency == "" {
		currency = p.currency
	}
	resp, err := p.client.createPayment(ctx, createPaymentRequest{
		Amount:      req.Amount,
		Currency:    currency,
		OrderID:     req.OrderID.String(),
		Description: req.Description,
		ReturnURL:   req.ReturnURL,
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		return nil, err
	}
	if resp.PaymentID == "" || resp.PaymentURL == "" {
		return nil, fmt.Errorf("kaspi create payment: empty payment id or url: %w", gateway.ErrProviderRejected)
	}
	return &gateway.PaymentSession{TransactionID: resp.PaymentID, RedirectURL: resp.PaymentURL}, nil
}

func (p *Provider) Transfer(ctx context.Context, req gateway.TransferRequest) (*gateway.TransferResult, error) {
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("kaspi transfer: idempotency key is required")
	}
	currency := req.Currency
	if currency == "" {
		currency = p.currency
	}
	resp, err := p.client.transfer(ctx, req.IdempotencyKey, transferRequest{
		Amount:      req.Amount,
		Currency:    currency,
		Destination: req.Destination,
		Reference:   req.IdempotencyKey,
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		return nil, err
	}
	return &gateway.TransferResult{ProviderRef: resp.TransferID, Status: p.NormalizeStatus(resp.Status)}, nil
}
