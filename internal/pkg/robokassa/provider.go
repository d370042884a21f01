package robokassa

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gamemarket/gamemarket-api/internal/pkg/gateway"
)

// Provider implements gateway.PaymentProvider for RoboKassa. RoboKassa has
// no payout API, so Transfer is unsupported.
type Provider struct {
	client *Client
	config Config
}

func NewProvider(cfg Config) *Provider {
	c := NewClient(cfg)
	return &Provider{client: c, config: c.config}
}

func (p *Provider) Name() string {
	return gateway.ProviderRoboKassa
}

func (p *Provider) VerifySignature(_ http.Header, body []byte) error {
	if p.config.Password2 == "" {
		return fmt.Errorf("robokassa password2: %w", gateway.ErrConfigurationMissing)
	}
	payload, err := parseBody(body)
	if err != nil {
		return fmt.Errorf("%w: %v", gateway.ErrInvalidSignature, err)
	}
	if !VerifyResultSignature(payload, p.config.Password2, p.config.HashAlgo) {
		return gateway.ErrInvalidSignature
	}
	return nil
}

func (p *Provider) ParseWebhook(_ http.Header, body []byte) (*gateway.WebhookEvent, error) {
	payload, err := parseBody(body)
	if err != nil {
		return nil, err
	}
	return payload.event()
}

func (p *Provider) NormalizeStatus(raw string) gateway.Status {
	if code, err := strconv.Atoi(raw); err == nil {
		return stateToStatus(code)
	}
	return gateway.NormalizeStatus(raw)
}

func (p *Provider) VerifyTransaction(ctx context.Context, transactionID string) (*gateway.TransactionStatus, error) {
	state, outSum, err := p.client.OpState(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return &gateway.TransactionStatus{
		TransactionID: transactionID,
		Status:        stateToStatus(state),
		RawStatus:     strconv.Itoa(state),
		Amount:        outSum,
	}, nil
}

func (p *Provider) InitiatePayment(_ context.Context, req gateway.PaymentRequest) (*gateway.PaymentSession, error) {
	if req.InvoiceID == 0 {
		return nil, fmt.Errorf("robokassa requires numeric invoice_id")
	}
	link, err := p.client.PaymentURL(PaymentLinkRequest{
		Amount:      req.Amount,
		InvID:       req.InvoiceID,
		Description: req.Description,
		Email:       req.Email,
		Shp:         map[string]string{"order_id": req.OrderID.String()},
	})
	if err != nil {
		return nil, err
	}
	return &gateway.PaymentSession{TransactionID: strconv.FormatInt(req.InvoiceID, 10), RedirectURL: link}, nil
}

func (p *Provider) Transfer(context.Context, gateway.TransferRequest) (*gateway.TransferResult, error) {
	return nil, fmt.Errorf("robokassa transfer: %w", gateway.ErrUnsupported)
}

// Ack returns the body RoboKassa expects from ResultURL.
func (p *Provider) Ack(event *gateway.WebhookEvent) (string, []byte) {
	return "text/plain; charset=utf-8", []byte("OK" + event.TransactionID)
}

func parseBody(body []byte) (*WebhookPayload, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedPayload, err)
	}
	return ParseWebhookForm(values)
}
