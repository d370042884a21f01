package kaspi

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/gamemarket/gamemarket-api/internal/pkg/gateway"
)

// SignatureHeader carries "t=<unix>,v1=<hmac>".
const SignatureHeader = "X-Kaspi-Signature"

// webhookPayload covers both payment and transfer callbacks.
type webhookPayload struct {
	Event         string           `json:"event"`
	TransactionID string           `json:"transaction_id"`
	TransferID    string           `json:"transfer_id"`
	OrderID       string           `json:"order_id"`
	Reference     string           `json:"reference"`
	Amount        *decimal.Decimal `json:"amount"`
	Currency      string           `json:"currency"`
	Status        string           `json:"status"`
}

func parseWebhook(body []byte) (*gateway.WebhookEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedPayload, err)
	}

	txID := strings.TrimSpace(p.TransactionID)
	if txID == "" {
		txID = strings.TrimSpace(p.TransferID)
	}
	reference := strings.TrimSpace(p.Reference)
	if reference == "" {
		reference = strings.TrimSpace(p.OrderID)
	}

	switch {
	case txID == "" && reference == "":
		return nil, fmt.Errorf("%w: transaction_id", gateway.ErrMissingField)
	case p.Status == "":
		return nil, fmt.Errorf("%w: status", gateway.ErrMissingField)
	case p.Amount == nil:
		return nil, fmt.Errorf("%w: amount", gateway.ErrMissingField)
	}

	return &gateway.WebhookEvent{
		Provider:      gateway.ProviderKaspi,
		TransactionID: txID,
		Reference:     reference,
		Amount:        *p.Amount,
		Currency:      p.Currency,
		Status:        gateway.NormalizeStatus(p.Status),
		RawStatus:     p.Status,
	}, nil
}
