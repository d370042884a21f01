package robokassa

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/gamemarket/gamemarket-api/internal/pkg/gateway"
)

// WebhookPayload is the form RoboKassa posts to ResultURL.
type WebhookPayload struct {
	OutSum         string
	InvID          int64
	SignatureValue string
	// Shp keeps the original key casing, which is part of the signature base.
	Shp map[string]string
}

// VerifyResultSignature validates SignatureValue against Password2.
func VerifyResultSignature(p *WebhookPayload, password2 string, algo HashAlgorithm) bool {
	if password2 == "" || p.SignatureValue == "" {
		return false
	}
	expected, err := algo.Sign(p.Shp, p.OutSum, strconv.FormatInt(p.InvID, 10), password2)
	if err != nil {
		return false
	}
	return sameDigest(expected, p.SignatureValue)
}

// ParseWebhookForm parses a form-encoded ResultURL body.
func ParseWebhookForm(values url.Values) (*WebhookPayload, error) {
	outSum := firstValue(values, "OutSum")
	invIDStr := firstValue(values, "InvId")
	sig := firstValue(values, "SignatureValue")

	switch {
	case outSum == "":
		return nil, fmt.Errorf("%w: OutSum", gateway.ErrMissingField)
	case invIDStr == "":
		return nil, fmt.Errorf("%w: InvId", gateway.ErrMissingField)
	case sig == "":
		return nil, fmt.Errorf("%w: SignatureValue", gateway.ErrMissingField)
	}

	invID, err := strconv.ParseInt(invIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid InvId: %v", gateway.ErrMalformedPayload, err)
	}

	shp := make(map[string]string)
	for key, vals := range values {
		if strings.HasPrefix(strings.ToLower(key), "shp_") && len(vals) > 0 {
			shp[key] = vals[0]
		}
	}

	return &WebhookPayload{OutSum: outSum, InvID: invID, SignatureValue: sig, Shp: shp}, nil
}

func (p *WebhookPayload) event() (*gateway.WebhookEvent, error) {
	amount, err := decimal.NewFromString(p.OutSum)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid OutSum %q", gateway.ErrMalformedPayload, p.OutSum)
	}
	var reference string
	for k, v := range p.Shp {
		if strings.EqualFold(k, "Shp_order_id") {
			reference = v
		}
	}
	// ResultURL is only called for paid invoices.
	return &gateway.WebhookEvent{
		Provider:      gateway.ProviderRoboKassa,
		TransactionID: strconv.FormatInt(p.InvID, 10),
		Reference:     reference,
		Amount:        amount,
		Status:        gateway.StatusCompleted,
		RawStatus:     "result",
	}, nil
}

func firstValue(values url.Values, key string) string {
	for k, v := range values {
		if strings.EqualFold(k, key) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}
