// Package gateway defines the capability interface every payment provider
// implements and the registry the reconciler resolves providers from.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gamemarket/gamemarket-api/internal/pkg/signature"
)

// Provider names
const (
	ProviderKaspi     = "kaspi"
	ProviderRoboKassa = "robokassa"
)

var (
	ErrInvalidSignature     = signature.ErrInvalidSignature
	ErrProviderUnavailable  = errors.New("payment provider unavailable")
	ErrProviderRejected     = errors.New("payment provider rejected the request")
	ErrConfigurationMissing = errors.New("payment provider configuration missing")
	ErrUnsupported          = errors.New("operation not supported by provider")
	ErrUnknownProvider      = errors.New("unknown payment provider")
	ErrMalformedPayload     = errors.New("malformed webhook payload")
	ErrMissingField         = errors.New("missing required field")
)

// Status is the provider-independent state of a payment or transfer.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// WebhookEvent is a parsed, not yet trusted, provider callback.
type WebhookEvent struct {
	Provider      string
	TransactionID string
	// Reference is our own identifier echoed back (order id or transfer idempotency key).
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Status    Status
	RawStatus string
}

type PaymentRequest struct {
	PaymentID   uuid.UUID
	OrderID     uuid.UUID
	InvoiceID   int64
	Amount      decimal.Decimal
	Currency    string
	Description string
	Email       string
	ReturnURL   string
	CallbackURL string
}

type PaymentSession struct {
	TransactionID string
	RedirectURL   string
}

type TransactionStatus struct {
	TransactionID string
	Status        Status
	RawStatus     string
	Amount        decimal.Decimal
}

type TransferRequest struct {
	IdempotencyKey string
	Amount         decimal.Decimal
	Currency       string
	Destination    string
	CallbackURL    string
}

type TransferResult struct {
	ProviderRef string
	Status      Status
}

// PaymentProvider is implemented once per external payment rail.
type PaymentProvider interface {
	Name() string
	// VerifySignature authenticates the raw callback before anything is parsed.
	VerifySignature(headers http.Header, body []byte) error
	ParseWebhook(headers http.Header, body []byte) (*WebhookEvent, error)
	// VerifyTransaction queries the provider directly for the current status.
	VerifyTransaction(ctx context.Context, transactionID string) (*TransactionStatus, error)
	NormalizeStatus(raw string) Status
	InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentSession, error)
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
}

// Acknowledger is implemented by providers that expect a specific response
// body for an accepted callback.
type Acknowledger interface {
	Ack(event *WebhookEvent) (contentType string, body []byte)
}

// Registry resolves providers by name.
type Registry struct {
	providers map[string]PaymentProvider
}

func NewRegistry(providers ...PaymentProvider) *Registry {
	r := &Registry{providers: make(map[string]PaymentProvider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p PaymentProvider) {
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (PaymentProvider, error) {
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NormalizeStatus maps the common provider vocabulary onto Status.
// Unknown values are treated as pending.
func NormalizeStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "succeeded", "completed", "paid", "approved", "authorized", "sent", "done":
		return StatusCompleted
	case "failed", "failure", "cancelled", "canceled", "declined", "rejected", "error", "expired", "reversed":
		return StatusFailed
	default:
		return StatusPending
	}
}
