package payment

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gamemarket/gamemarket-api/internal/pkg/gateway"
	"github.com/gamemarket/gamemarket-api/internal/pkg/settle"
)

// Status represents payment status
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ProviderWallet marks orders paid from the internal wallet balance.
const ProviderWallet = "wallet"

// AmountTolerance is the largest accepted difference between the callback
// amount and the stored amount.
var AmountTolerance = decimal.RequireFromString("0.01")

// Payment is one attempt to pay an order through a provider.
type Payment struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	OrderID       uuid.UUID       `db:"order_id" json:"order_id"`
	UserID        uuid.UUID       `db:"user_id" json:"user_id"`
	Provider      string          `db:"provider" json:"provider"`
	InvoiceID     int64           `db:"invoice_id" json:"invoice_id"`
	TransactionID sql.NullString  `db:"provider_transaction_id" json:"provider_transaction_id,omitempty"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	Currency      string          `db:"currency" json:"currency"`
	Status        Status          `db:"status" json:"status"`
	RawStatus     sql.NullString  `db:"raw_status" json:"raw_status,omitempty"`
	RedirectURL   sql.NullString  `db:"redirect_url" json:"redirect_url,omitempty"`
	FailureReason sql.NullString  `db:"failure_reason" json:"failure_reason,omitempty"`
	PaidAt        sql.NullTime    `db:"paid_at" json:"paid_at,omitempty"`
	FailedAt      sql.NullTime    `db:"failed_at" json:"failed_at,omitempty"`
	Version       int64           `db:"version" json:"-"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

func (p *Payment) IsTerminal() bool {
	return p.Status == StatusCompleted || p.Status == StatusFailed
}

// AmountMatches reports whether got is within AmountTolerance of the stored amount.
func (p *Payment) AmountMatches(got decimal.Decimal) bool {
	return got.Sub(p.Amount).Abs().LessThanOrEqual(AmountTolerance)
}

// InitiateResult is returned to the buyer to continue on the provider page.
type InitiateResult struct {
	PaymentID   uuid.UUID `json:"payment_id"`
	InvoiceID   int64     `json:"invoice_id"`
	RedirectURL string    `json:"redirect_url"`
	Status      Status    `json:"status"`
}

// Reconciliation is the outcome of one webhook or resync.
type Reconciliation struct {
	Result    settle.Result
	PaymentID uuid.UUID
	OrderID   uuid.UUID
	Status    gateway.Status
	// Event is set for webhooks; providers may need it to build the ack body.
	Event *gateway.WebhookEvent
}

// Pending reports that the provider has not reached a terminal state yet.
func (r *Reconciliation) Pending() bool {
	return r.Status == gateway.StatusPending
}

func toStatus(s gateway.Status) Status {
	switch s {
	case gateway.StatusCompleted:
		return StatusCompleted
	case gateway.StatusFailed:
		return StatusFailed
	}
	return StatusPending
}
